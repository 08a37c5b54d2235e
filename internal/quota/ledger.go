package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/metrics"
)

// HeldCounter reports how many SKU units a tenant holds right now, which is
// the number of items it tracks.
type HeldCounter interface {
	CountItems(ctx context.Context, tenantID string) (int, error)
}

// Ledger is the quota service used by the rest of the application.
type Ledger struct {
	store Store
	held  HeldCounter
	now   func() time.Time
}

// NewLedger creates a quota ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// CountHeldWith makes Assign and Renew subtract the tenant's tracked items
// from the SKU limit. Without it the SKU counter restarts at the full limit.
func (l *Ledger) CountHeldWith(c HeldCounter) {
	l.held = c
}

// Get returns the tenant's quota, or ErrNoQuota when none is assigned.
func (l *Ledger) Get(ctx context.Context, tenantID string) (*Quota, error) {
	u, err := l.store.GetUsage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	t, err := l.store.GetTemplate(ctx, u.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("load template %s: %w", u.TemplateID, err)
	}
	return newQuota(t, u), nil
}

// Consume spends amount units of resource. Nothing is decremented when the
// request exceeds what remains or the quota period has run out.
func (l *Ledger) Consume(ctx context.Context, tenantID string, r Resource, amount int) error {
	if _, err := ParseResource(string(r)); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	q, err := l.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if q.Expired(l.now()) {
		metrics.QuotaRejectionsTotal.WithLabelValues(string(r)).Inc()
		return ErrQuotaExpired
	}

	remaining, err := l.store.Consume(ctx, tenantID, r, amount)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			metrics.QuotaRejectionsTotal.WithLabelValues(string(r)).Inc()
		}
		return err
	}

	logging.L(ctx).Debug("quota consumed",
		zap.String("resource", string(r)),
		zap.Int("amount", amount),
		zap.Int("remaining", remaining))
	return nil
}

// Release returns units, capped at the template limit.
func (l *Ledger) Release(ctx context.Context, tenantID string, r Resource, amount int) error {
	if _, err := ParseResource(string(r)); err != nil {
		return err
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.store.Release(ctx, tenantID, r, amount)
}

// EnsureTemplate returns the template with exactly this name and limits,
// creating it when missing. Identical requests always share one template.
func (l *Ledger) EnsureTemplate(ctx context.Context, name string, limits Limits) (*Template, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return l.store.FindOrCreateTemplate(ctx, &Template{Name: name, Limits: limits})
}

// Assign points the tenant at template t. Parse units restart at the
// template limit; the SKU counter keeps the items the tenant already
// tracks, so it restarts at the limit minus those (never below zero).
func (l *Ledger) Assign(ctx context.Context, tenantID string, t *Template) (*Quota, error) {
	skus := t.Limits.SKUsLimit
	if l.held != nil {
		n, err := l.held.CountItems(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("count tracked items: %w", err)
		}
		skus = max(skus-n, 0)
	}
	u := &Usage{
		TenantID:            tenantID,
		TemplateID:          t.ID,
		SKUsRemaining:       skus,
		ParseUnitsRemaining: t.Limits.ParseUnitsLimit,
		AssignedAt:          l.now(),
	}
	if err := l.store.PutUsage(ctx, u); err != nil {
		return nil, err
	}
	return newQuota(t, u), nil
}

// Set get-or-creates a template with exactly these values and assigns it
// to the tenant. Other tenants on the same template are unaffected.
func (l *Ledger) Set(ctx context.Context, tenantID, name string, totalHours, skusLimit, parseUnitsLimit int) (*Quota, error) {
	t, err := l.EnsureTemplate(ctx, name, Limits{
		TotalHours:      totalHours,
		SKUsLimit:       skusLimit,
		ParseUnitsLimit: parseUnitsLimit,
	})
	if err != nil {
		return nil, err
	}
	return l.Assign(ctx, tenantID, t)
}

// Renew starts a new quota period on the tenant's current template. See
// Assign for how the counters restart.
func (l *Ledger) Renew(ctx context.Context, tenantID string) (*Quota, error) {
	u, err := l.store.GetUsage(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	t, err := l.store.GetTemplate(ctx, u.TemplateID)
	if err != nil {
		return nil, err
	}
	return l.Assign(ctx, tenantID, t)
}

// Templates lists every stored template.
func (l *Ledger) Templates(ctx context.Context) ([]*Template, error) {
	return l.store.ListTemplates(ctx)
}

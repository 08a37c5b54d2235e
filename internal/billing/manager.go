package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/dbtx"
	"github.com/pricewatch/pricewatch/internal/idgen"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/metrics"
	"github.com/pricewatch/pricewatch/internal/plan"
	"github.com/pricewatch/pricewatch/internal/quota"
	"github.com/pricewatch/pricewatch/internal/tenant"
	"github.com/pricewatch/pricewatch/internal/traces"
)

// Manager owns balance and plan changes for tenants.
type Manager struct {
	tenants tenant.Store
	plans   plan.Store
	quotas  *quota.Ledger
	entries EntryStore
	tx      dbtx.Runner
	now     func() time.Time
}

// NewManager creates a billing manager.
func NewManager(tenants tenant.Store, plans plan.Store, quotas *quota.Ledger, entries EntryStore, tx dbtx.Runner) *Manager {
	return &Manager{
		tenants: tenants,
		plans:   plans,
		quotas:  quotas,
		entries: entries,
		tx:      tx,
		now:     time.Now,
	}
}

// Seed validates the static catalogue and upserts every plan together with
// its quota template. Safe to run on every start.
func (m *Manager) Seed(ctx context.Context) error {
	catalogue := plan.Catalogue()
	if err := plan.Validate(catalogue); err != nil {
		return fmt.Errorf("plan catalogue: %w", err)
	}
	for i := range catalogue {
		p := catalogue[i]
		if err := m.plans.Seed(ctx, &p); err != nil {
			return fmt.Errorf("seed plan %s: %w", p.Name, err)
		}
		if _, err := m.quotas.EnsureTemplate(ctx, p.Name.TemplateName(), p.Limits); err != nil {
			return fmt.Errorf("seed template %s: %w", p.Name.TemplateName(), err)
		}
	}
	return nil
}

// Plans lists the stored catalogue.
func (m *Manager) Plans(ctx context.Context) ([]*plan.Plan, error) {
	return m.plans.List(ctx)
}

// SetPlanPrice corrects a plan's price.
func (m *Manager) SetPlanPrice(ctx context.Context, name string, price decimal.Decimal) (*plan.Plan, error) {
	n, err := plan.Parse(name)
	if err != nil {
		return nil, err
	}
	if price.IsNegative() {
		return nil, plan.ErrInvalidPrice
	}
	if err := m.plans.SetPrice(ctx, n, price); err != nil {
		return nil, err
	}
	return m.plans.Get(ctx, n)
}

// Balance returns the tenant's current balance.
func (m *Manager) Balance(ctx context.Context, tenantID string) (decimal.Decimal, error) {
	t, err := m.tenants.Get(ctx, tenantID)
	if err != nil {
		return decimal.Zero, err
	}
	return t.Balance, nil
}

// History returns the newest ledger entries first.
func (m *Manager) History(ctx context.Context, tenantID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.entries.History(ctx, tenantID, limit)
}

// Quota returns the tenant's quota read model.
func (m *Manager) Quota(ctx context.Context, tenantID string) (*quota.Quota, error) {
	return m.quotas.Get(ctx, tenantID)
}

// AddToBalance credits amount to the tenant. A zero amount is allowed and
// still recorded.
func (m *Manager) AddToBalance(ctx context.Context, tenantID string, amount decimal.Decimal, opts ...EntryOption) (*tenant.Tenant, error) {
	if amount.IsNegative() {
		metrics.BalanceMutationsTotal.WithLabelValues("credit", "rejected").Inc()
		return nil, ErrInvalidAmount
	}
	opts = append([]EntryOption{WithType(EntryCredit)}, opts...)
	return m.mutateBalance(ctx, tenantID, amount, "balance credited", nil, opts...)
}

// DeductFromBalance debits amount from the tenant. The balance never goes
// negative; a failed deduction leaves it unchanged.
func (m *Manager) DeductFromBalance(ctx context.Context, tenantID string, amount decimal.Decimal, opts ...EntryOption) (*tenant.Tenant, error) {
	if amount.IsNegative() {
		metrics.BalanceMutationsTotal.WithLabelValues("debit", "rejected").Inc()
		return nil, ErrInvalidAmount
	}
	opts = append([]EntryOption{WithType(EntryDebit)}, opts...)
	return m.mutateBalance(ctx, tenantID, amount.Neg(), "balance debited", nil, opts...)
}

// mutateBalance applies delta (and extra, if set) to the locked tenant row
// and appends the ledger entry in the same unit of work.
func (m *Manager) mutateBalance(ctx context.Context, tenantID string, delta decimal.Decimal, change string,
	extra func(*tenant.Tenant), opts ...EntryOption) (*tenant.Tenant, error) {
	kind := "credit"
	if delta.IsNegative() {
		kind = "debit"
	}
	ctx, span := traces.StartSpan(ctx, "billing."+kind, traces.TenantID(tenantID), traces.Amount(delta.String()))
	defer span.End()

	var out *tenant.Tenant
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		t, err := m.tenants.Mutate(ctx, tenantID, change, func(t *tenant.Tenant) error {
			next := t.Balance.Add(delta)
			if next.IsNegative() {
				return ErrInsufficientBalance
			}
			t.Balance = next
			if extra != nil {
				extra(t)
			}
			return nil
		})
		if err != nil {
			return err
		}

		e := &Entry{
			ID:           idgen.WithPrefix("be_"),
			TenantID:     tenantID,
			Amount:       delta.Abs(),
			BalanceAfter: t.Balance,
			CreatedAt:    m.now(),
		}
		for _, opt := range opts {
			opt(e)
		}
		if err := m.entries.Append(ctx, e); err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}
		out = t
		return nil
	})
	if err != nil {
		traces.RecordError(span, err)
		metrics.BalanceMutationsTotal.WithLabelValues(kind, "rejected").Inc()
		return nil, err
	}

	metrics.BalanceMutationsTotal.WithLabelValues(kind, "ok").Inc()
	logging.L(ctx).Info("balance changed",
		zap.String("tenant_id", tenantID),
		zap.String("delta", delta.String()),
		zap.String("balance", out.Balance.String()))
	return out, nil
}

// SwitchPlan moves the tenant to planName. Switching to the current plan is
// a no-op. Otherwise the plan's quota template is assigned (FREE shares the
// DEFAULT template) and the tenant's counters are reset from it.
func (m *Manager) SwitchPlan(ctx context.Context, tenantID, planName string) (*tenant.Tenant, error) {
	n, err := plan.Parse(planName)
	if err != nil {
		return nil, err
	}
	ctx, span := traces.StartSpan(ctx, "billing.SwitchPlan", traces.TenantID(tenantID), traces.Plan(string(n)))
	defer span.End()

	var out *tenant.Tenant
	err = m.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := m.tenants.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		if cur.PlanName == n {
			out = cur
			return nil
		}
		out, err = m.applyPlan(ctx, tenantID, n, nil)
		return err
	})
	if err != nil {
		traces.RecordError(span, err)
		return nil, err
	}
	return out, nil
}

// ActivatePlan is used once a plan purchase is paid for: the plan is
// switched (when different), price is charged as the first period, and
// the billing period restarts now. price is what the order was created at,
// so a catalogue change after checkout does not affect it.
func (m *Manager) ActivatePlan(ctx context.Context, tenantID, planName string, price decimal.Decimal, reference string) (*tenant.Tenant, error) {
	n, err := plan.Parse(planName)
	if err != nil {
		return nil, err
	}
	if price.IsNegative() {
		return nil, ErrInvalidAmount
	}

	var out *tenant.Tenant
	err = m.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := m.tenants.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		if cur.Balance.LessThan(price) {
			return ErrInsufficientBalance
		}
		if _, err := m.SwitchPlan(ctx, tenantID, string(n)); err != nil {
			return err
		}
		out, err = m.mutateBalance(ctx, tenantID, price.Neg(), "billing period started",
			func(t *tenant.Tenant) { t.BillingStartedAt = m.now() },
			WithType(EntryPlanCharge), WithReference(reference, "plan "+string(n)))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ResetBillingStart restarts the tenant's billing period at now.
func (m *Manager) ResetBillingStart(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	return m.tenants.Mutate(ctx, tenantID, "billing start reset", func(t *tenant.Tenant) error {
		t.BillingStartedAt = m.now()
		return nil
	})
}

// SetQuota gives the tenant a custom quota. A template with exactly these
// values is reused when it already exists.
func (m *Manager) SetQuota(ctx context.Context, tenantID, name string, totalHours, skusLimit, parseUnitsLimit int) (*quota.Quota, error) {
	var out *quota.Quota
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		if _, err := m.tenants.Get(ctx, tenantID); err != nil {
			return err
		}
		q, err := m.quotas.Set(ctx, tenantID, name, totalHours, skusLimit, parseUnitsLimit)
		if err != nil {
			return err
		}
		if _, err := m.tenants.Mutate(ctx, tenantID, "quota set to "+name, func(t *tenant.Tenant) error {
			t.QuotaTemplateID = q.TemplateID
			return nil
		}); err != nil {
			return err
		}
		out = q
		return nil
	})
	return out, err
}

// caller runs inside a unit of work
func (m *Manager) applyPlan(ctx context.Context, tenantID string, n plan.Name, extra func(*tenant.Tenant)) (*tenant.Tenant, error) {
	p, err := m.lookupPlan(ctx, n)
	if err != nil {
		return nil, err
	}
	tmpl, err := m.quotas.EnsureTemplate(ctx, n.TemplateName(), p.Limits)
	if err != nil {
		return nil, fmt.Errorf("quota template for %s: %w", n, err)
	}
	if _, err := m.quotas.Assign(ctx, tenantID, tmpl); err != nil {
		return nil, fmt.Errorf("assign quota: %w", err)
	}
	t, err := m.tenants.Mutate(ctx, tenantID, "plan switched to "+string(n), func(t *tenant.Tenant) error {
		t.PlanName = n
		t.QuotaTemplateID = tmpl.ID
		if extra != nil {
			extra(t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.PlanSwitchesTotal.WithLabelValues(string(n)).Inc()
	logging.L(ctx).Info("plan switched", zap.String("tenant_id", tenantID), zap.String("plan", string(n)))
	return t, nil
}

// lookupPlan prefers the stored plan (it carries admin price corrections)
// and falls back to the built-in catalogue.
func (m *Manager) lookupPlan(ctx context.Context, n plan.Name) (*plan.Plan, error) {
	p, err := m.plans.Get(ctx, n)
	if errors.Is(err, plan.ErrPlanNotFound) {
		def, ok := plan.Default(n)
		if !ok {
			return nil, plan.ErrInvalidPlan
		}
		return &def, nil
	}
	return p, err
}

// Plan returns the effective catalogue entry for name.
func (m *Manager) Plan(ctx context.Context, name string) (*plan.Plan, error) {
	n, err := plan.Parse(name)
	if err != nil {
		return nil, err
	}
	return m.lookupPlan(ctx, n)
}

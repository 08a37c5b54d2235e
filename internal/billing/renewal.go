package billing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/plan"
	"github.com/pricewatch/pricewatch/internal/tenant"
)

// RenewalOutcome describes what Renew did for one tenant.
type RenewalOutcome string

const (
	RenewalNotDue     RenewalOutcome = "not_due"
	RenewalRenewed    RenewalOutcome = "renewed"
	RenewalDowngraded RenewalOutcome = "downgraded"
)

// Renew closes the tenant's billing period when it has ended. Paid plans
// are charged the plan price; a tenant that cannot pay is moved to FREE.
// Either way the quota counters are reset and a new period starts.
func (m *Manager) Renew(ctx context.Context, tenantID string) (RenewalOutcome, error) {
	outcome := RenewalNotDue
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		t, err := m.tenants.Get(ctx, tenantID)
		if err != nil {
			return err
		}
		now := m.now()
		if now.Before(t.NextBillingAt()) {
			return nil
		}
		restart := func(t *tenant.Tenant) { t.BillingStartedAt = now }

		p, err := m.lookupPlan(ctx, t.PlanName)
		if err != nil {
			return err
		}
		if !p.Paid() {
			if _, err := m.quotas.Renew(ctx, tenantID); err != nil {
				return err
			}
			if _, err := m.tenants.Mutate(ctx, tenantID, "billing period renewed", func(t *tenant.Tenant) error {
				restart(t)
				return nil
			}); err != nil {
				return err
			}
			outcome = RenewalRenewed
			return nil
		}

		if t.Balance.LessThan(p.Price) {
			if _, err := m.applyPlan(ctx, tenantID, plan.Free, restart); err != nil {
				return err
			}
			outcome = RenewalDowngraded
			return nil
		}
		if _, err := m.mutateBalance(ctx, tenantID, p.Price.Neg(), "billing period renewed", restart,
			WithType(EntryPlanCharge), WithReference(string(p.Name), "renewal")); err != nil {
			return err
		}
		if _, err := m.quotas.Renew(ctx, tenantID); err != nil {
			return err
		}
		outcome = RenewalRenewed
		return nil
	})
	if err != nil {
		return RenewalNotDue, err
	}
	return outcome, nil
}

// Timer periodically renews tenants whose billing period has ended.
type Timer struct {
	manager  *Manager
	tenants  tenant.Store
	interval time.Duration
	logger   *zap.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a subscription renewal timer.
func NewTimer(manager *Manager, tenants tenant.Store, interval time.Duration, logger *zap.Logger) *Timer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Timer{
		manager:  manager,
		tenants:  tenants,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the renewal loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRenewDue(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRenewDue(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in renewal timer", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	t.RenewDue(ctx)
}

// RenewDue renews every tenant whose period has ended and returns how many
// were renewed or downgraded.
func (t *Timer) RenewDue(ctx context.Context) int {
	cutoff := t.manager.now().Add(-plan.BillingPeriod)
	due, err := t.tenants.ListBillingDue(ctx, cutoff, 500)
	if err != nil {
		t.logger.Warn("failed to list tenants due for renewal", zap.Error(err))
		return 0
	}

	n := 0
	for _, ten := range due {
		outcome, err := t.manager.Renew(ctx, ten.ID)
		if err != nil {
			if errors.Is(err, tenant.ErrTenantNotFound) {
				continue
			}
			t.logger.Warn("failed to renew tenant", zap.String("tenant_id", ten.ID), zap.Error(err))
			continue
		}
		switch outcome {
		case RenewalRenewed:
			n++
			t.logger.Info("billing period renewed", zap.String("tenant_id", ten.ID), zap.String("plan", string(ten.PlanName)))
		case RenewalDowngraded:
			n++
			t.logger.Warn("tenant downgraded to FREE for insufficient balance",
				zap.String("tenant_id", ten.ID),
				zap.String("plan", string(ten.PlanName)),
				zap.String("balance", ten.Balance.String()))
		}
	}
	return n
}

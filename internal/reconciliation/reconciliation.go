// Package reconciliation checks that every tenant balance agrees with the
// balance ledger.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewatch/pricewatch/internal/billing"
	"github.com/pricewatch/pricewatch/internal/pagination"
	"github.com/pricewatch/pricewatch/internal/tenant"
)

const pageSize = 500

// TenantLister pages through tenants in creation order.
type TenantLister interface {
	List(ctx context.Context, after *pagination.Cursor, limit int) ([]*tenant.Tenant, error)
}

// EntryHistory returns a tenant's ledger entries, newest first.
type EntryHistory interface {
	History(ctx context.Context, tenantID string, limit int) ([]*billing.Entry, error)
}

// Mismatch is one tenant whose stored balance differs from the balance
// recorded by its latest ledger entry.
type Mismatch struct {
	TenantID      string          `json:"tenantId"`
	Balance       decimal.Decimal `json:"balance"`
	LedgerBalance decimal.Decimal `json:"ledgerBalance"`
	Diff          decimal.Decimal `json:"diff"`
	LastEntryID   string          `json:"lastEntryId,omitempty"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	TenantsChecked int           `json:"tenantsChecked"`
	Mismatches     []Mismatch    `json:"mismatches"`
	Errors         int           `json:"errors"`
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"duration"`
}

// Healthy reports whether the run found nothing wrong.
func (r *Report) Healthy() bool {
	return len(r.Mismatches) == 0 && r.Errors == 0
}

// Service performs reconciliation between tenant rows and the ledger.
type Service struct {
	tenants TenantLister
	entries EntryHistory
	now     func() time.Time
}

// NewService creates a reconciliation service.
func NewService(tenants TenantLister, entries EntryHistory) *Service {
	return &Service{tenants: tenants, entries: entries, now: time.Now}
}

// Check compares one tenant against its latest ledger entry. A tenant with
// no entries must have a zero balance. It returns nil when they agree.
func (s *Service) Check(ctx context.Context, t *tenant.Tenant) (*Mismatch, error) {
	latest, err := s.entries.History(ctx, t.ID, 1)
	if err != nil {
		return nil, fmt.Errorf("load ledger for %s: %w", t.ID, err)
	}

	ledger := decimal.Zero
	var lastID string
	if len(latest) > 0 {
		ledger = latest[0].BalanceAfter
		lastID = latest[0].ID
	}
	if t.Balance.Equal(ledger) {
		return nil, nil
	}
	return &Mismatch{
		TenantID:      t.ID,
		Balance:       t.Balance,
		LedgerBalance: ledger,
		Diff:          t.Balance.Sub(ledger),
		LastEntryID:   lastID,
	}, nil
}

// Run checks every tenant. Per-tenant failures are counted in the report;
// only a failure to list tenants aborts the run.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: s.now(), Mismatches: []Mismatch{}}
	defer func() {
		report.Duration = s.now().Sub(report.StartedAt)
		observe(report)
	}()

	var after *pagination.Cursor
	for {
		page, err := s.tenants.List(ctx, after, pageSize)
		if err != nil {
			errorCounter.Inc()
			return report, fmt.Errorf("list tenants: %w", err)
		}
		for _, t := range page {
			report.TenantsChecked++
			m, err := s.Check(ctx, t)
			if err != nil {
				report.Errors++
				continue
			}
			if m != nil {
				report.Mismatches = append(report.Mismatches, *m)
			}
		}
		if len(page) < pageSize {
			return report, nil
		}
		last := page[len(page)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
}

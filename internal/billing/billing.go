// Package billing manages tenant balances and subscription plans.
//
// Every balance mutation is a locked read-modify-write of the tenant row and
// leaves an append-only Entry behind, so the balance can always be
// reconstructed from the entries.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewatch/pricewatch/internal/plan"
)

var (
	ErrInvalidAmount       = errors.New("billing: amount must not be negative")
	ErrInsufficientBalance = errors.New("billing: insufficient balance")
	// ErrInvalidPlan is returned for plan names outside the catalogue.
	ErrInvalidPlan = plan.ErrInvalidPlan
)

// EntryType classifies a balance mutation.
type EntryType string

const (
	EntryCredit     EntryType = "credit"      // manual or admin top-up
	EntryDebit      EntryType = "debit"       // manual or admin deduction
	EntryPayment    EntryType = "payment"     // confirmed provider payment
	EntryPlanCharge EntryType = "plan_charge" // subscription renewal
)

// Entry is one append-only balance ledger row.
type Entry struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	Type         EntryType       `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	BalanceAfter decimal.Decimal `json:"balanceAfter"`
	Reference    string          `json:"reference,omitempty"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// EntryStore persists ledger entries.
type EntryStore interface {
	Append(ctx context.Context, e *Entry) error
	History(ctx context.Context, tenantID string, limit int) ([]*Entry, error)
}

// EntryOption customizes the ledger entry written for a mutation.
type EntryOption func(*Entry)

// WithType overrides the default entry type.
func WithType(t EntryType) EntryOption {
	return func(e *Entry) { e.Type = t }
}

// WithReference records what caused the mutation (order id, plan name).
func WithReference(ref, description string) EntryOption {
	return func(e *Entry) {
		e.Reference = ref
		e.Description = description
	}
}

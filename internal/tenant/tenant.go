// Package tenant manages tenants (the billing and isolation unit) and the
// users that belong to them.
package tenant

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewatch/pricewatch/internal/plan"
)

// Errors
var (
	ErrTenantNotFound   = errors.New("tenant: not found")
	ErrUserNotFound     = errors.New("tenant: user not found")
	ErrEmailTaken       = errors.New("tenant: email already registered")
	ErrInvalidThreshold = errors.New("tenant: threshold must be between 0 and 100")
	ErrInvalidName      = errors.New("tenant: name required")
	ErrInvalidEmail     = errors.New("tenant: invalid email")
)

// Tenant is an isolated customer account.
type Tenant struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Balance              decimal.Decimal `json:"balance"`
	PlanName             plan.Name       `json:"paymentPlan"`
	QuotaTemplateID      string          `json:"quotaTemplateId"`
	PriceChangeThreshold decimal.Decimal `json:"priceChangeThreshold"`
	NotificationsEnabled bool            `json:"notificationsEnabled"`
	BillingStartedAt     time.Time       `json:"billingStartDate"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// NextBillingAt returns when the current billing period ends.
func (t *Tenant) NextBillingAt() time.Time {
	return t.BillingStartedAt.Add(plan.BillingPeriod)
}

// User belongs to exactly one tenant.
type User struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenantId"`
	Email         string     `json:"email"`
	IsSuperuser   bool       `json:"isSuperuser"`
	IsActive      bool       `json:"isActive"`
	IsDemo        bool       `json:"isDemo"`
	DemoExpiresAt *time.Time `json:"demoExpiresAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// HistoryEntry is one row of the append-only tenant change log.
type HistoryEntry struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Change    string          `json:"change"`
	Snapshot  json.RawMessage `json:"snapshot"`
	ChangedAt time.Time       `json:"changedAt"`
}

func newHistoryEntry(id string, t *Tenant, change string) (*HistoryEntry, error) {
	snap, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return &HistoryEntry{
		ID:        id,
		TenantID:  t.ID,
		Change:    change,
		Snapshot:  snap,
		ChangedAt: t.UpdatedAt,
	}, nil
}

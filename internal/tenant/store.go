package tenant

import (
	"context"
	"time"

	"github.com/pricewatch/pricewatch/internal/pagination"
)

// MutateFunc edits a tenant in place inside Store.Mutate. Returning an
// error aborts the change.
type MutateFunc func(t *Tenant) error

// Store persists tenants, their users, and the tenant change log.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	// List pages through tenants ordered by (created_at, id), starting
	// after the given cursor.
	List(ctx context.Context, after *pagination.Cursor, limit int) ([]*Tenant, error)
	// ListBillingDue returns tenants whose billing period started at or
	// before cutoff.
	ListBillingDue(ctx context.Context, cutoff time.Time, limit int) ([]*Tenant, error)
	// Mutate applies fn to the locked current row, persists the result, and
	// appends a history entry describing change.
	Mutate(ctx context.Context, id, change string, fn MutateFunc) (*Tenant, error)
	History(ctx context.Context, tenantID string, limit int) ([]*HistoryEntry, error)

	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	ListUsers(ctx context.Context, tenantID string) ([]*User, error)
	HasActiveSuperuser(ctx context.Context, tenantID string) (bool, error)
	// DeactivateExpiredDemos turns off demo users whose trial ended before now.
	DeactivateExpiredDemos(ctx context.Context, now time.Time) ([]*User, error)
}

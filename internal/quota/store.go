package quota

import "context"

// Store persists templates and per-tenant usage.
type Store interface {
	// FindOrCreateTemplate returns the template with exactly t's name and
	// limits, inserting t when none exists.
	FindOrCreateTemplate(ctx context.Context, t *Template) (*Template, error)
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context) ([]*Template, error)

	GetUsage(ctx context.Context, tenantID string) (*Usage, error)
	// PutUsage creates or replaces the tenant's usage row.
	PutUsage(ctx context.Context, u *Usage) error
	// Consume atomically decrements the counter when enough is left and
	// returns the new remaining value. It returns *ExceededError otherwise.
	Consume(ctx context.Context, tenantID string, r Resource, amount int) (int, error)
	// Release adds amount back, never above the template limit.
	Release(ctx context.Context, tenantID string, r Resource, amount int) error
}

package tenant

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/pricewatch/pricewatch/internal/dbtx"
	"github.com/pricewatch/pricewatch/internal/idgen"
	"github.com/pricewatch/pricewatch/internal/pagination"
	"github.com/pricewatch/pricewatch/internal/plan"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
	tx dbtx.Runner
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, tx: dbtx.NewSQLRunner(db)}
}

const tenantColumns = `id, name, balance, payment_plan, quota_template_id, price_change_threshold,
	notifications_enabled, billing_started_at, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	return p.tx.InTx(ctx, func(ctx context.Context) error {
		q := dbtx.Q(ctx, p.db)
		_, err := q.ExecContext(ctx, `
			INSERT INTO tenants (`+tenantColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			t.ID, t.Name, t.Balance, string(t.PlanName), t.QuotaTemplateID, t.PriceChangeThreshold,
			t.NotificationsEnabled, t.BillingStartedAt, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return err
		}
		return appendHistory(ctx, q, t, "created")
	})
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return scanTenant(dbtx.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) List(ctx context.Context, after *pagination.Cursor, limit int) ([]*Tenant, error) {
	if after == nil {
		return p.query(ctx, `SELECT `+tenantColumns+` FROM tenants
			ORDER BY created_at, id LIMIT $1`, clampLimit(limit))
	}
	return p.query(ctx, `SELECT `+tenantColumns+` FROM tenants
		WHERE (created_at, id) > ($1, $2)
		ORDER BY created_at, id LIMIT $3`, after.CreatedAt, after.ID, clampLimit(limit))
}

func (p *PostgresStore) ListBillingDue(ctx context.Context, cutoff time.Time, limit int) ([]*Tenant, error) {
	return p.query(ctx, `SELECT `+tenantColumns+` FROM tenants
		WHERE billing_started_at <= $1 ORDER BY billing_started_at LIMIT $2`, cutoff, clampLimit(limit))
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...any) ([]*Tenant, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Mutate locks the row with SELECT ... FOR UPDATE so concurrent
// read-modify-write cycles on the same tenant serialize.
func (p *PostgresStore) Mutate(ctx context.Context, id, change string, fn MutateFunc) (*Tenant, error) {
	var out *Tenant
	err := p.tx.InTx(ctx, func(ctx context.Context) error {
		q := dbtx.Q(ctx, p.db)
		t, err := scanTenant(q.QueryRowContext(ctx,
			`SELECT `+tenantColumns+` FROM tenants WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		t.ID = id
		t.UpdatedAt = time.Now()

		_, err = q.ExecContext(ctx, `
			UPDATE tenants SET name = $2, balance = $3, payment_plan = $4, quota_template_id = $5,
				price_change_threshold = $6, notifications_enabled = $7, billing_started_at = $8,
				updated_at = $9
			WHERE id = $1`,
			t.ID, t.Name, t.Balance, string(t.PlanName), t.QuotaTemplateID, t.PriceChangeThreshold,
			t.NotificationsEnabled, t.BillingStartedAt, t.UpdatedAt)
		if err != nil {
			return err
		}
		if err := appendHistory(ctx, q, t, change); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func appendHistory(ctx context.Context, q dbtx.Querier, t *Tenant, change string) error {
	e, err := newHistoryEntry(idgen.WithPrefix("th_"), t, change)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO tenant_history (id, tenant_id, change, snapshot, changed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.TenantID, e.Change, []byte(e.Snapshot), e.ChangedAt)
	return err
}

func (p *PostgresStore) History(ctx context.Context, tenantID string, limit int) ([]*HistoryEntry, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT id, tenant_id, change, snapshot, changed_at
		FROM tenant_history WHERE tenant_id = $1
		ORDER BY changed_at DESC LIMIT $2`, tenantID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*HistoryEntry
	for rows.Next() {
		e := &HistoryEntry{}
		var snap []byte
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Change, &snap, &e.ChangedAt); err != nil {
			return nil, err
		}
		e.Snapshot = snap
		out = append(out, e)
	}
	return out, rows.Err()
}

const userColumns = `id, tenant_id, email, is_superuser, is_active, is_demo, demo_expires_at, created_at`

func (p *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.TenantID, strings.ToLower(u.Email), u.IsSuperuser, u.IsActive, u.IsDemo,
		u.DemoExpiresAt, u.CreatedAt)
	if dbtx.IsUniqueViolation(err) {
		return ErrEmailTaken
	}
	return err
}

func (p *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	return scanUser(dbtx.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (p *PostgresStore) ListUsers(ctx context.Context, tenantID string) ([]*User, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanUsers(rows)
}

func (p *PostgresStore) HasActiveSuperuser(ctx context.Context, tenantID string) (bool, error) {
	var exists bool
	err := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM users WHERE tenant_id = $1 AND is_superuser AND is_active
		)`, tenantID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) DeactivateExpiredDemos(ctx context.Context, now time.Time) ([]*User, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		UPDATE users SET is_active = FALSE
		WHERE is_demo AND is_active AND demo_expires_at < $1
		RETURNING `+userColumns, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanUsers(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(row scanner) (*Tenant, error) {
	t := &Tenant{}
	var planName string
	err := row.Scan(&t.ID, &t.Name, &t.Balance, &planName, &t.QuotaTemplateID, &t.PriceChangeThreshold,
		&t.NotificationsEnabled, &t.BillingStartedAt, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.PlanName = plan.Name(planName)
	return t, nil
}

func scanUser(row scanner) (*User, error) {
	u := &User{}
	var demoExpires sql.NullTime
	err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.IsSuperuser, &u.IsActive, &u.IsDemo,
		&demoExpires, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	if demoExpires.Valid {
		u.DemoExpiresAt = &demoExpires.Time
	}
	return u, nil
}

func scanUsers(rows *sql.Rows) ([]*User, error) {
	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 1000
	}
	return limit
}

var _ Store = (*PostgresStore)(nil)

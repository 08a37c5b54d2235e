package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pricewatch/pricewatch/internal/dbtx"
	"github.com/pricewatch/pricewatch/internal/idgen"
)

// PostgresStore persists quota templates and usage in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed quota store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) FindOrCreateTemplate(ctx context.Context, t *Template) (*Template, error) {
	q := dbtx.Q(ctx, p.db)
	id := t.ID
	if id == "" {
		id = idgen.WithPrefix("qt_")
	}

	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	row := q.QueryRowContext(ctx, `
		INSERT INTO quota_templates (id, name, total_hours, skus_limit, parse_units_limit, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (name, total_hours, skus_limit, parse_units_limit)
		DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, total_hours, skus_limit, parse_units_limit, created_at`,
		id, t.Name, t.Limits.TotalHours, t.Limits.SKUsLimit, t.Limits.ParseUnitsLimit)
	return scanTemplate(row)
}

func (p *PostgresStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	return scanTemplate(dbtx.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT id, name, total_hours, skus_limit, parse_units_limit, created_at
		FROM quota_templates WHERE id = $1`, id))
}

func (p *PostgresStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT id, name, total_hours, skus_limit, parse_units_limit, created_at
		FROM quota_templates ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Template
	for rows.Next() {
		t := &Template{}
		if err := rows.Scan(&t.ID, &t.Name, &t.Limits.TotalHours, &t.Limits.SKUsLimit,
			&t.Limits.ParseUnitsLimit, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetUsage(ctx context.Context, tenantID string) (*Usage, error) {
	u := &Usage{}
	err := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT tenant_id, template_id, skus_remaining, parse_units_remaining, assigned_at
		FROM quota_usage WHERE tenant_id = $1`, tenantID).
		Scan(&u.TenantID, &u.TemplateID, &u.SKUsRemaining, &u.ParseUnitsRemaining, &u.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoQuota
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (p *PostgresStore) PutUsage(ctx context.Context, u *Usage) error {
	assigned := u.AssignedAt
	if assigned.IsZero() {
		assigned = time.Now()
	}
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO quota_usage (tenant_id, template_id, skus_remaining, parse_units_remaining, assigned_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			template_id           = EXCLUDED.template_id,
			skus_remaining        = EXCLUDED.skus_remaining,
			parse_units_remaining = EXCLUDED.parse_units_remaining,
			assigned_at           = EXCLUDED.assigned_at`,
		u.TenantID, u.TemplateID, u.SKUsRemaining, u.ParseUnitsRemaining, assigned)
	return err
}

// Consume is a compare-and-swap: the row only changes when enough remains,
// so concurrent consumers cannot drive the counter negative.
func (p *PostgresStore) Consume(ctx context.Context, tenantID string, r Resource, amount int) (int, error) {
	col, err := column(r)
	if err != nil {
		return 0, err
	}
	q := dbtx.Q(ctx, p.db)

	var remaining int
	err = q.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE quota_usage SET %[1]s = %[1]s - $2
		WHERE tenant_id = $1 AND %[1]s >= $2
		RETURNING %[1]s`, col), tenantID, amount).Scan(&remaining)
	if err == nil {
		return remaining, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	// Distinguish "no row" from "not enough left".
	err = q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM quota_usage WHERE tenant_id = $1`, col), tenantID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNoQuota
	}
	if err != nil {
		return 0, err
	}
	return remaining, &ExceededError{Resource: r, Requested: amount, Remaining: remaining}
}

func (p *PostgresStore) Release(ctx context.Context, tenantID string, r Resource, amount int) error {
	col, err := column(r)
	if err != nil {
		return err
	}
	limitCol := "t.skus_limit"
	if r == ParseUnits {
		limitCol = "t.parse_units_limit"
	}
	result, err := dbtx.Q(ctx, p.db).ExecContext(ctx, fmt.Sprintf(`
		UPDATE quota_usage u SET %[1]s = LEAST(u.%[1]s + $2, %[2]s)
		FROM quota_templates t
		WHERE u.tenant_id = $1 AND t.id = u.template_id`, col, limitCol), tenantID, amount)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNoQuota
	}
	return nil
}

func column(r Resource) (string, error) {
	switch r {
	case SKUs:
		return "skus_remaining", nil
	case ParseUnits:
		return "parse_units_remaining", nil
	}
	return "", ErrUnknownResource
}

func scanTemplate(row *sql.Row) (*Template, error) {
	t := &Template{}
	err := row.Scan(&t.ID, &t.Name, &t.Limits.TotalHours, &t.Limits.SKUsLimit,
		&t.Limits.ParseUnitsLimit, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTemplateNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

var _ Store = (*PostgresStore)(nil)

package plan

import (
	"context"
	"database/sql"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/pricewatch/pricewatch/internal/dbtx"
)

// PostgresStore persists plans in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed plan store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const planColumns = `name, price, total_hours, skus_limit, parse_units_limit, updated_at`

func (p *PostgresStore) Get(ctx context.Context, name Name) (*Plan, error) {
	pl := &Plan{}
	err := dbtx.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+planColumns+` FROM payment_plans WHERE name = $1`, string(name)).
		Scan(&pl.Name, &pl.Price, &pl.Limits.TotalHours, &pl.Limits.SKUsLimit,
			&pl.Limits.ParseUnitsLimit, &pl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return pl, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Plan, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx,
		`SELECT `+planColumns+` FROM payment_plans ORDER BY price, name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Plan
	for rows.Next() {
		pl := &Plan{}
		if err := rows.Scan(&pl.Name, &pl.Price, &pl.Limits.TotalHours, &pl.Limits.SKUsLimit,
			&pl.Limits.ParseUnitsLimit, &pl.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Seed(ctx context.Context, pl *Plan) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO payment_plans (name, price, total_hours, skus_limit, parse_units_limit, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (name) DO UPDATE SET
			total_hours       = EXCLUDED.total_hours,
			skus_limit        = EXCLUDED.skus_limit,
			parse_units_limit = EXCLUDED.parse_units_limit,
			updated_at        = NOW()`,
		string(pl.Name), pl.Price, pl.Limits.TotalHours, pl.Limits.SKUsLimit, pl.Limits.ParseUnitsLimit)
	return err
}

func (p *PostgresStore) SetPrice(ctx context.Context, name Name, price decimal.Decimal) error {
	result, err := dbtx.Q(ctx, p.db).ExecContext(ctx,
		`UPDATE payment_plans SET price = $2, updated_at = NOW() WHERE name = $1`, string(name), price)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPlanNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)

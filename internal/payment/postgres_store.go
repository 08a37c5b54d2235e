package payment

import (
	"context"
	"database/sql"
	"errors"

	"github.com/pricewatch/pricewatch/internal/dbtx"
	"github.com/pricewatch/pricewatch/internal/plan"
)

// PostgresStore persists orders and payments.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed payment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `order_id, tenant_id, amount, intent, target_plan, status, payment_url, provider_payment_id, created_at, updated_at`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)`,
		o.OrderID, o.TenantID, o.Amount, string(o.Intent), string(o.TargetPlan), string(o.Status),
		o.PaymentURL, o.ProviderPaymentID, o.CreatedAt, o.UpdatedAt)
	return err
}

func (p *PostgresStore) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	row := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE order_id = $1`, orderID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) ListOrders(ctx context.Context, tenantID string, limit int) ([]*Order, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetPaymentURL(ctx context.Context, orderID, url, providerPaymentID string) error {
	res, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		UPDATE orders SET payment_url = $2, provider_payment_id = NULLIF($3, ''), updated_at = NOW()
		WHERE order_id = $1`, orderID, url, providerPaymentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// TransitionOrder is a compare-and-set on status, so two concurrent
// callbacks cannot both move the same order out of from.
func (p *PostgresStore) TransitionOrder(ctx context.Context, orderID string, from, to OrderStatus, providerPaymentID string) error {
	res, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		UPDATE orders
		SET status = $3,
		    provider_payment_id = COALESCE(NULLIF($4, ''), provider_payment_id),
		    updated_at = NOW()
		WHERE order_id = $1 AND status = $2`,
		orderID, string(from), string(to), providerPaymentID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := dbtx.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM orders WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrStatusConflict
}

func (p *PostgresStore) CreatePayment(ctx context.Context, pay *Payment) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO payments (id, tenant_id, order_id, provider_payment_id, amount, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)`,
		pay.ID, pay.TenantID, pay.OrderID, pay.ProviderPaymentID, pay.Amount, pay.CreatedAt)
	if dbtx.IsUniqueViolation(err) {
		return ErrDuplicatePayment
	}
	return err
}

func (p *PostgresStore) ListPayments(ctx context.Context, tenantID string, limit int) ([]*Payment, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT id, tenant_id, order_id, provider_payment_id, amount, created_at
		FROM payments
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Payment
	for rows.Next() {
		pay := &Payment{}
		var orderID sql.NullString
		if err := rows.Scan(&pay.ID, &pay.TenantID, &orderID, &pay.ProviderPaymentID, &pay.Amount, &pay.CreatedAt); err != nil {
			return nil, err
		}
		pay.OrderID = orderID.String
		out = append(out, pay)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*Order, error) {
	o := &Order{}
	var intent, status string
	var target, url, providerID sql.NullString
	if err := s.Scan(&o.OrderID, &o.TenantID, &o.Amount, &intent, &target, &status,
		&url, &providerID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Intent = Intent(intent)
	o.TargetPlan = plan.Name(target.String)
	o.Status = OrderStatus(status)
	o.PaymentURL = url.String
	o.ProviderPaymentID = providerID.String
	return o, nil
}

var _ Store = (*PostgresStore)(nil)

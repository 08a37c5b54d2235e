package pricing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/pricewatch/pricewatch/internal/dbtx"
)

// PostgresStore persists items, prices and alerts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
	tx dbtx.Runner
}

// NewPostgresStore creates a PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, tx: dbtx.NewSQLRunner(db)}
}

const itemColumns = `id, tenant_id, sku, name, brand, price, seller_price, spp, in_stock,
	is_parser_active, is_notifier_active, created_at, updated_at`

func (p *PostgresStore) CreateItem(ctx context.Context, it *Item) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		it.ID, it.TenantID, it.SKU, it.Name, it.Brand, it.Price, it.SellerPrice, it.SPP, it.InStock,
		it.IsParserActive, it.IsNotifierActive, it.CreatedAt, it.UpdatedAt)
	if dbtx.IsUniqueViolation(err) {
		return ErrDuplicateSKU
	}
	return err
}

func (p *PostgresStore) GetItem(ctx context.Context, tenantID, id string) (*Item, error) {
	return scanItem(dbtx.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1 AND tenant_id = $2`, id, tenantID))
}

func (p *PostgresStore) ListItems(ctx context.Context, tenantID string) ([]*Item, error) {
	return p.queryItems(ctx, `SELECT `+itemColumns+` FROM items
		WHERE tenant_id = $1 ORDER BY created_at, sku`, tenantID)
}

func (p *PostgresStore) ItemsBySKU(ctx context.Context, tenantID string, skus []string) ([]*Item, error) {
	return p.queryItems(ctx, `SELECT `+itemColumns+` FROM items
		WHERE tenant_id = $1 AND sku = ANY($2) ORDER BY created_at, sku`, tenantID, pq.Array(skus))
}

func (p *PostgresStore) queryItems(ctx context.Context, query string, args ...any) ([]*Item, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CountItems(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := dbtx.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM items WHERE tenant_id = $1`, tenantID).Scan(&n)
	return n, err
}

func (p *PostgresStore) ApplyScrape(ctx context.Context, it *Item) (*Item, error) {
	return scanItem(dbtx.Q(ctx, p.db).QueryRowContext(ctx, `
		UPDATE items SET name = $3, brand = $4, price = $5, seller_price = $6, spp = $7,
			in_stock = $8, updated_at = $9
		WHERE id = $1 AND tenant_id = $2
		RETURNING `+itemColumns,
		it.ID, it.TenantID, it.Name, it.Brand, it.Price, it.SellerPrice, it.SPP,
		it.InStock, it.UpdatedAt))
}

func (p *PostgresStore) SetFlags(ctx context.Context, tenantID, id string, parser, notifier *bool, at time.Time) (*Item, error) {
	return scanItem(dbtx.Q(ctx, p.db).QueryRowContext(ctx, `
		UPDATE items SET is_parser_active = COALESCE($3::boolean, is_parser_active),
			is_notifier_active = COALESCE($4::boolean, is_notifier_active), updated_at = $5
		WHERE id = $1 AND tenant_id = $2
		RETURNING `+itemColumns,
		id, tenantID, parser, notifier, at))
}

// DeleteItem relies on ON DELETE CASCADE for the item's price history.
func (p *PostgresStore) DeleteItem(ctx context.Context, tenantID, id string) error {
	return p.tx.InTx(ctx, func(ctx context.Context) error {
		q := dbtx.Q(ctx, p.db)
		res, err := q.ExecContext(ctx, `DELETE FROM items WHERE id = $1 AND tenant_id = $2`, id, tenantID)
		if err := expectRow(res, err, ErrItemNotFound); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `
			UPDATE price_alerts SET item_ids = array_remove(item_ids, $1)
			WHERE tenant_id = $2 AND $1 = ANY(item_ids)`, id, tenantID); err != nil {
			return err
		}
		_, err = q.ExecContext(ctx, `
			DELETE FROM price_alerts WHERE tenant_id = $1 AND cardinality(item_ids) = 0`, tenantID)
		return err
	})
}

func (p *PostgresStore) AppendPrice(ctx context.Context, pt *PricePoint) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx,
		`INSERT INTO prices (item_id, price, created_at) VALUES ($1, $2, $3)`,
		pt.ItemID, pt.Price, pt.CreatedAt)
	return err
}

func (p *PostgresStore) RecentPrices(ctx context.Context, itemIDs []string, n int) (map[string][]PricePoint, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT item_id, price, created_at FROM (
			SELECT item_id, price, created_at,
				ROW_NUMBER() OVER (PARTITION BY item_id ORDER BY created_at DESC, id DESC) AS rn
			FROM prices WHERE item_id = ANY($1)
		) r
		WHERE rn <= $2
		ORDER BY item_id, rn`, pq.Array(itemIDs), n)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]PricePoint, len(itemIDs))
	for rows.Next() {
		var pt PricePoint
		if err := rows.Scan(&pt.ItemID, &pt.Price, &pt.CreatedAt); err != nil {
			return nil, err
		}
		out[pt.ItemID] = append(out[pt.ItemID], pt)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PriceHistory(ctx context.Context, itemID string, limit int) ([]PricePoint, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT item_id, price, created_at FROM prices
		WHERE item_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`, itemID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []PricePoint{}
	for rows.Next() {
		var pt PricePoint
		if err := rows.Scan(&pt.ItemID, &pt.Price, &pt.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

const alertColumns = `id, tenant_id, item_ids, target_price, direction, is_active, last_triggered_at, created_at`

func (p *PostgresStore) CreateAlert(ctx context.Context, a *Alert) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO price_alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.TenantID, pq.Array(a.ItemIDs), a.TargetPrice, string(a.Direction), a.IsActive,
		a.LastTriggeredAt, a.CreatedAt)
	return err
}

func (p *PostgresStore) GetAlert(ctx context.Context, tenantID, id string) (*Alert, error) {
	return scanAlert(dbtx.Q(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM price_alerts WHERE id = $1 AND tenant_id = $2`, id, tenantID))
}

func (p *PostgresStore) ListAlerts(ctx context.Context, tenantID string) ([]*Alert, error) {
	return p.queryAlerts(ctx, `SELECT `+alertColumns+` FROM price_alerts
		WHERE tenant_id = $1 ORDER BY created_at, id`, tenantID)
}

func (p *PostgresStore) ActiveAlertsForItems(ctx context.Context, tenantID string, itemIDs []string) ([]*Alert, error) {
	return p.queryAlerts(ctx, `SELECT `+alertColumns+` FROM price_alerts
		WHERE tenant_id = $1 AND is_active AND item_ids && $2 ORDER BY created_at, id`,
		tenantID, pq.Array(itemIDs))
}

func (p *PostgresStore) queryAlerts(ctx context.Context, query string, args ...any) ([]*Alert, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Alert{}
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClaimAlert is a conditional update, so concurrent batches on separate
// instances fire an alert at most once.
func (p *PostgresStore) ClaimAlert(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		UPDATE price_alerts SET is_active = FALSE, last_triggered_at = $2
		WHERE id = $1 AND is_active`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *PostgresStore) UpdateAlert(ctx context.Context, a *Alert) error {
	res, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		UPDATE price_alerts SET item_ids = $3, target_price = $4, direction = $5, is_active = $6,
			last_triggered_at = $7
		WHERE id = $1 AND tenant_id = $2`,
		a.ID, a.TenantID, pq.Array(a.ItemIDs), a.TargetPrice, string(a.Direction), a.IsActive,
		a.LastTriggeredAt)
	return expectRow(res, err, ErrAlertNotFound)
}

func (p *PostgresStore) DeleteAlert(ctx context.Context, tenantID, id string) error {
	res, err := dbtx.Q(ctx, p.db).ExecContext(ctx,
		`DELETE FROM price_alerts WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return expectRow(res, err, ErrAlertNotFound)
}

func expectRow(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	it := &Item{}
	err := row.Scan(&it.ID, &it.TenantID, &it.SKU, &it.Name, &it.Brand, &it.Price, &it.SellerPrice,
		&it.SPP, &it.InStock, &it.IsParserActive, &it.IsNotifierActive, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

func scanAlert(row scanner) (*Alert, error) {
	a := &Alert{}
	var direction string
	var triggered sql.NullTime
	err := row.Scan(&a.ID, &a.TenantID, pq.Array(&a.ItemIDs), &a.TargetPrice, &direction,
		&a.IsActive, &triggered, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAlertNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Direction = Direction(direction)
	if triggered.Valid {
		t := triggered.Time
		a.LastTriggeredAt = &t
	}
	return a, nil
}

var _ Store = (*PostgresStore)(nil)

package billing

import (
	"context"
	"database/sql"

	"github.com/pricewatch/pricewatch/internal/dbtx"
)

// PostgresStore persists ledger entries in the balance_entries table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed entry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append joins the caller's transaction when there is one, so the entry
// commits together with the balance change.
func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO balance_entries (id, tenant_id, type, amount, balance_after, reference, description, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)`,
		e.ID, e.TenantID, string(e.Type), e.Amount, e.BalanceAfter, e.Reference, e.Description, e.CreatedAt)
	return err
}

func (p *PostgresStore) History(ctx context.Context, tenantID string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT id, tenant_id, type, amount, balance_after, reference, description, created_at
		FROM balance_entries
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var typ string
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &typ, &e.Amount, &e.BalanceAfter, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = EntryType(typ)
		e.Reference = reference.String
		e.Description = description.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

var _ EntryStore = (*PostgresStore)(nil)

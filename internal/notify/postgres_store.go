package notify

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/pricewatch/pricewatch/internal/dbtx"
)

// PostgresStore persists endpoints in the notification_endpoints table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed endpoint store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const endpointColumns = `id, tenant_id, url, secret, kinds, active, created_at, last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, e *Endpoint) error {
	_, err := dbtx.Q(ctx, p.db).ExecContext(ctx, `
		INSERT INTO notification_endpoints (id, tenant_id, url, secret, kinds, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TenantID, e.URL, e.Secret, pq.Array(kindStrings(e.Kinds)), e.Active, e.CreatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, tenantID, id string) (*Endpoint, error) {
	row := dbtx.Q(ctx, p.db).QueryRowContext(ctx, `
		SELECT `+endpointColumns+` FROM notification_endpoints
		WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	e, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEndpointNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string) ([]*Endpoint, error) {
	rows, err := dbtx.Q(ctx, p.db).QueryContext(ctx, `
		SELECT `+endpointColumns+` FROM notification_endpoints
		WHERE tenant_id = $1
		ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) RecordDelivery(ctx context.Context, id string, at time.Time, deliveryErr string, disable bool) error {
	var err error
	if deliveryErr == "" {
		_, err = dbtx.Q(ctx, p.db).ExecContext(ctx, `
			UPDATE notification_endpoints
			SET last_success = $2, last_error = NULL, consecutive_failures = 0
			WHERE id = $1`, id, at)
	} else {
		_, err = dbtx.Q(ctx, p.db).ExecContext(ctx, `
			UPDATE notification_endpoints
			SET last_error = $2,
			    consecutive_failures = consecutive_failures + 1,
			    active = active AND NOT $3
			WHERE id = $1`, id, deliveryErr, disable)
	}
	return err
}

func (p *PostgresStore) Delete(ctx context.Context, tenantID, id string) error {
	res, err := dbtx.Q(ctx, p.db).ExecContext(ctx,
		`DELETE FROM notification_endpoints WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEndpointNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(s scanner) (*Endpoint, error) {
	e := &Endpoint{}
	var kinds []string
	var lastSuccess sql.NullTime
	var lastError sql.NullString
	if err := s.Scan(&e.ID, &e.TenantID, &e.URL, &e.Secret, pq.Array(&kinds), &e.Active,
		&e.CreatedAt, &lastSuccess, &lastError, &e.ConsecutiveFailures); err != nil {
		return nil, err
	}
	for _, k := range kinds {
		e.Kinds = append(e.Kinds, Kind(k))
	}
	if lastSuccess.Valid {
		e.LastSuccess = &lastSuccess.Time
	}
	e.LastError = lastError.String
	return e, nil
}

func kindStrings(kinds []Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

var _ Store = (*PostgresStore)(nil)

// Package dbtx carries a database transaction through a context so that
// stores called inside a unit of work share it.
package dbtx

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/pricewatch/pricewatch/internal/retry"
)

// Querier is the subset of *sql.DB and *sql.Tx used by stores.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// Q returns the transaction bound to ctx, or db when there is none.
func Q(ctx context.Context, db *sql.DB) Querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// InTransaction reports whether ctx already carries a unit of work.
func InTransaction(ctx context.Context) bool {
	switch ctx.Value(txKey{}).(type) {
	case *sql.Tx, memoryTx:
		return true
	}
	return false
}

// RollsBack reports whether a failing unit of work on ctx will be undone,
// which only holds inside a database transaction.
func RollsBack(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*sql.Tx)
	return ok
}

// Runner executes fn as one atomic unit of work. Nested calls join the
// outer unit instead of opening a new one.
type Runner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SQLRunner runs units of work in serializable PostgreSQL transactions and
// retries serialization failures.
type SQLRunner struct {
	db          *sql.DB
	maxAttempts int
}

// NewSQLRunner creates a runner over db.
func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{db: db, maxAttempts: 3}
}

// InTx implements Runner.
func (r *SQLRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	policy := retry.Policy{MaxAttempts: r.maxAttempts, BaseDelay: 20 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
	return policy.Do(ctx, func() error {
		err := r.once(ctx, fn)
		if err != nil && !IsSerializationFailure(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (r *SQLRunner) once(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return tx.Commit()
}

type memoryTx struct{}

// MemoryRunner serializes units of work against the in-memory stores. It
// provides isolation only: a failing unit is not rolled back.
type MemoryRunner struct {
	mu sync.Mutex
}

// NewMemoryRunner creates a runner for in-memory mode.
func NewMemoryRunner() *MemoryRunner {
	return &MemoryRunner{}
}

// InTx implements Runner.
func (r *MemoryRunner) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTransaction(ctx) {
		return fn(ctx)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(context.WithValue(ctx, txKey{}, memoryTx{}))
}

// IsSerializationFailure reports a PostgreSQL 40001 error.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}

// IsUniqueViolation reports a PostgreSQL 23505 error.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// IsCheckViolation reports a PostgreSQL 23514 error.
func IsCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}

var (
	_ Runner = (*SQLRunner)(nil)
	_ Runner = (*MemoryRunner)(nil)
)

package quota

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresStore_ConsumeSucceeds(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE quota_usage SET skus_remaining = skus_remaining - $2")).
		WithArgs("ten_1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"skus_remaining"}).AddRow(45))

	remaining, err := store.Consume(context.Background(), "ten_1", SKUs, 5)
	require.NoError(t, err)
	assert.Equal(t, 45, remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConsumeExceeded(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE quota_usage SET parse_units_remaining")).
		WithArgs("ten_1", 10).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT parse_units_remaining FROM quota_usage")).
		WithArgs("ten_1").
		WillReturnRows(sqlmock.NewRows([]string{"parse_units_remaining"}).AddRow(3))

	_, err := store.Consume(context.Background(), "ten_1", ParseUnits, 10)
	var exceeded *ExceededError
	require.True(t, errors.As(err, &exceeded))
	assert.Equal(t, 3, exceeded.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConsumeNoQuota(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE quota_usage").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("SELECT skus_remaining").WillReturnError(sql.ErrNoRows)

	_, err := store.Consume(context.Background(), "ten_1", SKUs, 1)
	assert.ErrorIs(t, err, ErrNoQuota)
}

func TestPostgresStore_FindOrCreateTemplate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO quota_templates")).
		WithArgs(sqlmock.AnyArg(), "BUSINESS", 720, 500, 50000).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "total_hours", "skus_limit", "parse_units_limit", "created_at"}).
			AddRow("qt_existing", "BUSINESS", 720, 500, 50000, now))

	tmpl, err := store.FindOrCreateTemplate(context.Background(), &Template{
		Name:   "BUSINESS",
		Limits: Limits{TotalHours: 720, SKUsLimit: 500, ParseUnitsLimit: 50000},
	})
	require.NoError(t, err)
	assert.Equal(t, "qt_existing", tmpl.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetUsageMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT tenant_id, template_id").WillReturnError(sql.ErrNoRows)

	_, err := store.GetUsage(context.Background(), "ten_1")
	assert.ErrorIs(t, err, ErrNoQuota)
}

func TestPostgresStore_ReleaseNoRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE quota_usage u SET skus_remaining").
		WithArgs("ten_1", 2).
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, store.Release(context.Background(), "ten_1", SKUs, 2), ErrNoQuota)
}

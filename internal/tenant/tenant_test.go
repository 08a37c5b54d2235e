package tenant

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/auth"
	"github.com/pricewatch/pricewatch/internal/dbtx"
	"github.com/pricewatch/pricewatch/internal/plan"
	"github.com/pricewatch/pricewatch/internal/quota"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	svc    *Service
	store  *MemoryStore
	quotas *quota.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := NewMemoryStore()
	quotas := quota.NewLedger(quota.NewMemoryStore())
	svc := NewService(store, plan.NewMemoryStore(), quotas, dbtx.NewMemoryRunner(), decimal.NewFromInt(10))
	return &fixture{svc: svc, store: store, quotas: quotas}
}

func TestService_CreateTenantDefaultsToFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ten, err := f.svc.CreateTenant(ctx, "Acme")
	require.NoError(t, err)
	assert.Equal(t, plan.Free, ten.PlanName)
	assert.True(t, ten.Balance.IsZero())
	assert.True(t, ten.PriceChangeThreshold.Equal(decimal.NewFromInt(10)))

	q, err := f.quotas.Get(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.DefaultTemplateName, q.Name)
	assert.Equal(t, 50, q.SKUsLimit)
	assert.Equal(t, 5000, q.ParseUnitsLimit)
	assert.Equal(t, ten.QuotaTemplateID, q.TemplateID)

	hist, err := f.svc.History(ctx, ten.ID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "created", hist[0].Change)
}

func TestService_TenantsShareDefaultTemplate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.svc.CreateTenant(ctx, "A")
	require.NoError(t, err)
	b, err := f.svc.CreateTenant(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, a.QuotaTemplateID, b.QuotaTemplateID)

	require.NoError(t, f.quotas.Consume(ctx, a.ID, quota.SKUs, 5))
	qb, err := f.quotas.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, qb.SKUsRemaining)
}

func TestService_CreateTenantRequiresName(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateTenant(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestService_CreateUserCreatesTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, ten, err := f.svc.CreateUser(ctx, CreateUserRequest{Email: "Owner@Example.com", IsSuperuser: true})
	require.NoError(t, err)
	assert.Equal(t, ten.ID, u.TenantID)
	assert.Equal(t, "owner@example.com", u.Email)
	assert.Equal(t, "owner@example.com", ten.Name)
	assert.True(t, u.IsActive)

	ok, err := f.store.HasActiveSuperuser(ctx, ten.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestService_CreateUserJoinsExistingTenant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, ten, err := f.svc.CreateUser(ctx, CreateUserRequest{Email: "a@example.com"})
	require.NoError(t, err)
	u, same, err := f.svc.CreateUser(ctx, CreateUserRequest{TenantID: ten.ID, Email: "b@example.com"})
	require.NoError(t, err)
	assert.Equal(t, ten.ID, same.ID)
	assert.Equal(t, ten.ID, u.TenantID)

	users, err := f.svc.Users(ctx, ten.ID)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	_, _, err = f.svc.CreateUser(ctx, CreateUserRequest{TenantID: "ten_missing", Email: "c@example.com"})
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestService_CreateUserValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.svc.CreateUser(ctx, CreateUserRequest{Email: "not-an-email"})
	assert.ErrorIs(t, err, ErrInvalidEmail)

	_, _, err = f.svc.CreateUser(ctx, CreateUserRequest{Email: "dup@example.com"})
	require.NoError(t, err)
	_, _, err = f.svc.CreateUser(ctx, CreateUserRequest{Email: "DUP@example.com"})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestService_UpdateValidatesThreshold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten, err := f.svc.CreateTenant(ctx, "Acme")
	require.NoError(t, err)

	bad := decimal.NewFromInt(101)
	_, err = f.svc.Update(ctx, ten.ID, UpdateRequest{PriceChangeThreshold: &bad})
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	th := decimal.RequireFromString("12.5")
	off := false
	updated, err := f.svc.Update(ctx, ten.ID, UpdateRequest{PriceChangeThreshold: &th, NotificationsEnabled: &off})
	require.NoError(t, err)
	assert.True(t, updated.PriceChangeThreshold.Equal(th))
	assert.False(t, updated.NotificationsEnabled)

	hist, err := f.svc.History(ctx, ten.ID, 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "settings updated", hist[0].Change)
}

func TestMemoryStore_MutateAbortKeepsRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten, err := f.svc.CreateTenant(ctx, "Acme")
	require.NoError(t, err)

	boom := assert.AnError
	_, err = f.store.Mutate(ctx, ten.ID, "noop", func(t *Tenant) error {
		t.Balance = decimal.NewFromInt(500)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := f.store.Get(ctx, ten.ID)
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestService_ListPages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, name := range []string{"A", "B", "C", "D", "E"} {
		_, err := f.svc.CreateTenant(ctx, name)
		require.NoError(t, err)
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, next, err := f.svc.List(ctx, cursor, 2)
		require.NoError(t, err)
		pages++
		for _, ten := range page {
			assert.False(t, seen[ten.ID], "tenant listed twice")
			seen[ten.ID] = true
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Len(t, seen, 5)
	assert.Equal(t, 3, pages)

	_, _, err := f.svc.List(ctx, "!!garbage", 2)
	assert.Error(t, err)
}

func TestSweeper_DeactivatesExpiredDemos(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	demo, _, err := f.svc.CreateUser(ctx, CreateUserRequest{Email: "demo@example.com", DemoFor: time.Hour})
	require.NoError(t, err)
	regular, _, err := f.svc.CreateUser(ctx, CreateUserRequest{Email: "reg@example.com"})
	require.NoError(t, err)

	sw := NewSweeper(f.store, time.Minute, zap.NewNop())
	assert.Equal(t, 0, sw.Sweep(ctx))

	sw.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.Equal(t, 1, sw.Sweep(ctx))
	assert.Equal(t, 0, sw.Sweep(ctx))

	got, err := f.store.GetUser(ctx, demo.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	got, err = f.store.GetUser(ctx, regular.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
}

func TestSweeper_StartStop(t *testing.T) {
	f := newFixture(t)
	sw := NewSweeper(f.store, 5*time.Millisecond, zap.NewNop())

	done := make(chan struct{})
	go func() {
		sw.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, sw.Running, time.Second, time.Millisecond)
	sw.Stop()
	<-done
	assert.False(t, sw.Running())
}

// ---------- PostgreSQL store ----------

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

var tenantCols = []string{"id", "name", "balance", "payment_plan", "quota_template_id",
	"price_change_threshold", "notifications_enabled", "billing_started_at", "created_at", "updated_at"}

func TestPostgresStore_GetNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM tenants WHERE id").
		WithArgs("ten_x").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "ten_x")
	assert.ErrorIs(t, err, ErrTenantNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MutateLocksAndLogs(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FROM tenants WHERE id = \\$1 FOR UPDATE").
		WithArgs("ten_1").
		WillReturnRows(sqlmock.NewRows(tenantCols).
			AddRow("ten_1", "Acme", "100.00", "FREE", "qt_1", "10", true, now, now, now))
	mock.ExpectExec("UPDATE tenants SET").
		WithArgs("ten_1", "Acme", decimal.RequireFromString("150"), "FREE", "qt_1",
			decimal.NewFromInt(10), true, now, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO tenant_history").
		WithArgs(sqlmock.AnyArg(), "ten_1", "balance credited", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := store.Mutate(context.Background(), "ten_1", "balance credited", func(t *Tenant) error {
		t.Balance = t.Balance.Add(decimal.NewFromInt(50))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "150", out.Balance.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MutateRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT .* FOR UPDATE").
		WithArgs("ten_1").
		WillReturnRows(sqlmock.NewRows(tenantCols).
			AddRow("ten_1", "Acme", "0", "FREE", "qt_1", "10", true, now, now, now))
	mock.ExpectRollback()

	_, err := store.Mutate(context.Background(), "ten_1", "x", func(*Tenant) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateUserDuplicateEmail(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO users").
		WillReturnError(&pqUniqueErr)

	err := store.CreateUser(context.Background(), &User{ID: "usr_1", TenantID: "ten_1", Email: "a@b.c", CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestPostgresStore_HasActiveSuperuser(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ten_1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.HasActiveSuperuser(context.Background(), "ten_1")
	require.NoError(t, err)
	assert.True(t, ok)
}

// ---------- HTTP ----------

func newTestRouter(t *testing.T) (*gin.Engine, *fixture) {
	t.Helper()
	f := newFixture(t)
	mgr := auth.NewManager(auth.NewMemoryStore())
	h := NewHandler(f.svc, mgr)

	r := gin.New()
	v1 := r.Group("/v1")
	h.RegisterPublicRoutes(v1)
	protected := v1.Group("")
	protected.Use(auth.Middleware(mgr), auth.RequireAuth())
	h.RegisterProtectedRoutes(protected)
	return r, f
}

func doJSON(r http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_SignupThenManageTenant(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/signup", "", gin.H{"email": "shop@example.com", "tenantName": "Shop"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var signup struct {
		APIKey string  `json:"apiKey"`
		Tenant *Tenant `json:"tenant"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &signup))
	require.NotEmpty(t, signup.APIKey)
	assert.Equal(t, "Shop", signup.Tenant.Name)

	w = doJSON(r, http.MethodGet, "/v1/tenant", signup.APIKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"paymentPlan":"FREE"`)

	w = doJSON(r, http.MethodPatch, "/v1/tenant", signup.APIKey, gin.H{"priceChangeThreshold": "150"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPatch, "/v1/tenant", signup.APIKey, gin.H{"priceChangeThreshold": "5"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(r, http.MethodPost, "/v1/tenant/users", signup.APIKey, gin.H{"email": "staff@example.com"})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(r, http.MethodGet, "/v1/tenant/users", signup.APIKey, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":2`)
}

func TestHandler_SignupDuplicateEmail(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/signup", "", gin.H{"email": "a@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(r, http.MethodPost, "/v1/signup", "", gin.H{"email": "a@example.com"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_NonSuperuserCannotInvite(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doJSON(r, http.MethodPost, "/v1/signup", "", gin.H{"email": "owner@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)
	var owner struct{ APIKey string }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &owner))

	w = doJSON(r, http.MethodPost, "/v1/tenant/users", owner.APIKey, gin.H{"email": "staff@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)
	var staff struct{ APIKey string }
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &staff))

	w = doJSON(r, http.MethodPost, "/v1/tenant/users", staff.APIKey, gin.H{"email": "x@example.com"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

var pqUniqueErr = pq.Error{Code: "23505"}

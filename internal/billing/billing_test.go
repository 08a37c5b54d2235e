package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/dbtx"
	"github.com/pricewatch/pricewatch/internal/plan"
	"github.com/pricewatch/pricewatch/internal/quota"
	"github.com/pricewatch/pricewatch/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	mgr     *Manager
	tenants *tenant.Service
	store   *tenant.MemoryStore
	quotas  *quota.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := tenant.NewMemoryStore()
	plans := plan.NewMemoryStore()
	quotas := quota.NewLedger(quota.NewMemoryStore())
	tx := dbtx.NewMemoryRunner()
	mgr := NewManager(store, plans, quotas, NewMemoryStore(), tx)
	require.NoError(t, mgr.Seed(context.Background()))
	return &fixture{
		mgr:     mgr,
		tenants: tenant.NewService(store, plans, quotas, tx, decimal.NewFromInt(10)),
		store:   store,
		quotas:  quotas,
	}
}

func (f *fixture) newTenant(t *testing.T) *tenant.Tenant {
	t.Helper()
	ten, err := f.tenants.CreateTenant(context.Background(), "Shop")
	require.NoError(t, err)
	return ten
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestAddThenDeductRestoresBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten := f.newTenant(t)

	_, err := f.mgr.AddToBalance(ctx, ten.ID, dec("250.50"))
	require.NoError(t, err)
	before, err := f.mgr.Balance(ctx, ten.ID)
	require.NoError(t, err)

	_, err = f.mgr.AddToBalance(ctx, ten.ID, dec("99.99"))
	require.NoError(t, err)
	_, err = f.mgr.DeductFromBalance(ctx, ten.ID, dec("99.99"))
	require.NoError(t, err)

	after, err := f.mgr.Balance(ctx, ten.ID)
	require.NoError(t, err)
	assert.True(t, before.Equal(after), "%s != %s", before, after)

	entries, err := f.mgr.History(ctx, ten.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, EntryDebit, entries[0].Type)
	assert.True(t, entries[0].BalanceAfter.Equal(dec("250.50")))
}

func TestNegativeAmountsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten := f.newTenant(t)
	_, err := f.mgr.AddToBalance(ctx, ten.ID, dec("10"))
	require.NoError(t, err)

	_, err = f.mgr.AddToBalance(ctx, ten.ID, dec("-1"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = f.mgr.DeductFromBalance(ctx, ten.ID, dec("-1"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	bal, err := f.mgr.Balance(ctx, ten.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("10")))
}

func TestDeductMoreThanBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten := f.newTenant(t)
	_, err := f.mgr.AddToBalance(ctx, ten.ID, dec("5"))
	require.NoError(t, err)

	_, err = f.mgr.DeductFromBalance(ctx, ten.ID, dec("5.01"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	bal, err := f.mgr.Balance(ctx, ten.ID)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("5")))

	entries, err := f.mgr.History(ctx, ten.ID, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestConcurrentDeductionsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten := f.newTenant(t)
	_, err := f.mgr.AddToBalance(ctx, ten.ID, dec("100"))
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.mgr.DeductFromBalance(ctx, ten.ID, dec("10")); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	bal, err := f.mgr.Balance(ctx, ten.ID)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestSwitchPlanToCurrentIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten := f.newTenant(t)

	before, err := f.quotas.Templates(ctx)
	require.NoError(t, err)
	require.NoError(t, f.quotas.Consume(ctx, ten.ID, quota.SKUs, 3))

	got, err := f.mgr.SwitchPlan(ctx, ten.ID, "free")
	require.NoError(t, err)
	assert.Equal(t, plan.Free, got.PlanName)

	after, err := f.quotas.Templates(ctx)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	q, err := f.quotas.Get(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, 47, q.SKUsRemaining)

	hist, err := f.store.History(ctx, ten.ID, 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestSwitchPlanAppliesCatalogueLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten := f.newTenant(t)

	_, err := f.mgr.SetQuota(ctx, ten.ID, "custom", 10, 1, 1)
	require.NoError(t, err)

	got, err := f.mgr.SwitchPlan(ctx, ten.ID, "BUSINESS")
	require.NoError(t, err)
	assert.Equal(t, plan.Business, got.PlanName)

	q, err := f.quotas.Get(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, "BUSINESS", q.Name)
	assert.Equal(t, 500, q.SKUsLimit)
	assert.Equal(t, 50000, q.ParseUnitsLimit)
	assert.Equal(t, 500, q.SKUsRemaining)
	assert.Equal(t, got.QuotaTemplateID, q.TemplateID)

	got, err = f.mgr.SwitchPlan(ctx, ten.ID, "FREE")
	require.NoError(t, err)
	q, err = f.quotas.Get(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.DefaultTemplateName, q.Name)
	assert.Equal(t, ten.QuotaTemplateID, got.QuotaTemplateID)
}

func TestSwitchPlanUnknown(t *testing.T) {
	f := newFixture(t)
	ten := f.newTenant(t)
	_, err := f.mgr.SwitchPlan(context.Background(), ten.ID, "PLATINUM")
	assert.ErrorIs(t, err, ErrInvalidPlan)
}

func TestActivatePlanChargesFirstPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten := f.newTenant(t)

	_, err := f.mgr.ActivatePlan(ctx, ten.ID, "BUSINESS", dec("1990"), "ord_1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	cur, err := f.store.Get(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Free, cur.PlanName)

	_, err = f.mgr.AddToBalance(ctx, ten.ID, dec("2000"))
	require.NoError(t, err)
	got, err := f.mgr.ActivatePlan(ctx, ten.ID, "BUSINESS", dec("1990"), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, plan.Business, got.PlanName)
	assert.True(t, got.Balance.Equal(dec("10")))

	entries, err := f.mgr.History(ctx, ten.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, EntryPlanCharge, entries[0].Type)
	assert.Equal(t, "ord_1", entries[0].Reference)
}

func TestActivatePlanChargesOrderPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten := f.newTenant(t)
	_, err := f.mgr.AddToBalance(ctx, ten.ID, dec("1990"))
	require.NoError(t, err)
	_, err = f.mgr.SetPlanPrice(ctx, "BUSINESS", dec("2500"))
	require.NoError(t, err)

	got, err := f.mgr.ActivatePlan(ctx, ten.ID, "BUSINESS", dec("1990"), "ord_1")
	require.NoError(t, err)
	assert.Equal(t, plan.Business, got.PlanName)
	assert.True(t, got.Balance.IsZero(), "balance %s", got.Balance)

	_, err = f.mgr.ActivatePlan(ctx, ten.ID, "BUSINESS", dec("-1"), "ord_2")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSetPlanPrice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.mgr.SetPlanPrice(ctx, "business", dec("2490"))
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(dec("2490")))

	_, err = f.mgr.SetPlanPrice(ctx, "business", dec("-1"))
	assert.ErrorIs(t, err, plan.ErrInvalidPrice)

	require.NoError(t, f.mgr.Seed(ctx))
	p, err = f.mgr.plans.Get(ctx, plan.Business)
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(dec("2490")))
}

func TestRenew(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten := f.newTenant(t)
	_, err := f.mgr.AddToBalance(ctx, ten.ID, dec("2000"))
	require.NoError(t, err)
	_, err = f.mgr.ActivatePlan(ctx, ten.ID, "BUSINESS", dec("1990"), "ord_1")
	require.NoError(t, err)
	require.NoError(t, f.quotas.Consume(ctx, ten.ID, quota.SKUs, 100))

	outcome, err := f.mgr.Renew(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, RenewalNotDue, outcome)

	later := time.Now().Add(plan.BillingPeriod + time.Hour)
	f.mgr.now = func() time.Time { return later }

	// balance 10 cannot pay 1990: downgraded
	outcome, err = f.mgr.Renew(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, RenewalDowngraded, outcome)

	got, err := f.store.Get(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Free, got.PlanName)
	assert.True(t, got.Balance.Equal(dec("10")))
	assert.WithinDuration(t, later, got.BillingStartedAt, time.Second)
}

func TestRenewChargesPaidPlan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ten := f.newTenant(t)
	_, err := f.mgr.AddToBalance(ctx, ten.ID, dec("5000"))
	require.NoError(t, err)
	_, err = f.mgr.ActivatePlan(ctx, ten.ID, "BUSINESS", dec("1990"), "ord_1")
	require.NoError(t, err)
	require.NoError(t, f.quotas.Consume(ctx, ten.ID, quota.SKUs, 100))

	f.mgr.now = func() time.Time { return time.Now().Add(plan.BillingPeriod + time.Hour) }
	timer := NewTimer(f.mgr, f.store, time.Minute, zap.NewNop())
	assert.Equal(t, 1, timer.RenewDue(ctx))

	got, err := f.store.Get(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Business, got.PlanName)
	assert.True(t, got.Balance.Equal(dec("1020")))

	q, err := f.quotas.Get(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, 500, q.SKUsRemaining)

	// the new period is not due yet
	assert.Equal(t, 0, timer.RenewDue(ctx))
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.mgr, f.store, 5*time.Millisecond, zap.NewNop())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()
	require.Eventually(t, timer.Running, time.Second, time.Millisecond)
	timer.Stop()
	<-done
	assert.False(t, timer.Running())
}

func TestPostgresStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	now := time.Now()
	mock.ExpectExec("INSERT INTO balance_entries").
		WithArgs("be_1", "ten_1", "credit", dec("10"), dec("15"), "", "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Append(context.Background(), &Entry{
		ID: "be_1", TenantID: "ten_1", Type: EntryCredit,
		Amount: dec("10"), BalanceAfter: dec("15"), CreatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_History(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)

	now := time.Now()
	mock.ExpectQuery("SELECT .* FROM balance_entries").
		WithArgs("ten_1", 5).
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "type", "amount", "balance_after", "reference", "description", "created_at"}).
			AddRow("be_2", "ten_1", "plan_charge", "1990", "10", "ord_1", nil, now).
			AddRow("be_1", "ten_1", "payment", "2000", "2000", "ord_1", "payment", now))

	entries, err := store.History(context.Background(), "ten_1", 5)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, EntryPlanCharge, entries[0].Type)
	assert.Empty(t, entries[0].Description)
	assert.True(t, entries[1].Amount.Equal(dec("2000")))
}

func TestHandler_AdminBalanceAndQuota(t *testing.T) {
	f := newFixture(t)
	ten := f.newTenant(t)
	h := NewHandler(f.mgr)

	r := gin.New()
	admin := r.Group("/v1/admin")
	h.RegisterAdminRoutes(admin)

	post := func(path string, body any) *httptest.ResponseRecorder {
		b, _ := json.Marshal(body)
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		return w
	}

	w := post("/v1/admin/tenants/"+ten.ID+"/balance", gin.H{"amount": "100", "operation": "add"})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = post("/v1/admin/tenants/"+ten.ID+"/balance", gin.H{"amount": "500", "operation": "deduct"})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = post("/v1/admin/tenants/"+ten.ID+"/balance", gin.H{"amount": "1", "operation": "steal"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post("/v1/admin/tenants/"+ten.ID+"/plan", gin.H{"plan": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = post("/v1/admin/tenants/"+ten.ID+"/quota", gin.H{"name": "big", "totalHours": 720, "skusLimit": 9, "parseUnitsLimit": 90})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"skusLimit":9`)

	w = post("/v1/admin/tenants/ten_missing/plan", gin.H{"plan": "BUSINESS"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

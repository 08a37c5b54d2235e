package pricing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pricewatch/pricewatch/internal/auth"
	"github.com/pricewatch/pricewatch/internal/dbtx"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/notify"
	"github.com/pricewatch/pricewatch/internal/plan"
	"github.com/pricewatch/pricewatch/internal/quota"
	"github.com/pricewatch/pricewatch/internal/scraper"
	"github.com/pricewatch/pricewatch/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingPublisher struct {
	mu   sync.Mutex
	got  []*notify.Notification
	fail error
}

func (p *recordingPublisher) Publish(_ context.Context, n *notify.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, n)
	return p.fail
}

func (p *recordingPublisher) all() []*notify.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*notify.Notification(nil), p.got...)
}

type recordingScheduler struct {
	calls [][]string
	err   error
}

func (s *recordingScheduler) ScheduleScrape(_ context.Context, _ string, skus []string) error {
	s.calls = append(s.calls, skus)
	return s.err
}

type fixture struct {
	store     *MemoryStore
	svc       *Service
	engine    *Engine
	tenants   *tenant.Service
	quotas    *quota.Ledger
	publisher *recordingPublisher
	scheduler *recordingScheduler
}

func newFixture(t *testing.T, gate Gate, policy AlertPolicy) *fixture {
	t.Helper()
	tenantStore := tenant.NewMemoryStore()
	quotas := quota.NewLedger(quota.NewMemoryStore())
	tx := dbtx.NewMemoryRunner()
	store := NewMemoryStore()
	quotas.CountHeldWith(store)
	pub := &recordingPublisher{}
	sched := &recordingScheduler{}
	return &fixture{
		store:     store,
		svc:       NewService(store, quotas, tx, sched),
		engine:    NewEngine(store, tenantStore, pub, tx, gate, policy),
		tenants:   tenant.NewService(tenantStore, plan.NewMemoryStore(), quotas, tx, decimal.NewFromInt(10)),
		quotas:    quotas,
		publisher: pub,
		scheduler: sched,
	}
}

func (f *fixture) newTenant(t *testing.T) string {
	t.Helper()
	ten, err := f.tenants.CreateTenant(context.Background(), "Shop")
	require.NoError(t, err)
	return ten.ID
}

func (f *fixture) addItem(t *testing.T, tenantID, sku string) *Item {
	t.Helper()
	items, err := f.svc.AddItems(context.Background(), tenantID, sku)
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func (f *fixture) batch(t *testing.T, tenantID string, prices map[string]string) *BatchResult {
	t.Helper()
	var products []scraper.Product
	for sku, p := range prices {
		products = append(products, scraper.Product{SKU: sku, Name: "Item " + sku, Price: d(p), InStock: true})
	}
	res, err := f.engine.ProcessBatch(context.Background(), tenantID, products)
	require.NoError(t, err)
	return res
}

func TestAddItems_ConsumesQuotaAndSchedulesScrape(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	ctx := context.Background()
	tid := f.newTenant(t)

	items, err := f.svc.AddItems(ctx, tid, "111, 222\n333 222")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.True(t, items[0].IsParserActive)
	assert.True(t, items[0].IsNotifierActive)

	q, err := f.quotas.Get(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, q.SKUsLimit-3, q.SKUsRemaining)
	require.Len(t, f.scheduler.calls, 1)
	assert.Equal(t, []string{"111", "222", "333"}, f.scheduler.calls[0])

	// Already tracked SKUs are skipped and cost nothing.
	items, err = f.svc.AddItems(ctx, tid, "111 444")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "444", items[0].SKU)
	q, _ = f.quotas.Get(ctx, tid)
	assert.Equal(t, q.SKUsLimit-4, q.SKUsRemaining)
}

func TestAddItems_RejectsInvalidSKU(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	tid := f.newTenant(t)

	_, err := f.svc.AddItems(context.Background(), tid, "123 abc")
	assert.ErrorIs(t, err, scraper.ErrInvalidSKU)
	items, _ := f.svc.ListItems(context.Background(), tid)
	assert.Empty(t, items)
}

func TestAddItems_QuotaExceededAddsNothing(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	ctx := context.Background()
	tid := f.newTenant(t)
	_, err := f.quotas.Set(ctx, tid, "tiny", 720, 2, 100)
	require.NoError(t, err)

	_, err = f.svc.AddItems(ctx, tid, "1 2 3")
	var exceeded *quota.ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, 3, exceeded.Requested)
	assert.Equal(t, 2, exceeded.Remaining)

	items, _ := f.svc.ListItems(ctx, tid)
	assert.Empty(t, items)
	q, _ := f.quotas.Get(ctx, tid)
	assert.Equal(t, 2, q.SKUsRemaining)
	assert.Empty(t, f.scheduler.calls)
}

func TestAddItems_TenantIsolation(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	a, b := f.newTenant(t), f.newTenant(t)
	f.addItem(t, a, "777")
	f.addItem(t, b, "777")

	itemsA, _ := f.svc.ListItems(context.Background(), a)
	itemsB, _ := f.svc.ListItems(context.Background(), b)
	require.Len(t, itemsA, 1)
	require.Len(t, itemsB, 1)
	assert.NotEqual(t, itemsA[0].ID, itemsB[0].ID)

	_, err := f.svc.GetItem(context.Background(), b, itemsA[0].ID)
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestDeleteItem_ReleasesQuotaAndPrunesAlerts(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	ctx := context.Background()
	tid := f.newTenant(t)
	one := f.addItem(t, tid, "1")
	two := f.addItem(t, tid, "2")

	solo, err := f.svc.CreateAlert(ctx, tid, CreateAlertRequest{ItemIDs: []string{one.ID}, TargetPrice: d("10")})
	require.NoError(t, err)
	pair, err := f.svc.CreateAlert(ctx, tid, CreateAlertRequest{ItemIDs: []string{one.ID, two.ID}, TargetPrice: d("10")})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteItem(ctx, tid, one.ID))

	q, _ := f.quotas.Get(ctx, tid)
	assert.Equal(t, q.SKUsLimit-1, q.SKUsRemaining)
	_, err = f.store.GetAlert(ctx, tid, solo.ID)
	assert.ErrorIs(t, err, ErrAlertNotFound)
	got, err := f.store.GetAlert(ctx, tid, pair.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{two.ID}, got.ItemIDs)

	assert.ErrorIs(t, f.svc.DeleteItem(ctx, tid, one.ID), ErrItemNotFound)
}

func TestUpdateItem_TogglesFlags(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	tid := f.newTenant(t)
	it := f.addItem(t, tid, "5")

	off := false
	got, err := f.svc.UpdateItem(context.Background(), tid, it.ID, UpdateItemRequest{IsParserActive: &off})
	require.NoError(t, err)
	assert.False(t, got.IsParserActive)
	assert.True(t, got.IsNotifierActive)

	skus, err := f.svc.ParserActiveSKUs(context.Background(), tid)
	require.NoError(t, err)
	assert.Empty(t, skus)
	_, err = f.svc.RequestScrape(context.Background(), tid)
	assert.ErrorIs(t, err, scraper.ErrNoSKUs)
}

func TestRenewalKeepsTrackedItemsCounted(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	ctx := context.Background()
	tid := f.newTenant(t)
	_, err := f.quotas.Set(ctx, tid, "FREE", 720, 50, 100)
	require.NoError(t, err)

	skus := make([]string, 50)
	for i := range skus {
		skus[i] = fmt.Sprint(1000 + i)
	}
	items, err := f.svc.AddItems(ctx, tid, strings.Join(skus, " "))
	require.NoError(t, err)
	require.Len(t, items, 50)

	q, err := f.quotas.Renew(ctx, tid)
	require.NoError(t, err)
	assert.Equal(t, 0, q.SKUsRemaining)
	assert.Equal(t, 100, q.ParseUnitsRemaining)

	_, err = f.svc.AddItems(ctx, tid, "2000")
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
	all, _ := f.svc.ListItems(ctx, tid)
	assert.Len(t, all, 50)

	require.NoError(t, f.svc.DeleteItem(ctx, tid, items[0].ID))
	f.addItem(t, tid, "2000")
}

func TestUpdateItem_LeavesScrapedPrice(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	ctx := context.Background()
	tid := f.newTenant(t)
	it := f.addItem(t, tid, "5")
	f.batch(t, tid, map[string]string{"5": "100"})

	off := false
	got, err := f.svc.UpdateItem(ctx, tid, it.ID, UpdateItemRequest{IsNotifierActive: &off})
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(d("100")))
	assert.Equal(t, "Item 5", got.Name)
	assert.True(t, got.IsParserActive)

	_, err = f.svc.UpdateItem(ctx, tid, "itm_missing", UpdateItemRequest{IsNotifierActive: &off})
	assert.ErrorIs(t, err, ErrItemNotFound)
}

// muteOnLoad flips an item's notifier flag right after the engine has read
// the batch's items, the way a user's PATCH can land mid-batch.
type muteOnLoad struct {
	*MemoryStore
	mute func()
	once sync.Once
}

func (s *muteOnLoad) ItemsBySKU(ctx context.Context, tenantID string, skus []string) ([]*Item, error) {
	items, err := s.MemoryStore.ItemsBySKU(ctx, tenantID, skus)
	s.once.Do(s.mute)
	return items, err
}

func TestProcessBatch_KeepsToggleMadeMidBatch(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	ctx := context.Background()
	tid := f.newTenant(t)
	it := f.addItem(t, tid, "1")
	f.batch(t, tid, map[string]string{"1": "100"})

	off := false
	f.engine.store = &muteOnLoad{MemoryStore: f.store, mute: func() {
		_, err := f.svc.UpdateItem(ctx, tid, it.ID, UpdateItemRequest{IsNotifierActive: &off})
		require.NoError(t, err)
	}}
	res := f.batch(t, tid, map[string]string{"1": "50"})
	assert.Equal(t, 1, res.Updated)
	assert.Empty(t, res.Notifications)
	assert.Empty(t, f.publisher.all())

	got, err := f.svc.GetItem(ctx, tid, it.ID)
	require.NoError(t, err)
	assert.False(t, got.IsNotifierActive)
	assert.True(t, got.Price.Equal(d("50")))
}

func TestProcessBatch_LogsIncomparableChange(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	tid := f.newTenant(t)
	it := f.addItem(t, tid, "3")
	core, logs := observer.New(zapcore.DebugLevel)
	ctx := logging.WithLogger(context.Background(), zap.New(core))

	_, err := f.engine.ProcessBatch(ctx, tid, []scraper.Product{{SKU: "3", Price: decimal.Zero}})
	require.NoError(t, err)
	first := logs.FilterMessage("no previous price to compare").All()
	require.Len(t, first, 1)
	assert.Equal(t, it.ID, first[0].ContextMap()["item_id"])

	res, err := f.engine.ProcessBatch(ctx, tid, []scraper.Product{{SKU: "3", Price: d("10")}})
	require.NoError(t, err)
	assert.Empty(t, res.Notifications)
	zero := logs.FilterMessage("price change not comparable").All()
	require.Len(t, zero, 1)
	assert.Equal(t, it.ID, zero[0].ContextMap()["item_id"])
	assert.Equal(t, "3", zero[0].ContextMap()["sku"])
}

func TestCreateAlert_DirectionFromCurrentPrice(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	ctx := context.Background()
	tid := f.newTenant(t)
	it := f.addItem(t, tid, "9")
	f.batch(t, tid, map[string]string{"9": "140"})

	up, err := f.svc.CreateAlert(ctx, tid, CreateAlertRequest{ItemIDs: []string{it.ID}, TargetPrice: d("150")})
	require.NoError(t, err)
	assert.Equal(t, DirectionUp, up.Direction)
	assert.True(t, up.IsActive)

	down, err := f.svc.CreateAlert(ctx, tid, CreateAlertRequest{ItemIDs: []string{it.ID, it.ID}, TargetPrice: d("100")})
	require.NoError(t, err)
	assert.Equal(t, DirectionDown, down.Direction)
	assert.Equal(t, []string{it.ID}, down.ItemIDs)

	_, err = f.svc.CreateAlert(ctx, tid, CreateAlertRequest{ItemIDs: []string{it.ID}, TargetPrice: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidTarget)
	_, err = f.svc.CreateAlert(ctx, tid, CreateAlertRequest{TargetPrice: d("1")})
	assert.ErrorIs(t, err, ErrNoAlertItems)
	_, err = f.svc.CreateAlert(ctx, tid, CreateAlertRequest{ItemIDs: []string{"itm_other"}, TargetPrice: d("1")})
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestProcessBatch_DropNoticeRespectsThreshold(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	tid := f.newTenant(t)
	f.addItem(t, tid, "100")

	res := f.batch(t, tid, map[string]string{"100": "100"})
	assert.Equal(t, 1, res.Updated)
	assert.Empty(t, res.Notifications, "first snapshot has nothing to compare with")

	res = f.batch(t, tid, map[string]string{"100": "95"})
	assert.Empty(t, res.Notifications, "5% is below the 10% threshold")

	res = f.batch(t, tid, map[string]string{"100": "76"})
	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	assert.Equal(t, notify.KindPriceDrop, n.Kind)
	assert.Equal(t, tid, n.TenantID)
	require.Len(t, n.Items, 1)
	assert.True(t, n.Items[0].OldPrice.Equal(d("95")))
	assert.True(t, n.Items[0].NewPrice.Equal(d("76")))
	assert.True(t, n.Items[0].ChangePercent.Equal(d("-20")))
	assert.Contains(t, n.Message, "dropped by 20.00%")
	assert.Len(t, f.publisher.all(), 1)

	res = f.batch(t, tid, map[string]string{"100": "120"})
	assert.Empty(t, res.Notifications, "increases never produce drop notices")
}

func TestProcessBatch_OneNoticePerBatch(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	tid := f.newTenant(t)
	_, err := f.svc.AddItems(context.Background(), tid, "1 2 3")
	require.NoError(t, err)

	f.batch(t, tid, map[string]string{"1": "100", "2": "100", "3": "100"})
	res := f.batch(t, tid, map[string]string{"1": "50", "2": "80", "3": "99"})

	require.Len(t, res.Notifications, 1)
	assert.Len(t, res.Notifications[0].Items, 2)
	assert.Equal(t, "2 items dropped in price", res.Notifications[0].Message)
}

func TestProcessBatch_AppendsSnapshotPerWrite(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	ctx := context.Background()
	tid := f.newTenant(t)
	it := f.addItem(t, tid, "42")

	f.batch(t, tid, map[string]string{"42": "10"})
	f.batch(t, tid, map[string]string{"42": "10"})
	f.batch(t, tid, map[string]string{"42": "12"})

	hist, err := f.svc.PriceHistory(ctx, tid, it.ID, 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.True(t, hist[0].Price.Equal(d("12")), "newest first")

	got, err := f.svc.GetItem(ctx, tid, it.ID)
	require.NoError(t, err)
	assert.True(t, got.Price.Equal(d("12")))
	assert.Equal(t, "Item 42", got.Name)
}

func TestProcessBatch_UnknownSKUsReported(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	tid := f.newTenant(t)
	f.addItem(t, tid, "1")

	res := f.batch(t, tid, map[string]string{"1": "10", "2": "20"})
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []string{"2"}, res.Unknown)
}

func TestProcessBatch_SuperuserGate(t *testing.T) {
	f := newFixture(t, GateSuperuser, PolicyDeactivate)
	ctx := context.Background()
	tid := f.newTenant(t)
	f.addItem(t, tid, "1")

	f.batch(t, tid, map[string]string{"1": "100"})
	res := f.batch(t, tid, map[string]string{"1": "50"})
	assert.Empty(t, res.Notifications)

	_, _, err := f.tenants.CreateUser(ctx, tenant.CreateUserRequest{TenantID: tid, Email: "boss@shop.test", IsSuperuser: true})
	require.NoError(t, err)
	res = f.batch(t, tid, map[string]string{"1": "25"})
	assert.Len(t, res.Notifications, 1)
}

func TestProcessBatch_TenantMuted(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	ctx := context.Background()
	tid := f.newTenant(t)
	f.addItem(t, tid, "1")
	off := false
	_, err := f.tenants.Update(ctx, tid, tenant.UpdateRequest{NotificationsEnabled: &off})
	require.NoError(t, err)

	f.batch(t, tid, map[string]string{"1": "100"})
	res := f.batch(t, tid, map[string]string{"1": "10"})
	assert.Empty(t, res.Notifications)
}

func TestProcessBatch_AlertFiresOnce(t *testing.T) {
	f := newFixture(t, GateOff, PolicyDeactivate)
	ctx := context.Background()
	tid := f.newTenant(t)
	it := f.addItem(t, tid, "7")
	f.batch(t, tid, map[string]string{"7": "140"})

	a, err := f.svc.CreateAlert(ctx, tid, CreateAlertRequest{ItemIDs: []string{it.ID}, TargetPrice: d("150")})
	require.NoError(t, err)

	res := f.batch(t, tid, map[string]string{"7": "145"})
	assert.Empty(t, res.Notifications)

	res = f.batch(t, tid, map[string]string{"7": "160"})
	require.Len(t, res.Notifications, 1)
	n := res.Notifications[0]
	assert.Equal(t, notify.KindPriceAlert, n.Kind)
	assert.Equal(t, a.ID, n.AlertID)
	require.NotNil(t, n.TargetPrice)
	assert.True(t, n.TargetPrice.Equal(d("150")))

	got, err := f.store.GetAlert(ctx, tid, a.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.NotNil(t, got.LastTriggeredAt)

	f.batch(t, tid, map[string]string{"7": "140"})
	res = f.batch(t, tid, map[string]string{"7": "160"})
	assert.Empty(t, res.Notifications, "a fired alert stays quiet until reactivated")

	re, err := f.svc.ReactivateAlert(ctx, tid, a.ID)
	require.NoError(t, err)
	assert.True(t, re.IsActive)
	assert.Equal(t, DirectionDown, re.Direction, "current price 160 is above the target")
	_, err = f.svc.ReactivateAlert(ctx, tid, a.ID)
	assert.ErrorIs(t, err, ErrAlertActive)
}

func TestProcessBatch_DeletePolicy(t *testing.T) {
	f := newFixture(t, GateOff, PolicyDelete)
	ctx := context.Background()
	tid := f.newTenant(t)
	it := f.addItem(t, tid, "7")
	f.batch(t, tid, map[string]string{"7": "110"})
	a, err := f.svc.CreateAlert(ctx, tid, CreateAlertRequest{ItemIDs: []string{it.ID}, TargetPrice: d("100")})
	require.NoError(t, err)
	require.Equal(t, DirectionDown, a.Direction)

	res := f.batch(t, tid, map[string]string{"7": "90"})
	require.Len(t, res.Notifications, 1)
	_, err = f.store.GetAlert(ctx, tid, a.ID)
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestProcessBatch_PublishFailureDoesNotFail(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	f.publisher.fail = errors.New("queue down")
	tid := f.newTenant(t)
	f.addItem(t, tid, "1")

	f.batch(t, tid, map[string]string{"1": "100"})
	res := f.batch(t, tid, map[string]string{"1": "10"})
	assert.Len(t, res.Notifications, 1)
	assert.Len(t, f.publisher.all(), 1)
}

func TestProcessBatch_UnknownTenant(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	_, err := f.engine.ProcessBatch(context.Background(), "ten_missing", nil)
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func TestIngest_SerializesPerTenant(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	ctx := context.Background()
	tid := f.newTenant(t)
	it := f.addItem(t, tid, "1")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := decimal.NewFromInt(int64(100 + i))
			assert.NoError(t, f.engine.Ingest(ctx, tid, []scraper.Product{{SKU: "1", Price: p}}))
		}(i)
	}
	wg.Wait()

	hist, err := f.svc.PriceHistory(ctx, tid, it.ID, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 20)
}

func newRouter(h *Handler, tenantID string) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(auth.ContextKeyTenantID, tenantID)
		c.Next()
	})
	h.RegisterRoutes(r.Group("/v1"))
	return r
}

func TestHandlers_ItemsAndAlerts(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	tid := f.newTenant(t)
	r := newRouter(NewHandler(f.svc), tid)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/items", strings.NewReader(`{"skus":"12345, 67890"}`)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"added":2`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/items", strings.NewReader(`{"skus":"12x"}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	items, _ := f.svc.ListItems(context.Background(), tid)
	require.Len(t, items, 2)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/v1/items/"+items[0].ID, strings.NewReader(`{"isNotifierActive":false}`)))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"isNotifierActive":false`)

	body := `{"itemIds":["` + items[0].ID + `"],"targetPrice":"99.50"}`
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/alerts", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"direction":"UP"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/items/itm_nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/items/scrape", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, f.scheduler.calls, 2)
}

func TestHandlers_QuotaExceededIs402(t *testing.T) {
	f := newFixture(t, GateAll, PolicyDeactivate)
	tid := f.newTenant(t)
	_, err := f.quotas.Set(context.Background(), tid, "none", 720, 0, 0)
	require.NoError(t, err)
	r := newRouter(NewHandler(f.svc), tid)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/items", strings.NewReader(`{"skus":"1"}`)))
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), `"resource":"skus"`)
}

func TestPostgresStore_ClaimAlert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStore(db)
	at := time.Now()

	mock.ExpectExec("UPDATE price_alerts SET is_active = FALSE").
		WithArgs("alr_1", at).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE price_alerts SET is_active = FALSE").
		WithArgs("alr_1", at).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.ClaimAlert(context.Background(), "alr_1", at)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.ClaimAlert(context.Background(), "alr_1", at)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecentPrices(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"item_id", "price", "created_at"}).
		AddRow("itm_a", "80", now).
		AddRow("itm_a", "100", now.Add(-time.Hour)).
		AddRow("itm_b", "5", now)
	mock.ExpectQuery("ROW_NUMBER\\(\\) OVER").WithArgs(sqlmock.AnyArg(), 2).WillReturnRows(rows)

	got, err := NewPostgresStore(db).RecentPrices(context.Background(), []string{"itm_a", "itm_b"}, 2)
	require.NoError(t, err)
	require.Len(t, got["itm_a"], 2)
	assert.True(t, got["itm_a"][0].Price.Equal(d("80")))
	assert.True(t, got["itm_a"][1].Price.Equal(d("100")))
	assert.Len(t, got["itm_b"], 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var itemCols = []string{"id", "tenant_id", "sku", "name", "brand", "price", "seller_price", "spp", "in_stock",
	"is_parser_active", "is_notifier_active", "created_at", "updated_at"}

func TestPostgresStore_SetFlagsWritesFlagsOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	now := time.Now()
	off := false

	rows := sqlmock.NewRows(itemCols).
		AddRow("itm_1", "ten_1", "5", "Kettle", "Acme", "100", "120", "20", true, true, false, now, now)
	mock.ExpectQuery(`UPDATE items SET is_parser_active = COALESCE\(\$3::boolean, is_parser_active\)`).
		WithArgs("itm_1", "ten_1", nil, false, now).WillReturnRows(rows)

	it, err := NewPostgresStore(db).SetFlags(context.Background(), "ten_1", "itm_1", nil, &off, now)
	require.NoError(t, err)
	assert.False(t, it.IsNotifierActive)
	assert.True(t, it.Price.Equal(d("100")))

	mock.ExpectQuery("UPDATE items SET is_parser_active").WillReturnRows(sqlmock.NewRows(itemCols))
	_, err = NewPostgresStore(db).SetFlags(context.Background(), "ten_1", "itm_2", nil, &off, now)
	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ApplyScrapeReturnsStoredFlags(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	now := time.Now()

	rows := sqlmock.NewRows(itemCols).
		AddRow("itm_1", "ten_1", "5", "Kettle", "Acme", "50", "60", "10", true, true, false, now, now)
	mock.ExpectQuery(`UPDATE items SET name = \$3, brand = \$4`).WillReturnRows(rows)

	it, err := NewPostgresStore(db).ApplyScrape(context.Background(), &Item{
		ID: "itm_1", TenantID: "ten_1", Name: "Kettle", Brand: "Acme",
		Price: d("50"), SellerPrice: d("60"), SPP: d("10"), InStock: true,
		IsNotifierActive: true, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.False(t, it.IsNotifierActive, "flags come from the row, not the argument")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountItems(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM items WHERE tenant_id`).WithArgs("ten_1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	n, err := NewPostgresStore(db).CountItems(context.Background(), "ten_1")
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateItemDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO items").WillReturnError(&pq.Error{Code: "23505"})
	err = NewPostgresStore(db).CreateItem(context.Background(), &Item{ID: "itm_1", TenantID: "ten_1", SKU: "1"})
	assert.ErrorIs(t, err, ErrDuplicateSKU)
}

func TestPostgresStore_GetAlertScansArray(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	now := time.Now()

	rows := sqlmock.NewRows([]string{"id", "tenant_id", "item_ids", "target_price", "direction", "is_active", "last_triggered_at", "created_at"}).
		AddRow("alr_1", "ten_1", "{itm_a,itm_b}", "150", "UP", true, nil, now)
	mock.ExpectQuery("SELECT .+ FROM price_alerts WHERE id").WithArgs("alr_1", "ten_1").WillReturnRows(rows)

	a, err := NewPostgresStore(db).GetAlert(context.Background(), "ten_1", "alr_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"itm_a", "itm_b"}, a.ItemIDs)
	assert.Equal(t, DirectionUp, a.Direction)
	assert.Nil(t, a.LastTriggeredAt)

	mock.ExpectQuery("SELECT .+ FROM price_alerts WHERE id").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = NewPostgresStore(db).GetAlert(context.Background(), "ten_1", "alr_2")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	return r
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(http.StatusNoContent))
	assert.Equal(t, "4xx", statusClass(http.StatusTooManyRequests))
	assert.Equal(t, "5xx", statusClass(http.StatusBadGateway))
	assert.Equal(t, "unknown", statusClass(0))
	assert.Equal(t, "unknown", statusClass(999))
}

func TestMiddleware_LabelsByRouteTemplate(t *testing.T) {
	r := newRouter()
	r.GET("/v1/items/:id", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/v1/items/:id", "2xx")
	before := testutil.ToFloat64(counter)

	for _, id := range []string{"itm_1", "itm_2"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/items/"+id, nil))
		require.Equal(t, http.StatusNoContent, w.Code)
	}

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
	assert.Zero(t, testutil.ToFloat64(HTTPInFlight))
}

func TestMiddleware_UnmatchedRoutesShareALabel(t *testing.T) {
	r := newRouter()

	counter := HTTPRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "4xx")
	before := testutil.ToFloat64(counter)

	for _, p := range []string{"/wp-login.php", "/.env"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		require.Equal(t, http.StatusNotFound, w.Code)
	}

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestHandler_ExposesDomainCollectors(t *testing.T) {
	r := newRouter()
	r.GET("/metrics", Handler())

	QuotaRejectionsTotal.WithLabelValues("skus").Inc()
	TaskQueueDepth.Set(3)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `pricewatch_quota_rejections_total{resource="skus"}`)
	assert.Contains(t, body, "pricewatch_tasks_queue_depth 3")
	assert.Contains(t, body, "pricewatch_active_websocket_clients")
}

func TestRegister_ToleratesDuplicates(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	reg := prometheus.NewRegistry()
	require.NoError(t, register(reg, dbCollector(db)))
	require.NoError(t, register(reg, dbCollector(db)))

	n, err := testutil.GatherAndCount(reg, "go_sql_open_connections")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

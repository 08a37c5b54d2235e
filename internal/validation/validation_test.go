package validation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIsValidSKU(t *testing.T) {
	for sku, want := range map[string]bool{
		"12345678":         true,
		"1":                true,
		"000123":           true,
		"":                 false,
		"12a45":            false,
		"-1":               false,
		"12 34":            false,
		"1234567890123456": false,
	} {
		assert.Equal(t, want, IsValidSKU(sku), sku)
	}
}

func TestIsValidWebhookURL(t *testing.T) {
	for raw, want := range map[string]bool{
		"https://example.com/hook": true,
		"http://localhost:9000/x":  true,
		"ftp://example.com":        false,
		"/relative/path":           false,
		"https://":                 false,
		"::not a url":              false,
	} {
		assert.Equal(t, want, IsValidWebhookURL(raw), raw)
	}
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hello  ", 10))
	assert.Equal(t, "hello", SanitizeString("hello world", 5))
	assert.Equal(t, "helloworld", SanitizeString("hello\x00world", 20))
}

type sample struct {
	SKU    string          `json:"sku" binding:"required,sku"`
	Hook   string          `json:"hook" binding:"omitempty,webhook_url"`
	Amount decimal.Decimal `json:"amount" binding:"rubles"`
	Target decimal.Decimal `json:"target" binding:"nonneg"`
}

func bindRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestSizeMiddleware(256))
	r.POST("/", func(c *gin.Context) {
		var s sample
		if !Bind(c, &s) {
			return
		}
		c.JSON(http.StatusOK, s)
	})
	return r
}

func post(r http.Handler, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)))
	return w
}

func TestBind_AcceptsValidBody(t *testing.T) {
	w := post(bindRouter(), `{"sku":"123456","hook":"https://h.example/x","amount":"10.50","target":"0"}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestBind_ReportsEveryFieldByJSONName(t *testing.T) {
	w := post(bindRouter(), `{"sku":"12a","hook":"ftp://x","amount":"1.005","target":"-1"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp struct {
		Error   string       `json:"error"`
		Details []FieldError `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation_error", resp.Error)

	fields := map[string]string{}
	for _, d := range resp.Details {
		fields[d.Field] = d.Message
	}
	assert.Equal(t, "must be a numeric article number", fields["sku"])
	assert.Equal(t, "must be an absolute http(s) URL", fields["hook"])
	assert.Contains(t, fields["amount"], "two decimal places")
	assert.Equal(t, "must not be negative", fields["target"])
}

func TestBind_ZeroAmountIsNotRubles(t *testing.T) {
	w := post(bindRouter(), `{"sku":"1","amount":"0"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"amount"`)
}

func TestBind_MalformedAndOversized(t *testing.T) {
	w := post(bindRouter(), `{"sku":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")

	w = post(bindRouter(), `{"sku":"1","hook":"https://example.com/`+strings.Repeat("a", 300)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestVar(t *testing.T) {
	assert.NoError(t, Var("amount", decimal.RequireFromString("1990"), "rubles"))
	assert.NoError(t, Var("amount", decimal.RequireFromString("0.50"), "rubles"))

	err := Var("amount", decimal.RequireFromString("-1"), "rubles")
	require.Error(t, err)
	var errs Errors
	require.ErrorAs(t, err, &errs)
	assert.Equal(t, "amount", errs[0].Field)
	assert.Equal(t, "amount: must be a positive amount with at most two decimal places", err.Error())

	assert.NoError(t, Var("sku", "42", "sku"))
	assert.Error(t, Var("sku", "4x2", "sku"))
}

func TestErrors_EmptyMessage(t *testing.T) {
	assert.Equal(t, "validation failed", Errors(nil).Error())
}

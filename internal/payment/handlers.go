package payment

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/auth"
	"github.com/pricewatch/pricewatch/internal/billing"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/plan"
	"github.com/pricewatch/pricewatch/internal/tenant"
	"github.com/pricewatch/pricewatch/internal/validation"
)

// maxCallbackBody caps provider notification bodies.
const maxCallbackBody = 64 << 10

// Handler provides HTTP endpoints for orders and the provider callback.
type Handler struct {
	service *Service
}

// NewHandler creates a payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterPublicRoutes sets up the provider notification endpoint.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/payments/callback", h.Callback)
}

// RegisterProtectedRoutes sets up tenant-scoped order routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.GET("/payments", h.ListPayments)
}

// Callback handles POST /v1/payments/callback. Anything short of a storage
// failure is acknowledged with "OK" so the provider stops retrying and
// learns nothing about which check failed.
func (h *Handler) Callback(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxCallbackBody))
	if err != nil {
		c.String(http.StatusBadRequest, "payload too large")
		return
	}

	if _, err := h.service.HandleCallback(c.Request.Context(), body); err != nil {
		logging.L(c.Request.Context()).Error("payment callback failed", zap.Error(err))
		c.String(http.StatusInternalServerError, "ERROR")
		return
	}
	c.String(http.StatusOK, "OK")
}

type createOrderRequest struct {
	Intent     Intent          `json:"intent" binding:"required"`
	Amount     decimal.Decimal `json:"amount"`
	TargetPlan string          `json:"targetPlan" binding:"max=32"`
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if !validation.Bind(c, &req) {
		return
	}

	order, err := h.service.CreateOrder(c.Request.Context(), CreateOrderRequest{
		TenantID:   auth.TenantID(c),
		Intent:     req.Intent,
		Amount:     req.Amount,
		TargetPlan: req.TargetPlan,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// ListOrders handles GET /v1/orders
func (h *Handler) ListOrders(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	orders, err := h.service.ListOrders(c.Request.Context(), auth.TenantID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.GetOrder(c.Request.Context(), auth.TenantID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	order, err := h.service.CancelOrder(c.Request.Context(), auth.TenantID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ListPayments handles GET /v1/payments
func (h *Handler) ListPayments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	payments, err := h.service.Payments(c.Request.Context(), auth.TenantID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, tenant.ErrTenantNotFound),
		errors.Is(err, plan.ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidIntent), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrPlanNotPurchasable), errors.Is(err, billing.ErrInvalidPlan):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrStatusConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "order can no longer be changed"})
	case errors.Is(err, ErrProviderUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_unavailable", "message": "payment provider unavailable, try again later"})
	default:
		logging.L(c.Request.Context()).Error("payment request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

package pricing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/auth"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/quota"
	"github.com/pricewatch/pricewatch/internal/scraper"
	"github.com/pricewatch/pricewatch/internal/validation"
)

// Handler provides HTTP endpoints for items and alerts.
type Handler struct {
	service *Service
}

// NewHandler creates a pricing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up tenant-scoped item and alert routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/items", h.AddItems)
	r.GET("/items", h.ListItems)
	r.POST("/items/scrape", h.Scrape)
	r.GET("/items/:id", h.GetItem)
	r.PATCH("/items/:id", h.UpdateItem)
	r.DELETE("/items/:id", h.DeleteItem)
	r.GET("/items/:id/prices", h.PriceHistory)

	r.POST("/alerts", h.CreateAlert)
	r.GET("/alerts", h.ListAlerts)
	r.DELETE("/alerts/:id", h.DeleteAlert)
	r.POST("/alerts/:id/reactivate", h.ReactivateAlert)
}

// AddItemsRequest carries SKUs separated by commas or whitespace.
type AddItemsRequest struct {
	SKUs string `json:"skus" binding:"required,max=65536"`
}

// AddItems handles POST /v1/items
func (h *Handler) AddItems(c *gin.Context) {
	var req AddItemsRequest
	if !validation.Bind(c, &req) {
		return
	}

	items, err := h.service.AddItems(c.Request.Context(), auth.TenantID(c), req.SKUs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"items": items, "added": len(items)})
}

// ListItems handles GET /v1/items
func (h *Handler) ListItems(c *gin.Context) {
	items, err := h.service.ListItems(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetItem handles GET /v1/items/:id
func (h *Handler) GetItem(c *gin.Context) {
	it, err := h.service.GetItem(c.Request.Context(), auth.TenantID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

// UpdateItem handles PATCH /v1/items/:id
func (h *Handler) UpdateItem(c *gin.Context) {
	var req UpdateItemRequest
	if !validation.Bind(c, &req) {
		return
	}
	it, err := h.service.UpdateItem(c.Request.Context(), auth.TenantID(c), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

// DeleteItem handles DELETE /v1/items/:id
func (h *Handler) DeleteItem(c *gin.Context) {
	if err := h.service.DeleteItem(c.Request.Context(), auth.TenantID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// PriceHistory handles GET /v1/items/:id/prices
func (h *Handler) PriceHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	points, err := h.service.PriceHistory(c.Request.Context(), auth.TenantID(c), c.Param("id"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"prices": points})
}

// Scrape handles POST /v1/items/scrape
func (h *Handler) Scrape(c *gin.Context) {
	skus, err := h.service.RequestScrape(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "skus": len(skus)})
}

// createAlertBody is the JSON form of CreateAlertRequest.
type createAlertBody struct {
	ItemIDs     []string        `json:"itemIds" binding:"required,min=1,dive,required"`
	TargetPrice decimal.Decimal `json:"targetPrice" binding:"nonneg"`
}

// CreateAlert handles POST /v1/alerts
func (h *Handler) CreateAlert(c *gin.Context) {
	var body createAlertBody
	if !validation.Bind(c, &body) {
		return
	}

	a, err := h.service.CreateAlert(c.Request.Context(), auth.TenantID(c), CreateAlertRequest{
		ItemIDs:     body.ItemIDs,
		TargetPrice: body.TargetPrice,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// ListAlerts handles GET /v1/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	alerts, err := h.service.ListAlerts(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// DeleteAlert handles DELETE /v1/alerts/:id
func (h *Handler) DeleteAlert(c *gin.Context) {
	if err := h.service.DeleteAlert(c.Request.Context(), auth.TenantID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// ReactivateAlert handles POST /v1/alerts/:id/reactivate
func (h *Handler) ReactivateAlert(c *gin.Context) {
	a, err := h.service.ReactivateAlert(c.Request.Context(), auth.TenantID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func writeError(c *gin.Context, err error) {
	var exceeded *quota.ExceededError
	switch {
	case errors.Is(err, ErrItemNotFound), errors.Is(err, ErrAlertNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.As(err, &exceeded):
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":     "quota_exceeded",
			"message":   err.Error(),
			"resource":  exceeded.Resource,
			"requested": exceeded.Requested,
			"remaining": exceeded.Remaining,
		})
	case errors.Is(err, quota.ErrQuotaExceeded), errors.Is(err, quota.ErrQuotaExpired), errors.Is(err, quota.ErrNoQuota):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "quota_exceeded", "message": err.Error()})
	case errors.Is(err, scraper.ErrInvalidSKU), errors.Is(err, scraper.ErrNoSKUs),
		errors.Is(err, ErrInvalidTarget), errors.Is(err, ErrNoAlertItems):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrDuplicateSKU), errors.Is(err, ErrAlertActive):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrNoScheduler):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("pricing request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}

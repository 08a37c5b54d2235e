package notify

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/auth"
	"github.com/pricewatch/pricewatch/internal/idgen"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/security"
	"github.com/pricewatch/pricewatch/internal/validation"
)

// Handler provides HTTP endpoints for webhook endpoint management.
type Handler struct {
	store        Store
	urlValidator func(string) error
}

// NewHandler creates a new endpoint handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store, urlValidator: security.ValidateEndpointURL}
}

// RegisterRoutes sets up tenant-scoped endpoint routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/notifications/endpoints", h.CreateEndpoint)
	r.GET("/notifications/endpoints", h.ListEndpoints)
	r.DELETE("/notifications/endpoints/:id", h.DeleteEndpoint)
}

// CreateEndpointRequest for creating a webhook endpoint
type CreateEndpointRequest struct {
	URL   string   `json:"url" binding:"required,max=2048,webhook_url"`
	Kinds []string `json:"kinds"`
}

// CreateEndpoint handles POST /v1/notifications/endpoints
func (h *Handler) CreateEndpoint(c *gin.Context) {
	var req CreateEndpointRequest
	if !validation.Bind(c, &req) {
		return
	}
	if err := h.urlValidator(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	kinds := make([]Kind, 0, len(req.Kinds))
	for _, s := range req.Kinds {
		k, err := ParseKind(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind", "message": "unknown kind " + s})
			return
		}
		kinds = append(kinds, k)
	}

	secret := idgen.Hex(32)
	ep := &Endpoint{
		ID:        idgen.WithPrefix("wh_"),
		TenantID:  auth.TenantID(c),
		URL:       req.URL,
		Secret:    secret,
		Kinds:     kinds,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.store.Create(c.Request.Context(), ep); err != nil {
		logging.L(c.Request.Context()).Error("create endpoint failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "message": "Failed to create endpoint"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"endpoint": ep,
		"secret":   secret, // shown once
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(body, secret), hex encoded",
			"header":    "X-PriceWatch-Signature",
		},
	})
}

// ListEndpoints handles GET /v1/notifications/endpoints
func (h *Handler) ListEndpoints(c *gin.Context) {
	eps, err := h.store.ListByTenant(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		logging.L(c.Request.Context()).Error("list endpoints failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "Failed to list endpoints"})
		return
	}
	if eps == nil {
		eps = []*Endpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": eps})
}

// DeleteEndpoint handles DELETE /v1/notifications/endpoints/:id
func (h *Handler) DeleteEndpoint(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), auth.TenantID(c), c.Param("id"))
	if errors.Is(err, ErrEndpointNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Endpoint not found"})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("delete endpoint failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "Failed to delete endpoint"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

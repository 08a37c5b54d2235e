package tenant

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/auth"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/pagination"
	"github.com/pricewatch/pricewatch/internal/validation"
)

// DemoPeriod is how long a demo signup stays active.
const DemoPeriod = 7 * 24 * time.Hour

// Handler provides HTTP endpoints for signup and tenant settings.
type Handler struct {
	svc     *Service
	authMgr *auth.Manager
}

// NewHandler creates a new tenant handler.
func NewHandler(svc *Service, authMgr *auth.Manager) *Handler {
	return &Handler{svc: svc, authMgr: authMgr}
}

// RegisterPublicRoutes sets up signup.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/signup", h.Signup)
}

// RegisterProtectedRoutes sets up routes scoped to the caller's tenant.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/tenant", h.GetTenant)
	r.PATCH("/tenant", h.UpdateTenant)
	r.GET("/tenant/history", h.History)
	r.GET("/tenant/users", h.ListUsers)
	r.POST("/tenant/users", h.InviteUser)
	r.GET("/tenant/keys", h.ListKeys)
	r.DELETE("/tenant/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/tenants", h.AdminListTenants)
	r.GET("/tenants/:id", h.AdminGetTenant)
}

// AdminListTenants handles GET /v1/admin/tenants?cursor=&limit=
func (h *Handler) AdminListTenants(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	tenants, next, err := h.svc.List(c.Request.Context(), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenants": tenants, "nextCursor": next, "hasMore": next != ""})
}

// AdminGetTenant handles GET /v1/admin/tenants/:id
func (h *Handler) AdminGetTenant(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t, "nextBillingAt": t.NextBillingAt()})
}

// Signup handles POST /v1/signup. It creates a tenant and its first
// (superuser) user, and returns an API key for that user.
func (h *Handler) Signup(c *gin.Context) {
	var req struct {
		Email      string `json:"email" binding:"required,max=254"`
		TenantName string `json:"tenantName" binding:"max=200"`
		Demo       bool   `json:"demo"`
	}
	if !validation.Bind(c, &req) {
		return
	}

	createReq := CreateUserRequest{
		TenantName:  validation.SanitizeString(req.TenantName, 200),
		Email:       req.Email,
		IsSuperuser: true,
	}
	if req.Demo {
		createReq.DemoFor = DemoPeriod
	}

	user, t, err := h.svc.CreateUser(c.Request.Context(), createReq)
	if err != nil {
		writeError(c, err)
		return
	}
	h.issueKey(c, user, t)
}

// InviteUser handles POST /v1/tenant/users. Only tenant superusers may add users.
func (h *Handler) InviteUser(c *gin.Context) {
	if !auth.IsSuperuser(c) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "only superusers can add users"})
		return
	}
	var req struct {
		Email       string `json:"email" binding:"required,max=254"`
		IsSuperuser bool   `json:"isSuperuser"`
	}
	if !validation.Bind(c, &req) {
		return
	}

	user, t, err := h.svc.CreateUser(c.Request.Context(), CreateUserRequest{
		TenantID:    auth.TenantID(c),
		Email:       req.Email,
		IsSuperuser: req.IsSuperuser,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	h.issueKey(c, user, t)
}

func (h *Handler) issueKey(c *gin.Context, user *User, t *Tenant) {
	req := auth.IssueRequest{
		UserID:      user.ID,
		TenantID:    t.ID,
		IsSuperuser: user.IsSuperuser,
		Name:        user.Email,
	}
	if user.DemoExpiresAt != nil {
		req.TTL = time.Until(*user.DemoExpiresAt)
	}
	rawKey, key, err := h.authMgr.GenerateKey(c.Request.Context(), req)
	if err != nil {
		logging.L(c.Request.Context()).Error("api key generation failed", zap.String("user_id", user.ID), zap.Error(err))
		c.JSON(http.StatusCreated, gin.H{
			"tenant":  t,
			"user":    user,
			"warning": "Account created but key generation failed. Contact support.",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"tenant":  t,
		"user":    user,
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

// GetTenant handles GET /v1/tenant
func (h *Handler) GetTenant(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t, "nextBillingAt": t.NextBillingAt()})
}

// UpdateTenant handles PATCH /v1/tenant
func (h *Handler) UpdateTenant(c *gin.Context) {
	var req struct {
		Name                 *string          `json:"name"`
		PriceChangeThreshold *decimal.Decimal `json:"priceChangeThreshold"`
		NotificationsEnabled *bool            `json:"notificationsEnabled"`
	}
	if !validation.Bind(c, &req) {
		return
	}
	if req.Name != nil {
		name := validation.SanitizeString(*req.Name, 200)
		req.Name = &name
	}

	t, err := h.svc.Update(c.Request.Context(), auth.TenantID(c), UpdateRequest{
		Name:                 req.Name,
		PriceChangeThreshold: req.PriceChangeThreshold,
		NotificationsEnabled: req.NotificationsEnabled,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// History handles GET /v1/tenant/history
func (h *Handler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.svc.History(c.Request.Context(), auth.TenantID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries, "count": len(entries)})
}

// ListUsers handles GET /v1/tenant/users
func (h *Handler) ListUsers(c *gin.Context) {
	users, err := h.svc.Users(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// ListKeys handles GET /v1/tenant/keys
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.authMgr.ListKeys(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// RevokeKey handles DELETE /v1/tenant/keys/:keyId
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")
	if err := h.authMgr.RevokeKey(c.Request.Context(), auth.TenantID(c), keyID); err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "key not found"})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "key revoked", "keyId": keyID})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTenantNotFound), errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken", "message": "email already registered"})
	case errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidThreshold),
		errors.Is(err, pagination.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("tenant request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

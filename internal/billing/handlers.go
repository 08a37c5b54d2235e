package billing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/auth"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/plan"
	"github.com/pricewatch/pricewatch/internal/quota"
	"github.com/pricewatch/pricewatch/internal/tenant"
	"github.com/pricewatch/pricewatch/internal/validation"
)

// Handler provides HTTP endpoints for balances, plans and quotas.
type Handler struct {
	manager *Manager
}

// NewHandler creates a billing handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterPublicRoutes exposes the plan catalogue.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/plans", h.ListPlans)
}

// RegisterProtectedRoutes sets up tenant-scoped billing routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/quota", h.GetQuota)
	r.GET("/billing/balance", h.GetBalance)
	r.GET("/billing/history", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only billing routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants/:id/plan", h.AdminSwitchPlan)
	r.POST("/tenants/:id/balance", h.AdminAdjustBalance)
	r.POST("/tenants/:id/quota", h.AdminSetQuota)
	r.POST("/tenants/:id/renew", h.AdminRenew)
	r.PATCH("/plans/:name", h.AdminSetPlanPrice)
}

// ListPlans handles GET /v1/plans
func (h *Handler) ListPlans(c *gin.Context) {
	plans, err := h.manager.Plans(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

// GetQuota handles GET /v1/quota
func (h *Handler) GetQuota(c *gin.Context) {
	q, err := h.manager.Quota(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": q})
}

// GetBalance handles GET /v1/billing/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.manager.Balance(c.Request.Context(), auth.TenantID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /v1/billing/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.manager.History(c.Request.Context(), auth.TenantID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// AdminSwitchPlan handles POST /v1/admin/tenants/:id/plan
func (h *Handler) AdminSwitchPlan(c *gin.Context) {
	var req struct {
		Plan string `json:"plan" binding:"required"`
	}
	if !validation.Bind(c, &req) {
		return
	}
	t, err := h.manager.SwitchPlan(c.Request.Context(), c.Param("id"), req.Plan)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// AdminAdjustBalance handles POST /v1/admin/tenants/:id/balance
func (h *Handler) AdminAdjustBalance(c *gin.Context) {
	var req struct {
		Amount    decimal.Decimal `json:"amount" binding:"rubles"`
		Operation string          `json:"operation" binding:"required,oneof=add deduct"`
		Reason    string          `json:"reason" binding:"max=500"`
	}
	if !validation.Bind(c, &req) {
		return
	}

	ctx := c.Request.Context()
	ref := WithReference("admin", req.Reason)
	var (
		t   *tenant.Tenant
		err error
	)
	if req.Operation == "add" {
		t, err = h.manager.AddToBalance(ctx, c.Param("id"), req.Amount, ref)
	} else {
		t, err = h.manager.DeductFromBalance(ctx, c.Param("id"), req.Amount, ref)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// AdminSetQuota handles POST /v1/admin/tenants/:id/quota
func (h *Handler) AdminSetQuota(c *gin.Context) {
	var req struct {
		Name            string `json:"name" binding:"required,max=100"`
		TotalHours      int    `json:"totalHours" binding:"gte=0"`
		SKUsLimit       int    `json:"skusLimit" binding:"gte=0"`
		ParseUnitsLimit int    `json:"parseUnitsLimit" binding:"gte=0"`
	}
	if !validation.Bind(c, &req) {
		return
	}
	q, err := h.manager.SetQuota(c.Request.Context(), c.Param("id"), req.Name, req.TotalHours, req.SKUsLimit, req.ParseUnitsLimit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quota": q})
}

// AdminRenew handles POST /v1/admin/tenants/:id/renew
func (h *Handler) AdminRenew(c *gin.Context) {
	outcome, err := h.manager.Renew(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome})
}

// AdminSetPlanPrice handles PATCH /v1/admin/plans/:name
func (h *Handler) AdminSetPlanPrice(c *gin.Context) {
	var req struct {
		Price decimal.Decimal `json:"price" binding:"nonneg"`
	}
	if !validation.Bind(c, &req) {
		return
	}
	p, err := h.manager.SetPlanPrice(c.Request.Context(), c.Param("name"), req.Price)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"plan": p})
}

func writeError(c *gin.Context, err error) {
	var exceeded *quota.ExceededError
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound), errors.Is(err, plan.ErrPlanNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, quota.ErrNoQuota):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_quota", "message": "no quota assigned"})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidPlan),
		errors.Is(err, plan.ErrInvalidPrice), errors.Is(err, quota.ErrInvalidLimits):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_balance", "message": "insufficient balance"})
	case errors.As(err, &exceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "quota_exceeded", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("billing request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

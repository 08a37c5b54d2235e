package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation to operators.
type Handler struct {
	timer *Timer
}

// NewHandler creates a reconciliation handler.
func NewHandler(timer *Timer) *Handler {
	return &Handler{timer: timer}
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.GetLast)
	r.POST("/reconciliation/run", h.RunNow)
}

// GetLast handles GET /v1/admin/reconciliation
func (h *Handler) GetLast(c *gin.Context) {
	report := h.timer.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

// RunNow handles POST /v1/admin/reconciliation/run
func (h *Handler) RunNow(c *gin.Context) {
	report := h.timer.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"report": report, "healthy": report.Healthy()})
}

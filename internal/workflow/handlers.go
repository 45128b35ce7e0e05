package workflow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paycore/internal/validation"
)

// Handler provides HTTP endpoints for workflow runs.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new workflow handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes sets up public (read-only) workflow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/workflows/templates", h.ListTemplates)
	r.GET("/workflows/:id", h.GetRun)
}

// RegisterProtectedRoutes sets up routes that start or change runs.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/workflows", h.StartWorkflow)
	r.POST("/workflows/:id/cancel", h.CancelRun)
}

// StartWorkflow handles POST /v1/workflows
func (h *Handler) StartWorkflow(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("template", req.Template),
		validation.Required("orderId", req.OrderID),
		validation.Required("payerId", req.PayerID),
		validation.Required("paymentMethod", req.PaymentMethod),
		validation.ValidIdentifier("orderId", req.OrderID),
		validation.ValidIdentifier("payerId", req.PayerID),
		validation.MaxLength("paymentMethod", req.PaymentMethod, 32),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	run, err := h.orch.StartWorkflow(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrUnknownTemplate) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_template",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to start workflow",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"runId":         run.ID,
		"correlationId": run.CorrelationID,
		"status":        run.Status,
	})
}

// GetRun handles GET /v1/workflows/:id
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.orch.GetRunStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Workflow run not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelRun handles POST /v1/workflows/:id/cancel
func (h *Handler) CancelRun(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}
	reason := validation.SanitizeString(req.Reason, 500)
	if reason == "" {
		reason = "cancelled by operator"
	}

	run, err := h.orch.CancelRun(c.Request.Context(), c.Param("id"), reason)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrRunNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrAlreadyTerminal):
			status = http.StatusConflict
			code = "already_terminal"
		}
		c.JSON(status, gin.H{
			"error":   code,
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

// ListTemplates handles GET /v1/workflows/templates
func (h *Handler) ListTemplates(c *gin.Context) {
	templates := h.orch.Registry().List()
	c.JSON(http.StatusOK, gin.H{
		"templates": templates,
		"count":     len(templates),
	})
}

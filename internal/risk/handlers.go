package risk

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paycore/internal/pagination"
	"github.com/mbd888/paycore/internal/validation"
)

// Handler provides HTTP endpoints for risk checks and blacklist management.
type Handler struct {
	engine    *Engine
	blacklist Blacklist
}

// NewHandler creates a new risk handler. blacklist may be nil, in which case
// the blacklist routes report 501.
func NewHandler(engine *Engine, blacklist Blacklist) *Handler {
	return &Handler{engine: engine, blacklist: blacklist}
}

// RegisterRoutes sets up risk routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/risk/payers/:payerId", h.ListByPayer)
	r.GET("/risk/:transactionId", h.GetScore)
}

// RegisterProtectedRoutes sets up operator-only risk routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/risk/check", h.Check)
	r.POST("/risk/blacklist", h.AddBlacklist)
	r.DELETE("/risk/blacklist", h.RemoveBlacklist)
}

// Check handles POST /v1/risk/check. Standalone checks always get a fresh
// transaction ID; a caller-supplied one is ignored so it cannot collide with
// a workflow run's recorded score.
func (h *Handler) Check(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("payerId", req.PayerID),
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req.TransactionID = ""
	score := h.engine.CheckRisk(c.Request.Context(), &req)
	c.JSON(http.StatusOK, gin.H{"score": score})
}

// GetScore handles GET /v1/risk/:transactionId
func (h *Handler) GetScore(c *gin.Context) {
	score, err := h.engine.Get(c.Request.Context(), c.Param("transactionId"))
	if err != nil {
		if errors.Is(err, ErrScoreNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Risk score not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"score": score})
}

// ListByPayer handles GET /v1/risk/payers/:payerId
func (h *Handler) ListByPayer(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	if h.engine.store == nil {
		c.JSON(http.StatusOK, gin.H{"scores": []*Score{}, "count": 0, "hasMore": false})
		return
	}

	var opts []ListOption
	if cursor := c.Query("cursor"); cursor != "" {
		if _, err := pagination.Decode(cursor); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "cursor is malformed",
			})
			return
		}
		opts = append(opts, WithCursor(cursor))
	}

	scores, err := h.engine.store.ListByPayer(c.Request.Context(), c.Param("payerId"), limit+1, opts...)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if scores == nil {
		scores = []*Score{}
	}
	page := pagination.ComputePage(scores, limit, func(s *Score) (time.Time, string) {
		return s.CheckedAt, s.TransactionID
	})
	c.JSON(http.StatusOK, gin.H{
		"scores":     page.Items,
		"count":      len(page.Items),
		"hasMore":    page.HasMore,
		"nextCursor": page.NextCursor,
	})
}

type blacklistRequest struct {
	Key string `json:"key" binding:"required"`
}

// AddBlacklist handles POST /v1/risk/blacklist
func (h *Handler) AddBlacklist(c *gin.Context) {
	h.mutateBlacklist(c, true)
}

// RemoveBlacklist handles DELETE /v1/risk/blacklist
func (h *Handler) RemoveBlacklist(c *gin.Context) {
	h.mutateBlacklist(c, false)
}

func (h *Handler) mutateBlacklist(c *gin.Context, add bool) {
	if h.blacklist == nil {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error":   "not_configured",
			"message": "Blacklist is not configured",
		})
		return
	}
	var req blacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Body must include a key",
		})
		return
	}

	var err error
	if add {
		err = h.blacklist.Add(c.Request.Context(), req.Key)
	} else {
		err = h.blacklist.Remove(c.Request.Context(), req.Key)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_key",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"key": req.Key, "blacklisted": add})
}

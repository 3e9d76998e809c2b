package evaluator

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rcl/internal/decisions"
	"github.com/mbd888/rcl/internal/logging"
)

// ReplayHeader is set on responses that return an already recorded decision.
const ReplayHeader = "X-Idempotent-Replay"

const webhookConfigMessage = "Webhook configuration is planned for the enforcement phase. Currently RCL operates in shadow mode (observe-only)."

// Handler provides HTTP endpoints for payout evaluation.
type Handler struct {
	service *Service
}

// NewHandler creates a new evaluation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up evaluation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/evaluate", h.Evaluate)
	r.POST("/decision", h.Evaluate)
	r.POST("/webhook-config", h.WebhookConfig)
}

// Evaluate handles POST /v1/evaluate
func (h *Handler) Evaluate(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	d, replayed, err := h.service.Evaluate(c.Request.Context(), req)
	if err != nil {
		h.abort(c, err)
		return
	}
	if replayed {
		c.Header(ReplayHeader, "true")
	}
	c.JSON(http.StatusOK, d)
}

func (h *Handler) abort(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrPolicyUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy_unavailable", "message": "policy not loaded"})
	case errors.Is(err, decisions.ErrPersistenceUnavailable):
		logging.L(c.Request.Context()).Error("evaluation not recorded", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence_unavailable", "message": "decision ledger unavailable, no verdict recorded"})
	default:
		logging.L(c.Request.Context()).Error("evaluation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "evaluation failed"})
	}
}

// WebhookConfig handles POST /v1/webhook-config
func (h *Handler) WebhookConfig(c *gin.Context) {
	c.JSON(http.StatusNotImplemented, gin.H{"error": "not_implemented", "message": webhookConfigMessage})
}

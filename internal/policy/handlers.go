package policy

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rcl/internal/logging"
	"github.com/mbd888/rcl/internal/rules"
)

const maxPolicyBody = 64 << 10

// Handler provides HTTP endpoints for reading and updating the policy.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new policy handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/policy", h.Get)
	r.PUT("/policy", h.Update)
	r.GET("/policy/history", h.History)
	r.GET("/rules", h.ListRules)
}

type policyResponse struct {
	Version      int                        `json:"version"`
	Policy       map[string]json.RawMessage `json:"policy"`
	UpdatedAt    time.Time                  `json:"updated_at"`
	Unrecognized []string                   `json:"unrecognized_rules,omitempty"`
}

func render(p *Policy) (policyResponse, error) {
	doc, err := p.Document()
	if err != nil {
		return policyResponse{}, err
	}
	return policyResponse{
		Version:      p.Version,
		Policy:       doc,
		UpdatedAt:    p.UpdatedAt,
		Unrecognized: p.Unrecognized(),
	}, nil
}

// Get handles GET /v1/policy
func (h *Handler) Get(c *gin.Context) {
	p := h.manager.Snapshot()
	if p == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy_unavailable", "message": "policy not loaded"})
		return
	}
	resp, err := render(p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Update handles PUT /v1/policy
func (h *Handler) Update(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPolicyBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "could not read body"})
		return
	}
	if len(body) > maxPolicyBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "invalid_request", "message": "policy body too large"})
		return
	}

	doc, err := ParseDocument(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}

	p, err := h.manager.Update(c.Request.Context(), doc)
	if err != nil {
		switch {
		case errors.Is(err, rules.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		case errors.Is(err, ErrVersionConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "version_conflict", "message": "policy changed concurrently, retry"})
		case errors.Is(err, ErrPersistenceUnavailable):
			logging.L(c.Request.Context()).Error("policy update failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence_unavailable", "message": "policy store unavailable"})
		default:
			logging.L(c.Request.Context()).Error("policy update failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to update policy"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"version": p.Version, "updated_at": p.UpdatedAt})
}

// History handles GET /v1/policy/history
func (h *Handler) History(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	versions, err := h.manager.History(c.Request.Context(), limit)
	if err != nil {
		if errors.Is(err, ErrPersistenceUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence_unavailable", "message": "policy store unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	out := make([]policyResponse, 0, len(versions))
	for _, p := range versions {
		resp, err := render(p)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}
		out = append(out, resp)
	}
	c.JSON(http.StatusOK, gin.H{"versions": out, "count": len(out)})
}

// ListRules handles GET /v1/rules
func (h *Handler) ListRules(c *gin.Context) {
	p := h.manager.Snapshot()
	if p == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "policy_unavailable", "message": "policy not loaded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rules": p.ListRules(), "policy_version": p.Version})
}

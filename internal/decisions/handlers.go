package decisions

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rcl/internal/logging"
	"github.com/mbd888/rcl/internal/pagination"
	"github.com/mbd888/rcl/internal/rules"
)

// Handler provides HTTP endpoints for the decision audit trail.
type Handler struct {
	store Store
}

// NewHandler creates a new decisions handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/decisions", h.List)
	r.GET("/audit", h.List)
	r.GET("/decisions/export", h.Export)
	r.GET("/stats", h.Stats)
}

// parseTime accepts RFC 3339 or a bare date. A bare date_to covers the
// whole day.
func parseTime(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrInvalidFilter, v)
	}
	if endOfDay {
		t = t.Add(24 * time.Hour)
	}
	return t, nil
}

func filterFromQuery(c *gin.Context) (Filter, error) {
	f := Filter{
		EntityID: c.Query("entity_id"),
		Verdict:  rules.Verdict(c.Query("verdict")),
		Tenant:   c.Query("tenant"),
		Scenario: c.Query("scenario"),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, fmt.Errorf("%w: limit must be a positive integer", ErrInvalidFilter)
		}
		f.Limit = n
	}
	if v := c.Query("date_from"); v != "" {
		t, err := parseTime(v, false)
		if err != nil {
			return f, err
		}
		f.From = t
	}
	if v := c.Query("date_to"); v != "" {
		t, err := parseTime(v, true)
		if err != nil {
			return f, err
		}
		f.To = t
	}
	cur, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		return f, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	if cur != nil {
		f.Before = &Position{EvaluatedAt: cur.At, ID: cur.ID}
	}
	return f.Normalize()
}

func abort(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidFilter):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrPersistenceUnavailable):
		logging.L(c.Request.Context()).Error("decision ledger unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence_unavailable", "message": "decision ledger unavailable"})
	default:
		logging.L(c.Request.Context()).Error("decision query failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to read decisions"})
	}
}

// List handles GET /v1/decisions
func (h *Handler) List(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		abort(c, err)
		return
	}
	list, err := h.store.Query(c.Request.Context(), f)
	if err != nil {
		abort(c, err)
		return
	}
	if list == nil {
		list = []*Decision{}
	}

	resp := gin.H{"decisions": list, "count": len(list)}
	if len(list) == f.Limit {
		last := list[len(list)-1]
		resp["next_cursor"] = pagination.Encode(last.EvaluatedAt, last.ID)
	}
	c.JSON(http.StatusOK, resp)
}

// Export handles GET /v1/decisions/export
func (h *Handler) Export(c *gin.Context) {
	f, err := filterFromQuery(c)
	if err != nil {
		abort(c, err)
		return
	}
	ctx := c.Request.Context()
	if err := h.store.Ping(ctx); err != nil {
		abort(c, err)
		return
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")

	switch format := c.DefaultQuery("format", "csv"); format {
	case "csv":
		c.Header("Content-Type", "text/csv; charset=utf-8")
		c.Header("Content-Disposition", `attachment; filename="rcl-decisions-`+stamp+`.csv"`)
		c.Status(http.StatusOK)
		err = WriteCSV(ctx, c.Writer, h.store, f)
	case "json":
		c.Header("Content-Type", "application/json; charset=utf-8")
		c.Header("Content-Disposition", `attachment; filename="rcl-decisions-`+stamp+`.json"`)
		c.Status(http.StatusOK)
		err = WriteJSON(ctx, c.Writer, h.store, f)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "format must be csv or json"})
		return
	}
	if err != nil {
		// Headers are gone; all we can do is cut the stream short.
		logging.L(ctx).Error("decision export aborted", "error", err)
		_ = c.Error(err)
	}
}

// Stats handles GET /v1/stats
func (h *Handler) Stats(c *gin.Context) {
	st, err := h.store.Stats(c.Request.Context(), c.Query("tenant"), c.Query("scenario"))
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

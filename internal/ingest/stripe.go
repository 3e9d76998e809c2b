// Package ingest turns provider webhooks into payout evaluations.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/rcl/internal/amount"
	"github.com/mbd888/rcl/internal/decisions"
	"github.com/mbd888/rcl/internal/evaluator"
	"github.com/mbd888/rcl/internal/logging"
	"github.com/mbd888/rcl/internal/metrics"
)

// Stripe caps webhook payloads at 64KB.
const maxStripePayload = 65536

// Evaluator records a verdict for one payout event.
type Evaluator interface {
	Evaluate(ctx context.Context, req evaluator.Request) (*decisions.Decision, bool, error)
}

// payoutEvents are the Stripe event types that carry a payout object.
var payoutEvents = map[stripe.EventType]bool{
	"payout.created": true,
	"payout.updated": true,
	"payout.paid":    true,
}

// zeroDecimal lists Stripe currencies whose amounts are already whole units.
var zeroDecimal = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true,
	"KRW": true, "MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true,
	"VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// StripeHandler verifies Stripe webhooks and evaluates payout events.
type StripeHandler struct {
	eval     Evaluator
	secret   string
	tenant   string
	scenario string
}

// NewStripeHandler creates a handler that attributes every payout to
// tenant and scenario.
func NewStripeHandler(eval Evaluator, secret, tenant, scenario string) *StripeHandler {
	return &StripeHandler{eval: eval, secret: secret, tenant: tenant, scenario: scenario}
}

// RegisterRoutes sets up ingestion routes.
func (h *StripeHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/ingest/stripe", h.Handle)
}

// Handle handles POST /v1/ingest/stripe
func (h *StripeHandler) Handle(c *gin.Context) {
	ctx := c.Request.Context()
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxStripePayload+1))
	if err != nil || len(payload) > maxStripePayload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "invalid_request", "message": "webhook payload too large"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.StripeEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		logging.L(ctx).Warn("stripe webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": "webhook signature verification failed"})
		return
	}

	req, err := h.request(event)
	if err != nil {
		outcome := "ignored"
		if !errors.Is(err, errNotPayout) {
			outcome = "skipped"
			logging.L(ctx).Warn("stripe payout skipped", "event_id", event.ID, "type", event.Type, "error", err)
		}
		metrics.StripeEventsTotal.WithLabelValues(string(event.Type), outcome).Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "evaluated": false})
		return
	}

	d, replayed, err := h.eval.Evaluate(ctx, req)
	if err != nil {
		metrics.StripeEventsTotal.WithLabelValues(string(event.Type), "failed").Inc()
		if errors.Is(err, evaluator.ErrInvalidRequest) {
			c.JSON(http.StatusOK, gin.H{"received": true, "evaluated": false})
			return
		}
		// Any non-2xx makes Stripe redeliver later.
		logging.L(ctx).Error("stripe payout not evaluated", "event_id", event.ID, "payout_id", req.EventID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence_unavailable", "message": "payout not evaluated, retry later"})
		return
	}

	metrics.StripeEventsTotal.WithLabelValues(string(event.Type), "evaluated").Inc()
	if replayed {
		c.Header(evaluator.ReplayHeader, "true")
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "evaluated": true, "decision": d})
}

var errNotPayout = errors.New("ingest: not a payout event")

// request maps a verified payout event onto an evaluation request.
func (h *StripeHandler) request(event stripe.Event) (evaluator.Request, error) {
	if !payoutEvents[event.Type] || event.Data == nil {
		return evaluator.Request{}, errNotPayout
	}
	var payout stripe.Payout
	if err := json.Unmarshal(event.Data.Raw, &payout); err != nil {
		return evaluator.Request{}, err
	}
	if payout.ID == "" {
		return evaluator.Request{}, errors.New("ingest: payout has no id")
	}

	entity := event.Account
	if entity == "" && payout.Destination != nil {
		entity = payout.Destination.ID
	}
	if entity == "" {
		return evaluator.Request{}, errors.New("ingest: payout has no account or destination")
	}

	currency := strings.ToUpper(string(payout.Currency))
	decimals := 2
	if zeroDecimal[currency] {
		decimals = 0
	}
	amt, err := amount.FromMinor(payout.Amount, decimals)
	if err != nil {
		return evaluator.Request{}, err
	}

	// Timestamp stays zero: windows run on the server clock that prior
	// decisions were recorded with, not on Stripe's creation time.
	return evaluator.Request{
		EventID:   payout.ID,
		Tenant:    h.tenant,
		Scenario:  h.scenario,
		EntityID:  entity,
		Amount:    amt,
		Currency:  currency,
		EventType: "stripe." + string(event.Type),
	}, nil
}

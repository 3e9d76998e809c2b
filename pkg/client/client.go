// Package client is a Go client for the RCL shadow-mode API.
//
// Evaluate fails open: when RCL is unreachable, slow, or answers with an
// error, it returns an allow decision with Fallback set instead of an
// error, so a payout pipeline never stalls on RCL.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mbd888/rcl/internal/circuitbreaker"
)

// DefaultTimeout bounds each request.
const DefaultTimeout = 3 * time.Second

// APIError is a non-2xx answer from RCL.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rcl: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("rcl: HTTP %d", e.Status)
}

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// BreakerThreshold consecutive evaluate failures open the circuit for
	// BreakerCooldown, during which Evaluate falls back without calling out.
	BreakerThreshold int
	BreakerCooldown  time.Duration
	HTTPClient       *http.Client
}

// Client talks to one RCL deployment.
type Client struct {
	base    string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// New creates a client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    hc,
		breaker: circuitbreaker.New(cfg.BreakerThreshold, cfg.BreakerCooldown),
	}
}

// Evaluate submits a payout event. It never returns an error: any failure
// yields an allow Decision with Fallback and Error set.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) *Decision {
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}

	var d Decision
	err := c.breaker.Do("evaluate", func() error {
		resp, err := c.do(ctx, http.MethodPost, "/v1/evaluate", nil, req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil {
			return fmt.Errorf("rcl: decode decision: %w", err)
		}
		d.Replayed = resp.Header.Get("X-Idempotent-Replay") == "true"
		return nil
	})
	if err != nil {
		return &Decision{
			EventID:  req.EventID,
			EntityID: req.EntityID,
			Amount:   json.Number(req.Amount),
			Verdict:  VerdictAllow,
			Reason:   "RCL unavailable, failed open",
			Fallback: true,
			Error:    err.Error(),
		}
	}
	return &d
}

// Health returns the service health. A 503 still decodes.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rcl: health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("rcl: decode health: %w", err)
	}
	return &h, nil
}

// Decisions fetches one page of the audit log.
func (c *Client) Decisions(ctx context.Context, q DecisionQuery) (*DecisionPage, error) {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("tenant", q.Tenant)
	set("scenario", q.Scenario)
	set("entity_id", q.EntityID)
	set("verdict", q.Verdict)
	set("date_from", q.DateFrom)
	set("date_to", q.DateTo)
	set("cursor", q.Cursor)
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}

	var page DecisionPage
	if err := c.getJSON(ctx, "/v1/decisions", v, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ExportCSV downloads the decision log as CSV for an optional date range.
func (c *Client) ExportCSV(ctx context.Context, dateFrom, dateTo string) ([]byte, error) {
	v := url.Values{"format": {"csv"}}
	if dateFrom != "" {
		v.Set("date_from", dateFrom)
	}
	if dateTo != "" {
		v.Set("date_to", dateTo)
	}
	resp, err := c.do(ctx, http.MethodGet, "/v1/decisions/export", v, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return io.ReadAll(resp.Body)
}

// Stats returns ledger totals, optionally scoped. The raw JSON is returned
// as served.
func (c *Client) Stats(ctx context.Context, tenant, scenario string) (json.RawMessage, error) {
	v := url.Values{}
	if tenant != "" {
		v.Set("tenant", tenant)
	}
	if scenario != "" {
		v.Set("scenario", scenario)
	}
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/v1/stats", v, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Rules returns the evaluation-ordered rule listing as served.
func (c *Client) Rules(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, "/v1/rules", nil, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Policy returns the current policy.
func (c *Client) Policy(ctx context.Context) (*Policy, error) {
	var p Policy
	if err := c.getJSON(ctx, "/v1/policy", nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePolicy merges rules into the policy and returns the new version.
func (c *Client) UpdatePolicy(ctx context.Context, rules map[string]json.RawMessage) (*PolicyUpdate, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/policy", nil, rules)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	var u PolicyUpdate
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return nil, fmt.Errorf("rcl: decode policy update: %w", err)
	}
	return &u, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rcl: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, q url.Values, body any) (*http.Request, error) {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("rcl: marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, fmt.Errorf("rcl: create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do sends a request and turns non-2xx answers into *APIError.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, q, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rcl: %s %s: %w", method, path, err)
	}
	if resp.StatusCode/100 == 2 {
		return resp, nil
	}
	defer func() { _ = resp.Body.Close() }()

	apiErr := &APIError{Status: resp.StatusCode}
	var payload apiError
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &payload) == nil {
		apiErr.Code, apiErr.Message = payload.Code, payload.Message
	}
	return nil, apiErr
}

// IsUnauthorized reports whether err is a 401 from RCL.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

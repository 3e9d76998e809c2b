package client

import (
	"encoding/json"
	"time"
)

// Verdicts returned by RCL.
const (
	VerdictAllow         = "allow"
	VerdictHoldForReview = "hold-for-review"
	VerdictBlock         = "block"
)

// EvaluateRequest is one payout event. Amount is a decimal string
// ("15000", "12.50") so no precision is lost in transit.
type EvaluateRequest struct {
	EventID   string    `json:"event_id"`
	EntityID  string    `json:"entity_id"`
	Amount    string    `json:"amount"`
	Tenant    string    `json:"tenant,omitempty"`
	Scenario  string    `json:"scenario,omitempty"`
	Currency  string    `json:"currency,omitempty"`
	EventType string    `json:"event_type,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Decision is the verdict recorded for an event.
type Decision struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	Tenant        string          `json:"tenant"`
	Scenario      string          `json:"scenario"`
	EntityID      string          `json:"entity_id"`
	Amount        json.Number     `json:"amount"`
	Currency      string          `json:"currency"`
	EventType     string          `json:"event_type"`
	EventTS       time.Time       `json:"event_ts"`
	Verdict       string          `json:"verdict"`
	RuleID        *string         `json:"rule_id"`
	Reason        string          `json:"reason"`
	RuleSnapshot  json.RawMessage `json:"rule_snapshot,omitempty"`
	PolicyVersion int             `json:"policy_version"`
	EvaluatedAt   time.Time       `json:"evaluated_at"`

	// Replayed is set when RCL had already recorded this event.
	Replayed bool `json:"-"`
	// Fallback is set when RCL could not be reached and the client
	// answered allow on its own. Error carries the cause.
	Fallback bool   `json:"-"`
	Error    string `json:"-"`
}

// Flagged reports whether the verdict is anything but allow.
func (d *Decision) Flagged() bool {
	return d.Verdict != VerdictAllow
}

// DecisionQuery filters GET /v1/decisions. Zero fields are omitted.
type DecisionQuery struct {
	Tenant   string
	Scenario string
	EntityID string
	Verdict  string
	DateFrom string // RFC 3339 or YYYY-MM-DD
	DateTo   string
	Limit    int
	Cursor   string
}

// DecisionPage is one page of audit results.
type DecisionPage struct {
	Decisions  []Decision `json:"decisions"`
	Count      int        `json:"count"`
	NextCursor string     `json:"next_cursor"`
}

// Policy is the current rule set.
type Policy struct {
	Version           int                        `json:"version"`
	Policy            map[string]json.RawMessage `json:"policy"`
	UpdatedAt         time.Time                  `json:"updated_at"`
	UnrecognizedRules []string                   `json:"unrecognized_rules,omitempty"`
}

// PolicyUpdate is the acknowledgement of PUT /v1/policy.
type PolicyUpdate struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Health is the /health payload.
type Health struct {
	Status      string          `json:"status"`
	Service     string          `json:"service"`
	Mode        string          `json:"mode"`
	Version     string          `json:"version"`
	Commit      string          `json:"commit"`
	Storage     string          `json:"storage"`
	DBHealthy   bool            `json:"db_healthy"`
	AuthEnabled bool            `json:"auth_enabled"`
	UptimeS     int64           `json:"uptime_s"`
	Checks      json.RawMessage `json:"checks,omitempty"`
}

type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// Package decisions is the append-only ledger of verdicts. It is the
// source of truth for audit queries and for the windowed aggregates the
// rule evaluator reads.
//
// A decision is written once per (tenant, scenario, event_id) and never
// updated or deleted. Concurrent submissions of the same event converge
// on the first stored row through the store's uniqueness constraint.
package decisions

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/rcl/internal/amount"
	"github.com/mbd888/rcl/internal/rules"
)

// Errors
var (
	ErrNotFound               = errors.New("decisions: not found")
	ErrPersistenceUnavailable = errors.New("decisions: persistence unavailable")
	ErrInvalidFilter          = errors.New("decisions: invalid filter")
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Key is the idempotency key of a decision.
type Key struct {
	Tenant   string
	Scenario string
	EventID  string
}

// EntityKey scopes aggregates. Aggregates never cross tenant or scenario.
type EntityKey struct {
	Tenant   string
	Scenario string
	EntityID string
}

// Decision is one recorded verdict.
type Decision struct {
	ID            string          `json:"id"`
	EventID       string          `json:"event_id"`
	Tenant        string          `json:"tenant"`
	Scenario      string          `json:"scenario"`
	EntityID      string          `json:"entity_id"`
	Amount        amount.Amount   `json:"amount"`
	Currency      string          `json:"currency"`
	EventType     string          `json:"event_type"`
	EventTS       time.Time       `json:"event_ts"`
	Verdict       rules.Verdict   `json:"verdict"`
	RuleID        *string         `json:"rule_id"`
	Reason        string          `json:"reason"`
	RuleSnapshot  json.RawMessage `json:"rule_snapshot,omitempty"`
	PolicyVersion int             `json:"policy_version"`
	EvaluatedAt   time.Time       `json:"evaluated_at"`
}

// Key returns the decision's idempotency key.
func (d *Decision) Key() Key {
	return Key{Tenant: d.Tenant, Scenario: d.Scenario, EventID: d.EventID}
}

// EntityKey returns the aggregate scope of the decision.
func (d *Decision) EntityKey() EntityKey {
	return EntityKey{Tenant: d.Tenant, Scenario: d.Scenario, EntityID: d.EntityID}
}

func (d *Decision) clone() *Decision {
	cp := *d
	if d.RuleID != nil {
		id := *d.RuleID
		cp.RuleID = &id
	}
	if d.RuleSnapshot != nil {
		cp.RuleSnapshot = append(json.RawMessage(nil), d.RuleSnapshot...)
	}
	return &cp
}

// Filter narrows an audit query. Empty fields match everything. From and
// To bound evaluated_at as [From, To).
type Filter struct {
	Limit    int
	EntityID string
	Verdict  rules.Verdict
	Tenant   string
	Scenario string
	From     time.Time
	To       time.Time
	// Before resumes a listing after the given (evaluated_at, id) position.
	Before *Position
}

// Position is a point in the (evaluated_at DESC, id DESC) ordering.
type Position struct {
	EvaluatedAt time.Time
	ID          string
}

// Normalize applies the default limit and rejects bad values.
func (f Filter) Normalize() (Filter, error) {
	switch {
	case f.Limit == 0:
		f.Limit = DefaultQueryLimit
	case f.Limit < 0 || f.Limit > MaxQueryLimit:
		return f, ErrInvalidFilter
	}
	if f.Verdict != "" && !f.Verdict.Valid() {
		return f, ErrInvalidFilter
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, ErrInvalidFilter
	}
	return f, nil
}

func (f Filter) matches(d *Decision) bool {
	if f.EntityID != "" && d.EntityID != f.EntityID {
		return false
	}
	if f.Verdict != "" && d.Verdict != f.Verdict {
		return false
	}
	if f.Tenant != "" && d.Tenant != f.Tenant {
		return false
	}
	if f.Scenario != "" && d.Scenario != f.Scenario {
		return false
	}
	if !f.From.IsZero() && d.EvaluatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !d.EvaluatedAt.Before(f.To) {
		return false
	}
	if f.Before != nil && !before(d, f.Before) {
		return false
	}
	return true
}

// before reports whether d sorts strictly after p in descending order.
func before(d *Decision, p *Position) bool {
	if d.EvaluatedAt.Equal(p.EvaluatedAt) {
		return d.ID < p.ID
	}
	return d.EvaluatedAt.Before(p.EvaluatedAt)
}

// Stats are derived counts over a tenant/scenario slice of the ledger.
type Stats struct {
	Tenant        string                `json:"tenant,omitempty"`
	Scenario      string                `json:"scenario,omitempty"`
	Total         int                   `json:"total"`
	ByVerdict     map[rules.Verdict]int `json:"by_verdict"`
	BlockedAmount amount.Amount         `json:"blocked_amount"`
	HeldAmount    amount.Amount         `json:"held_amount"`
	Entities      int                   `json:"entities"`
}

func newStats(tenant, scenario string) *Stats {
	return &Stats{
		Tenant:   tenant,
		Scenario: scenario,
		ByVerdict: map[rules.Verdict]int{
			rules.Allow:         0,
			rules.HoldForReview: 0,
			rules.Block:         0,
		},
	}
}

// AggregateView answers windowed questions for one EntityKey inside a
// single consistent read.
type AggregateView = rules.Aggregates

// Store is the decision ledger. There is no update or delete.
type Store interface {
	// Lookup returns ErrNotFound when no decision exists for key.
	Lookup(ctx context.Context, key Key) (*Decision, error)
	// InsertIfAbsent appends d unless its key exists. It returns the stored
	// decision and whether this call inserted it; a key conflict returns
	// the existing row, not an error.
	InsertIfAbsent(ctx context.Context, d *Decision) (*Decision, bool, error)
	// Query lists decisions most recent first.
	Query(ctx context.Context, f Filter) ([]*Decision, error)
	Stats(ctx context.Context, tenant, scenario string) (*Stats, error)
	// ReadAggregates runs fn against a consistent view of key's history.
	ReadAggregates(ctx context.Context, key EntityKey, fn func(AggregateView) error) error
	Ping(ctx context.Context) error
}

func (s *Stats) add(v rules.Verdict, n int, total amount.Amount) {
	s.Total += n
	s.ByVerdict[v] += n
	switch v {
	case rules.Block:
		s.BlockedAmount = s.BlockedAmount.Add(total)
	case rules.HoldForReview:
		s.HeldAmount = s.HeldAmount.Add(total)
	}
}

// Package rules defines the fixed set of payout rule types and how each
// one evaluates an event against historical aggregates.
//
// The set of rule kinds is closed: Ceiling, Velocity and Cohort are the
// only implementations of Rule. Thresholds are configurable, the logic is
// not.
package rules

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/rcl/internal/amount"
)

// Verdict is the outcome recorded for an event.
type Verdict string

const (
	Allow         Verdict = "allow"
	HoldForReview Verdict = "hold-for-review"
	Block         Verdict = "block"
)

// Valid reports whether v is one of the three known verdicts.
func (v Verdict) Valid() bool {
	switch v {
	case Allow, HoldForReview, Block:
		return true
	}
	return false
}

// Kind names a rule variant.
type Kind string

const (
	KindCeiling  Kind = "ceiling"
	KindVelocity Kind = "velocity"
	KindCohort   Kind = "cohort"
)

// Kinds lists every rule kind in evaluation priority order.
var Kinds = []Kind{KindCeiling, KindVelocity, KindCohort}

// Priority returns the evaluation rank of a kind (lower runs first).
func (k Kind) Priority() int {
	for i, kk := range Kinds {
		if kk == k {
			return i
		}
	}
	return len(Kinds)
}

const ceilingWindow = 24 * time.Hour

// Input is the part of a payout event that rules look at.
type Input struct {
	EntityID  string
	Amount    amount.Amount
	Timestamp time.Time
}

// Aggregates answers windowed questions about one entity's prior decisions.
// Windows are open at both ends: (asOf-window, asOf). A decision exactly
// window old has aged out.
type Aggregates interface {
	SumAmount(ctx context.Context, asOf time.Time, window time.Duration) (amount.Amount, error)
	CountEvents(ctx context.Context, asOf time.Time, window time.Duration) (int, error)
	FirstSeen(ctx context.Context) (time.Time, bool, error)
}

// Rule is implemented only by Ceiling, Velocity and Cohort.
type Rule interface {
	Kind() Kind
	Description() string
	// Evaluate returns nil when the rule does not breach.
	Evaluate(ctx context.Context, id string, in Input, agg Aggregates) (*Breach, error)
	validate(id string) error
	sealed()
}

// -----------------------------------------------------------------------------
// Ceiling
// -----------------------------------------------------------------------------

// Ceiling caps the aggregate outbound amount per entity over 24 hours.
type Ceiling struct {
	DailyLimit amount.Amount `json:"daily_limit"`
	Action     Verdict       `json:"action"`
}

func (Ceiling) Kind() Kind          { return KindCeiling }
func (Ceiling) Description() string { return "Aggregate outbound per entity per 24h" }
func (Ceiling) sealed()             {}

func (c Ceiling) Evaluate(ctx context.Context, id string, in Input, agg Aggregates) (*Breach, error) {
	sum, err := agg.SumAmount(ctx, in.Timestamp, ceilingWindow)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", id, err)
	}
	total := sum.Add(in.Amount)
	if total <= c.DailyLimit {
		return nil, nil
	}
	return &Breach{
		RuleID:  id,
		Verdict: c.Action,
		Reason:  fmt.Sprintf("24h total %s exceeds daily limit %s", total, c.DailyLimit),
		Snapshot: map[string]any{
			"rule_type":   KindCeiling,
			"daily_limit": c.DailyLimit,
			"window_sum":  sum,
			"amount":      in.Amount,
			"total":       total,
		},
	}, nil
}

func (c Ceiling) validate(id string) error {
	if c.DailyLimit <= 0 {
		return invalid(id, "daily_limit", "must be positive")
	}
	return validateAction(id, c.Action)
}

// -----------------------------------------------------------------------------
// Velocity
// -----------------------------------------------------------------------------

// Velocity limits the number of events per entity inside a window.
type Velocity struct {
	MaxTxPerHour int     `json:"max_tx_per_hour"`
	WindowHours  int     `json:"window_hours"`
	Action       Verdict `json:"action"`
}

func (Velocity) Kind() Kind          { return KindVelocity }
func (Velocity) Description() string { return "Tx count per entity per window" }
func (Velocity) sealed()             {}

// Limit is the maximum number of events allowed in the whole window.
func (v Velocity) Limit() int {
	return v.MaxTxPerHour * v.WindowHours
}

func (v Velocity) Evaluate(ctx context.Context, id string, in Input, agg Aggregates) (*Breach, error) {
	prior, err := agg.CountEvents(ctx, in.Timestamp, time.Duration(v.WindowHours)*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", id, err)
	}
	count := prior + 1
	limit := v.Limit()
	if count <= limit {
		return nil, nil
	}
	return &Breach{
		RuleID:  id,
		Verdict: v.Action,
		Reason:  fmt.Sprintf("%d transactions in %dh exceeds limit of %d", count, v.WindowHours, limit),
		Snapshot: map[string]any{
			"rule_type":       KindVelocity,
			"max_tx_per_hour": v.MaxTxPerHour,
			"window_hours":    v.WindowHours,
			"prior_count":     prior,
			"count":           count,
			"limit":           limit,
		},
	}, nil
}

func (v Velocity) validate(id string) error {
	if v.MaxTxPerHour <= 0 {
		return invalid(id, "max_tx_per_hour", "must be positive")
	}
	if v.WindowHours <= 0 || v.WindowHours > maxWindowHours {
		return invalid(id, "window_hours", fmt.Sprintf("must be between 1 and %d", maxWindowHours))
	}
	if v.MaxTxPerHour > math.MaxInt/v.WindowHours {
		return invalid(id, "max_tx_per_hour", "too large for the window")
	}
	return validateAction(id, v.Action)
}

// -----------------------------------------------------------------------------
// Cohort
// -----------------------------------------------------------------------------

// Cohort applies single-transaction thresholds to entities first seen
// less than NewEntityDays ago. Established entities never trigger it.
type Cohort struct {
	BlockThreshold amount.Amount `json:"block_threshold"`
	HoldThreshold  amount.Amount `json:"hold_threshold"`
	NewEntityDays  int           `json:"new_entity_days"`
}

func (Cohort) Kind() Kind          { return KindCohort }
func (Cohort) Description() string { return "Hold/block if single tx from a new entity exceeds threshold" }
func (Cohort) sealed()             {}

func (c Cohort) Evaluate(ctx context.Context, id string, in Input, agg Aggregates) (*Breach, error) {
	first, seen, err := agg.FirstSeen(ctx)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", id, err)
	}
	age := time.Duration(0)
	if seen {
		age = max(in.Timestamp.Sub(first), 0)
		if age >= time.Duration(c.NewEntityDays)*24*time.Hour {
			return nil, nil
		}
	}

	var verdict Verdict
	var threshold amount.Amount
	switch {
	case in.Amount >= c.BlockThreshold:
		verdict, threshold = Block, c.BlockThreshold
	case in.Amount >= c.HoldThreshold:
		verdict, threshold = HoldForReview, c.HoldThreshold
	default:
		return nil, nil
	}

	seenText := "never seen"
	snap := map[string]any{
		"rule_type":       KindCohort,
		"block_threshold": c.BlockThreshold,
		"hold_threshold":  c.HoldThreshold,
		"new_entity_days": c.NewEntityDays,
		"amount":          in.Amount,
		"first_seen":      nil,
	}
	if seen {
		seenText = fmt.Sprintf("first seen %.1f days ago", age.Hours()/24)
		snap["first_seen"] = first.UTC().Format(time.RFC3339Nano)
	}
	return &Breach{
		RuleID:   id,
		Verdict:  verdict,
		Reason:   fmt.Sprintf("New entity (%s): amount %s >= %s threshold %s", seenText, in.Amount, verdict, threshold),
		Snapshot: snap,
	}, nil
}

func (c Cohort) validate(id string) error {
	if c.BlockThreshold <= 0 {
		return invalid(id, "block_threshold", "must be positive")
	}
	if c.HoldThreshold <= 0 {
		return invalid(id, "hold_threshold", "must be positive")
	}
	if c.HoldThreshold > c.BlockThreshold {
		return invalid(id, "hold_threshold", "must not exceed block_threshold")
	}
	if c.NewEntityDays < 0 || c.NewEntityDays > maxEntityDays {
		return invalid(id, "new_entity_days", fmt.Sprintf("must be between 0 and %d", maxEntityDays))
	}
	return nil
}

const (
	maxWindowHours = 24 * 31
	maxEntityDays  = 3650
)

func validateAction(id string, a Verdict) error {
	switch a {
	case HoldForReview, Block:
		return nil
	}
	return invalid(id, "action", fmt.Sprintf("must be %q or %q, got %q", HoldForReview, Block, a))
}

var (
	_ Rule = Ceiling{}
	_ Rule = Velocity{}
	_ Rule = Cohort{}
)

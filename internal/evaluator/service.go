package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/rcl/internal/amount"
	"github.com/mbd888/rcl/internal/decisions"
	"github.com/mbd888/rcl/internal/idgen"
	"github.com/mbd888/rcl/internal/logging"
	"github.com/mbd888/rcl/internal/metrics"
	"github.com/mbd888/rcl/internal/policy"
	"github.com/mbd888/rcl/internal/retry"
	"github.com/mbd888/rcl/internal/rules"
	"github.com/mbd888/rcl/internal/syncutil"
	"github.com/mbd888/rcl/internal/traces"
	"github.com/mbd888/rcl/internal/validation"
)

// Errors
var (
	ErrInvalidRequest    = errors.New("evaluator: invalid request")
	ErrPolicyUnavailable = errors.New("evaluator: no policy loaded")
)

const (
	DefaultTenant    = "default"
	DefaultScenario  = "default"
	DefaultCurrency  = "USD"
	DefaultEventType = "payout"
)

// Request is one payout event submitted for evaluation.
type Request struct {
	EventID   string        `json:"event_id"`
	Tenant    string        `json:"tenant"`
	Scenario  string        `json:"scenario"`
	EntityID  string        `json:"entity_id"`
	Amount    amount.Amount `json:"amount"`
	Currency  string        `json:"currency"`
	EventType string        `json:"event_type"`
	// Timestamp is when the payout happened. Windows are measured back
	// from it. Zero means now.
	Timestamp time.Time `json:"timestamp"`
}

// normalize fills defaults and validates r in place.
func (r *Request) normalize(now time.Time) error {
	r.EventID = validation.SanitizeString(r.EventID, validation.MaxIdentifierLength+1)
	r.EntityID = validation.SanitizeString(r.EntityID, validation.MaxIdentifierLength+1)
	r.Tenant = validation.SanitizeString(r.Tenant, validation.MaxIdentifierLength+1)
	r.Scenario = validation.SanitizeString(r.Scenario, validation.MaxIdentifierLength+1)
	r.EventType = validation.SanitizeString(r.EventType, validation.MaxIdentifierLength+1)
	r.Currency = validation.NormalizeCurrency(r.Currency)

	if r.Tenant == "" {
		r.Tenant = DefaultTenant
	}
	if r.Scenario == "" {
		r.Scenario = DefaultScenario
	}
	if r.Currency == "" {
		r.Currency = DefaultCurrency
	}
	if r.EventType == "" {
		r.EventType = DefaultEventType
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	r.Timestamp = r.Timestamp.UTC().Truncate(time.Microsecond)

	errs := validation.Validate(
		validation.Required("event_id", r.EventID),
		validation.Identifier("event_id", r.EventID),
		validation.Required("entity_id", r.EntityID),
		validation.Identifier("entity_id", r.EntityID),
		validation.Identifier("tenant", r.Tenant),
		validation.Identifier("scenario", r.Scenario),
		validation.Identifier("event_type", r.EventType),
		validation.Currency("currency", r.Currency),
	)
	if r.Amount < 0 {
		errs = append(errs, validation.ValidationError{Field: "amount", Message: "must not be negative"})
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, errs)
	}
	return nil
}

// PolicySource supplies the current policy snapshot.
type PolicySource interface {
	Snapshot() *policy.Policy
}

// Publisher receives newly recorded decisions (never replays).
type Publisher interface {
	PublishDecision(d *decisions.Decision)
}

// Service records one verdict per (tenant, scenario, event_id).
type Service struct {
	ledger   decisions.Store
	policies PolicySource
	locks    *syncutil.ContextShardedMutex
	retry    retry.Policy
	now      func() time.Time
	newID    func() string
	feed     Publisher
}

// NewService creates an evaluation service over ledger and policies.
func NewService(ledger decisions.Store, policies PolicySource) *Service {
	p := retry.Default
	p.Retryable = func(err error) bool { return errors.Is(err, decisions.ErrPersistenceUnavailable) }
	return &Service{
		ledger:   ledger,
		policies: policies,
		locks:    syncutil.NewContextShardedMutex(),
		retry:    p,
		now:      time.Now,
		newID:    idgen.New,
	}
}

// WithClock replaces the evaluation clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDs replaces the decision id generator.
func (s *Service) WithIDs(newID func() string) *Service {
	s.newID = newID
	return s
}

// WithRetry replaces the store retry policy. Retryable is kept when p has none.
func (s *Service) WithRetry(p retry.Policy) *Service {
	if p.Retryable == nil {
		p.Retryable = s.retry.Retryable
	}
	s.retry = p
	return s
}

// WithPublisher sets the live feed for new decisions.
func (s *Service) WithPublisher(p Publisher) *Service {
	s.feed = p
	return s
}

// Evaluate returns the decision for req, computing and recording it if the
// event is new. replayed is true when the decision already existed; its
// stored fields win over anything in req.
//
// Any store failure aborts without recording and wraps
// decisions.ErrPersistenceUnavailable. No verdict is ever substituted.
func (s *Service) Evaluate(ctx context.Context, req Request) (d *decisions.Decision, replayed bool, err error) {
	start := time.Now()
	if err := req.normalize(s.now()); err != nil {
		return nil, false, err
	}

	ctx, span := traces.StartSpan(ctx, "evaluator.Evaluate",
		traces.Tenant(req.Tenant), traces.Scenario(req.Scenario),
		traces.EventID(req.EventID), traces.EntityID(req.EntityID))
	defer func() {
		if err != nil {
			span.RecordError(err)
		} else {
			span.SetAttributes(traces.Verdict(string(d.Verdict)), traces.Replayed(replayed),
				traces.PolicyVersion(d.PolicyVersion))
		}
		span.End()
	}()

	key := decisions.Key{Tenant: req.Tenant, Scenario: req.Scenario, EventID: req.EventID}
	if existing, err := s.lookup(ctx, key); err != nil {
		return nil, false, err
	} else if existing != nil {
		metrics.DuplicateSubmissionsTotal.WithLabelValues("lookup").Inc()
		return existing, true, nil
	}

	p := s.policies.Snapshot()
	if p == nil {
		return nil, false, ErrPolicyUnavailable
	}

	ek := decisions.EntityKey{Tenant: req.Tenant, Scenario: req.Scenario, EntityID: req.EntityID}
	unlock, err := s.locks.LockContext(ctx, entityLockKey(ek))
	if err != nil {
		return nil, false, s.persistenceError("lock", err)
	}
	defer unlock()

	in := rules.Input{EntityID: req.EntityID, Amount: req.Amount, Timestamp: req.Timestamp}
	var result rules.Result
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		return s.ledger.ReadAggregates(ctx, ek, func(view decisions.AggregateView) error {
			var err error
			result, err = Evaluate(ctx, p, in, view)
			return err
		})
	})
	if err != nil {
		return nil, false, s.persistenceError("aggregates", err)
	}

	candidate, err := s.decide(req, p, result)
	if err != nil {
		return nil, false, err
	}

	var inserted bool
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		d, inserted, err = s.ledger.InsertIfAbsent(ctx, candidate)
		return err
	})
	if err != nil {
		return nil, false, s.persistenceError("insert", err)
	}
	if !inserted {
		metrics.DuplicateSubmissionsTotal.WithLabelValues("conflict").Inc()
		return d, true, nil
	}

	rule := "none"
	if d.RuleID != nil {
		rule = *d.RuleID
	}
	metrics.EvaluationsTotal.WithLabelValues(string(d.Verdict), rule).Inc()
	metrics.EvaluationDuration.Observe(time.Since(start).Seconds())
	if d.Verdict != rules.Allow {
		logging.L(ctx).Info("payout flagged",
			"tenant", d.Tenant, "scenario", d.Scenario, "event_id", d.EventID,
			"entity_id", d.EntityID, "verdict", d.Verdict, "rule_id", rule,
			"amount", d.Amount.String(), "policy_version", d.PolicyVersion)
	}
	if s.feed != nil {
		s.feed.PublishDecision(d)
	}
	return d, false, nil
}

func (s *Service) lookup(ctx context.Context, key decisions.Key) (*decisions.Decision, error) {
	var found *decisions.Decision
	err := s.retry.Do(ctx, func(ctx context.Context) error {
		d, err := s.ledger.Lookup(ctx, key)
		if errors.Is(err, decisions.ErrNotFound) {
			return nil
		}
		found = d
		return err
	})
	if err != nil {
		return nil, s.persistenceError("lookup", err)
	}
	return found, nil
}

// decide builds the decision row for a fresh evaluation.
func (s *Service) decide(req Request, p *policy.Policy, result rules.Result) (*decisions.Decision, error) {
	d := &decisions.Decision{
		ID:            s.newID(),
		EventID:       req.EventID,
		Tenant:        req.Tenant,
		Scenario:      req.Scenario,
		EntityID:      req.EntityID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		EventType:     req.EventType,
		EventTS:       req.Timestamp,
		PolicyVersion: p.Version,
		EvaluatedAt:   s.now().UTC().Truncate(time.Microsecond),
	}

	switch r := result.(type) {
	case rules.NoBreach:
		d.Verdict = rules.Allow
		d.Reason = rules.AllowReason
	case *rules.Breach:
		snapshot, err := json.Marshal(r.Snapshot)
		if err != nil {
			return nil, fmt.Errorf("encode rule snapshot: %w", err)
		}
		id := r.RuleID
		d.RuleID = &id
		d.Verdict = r.Verdict
		d.Reason = r.Reason
		d.RuleSnapshot = snapshot
	default:
		return nil, fmt.Errorf("evaluator: unexpected result %T", result)
	}
	return d, nil
}

func (s *Service) persistenceError(op string, err error) error {
	metrics.PersistenceErrorsTotal.WithLabelValues(op).Inc()
	if errors.Is(err, decisions.ErrPersistenceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", decisions.ErrPersistenceUnavailable, op, err)
}

// entityLockKey serializes read-evaluate-append per entity inside a process.
func entityLockKey(k decisions.EntityKey) string {
	return syncutil.Key(k.Tenant, k.Scenario, k.EntityID)
}

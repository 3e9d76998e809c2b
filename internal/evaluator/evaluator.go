// Package evaluator turns payout events into recorded verdicts.
//
// Evaluate is the pure rule pass: policy snapshot plus aggregate view in,
// NoBreach or the first Breach out. Service wraps it with idempotency,
// per-entity serialization and the append to the decision ledger.
package evaluator

import (
	"context"

	"github.com/mbd888/rcl/internal/logging"
	"github.com/mbd888/rcl/internal/metrics"
	"github.com/mbd888/rcl/internal/policy"
	"github.com/mbd888/rcl/internal/rules"
)

// Evaluate runs p's rules against in in priority order and returns the
// first breach. It reads through agg only and writes nothing; the same
// inputs always produce the same result. An aggregate read error aborts
// the pass and is returned as is.
//
// Stored rules of an unknown type are skipped for this pass and counted.
func Evaluate(ctx context.Context, p *policy.Policy, in rules.Input, agg rules.Aggregates) (rules.Result, error) {
	for _, id := range p.Unrecognized() {
		metrics.UnrecognizedRulesTotal.WithLabelValues(id).Inc()
		logging.L(ctx).Warn("skipping rule with unrecognized type",
			"rule_id", id, "policy_version", p.Version)
	}

	for _, e := range p.Ordered() {
		b, err := e.Rule.Evaluate(ctx, e.ID, in, agg)
		if err != nil {
			return nil, err
		}
		if b == nil {
			continue
		}
		if b.Snapshot == nil {
			b.Snapshot = map[string]any{}
		}
		b.Snapshot["policy_version"] = p.Version
		return b, nil
	}
	return rules.NoBreach{}, nil
}

package decisions

import (
	"context"
	"sort"
	"time"

	"github.com/mbd888/rcl/internal/amount"
)

// Aggregate views answer the evaluator's window questions for one
// EntityKey. Both readers answer over the open interval
// (asOf-window, asOf), so a decision exactly one window old no longer counts.

// memoryView reads one entity's sorted history under the store's read lock.
type memoryView struct {
	points []point
}

// window returns the index range [lo, hi) of points in (asOf-window, asOf).
func (v memoryView) window(asOf time.Time, window time.Duration) (int, int) {
	from := asOf.Add(-window)
	lo := sort.Search(len(v.points), func(i int) bool { return v.points[i].at.After(from) })
	hi := sort.Search(len(v.points), func(i int) bool { return !v.points[i].at.Before(asOf) })
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

func (v memoryView) SumAmount(_ context.Context, asOf time.Time, window time.Duration) (amount.Amount, error) {
	lo, hi := v.window(asOf, window)
	var sum amount.Amount
	for _, p := range v.points[lo:hi] {
		sum = sum.Add(p.amount)
	}
	return sum, nil
}

func (v memoryView) CountEvents(_ context.Context, asOf time.Time, window time.Duration) (int, error) {
	lo, hi := v.window(asOf, window)
	return hi - lo, nil
}

func (v memoryView) FirstSeen(context.Context) (time.Time, bool, error) {
	if len(v.points) == 0 {
		return time.Time{}, false, nil
	}
	return v.points[0].at, true, nil
}

// sqlView runs aggregate queries inside the ReadAggregates transaction.
// Each one is a range scan on idx_decisions_entity_window.
type sqlView struct {
	store *SQLStore
	q     queryer
	key   EntityKey
}

func (v *sqlView) keyClause() string {
	return `tenant = ` + v.store.ph(1) + ` AND scenario = ` + v.store.ph(2) + ` AND entity_id = ` + v.store.ph(3)
}

func (v *sqlView) windowArgs(asOf time.Time, window time.Duration) []any {
	return []any{v.key.Tenant, v.key.Scenario, v.key.EntityID, v.store.ts(asOf.Add(-window)), v.store.ts(asOf)}
}

func (v *sqlView) SumAmount(ctx context.Context, asOf time.Time, window time.Duration) (amount.Amount, error) {
	var sum int64
	err := v.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_micros), 0) FROM decisions
		WHERE `+v.keyClause()+`
		  AND evaluated_at > `+v.store.ph(4)+` AND evaluated_at < `+v.store.ph(5),
		v.windowArgs(asOf, window)...).Scan(&sum)
	if err != nil {
		return 0, unavailable("sum", err)
	}
	return amount.Amount(sum), nil
}

func (v *sqlView) CountEvents(ctx context.Context, asOf time.Time, window time.Duration) (int, error) {
	var n int
	err := v.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM decisions
		WHERE `+v.keyClause()+`
		  AND evaluated_at > `+v.store.ph(4)+` AND evaluated_at < `+v.store.ph(5),
		v.windowArgs(asOf, window)...).Scan(&n)
	if err != nil {
		return 0, unavailable("count", err)
	}
	return n, nil
}

func (v *sqlView) FirstSeen(ctx context.Context) (time.Time, bool, error) {
	var first timeColumn
	err := v.q.QueryRowContext(ctx, `
		SELECT MIN(evaluated_at) FROM decisions
		WHERE `+v.keyClause(),
		v.key.Tenant, v.key.Scenario, v.key.EntityID).Scan(&first)
	if err != nil {
		return time.Time{}, false, unavailable("first_seen", err)
	}
	return first.t, first.valid, nil
}

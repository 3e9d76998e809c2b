package decisions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mbd888/rcl/internal/amount"
	"github.com/mbd888/rcl/internal/rules"
)

// TestWindowMatchesBruteForce checks the indexed window against a linear
// scan. Offsets are in minutes around base, so many land exactly on
// window edges.
func TestWindowMatchesBruteForce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sum and count agree with a linear scan", prop.ForAll(
		func(offsets []int64, windowHours int) bool {
			ctx := context.Background()
			s := NewMemoryStore()
			window := time.Duration(windowHours) * time.Hour
			from := base.Add(-window)

			var wantSum amount.Amount
			wantCount := 0
			for i, off := range offsets {
				at := base.Add(time.Duration(off) * time.Minute)
				d := mk(fmt.Sprintf("d-%d", i), "t1", "payouts", fmt.Sprintf("e-%d", i), "acct-1", int64(i+1), at, rules.Allow)
				if _, _, err := s.InsertIfAbsent(ctx, d); err != nil {
					return false
				}
				if at.After(from) && at.Before(base) {
					wantSum = wantSum.Add(d.Amount)
					wantCount++
				}
			}

			ok := true
			_ = s.ReadAggregates(ctx, EntityKey{Tenant: "t1", Scenario: "payouts", EntityID: "acct-1"}, func(v AggregateView) error {
				sum, _ := v.SumAmount(ctx, base, window)
				n, _ := v.CountEvents(ctx, base, window)
				ok = sum == wantSum && n == wantCount
				return nil
			})
			return ok
		},
		gen.SliceOf(gen.Int64Range(-48*60, 48*60)),
		gen.IntRange(1, 48),
	))

	properties.TestingRun(t)
}

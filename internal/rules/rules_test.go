package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rcl/internal/amount"
)

type fakeAggregates struct {
	sum       amount.Amount
	count     int
	firstSeen time.Time
	seen      bool
	err       error

	lastWindow time.Duration
	lastAsOf   time.Time
}

func (f *fakeAggregates) SumAmount(_ context.Context, asOf time.Time, window time.Duration) (amount.Amount, error) {
	f.lastAsOf, f.lastWindow = asOf, window
	return f.sum, f.err
}

func (f *fakeAggregates) CountEvents(_ context.Context, asOf time.Time, window time.Duration) (int, error) {
	f.lastAsOf, f.lastWindow = asOf, window
	return f.count, f.err
}

func (f *fakeAggregates) FirstSeen(context.Context) (time.Time, bool, error) {
	return f.firstSeen, f.seen, f.err
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestDecode_InfersKindFromShape(t *testing.T) {
	tests := []struct {
		name string
		body string
		want Rule
	}{
		{"ceiling", `{"daily_limit": 500000, "action": "block"}`, Ceiling{DailyLimit: amount.FromUnits(500000), Action: Block}},
		{"ceiling default action", `{"daily_limit": "1000"}`, Ceiling{DailyLimit: amount.FromUnits(1000), Action: Block}},
		{"velocity", `{"max_tx_per_hour": 50, "window_hours": 2, "action": "block"}`, Velocity{MaxTxPerHour: 50, WindowHours: 2, Action: Block}},
		{"velocity defaults", `{"max_tx_per_hour": 10}`, Velocity{MaxTxPerHour: 10, WindowHours: 1, Action: HoldForReview}},
		{"cohort", `{"block_threshold": 100000, "hold_threshold": 50000, "new_entity_days": 7}`, Cohort{BlockThreshold: amount.FromUnits(100000), HoldThreshold: amount.FromUnits(50000), NewEntityDays: 7}},
		{"cohort default days", `{"block_threshold": 10, "hold_threshold": 5}`, Cohort{BlockThreshold: amount.FromUnits(10), HoldThreshold: amount.FromUnits(5), NewEntityDays: 30}},
		{"explicit type agrees", `{"type": "ceiling", "daily_limit": 1}`, Ceiling{DailyLimit: amount.FromUnits(1), Action: Block}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode("R-X", json.RawMessage(tt.body))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		unknownKind bool
	}{
		{"not an object", `[1,2]`, false},
		{"string", `"daily_limit"`, false},
		{"null", `null`, false},
		{"no known fields", `{"threshold": 5}`, true},
		{"empty object", `{}`, true},
		{"unknown declared type", `{"type": "drift", "daily_limit": 5}`, true},
		{"type disagrees", `{"type": "velocity", "daily_limit": 5}`, false},
		{"mixed shapes", `{"daily_limit": 5, "max_tx_per_hour": 3}`, false},
		{"extra field", `{"daily_limit": 5, "colour": "red"}`, false},
		{"zero limit", `{"daily_limit": 0}`, false},
		{"negative limit", `{"daily_limit": -1}`, false},
		{"allow action", `{"daily_limit": 5, "action": "allow"}`, false},
		{"bogus action", `{"max_tx_per_hour": 5, "action": "explode"}`, false},
		{"zero window", `{"max_tx_per_hour": 5, "window_hours": 0}`, false},
		{"huge window", `{"max_tx_per_hour": 5, "window_hours": 100000}`, false},
		{"missing max tx", `{"window_hours": 5}`, false},
		{"max tx overflows window", `{"max_tx_per_hour": 9223372036854775807, "window_hours": 2}`, false},
		{"hold above block", `{"block_threshold": 5, "hold_threshold": 10}`, false},
		{"negative days", `{"block_threshold": 5, "hold_threshold": 1, "new_entity_days": -1}`, false},
		{"wrong field type", `{"max_tx_per_hour": "many"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode("R-X", json.RawMessage(tt.body))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidation)
			assert.Equal(t, tt.unknownKind, errors.Is(err, ErrUnknownKind))

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "R-X", ve.RuleID)
		})
	}
}

func TestEncode_RoundTripsWithTypeTag(t *testing.T) {
	in := Velocity{MaxTxPerHour: 50, WindowHours: 1, Action: HoldForReview}
	raw, err := Encode(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"velocity","max_tx_per_hour":50,"window_hours":1,"action":"hold-for-review"}`, string(raw))

	out, err := Decode("R-VEL", raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCeiling_Evaluate(t *testing.T) {
	rule := Ceiling{DailyLimit: amount.FromUnits(500000), Action: Block}

	t.Run("breach when total exceeds limit", func(t *testing.T) {
		agg := &fakeAggregates{sum: amount.FromUnits(550000)}
		b, err := rule.Evaluate(context.Background(), "R-CEIL", Input{EntityID: "E", Amount: amount.FromUnits(50000), Timestamp: now}, agg)
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.Equal(t, "R-CEIL", b.RuleID)
		assert.Equal(t, Block, b.Verdict)
		assert.Contains(t, b.Reason, "600000")
		assert.Contains(t, b.Reason, "500000")
		assert.Equal(t, amount.FromUnits(600000), b.Snapshot["total"])
		assert.Equal(t, 24*time.Hour, agg.lastWindow)
		assert.Equal(t, now, agg.lastAsOf)
	})

	t.Run("total equal to limit passes", func(t *testing.T) {
		agg := &fakeAggregates{sum: amount.FromUnits(450000)}
		b, err := rule.Evaluate(context.Background(), "R-CEIL", Input{Amount: amount.FromUnits(50000), Timestamp: now}, agg)
		require.NoError(t, err)
		assert.Nil(t, b)
	})

	t.Run("current event alone can breach", func(t *testing.T) {
		b, err := rule.Evaluate(context.Background(), "R-CEIL", Input{Amount: amount.FromUnits(500001), Timestamp: now}, &fakeAggregates{})
		require.NoError(t, err)
		assert.NotNil(t, b)
	})

	t.Run("aggregate error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := rule.Evaluate(context.Background(), "R-CEIL", Input{Timestamp: now}, &fakeAggregates{err: boom})
		assert.ErrorIs(t, err, boom)
	})
}

func TestVelocity_Evaluate(t *testing.T) {
	rule := Velocity{MaxTxPerHour: 50, WindowHours: 1, Action: HoldForReview}

	agg := &fakeAggregates{count: 49}
	b, err := rule.Evaluate(context.Background(), "R-VEL", Input{Timestamp: now}, agg)
	require.NoError(t, err)
	assert.Nil(t, b, "50th event is within the limit")

	agg.count = 50
	b, err = rule.Evaluate(context.Background(), "R-VEL", Input{Timestamp: now}, agg)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, HoldForReview, b.Verdict)
	assert.Equal(t, 51, b.Snapshot["count"])
	assert.Equal(t, time.Hour, agg.lastWindow)

	wide := Velocity{MaxTxPerHour: 10, WindowHours: 3, Action: Block}
	agg = &fakeAggregates{count: 29}
	b, err = wide.Evaluate(context.Background(), "R-VEL", Input{Timestamp: now}, agg)
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Equal(t, 3*time.Hour, agg.lastWindow)
}

func TestCohort_Evaluate(t *testing.T) {
	rule := Cohort{BlockThreshold: amount.FromUnits(100000), HoldThreshold: amount.FromUnits(50000), NewEntityDays: 30}
	fiveDaysAgo := now.Add(-5 * 24 * time.Hour)

	tests := []struct {
		name    string
		agg     *fakeAggregates
		amt     int64
		verdict Verdict
	}{
		{"new entity large amount blocks", &fakeAggregates{firstSeen: fiveDaysAgo, seen: true}, 150000, Block},
		{"new entity at block threshold blocks", &fakeAggregates{firstSeen: fiveDaysAgo, seen: true}, 100000, Block},
		{"new entity mid amount holds", &fakeAggregates{firstSeen: fiveDaysAgo, seen: true}, 50000, HoldForReview},
		{"new entity small amount passes", &fakeAggregates{firstSeen: fiveDaysAgo, seen: true}, 49999, ""},
		{"never seen counts as new", &fakeAggregates{}, 150000, Block},
		{"established entity never triggers", &fakeAggregates{firstSeen: now.Add(-31 * 24 * time.Hour), seen: true}, 150000, ""},
		{"exactly at cutoff is established", &fakeAggregates{firstSeen: now.Add(-30 * 24 * time.Hour), seen: true}, 150000, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := rule.Evaluate(context.Background(), "R-COHORT", Input{Amount: amount.FromUnits(tt.amt), Timestamp: now}, tt.agg)
			require.NoError(t, err)
			if tt.verdict == "" {
				assert.Nil(t, b)
				return
			}
			require.NotNil(t, b)
			assert.Equal(t, tt.verdict, b.Verdict)
			assert.Equal(t, "R-COHORT", b.RuleID)
		})
	}
}

func TestCohort_FirstSeenAfterEventReadsAsZeroDays(t *testing.T) {
	rule := Cohort{BlockThreshold: amount.FromUnits(100000), HoldThreshold: amount.FromUnits(50000), NewEntityDays: 30}
	agg := &fakeAggregates{firstSeen: now.Add(time.Minute), seen: true}

	b, err := rule.Evaluate(context.Background(), "R-COHORT", Input{Amount: amount.FromUnits(150000), Timestamp: now}, agg)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Contains(t, b.Reason, "first seen 0.0 days ago")
	assert.NotContains(t, b.Reason, "-0.0")
}

func TestVelocity_LimitAtLargestValidRate(t *testing.T) {
	raw := json.RawMessage(fmt.Sprintf(`{"max_tx_per_hour": %d, "window_hours": 2}`, math.MaxInt/2))
	r, err := Decode("R-VEL", raw)
	require.NoError(t, err)

	b, err := r.Evaluate(context.Background(), "R-VEL", Input{Amount: amount.FromUnits(1), Timestamp: now}, &fakeAggregates{})
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Positive(t, r.(Velocity).Limit())
}

func TestKindPriority(t *testing.T) {
	assert.Less(t, KindCeiling.Priority(), KindVelocity.Priority())
	assert.Less(t, KindVelocity.Priority(), KindCohort.Priority())
	assert.Equal(t, len(Kinds), Kind("drift").Priority())
}

func TestVerdictValid(t *testing.T) {
	assert.True(t, Allow.Valid())
	assert.True(t, HoldForReview.Valid())
	assert.True(t, Block.Valid())
	assert.False(t, Verdict("deny").Valid())
}

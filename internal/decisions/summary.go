package decisions

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mbd888/rcl/internal/metrics"
	"github.com/mbd888/rcl/internal/rules"
)

// Summarizer periodically totals the ledger, logs the result and refreshes
// the ledger gauges.
type Summarizer struct {
	store  Store
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewSummarizer creates a summary job over store.
func NewSummarizer(store Store, logger *slog.Logger) *Summarizer {
	return &Summarizer{
		store:  store,
		cron:   cron.New(),
		logger: logger.With("component", "decisions.summary"),
	}
}

// Start schedules the job with a standard five-field cron expression
// (for example "*/15 * * * *"). An empty schedule disables it. The job
// stops when ctx is cancelled.
func (s *Summarizer) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		s.logger.Info("summary schedule not configured")
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid summary schedule %q: %w", schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if _, err := s.cron.AddFunc(schedule, func() { _, _ = s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule summary: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("summary job started", "schedule", schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce computes stats across all tenants and publishes them.
func (s *Summarizer) RunOnce(ctx context.Context) (*Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	st, err := s.store.Stats(ctx, "", "")
	if err != nil {
		s.logger.Error("ledger summary failed", "error", err)
		return nil, err
	}
	for _, v := range []rules.Verdict{rules.Allow, rules.HoldForReview, rules.Block} {
		metrics.LedgerDecisions.WithLabelValues(string(v)).Set(float64(st.ByVerdict[v]))
	}
	metrics.LedgerBlockedAmount.Set(st.BlockedAmount.Float64())

	s.logger.Info("ledger summary",
		"total", st.Total,
		"allow", st.ByVerdict[rules.Allow],
		"hold_for_review", st.ByVerdict[rules.HoldForReview],
		"block", st.ByVerdict[rules.Block],
		"blocked_amount", st.BlockedAmount.String(),
		"held_amount", st.HeldAmount.String(),
		"entities", st.Entities,
	)
	return st, nil
}

// Stop halts the schedule and waits for a running job to finish.
func (s *Summarizer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("summary job stopped")
}

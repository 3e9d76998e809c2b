package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/rcl/internal/logging"
	"github.com/mbd888/rcl/internal/metrics"
)

const maxUpdateAttempts = 3

// Manager publishes policy snapshots. Reads are lock-free; writes are
// serialized by mu in-process and by the store's version key across
// processes.
type Manager struct {
	store   Store
	mu      sync.Mutex
	current atomic.Pointer[Policy]
	now     func() time.Time
}

// NewManager creates a manager over store. Call Load before serving reads.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// WithClock overrides the clock used to stamp updated_at.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Snapshot returns the current published policy, or nil before Load.
func (m *Manager) Snapshot() *Policy {
	return m.current.Load()
}

// Load publishes the latest stored version. When the store is empty it
// installs seed (or DefaultDocument when seed is nil) as version 1.
func (m *Manager) Load(ctx context.Context, seed map[string]json.RawMessage) (*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Latest(ctx)
	if err == nil {
		p, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		m.publish(p)
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if seed == nil {
		seed = DefaultDocument()
	}
	decoded, err := decodeAll(seed)
	if err != nil {
		return nil, fmt.Errorf("seed policy: %w", err)
	}
	first := merge(&Policy{}, decoded, m.now().UTC().Truncate(time.Microsecond))

	rec, err = toRecord(first)
	if err != nil {
		return nil, err
	}
	switch err := m.store.Append(ctx, rec); {
	case err == nil:
		logging.L(ctx).Info("policy seeded", "version", first.Version, "rules", first.Len())
		m.publish(first)
		return first, nil
	case errors.Is(err, ErrVersionConflict):
		// Another process seeded first.
		return m.refreshLocked(ctx)
	default:
		return nil, err
	}
}

// Refresh publishes the latest stored version if it is newer than the
// current snapshot.
func (m *Manager) Refresh(ctx context.Context) (*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked(ctx)
}

func (m *Manager) refreshLocked(ctx context.Context) (*Policy, error) {
	rec, err := m.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	cur := m.current.Load()
	if cur != nil && cur.Version >= rec.Version {
		return cur, nil
	}
	p, err := fromRecord(rec)
	if err != nil {
		return nil, err
	}
	m.publish(p)
	return p, nil
}

// Update validates doc, merges it rule-by-rule into the current snapshot
// and publishes the result as the next version. An invalid doc leaves the
// policy unchanged.
func (m *Manager) Update(ctx context.Context, doc map[string]json.RawMessage) (*Policy, error) {
	update, err := decodeAll(doc)
	if err != nil {
		metrics.PolicyUpdatesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		base := m.current.Load()
		if base == nil {
			return nil, ErrNotLoaded
		}
		next := merge(base, update, m.stamp(base))

		rec, err := toRecord(next)
		if err != nil {
			return nil, err
		}
		err = m.store.Append(ctx, rec)
		if err == nil {
			m.publish(next)
			metrics.PolicyUpdatesTotal.WithLabelValues("applied").Inc()
			logging.L(ctx).Info("policy updated",
				"version", next.Version,
				"changed_rules", len(update))
			return next, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			metrics.PolicyUpdatesTotal.WithLabelValues("error").Inc()
			return nil, err
		}

		// A concurrent writer in another process took this version.
		metrics.PolicyUpdatesTotal.WithLabelValues("conflict").Inc()
		if _, err := m.refreshLocked(ctx); err != nil {
			return nil, err
		}
	}
	return nil, ErrVersionConflict
}

// History returns stored versions, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]*Policy, error) {
	recs, err := m.store.History(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Policy, 0, len(recs))
	for _, rec := range recs {
		p, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// stamp returns an updated_at strictly after base's.
func (m *Manager) stamp(base *Policy) time.Time {
	t := m.now().UTC().Truncate(time.Microsecond)
	if !t.After(base.UpdatedAt) {
		t = base.UpdatedAt.Add(time.Microsecond)
	}
	return t
}

func (m *Manager) publish(p *Policy) {
	m.current.Store(p)
	metrics.PolicyVersion.Set(float64(p.Version))
}

// ListRules projects the current snapshot for display.
func (m *Manager) ListRules() []RuleInfo {
	p := m.Snapshot()
	if p == nil {
		return nil
	}
	return p.ListRules()
}

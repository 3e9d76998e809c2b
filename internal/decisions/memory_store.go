package decisions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/rcl/internal/amount"
)

// point is one prior decision as the aggregate layer sees it.
type point struct {
	at     time.Time
	amount amount.Amount
}

// MemoryStore is an in-memory ledger for tests and demo mode. Each entity
// keeps its history sorted by evaluated_at so window queries are binary
// searches, not scans.
type MemoryStore struct {
	mu       sync.RWMutex
	byKey    map[Key]*Decision
	byEntity map[EntityKey][]point
	all      []*Decision // insertion order
}

// NewMemoryStore creates a new in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:    make(map[Key]*Decision),
		byEntity: make(map[EntityKey][]point),
	}
}

func (m *MemoryStore) Lookup(_ context.Context, key Key) (*Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) InsertIfAbsent(_ context.Context, d *Decision) (*Decision, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byKey[d.Key()]; ok {
		return existing.clone(), false, nil
	}

	stored := d.clone()
	m.byKey[d.Key()] = stored
	m.all = append(m.all, stored)

	ek := d.EntityKey()
	pts := m.byEntity[ek]
	i := sort.Search(len(pts), func(i int) bool { return pts[i].at.After(stored.EvaluatedAt) })
	pts = append(pts, point{})
	copy(pts[i+1:], pts[i:])
	pts[i] = point{at: stored.EvaluatedAt, amount: stored.Amount}
	m.byEntity[ek] = pts

	return stored.clone(), true, nil
}

func (m *MemoryStore) Query(_ context.Context, f Filter) ([]*Decision, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	var matched []*Decision
	for _, d := range m.all {
		if f.matches(d) {
			matched = append(matched, d.clone())
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if a.EvaluatedAt.Equal(b.EvaluatedAt) {
			return a.ID > b.ID
		}
		return a.EvaluatedAt.After(b.EvaluatedAt)
	})
	if len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (m *MemoryStore) Stats(_ context.Context, tenant, scenario string) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := newStats(tenant, scenario)
	entities := make(map[EntityKey]struct{})
	f := Filter{Tenant: tenant, Scenario: scenario}
	for _, d := range m.all {
		if !f.matches(d) {
			continue
		}
		st.add(d.Verdict, 1, d.Amount)
		entities[d.EntityKey()] = struct{}{}
	}
	st.Entities = len(entities)
	return st, nil
}

func (m *MemoryStore) ReadAggregates(_ context.Context, key EntityKey, fn func(AggregateView) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(memoryView{points: m.byEntity[key]})
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

var _ Store = (*MemoryStore)(nil)

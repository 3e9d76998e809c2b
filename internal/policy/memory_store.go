package policy

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory policy store for tests and demo mode.
type MemoryStore struct {
	mu       sync.RWMutex
	versions []*Record // ascending by version
}

// NewMemoryStore creates a new in-memory policy store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Latest(_ context.Context) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.versions) == 0 {
		return nil, ErrNotFound
	}
	return copyRecord(m.versions[len(m.versions)-1]), nil
}

func (m *MemoryStore) Append(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.versions); n > 0 && m.versions[n-1].Version >= rec.Version {
		return ErrVersionConflict
	}
	m.versions = append(m.versions, copyRecord(rec))
	return nil
}

func (m *MemoryStore) History(_ context.Context, limit int) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for i := len(m.versions) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		result = append(result, copyRecord(m.versions[i]))
	}
	return result, nil
}

func copyRecord(r *Record) *Record {
	cp := *r
	cp.Rules = append([]byte(nil), r.Rules...)
	return &cp
}

var _ Store = (*MemoryStore)(nil)

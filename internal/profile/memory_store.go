package profile

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*HistoricalProfile
}

// NewMemoryStore creates an in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string]*HistoricalProfile),
	}
}

func (m *MemoryStore) Get(ctx context.Context, submitterID string) (*HistoricalProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[submitterID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProfile(p), nil
}

func (m *MemoryStore) Upsert(ctx context.Context, p *HistoricalProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profiles[p.SubmitterID] = copyProfile(p)
	return nil
}

// copyProfile deep-copies the slices so callers can't mutate stored state.
func copyProfile(p *HistoricalProfile) *HistoricalProfile {
	cp := *p
	if p.AmountSamples != nil {
		cp.AmountSamples = make([]float64, len(p.AmountSamples))
		copy(cp.AmountSamples, p.AmountSamples)
	}
	if p.Locations != nil {
		cp.Locations = make([]string, len(p.Locations))
		copy(cp.Locations, p.Locations)
	}
	return &cp
}

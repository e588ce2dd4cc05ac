package fraud

import (
	"context"
	"errors"
	"sync"
)

var ErrAnalysisNotFound = errors.New("risk analysis not found")

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.RWMutex
	byID     map[string]*RiskAnalysis
	byTxID   map[string][]string
}

// NewMemoryStore creates an in-memory risk analysis store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*RiskAnalysis),
		byTxID: make(map[string][]string),
	}
}

func (s *MemoryStore) Record(ctx context.Context, analysis *RiskAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[analysis.ID] = copyAnalysis(analysis)
	s.byTxID[analysis.TransactionID] = append(s.byTxID[analysis.TransactionID], analysis.ID)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*RiskAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, ErrAnalysisNotFound
	}
	return copyAnalysis(a), nil
}

func (s *MemoryStore) ListByTransaction(ctx context.Context, transactionID string) ([]*RiskAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byTxID[transactionID]
	result := make([]*RiskAnalysis, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if a, ok := s.byID[ids[i]]; ok {
			result = append(result, copyAnalysis(a))
		}
	}
	return result, nil
}

func copyAnalysis(a *RiskAnalysis) *RiskAnalysis {
	cp := *a
	cp.Patterns = make(map[string]DetectionResult, len(a.Patterns))
	for k, v := range a.Patterns {
		cp.Patterns[k] = v
	}
	if a.Recommendations != nil {
		cp.Recommendations = make([]string, len(a.Recommendations))
		copy(cp.Recommendations, a.Recommendations)
	}
	return &cp
}

package learning

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryStore) ListSince(ctx context.Context, since time.Time) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Record
	for _, rec := range s.records {
		if rec.CreatedAt.After(since) {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Record
	for _, rec := range s.records {
		if rec.TransactionID == transactionID {
			cp := *rec
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Len returns the number of stored records (for testing).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	byParent     map[string][]string
}

// NewMemoryStore creates an in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		byParent:     make(map[string][]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(tx)
}

func (m *MemoryStore) createLocked(tx *Transaction) error {
	if _, ok := m.transactions[tx.ID]; ok {
		return fmt.Errorf("transaction %s already exists", tx.ID)
	}
	cp := *tx
	m.transactions[tx.ID] = &cp
	if tx.ParentID != "" {
		m.byParent[tx.ParentID] = append(m.byParent[tx.ParentID], tx.ID)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *tx
	return &cp, nil
}

// ApplyStatusChange applies the parent update plus dependent cascade under
// one lock, staging every change on copies and committing only if the whole
// set is legal. A failure leaves the store untouched.
func (m *MemoryStore) ApplyStatusChange(ctx context.Context, id string, expectedVersion int64, upd StatusUpdate, cascade *Cascade) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	parent, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	if parent.Version != expectedVersion {
		return ErrConcurrentModification
	}
	if !parent.Status.CanTransitionTo(upd.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, parent.Status, upd.Status)
	}

	staged := make(map[string]*Transaction)
	var created []*Transaction

	newParent := *parent
	applyUpdate(&newParent, upd)
	staged[id] = &newParent

	if cascade != nil {
		depIDs := m.byParent[id]
		if len(depIDs) == 0 && len(cascade.CreateIfAbsent) > 0 {
			for _, dep := range cascade.CreateIfAbsent {
				if _, exists := m.transactions[dep.ID]; exists {
					return fmt.Errorf("%w: dependent %s already exists", ErrCascadeFailure, dep.ID)
				}
				cp := *dep
				cp.ParentID = id
				cp.Status = cascade.Status
				cp.ValidatorID = upd.ValidatorID
				cp.ValidatedAt = upd.ValidatedAt
				cp.ValidationNote = cascade.Note
				cp.UpdatedAt = time.Now()
				created = append(created, &cp)
			}
		}
		for _, depID := range depIDs {
			dep, ok := m.transactions[depID]
			if !ok {
				return fmt.Errorf("%w: dependent %s missing", ErrCascadeFailure, depID)
			}
			if dep.Status == cascade.Status {
				continue
			}
			if !dep.Status.CanTransitionTo(cascade.Status) {
				return fmt.Errorf("%w: dependent %s cannot move %s -> %s",
					ErrCascadeFailure, depID, dep.Status, cascade.Status)
			}
			newDep := *dep
			newDep.Status = cascade.Status
			newDep.ValidationNote = cascade.Note
			newDep.Version++
			newDep.UpdatedAt = time.Now()
			if upd.ClearValidation {
				newDep.ValidatorID = ""
				newDep.ValidatedAt = nil
			} else {
				newDep.ValidatorID = upd.ValidatorID
				newDep.ValidatedAt = upd.ValidatedAt
			}
			staged[depID] = &newDep
		}
	}

	// Commit
	for txID, tx := range staged {
		m.transactions[txID] = tx
	}
	for _, tx := range created {
		m.transactions[tx.ID] = tx
		m.byParent[id] = append(m.byParent[id], tx.ID)
	}
	return nil
}

func applyUpdate(tx *Transaction, upd StatusUpdate) {
	tx.Status = upd.Status
	tx.Version++
	tx.UpdatedAt = time.Now()
	if upd.Note != "" {
		tx.ValidationNote = upd.Note
	}
	if upd.RiskAnalysisID != "" {
		tx.RiskAnalysisID = upd.RiskAnalysisID
	}
	if upd.PriorityScore != nil {
		tx.PriorityScore = upd.PriorityScore
	}
	if upd.EscalationLevel != "" {
		tx.EscalationLevel = upd.EscalationLevel
	}
	if upd.OverrideAmount != "" {
		tx.OverrideAmount = upd.OverrideAmount
		tx.OverrideReason = upd.OverrideReason
	}
	if upd.ClearValidation {
		tx.ValidatorID = ""
		tx.ValidatedAt = nil
	} else {
		tx.ValidatorID = upd.ValidatorID
		tx.ValidatedAt = upd.ValidatedAt
	}
}

func (m *MemoryStore) SetMeta(ctx context.Context, id string, meta MetaUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return ErrNotFound
	}
	if meta.RiskAnalysisID != "" {
		tx.RiskAnalysisID = meta.RiskAnalysisID
	}
	if meta.PriorityScore != nil {
		tx.PriorityScore = meta.PriorityScore
	}
	if meta.EscalationLevel != "" {
		tx.EscalationLevel = meta.EscalationLevel
	}
	tx.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListDependents(ctx context.Context, parentID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, depID := range m.byParent[parentID] {
		if dep, ok := m.transactions[depID]; ok {
			cp := *dep
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListBySubmitterSince(ctx context.Context, submitterID string, since time.Time) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.SubmitterID == submitterID && tx.SubmittedAt.After(since) {
			cp := *tx
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].SubmittedAt.After(result[j].SubmittedAt)
	})
	return result, nil
}

func (m *MemoryStore) ListPendingQueue(ctx context.Context, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.transactions {
		if tx.Status == StatusPending {
			cp := *tx
			result = append(result, &cp)
		}
	}
	// Priority descending, unscored last, oldest first within a tier.
	sort.Slice(result, func(i, j int) bool {
		pi, pj := result[i].PriorityScore, result[j].PriorityScore
		switch {
		case pi != nil && pj != nil && *pi != *pj:
			return *pi > *pj
		case pi != nil && pj == nil:
			return true
		case pi == nil && pj != nil:
			return false
		}
		return result[i].SubmittedAt.Before(result[j].SubmittedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) CountPending(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, tx := range m.transactions {
		if tx.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

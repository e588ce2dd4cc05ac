// Package transaction defines the financial transaction under review and
// its validation state machine.
//
// A transaction enters as pending, a treasurer (or the automated decision
// pipeline acting as one) moves it to approved, rejected, or need_revision,
// and an explicit revert moves it back to pending. Approving or rejecting a
// procedure-fee transaction cascades to its dependent service-fee records in
// the same atomic unit.
package transaction

import (
	"context"
	"errors"
	"time"

	"github.com/finsentry/treasury/internal/money"
)

// Type classifies a transaction.
type Type string

const (
	TypeIncome       Type = "income"
	TypeExpense      Type = "expense"
	TypeProcedureFee Type = "procedure_fee"
	TypeServiceFee   Type = "service_fee"
)

// Status is the validation state of a transaction.
type Status string

const (
	StatusPending      Status = "pending"
	StatusApproved     Status = "approved"
	StatusRejected     Status = "rejected"
	StatusNeedRevision Status = "need_revision"
)

var (
	ErrNotFound               = errors.New("transaction not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrConcurrentModification = errors.New("transaction was modified concurrently")
	ErrCascadeFailure         = errors.New("dependent record cascade failed")
)

// CanTransitionTo reports whether moving from s to next is a legal
// state-machine step. Reverting to pending is legal from any reviewed
// state; pending never transitions to itself.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusRejected || next == StatusNeedRevision
	case StatusApproved, StatusRejected, StatusNeedRevision:
		return next == StatusPending
	default:
		return false
	}
}

// Transaction is the unit under review.
type Transaction struct {
	ID          string `json:"id"`
	Type        Type   `json:"type"`
	Amount      string `json:"amount"` // decimal string, >= 0
	Category    string `json:"category,omitempty"`
	Note        string `json:"note,omitempty"`
	SubmitterID string `json:"submitterId"`
	OriginAddr  string `json:"originAddr,omitempty"` // source IP for geolocation

	Status          Status     `json:"status"`
	ValidatorID     string     `json:"validatorId,omitempty"`
	ValidatedAt     *time.Time `json:"validatedAt,omitempty"`
	ValidationNote  string     `json:"validationNote,omitempty"`
	RiskAnalysisID  string     `json:"riskAnalysisId,omitempty"`
	PriorityScore   *float64   `json:"priorityScore,omitempty"`
	EscalationLevel string     `json:"escalationLevel,omitempty"`

	// ParentID links a service-fee record to the procedure-fee transaction
	// it depends on.
	ParentID string `json:"parentId,omitempty"`

	// Recorded when an approval explicitly overrides the submitted amount.
	OverrideAmount string `json:"overrideAmount,omitempty"`
	OverrideReason string `json:"overrideReason,omitempty"`

	// Version is the optimistic concurrency token; incremented on every
	// status change.
	Version int64 `json:"version"`

	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// AmountValue returns the amount in whole currency units for scoring math.
func (t *Transaction) AmountValue() float64 {
	return money.ParseFloat(t.Amount)
}

// StatusUpdate describes a single status change to apply to a transaction.
type StatusUpdate struct {
	Status          Status
	ValidatorID     string
	ValidatedAt     *time.Time
	Note            string
	RiskAnalysisID  string
	PriorityScore   *float64
	EscalationLevel string
	OverrideAmount  string
	OverrideReason  string

	// ClearValidation resets validator/timestamp fields (revert to pending).
	ClearValidation bool
}

// Cascade describes the dependent-record changes applied atomically with a
// parent status change. Dependents receive the same validator and timestamp
// as the parent update.
type Cascade struct {
	Status Status
	Note   string
	// CreateIfAbsent holds dependent records to create when the parent has
	// none yet (approval of a procedure-fee transaction).
	CreateIfAbsent []*Transaction
}

// MetaUpdate carries non-status fields set by queue/escalation actions that
// leave the transaction pending.
type MetaUpdate struct {
	RiskAnalysisID  string
	PriorityScore   *float64
	EscalationLevel string
}

// Store persists transactions.
//
// ApplyStatusChange is the only mutating operation on reviewed state: it
// verifies the optimistic version token, applies the parent update and the
// dependent cascade as one atomic unit, and rolls everything back on any
// failure. A stale token yields ErrConcurrentModification; an illegal
// dependent transition yields ErrCascadeFailure.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	ApplyStatusChange(ctx context.Context, id string, expectedVersion int64, upd StatusUpdate, cascade *Cascade) error
	SetMeta(ctx context.Context, id string, meta MetaUpdate) error
	ListDependents(ctx context.Context, parentID string) ([]*Transaction, error)
	// ListBySubmitterSince returns the submitter's transactions newer than
	// since, most recent first. Used by the duplicate, frequency, and
	// velocity detectors.
	ListBySubmitterSince(ctx context.Context, submitterID string, since time.Time) ([]*Transaction, error)
	// ListPendingQueue returns pending transactions ordered by priority
	// score descending (unscored last), up to limit.
	ListPendingQueue(ctx context.Context, limit int) ([]*Transaction, error)
	CountPending(ctx context.Context) (int, error)
}

// Package executor applies routing decisions to the validation state
// machine. It is the only component that mutates transaction status, and it
// funnels every change (automatic or human) through the same cascade path
// so dependent service-fee records stay consistent with their parent.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/finsentry/treasury/internal/audit"
	"github.com/finsentry/treasury/internal/decision"
	"github.com/finsentry/treasury/internal/fraud"
	"github.com/finsentry/treasury/internal/idgen"
	"github.com/finsentry/treasury/internal/logging"
	"github.com/finsentry/treasury/internal/metrics"
	"github.com/finsentry/treasury/internal/money"
	"github.com/finsentry/treasury/internal/transaction"
)

var ErrReasonRequired = errors.New("a non-empty reason is required")

// Approval carries the optional fields of a human approval.
type Approval struct {
	Note           string
	OverrideAmount string
	OverrideReason string
}

// Executor turns decisions into state-machine transitions.
type Executor struct {
	txs            transaction.Store
	sink           audit.Sink
	logger         *slog.Logger
	systemID       string
	serviceFeeRate float64
	now            func() time.Time
}

func New(txs transaction.Store, sink audit.Sink, logger *slog.Logger, systemValidatorID string, serviceFeeRate float64) *Executor {
	return &Executor{
		txs:            txs,
		sink:           sink,
		logger:         logger,
		systemID:       systemValidatorID,
		serviceFeeRate: serviceFeeRate,
		now:            time.Now,
	}
}

// Execute applies the routed decision to the transaction. Auto approve and
// auto reject run the full cascade under the system validator identity;
// priority review and escalation leave the transaction pending and only set
// queue metadata; manual review attaches the analysis and nothing else.
func (e *Executor) Execute(ctx context.Context, tx *transaction.Transaction, d decision.Decision, analysis *fraud.RiskAnalysis) error {
	switch d.Action {
	case decision.ActionAutoApprove:
		err := e.approve(ctx, tx, e.systemID, analysis.ID, Approval{Note: d.Reason})
		if err == nil {
			e.record(ctx, tx.ID, "auto_approve", string(transaction.StatusPending), string(transaction.StatusApproved), d.Reason)
		}
		return err

	case decision.ActionAutoReject:
		err := e.reject(ctx, tx, e.systemID, analysis.ID, d.Reason)
		if err == nil {
			e.record(ctx, tx.ID, "auto_reject", string(transaction.StatusPending), string(transaction.StatusRejected), d.Reason)
		}
		return err

	case decision.ActionPriorityReview:
		err := e.txs.SetMeta(ctx, tx.ID, transaction.MetaUpdate{
			RiskAnalysisID: analysis.ID,
			PriorityScore:  d.PriorityScore,
		})
		if err == nil {
			e.record(ctx, tx.ID, "priority_review", "", "", d.Reason)
		}
		return err

	case decision.ActionEscalate:
		err := e.txs.SetMeta(ctx, tx.ID, transaction.MetaUpdate{
			RiskAnalysisID:  analysis.ID,
			EscalationLevel: d.EscalationLevel,
		})
		if err == nil {
			e.record(ctx, tx.ID, "escalate", "", "", fmt.Sprintf("%s: %s", d.EscalationLevel, d.Reason))
		}
		return err

	case decision.ActionManualReview:
		return e.txs.SetMeta(ctx, tx.ID, transaction.MetaUpdate{RiskAnalysisID: analysis.ID})

	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
}

// Approve moves a pending transaction to approved as the given validator,
// cascading to dependent service-fee records. The human entry point for the
// review queue; the automated pipeline calls it through Execute.
func (e *Executor) Approve(ctx context.Context, id, validatorID string, a Approval) error {
	tx, err := e.txs.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.approve(ctx, tx, validatorID, tx.RiskAnalysisID, a)
}

// Reject moves a pending transaction to rejected, cascading the rejection
// and its reason to dependent records.
func (e *Executor) Reject(ctx context.Context, id, validatorID, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	tx, err := e.txs.Get(ctx, id)
	if err != nil {
		return err
	}
	return e.reject(ctx, tx, validatorID, tx.RiskAnalysisID, reason)
}

// RequestRevision sends a pending transaction back to its submitter for
// changes instead of rejecting it outright. A reason is mandatory; dependent
// records follow the parent so a fee cannot stay queued on its own.
func (e *Executor) RequestRevision(ctx context.Context, id, validatorID, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	tx, err := e.txs.Get(ctx, id)
	if err != nil {
		return err
	}

	now := e.now()
	upd := transaction.StatusUpdate{
		Status:         transaction.StatusNeedRevision,
		ValidatorID:    validatorID,
		ValidatedAt:    &now,
		Note:           reason,
		RiskAnalysisID: tx.RiskAnalysisID,
	}
	cascade := &transaction.Cascade{
		Status: transaction.StatusNeedRevision,
		Note:   "parent needs revision: " + reason,
	}
	if err := e.apply(ctx, tx, upd, cascade); err != nil {
		return err
	}
	e.record(ctx, tx.ID, "request_revision", string(tx.Status), string(transaction.StatusNeedRevision), reason)
	return nil
}

// Revert returns a reviewed transaction to pending, clearing validator and
// validation timestamp, and reverts dependents with it. A reason is
// mandatory; reverting an already-pending transaction is an invalid
// transition.
func (e *Executor) Revert(ctx context.Context, id, actorID, reason string) error {
	if reason == "" {
		return ErrReasonRequired
	}
	tx, err := e.txs.Get(ctx, id)
	if err != nil {
		return err
	}
	if tx.Status == transaction.StatusPending {
		return transaction.ErrInvalidTransition
	}

	upd := transaction.StatusUpdate{
		Status:          transaction.StatusPending,
		Note:            reason,
		ClearValidation: true,
	}
	cascade := &transaction.Cascade{Status: transaction.StatusPending, Note: reason}
	if err := e.apply(ctx, tx, upd, cascade); err != nil {
		return err
	}
	e.record(ctx, tx.ID, "revert", string(tx.Status), string(transaction.StatusPending), reason)
	return nil
}

func (e *Executor) approve(ctx context.Context, tx *transaction.Transaction, validatorID, analysisID string, a Approval) error {
	if a.OverrideAmount != "" && a.OverrideReason == "" {
		return ErrReasonRequired
	}

	now := e.now()
	upd := transaction.StatusUpdate{
		Status:         transaction.StatusApproved,
		ValidatorID:    validatorID,
		ValidatedAt:    &now,
		Note:           a.Note,
		RiskAnalysisID: analysisID,
		OverrideAmount: a.OverrideAmount,
		OverrideReason: a.OverrideReason,
	}
	cascade := &transaction.Cascade{Status: transaction.StatusApproved, Note: a.Note}
	if tx.Type == transaction.TypeProcedureFee {
		cascade.CreateIfAbsent = e.serviceFees(tx, validatorID, now)
	}
	return e.apply(ctx, tx, upd, cascade)
}

func (e *Executor) reject(ctx context.Context, tx *transaction.Transaction, validatorID, analysisID, reason string) error {
	now := e.now()
	upd := transaction.StatusUpdate{
		Status:         transaction.StatusRejected,
		ValidatorID:    validatorID,
		ValidatedAt:    &now,
		Note:           reason,
		RiskAnalysisID: analysisID,
	}
	cascade := &transaction.Cascade{Status: transaction.StatusRejected, Note: "parent rejected: " + reason}
	return e.apply(ctx, tx, upd, cascade)
}

func (e *Executor) apply(ctx context.Context, tx *transaction.Transaction, upd transaction.StatusUpdate, cascade *transaction.Cascade) error {
	err := e.txs.ApplyStatusChange(ctx, tx.ID, tx.Version, upd, cascade)
	switch {
	case errors.Is(err, transaction.ErrConcurrentModification):
		metrics.StatusConflictsTotal.Inc()
		logging.L(ctx).Warn("status change lost optimistic race",
			"transaction_id", tx.ID, "expected_version", tx.Version)
	case errors.Is(err, transaction.ErrCascadeFailure):
		metrics.CascadeFailuresTotal.Inc()
		logging.L(ctx).Error("dependent cascade rolled back",
			"transaction_id", tx.ID, "target_status", string(upd.Status))
	}
	return err
}

// serviceFees builds the dependent service-fee record created when a
// procedure-fee transaction is approved without one.
func (e *Executor) serviceFees(parent *transaction.Transaction, validatorID string, at time.Time) []*transaction.Transaction {
	cents, ok := money.Parse(parent.Amount)
	if !ok || e.serviceFeeRate == 0 {
		return nil
	}
	fee := int64(math.Round(float64(cents.Int64()) * e.serviceFeeRate))
	return []*transaction.Transaction{{
		ID:          idgen.WithPrefix("fee_"),
		Type:        transaction.TypeServiceFee,
		Amount:      money.Format(big.NewInt(fee)),
		Category:    parent.Category,
		Note:        "service fee for " + parent.ID,
		SubmitterID: parent.SubmitterID,
		ParentID:    parent.ID,
		Status:      transaction.StatusPending,
		ValidatorID: validatorID,
		SubmittedAt: at,
		UpdatedAt:   at,
	}}
}

func (e *Executor) record(ctx context.Context, txID, operation, from, to, reason string) {
	actorType, actorID, ip, requestID := audit.ActorFromContext(ctx)
	entry := &audit.Entry{
		TransactionID: txID,
		ActorType:     actorType,
		ActorID:       actorID,
		Operation:     operation,
		FromStatus:    from,
		ToStatus:      to,
		Reason:        reason,
		RequestID:     requestID,
		IPAddress:     ip,
	}
	if err := e.sink.Log(ctx, entry); err != nil {
		e.logger.Error("audit write failed", "transaction_id", txID, "operation", operation, "error", err)
	}
}

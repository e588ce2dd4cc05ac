// Package approval is the facade over the full decision pipeline: detect,
// score, route, execute, then feed learning, notifications, and the
// realtime feed. The surrounding application (admin UI, schedulers) calls
// this service; nothing below it is invoked directly.
package approval

import (
	"context"
	"log/slog"
	"time"

	"github.com/finsentry/treasury/internal/decision"
	"github.com/finsentry/treasury/internal/executor"
	"github.com/finsentry/treasury/internal/fraud"
	"github.com/finsentry/treasury/internal/idgen"
	"github.com/finsentry/treasury/internal/learning"
	"github.com/finsentry/treasury/internal/metrics"
	"github.com/finsentry/treasury/internal/notify"
	"github.com/finsentry/treasury/internal/profile"
	"github.com/finsentry/treasury/internal/realtime"
	"github.com/finsentry/treasury/internal/traces"
	"github.com/finsentry/treasury/internal/transaction"
)

// Result is what a submission returns to the caller: the stored
// transaction, its analysis, and the routed decision.
type Result struct {
	Transaction *transaction.Transaction `json:"transaction"`
	Analysis    *fraud.RiskAnalysis      `json:"analysis"`
	Decision    decision.Decision        `json:"decision"`
}

// Service orchestrates the pipeline. The analyze/route stages are stateless
// and run in parallel across transactions; only executor writes serialize,
// per transaction, on the store's version token.
type Service struct {
	txs      transaction.Store
	profiles profile.Store
	analyzer *fraud.Analyzer
	router   *decision.Router
	exec     *executor.Executor
	recorder *learning.Recorder
	records  learning.Store
	bundler  *notify.Bundler
	hub      *realtime.Hub
	graph    *fraud.SubmitterGraph
	logger   *slog.Logger
}

func NewService(
	txs transaction.Store,
	profiles profile.Store,
	analyzer *fraud.Analyzer,
	router *decision.Router,
	exec *executor.Executor,
	recorder *learning.Recorder,
	records learning.Store,
	bundler *notify.Bundler,
	hub *realtime.Hub,
	graph *fraud.SubmitterGraph,
	logger *slog.Logger,
) *Service {
	return &Service{
		txs:      txs,
		profiles: profiles,
		analyzer: analyzer,
		router:   router,
		exec:     exec,
		recorder: recorder,
		records:  records,
		bundler:  bundler,
		hub:      hub,
		graph:    graph,
		logger:   logger,
	}
}

// Submit stores a new transaction and runs it through the pipeline. The
// detect/score/route/execute stages are synchronous; learning, notification
// and realtime fan-out happen after the decision is durable. An executor
// error (conflict or cascade rollback) surfaces to the caller and leaves
// the transaction pending with its analysis attached for retry.
func (s *Service) Submit(ctx context.Context, tx *transaction.Transaction) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "approval.submit",
		traces.SubmitterID(tx.SubmitterID), traces.Amount(tx.Amount))
	defer span.End()

	if tx.ID == "" {
		tx.ID = idgen.WithPrefix("txn_")
	}
	tx.Status = transaction.StatusPending
	if tx.SubmittedAt.IsZero() {
		tx.SubmittedAt = time.Now()
	}
	tx.UpdatedAt = tx.SubmittedAt
	if err := s.txs.Create(ctx, tx); err != nil {
		return nil, err
	}

	if s.graph != nil && tx.OriginAddr != "" {
		s.graph.Observe(tx.SubmitterID, tx.OriginAddr, tx.SubmittedAt)
	}

	analysis := s.analyzer.Analyze(ctx, tx)
	d := s.router.Route(tx, analysis, s.reliability(ctx, tx.SubmitterID))
	span.SetAttributes(traces.Action(string(d.Action)), traces.RiskScore(analysis.RiskScore))

	if err := s.exec.Execute(ctx, tx, d, analysis); err != nil {
		// Transaction stays pending; the analysis is already persisted so a
		// retry can reuse it.
		return nil, err
	}
	metrics.DecisionsTotal.WithLabelValues(string(d.Action)).Inc()

	if s.graph != nil && d.Action == decision.ActionAutoReject {
		s.graph.Flag(tx.SubmitterID)
	}

	updated, err := s.txs.Get(ctx, tx.ID)
	if err != nil {
		return nil, err
	}

	s.fanOut(updated, analysis, d)
	s.updateQueueDepth(ctx)

	return &Result{Transaction: updated, Analysis: analysis, Decision: d}, nil
}

// Approve is the human approval entry point.
func (s *Service) Approve(ctx context.Context, id, validatorID string, a executor.Approval) error {
	if err := s.exec.Approve(ctx, id, validatorID, a); err != nil {
		return err
	}
	s.recordOutcome(ctx, id, "approve", transaction.StatusApproved)
	s.updateQueueDepth(ctx)
	return nil
}

// Reject is the human rejection entry point.
func (s *Service) Reject(ctx context.Context, id, validatorID, reason string) error {
	if err := s.exec.Reject(ctx, id, validatorID, reason); err != nil {
		return err
	}
	s.recordOutcome(ctx, id, "reject", transaction.StatusRejected)
	s.updateQueueDepth(ctx)
	return nil
}

// RequestRevision asks the submitter to amend a pending transaction. It
// leaves the review queue until a revert brings it back for re-review.
func (s *Service) RequestRevision(ctx context.Context, id, validatorID, reason string) error {
	if err := s.exec.RequestRevision(ctx, id, validatorID, reason); err != nil {
		return err
	}
	s.recordOutcome(ctx, id, "request_revision", transaction.StatusNeedRevision)
	s.updateQueueDepth(ctx)
	return nil
}

// Revert returns a reviewed transaction to pending. The next submission of
// the same transaction through review triggers a fresh analysis.
func (s *Service) Revert(ctx context.Context, id, actorID, reason string) error {
	if err := s.exec.Revert(ctx, id, actorID, reason); err != nil {
		return err
	}
	if s.hub != nil {
		s.hub.Broadcast(&realtime.Event{
			Type:      realtime.EventRevert,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"transactionId": id, "reason": reason},
		})
	}
	s.updateQueueDepth(ctx)
	return nil
}

// Queue returns the pending review queue ordered by priority.
func (s *Service) Queue(ctx context.Context, limit int) ([]*transaction.Transaction, error) {
	return s.txs.ListPendingQueue(ctx, limit)
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*transaction.Transaction, error) {
	return s.txs.Get(ctx, id)
}

// reliability maps the submitter's historical rejection rate into the
// priority factor. Unknown submitters score neutral.
func (s *Service) reliability(ctx context.Context, submitterID string) float64 {
	p, err := s.profiles.Get(ctx, submitterID)
	if err != nil {
		return 0.5
	}
	return 1 - p.RejectionRate()
}

// fanOut feeds the async consumers after a decision is durable.
func (s *Service) fanOut(tx *transaction.Transaction, analysis *fraud.RiskAnalysis, d decision.Decision) {
	if s.recorder != nil {
		s.recorder.Record(s.buildRecord(tx, analysis, d))
	}

	if s.bundler != nil {
		s.notifyFor(tx, d)
	}

	if s.hub != nil {
		eventType := realtime.EventDecision
		if d.Action == decision.ActionEscalate {
			eventType = realtime.EventEscalation
		}
		s.hub.Broadcast(&realtime.Event{
			Type:      eventType,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"transactionId":   tx.ID,
				"submitterId":     tx.SubmitterID,
				"action":          string(d.Action),
				"amount":          tx.AmountValue(),
				"riskScore":       analysis.RiskScore,
				"escalationLevel": d.EscalationLevel,
			},
		})
	}
}

func (s *Service) buildRecord(tx *transaction.Transaction, analysis *fraud.RiskAnalysis, d decision.Decision) *learning.Record {
	var detected []string
	for name, r := range analysis.Patterns {
		if r.Detected {
			detected = append(detected, name)
		}
	}

	outcome := learning.Outcome{Status: string(tx.Status)}
	return &learning.Record{
		ID:            idgen.WithPrefix("lrn_"),
		TransactionID: tx.ID,
		SubmitterID:   tx.SubmitterID,
		Amount:        tx.AmountValue(),
		Hour:          tx.SubmittedAt.Hour(),
		CountryCode:   resolvedCountry(analysis),
		Analysis: learning.AnalysisSnapshot{
			RiskAnalysisID:   analysis.ID,
			RiskScore:        analysis.RiskScore,
			FraudProbability: analysis.FraudProbability,
			Confidence:       analysis.Confidence,
			DetectedPatterns: detected,
		},
		Decision: learning.DecisionSnapshot{
			Action:          string(d.Action),
			Reason:          d.Reason,
			EscalationLevel: d.EscalationLevel,
			PriorityScore:   d.PriorityScore,
		},
		Outcome:   outcome,
		CreatedAt: time.Now(),
	}
}

// recordOutcome appends the learning record for a human decision. The
// outcome counts as an override when it contradicts an earlier automatic
// decision on the same transaction. The origin country resolved at submit
// time is carried over from the earlier records so the trainer can rebuild
// location sets from human outcomes too.
func (s *Service) recordOutcome(ctx context.Context, id, action string, status transaction.Status) {
	tx, err := s.txs.Get(ctx, id)
	if err != nil {
		s.logger.Warn("outcome record skipped, transaction unavailable",
			"transaction_id", id, "error", err)
		return
	}

	override := false
	var prior learning.AnalysisSnapshot
	var country string
	if s.records != nil {
		recs, err := s.records.ListByTransaction(ctx, id)
		if err == nil {
			for _, rec := range recs {
				if country == "" {
					country = rec.CountryCode
				}
			}
			for i := len(recs) - 1; i >= 0; i-- {
				a := recs[i].Decision.Action
				if a == string(decision.ActionAutoApprove) || a == string(decision.ActionAutoReject) {
					prior = recs[i].Analysis
					override = (a == string(decision.ActionAutoApprove) && status == transaction.StatusRejected) ||
						(a == string(decision.ActionAutoReject) && status == transaction.StatusApproved)
					break
				}
				if prior.RiskAnalysisID == "" {
					prior = recs[i].Analysis
				}
			}
		}
	}

	if s.recorder != nil {
		s.recorder.Record(&learning.Record{
			ID:            idgen.WithPrefix("lrn_"),
			TransactionID: tx.ID,
			SubmitterID:   tx.SubmitterID,
			Amount:        tx.AmountValue(),
			Hour:          tx.SubmittedAt.Hour(),
			CountryCode:   country,
			Analysis:      prior,
			Decision:      learning.DecisionSnapshot{Action: action, Reason: tx.ValidationNote},
			Outcome:       learning.Outcome{Status: string(status), HumanOverride: override},
			CreatedAt:     time.Now(),
		})
	}
}

// resolvedCountry pulls the origin country the location detector saw out of
// its detail payload. Empty when geolocation was unavailable.
func resolvedCountry(analysis *fraud.RiskAnalysis) string {
	r, ok := analysis.Patterns[fraud.PatternLocation]
	if !ok {
		return ""
	}
	code, _ := r.Details["countryCode"].(string)
	return code
}

// notifyFor builds the recipient-facing notifications for a decision.
// Auto decisions notify the submitter; review routes notify the relevant
// reviewer group.
func (s *Service) notifyFor(tx *transaction.Transaction, d decision.Decision) {
	ctx := context.Background()
	switch d.Action {
	case decision.ActionAutoApprove:
		s.bundler.Enqueue(ctx, &notify.Notification{
			RecipientID:   tx.SubmitterID,
			TransactionID: tx.ID,
			Message:       "transaction " + tx.ID + " approved",
			Urgency:       notify.UrgencyLow,
		})
	case decision.ActionAutoReject:
		s.bundler.Enqueue(ctx, &notify.Notification{
			RecipientID:   tx.SubmitterID,
			TransactionID: tx.ID,
			Message:       "transaction " + tx.ID + " rejected: " + d.Reason,
			Urgency:       notify.UrgencyHigh,
		})
	case decision.ActionEscalate:
		s.bundler.Enqueue(ctx, &notify.Notification{
			RecipientID:   "reviewers:" + d.EscalationLevel,
			TransactionID: tx.ID,
			Message:       "transaction " + tx.ID + " escalated: " + d.Reason,
			Urgency:       notify.UrgencyHigh,
		})
	case decision.ActionPriorityReview, decision.ActionManualReview:
		s.bundler.Enqueue(ctx, &notify.Notification{
			RecipientID:   "reviewers:queue",
			TransactionID: tx.ID,
			Message:       "transaction " + tx.ID + " awaiting review",
			Urgency:       notify.UrgencyNormal,
		})
	}
}

func (s *Service) updateQueueDepth(ctx context.Context) {
	if n, err := s.txs.CountPending(ctx); err == nil {
		metrics.ReviewQueueDepth.Set(float64(n))
	}
}

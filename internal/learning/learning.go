// Package learning captures decision outcomes and feeds them back into the
// detection baselines. Every routed decision appends one immutable record;
// a periodic trainer rebuilds submitter profiles and nudges detector
// calibration from the accumulated outcomes.
package learning

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// AnalysisSnapshot carries the risk figures of the analysis at decision time.
type AnalysisSnapshot struct {
	RiskAnalysisID   string   `json:"riskAnalysisId"`
	RiskScore        float64  `json:"riskScore"`
	FraudProbability float64  `json:"fraudProbability"`
	Confidence       float64  `json:"confidence"`
	DetectedPatterns []string `json:"detectedPatterns"`
}

// DecisionSnapshot carries the routed action at decision time.
type DecisionSnapshot struct {
	Action          string   `json:"action"`
	Reason          string   `json:"reason"`
	EscalationLevel string   `json:"escalationLevel,omitempty"`
	PriorityScore   *float64 `json:"priorityScore,omitempty"`
}

// Outcome is the validation result attached to a record. Status is the
// transaction's status after the action; HumanOverride marks a human
// decision that contradicted an earlier automatic one.
type Outcome struct {
	Status        string `json:"status"`
	HumanOverride bool   `json:"humanOverride"`
}

// Record is one append-only (analysis, decision, outcome) tuple. The
// transaction facts needed to rebuild a profile are denormalized so the
// trainer never re-reads transaction history.
type Record struct {
	ID          string `json:"id"`
	TransactionID string `json:"transactionId"`
	SubmitterID string `json:"submitterId"`

	Amount      float64 `json:"amount"`
	Hour        int     `json:"hour"` // hour of day the transaction was submitted
	CountryCode string  `json:"countryCode,omitempty"`

	Analysis AnalysisSnapshot `json:"analysis"`
	Decision DecisionSnapshot `json:"decision"`
	Outcome  Outcome          `json:"outcome"`

	CreatedAt time.Time `json:"createdAt"`
}

// Validated reports whether the record carries a final human-or-auto
// validation outcome usable for baseline recomputation.
func (r *Record) Validated() bool {
	return r.Outcome.Status == "approved" || r.Outcome.Status == "rejected"
}

// Store persists learning records. Append-only: records are never updated;
// an outcome revision is a new record.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	ListSince(ctx context.Context, since time.Time) ([]*Record, error)
	ListByTransaction(ctx context.Context, transactionID string) ([]*Record, error)
}

const recorderChanSize = 1024

// Recorder writes records off the request path: Record enqueues onto a
// buffered channel and a single drain goroutine appends to the store. Append
// failures and overflow drops are logged; learning data loss must never fail
// a decision.
type Recorder struct {
	store   Store
	logger  *slog.Logger
	ch      chan *Record
	stop    chan struct{}
	running atomic.Bool
	dropped atomic.Int64
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: logger,
		ch:     make(chan *Record, recorderChanSize),
		stop:   make(chan struct{}),
	}
}

// Record enqueues a record and returns immediately. Non-blocking: drops and
// counts when the buffer is full.
func (r *Recorder) Record(rec *Record) {
	select {
	case r.ch <- rec:
	default:
		r.dropped.Add(1)
		r.logger.Warn("learning record dropped, buffer full",
			"transaction_id", rec.TransactionID)
	}
}

// Dropped returns the number of records dropped due to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Start drains the buffer until the context is cancelled or Stop is called,
// then flushes whatever is still queued. Call in a goroutine.
func (r *Recorder) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return
		case <-r.stop:
			r.flush()
			return
		case rec := <-r.ch:
			r.append(rec)
		}
	}
}

// Stop signals the drain loop to flush remaining records and exit.
func (r *Recorder) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

// Running reports whether the drain loop is active.
func (r *Recorder) Running() bool {
	return r.running.Load()
}

func (r *Recorder) flush() {
	for {
		select {
		case rec := <-r.ch:
			r.append(rec)
		default:
			return
		}
	}
}

func (r *Recorder) append(rec *Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.Append(ctx, rec); err != nil {
		r.logger.Error("learning record append failed",
			"transaction_id", rec.TransactionID, "error", err)
	}
}

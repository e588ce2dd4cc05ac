package fraud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finsentry/treasury/internal/config"
	"github.com/finsentry/treasury/internal/idgen"
	"github.com/finsentry/treasury/internal/logging"
	"github.com/finsentry/treasury/internal/metrics"
	"github.com/finsentry/treasury/internal/profile"
	"github.com/finsentry/treasury/internal/traces"
	"github.com/finsentry/treasury/internal/transaction"
)

// manualReviewRisk and manualReviewFraud mark the analysis as needing a
// human even before routing.
const (
	manualReviewRisk  = 50.0
	manualReviewFraud = 0.5
)

// failSafeRisk is the conservative score applied when analysis itself fails.
const failSafeRisk = 100.0

// recentLookback bounds how much submitter history the analyzer loads for
// the duplicate, frequency, and velocity detectors. Must cover the longest
// detector window.
const recentLookback = 8 * 24 * time.Hour

// Analyzer runs the detector set over a transaction and produces an
// immutable RiskAnalysis. It performs only reads; safe to run in parallel
// across independent transactions.
type Analyzer struct {
	detectors []Detector
	scorer    *Scorer
	profiles  profile.Store
	txs       transaction.Store
	resolver  Resolver
	graph     *SubmitterGraph
	store     Store
}

// NewAnalyzer wires the detection pipeline.
func NewAnalyzer(cfg config.DetectorConfig, scoring config.ScoringConfig, cal *Calibration,
	profiles profile.Store, txs transaction.Store, resolver Resolver,
	graph *SubmitterGraph, store Store) *Analyzer {
	return &Analyzer{
		detectors: Detectors(cfg, cal),
		scorer:    NewScorer(scoring),
		profiles:  profiles,
		txs:       txs,
		resolver:  resolver,
		graph:     graph,
		store:     store,
	}
}

// Analyze evaluates a transaction and returns its risk analysis. Any
// unexpected failure in detection or scoring degrades to a fail-safe
// analysis (risk 100, manual review required) rather than an error:
// the pipeline must always produce an actionable result.
func (a *Analyzer) Analyze(ctx context.Context, tx *transaction.Transaction) *RiskAnalysis {
	ctx, span := traces.StartSpan(ctx, "fraud.analyze",
		traces.TransactionID(tx.ID), traces.SubmitterID(tx.SubmitterID))
	defer span.End()

	start := time.Now()
	analysis := a.analyze(ctx, tx)
	metrics.AnalysisDuration.Observe(time.Since(start).Seconds())

	if analysis.FailSafe {
		metrics.AnalysesTotal.WithLabelValues("failsafe").Inc()
	} else {
		metrics.AnalysesTotal.WithLabelValues("ok").Inc()
	}
	for name, r := range analysis.Patterns {
		if r.Detected {
			metrics.DetectorHitsTotal.WithLabelValues(name).Inc()
		}
	}
	span.SetAttributes(traces.RiskScore(analysis.RiskScore))

	// Persist asynchronously (best-effort audit trail)
	if a.store != nil {
		go func() {
			_ = a.store.Record(context.Background(), analysis)
		}()
	}
	return analysis
}

func (a *Analyzer) analyze(ctx context.Context, tx *transaction.Transaction) (result *RiskAnalysis) {
	defer func() {
		if r := recover(); r != nil {
			logging.L(ctx).Error("analysis panicked, applying fail-safe",
				"transaction", tx.ID, "panic", fmt.Sprint(r))
			result = a.failSafe(tx, fmt.Sprintf("analysis failure: %v", r))
		}
	}()

	in, err := a.gather(ctx, tx)
	if err != nil {
		logging.L(ctx).Error("failed to gather analysis inputs",
			"transaction", tx.ID, "error", err)
		return a.failSafe(tx, "analysis inputs unavailable")
	}

	analysis := &RiskAnalysis{
		ID:            idgen.WithPrefix("risk_"),
		TransactionID: tx.ID,
		Patterns:      make(map[string]DetectionResult, len(a.detectors)),
		AnalyzedAt:    time.Now(),
	}

	for _, d := range a.detectors {
		analysis.Patterns[d.Name()] = d.Detect(ctx, in)
	}
	a.scorer.Compose(analysis)

	analysis.Recommendations = recommendations(analysis)
	analysis.RequiresManualReview = analysis.RiskScore >= manualReviewRisk ||
		analysis.FraudProbability >= manualReviewFraud
	return analysis
}

// gather loads the profile, recent history, and resolved location. A
// missing profile or a failed geo lookup is a degraded input, not an error.
func (a *Analyzer) gather(ctx context.Context, tx *transaction.Transaction) (*Input, error) {
	in := &Input{
		Tx:    tx,
		Graph: a.graph,
		Now:   time.Now(),
	}

	p, err := a.profiles.Get(ctx, tx.SubmitterID)
	switch {
	case err == nil:
		in.Profile = p
	case errors.Is(err, profile.ErrNotFound):
		// First transaction from this submitter; detectors that need
		// history report not-evaluated.
	default:
		return nil, fmt.Errorf("loading profile: %w", err)
	}

	recent, err := a.txs.ListBySubmitterSince(ctx, tx.SubmitterID, in.Now.Add(-recentLookback))
	if err != nil {
		return nil, fmt.Errorf("loading recent transactions: %w", err)
	}
	filtered := recent[:0]
	for _, r := range recent {
		if r.ID != tx.ID {
			filtered = append(filtered, r)
		}
	}
	in.Recent = filtered

	if a.resolver != nil && tx.OriginAddr != "" {
		loc, err := a.resolver.Resolve(ctx, tx.OriginAddr)
		if err != nil {
			// Resolver timeout or failure: location detector degrades.
			logging.L(ctx).Warn("geo resolution failed",
				"transaction", tx.ID, "error", err)
		} else {
			in.Location = loc
		}
	}
	return in, nil
}

// failSafe builds the conservative analysis used when detection cannot run.
func (a *Analyzer) failSafe(tx *transaction.Transaction, reason string) *RiskAnalysis {
	return &RiskAnalysis{
		ID:                   idgen.WithPrefix("risk_"),
		TransactionID:        tx.ID,
		Patterns:             map[string]DetectionResult{},
		RiskScore:            failSafeRisk,
		FraudProbability:     0,
		Confidence:           0,
		Recommendations:      []string{reason, "manual review required"},
		RequiresManualReview: true,
		FailSafe:             true,
		AnalyzedAt:           time.Now(),
	}
}

func recommendations(a *RiskAnalysis) []string {
	var recs []string
	add := func(pattern, msg string) {
		if r, ok := a.Patterns[pattern]; ok && r.Detected {
			recs = append(recs, msg)
		}
	}
	add(PatternAmount, "amount deviates sharply from submitter history; verify supporting documents")
	add(PatternFrequency, "submission rate is far above this user's norm; check for batch entry errors")
	add(PatternTime, "submitted at an hour this user rarely works; confirm with submitter")
	add(PatternLocation, "origin location is unusual for this user; verify identity")
	add(PatternBehavioral, "overall behavior deviates from the learned baseline")
	add(PatternDuplicate, "possible duplicate of a recent transaction; check references")
	add(PatternVelocity, "rolling volume limits exceeded; review recent activity")
	add(PatternNetwork, "shares identifiers with previously flagged submitters")
	return recs
}

// Package fraud implements statistical anomaly detection for submitted
// transactions.
//
// Every submitted transaction is evaluated by eight independent detectors
// against the submitter's historical profile. Detector results are combined
// into a 0-100 risk score and a 0.0-1.0 fraud probability, which the
// decision router turns into a workflow action. Detectors degrade to
// not-detected when history is too thin to judge; pipeline failures degrade
// to a fail-safe analysis that forces manual review, never silent approval.
package fraud

import (
	"context"
	"time"
)

// Detector names, used as keys in RiskAnalysis.Patterns and as metric labels.
const (
	PatternAmount     = "amount_anomaly"
	PatternFrequency  = "frequency_anomaly"
	PatternTime       = "time_pattern"
	PatternLocation   = "location_anomaly"
	PatternBehavioral = "behavioral_anomaly"
	PatternDuplicate  = "duplicate"
	PatternVelocity   = "velocity"
	PatternNetwork    = "network"
)

// DetectionResult is the outcome of a single detector.
type DetectionResult struct {
	Detected   bool           `json:"detected"`
	Confidence float64        `json:"confidence"` // 0.0 - 1.0
	Details    map[string]any `json:"details,omitempty"`

	// Evaluated reports whether the detector had enough historical data to
	// judge at all. Insufficient data yields Detected=false, Evaluated=false.
	Evaluated bool `json:"evaluated"`
}

// RiskAnalysis is the immutable snapshot attached to one transaction at
// submission time. It is recomputed only if the transaction is reverted to
// pending.
type RiskAnalysis struct {
	ID            string                     `json:"id"`
	TransactionID string                     `json:"transactionId"`
	Patterns      map[string]DetectionResult `json:"patterns"`

	RiskScore        float64 `json:"riskScore"`        // 0 - 100
	FraudProbability float64 `json:"fraudProbability"` // 0.0 - 1.0

	// Confidence measures how much historical data backed the analysis,
	// discounted by detected anomalies. The router's auto-approve rule
	// requires it to be high.
	Confidence float64 `json:"confidence"`

	Recommendations      []string  `json:"recommendations,omitempty"`
	RequiresManualReview bool      `json:"requiresManualReview"`
	FailSafe             bool      `json:"failSafe,omitempty"` // analysis failed, conservative defaults applied
	AnalyzedAt           time.Time `json:"analyzedAt"`
}

// DetectedCount returns the number of fired patterns.
func (a *RiskAnalysis) DetectedCount() int {
	n := 0
	for _, r := range a.Patterns {
		if r.Detected {
			n++
		}
	}
	return n
}

// Store persists risk analyses for audit and retry.
type Store interface {
	Record(ctx context.Context, analysis *RiskAnalysis) error
	Get(ctx context.Context, id string) (*RiskAnalysis, error)
	// ListByTransaction returns analyses for a transaction, most recent
	// first. More than one exists when the transaction was reverted and
	// re-analyzed.
	ListByTransaction(ctx context.Context, transactionID string) ([]*RiskAnalysis, error)
}

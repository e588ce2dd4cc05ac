package fraud

import (
	"math"

	"github.com/finsentry/treasury/internal/config"
)

// ensembleBoostPerPattern rewards multi-signal agreement in the fraud
// probability; capped at ensembleBoostMax.
const (
	ensembleBoostPerPattern = 0.1
	ensembleBoostMax        = 0.3
)

// Scorer combines detector outputs into the composite risk score, the
// fraud probability, and the analysis confidence.
type Scorer struct {
	cfg config.ScoringConfig
}

// NewScorer creates a scorer with the given weights.
func NewScorer(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// baseRiskPatterns are the patterns whose weights form the risk-score pool.
// The remaining patterns participate only in the fraud probability.
var baseRiskPatterns = []string{
	PatternAmount, PatternFrequency, PatternTime, PatternLocation, PatternBehavioral,
}

func (s *Scorer) weight(pattern string) float64 {
	switch pattern {
	case PatternAmount:
		return s.cfg.AmountWeight
	case PatternFrequency:
		return s.cfg.FrequencyWeight
	case PatternTime:
		return s.cfg.TimeWeight
	case PatternLocation:
		return s.cfg.LocationWeight
	case PatternBehavioral:
		return s.cfg.BehavioralWeight
	case PatternDuplicate:
		return s.cfg.DuplicateWeight
	case PatternVelocity:
		return s.cfg.VelocityWeight
	case PatternNetwork:
		return s.cfg.NetworkWeight
	default:
		return 0
	}
}

// Compose computes risk score, fraud probability, and confidence from the
// detector results and writes them onto the analysis.
func (s *Scorer) Compose(a *RiskAnalysis) {
	// Risk score: weighted confidences of detected base patterns, capped
	// at 100.
	risk := 0.0
	for _, name := range baseRiskPatterns {
		r, ok := a.Patterns[name]
		if ok && r.Detected {
			risk += s.weight(name) * r.Confidence
		}
	}
	a.RiskScore = math.Min(100, math.Round(risk*100)/100)

	// Fraud probability: weighted mean of confidences across all detected
	// patterns, plus an ensemble boost for multi-signal agreement.
	var weightedSum, weightTotal float64
	detected := 0
	for name, r := range a.Patterns {
		if !r.Detected {
			continue
		}
		w := s.weight(name)
		weightedSum += w * r.Confidence
		weightTotal += w
		detected++
	}

	prob := 0.0
	if detected > 0 && weightTotal > 0 {
		prob = weightedSum / weightTotal
		prob += math.Min(ensembleBoostMax, float64(detected)*ensembleBoostPerPattern)
	}
	a.FraudProbability = math.Min(1, math.Round(prob*1000)/1000)

	// Confidence: how much history backed the analysis, discounted by the
	// fraud estimate. A thin profile caps confidence below the
	// auto-approve threshold regardless of how clean the signals look.
	evaluated := 0
	for _, r := range a.Patterns {
		if r.Evaluated {
			evaluated++
		}
	}
	coverage := 0.0
	if len(a.Patterns) > 0 {
		coverage = float64(evaluated) / float64(len(a.Patterns))
	}
	a.Confidence = math.Round(coverage*(1-a.FraudProbability)*1000) / 1000
}

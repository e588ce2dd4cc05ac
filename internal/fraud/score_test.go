package fraud

import (
	"testing"

	"github.com/finsentry/treasury/internal/config"
)

func testScoringConfig() config.ScoringConfig {
	return config.ScoringConfig{
		AmountWeight:     30,
		FrequencyWeight:  25,
		TimeWeight:       15,
		LocationWeight:   20,
		BehavioralWeight: 10,
		DuplicateWeight:  20,
		VelocityWeight:   20,
		NetworkWeight:    25,
	}
}

func analysisWith(patterns map[string]DetectionResult) *RiskAnalysis {
	return &RiskAnalysis{Patterns: patterns}
}

func TestComposeCleanAnalysis(t *testing.T) {
	s := NewScorer(testScoringConfig())

	a := analysisWith(map[string]DetectionResult{
		PatternAmount:     {Evaluated: true},
		PatternFrequency:  {Evaluated: true},
		PatternTime:       {Evaluated: true},
		PatternLocation:   {Evaluated: true},
		PatternBehavioral: {Evaluated: true},
		PatternDuplicate:  {Evaluated: true},
		PatternVelocity:   {Evaluated: true},
		PatternNetwork:    {Evaluated: true},
	})
	s.Compose(a)

	if a.RiskScore != 0 {
		t.Errorf("clean analysis risk = %f, want 0", a.RiskScore)
	}
	if a.FraudProbability != 0 {
		t.Errorf("clean analysis fraud probability = %f, want 0", a.FraudProbability)
	}
	if a.Confidence != 1 {
		t.Errorf("full coverage, zero fraud: confidence = %f, want 1", a.Confidence)
	}
}

func TestComposeSingleDetection(t *testing.T) {
	s := NewScorer(testScoringConfig())

	a := analysisWith(map[string]DetectionResult{
		PatternAmount:    {Detected: true, Confidence: 1, Evaluated: true},
		PatternFrequency: {Evaluated: true},
		PatternTime:      {Evaluated: true},
		PatternLocation:  {Evaluated: true},
	})
	s.Compose(a)

	if a.RiskScore != 30 {
		t.Errorf("risk = %f, want 30 (full-confidence amount anomaly)", a.RiskScore)
	}
	// Weighted mean of a single detection is its confidence, plus one
	// pattern's ensemble boost.
	if a.FraudProbability != 1 {
		t.Errorf("fraud probability = %f, want 1 (1.0 + 0.1 capped)", a.FraudProbability)
	}
	if a.Confidence != 0 {
		t.Errorf("confidence = %f, want 0 at fraud probability 1", a.Confidence)
	}
}

func TestComposeEnsembleBoost(t *testing.T) {
	s := NewScorer(testScoringConfig())

	one := analysisWith(map[string]DetectionResult{
		PatternAmount: {Detected: true, Confidence: 0.5, Evaluated: true},
	})
	s.Compose(one)

	two := analysisWith(map[string]DetectionResult{
		PatternAmount:   {Detected: true, Confidence: 0.5, Evaluated: true},
		PatternVelocity: {Detected: true, Confidence: 0.5, Evaluated: true},
	})
	s.Compose(two)

	if one.FraudProbability != 0.6 {
		t.Errorf("single detection fraud = %f, want 0.6", one.FraudProbability)
	}
	if two.FraudProbability != 0.7 {
		t.Errorf("two detections fraud = %f, want 0.7", two.FraudProbability)
	}
	if two.FraudProbability <= one.FraudProbability {
		t.Error("agreement across detectors must raise the fraud probability")
	}
}

func TestComposeRiskExcludesSupplementaryPatterns(t *testing.T) {
	s := NewScorer(testScoringConfig())

	// Duplicate, velocity, and network detections contribute to the fraud
	// probability but not the risk-score pool.
	a := analysisWith(map[string]DetectionResult{
		PatternDuplicate: {Detected: true, Confidence: 1, Evaluated: true},
		PatternVelocity:  {Detected: true, Confidence: 1, Evaluated: true},
		PatternNetwork:   {Detected: true, Confidence: 1, Evaluated: true},
	})
	s.Compose(a)

	if a.RiskScore != 0 {
		t.Errorf("risk = %f, want 0 for supplementary-only detections", a.RiskScore)
	}
	if a.FraudProbability != 1 {
		t.Errorf("fraud probability = %f, want 1", a.FraudProbability)
	}
}

func TestComposeBounds(t *testing.T) {
	s := NewScorer(testScoringConfig())

	a := analysisWith(map[string]DetectionResult{
		PatternAmount:     {Detected: true, Confidence: 1, Evaluated: true},
		PatternFrequency:  {Detected: true, Confidence: 1, Evaluated: true},
		PatternTime:       {Detected: true, Confidence: 1, Evaluated: true},
		PatternLocation:   {Detected: true, Confidence: 1, Evaluated: true},
		PatternBehavioral: {Detected: true, Confidence: 1, Evaluated: true},
		PatternDuplicate:  {Detected: true, Confidence: 1, Evaluated: true},
		PatternVelocity:   {Detected: true, Confidence: 1, Evaluated: true},
		PatternNetwork:    {Detected: true, Confidence: 1, Evaluated: true},
	})
	s.Compose(a)

	if a.RiskScore < 0 || a.RiskScore > 100 {
		t.Errorf("risk score out of range: %f", a.RiskScore)
	}
	if a.RiskScore != 100 {
		t.Errorf("everything detected at full confidence: risk = %f, want 100", a.RiskScore)
	}
	if a.FraudProbability < 0 || a.FraudProbability > 1 {
		t.Errorf("fraud probability out of range: %f", a.FraudProbability)
	}
	if a.Confidence < 0 || a.Confidence > 1 {
		t.Errorf("confidence out of range: %f", a.Confidence)
	}
}

func TestComposeConfidenceTracksCoverage(t *testing.T) {
	s := NewScorer(testScoringConfig())

	a := analysisWith(map[string]DetectionResult{
		PatternAmount:    {Evaluated: false},
		PatternFrequency: {Evaluated: false},
		PatternTime:      {Evaluated: true},
		PatternLocation:  {Evaluated: true},
	})
	s.Compose(a)

	if a.Confidence != 0.5 {
		t.Errorf("half the detectors evaluated: confidence = %f, want 0.5", a.Confidence)
	}
}

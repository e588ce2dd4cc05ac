package decision

import (
	"math"
	"time"

	"github.com/finsentry/treasury/internal/config"
	"github.com/finsentry/treasury/internal/fraud"
	"github.com/finsentry/treasury/internal/transaction"
)

// PriorityScorer computes the review-queue ordering score. Each factor is
// clamped to [0,1] before weighting, so the score itself is bounded [0,1]
// as long as the configured weights sum to 1.
type PriorityScorer struct {
	cfg config.PriorityConfig
	now func() time.Time
}

func NewPriorityScorer(cfg config.PriorityConfig) *PriorityScorer {
	return &PriorityScorer{cfg: cfg, now: time.Now}
}

// Score combines transaction age, amount, submitter reliability and the
// inverse fraud probability. Older, larger transactions from reliable
// submitters with low fraud signals sort first.
func (p *PriorityScorer) Score(tx *transaction.Transaction, analysis *fraud.RiskAnalysis, reliability float64) float64 {
	age := clamp01(p.now().Sub(tx.SubmittedAt).Seconds() / p.cfg.AgeSaturation.Seconds())
	amount := clamp01(tx.AmountValue() / p.cfg.AmountSaturation)
	rel := clamp01(reliability)
	safety := clamp01(1 - analysis.FraudProbability)

	score := p.cfg.AgeWeight*age +
		p.cfg.AmountWeight*amount +
		p.cfg.ReliabilityWeight*rel +
		p.cfg.FraudWeight*safety
	return math.Round(score*1000) / 1000
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Package decision routes completed risk analyses to a validation action.
//
// The router is a pure function over the analysis and the transaction: it
// holds no state and touches no store, which keeps it trivially parallel
// and trivially testable. Thresholds come from configuration.
package decision

import (
	"fmt"

	"github.com/finsentry/treasury/internal/config"
	"github.com/finsentry/treasury/internal/fraud"
	"github.com/finsentry/treasury/internal/transaction"
)

// Action is the routing outcome for an analyzed transaction.
type Action string

const (
	ActionAutoApprove    Action = "auto_approve"
	ActionAutoReject     Action = "auto_reject"
	ActionPriorityReview Action = "priority_review"
	ActionEscalate       Action = "escalate"
	ActionManualReview   Action = "manual_review"
)

// Escalation levels, ordered by seniority.
const (
	LevelSupervisor = "supervisor"
	LevelManager    = "manager"
)

// Decision is the router's verdict. EscalationLevel is set only for
// ActionEscalate; PriorityScore only for ActionPriorityReview.
type Decision struct {
	Action          Action
	Reason          string
	Confidence      float64
	EscalationLevel string
	PriorityScore   *float64
}

// Router maps a risk analysis to a decision using a fixed rule order.
type Router struct {
	cfg      config.RouterConfig
	priority *PriorityScorer
}

func NewRouter(cfg config.RouterConfig, priority *PriorityScorer) *Router {
	return &Router{cfg: cfg, priority: priority}
}

// Route evaluates the rules in priority order and returns the first match.
// The order is fixed: reject, approve, priority review, escalate, manual
// review. Manual review is the unconditional fallback, so Route always
// produces a decision.
func (r *Router) Route(tx *transaction.Transaction, analysis *fraud.RiskAnalysis, reliability float64) Decision {
	amount := tx.AmountValue()

	if analysis.FraudProbability >= r.cfg.RejectFraudProbability {
		return Decision{
			Action:     ActionAutoReject,
			Reason:     fmt.Sprintf("fraud probability %.2f at or above %.2f", analysis.FraudProbability, r.cfg.RejectFraudProbability),
			Confidence: analysis.Confidence,
		}
	}

	if !analysis.RequiresManualReview &&
		analysis.Confidence >= r.cfg.ApproveConfidence &&
		analysis.RiskScore <= r.cfg.ApproveMaxRisk &&
		analysis.FraudProbability <= r.cfg.ApproveMaxFraud {
		return Decision{
			Action:     ActionAutoApprove,
			Reason:     fmt.Sprintf("confidence %.2f with risk %.0f and fraud probability %.2f", analysis.Confidence, analysis.RiskScore, analysis.FraudProbability),
			Confidence: analysis.Confidence,
		}
	}

	if analysis.Confidence >= r.cfg.PriorityConfidence && analysis.RiskScore <= r.cfg.PriorityMaxRisk {
		score := r.priority.Score(tx, analysis, reliability)
		return Decision{
			Action:        ActionPriorityReview,
			Reason:        fmt.Sprintf("confidence %.2f with risk %.0f routed to priority queue", analysis.Confidence, analysis.RiskScore),
			Confidence:    analysis.Confidence,
			PriorityScore: &score,
		}
	}

	if amount > r.cfg.EscalateAmount || analysis.RiskScore >= r.cfg.EscalateRisk {
		level := LevelSupervisor
		if amount > r.cfg.ManagerAmount {
			level = LevelManager
		}
		return Decision{
			Action:          ActionEscalate,
			Reason:          fmt.Sprintf("amount %.2f or risk %.0f requires %s review", amount, analysis.RiskScore, level),
			Confidence:      analysis.Confidence,
			EscalationLevel: level,
		}
	}

	return Decision{
		Action:     ActionManualReview,
		Reason:     "no automatic rule matched",
		Confidence: analysis.Confidence,
	}
}

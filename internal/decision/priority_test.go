package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/finsentry/treasury/internal/transaction"
)

// fixedScorer pins the clock so age factors are deterministic.
func fixedScorer(now time.Time) *PriorityScorer {
	s := NewPriorityScorer(testPriorityConfig())
	s.now = func() time.Time { return now }
	return s
}

func ageTx(amount string, age time.Duration, now time.Time) *transaction.Transaction {
	return &transaction.Transaction{
		ID:          "txn_prio",
		Amount:      amount,
		SubmittedAt: now.Add(-age),
	}
}

func TestPriorityScoreBounds(t *testing.T) {
	now := time.Now()
	s := fixedScorer(now)

	// Everything saturated in the wrong direction.
	low := s.Score(ageTx("0.00", 0, now), analysis(0, 1, 0), 0)
	assert.Equal(t, 0.0, low)

	// Everything saturated in the right direction.
	high := s.Score(ageTx("2000000.00", 100*time.Hour, now), analysis(0, 0, 1), 1)
	assert.Equal(t, 1.0, high)
}

func TestPriorityScoreMonotoneInAge(t *testing.T) {
	now := time.Now()
	s := fixedScorer(now)
	a := analysis(0, 0.2, 0.8)

	young := s.Score(ageTx("1000.00", time.Hour, now), a, 0.5)
	old := s.Score(ageTx("1000.00", 48*time.Hour, now), a, 0.5)
	assert.Greater(t, old, young)

	// Past saturation age contributes nothing more.
	older := s.Score(ageTx("1000.00", 200*time.Hour, now), a, 0.5)
	saturated := s.Score(ageTx("1000.00", 72*time.Hour, now), a, 0.5)
	assert.Equal(t, saturated, older)
}

func TestPriorityScoreMonotoneInAmount(t *testing.T) {
	now := time.Now()
	s := fixedScorer(now)
	a := analysis(0, 0.2, 0.8)

	small := s.Score(ageTx("1000.00", time.Hour, now), a, 0.5)
	large := s.Score(ageTx("1000000.00", time.Hour, now), a, 0.5)
	assert.Greater(t, large, small)
}

func TestPriorityScoreDecreasesWithFraud(t *testing.T) {
	now := time.Now()
	s := fixedScorer(now)

	clean := s.Score(ageTx("1000.00", time.Hour, now), analysis(0, 0.0, 0.8), 0.5)
	dirty := s.Score(ageTx("1000.00", time.Hour, now), analysis(0, 0.6, 0.8), 0.5)
	assert.Greater(t, clean, dirty)
}

func TestPriorityScoreClampsReliability(t *testing.T) {
	now := time.Now()
	s := fixedScorer(now)
	a := analysis(0, 0.2, 0.8)

	over := s.Score(ageTx("1000.00", time.Hour, now), a, 1.7)
	atOne := s.Score(ageTx("1000.00", time.Hour, now), a, 1.0)
	assert.Equal(t, atOne, over)

	under := s.Score(ageTx("1000.00", time.Hour, now), a, -0.3)
	atZero := s.Score(ageTx("1000.00", time.Hour, now), a, 0.0)
	assert.Equal(t, atZero, under)
}

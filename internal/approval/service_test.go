package approval

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsentry/treasury/internal/audit"
	"github.com/finsentry/treasury/internal/config"
	"github.com/finsentry/treasury/internal/decision"
	"github.com/finsentry/treasury/internal/executor"
	"github.com/finsentry/treasury/internal/fraud"
	"github.com/finsentry/treasury/internal/learning"
	"github.com/finsentry/treasury/internal/notify"
	"github.com/finsentry/treasury/internal/profile"
	"github.com/finsentry/treasury/internal/transaction"
)

type captureSender struct {
	mu      sync.Mutex
	batches map[string][][]*notify.Notification
}

func (s *captureSender) Send(_ context.Context, recipientID string, batch []*notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batches == nil {
		s.batches = make(map[string][][]*notify.Notification)
	}
	s.batches[recipientID] = append(s.batches[recipientID], batch)
	return nil
}

type fixture struct {
	svc      *Service
	txs      *transaction.MemoryStore
	profiles *profile.MemoryStore
	records  *learning.MemoryStore
	bundler  *notify.Bundler
	graph    *fraud.SubmitterGraph
	sender   *captureSender
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()

	cfg, err := config.Load()
	require.NoError(t, err)
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	txs := transaction.NewMemoryStore()
	profiles := profile.NewMemoryStore()
	records := learning.NewMemoryStore()
	graph := fraud.NewSubmitterGraph(0)
	sender := &captureSender{}
	bundler := notify.NewBundler(sender, logger, cfg.Bundler)

	resolver := &fraud.StaticResolver{Table: map[string]fraud.Location{
		"203.0.113.1": {Country: "United States", CountryCode: "US"},
		"203.0.113.9": {Country: "Northland", CountryCode: "KP"},
	}}

	analyzer := fraud.NewAnalyzer(cfg.Detectors, cfg.Scoring, nil,
		profiles, txs, resolver, graph, fraud.NewMemoryStore())
	router := decision.NewRouter(cfg.Router, decision.NewPriorityScorer(cfg.Priority))
	exec := executor.New(txs, audit.NewMemorySink(), logger, cfg.SystemValidatorID, cfg.ServiceFeeRate)

	recorder := learning.NewRecorder(records, logger)
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	go recorder.Start(recorderCtx)
	t.Cleanup(stopRecorder)

	svc := NewService(txs, profiles, analyzer, router, exec,
		recorder, records, bundler, nil, graph, logger)

	return &fixture{
		svc:      svc,
		txs:      txs,
		profiles: profiles,
		records:  records,
		bundler:  bundler,
		graph:    graph,
		sender:   sender,
	}
}

// establishedProfile gives a submitter enough clean history that every
// history-backed detector evaluates against it.
func establishedProfile(submitterID string) *profile.HistoricalProfile {
	p := &profile.HistoricalProfile{SubmitterID: submitterID, TotalValidated: 240}
	for i := 0; i < 30; i++ {
		p.AppendAmount(90 + float64(i%3)*10) // 90, 100, 110
	}
	p.AvgDailyCount = 2
	for h := 0; h < 24; h++ {
		p.HourHistogram[h] = 10
	}
	p.AddLocation("US")
	p.Features = profile.FeatureVector{
		AvgAmount:    100,
		StddevAmount: 10,
		AvgHour:      12,
		StddevHour:   6,
		Samples:      30,
	}
	return p
}

func submit(amount, submitterID, origin string) *transaction.Transaction {
	return &transaction.Transaction{
		Type:        transaction.TypeExpense,
		Amount:      amount,
		SubmitterID: submitterID,
		OriginAddr:  origin,
	}
}

func TestSubmitCleanTransactionAutoApproves(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.profiles.Upsert(ctx, establishedProfile("user1")))

	res, err := f.svc.Submit(ctx, submit("100.00", "user1", "203.0.113.1"))
	require.NoError(t, err)

	assert.Equal(t, decision.ActionAutoApprove, res.Decision.Action)
	assert.Equal(t, transaction.StatusApproved, res.Transaction.Status)
	assert.NotEmpty(t, res.Transaction.ValidatorID)
	assert.False(t, res.Analysis.FailSafe)
	assert.Equal(t, 0.0, res.Analysis.RiskScore)
	assert.GreaterOrEqual(t, res.Analysis.Confidence, 0.9)
	for name, r := range res.Analysis.Patterns {
		assert.True(t, r.Evaluated, "detector %s should have evaluated", name)
		assert.False(t, r.Detected, "detector %s should not have detected", name)
	}

	// The submitter is told about the approval in the next bundle.
	require.Eventually(t, func() bool { return f.bundler.PendingFor("user1") == 1 },
		time.Second, 5*time.Millisecond)

	// And the decision lands in the learning store.
	require.Eventually(t, func() bool { return f.records.Len() == 1 },
		time.Second, 5*time.Millisecond)
	recs, err := f.records.ListByTransaction(ctx, res.Transaction.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, string(decision.ActionAutoApprove), recs[0].Decision.Action)
	assert.Equal(t, "approved", recs[0].Outcome.Status)
}

func TestSubmitLargeAnomalousAmountEscalatesToManager(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// History in the low millions; nine million is anomalous but not so
	// far out that the fraud probability alone rejects it.
	p := establishedProfile("user2")
	p.AmountSamples = nil
	p.Features = profile.FeatureVector{}
	for i := 0; i < 10; i++ {
		p.AppendAmount(1_500_000)
		p.AppendAmount(3_500_000)
	}
	require.NoError(t, f.profiles.Upsert(ctx, p))

	res, err := f.svc.Submit(ctx, submit("9000000.00", "user2", "203.0.113.1"))
	require.NoError(t, err)

	assert.Equal(t, decision.ActionEscalate, res.Decision.Action)
	assert.Equal(t, decision.LevelManager, res.Decision.EscalationLevel)
	assert.True(t, res.Analysis.Patterns[fraud.PatternAmount].Detected)
	assert.True(t, res.Analysis.Patterns[fraud.PatternVelocity].Detected)
	assert.Less(t, res.Analysis.FraudProbability, 0.8)
	assert.True(t, res.Analysis.RequiresManualReview)

	// Escalation leaves the transaction pending with the level recorded.
	assert.Equal(t, transaction.StatusPending, res.Transaction.Status)
	assert.Equal(t, decision.LevelManager, res.Transaction.EscalationLevel)

	// The manager group is notified, not the submitter.
	require.Eventually(t, func() bool { return f.bundler.PendingFor("reviewers:manager") == 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.bundler.PendingFor("user2"))
}

func TestSubmitFromSuspiciousCountryAutoRejects(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Detectors.Location.SuspiciousCountries = []string{"KP"}
	})
	ctx := context.Background()

	p := establishedProfile("user3")
	p.AmountSamples = nil
	p.Features = profile.FeatureVector{}
	for i := 0; i < 10; i++ {
		p.AppendAmount(1_500_000)
		p.AppendAmount(3_500_000)
	}
	require.NoError(t, f.profiles.Upsert(ctx, p))

	res, err := f.svc.Submit(ctx, submit("9000000.00", "user3", "203.0.113.9"))
	require.NoError(t, err)

	assert.Equal(t, decision.ActionAutoReject, res.Decision.Action)
	assert.Equal(t, transaction.StatusRejected, res.Transaction.Status)
	assert.GreaterOrEqual(t, res.Analysis.FraudProbability, 0.8)
	assert.True(t, res.Analysis.Patterns[fraud.PatternLocation].Detected)

	// A rejection flags the submitter in the network graph.
	conns := f.graph.SuspiciousConnections("someone_else", "203.0.113.9", time.Now())
	assert.Equal(t, 1, conns)
}

func TestSubmitFirstTimeSubmitterNeverAutoApproves(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, submit("50.00", "stranger", "203.0.113.1"))
	require.NoError(t, err)

	assert.NotEqual(t, decision.ActionAutoApprove, res.Decision.Action)
	assert.Equal(t, transaction.StatusPending, res.Transaction.Status)
}

func TestHumanOverrideOfAutoRejectIsRecorded(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Detectors.Location.SuspiciousCountries = []string{"KP"}
	})
	ctx := context.Background()

	p := establishedProfile("user3")
	p.AmountSamples = nil
	p.Features = profile.FeatureVector{}
	for i := 0; i < 10; i++ {
		p.AppendAmount(1_500_000)
		p.AppendAmount(3_500_000)
	}
	require.NoError(t, f.profiles.Upsert(ctx, p))

	res, err := f.svc.Submit(ctx, submit("9000000.00", "user3", "203.0.113.9"))
	require.NoError(t, err)
	require.Equal(t, decision.ActionAutoReject, res.Decision.Action)

	// Wait for the submit record before the human steps in.
	require.Eventually(t, func() bool { return f.records.Len() == 1 },
		time.Second, 5*time.Millisecond)

	id := res.Transaction.ID
	require.NoError(t, f.svc.Revert(ctx, id, "treasurer1", "verified with the bank"))
	require.NoError(t, f.svc.Approve(ctx, id, "treasurer1", executor.Approval{Note: "documents check out"}))

	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusApproved, got.Status)
	assert.Equal(t, "treasurer1", got.ValidatorID)

	require.Eventually(t, func() bool { return f.records.Len() == 2 },
		time.Second, 5*time.Millisecond)
	recs, err := f.records.ListByTransaction(ctx, id)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	final := recs[1]
	assert.Equal(t, "approve", final.Decision.Action)
	assert.Equal(t, "approved", final.Outcome.Status)
	assert.True(t, final.Outcome.HumanOverride, "approving an auto-rejected transaction is an override")
}

func TestHumanRejectWithoutPriorAutoDecisionIsNotOverride(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, submit("50.00", "stranger", "203.0.113.1"))
	require.NoError(t, err)
	require.Equal(t, transaction.StatusPending, res.Transaction.Status)

	require.Eventually(t, func() bool { return f.records.Len() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.Reject(ctx, res.Transaction.ID, "treasurer1", "no receipt"))

	require.Eventually(t, func() bool { return f.records.Len() == 2 },
		time.Second, 5*time.Millisecond)
	recs, err := f.records.ListByTransaction(ctx, res.Transaction.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.False(t, recs[1].Outcome.HumanOverride)
}

func TestLearningRecordsCarryResolvedCountry(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.profiles.Upsert(ctx, establishedProfile("user1")))

	res, err := f.svc.Submit(ctx, submit("100.00", "user1", "203.0.113.1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.records.Len() == 1 },
		time.Second, 5*time.Millisecond)
	recs, err := f.records.ListByTransaction(ctx, res.Transaction.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "US", recs[0].CountryCode,
		"the submit record must carry the resolved origin country for profile rebuilds")

	// A later human outcome inherits the country from the submit record.
	id := res.Transaction.ID
	require.NoError(t, f.svc.Revert(ctx, id, "treasurer1", "spot check"))
	require.NoError(t, f.svc.Reject(ctx, id, "treasurer1", "duplicate receipt"))

	require.Eventually(t, func() bool { return f.records.Len() == 2 },
		time.Second, 5*time.Millisecond)
	recs, err = f.records.ListByTransaction(ctx, id)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "US", recs[1].CountryCode)
}

func TestRequestRevisionLeavesQueueAndIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, submit("50.00", "stranger", "203.0.113.1"))
	require.NoError(t, err)
	require.Equal(t, transaction.StatusPending, res.Transaction.Status)

	require.Eventually(t, func() bool { return f.records.Len() == 1 },
		time.Second, 5*time.Millisecond)

	id := res.Transaction.ID
	require.ErrorIs(t, f.svc.RequestRevision(ctx, id, "treasurer1", ""), executor.ErrReasonRequired)
	require.NoError(t, f.svc.RequestRevision(ctx, id, "treasurer1", "missing invoice number"))

	got, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusNeedRevision, got.Status)
	assert.Equal(t, "treasurer1", got.ValidatorID)

	queue, err := f.svc.Queue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, queue, "a transaction sent back for revision leaves the review queue")

	require.Eventually(t, func() bool { return f.records.Len() == 2 },
		time.Second, 5*time.Millisecond)
	recs, err := f.records.ListByTransaction(ctx, id)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "request_revision", recs[1].Decision.Action)
	assert.Equal(t, string(transaction.StatusNeedRevision), recs[1].Outcome.Status)

	// Revert brings it back to pending for re-review after resubmission.
	require.NoError(t, f.svc.Revert(ctx, id, "treasurer1", "revised documents attached"))
	got, err = f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, transaction.StatusPending, got.Status)
}

func TestQueueOrdering(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	// Two manual-review submissions from strangers stay pending.
	first, err := f.svc.Submit(ctx, submit("50.00", "stranger1", ""))
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, submit("60.00", "stranger2", ""))
	require.NoError(t, err)

	queue, err := f.svc.Queue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, first.Transaction.ID, queue[0].ID, "older submission first among unscored")
	assert.Equal(t, second.Transaction.ID, queue[1].ID)
}

package learning

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/finsentry/treasury/internal/config"
	"github.com/finsentry/treasury/internal/fraud"
	"github.com/finsentry/treasury/internal/metrics"
	"github.com/finsentry/treasury/internal/profile"
)

// Trainer periodically rebuilds submitter profiles from the trailing window
// of validated outcomes and nudges detector calibration from override
// feedback. It never runs on the request path.
type Trainer struct {
	store    Store
	profiles profile.Store
	cal      *fraud.Calibration
	logger   *slog.Logger
	cfg      config.TrainerConfig
	stop     chan struct{}
	running  atomic.Bool
}

func NewTrainer(store Store, profiles profile.Store, cal *fraud.Calibration, logger *slog.Logger, cfg config.TrainerConfig) *Trainer {
	return &Trainer{
		store:    store,
		profiles: profiles,
		cal:      cal,
		logger:   logger,
		cfg:      cfg,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the trainer loop is active.
func (t *Trainer) Running() bool {
	return t.running.Load()
}

// Start runs the refresh loop until the context is cancelled or Stop is
// called. An immediate refresh runs on startup so a restarted service does
// not wait a full interval for baselines.
func (t *Trainer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeDoWork(ctx, t.Refresh)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeDoWork(ctx, t.Refresh)
		}
	}
}

// Stop signals the trainer to stop.
func (t *Trainer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Trainer) safeDoWork(ctx context.Context, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in learning trainer", "panic", fmt.Sprint(r))
		}
	}()
	fn(ctx)
}

// Refresh performs one training cycle: profile recomputation plus
// calibration adjustment. Exposed for tests and admin-triggered runs.
// Rebuilding each profile from the full trailing window makes a retried
// cycle idempotent.
func (t *Trainer) Refresh(ctx context.Context) {
	since := time.Now().Add(-time.Duration(t.cfg.HistoryDays) * 24 * time.Hour)
	records, err := t.store.ListSince(ctx, since)
	if err != nil {
		t.logger.Error("trainer: failed to load learning records", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	bySubmitter := make(map[string][]*Record)
	for _, rec := range records {
		if rec.Validated() {
			bySubmitter[rec.SubmitterID] = append(bySubmitter[rec.SubmitterID], rec)
		}
	}

	refreshed := 0
	for submitterID, recs := range bySubmitter {
		if len(recs) < t.cfg.MinOutcomes {
			continue
		}
		p := t.rebuildProfile(submitterID, recs)
		if err := t.profiles.Upsert(ctx, p); err != nil {
			t.logger.Warn("trainer: profile upsert failed",
				"submitter", submitterID, "error", err)
			continue
		}
		refreshed++
	}

	t.adjustCalibration(records)

	if refreshed > 0 {
		metrics.BaselineRefreshesTotal.Inc()
		t.logger.Info("profiles recomputed",
			"submitters", refreshed, "records", len(records))
	}
}

// rebuildProfile derives a complete profile from a submitter's validated
// records, oldest first.
func (t *Trainer) rebuildProfile(submitterID string, recs []*Record) *profile.HistoricalProfile {
	p := &profile.HistoricalProfile{
		SubmitterID: submitterID,
		UpdatedAt:   time.Now(),
	}

	var amounts, hours []float64
	rejected := 0
	for _, rec := range recs {
		p.AppendAmount(rec.Amount)
		amounts = append(amounts, rec.Amount)
		if rec.Hour >= 0 && rec.Hour < 24 {
			p.HourHistogram[rec.Hour]++
			hours = append(hours, float64(rec.Hour))
		}
		p.AddLocation(rec.CountryCode)
		if rec.Outcome.Status == "rejected" {
			rejected++
		}
	}

	p.TotalValidated = len(recs)
	p.RejectedCount = rejected
	p.AvgDailyCount = float64(len(recs)) / float64(t.cfg.HistoryDays)

	avgAmount, stddevAmount := meanStddev(amounts)
	avgHour, stddevHour := meanStddev(hours)
	p.Features = profile.FeatureVector{
		AvgAmount:    avgAmount,
		StddevAmount: stddevAmount,
		AvgHour:      avgHour,
		StddevHour:   stddevHour,
		Samples:      len(amounts),
	}
	return p
}

// adjustCalibration counts human overrides of automatic decisions. An
// auto-reject that a human later approved is a false positive; an
// auto-approve later rejected is a false negative. Excess false positives
// raise thresholds (less sensitive), excess false negatives lower them.
func (t *Trainer) adjustCalibration(records []*Record) {
	if t.cal == nil {
		return
	}

	falsePositives, falseNegatives := 0, 0
	for _, rec := range records {
		if !rec.Outcome.HumanOverride {
			continue
		}
		switch {
		case rec.Decision.Action == "auto_reject" && rec.Outcome.Status == "approved":
			falsePositives++
		case rec.Decision.Action == "auto_approve" && rec.Outcome.Status == "rejected":
			falseNegatives++
		}
	}
	if falsePositives == falseNegatives {
		return
	}

	delta := t.cfg.AdjustStep
	if falseNegatives > falsePositives {
		delta = -delta
	}
	t.cal.Adjust(delta, delta, t.cfg.AdjustMaxDrift)

	amountScale, behaviorScale := t.cal.Scales()
	t.logger.Info("detector calibration adjusted",
		"false_positives", falsePositives,
		"false_negatives", falseNegatives,
		"amount_scale", amountScale,
		"behavior_scale", behaviorScale)
}

func meanStddev(values []float64) (mean, stddev float64) {
	n := len(values)
	if n == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(n)
	var varianceSum float64
	for _, v := range values {
		diff := v - mean
		varianceSum += diff * diff
	}
	stddev = math.Sqrt(varianceSum / float64(n))
	return mean, stddev
}

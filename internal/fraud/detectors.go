package fraud

import (
	"context"
	"math"
	"time"

	"github.com/finsentry/treasury/internal/config"
	"github.com/finsentry/treasury/internal/money"
	"github.com/finsentry/treasury/internal/profile"
	"github.com/finsentry/treasury/internal/transaction"
)

// Input carries everything a detector may inspect. Profile, Location, and
// Graph may be nil/empty; each detector degrades to not-detected when the
// data it needs is missing.
type Input struct {
	Tx      *transaction.Transaction
	Profile *profile.HistoricalProfile
	// Recent holds the submitter's other transactions inside the lookback
	// window, newest first. The transaction under analysis is excluded.
	Recent   []*transaction.Transaction
	Location *Location
	Graph    *SubmitterGraph
	Now      time.Time
}

// Detector is a single anomaly-detection rule.
type Detector interface {
	Name() string
	Detect(ctx context.Context, in *Input) DetectionResult
}

// Detectors builds the full detector set from configuration. The amount and
// behavioral thresholds are scaled at evaluation time by cal, which the
// learning trainer adjusts from outcome feedback; pass nil to pin both
// thresholds at their configured values.
func Detectors(cfg config.DetectorConfig, cal *Calibration) []Detector {
	return []Detector{
		&amountDetector{cfg: cfg.Amount, cal: cal},
		&frequencyDetector{cfg: cfg.Frequency},
		&timePatternDetector{cfg: cfg.Time},
		&locationDetector{cfg: cfg.Location},
		&behavioralDetector{cfg: cfg.Behavioral, cal: cal},
		&duplicateDetector{cfg: cfg.Duplicate},
		&velocityDetector{cfg: cfg.Velocity},
		&networkDetector{cfg: cfg.Network},
	}
}

func notEvaluated() DetectionResult {
	return DetectionResult{Detected: false, Confidence: 0, Evaluated: false}
}

// ---------------------------------------------------------------------------
// Amount anomaly: z-score of the amount against the submitter's history
// ---------------------------------------------------------------------------

type amountDetector struct {
	cfg config.AmountAnomalyConfig
	cal *Calibration
}

func (d *amountDetector) Name() string { return PatternAmount }

func (d *amountDetector) Detect(_ context.Context, in *Input) DetectionResult {
	if in.Profile == nil || len(in.Profile.AmountSamples) < d.cfg.MinSamples {
		return notEvaluated()
	}

	mean, stddev, n := in.Profile.AmountStats()
	// A perfectly uniform history has stddev 0; use a floor so a genuine
	// outlier still registers instead of dividing by zero.
	if stddev == 0 {
		stddev = math.Max(mean*0.01, 0.01)
	}

	amount := in.Tx.AmountValue()
	z := math.Abs(amount-mean) / stddev

	threshold := d.cfg.ThresholdMultiplier
	if d.cal != nil {
		threshold *= d.cal.AmountScale()
	}
	detected := z > threshold
	confidence := 0.0
	if detected {
		confidence = math.Min(1, z/10)
	}
	return DetectionResult{
		Detected:   detected,
		Confidence: confidence,
		Evaluated:  true,
		Details: map[string]any{
			"zScore":  round3(z),
			"mean":    round3(mean),
			"stddev":  round3(stddev),
			"samples": n,
		},
	}
}

// ---------------------------------------------------------------------------
// Frequency anomaly: recent transaction count vs historical average
// ---------------------------------------------------------------------------

type frequencyDetector struct {
	cfg config.FrequencyAnomalyConfig
}

func (d *frequencyDetector) Name() string { return PatternFrequency }

func (d *frequencyDetector) Detect(_ context.Context, in *Input) DetectionResult {
	if in.Profile == nil || in.Profile.AvgDailyCount <= 0 {
		return notEvaluated()
	}

	window := time.Duration(d.cfg.WindowDays) * 24 * time.Hour
	cutoff := in.Now.Add(-window)
	recent := 1 // the transaction under analysis
	for _, tx := range in.Recent {
		if tx.SubmittedAt.After(cutoff) {
			recent++
		}
	}

	expected := in.Profile.AvgDailyCount * float64(d.cfg.WindowDays)
	ratio := float64(recent) / expected

	detected := ratio > d.cfg.ThresholdMultiplier
	confidence := 0.0
	if detected {
		confidence = math.Min(1, ratio/(d.cfg.ThresholdMultiplier*2))
	}
	return DetectionResult{
		Detected:   detected,
		Confidence: confidence,
		Evaluated:  true,
		Details: map[string]any{
			"recentCount": recent,
			"expected":    round3(expected),
			"ratio":       round3(ratio),
		},
	}
}

// ---------------------------------------------------------------------------
// Time pattern: transaction lands in an unusual hour the user rarely uses
// ---------------------------------------------------------------------------

type timePatternDetector struct {
	cfg config.TimePatternConfig
}

func (d *timePatternDetector) Name() string { return PatternTime }

func (d *timePatternDetector) Detect(_ context.Context, in *Input) DetectionResult {
	if in.Profile == nil || in.Profile.TotalObservations() < 1 {
		return notEvaluated()
	}

	hour := in.Tx.SubmittedAt.Hour()
	unusual := false
	for _, h := range d.cfg.UnusualHours {
		if h == hour {
			unusual = true
			break
		}
	}
	if !unusual {
		return DetectionResult{Detected: false, Evaluated: true}
	}

	// Fraction of the user's history that falls in any configured
	// unusual hour.
	total := in.Profile.TotalObservations()
	count := 0
	for _, h := range d.cfg.UnusualHours {
		if h >= 0 && h < 24 {
			count += in.Profile.HourHistogram[h]
		}
	}
	ratio := float64(count) / float64(total)

	if ratio >= d.cfg.RareRatio {
		return DetectionResult{
			Detected:  false,
			Evaluated: true,
			Details:   map[string]any{"unusualHourRatio": round3(ratio)},
		}
	}
	return DetectionResult{
		Detected:   true,
		Confidence: 1 - ratio,
		Evaluated:  true,
		Details: map[string]any{
			"hour":             hour,
			"unusualHourRatio": round3(ratio),
		},
	}
}

// ---------------------------------------------------------------------------
// Location anomaly: suspicious or never-seen origin country
// ---------------------------------------------------------------------------

type locationDetector struct {
	cfg config.LocationConfig
}

func (d *locationDetector) Name() string { return PatternLocation }

func (d *locationDetector) Detect(_ context.Context, in *Input) DetectionResult {
	if in.Location == nil || in.Location.CountryCode == "" {
		// Resolver unavailable or lookup failed: degrade, don't block.
		return notEvaluated()
	}

	code := in.Location.CountryCode
	for _, suspicious := range d.cfg.SuspiciousCountries {
		if suspicious == code {
			return DetectionResult{
				Detected:   true,
				Confidence: d.cfg.SuspiciousConfidence,
				Evaluated:  true,
				Details: map[string]any{
					"countryCode": code,
					"reason":      "suspicious_country",
				},
			}
		}
	}

	if in.Profile != nil && len(in.Profile.Locations) >= 1 && !in.Profile.HasLocation(code) {
		return DetectionResult{
			Detected:   true,
			Confidence: d.cfg.NovelConfidence,
			Evaluated:  true,
			Details: map[string]any{
				"countryCode": code,
				"reason":      "never_seen_country",
			},
		}
	}

	return DetectionResult{
		Detected:  false,
		Evaluated: true,
		Details:   map[string]any{"countryCode": code},
	}
}

// ---------------------------------------------------------------------------
// Behavioral anomaly: weighted deviation across the feature vector
// ---------------------------------------------------------------------------

// Feature weights for the behavioral deviation. Session duration carries the
// least weight because it is absent for most submission paths.
const (
	behaviorAmountWeight  = 0.5
	behaviorHourWeight    = 0.3
	behaviorSessionWeight = 0.2
)

type behavioralDetector struct {
	cfg config.BehavioralConfig
	cal *Calibration
}

func (d *behavioralDetector) Name() string { return PatternBehavioral }

func (d *behavioralDetector) Detect(_ context.Context, in *Input) DetectionResult {
	if in.Profile == nil || in.Profile.Features.Samples < d.cfg.MinSamples {
		return notEvaluated()
	}
	f := in.Profile.Features

	amountDev := scaledDeviation(in.Tx.AmountValue(), f.AvgAmount, f.StddevAmount)
	hourDev := scaledDeviation(hourDistance(float64(in.Tx.SubmittedAt.Hour()), f.AvgHour), 0, f.StddevHour)

	// Session duration is not observable at submission; it contributes only
	// through its weight being excluded from the normalization.
	deviation := (behaviorAmountWeight*amountDev + behaviorHourWeight*hourDev) /
		(behaviorAmountWeight + behaviorHourWeight)

	threshold := d.cfg.DeviationThreshold
	if d.cal != nil {
		threshold *= d.cal.BehaviorScale()
	}
	detected := deviation > threshold
	confidence := 0.0
	if detected {
		confidence = math.Min(1, deviation/(threshold*2))
	}
	return DetectionResult{
		Detected:   detected,
		Confidence: confidence,
		Evaluated:  true,
		Details: map[string]any{
			"deviation": round3(deviation),
			"amountDev": round3(amountDev),
			"hourDev":   round3(hourDev),
		},
	}
}

// scaledDeviation returns |value-mean| in standard-deviation units with a
// floor on stddev to avoid cold-start lock-in on uniform histories.
func scaledDeviation(value, mean, stddev float64) float64 {
	if stddev <= 0 {
		stddev = math.Max(math.Abs(mean)*0.05, 0.01)
	}
	return math.Abs(value-mean) / stddev
}

// hourDistance returns the circular distance between two hours of day.
func hourDistance(a, b float64) float64 {
	d := math.Abs(a - b)
	if d > 12 {
		d = 24 - d
	}
	return d
}

// ---------------------------------------------------------------------------
// Duplicate detection: same submitter + amount inside the trailing window
// ---------------------------------------------------------------------------

type duplicateDetector struct {
	cfg config.DuplicateConfig
}

func (d *duplicateDetector) Name() string { return PatternDuplicate }

func (d *duplicateDetector) Detect(_ context.Context, in *Input) DetectionResult {
	target, ok := money.Parse(in.Tx.Amount)
	if !ok {
		return DetectionResult{Detected: false, Evaluated: true}
	}

	cutoff := in.Now.Add(-d.cfg.Window)
	matches := 0
	for _, tx := range in.Recent {
		if tx.ID == in.Tx.ID || !tx.SubmittedAt.After(cutoff) {
			continue
		}
		// Compare parsed values so "100.0" and "100.00" match.
		if cents, ok := money.Parse(tx.Amount); ok && cents.Cmp(target) == 0 {
			matches++
		}
	}

	if matches == 0 {
		return DetectionResult{Detected: false, Evaluated: true}
	}
	return DetectionResult{
		Detected:   true,
		Confidence: math.Min(1, float64(matches)/5),
		Evaluated:  true,
		Details:    map[string]any{"matchCount": matches},
	}
}

// ---------------------------------------------------------------------------
// Velocity checks: count and cumulative amount per rolling hour/day
// ---------------------------------------------------------------------------

type velocityDetector struct {
	cfg config.VelocityConfig
}

func (d *velocityDetector) Name() string { return PatternVelocity }

func (d *velocityDetector) Detect(_ context.Context, in *Input) DetectionResult {
	hourCutoff := in.Now.Add(-1 * time.Hour)
	dayCutoff := in.Now.Add(-24 * time.Hour)

	countHour, countDay := 1, 1 // include the transaction under analysis
	amountHour := in.Tx.AmountValue()
	amountDay := amountHour
	for _, tx := range in.Recent {
		if tx.ID == in.Tx.ID {
			continue
		}
		v := tx.AmountValue()
		if tx.SubmittedAt.After(dayCutoff) {
			countDay++
			amountDay += v
		}
		if tx.SubmittedAt.After(hourCutoff) {
			countHour++
			amountHour += v
		}
	}

	violations := 0
	details := map[string]any{
		"countHour":  countHour,
		"countDay":   countDay,
		"amountHour": round3(amountHour),
		"amountDay":  round3(amountDay),
	}
	if countHour > d.cfg.MaxCountPerHour {
		violations++
		details["countHourExceeded"] = true
	}
	if countDay > d.cfg.MaxCountPerDay {
		violations++
		details["countDayExceeded"] = true
	}
	if amountHour > d.cfg.MaxAmountPerHour {
		violations++
		details["amountHourExceeded"] = true
	}
	if amountDay > d.cfg.MaxAmountPerDay {
		violations++
		details["amountDayExceeded"] = true
	}

	return DetectionResult{
		Detected:   violations > 0,
		Confidence: float64(violations) / 4,
		Evaluated:  true,
		Details:    details,
	}
}

// ---------------------------------------------------------------------------
// Network analysis: shared identifiers with other flagged submitters
// ---------------------------------------------------------------------------

type networkDetector struct {
	cfg config.NetworkConfig
}

func (d *networkDetector) Name() string { return PatternNetwork }

func (d *networkDetector) Detect(_ context.Context, in *Input) DetectionResult {
	if in.Graph == nil {
		return notEvaluated()
	}

	connections := in.Graph.SuspiciousConnections(in.Tx.SubmitterID, in.Tx.OriginAddr, in.Now)
	if connections < d.cfg.MinConnections {
		return DetectionResult{Detected: false, Evaluated: true}
	}
	return DetectionResult{
		Detected:   true,
		Confidence: math.Min(1, float64(connections)/3),
		Evaluated:  true,
		Details:    map[string]any{"connections": connections},
	}
}

// round3 rounds to 3 decimal places for stable detail payloads.
func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

// Package profile maintains per-submitter historical behavior aggregates.
//
// Profiles are the baseline the anomaly detectors compare against: rolling
// amount samples, transaction frequency, an hour-of-day histogram, the set
// of locations seen, and a small behavioral feature vector. Profiles are
// created lazily on first sight of a submitter, read by the detectors, and
// written only by the learning trainer.
package profile

import (
	"context"
	"errors"
	"math"
	"time"
)

// MaxAmountSamples bounds the rolling amount window.
const MaxAmountSamples = 500

var ErrNotFound = errors.New("profile not found")

// FeatureVector is the behavioral baseline used by the behavioral detector.
type FeatureVector struct {
	AvgAmount     float64 `json:"avgAmount"`
	StddevAmount  float64 `json:"stddevAmount"`
	AvgHour       float64 `json:"avgHour"`
	StddevHour    float64 `json:"stddevHour"`
	AvgSessionSec float64 `json:"avgSessionSec"`
	StddevSession float64 `json:"stddevSession"`
	Samples       int     `json:"samples"`
}

// HistoricalProfile holds a submitter's aggregates.
type HistoricalProfile struct {
	SubmitterID string `json:"submitterId"`

	// AmountSamples is the bounded rolling window of validated amounts,
	// oldest first.
	AmountSamples []float64 `json:"amountSamples"`

	// AvgDailyCount is the historical average number of transactions per day.
	AvgDailyCount float64 `json:"avgDailyCount"`

	HourHistogram [24]int  `json:"hourHistogram"`
	Locations     []string `json:"locations"` // distinct country codes

	Features FeatureVector `json:"features"`

	TotalValidated int       `json:"totalValidated"`
	RejectedCount  int       `json:"rejectedCount"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Store persists historical profiles. Upsert must be idempotent: the
// learning trainer may retry a refresh without duplicating effects.
type Store interface {
	Get(ctx context.Context, submitterID string) (*HistoricalProfile, error)
	Upsert(ctx context.Context, p *HistoricalProfile) error
}

// AmountStats returns the mean and population standard deviation of the
// rolling amount window, plus the sample count.
func (p *HistoricalProfile) AmountStats() (mean, stddev float64, n int) {
	n = len(p.AmountSamples)
	if n == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, v := range p.AmountSamples {
		sum += v
	}
	mean = sum / float64(n)
	var varianceSum float64
	for _, v := range p.AmountSamples {
		diff := v - mean
		varianceSum += diff * diff
	}
	stddev = math.Sqrt(varianceSum / float64(n))
	return mean, stddev, n
}

// HourRatio returns the fraction of historical transactions that occurred
// in the given hour of day.
func (p *HistoricalProfile) HourRatio(hour int) float64 {
	if hour < 0 || hour > 23 {
		return 0
	}
	total := 0
	for _, c := range p.HourHistogram {
		total += c
	}
	if total == 0 {
		return 0
	}
	return float64(p.HourHistogram[hour]) / float64(total)
}

// TotalObservations returns the number of transactions in the hour histogram.
func (p *HistoricalProfile) TotalObservations() int {
	total := 0
	for _, c := range p.HourHistogram {
		total += c
	}
	return total
}

// HasLocation reports whether the submitter has transacted from the given
// country code before.
func (p *HistoricalProfile) HasLocation(code string) bool {
	for _, loc := range p.Locations {
		if loc == code {
			return true
		}
	}
	return false
}

// AddLocation records a country code if not already present.
func (p *HistoricalProfile) AddLocation(code string) {
	if code == "" || p.HasLocation(code) {
		return
	}
	p.Locations = append(p.Locations, code)
}

// RejectionRate returns the submitter's historical rejection rate in [0, 1].
func (p *HistoricalProfile) RejectionRate() float64 {
	if p.TotalValidated == 0 {
		return 0
	}
	rate := float64(p.RejectedCount) / float64(p.TotalValidated)
	if rate > 1 {
		rate = 1
	}
	return rate
}

// AppendAmount pushes an amount into the rolling window, evicting the
// oldest sample when the window is full.
func (p *HistoricalProfile) AppendAmount(amount float64) {
	p.AmountSamples = append(p.AmountSamples, amount)
	if len(p.AmountSamples) > MaxAmountSamples {
		p.AmountSamples = p.AmountSamples[len(p.AmountSamples)-MaxAmountSamples:]
	}
}

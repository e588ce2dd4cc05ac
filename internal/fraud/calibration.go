package fraud

import "sync"

// Calibration holds the runtime scale factors the learning trainer applies
// to detector thresholds. A scale of 1.0 means the configured threshold is
// used as-is; above 1.0 the detector is less sensitive, below 1.0 more.
// Scales are clamped to [1-maxDrift, 1+maxDrift] so feedback can only nudge
// thresholds, never swing them.
type Calibration struct {
	mu            sync.RWMutex
	amountScale   float64
	behaviorScale float64
}

func NewCalibration() *Calibration {
	return &Calibration{amountScale: 1.0, behaviorScale: 1.0}
}

func (c *Calibration) AmountScale() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.amountScale
}

func (c *Calibration) BehaviorScale() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.behaviorScale
}

// Adjust applies relative deltas to both scales, clamping each to
// [1-maxDrift, 1+maxDrift].
func (c *Calibration) Adjust(amountDelta, behaviorDelta, maxDrift float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.amountScale = clampScale(c.amountScale+amountDelta, maxDrift)
	c.behaviorScale = clampScale(c.behaviorScale+behaviorDelta, maxDrift)
}

// Scales returns both current scales, for logging and tests.
func (c *Calibration) Scales() (amount, behavior float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.amountScale, c.behaviorScale
}

func clampScale(v, maxDrift float64) float64 {
	if v < 1-maxDrift {
		return 1 - maxDrift
	}
	if v > 1+maxDrift {
		return 1 + maxDrift
	}
	return v
}

package fraud

import (
	"math"
	"testing"
)

func TestCalibrationStartsNeutral(t *testing.T) {
	cal := NewCalibration()
	a, b := cal.Scales()
	if a != 1.0 || b != 1.0 {
		t.Errorf("scales = %f, %f, want 1.0, 1.0", a, b)
	}
}

func TestCalibrationAdjustAndClamp(t *testing.T) {
	cal := NewCalibration()

	cal.Adjust(0.05, -0.05, 0.5)
	a, b := cal.Scales()
	if math.Abs(a-1.05) > 1e-9 {
		t.Errorf("amount scale = %f, want 1.05", a)
	}
	if math.Abs(b-0.95) > 1e-9 {
		t.Errorf("behavior scale = %f, want 0.95", b)
	}

	// Repeated adjustment never drifts past the bound.
	for i := 0; i < 100; i++ {
		cal.Adjust(0.05, -0.05, 0.5)
	}
	a, b = cal.Scales()
	if a != 1.5 {
		t.Errorf("amount scale = %f, want clamp at 1.5", a)
	}
	if b != 0.5 {
		t.Errorf("behavior scale = %f, want clamp at 0.5", b)
	}
}

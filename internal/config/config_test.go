package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Equal(t, 0.1, cfg.ServiceFeeRate)
	assert.Equal(t, 5, cfg.Detectors.Amount.MinSamples)
	assert.Equal(t, 5.0, cfg.Detectors.Amount.ThresholdMultiplier)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, cfg.Detectors.Time.UnusualHours)
	assert.Equal(t, 0.8, cfg.Router.RejectFraudProbability)
	assert.Equal(t, 2_000_000.0, cfg.Router.EscalateAmount)
	assert.Equal(t, 5*time.Minute, cfg.Bundler.Window)
	assert.Equal(t, time.Hour, cfg.Trainer.Interval)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DETECT_AMOUNT_THRESHOLD", "3.5")
	t.Setenv("DETECT_UNUSUAL_HOURS", "22,23,0,1")
	t.Setenv("DETECT_SUSPICIOUS_COUNTRIES", "KP,IR")
	t.Setenv("ROUTE_ESCALATE_AMOUNT", "500000")
	t.Setenv("BUNDLER_WINDOW", "30s")
	t.Setenv("SERVICE_FEE_RATE", "0.25")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 3.5, cfg.Detectors.Amount.ThresholdMultiplier)
	assert.Equal(t, []int{22, 23, 0, 1}, cfg.Detectors.Time.UnusualHours)
	assert.Equal(t, []string{"KP", "IR"}, cfg.Detectors.Location.SuspiciousCountries)
	assert.Equal(t, 500000.0, cfg.Router.EscalateAmount)
	assert.Equal(t, 30*time.Second, cfg.Bundler.Window)
	assert.Equal(t, 0.25, cfg.ServiceFeeRate)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("DETECT_AMOUNT_MIN_SAMPLES", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Detectors.Amount.MinSamples, "unparseable value falls back to the default")
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name  string
		env   map[string]string
		wants string
	}{
		{
			name:  "zero amount threshold",
			env:   map[string]string{"DETECT_AMOUNT_THRESHOLD": "0"},
			wants: "DETECT_AMOUNT_THRESHOLD",
		},
		{
			name:  "hour out of range",
			env:   map[string]string{"DETECT_UNUSUAL_HOURS": "22,25"},
			wants: "DETECT_UNUSUAL_HOURS",
		},
		{
			name:  "fraud probability above one",
			env:   map[string]string{"ROUTE_REJECT_FRAUD_PROBABILITY": "1.5"},
			wants: "ROUTE_REJECT_FRAUD_PROBABILITY",
		},
		{
			name:  "manager below escalate",
			env:   map[string]string{"ROUTE_MANAGER_AMOUNT": "1000", "ROUTE_ESCALATE_AMOUNT": "2000"},
			wants: "ROUTE_MANAGER_AMOUNT",
		},
		{
			name:  "service fee above one",
			env:   map[string]string{"SERVICE_FEE_RATE": "1.5"},
			wants: "SERVICE_FEE_RATE",
		},
		{
			name:  "priority weights not summing to one",
			env:   map[string]string{"PRIORITY_WEIGHT_AGE": "0.9"},
			wants: "priority weights",
		},
		{
			name:  "zero bundler items",
			env:   map[string]string{"BUNDLER_MAX_ITEMS": "0"},
			wants: "BUNDLER_MAX_ITEMS",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			for k, v := range c.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), c.wants)
		})
	}
}

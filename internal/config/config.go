// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Tracing
	OTLPEndpoint string

	// Geolocation resolver
	GeoResolverURL     string
	GeoResolverTimeout time.Duration

	// System identity used as validator on automated decisions
	SystemValidatorID string

	// Fraction of a procedure-fee amount charged as the service fee created
	// on approval when no dependent record exists yet
	ServiceFeeRate float64

	// Profile cache
	ProfileCacheTTL time.Duration

	Detectors DetectorConfig
	Scoring   ScoringConfig
	Router    RouterConfig
	Priority  PriorityConfig
	Bundler   BundlerConfig
	Trainer   TrainerConfig
}

// DetectorConfig groups the per-detector tunables. Every threshold and
// window is deployment configuration, never a hard-coded constant.
type DetectorConfig struct {
	Amount     AmountAnomalyConfig
	Frequency  FrequencyAnomalyConfig
	Time       TimePatternConfig
	Location   LocationConfig
	Behavioral BehavioralConfig
	Duplicate  DuplicateConfig
	Velocity   VelocityConfig
	Network    NetworkConfig
}

// AmountAnomalyConfig tunes the z-score amount detector.
type AmountAnomalyConfig struct {
	MinSamples          int     // below this, detector reports not-detected
	ThresholdMultiplier float64 // z-score threshold
}

// FrequencyAnomalyConfig tunes the transaction-frequency detector.
type FrequencyAnomalyConfig struct {
	WindowDays          int
	ThresholdMultiplier float64
}

// TimePatternConfig tunes the unusual-hour detector.
type TimePatternConfig struct {
	UnusualHours []int   // hours of day considered unusual (e.g. 0-5)
	RareRatio    float64 // historical ratio below which the hour counts as rare
}

// LocationConfig tunes the geolocation detector.
type LocationConfig struct {
	SuspiciousCountries  []string
	SuspiciousConfidence float64
	NovelConfidence      float64
}

// BehavioralConfig tunes the feature-vector deviation detector.
type BehavioralConfig struct {
	MinSamples         int
	DeviationThreshold float64 // in standard-deviation units
}

// DuplicateConfig tunes the duplicate-transaction detector.
type DuplicateConfig struct {
	Window time.Duration
}

// VelocityConfig tunes the four rolling-window velocity checks.
type VelocityConfig struct {
	MaxCountPerHour  int
	MaxCountPerDay   int
	MaxAmountPerHour float64
	MaxAmountPerDay  float64
}

// NetworkConfig tunes the shared-identifier network detector.
type NetworkConfig struct {
	MinConnections int
}

// ScoringConfig holds the composite scorer weights per pattern.
type ScoringConfig struct {
	AmountWeight     float64
	FrequencyWeight  float64
	TimeWeight       float64
	LocationWeight   float64
	BehavioralWeight float64
	DuplicateWeight  float64
	VelocityWeight   float64
	NetworkWeight    float64
}

// RouterConfig holds the decision-routing thresholds.
type RouterConfig struct {
	RejectFraudProbability float64 // rule 1
	ApproveConfidence      float64 // rule 2
	ApproveMaxRisk         float64
	ApproveMaxFraud        float64
	PriorityConfidence     float64 // rule 3
	PriorityMaxRisk        float64
	EscalateAmount         float64 // rule 4, in whole currency units
	ManagerAmount          float64
	EscalateRisk           float64
}

// PriorityConfig holds the review-queue priority weights. Weights must sum
// to 1.0.
type PriorityConfig struct {
	AgeWeight         float64
	AmountWeight      float64
	ReliabilityWeight float64
	FraudWeight       float64
	AgeSaturation     time.Duration // age at which the age factor reaches 1.0
	AmountSaturation  float64       // amount at which the amount factor reaches 1.0
}

// BundlerConfig holds the notification bundling parameters.
type BundlerConfig struct {
	Window   time.Duration
	MaxItems int
}

// TrainerConfig holds the periodic baseline-learning parameters.
type TrainerConfig struct {
	Interval       time.Duration
	HistoryDays    int
	MinOutcomes    int     // outcomes needed before a profile is recomputed
	AdjustStep     float64 // relative threshold adjustment per cycle
	AdjustMaxDrift float64 // cap on cumulative drift from configured thresholds
}

// Defaults
const (
	DefaultPort               = "8080"
	DefaultEnv                = "development"
	DefaultLogLevel           = "info"
	DefaultGeoTimeout         = 2 * time.Second
	DefaultSystemValidator    = "system:auto-validator"
	DefaultServiceFeeRate     = 0.1
	DefaultProfileCacheTTL    = 5 * time.Minute
	DefaultBundlerWindow      = 5 * time.Minute
	DefaultBundlerMaxItems    = 10
	DefaultTrainerInterval    = 1 * time.Hour
	DefaultTrainerHistoryDays = 90
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		GeoResolverURL:     os.Getenv("GEO_RESOLVER_URL"),
		GeoResolverTimeout: getEnvDuration("GEO_RESOLVER_TIMEOUT", DefaultGeoTimeout),
		SystemValidatorID:  getEnv("SYSTEM_VALIDATOR_ID", DefaultSystemValidator),
		ServiceFeeRate:     getEnvFloat("SERVICE_FEE_RATE", DefaultServiceFeeRate),
		ProfileCacheTTL:    getEnvDuration("PROFILE_CACHE_TTL", DefaultProfileCacheTTL),

		Detectors: DetectorConfig{
			Amount: AmountAnomalyConfig{
				MinSamples:          getEnvInt("DETECT_AMOUNT_MIN_SAMPLES", 5),
				ThresholdMultiplier: getEnvFloat("DETECT_AMOUNT_THRESHOLD", 5.0),
			},
			Frequency: FrequencyAnomalyConfig{
				WindowDays:          getEnvInt("DETECT_FREQ_WINDOW_DAYS", 7),
				ThresholdMultiplier: getEnvFloat("DETECT_FREQ_THRESHOLD", 10.0),
			},
			Time: TimePatternConfig{
				UnusualHours: getEnvHours("DETECT_UNUSUAL_HOURS", []int{0, 1, 2, 3, 4, 5}),
				RareRatio:    getEnvFloat("DETECT_TIME_RARE_RATIO", 0.1),
			},
			Location: LocationConfig{
				SuspiciousCountries:  getEnvList("DETECT_SUSPICIOUS_COUNTRIES", nil),
				SuspiciousConfidence: getEnvFloat("DETECT_LOCATION_SUSPICIOUS_CONFIDENCE", 0.9),
				NovelConfidence:      getEnvFloat("DETECT_LOCATION_NOVEL_CONFIDENCE", 0.7),
			},
			Behavioral: BehavioralConfig{
				MinSamples:         getEnvInt("DETECT_BEHAVIORAL_MIN_SAMPLES", 5),
				DeviationThreshold: getEnvFloat("DETECT_BEHAVIORAL_THRESHOLD", 2.5),
			},
			Duplicate: DuplicateConfig{
				Window: getEnvDuration("DETECT_DUPLICATE_WINDOW", 24*time.Hour),
			},
			Velocity: VelocityConfig{
				MaxCountPerHour:  getEnvInt("DETECT_VELOCITY_MAX_PER_HOUR", 10),
				MaxCountPerDay:   getEnvInt("DETECT_VELOCITY_MAX_PER_DAY", 50),
				MaxAmountPerHour: getEnvFloat("DETECT_VELOCITY_MAX_AMOUNT_PER_HOUR", 1_000_000),
				MaxAmountPerDay:  getEnvFloat("DETECT_VELOCITY_MAX_AMOUNT_PER_DAY", 5_000_000),
			},
			Network: NetworkConfig{
				MinConnections: getEnvInt("DETECT_NETWORK_MIN_CONNECTIONS", 1),
			},
		},

		Scoring: ScoringConfig{
			AmountWeight:     getEnvFloat("SCORE_WEIGHT_AMOUNT", 30),
			FrequencyWeight:  getEnvFloat("SCORE_WEIGHT_FREQUENCY", 25),
			TimeWeight:       getEnvFloat("SCORE_WEIGHT_TIME", 15),
			LocationWeight:   getEnvFloat("SCORE_WEIGHT_LOCATION", 20),
			BehavioralWeight: getEnvFloat("SCORE_WEIGHT_BEHAVIORAL", 10),
			DuplicateWeight:  getEnvFloat("SCORE_WEIGHT_DUPLICATE", 15),
			VelocityWeight:   getEnvFloat("SCORE_WEIGHT_VELOCITY", 20),
			NetworkWeight:    getEnvFloat("SCORE_WEIGHT_NETWORK", 25),
		},

		Router: RouterConfig{
			RejectFraudProbability: getEnvFloat("ROUTE_REJECT_FRAUD_PROBABILITY", 0.8),
			ApproveConfidence:      getEnvFloat("ROUTE_APPROVE_CONFIDENCE", 0.9),
			ApproveMaxRisk:         getEnvFloat("ROUTE_APPROVE_MAX_RISK", 20),
			ApproveMaxFraud:        getEnvFloat("ROUTE_APPROVE_MAX_FRAUD", 0.1),
			PriorityConfidence:     getEnvFloat("ROUTE_PRIORITY_CONFIDENCE", 0.7),
			PriorityMaxRisk:        getEnvFloat("ROUTE_PRIORITY_MAX_RISK", 50),
			EscalateAmount:         getEnvFloat("ROUTE_ESCALATE_AMOUNT", 2_000_000),
			ManagerAmount:          getEnvFloat("ROUTE_MANAGER_AMOUNT", 5_000_000),
			EscalateRisk:           getEnvFloat("ROUTE_ESCALATE_RISK", 70),
		},

		Priority: PriorityConfig{
			AgeWeight:         getEnvFloat("PRIORITY_WEIGHT_AGE", 0.3),
			AmountWeight:      getEnvFloat("PRIORITY_WEIGHT_AMOUNT", 0.4),
			ReliabilityWeight: getEnvFloat("PRIORITY_WEIGHT_RELIABILITY", 0.2),
			FraudWeight:       getEnvFloat("PRIORITY_WEIGHT_FRAUD", 0.1),
			AgeSaturation:     getEnvDuration("PRIORITY_AGE_SATURATION", 72*time.Hour),
			AmountSaturation:  getEnvFloat("PRIORITY_AMOUNT_SATURATION", 2_000_000),
		},

		Bundler: BundlerConfig{
			Window:   getEnvDuration("BUNDLER_WINDOW", DefaultBundlerWindow),
			MaxItems: getEnvInt("BUNDLER_MAX_ITEMS", DefaultBundlerMaxItems),
		},

		Trainer: TrainerConfig{
			Interval:       getEnvDuration("TRAINER_INTERVAL", DefaultTrainerInterval),
			HistoryDays:    getEnvInt("TRAINER_HISTORY_DAYS", DefaultTrainerHistoryDays),
			MinOutcomes:    getEnvInt("TRAINER_MIN_OUTCOMES", 5),
			AdjustStep:     getEnvFloat("TRAINER_ADJUST_STEP", 0.05),
			AdjustMaxDrift: getEnvFloat("TRAINER_ADJUST_MAX_DRIFT", 0.5),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configured values are in range. Bad values are
// rejected at startup rather than surfacing as odd scoring behavior later.
func (c *Config) Validate() error {
	if c.Detectors.Amount.MinSamples < 1 {
		return fmt.Errorf("DETECT_AMOUNT_MIN_SAMPLES must be >= 1")
	}
	if c.Detectors.Amount.ThresholdMultiplier <= 0 {
		return fmt.Errorf("DETECT_AMOUNT_THRESHOLD must be > 0")
	}
	if c.Detectors.Frequency.WindowDays < 1 {
		return fmt.Errorf("DETECT_FREQ_WINDOW_DAYS must be >= 1")
	}
	if c.Detectors.Frequency.ThresholdMultiplier <= 0 {
		return fmt.Errorf("DETECT_FREQ_THRESHOLD must be > 0")
	}
	for _, h := range c.Detectors.Time.UnusualHours {
		if h < 0 || h > 23 {
			return fmt.Errorf("DETECT_UNUSUAL_HOURS contains invalid hour %d", h)
		}
	}
	if err := checkUnit("DETECT_TIME_RARE_RATIO", c.Detectors.Time.RareRatio); err != nil {
		return err
	}
	if err := checkUnit("DETECT_LOCATION_SUSPICIOUS_CONFIDENCE", c.Detectors.Location.SuspiciousConfidence); err != nil {
		return err
	}
	if err := checkUnit("DETECT_LOCATION_NOVEL_CONFIDENCE", c.Detectors.Location.NovelConfidence); err != nil {
		return err
	}
	if c.Detectors.Behavioral.DeviationThreshold <= 0 {
		return fmt.Errorf("DETECT_BEHAVIORAL_THRESHOLD must be > 0")
	}
	if c.Detectors.Duplicate.Window <= 0 {
		return fmt.Errorf("DETECT_DUPLICATE_WINDOW must be > 0")
	}
	if c.Detectors.Velocity.MaxCountPerHour < 1 || c.Detectors.Velocity.MaxCountPerDay < 1 {
		return fmt.Errorf("velocity count limits must be >= 1")
	}
	if c.Detectors.Network.MinConnections < 1 {
		return fmt.Errorf("DETECT_NETWORK_MIN_CONNECTIONS must be >= 1")
	}

	for name, w := range map[string]float64{
		"SCORE_WEIGHT_AMOUNT":     c.Scoring.AmountWeight,
		"SCORE_WEIGHT_FREQUENCY":  c.Scoring.FrequencyWeight,
		"SCORE_WEIGHT_TIME":       c.Scoring.TimeWeight,
		"SCORE_WEIGHT_LOCATION":   c.Scoring.LocationWeight,
		"SCORE_WEIGHT_BEHAVIORAL": c.Scoring.BehavioralWeight,
		"SCORE_WEIGHT_DUPLICATE":  c.Scoring.DuplicateWeight,
		"SCORE_WEIGHT_VELOCITY":   c.Scoring.VelocityWeight,
		"SCORE_WEIGHT_NETWORK":    c.Scoring.NetworkWeight,
	} {
		if w < 0 || w > 100 {
			return fmt.Errorf("%s must be in [0, 100]", name)
		}
	}

	if err := checkUnit("ROUTE_REJECT_FRAUD_PROBABILITY", c.Router.RejectFraudProbability); err != nil {
		return err
	}
	if err := checkUnit("ROUTE_APPROVE_CONFIDENCE", c.Router.ApproveConfidence); err != nil {
		return err
	}
	if err := checkUnit("ROUTE_APPROVE_MAX_FRAUD", c.Router.ApproveMaxFraud); err != nil {
		return err
	}
	if err := checkUnit("ROUTE_PRIORITY_CONFIDENCE", c.Router.PriorityConfidence); err != nil {
		return err
	}
	if c.Router.ApproveMaxRisk < 0 || c.Router.ApproveMaxRisk > 100 ||
		c.Router.PriorityMaxRisk < 0 || c.Router.PriorityMaxRisk > 100 ||
		c.Router.EscalateRisk < 0 || c.Router.EscalateRisk > 100 {
		return fmt.Errorf("router risk thresholds must be in [0, 100]")
	}
	if c.Router.EscalateAmount <= 0 || c.Router.ManagerAmount <= 0 {
		return fmt.Errorf("router amount thresholds must be > 0")
	}
	if c.Router.ManagerAmount < c.Router.EscalateAmount {
		return fmt.Errorf("ROUTE_MANAGER_AMOUNT must be >= ROUTE_ESCALATE_AMOUNT")
	}

	if c.ServiceFeeRate < 0 || c.ServiceFeeRate > 1 {
		return fmt.Errorf("SERVICE_FEE_RATE must be in [0, 1]")
	}

	sum := c.Priority.AgeWeight + c.Priority.AmountWeight +
		c.Priority.ReliabilityWeight + c.Priority.FraudWeight
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("priority weights must sum to 1.0, got %g", sum)
	}
	if c.Priority.AgeSaturation <= 0 || c.Priority.AmountSaturation <= 0 {
		return fmt.Errorf("priority saturation values must be > 0")
	}

	if c.Bundler.Window <= 0 {
		return fmt.Errorf("BUNDLER_WINDOW must be > 0")
	}
	if c.Bundler.MaxItems < 1 {
		return fmt.Errorf("BUNDLER_MAX_ITEMS must be >= 1")
	}

	if c.Trainer.Interval <= 0 {
		return fmt.Errorf("TRAINER_INTERVAL must be > 0")
	}
	if c.Trainer.HistoryDays < 1 {
		return fmt.Errorf("TRAINER_HISTORY_DAYS must be >= 1")
	}
	if c.Trainer.AdjustStep < 0 || c.Trainer.AdjustStep > 1 {
		return fmt.Errorf("TRAINER_ADJUST_STEP must be in [0, 1]")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func checkUnit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0.0, 1.0]", name)
	}
	return nil
}

// getEnv returns the environment variable value or a default
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// getEnvList parses a comma-separated list (e.g. "XX,YY,ZZ").
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, strings.ToUpper(trimmed))
		}
	}
	return out
}

// getEnvHours parses a comma-separated list of hours (e.g. "0,1,2,3").
func getEnvHours(key string, fallback []int) []int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, n)
		}
	}
	return out
}

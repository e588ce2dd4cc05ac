package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// PostgresStore persists historical profiles in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the historical_profiles table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS historical_profiles (
			submitter_id     VARCHAR(64) PRIMARY KEY,
			amount_samples   JSONB NOT NULL DEFAULT '[]',
			avg_daily_count  DOUBLE PRECISION NOT NULL DEFAULT 0,
			hour_histogram   JSONB NOT NULL DEFAULT '[]',
			locations        JSONB NOT NULL DEFAULT '[]',
			features         JSONB NOT NULL DEFAULT '{}',
			total_validated  INT NOT NULL DEFAULT 0,
			rejected_count   INT NOT NULL DEFAULT 0,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, submitterID string) (*HistoricalProfile, error) {
	var p HistoricalProfile
	var samplesJSON, histogramJSON, locationsJSON, featuresJSON []byte

	err := s.db.QueryRowContext(ctx, `
		SELECT submitter_id, amount_samples, avg_daily_count, hour_histogram,
			locations, features, total_validated, rejected_count, updated_at
		FROM historical_profiles
		WHERE submitter_id = $1
	`, submitterID).Scan(
		&p.SubmitterID, &samplesJSON, &p.AvgDailyCount, &histogramJSON,
		&locationsJSON, &featuresJSON, &p.TotalValidated, &p.RejectedCount,
		&p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	if err := json.Unmarshal(samplesJSON, &p.AmountSamples); err != nil {
		return nil, fmt.Errorf("failed to decode amount samples: %w", err)
	}
	var histogram []int
	if err := json.Unmarshal(histogramJSON, &histogram); err != nil {
		return nil, fmt.Errorf("failed to decode hour histogram: %w", err)
	}
	for i := 0; i < len(histogram) && i < 24; i++ {
		p.HourHistogram[i] = histogram[i]
	}
	if err := json.Unmarshal(locationsJSON, &p.Locations); err != nil {
		return nil, fmt.Errorf("failed to decode locations: %w", err)
	}
	if err := json.Unmarshal(featuresJSON, &p.Features); err != nil {
		return nil, fmt.Errorf("failed to decode features: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) Upsert(ctx context.Context, p *HistoricalProfile) error {
	samplesJSON, err := json.Marshal(p.AmountSamples)
	if err != nil {
		return fmt.Errorf("failed to marshal amount samples: %w", err)
	}
	histogramJSON, err := json.Marshal(p.HourHistogram[:])
	if err != nil {
		return fmt.Errorf("failed to marshal hour histogram: %w", err)
	}
	locations := p.Locations
	if locations == nil {
		locations = []string{}
	}
	locationsJSON, err := json.Marshal(locations)
	if err != nil {
		return fmt.Errorf("failed to marshal locations: %w", err)
	}
	featuresJSON, err := json.Marshal(p.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal features: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO historical_profiles (
			submitter_id, amount_samples, avg_daily_count, hour_histogram,
			locations, features, total_validated, rejected_count, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (submitter_id) DO UPDATE SET
			amount_samples = EXCLUDED.amount_samples,
			avg_daily_count = EXCLUDED.avg_daily_count,
			hour_histogram = EXCLUDED.hour_histogram,
			locations = EXCLUDED.locations,
			features = EXCLUDED.features,
			total_validated = EXCLUDED.total_validated,
			rejected_count = EXCLUDED.rejected_count,
			updated_at = EXCLUDED.updated_at
	`, p.SubmitterID, samplesJSON, p.AvgDailyCount, histogramJSON,
		locationsJSON, featuresJSON, p.TotalValidated, p.RejectedCount,
		p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

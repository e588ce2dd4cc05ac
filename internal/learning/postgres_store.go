package learning

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore persists learning records to PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the learning_records table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS learning_records (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			submitter_id TEXT NOT NULL,
			amount DOUBLE PRECISION NOT NULL,
			hour_of_day SMALLINT NOT NULL,
			country_code TEXT NOT NULL DEFAULT '',
			analysis JSONB NOT NULL,
			decision JSONB NOT NULL,
			outcome JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_learning_records_created
			ON learning_records(created_at);
		CREATE INDEX IF NOT EXISTS idx_learning_records_transaction
			ON learning_records(transaction_id);
	`)
	if err != nil {
		return fmt.Errorf("migrate learning_records: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, rec *Record) error {
	analysis, err := json.Marshal(rec.Analysis)
	if err != nil {
		return fmt.Errorf("marshal analysis snapshot: %w", err)
	}
	decision, err := json.Marshal(rec.Decision)
	if err != nil {
		return fmt.Errorf("marshal decision snapshot: %w", err)
	}
	outcome, err := json.Marshal(rec.Outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO learning_records (id, transaction_id, submitter_id, amount, hour_of_day, country_code, analysis, decision, outcome, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.TransactionID, rec.SubmitterID, rec.Amount, rec.Hour,
		rec.CountryCode, analysis, decision, outcome, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert learning record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSince(ctx context.Context, since time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, submitter_id, amount, hour_of_day, country_code, analysis, decision, outcome, created_at
		FROM learning_records
		WHERE created_at > $1
		ORDER BY created_at`, since)
	if err != nil {
		return nil, fmt.Errorf("list learning records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, submitter_id, amount, hour_of_day, country_code, analysis, decision, outcome, created_at
		FROM learning_records
		WHERE transaction_id = $1
		ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list learning records by transaction: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		var rec Record
		var analysis, decision, outcome []byte
		if err := rows.Scan(&rec.ID, &rec.TransactionID, &rec.SubmitterID,
			&rec.Amount, &rec.Hour, &rec.CountryCode,
			&analysis, &decision, &outcome, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(analysis, &rec.Analysis); err != nil {
			return nil, fmt.Errorf("unmarshal analysis snapshot: %w", err)
		}
		if err := json.Unmarshal(decision, &rec.Decision); err != nil {
			return nil, fmt.Errorf("unmarshal decision snapshot: %w", err)
		}
		if err := json.Unmarshal(outcome, &rec.Outcome); err != nil {
			return nil, fmt.Errorf("unmarshal outcome: %w", err)
		}
		result = append(result, &rec)
	}
	return result, rows.Err()
}

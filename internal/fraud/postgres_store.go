package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore persists risk analyses to PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_analyses table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_analyses (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			patterns JSONB NOT NULL DEFAULT '{}',
			risk_score DOUBLE PRECISION NOT NULL,
			fraud_probability DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			recommendations TEXT[] NOT NULL DEFAULT '{}',
			requires_manual_review BOOLEAN NOT NULL DEFAULT FALSE,
			fail_safe BOOLEAN NOT NULL DEFAULT FALSE,
			analyzed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_risk_analyses_transaction
			ON risk_analyses(transaction_id, analyzed_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("migrate risk_analyses: %w", err)
	}
	return nil
}

func (s *PostgresStore) Record(ctx context.Context, analysis *RiskAnalysis) error {
	patterns, err := json.Marshal(analysis.Patterns)
	if err != nil {
		return fmt.Errorf("marshal patterns: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_analyses (
			id, transaction_id, patterns, risk_score, fraud_probability,
			confidence, recommendations, requires_manual_review, fail_safe, analyzed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		analysis.ID,
		analysis.TransactionID,
		patterns,
		analysis.RiskScore,
		analysis.FraudProbability,
		analysis.Confidence,
		pq.Array(analysis.Recommendations),
		analysis.RequiresManualReview,
		analysis.FailSafe,
		analysis.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("insert risk analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*RiskAnalysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, patterns, risk_score, fraud_probability,
		       confidence, recommendations, requires_manual_review, fail_safe, analyzed_at
		FROM risk_analyses WHERE id = $1`, id)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAnalysisNotFound
	}
	return a, err
}

func (s *PostgresStore) ListByTransaction(ctx context.Context, transactionID string) ([]*RiskAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, patterns, risk_score, fraud_probability,
		       confidence, recommendations, requires_manual_review, fail_safe, analyzed_at
		FROM risk_analyses
		WHERE transaction_id = $1
		ORDER BY analyzed_at DESC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list risk analyses: %w", err)
	}
	defer rows.Close()

	var result []*RiskAnalysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnalysis(row rowScanner) (*RiskAnalysis, error) {
	var a RiskAnalysis
	var patterns []byte
	var recommendations pq.StringArray

	err := row.Scan(
		&a.ID,
		&a.TransactionID,
		&patterns,
		&a.RiskScore,
		&a.FraudProbability,
		&a.Confidence,
		&recommendations,
		&a.RequiresManualReview,
		&a.FailSafe,
		&a.AnalyzedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(patterns, &a.Patterns); err != nil {
		return nil, fmt.Errorf("unmarshal patterns: %w", err)
	}
	a.Recommendations = recommendations
	return &a, nil
}

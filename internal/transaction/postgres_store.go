package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the transactions table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS transactions (
			id               VARCHAR(40) PRIMARY KEY,
			type             VARCHAR(20) NOT NULL CHECK (type IN ('income', 'expense', 'procedure_fee', 'service_fee')),
			amount           NUMERIC(18,2) NOT NULL CHECK (amount >= 0),
			category         TEXT NOT NULL DEFAULT '',
			note             TEXT NOT NULL DEFAULT '',
			submitter_id     VARCHAR(64) NOT NULL,
			origin_addr      VARCHAR(64) NOT NULL DEFAULT '',
			status           VARCHAR(20) NOT NULL DEFAULT 'pending'
				CHECK (status IN ('pending', 'approved', 'rejected', 'need_revision')),
			validator_id     VARCHAR(64),
			validated_at     TIMESTAMPTZ,
			validation_note  TEXT NOT NULL DEFAULT '',
			risk_analysis_id VARCHAR(40),
			priority_score   DOUBLE PRECISION,
			escalation_level VARCHAR(20) NOT NULL DEFAULT '',
			parent_id        VARCHAR(40) REFERENCES transactions(id),
			override_amount  NUMERIC(18,2),
			override_reason  TEXT NOT NULL DEFAULT '',
			version          BIGINT NOT NULL DEFAULT 0,
			submitted_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_transactions_submitter
			ON transactions (submitter_id, submitted_at DESC);

		CREATE INDEX IF NOT EXISTS idx_transactions_parent
			ON transactions (parent_id) WHERE parent_id IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_transactions_pending_queue
			ON transactions (priority_score DESC NULLS LAST, submitted_at ASC)
			WHERE status = 'pending';
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, tx *Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, type, amount, category, note, submitter_id, origin_addr,
			status, parent_id, version, submitted_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
	`,
		tx.ID, string(tx.Type), tx.Amount, tx.Category, tx.Note,
		tx.SubmitterID, tx.OriginAddr, string(tx.Status), tx.ParentID,
		tx.Version, tx.SubmittedAt, tx.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	return scanTransaction(row)
}

// ApplyStatusChange runs the parent update and dependent cascade inside one
// serializable transaction. Any failure rolls the whole unit back.
func (s *PostgresStore) ApplyStatusChange(ctx context.Context, id string, expectedVersion int64, upd StatusUpdate, cascade *Cascade) error {
	dbTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	current, err := scanTransaction(dbTx.QueryRowContext(ctx,
		selectColumns+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return ErrConcurrentModification
	}
	if !current.Status.CanTransitionTo(upd.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, upd.Status)
	}

	validatorID := sql.NullString{String: upd.ValidatorID, Valid: upd.ValidatorID != ""}
	var validatedAt sql.NullTime
	if upd.ValidatedAt != nil {
		validatedAt = sql.NullTime{Time: *upd.ValidatedAt, Valid: true}
	}
	if upd.ClearValidation {
		validatorID = sql.NullString{}
		validatedAt = sql.NullTime{}
	}

	res, err := dbTx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $2,
			validator_id = $3,
			validated_at = $4,
			validation_note = COALESCE(NULLIF($5, ''), validation_note),
			risk_analysis_id = COALESCE(NULLIF($6, ''), risk_analysis_id),
			priority_score = COALESCE($7, priority_score),
			escalation_level = COALESCE(NULLIF($8, ''), escalation_level),
			override_amount = COALESCE(NULLIF($9, '')::NUMERIC, override_amount),
			override_reason = COALESCE(NULLIF($10, ''), override_reason),
			version = version + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $11
	`, id, string(upd.Status), validatorID, validatedAt, upd.Note,
		upd.RiskAnalysisID, upd.PriorityScore, upd.EscalationLevel,
		upd.OverrideAmount, upd.OverrideReason, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConcurrentModification
	}

	if cascade != nil {
		if err := s.applyCascade(ctx, dbTx, id, upd, cascade); err != nil {
			return err
		}
	}

	return dbTx.Commit()
}

func (s *PostgresStore) applyCascade(ctx context.Context, dbTx *sql.Tx, parentID string, upd StatusUpdate, cascade *Cascade) error {
	rows, err := dbTx.QueryContext(ctx, selectColumns+` WHERE parent_id = $1 FOR UPDATE`, parentID)
	if err != nil {
		return fmt.Errorf("%w: listing dependents: %v", ErrCascadeFailure, err)
	}
	deps, err := scanTransactions(rows)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCascadeFailure, err)
	}

	if len(deps) == 0 && len(cascade.CreateIfAbsent) > 0 {
		now := time.Now()
		for _, dep := range cascade.CreateIfAbsent {
			validatorID := sql.NullString{String: upd.ValidatorID, Valid: upd.ValidatorID != ""}
			var validatedAt sql.NullTime
			if upd.ValidatedAt != nil {
				validatedAt = sql.NullTime{Time: *upd.ValidatedAt, Valid: true}
			}
			_, err := dbTx.ExecContext(ctx, `
				INSERT INTO transactions (
					id, type, amount, category, note, submitter_id, origin_addr,
					status, validator_id, validated_at, validation_note,
					parent_id, version, submitted_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 0, $13, $13)
			`, dep.ID, string(dep.Type), dep.Amount, dep.Category, dep.Note,
				dep.SubmitterID, dep.OriginAddr, string(cascade.Status),
				validatorID, validatedAt, cascade.Note, parentID, now)
			if err != nil {
				return fmt.Errorf("%w: creating dependent %s: %v", ErrCascadeFailure, dep.ID, err)
			}
		}
		return nil
	}

	for _, dep := range deps {
		if dep.Status == cascade.Status {
			continue
		}
		if !dep.Status.CanTransitionTo(cascade.Status) {
			return fmt.Errorf("%w: dependent %s cannot move %s -> %s",
				ErrCascadeFailure, dep.ID, dep.Status, cascade.Status)
		}
		validatorID := sql.NullString{String: upd.ValidatorID, Valid: upd.ValidatorID != ""}
		var validatedAt sql.NullTime
		if upd.ValidatedAt != nil {
			validatedAt = sql.NullTime{Time: *upd.ValidatedAt, Valid: true}
		}
		if upd.ClearValidation {
			validatorID = sql.NullString{}
			validatedAt = sql.NullTime{}
		}
		_, err := dbTx.ExecContext(ctx, `
			UPDATE transactions SET
				status = $2,
				validator_id = $3,
				validated_at = $4,
				validation_note = $5,
				version = version + 1,
				updated_at = NOW()
			WHERE id = $1
		`, dep.ID, string(cascade.Status), validatorID, validatedAt, cascade.Note)
		if err != nil {
			return fmt.Errorf("%w: updating dependent %s: %v", ErrCascadeFailure, dep.ID, err)
		}
	}
	return nil
}

func (s *PostgresStore) SetMeta(ctx context.Context, id string, meta MetaUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET
			risk_analysis_id = COALESCE(NULLIF($2, ''), risk_analysis_id),
			priority_score = COALESCE($3, priority_score),
			escalation_level = COALESCE(NULLIF($4, ''), escalation_level),
			updated_at = NOW()
		WHERE id = $1
	`, id, meta.RiskAnalysisID, meta.PriorityScore, meta.EscalationLevel)
	if err != nil {
		return fmt.Errorf("failed to set transaction metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListDependents(ctx context.Context, parentID string) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` WHERE parent_id = $1 ORDER BY submitted_at ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependents: %w", err)
	}
	return scanTransactions(rows)
}

func (s *PostgresStore) ListBySubmitterSince(ctx context.Context, submitterID string, since time.Time) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE submitter_id = $1 AND submitted_at > $2
		ORDER BY submitted_at DESC
	`, submitterID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list by submitter: %w", err)
	}
	return scanTransactions(rows)
}

func (s *PostgresStore) ListPendingQueue(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+`
		WHERE status = 'pending'
		ORDER BY priority_score DESC NULLS LAST, submitted_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending queue: %w", err)
	}
	return scanTransactions(rows)
}

func (s *PostgresStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE status = 'pending'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending: %w", err)
	}
	return count, nil
}

const selectColumns = `
	SELECT id, type, amount::TEXT, category, note, submitter_id, origin_addr,
		status, validator_id, validated_at, validation_note, risk_analysis_id,
		priority_score, escalation_level, parent_id,
		override_amount::TEXT, override_reason, version, submitted_at, updated_at
	FROM transactions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var tx Transaction
	var txType, status string
	var validatorID, riskAnalysisID, parentID, overrideAmount sql.NullString
	var validatedAt sql.NullTime
	var priorityScore sql.NullFloat64

	err := row.Scan(
		&tx.ID, &txType, &tx.Amount, &tx.Category, &tx.Note,
		&tx.SubmitterID, &tx.OriginAddr, &status, &validatorID, &validatedAt,
		&tx.ValidationNote, &riskAnalysisID, &priorityScore,
		&tx.EscalationLevel, &parentID, &overrideAmount, &tx.OverrideReason,
		&tx.Version, &tx.SubmittedAt, &tx.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Type = Type(txType)
	tx.Status = Status(status)
	tx.ValidatorID = validatorID.String
	tx.RiskAnalysisID = riskAnalysisID.String
	tx.ParentID = parentID.String
	tx.OverrideAmount = overrideAmount.String
	if validatedAt.Valid {
		t := validatedAt.Time
		tx.ValidatedAt = &t
	}
	if priorityScore.Valid {
		p := priorityScore.Float64
		tx.PriorityScore = &p
	}
	return &tx, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	defer rows.Close()
	var result []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

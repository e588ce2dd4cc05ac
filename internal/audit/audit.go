// Package audit records who did what to which transaction. Every automatic
// decision, escalation and revert is written here.
package audit

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

type contextKey string

const (
	ctxActorType contextKey = "audit_actor_type"
	ctxActorID   contextKey = "audit_actor_id"
	ctxIPAddress contextKey = "audit_ip"
	ctxRequestID contextKey = "audit_request_id"
)

// WithActor attaches actor info to the context for audit logging.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, ctxActorType, actorType)
	ctx = context.WithValue(ctx, ctxActorID, actorID)
	return ctx
}

// WithIP attaches the client IP for audit logging.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxIPAddress, ip)
}

// WithRequestID attaches a request ID for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

// ActorFromContext extracts the actor attached by WithActor. An absent
// actor reports as the system.
func ActorFromContext(ctx context.Context) (actorType, actorID, ip, requestID string) {
	if v, ok := ctx.Value(ctxActorType).(string); ok {
		actorType = v
	} else {
		actorType = "system"
	}
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		actorID = v
	}
	if v, ok := ctx.Value(ctxIPAddress).(string); ok {
		ip = v
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		requestID = v
	}
	return
}

// Entry is a single audit record.
type Entry struct {
	ID            int64     `json:"id"`
	TransactionID string    `json:"transactionId"`
	ActorType     string    `json:"actorType"`
	ActorID       string    `json:"actorId,omitempty"`
	Operation     string    `json:"operation"`
	FromStatus    string    `json:"fromStatus,omitempty"`
	ToStatus      string    `json:"toStatus,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	RequestID     string    `json:"requestId,omitempty"`
	IPAddress     string    `json:"ipAddress,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Sink persists audit entries.
type Sink interface {
	Log(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, transactionID string, from, to time.Time, operation string, limit int) ([]*Entry, error)
}

// --- PostgresSink ---

// PostgresSink writes audit entries to PostgreSQL.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate creates the audit_log table if it doesn't exist.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			actor_type TEXT NOT NULL,
			actor_id TEXT,
			operation TEXT NOT NULL,
			from_status TEXT,
			to_status TEXT,
			reason TEXT,
			request_id TEXT,
			ip_address TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_log_transaction
			ON audit_log(transaction_id, created_at DESC);
	`)
	return err
}

func (s *PostgresSink) Log(ctx context.Context, entry *Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (transaction_id, actor_type, actor_id, operation, from_status, to_status, reason, request_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, entry.TransactionID, entry.ActorType, entry.ActorID, entry.Operation,
		entry.FromStatus, entry.ToStatus, entry.Reason, entry.RequestID, entry.IPAddress)
	return err
}

func (s *PostgresSink) Query(ctx context.Context, transactionID string, from, to time.Time, operation string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	var query string
	var args []interface{}

	if operation != "" {
		query = `SELECT id, transaction_id, actor_type, COALESCE(actor_id, ''), operation,
			COALESCE(from_status, ''), COALESCE(to_status, ''), COALESCE(reason, ''),
			COALESCE(request_id, ''), COALESCE(ip_address, ''), created_at
			FROM audit_log WHERE transaction_id = $1 AND created_at >= $2 AND created_at <= $3 AND operation = $4
			ORDER BY created_at DESC LIMIT $5`
		args = []interface{}{transactionID, from, to, operation, limit}
	} else {
		query = `SELECT id, transaction_id, actor_type, COALESCE(actor_id, ''), operation,
			COALESCE(from_status, ''), COALESCE(to_status, ''), COALESCE(reason, ''),
			COALESCE(request_id, ''), COALESCE(ip_address, ''), created_at
			FROM audit_log WHERE transaction_id = $1 AND created_at >= $2 AND created_at <= $3
			ORDER BY created_at DESC LIMIT $4`
		args = []interface{}{transactionID, from, to, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.ActorType, &e.ActorID, &e.Operation,
			&e.FromStatus, &e.ToStatus, &e.Reason, &e.RequestID, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- MemorySink ---

// MemorySink stores audit entries in memory for demo/testing.
type MemorySink struct {
	entries []*Entry
	nextID  int64
	mu      sync.RWMutex
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Log(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	cp := *entry
	cp.ID = s.nextID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.entries = append(s.entries, &cp)
	return nil
}

func (s *MemorySink) Query(_ context.Context, transactionID string, from, to time.Time, operation string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Entry
	for i := len(s.entries) - 1; i >= 0 && len(result) < limit; i-- {
		e := s.entries[i]
		if e.TransactionID != transactionID {
			continue
		}
		if !from.IsZero() && e.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && e.CreatedAt.After(to) {
			continue
		}
		if operation != "" && e.Operation != operation {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// Entries returns all stored audit entries (for testing).
func (s *MemorySink) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Entry, len(s.entries))
	copy(result, s.entries)
	return result
}

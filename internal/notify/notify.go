// Package notify batches decision notifications per recipient so reviewers
// receive one bundle per window instead of a message per transaction.
// Delivery transport is a collaborator behind the Sender interface.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/finsentry/treasury/internal/config"
	"github.com/finsentry/treasury/internal/metrics"
)

// Urgency orders a notification's delivery priority.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
)

// Notification is a single decision/alert message for a recipient.
type Notification struct {
	RecipientID   string    `json:"recipientId"`
	TransactionID string    `json:"transactionId"`
	Message       string    `json:"message"`
	Urgency       Urgency   `json:"urgency"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Sender delivers a bundle of notifications to one recipient. Implemented
// by the external delivery transports (push, chat, email).
type Sender interface {
	Send(ctx context.Context, recipientID string, batch []*Notification) error
}

// Bundler accumulates notifications per recipient and flushes each bundle
// when its window elapses or it reaches the size cap. Duplicate
// notifications for the same transaction inside one bundle are dropped.
// Delivery is at-least-once: a failed send is logged and retried on the
// next flush of that recipient.
type Bundler struct {
	sender Sender
	logger *slog.Logger
	cfg    config.BundlerConfig

	mu      sync.Mutex
	pending map[string]*bundle // keyed by recipient
	stop    chan struct{}
}

type bundle struct {
	items    []*Notification
	seen     map[string]bool // transaction IDs in this bundle
	openedAt time.Time
}

func NewBundler(sender Sender, logger *slog.Logger, cfg config.BundlerConfig) *Bundler {
	return &Bundler{
		sender:  sender,
		logger:  logger,
		cfg:     cfg,
		pending: make(map[string]*bundle),
		stop:    make(chan struct{}),
	}
}

// Enqueue adds a notification to its recipient's open bundle. Reaching the
// size cap flushes the bundle immediately.
func (b *Bundler) Enqueue(ctx context.Context, n *Notification) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	b.mu.Lock()
	bu, ok := b.pending[n.RecipientID]
	if !ok {
		bu = &bundle{seen: make(map[string]bool), openedAt: time.Now()}
		b.pending[n.RecipientID] = bu
	}
	if n.TransactionID != "" && bu.seen[n.TransactionID] {
		b.mu.Unlock()
		return
	}
	bu.seen[n.TransactionID] = true
	bu.items = append(bu.items, n)
	metrics.NotificationsBundledTotal.Inc()

	var full []*Notification
	if len(bu.items) >= b.cfg.MaxItems {
		full = bu.items
		delete(b.pending, n.RecipientID)
	}
	b.mu.Unlock()

	if full != nil {
		metrics.NotificationFlushesTotal.WithLabelValues("size").Inc()
		b.deliver(ctx, n.RecipientID, full)
	}
}

// Start runs the window flush loop until the context is cancelled or Stop
// is called.
func (b *Bundler) Start(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Window / 5)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.FlushAll(context.Background())
			return
		case <-b.stop:
			b.FlushAll(context.Background())
			return
		case <-ticker.C:
			b.flushExpired(ctx)
		}
	}
}

// Stop signals the flush loop to drain and stop.
func (b *Bundler) Stop() {
	select {
	case b.stop <- struct{}{}:
	default:
	}
}

// flushExpired delivers every bundle whose window has elapsed.
func (b *Bundler) flushExpired(ctx context.Context) {
	cutoff := time.Now().Add(-b.cfg.Window)

	b.mu.Lock()
	expired := make(map[string][]*Notification)
	for recipient, bu := range b.pending {
		if bu.openedAt.Before(cutoff) || bu.openedAt.Equal(cutoff) {
			expired[recipient] = bu.items
			delete(b.pending, recipient)
		}
	}
	b.mu.Unlock()

	for recipient, items := range expired {
		metrics.NotificationFlushesTotal.WithLabelValues("window").Inc()
		b.deliver(ctx, recipient, items)
	}
}

// FlushAll delivers every open bundle regardless of age. Used on shutdown.
func (b *Bundler) FlushAll(ctx context.Context) {
	b.mu.Lock()
	all := make(map[string][]*Notification, len(b.pending))
	for recipient, bu := range b.pending {
		all[recipient] = bu.items
	}
	b.pending = make(map[string]*bundle)
	b.mu.Unlock()

	for recipient, items := range all {
		metrics.NotificationFlushesTotal.WithLabelValues("drain").Inc()
		b.deliver(ctx, recipient, items)
	}
}

// PendingFor returns the number of queued notifications for a recipient
// (for testing).
func (b *Bundler) PendingFor(recipientID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bu, ok := b.pending[recipientID]; ok {
		return len(bu.items)
	}
	return 0
}

// deliver re-queues the batch on failure so delivery stays at-least-once.
func (b *Bundler) deliver(ctx context.Context, recipientID string, batch []*Notification) {
	if len(batch) == 0 {
		return
	}
	if err := b.sender.Send(ctx, recipientID, batch); err != nil {
		b.logger.Error("notification send failed, re-queueing",
			"recipient", recipientID, "count", len(batch), "error", err)
		b.requeue(recipientID, batch)
	}
}

func (b *Bundler) requeue(recipientID string, batch []*Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bu, ok := b.pending[recipientID]
	if !ok {
		bu = &bundle{seen: make(map[string]bool), openedAt: time.Now()}
		b.pending[recipientID] = bu
	}
	for _, n := range batch {
		if n.TransactionID != "" && bu.seen[n.TransactionID] {
			continue
		}
		bu.seen[n.TransactionID] = true
		bu.items = append(bu.items, n)
	}
}

// LogSender writes notifications to the log. The default sender when no
// delivery transport is configured.
type LogSender struct {
	Logger *slog.Logger
}

func (s *LogSender) Send(_ context.Context, recipientID string, batch []*Notification) error {
	s.Logger.Info("notification bundle",
		"recipient", recipientID,
		"count", len(batch),
		"first", fmt.Sprintf("%.80s", batch[0].Message))
	return nil
}

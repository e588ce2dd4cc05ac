package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsentry/treasury/internal/config"
)

type captureSender struct {
	mu      sync.Mutex
	batches map[string][][]*Notification
	fail    bool
}

func newCaptureSender() *captureSender {
	return &captureSender{batches: make(map[string][][]*Notification)}
}

func (s *captureSender) Send(_ context.Context, recipientID string, batch []*Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("transport down")
	}
	s.batches[recipientID] = append(s.batches[recipientID], batch)
	return nil
}

func (s *captureSender) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *captureSender) batchCount(recipientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches[recipientID])
}

func (s *captureSender) lastBatch(recipientID string) []*Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.batches[recipientID]
	if len(b) == 0 {
		return nil
	}
	return b[len(b)-1]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBundler(sender Sender, window time.Duration, maxItems int) *Bundler {
	return NewBundler(sender, testLogger(), config.BundlerConfig{Window: window, MaxItems: maxItems})
}

func note(recipient, txID string) *Notification {
	return &Notification{
		RecipientID:   recipient,
		TransactionID: txID,
		Message:       "decision for " + txID,
		Urgency:       UrgencyNormal,
	}
}

func TestEnqueueAccumulates(t *testing.T) {
	sender := newCaptureSender()
	b := newTestBundler(sender, time.Minute, 10)
	ctx := context.Background()

	b.Enqueue(ctx, note("reviewer1", "txn_1"))
	b.Enqueue(ctx, note("reviewer1", "txn_2"))
	b.Enqueue(ctx, note("reviewer2", "txn_3"))

	assert.Equal(t, 2, b.PendingFor("reviewer1"))
	assert.Equal(t, 1, b.PendingFor("reviewer2"))
	assert.Equal(t, 0, sender.batchCount("reviewer1"), "nothing delivered before any flush")
}

func TestEnqueueDedupsByTransaction(t *testing.T) {
	sender := newCaptureSender()
	b := newTestBundler(sender, time.Minute, 10)
	ctx := context.Background()

	b.Enqueue(ctx, note("reviewer1", "txn_1"))
	b.Enqueue(ctx, note("reviewer1", "txn_1"))
	b.Enqueue(ctx, note("reviewer1", "txn_1"))

	assert.Equal(t, 1, b.PendingFor("reviewer1"))

	// Same transaction to another recipient is not a duplicate.
	b.Enqueue(ctx, note("reviewer2", "txn_1"))
	assert.Equal(t, 1, b.PendingFor("reviewer2"))
}

func TestSizeCapFlushesImmediately(t *testing.T) {
	sender := newCaptureSender()
	b := newTestBundler(sender, time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		b.Enqueue(ctx, note("reviewer1", fmt.Sprintf("txn_%d", i)))
	}

	require.Equal(t, 1, sender.batchCount("reviewer1"))
	assert.Len(t, sender.lastBatch("reviewer1"), 3)
	assert.Equal(t, 0, b.PendingFor("reviewer1"), "bundle closed after size flush")

	// The next notification opens a fresh bundle with fresh dedup state.
	b.Enqueue(ctx, note("reviewer1", "txn_0"))
	assert.Equal(t, 1, b.PendingFor("reviewer1"))
}

func TestWindowFlush(t *testing.T) {
	sender := newCaptureSender()
	b := newTestBundler(sender, 30*time.Millisecond, 100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Start(ctx)
	defer b.Stop()

	b.Enqueue(ctx, note("reviewer1", "txn_1"))
	b.Enqueue(ctx, note("reviewer1", "txn_2"))

	require.Eventually(t, func() bool { return sender.batchCount("reviewer1") == 1 },
		time.Second, 5*time.Millisecond)
	assert.Len(t, sender.lastBatch("reviewer1"), 2)
	assert.Equal(t, 0, b.PendingFor("reviewer1"))
}

func TestFlushAllDrains(t *testing.T) {
	sender := newCaptureSender()
	b := newTestBundler(sender, time.Hour, 100)
	ctx := context.Background()

	b.Enqueue(ctx, note("reviewer1", "txn_1"))
	b.Enqueue(ctx, note("reviewer2", "txn_2"))

	b.FlushAll(ctx)

	assert.Equal(t, 1, sender.batchCount("reviewer1"))
	assert.Equal(t, 1, sender.batchCount("reviewer2"))
	assert.Equal(t, 0, b.PendingFor("reviewer1"))
	assert.Equal(t, 0, b.PendingFor("reviewer2"))
}

func TestFailedSendRequeues(t *testing.T) {
	sender := newCaptureSender()
	sender.setFail(true)
	b := newTestBundler(sender, time.Hour, 100)
	ctx := context.Background()

	b.Enqueue(ctx, note("reviewer1", "txn_1"))
	b.FlushAll(ctx)

	assert.Equal(t, 0, sender.batchCount("reviewer1"))
	assert.Equal(t, 1, b.PendingFor("reviewer1"), "failed batch must stay queued")

	sender.setFail(false)
	b.FlushAll(ctx)
	assert.Equal(t, 1, sender.batchCount("reviewer1"))
	assert.Equal(t, 0, b.PendingFor("reviewer1"))
}

func TestLogSender(t *testing.T) {
	s := &LogSender{Logger: testLogger()}
	err := s.Send(context.Background(), "reviewer1", []*Notification{note("reviewer1", "txn_1")})
	assert.NoError(t, err)
}

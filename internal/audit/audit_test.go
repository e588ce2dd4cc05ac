package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActorFromContext(t *testing.T) {
	actorType, actorID, ip, requestID := ActorFromContext(context.Background())
	assert.Equal(t, "system", actorType, "absent actor defaults to system")
	assert.Empty(t, actorID)
	assert.Empty(t, ip)
	assert.Empty(t, requestID)

	ctx := WithActor(context.Background(), "human", "treasurer1")
	ctx = WithIP(ctx, "203.0.113.7")
	ctx = WithRequestID(ctx, "req-42")

	actorType, actorID, ip, requestID = ActorFromContext(ctx)
	assert.Equal(t, "human", actorType)
	assert.Equal(t, "treasurer1", actorID)
	assert.Equal(t, "203.0.113.7", ip)
	assert.Equal(t, "req-42", requestID)
}

func TestMemorySinkQuery(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	log := func(txID, op string, at time.Time) {
		require.NoError(t, s.Log(ctx, &Entry{
			TransactionID: txID,
			ActorType:     "system",
			Operation:     op,
			CreatedAt:     at,
		}))
	}
	log("txn_1", "auto_approve", base)
	log("txn_1", "revert", base.Add(10*time.Minute))
	log("txn_1", "reject", base.Add(20*time.Minute))
	log("txn_2", "auto_reject", base.Add(5*time.Minute))

	// All entries for one transaction, newest first.
	got, err := s.Query(ctx, "txn_1", time.Time{}, time.Time{}, "", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "reject", got[0].Operation)
	assert.Equal(t, "auto_approve", got[2].Operation)

	// Operation filter.
	got, err = s.Query(ctx, "txn_1", time.Time{}, time.Time{}, "revert", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "revert", got[0].Operation)

	// Time window.
	got, err = s.Query(ctx, "txn_1", base.Add(5*time.Minute), base.Add(15*time.Minute), "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "revert", got[0].Operation)

	// Limit.
	got, err = s.Query(ctx, "txn_1", time.Time{}, time.Time{}, "", 2)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemorySinkAssignsIDs(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, s.Log(ctx, &Entry{TransactionID: "txn_1", ActorType: "system", Operation: "a"}))
	require.NoError(t, s.Log(ctx, &Entry{TransactionID: "txn_1", ActorType: "system", Operation: "b"}))

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].ID)
	assert.Equal(t, int64(2), entries[1].ID)
	assert.False(t, entries[0].CreatedAt.IsZero())
}

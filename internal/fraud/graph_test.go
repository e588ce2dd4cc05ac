package fraud

import (
	"testing"
	"time"
)

func TestGraphSharedOrigin(t *testing.T) {
	g := NewSubmitterGraph(0)
	now := time.Now()

	g.Observe("alice", "192.0.2.1", now.Add(-2*time.Hour))
	g.Observe("bob", "192.0.2.1", now.Add(-1*time.Hour))
	g.Observe("carol", "192.0.2.2", now)

	// Nobody is flagged yet.
	if n := g.SuspiciousConnections("alice", "192.0.2.1", now); n != 0 {
		t.Errorf("connections = %d, want 0 before any flags", n)
	}

	g.Flag("bob")
	if n := g.SuspiciousConnections("alice", "192.0.2.1", now); n != 1 {
		t.Errorf("connections = %d, want 1 after flagging bob", n)
	}
	// Carol never shared an origin with a flagged submitter.
	if n := g.SuspiciousConnections("carol", "192.0.2.2", now); n != 0 {
		t.Errorf("connections = %d, want 0 for carol", n)
	}
}

func TestGraphCountsDistinctSubmitters(t *testing.T) {
	g := NewSubmitterGraph(0)
	now := time.Now()

	// Bob seen three times at the same address still counts once.
	for i := 0; i < 3; i++ {
		g.Observe("bob", "192.0.2.1", now.Add(-time.Duration(i)*time.Minute))
	}
	g.Flag("bob")
	g.Flag("carol")
	g.Observe("carol", "192.0.2.1", now.Add(-5*time.Minute))

	if n := g.SuspiciousConnections("alice", "192.0.2.1", now); n != 2 {
		t.Errorf("connections = %d, want 2 distinct flagged submitters", n)
	}
}

func TestGraphSelfNeverCounts(t *testing.T) {
	g := NewSubmitterGraph(0)
	now := time.Now()

	g.Observe("alice", "192.0.2.1", now)
	g.Flag("alice")

	if n := g.SuspiciousConnections("alice", "192.0.2.1", now); n != 0 {
		t.Errorf("connections = %d, a submitter must not count itself", n)
	}
}

func TestGraphSpansKnownOrigins(t *testing.T) {
	g := NewSubmitterGraph(0)
	now := time.Now()

	// Alice was seen at .1 earlier; bob is flagged at .1; alice submits
	// from .3. The connection through her earlier origin still counts.
	g.Observe("alice", "192.0.2.1", now.Add(-3*time.Hour))
	g.Observe("bob", "192.0.2.1", now.Add(-2*time.Hour))
	g.Flag("bob")

	if n := g.SuspiciousConnections("alice", "192.0.2.3", now); n != 1 {
		t.Errorf("connections = %d, want 1 through a prior origin", n)
	}
}

func TestGraphExpiredFlagTimingCorrelation(t *testing.T) {
	g := NewSubmitterGraph(time.Millisecond)
	now := time.Now()

	// Flag immediately expires, but bob's sighting is within an hour of the
	// transaction under analysis, so the timing correlation keeps it alive.
	g.Observe("bob", "192.0.2.1", now.Add(-10*time.Minute))
	g.Flag("bob")
	g.Observe("alice", "192.0.2.1", now)
	time.Sleep(5 * time.Millisecond)

	if n := g.SuspiciousConnections("alice", "192.0.2.1", now); n != 1 {
		t.Errorf("connections = %d, want 1 via timing correlation", n)
	}

	// A stale sighting with an expired flag drops out.
	g2 := NewSubmitterGraph(time.Millisecond)
	g2.Observe("bob", "192.0.2.1", now.Add(-6*time.Hour))
	g2.Flag("bob")
	time.Sleep(5 * time.Millisecond)
	if n := g2.SuspiciousConnections("alice", "192.0.2.1", now); n != 0 {
		t.Errorf("connections = %d, want 0 for stale sighting with expired flag", n)
	}
}

func TestGraphHasData(t *testing.T) {
	g := NewSubmitterGraph(0)
	if g.HasData() {
		t.Error("empty graph reports data")
	}
	g.Observe("alice", "192.0.2.1", time.Now())
	if !g.HasData() {
		t.Error("graph with an observation reports no data")
	}
}

func TestGraphIgnoresEmptyIdentifiers(t *testing.T) {
	g := NewSubmitterGraph(0)
	g.Observe("", "192.0.2.1", time.Now())
	g.Observe("alice", "", time.Now())
	if g.HasData() {
		t.Error("observations with empty identifiers must be dropped")
	}
}

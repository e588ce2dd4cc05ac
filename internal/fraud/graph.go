package fraud

import (
	"sync"
	"time"
)

// originObservation records one submitter sighting at an origin address.
type originObservation struct {
	SubmitterID string
	At          time.Time
}

// observationRetention bounds how long origin sightings participate in
// timing correlation.
const observationRetention = 30 * 24 * time.Hour

// correlationWindow is the gap within which two submitters sharing an
// origin count as timing-correlated.
const correlationWindow = 1 * time.Hour

// SubmitterGraph is the in-memory identifier graph behind the network
// detector: which submitters share origin addresses, and which of them have
// been flagged by earlier analyses or rejections. All access is serialized
// by a sync.RWMutex.
type SubmitterGraph struct {
	mu        sync.RWMutex
	byOrigin  map[string][]originObservation // origin address -> sightings
	origins   map[string][]string            // submitter -> origin addresses
	flagged   map[string]time.Time           // submitter -> when flagged
	flagLimit time.Duration
}

// NewSubmitterGraph creates an empty graph. Flags expire after flagTTL;
// zero means they never expire.
func NewSubmitterGraph(flagTTL time.Duration) *SubmitterGraph {
	return &SubmitterGraph{
		byOrigin:  make(map[string][]originObservation),
		origins:   make(map[string][]string),
		flagged:   make(map[string]time.Time),
		flagLimit: flagTTL,
	}
}

// Observe records a submitter sighting at an origin address.
func (g *SubmitterGraph) Observe(submitterID, originAddr string, at time.Time) {
	if originAddr == "" || submitterID == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	obs := g.byOrigin[originAddr]
	cutoff := at.Add(-observationRetention)
	kept := obs[:0]
	for _, o := range obs {
		if o.At.After(cutoff) {
			kept = append(kept, o)
		}
	}
	g.byOrigin[originAddr] = append(kept, originObservation{SubmitterID: submitterID, At: at})

	found := false
	for _, o := range g.origins[submitterID] {
		if o == originAddr {
			found = true
			break
		}
	}
	if !found {
		g.origins[submitterID] = append(g.origins[submitterID], originAddr)
	}
}

// Flag marks a submitter as suspicious (rejected transaction or
// high-risk analysis).
func (g *SubmitterGraph) Flag(submitterID string) {
	g.mu.Lock()
	g.flagged[submitterID] = time.Now()
	g.mu.Unlock()
}

// SuspiciousConnections counts distinct flagged submitters connected to the
// given submitter through a shared origin address, weighting in timing
// correlation: a flagged submitter seen at the same origin within
// correlationWindow of at counts even if the address was otherwise stale.
func (g *SubmitterGraph) SuspiciousConnections(submitterID, originAddr string, at time.Time) int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)

	check := func(addr string) {
		for _, o := range g.byOrigin[addr] {
			if o.SubmitterID == submitterID || seen[o.SubmitterID] {
				continue
			}
			flaggedAt, ok := g.flagged[o.SubmitterID]
			if !ok {
				continue
			}
			correlated := o.At.After(at.Add(-correlationWindow)) && o.At.Before(at.Add(correlationWindow))
			if g.flagLimit > 0 && time.Since(flaggedAt) > g.flagLimit && !correlated {
				// Expired flag still counts when the sighting is tightly
				// correlated in time with this transaction.
				continue
			}
			seen[o.SubmitterID] = true
		}
	}

	if originAddr != "" {
		check(originAddr)
	}
	for _, addr := range g.origins[submitterID] {
		if addr != originAddr {
			check(addr)
		}
	}
	return len(seen)
}

// HasData reports whether the graph has any observations to judge against.
func (g *SubmitterGraph) HasData() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.byOrigin) > 0
}

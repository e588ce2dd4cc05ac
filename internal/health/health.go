// Package health aggregates named subsystem checks for readiness reporting.
package health

import (
	"context"
	"sync"
	"time"
)

// Status is the result of a single subsystem check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. It must respect ctx cancellation.
type Checker func(ctx context.Context) Status

type entry struct {
	name  string
	check Checker
}

// Registry runs registered checkers on demand, in registration order.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under the given name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{name: name, check: check})
}

// CheckAll runs every checker sequentially. The aggregate is healthy only if
// every subsystem is. A checker that overruns its share of the ctx deadline
// fails via its own ctx handling rather than being killed here.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	snapshot := make([]entry, len(r.entries))
	copy(snapshot, r.entries)
	r.mu.RUnlock()

	all := true
	statuses := make([]Status, 0, len(snapshot))
	for _, e := range snapshot {
		st := e.check(ctx)
		if st.Name == "" {
			st.Name = e.name
		}
		if !st.Healthy {
			all = false
		}
		statuses = append(statuses, st)
	}
	return all, statuses
}

// Timed wraps a checker and appends its duration to the detail field. Useful
// for checks backed by network round trips.
func Timed(check Checker) Checker {
	return func(ctx context.Context) Status {
		start := time.Now()
		st := check(ctx)
		elapsed := time.Since(start).Round(time.Millisecond)
		if st.Detail == "" {
			st.Detail = elapsed.String()
		} else {
			st.Detail += " (" + elapsed.String() + ")"
		}
		return st
	}
}

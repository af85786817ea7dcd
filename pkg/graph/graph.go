// Package graph implements the dependency graph and staleness
// tracker. Edges are typed: depends_on is semantic and propagates
// staleness transitively; supported_by is audit provenance and is
// never traversed. depends_on cycles are rejected at insertion.
package graph

import (
	"fmt"
	"sync"
	"time"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/refs"
)

// Edge is a typed relation between two nodes. Direction reads
// from --rel--> to: "from depends_on to" means a change in to stales
// from.
type Edge struct {
	From string        `json:"from"`
	To   string        `json:"to"`
	Rel  refs.Relation `json:"rel"`
}

// StaleMark records why a node is potentially stale.
type StaleMark struct {
	NodeID   string    `json:"node_id"`
	Origin   string    `json:"origin"` // the changed node the mark propagated from
	MarkedAt time.Time `json:"marked_at"`
}

// Tracker maintains edges and staleness marks. Mutation is
// single-writer-per-node: marks are idempotent, so concurrent
// re-marking in any order converges.
type Tracker struct {
	mu sync.RWMutex
	// dependents[x] lists nodes with a depends_on edge pointing at x.
	dependents map[string][]string
	edges      []Edge
	stale      map[string]StaleMark
	clock      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

func NewTracker(options ...Option) *Tracker {
	t := &Tracker{
		dependents: make(map[string][]string),
		stale:      make(map[string]StaleMark),
		clock:      time.Now,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// AddEdge inserts a typed edge. A depends_on edge that would close a
// cycle is rejected with ErrCyclicDependency; supported_by cycles are
// allowed since that relation never blocks.
func (t *Tracker) AddEdge(from, to string, rel refs.Relation) error {
	if from == "" || to == "" {
		return fmt.Errorf("edge endpoints must be named")
	}
	if rel != refs.RelDependsOn && rel != refs.RelSupportedBy {
		return fmt.Errorf("edge relation %q: only depends_on and supported_by edges enter the graph", rel)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if rel == refs.RelDependsOn {
		if from == to || t.reachesLocked(to, from) {
			return fmt.Errorf("%s depends_on %s: %w", from, to, contracts.ErrCyclicDependency)
		}
		t.dependents[to] = append(t.dependents[to], from)
	}
	t.edges = append(t.edges, Edge{From: from, To: to, Rel: rel})
	return nil
}

// reachesLocked reports whether from can reach to along depends_on
// edges, walking dependency direction (from's dependencies).
func (t *Tracker) reachesLocked(from, to string) bool {
	// dependents maps target -> sources; walk the forward direction by
	// scanning edges.
	visited := map[string]struct{}{}
	queue := []string{from}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if n == to {
			return true
		}
		if _, seen := visited[n]; seen {
			continue
		}
		visited[n] = struct{}{}
		for _, e := range t.edges {
			if e.Rel == refs.RelDependsOn && e.From == n {
				queue = append(queue, e.To)
			}
		}
	}
	return false
}

// MarkChanged marks every node reachable from nodeID along reversed
// depends_on edges as potentially stale, transitively. supported_by
// edges are never traversed. Re-marking is idempotent.
func (t *Tracker) MarkChanged(nodeID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock().UTC()
	var marked []string
	visited := map[string]struct{}{nodeID: {}}
	queue := append([]string(nil), t.dependents[nodeID]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, seen := visited[n]; seen {
			continue
		}
		visited[n] = struct{}{}
		if _, already := t.stale[n]; !already {
			t.stale[n] = StaleMark{NodeID: n, Origin: nodeID, MarkedAt: now}
			marked = append(marked, n)
		}
		queue = append(queue, t.dependents[n]...)
	}
	return marked
}

// IsStale reports whether a node carries an unresolved stale mark. A
// stale node must be re-evaluated before use in a high-stakes
// decision.
func (t *Tracker) IsStale(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.stale[nodeID]
	return ok
}

// Mark returns the stale mark for a node, if any.
func (t *Tracker) Mark(nodeID string) (StaleMark, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.stale[nodeID]
	return m, ok
}

// ResolveStale clears a node's mark after re-evaluation.
func (t *Tracker) ResolveStale(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.stale[nodeID]; !ok {
		return false
	}
	delete(t.stale, nodeID)
	return true
}

// Edges returns a copy of all inserted edges.
func (t *Tracker) Edges() []Edge {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Edge, len(t.edges))
	copy(out, t.edges)
	return out
}

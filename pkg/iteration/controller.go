// Package iteration runs the fresh-context iteration protocol: every
// iteration starts from an explicit, content-addressed context spec
// rather than accumulated conversation state. The controller resolves
// the spec, compiles it into a deterministic context artifact, and
// records lifecycle events, with the governor gating every start.
package iteration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Loopgate-Labs/loopgate/pkg/canonicalize"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/eventlog"
	"github.com/Loopgate-Labs/loopgate/pkg/evidence"
	"github.com/Loopgate-Labs/loopgate/pkg/governor"
	"github.com/Loopgate-Labs/loopgate/pkg/refs"
)

// contextEntry is one resolved line of a context artifact.
type contextEntry struct {
	Kind        refs.Kind             `json:"kind"`
	ID          string                `json:"id"`
	Rel         refs.Relation         `json:"rel"`
	ContentHash contracts.ContentHash `json:"content_hash"`
}

// contextDocument is the compiled context artifact. Its canonical
// form is the iteration's ContextHash: two iterations with the same
// resolved spec share a hash.
type contextDocument struct {
	LoopID  string         `json:"loop_id"`
	Entries []contextEntry `json:"entries"`
}

type iterationState struct {
	iteration contracts.Iteration
	version   uint64
}

// Controller starts and completes iterations. All starts pass through
// the governor's eligibility gate; a refused start leaves no trace in
// the event log.
type Controller struct {
	mu         sync.Mutex
	gov        *governor.Governor
	log        eventlog.Store
	resolver   refs.Resolver
	blobs      evidence.Store
	iterations map[string]*iterationState
	sequences  map[string]uint32
	bestByLoop map[string]contracts.VerdictStatus
	evidenced  map[string]bool
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

func NewController(gov *governor.Governor, log eventlog.Store, resolver refs.Resolver, blobs evidence.Store, options ...Option) *Controller {
	c := &Controller{
		gov:        gov,
		log:        log,
		resolver:   resolver,
		blobs:      blobs,
		iterations: make(map[string]*iterationState),
		sequences:  make(map[string]uint32),
		bestByLoop: make(map[string]contracts.VerdictStatus),
		evidenced:  make(map[string]bool),
		clock:      time.Now,
		logger:     slog.Default().With("component", "iteration"),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// StartIteration resolves the context spec, passes the governor's
// eligibility gate, compiles and stores the context artifact, and
// records IterationStarted under the SYSTEM actor. Every ref must
// resolve; an unresolvable ref fails the start before any budget is
// consumed.
func (c *Controller) StartIteration(ctx context.Context, loopID string, contextSpec []refs.TypedRef) (contracts.Iteration, error) {
	if err := refs.ValidateSet(contextSpec); err != nil {
		return contracts.Iteration{}, err
	}

	entries := make([]contextEntry, 0, len(contextSpec))
	for _, ref := range contextSpec {
		content, err := c.resolver.Resolve(ctx, ref)
		if err != nil {
			return contracts.Iteration{}, fmt.Errorf("context ref %s/%s: %w: %v",
				ref.Kind, ref.ID, contracts.ErrMissingRef, err)
		}
		entries = append(entries, contextEntry{
			Kind:        ref.Kind,
			ID:          ref.ID,
			Rel:         ref.Rel,
			ContentHash: canonicalize.HashBytes(content),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Kind != entries[j].Kind {
			return entries[i].Kind < entries[j].Kind
		}
		return entries[i].ID < entries[j].ID
	})

	iterID := contracts.NewIterationID()
	if err := c.gov.TryStartIteration(ctx, loopID, iterID); err != nil {
		return contracts.Iteration{}, err
	}

	iter, err := c.recordStart(ctx, loopID, iterID, contextSpec, entries)
	if err != nil {
		c.gov.ReleaseIteration(loopID, iterID)
		return contracts.Iteration{}, err
	}
	return iter, nil
}

func (c *Controller) recordStart(ctx context.Context, loopID, iterID string, contextSpec []refs.TypedRef, entries []contextEntry) (contracts.Iteration, error) {
	doc := contextDocument{LoopID: loopID, Entries: entries}
	canonical, err := canonicalize.JCS(doc)
	if err != nil {
		return contracts.Iteration{}, fmt.Errorf("canonicalize context: %w", err)
	}
	contextHash, err := c.blobs.Put(ctx, canonical)
	if err != nil {
		return contracts.Iteration{}, fmt.Errorf("store context artifact: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sequences[loopID]++
	iter := contracts.Iteration{
		ID:          iterID,
		LoopID:      loopID,
		Sequence:    c.sequences[loopID],
		ContextHash: contextHash,
		StartedAt:   c.clock().UTC(),
	}

	env, err := eventlog.NewEnvelope(eventlog.StreamIteration, iterID, eventlog.TypeIterationStarted,
		contracts.SystemActor, iter,
		eventlog.WithRefs(contextSpec),
		eventlog.WithCorrelation(loopID),
		eventlog.WithOccurredAt(c.clock()))
	if err != nil {
		c.sequences[loopID]--
		return contracts.Iteration{}, err
	}
	version, err := c.log.Append(ctx, iterID, 0, []eventlog.Envelope{env})
	if err != nil {
		c.sequences[loopID]--
		return contracts.Iteration{}, fmt.Errorf("append IterationStarted: %w", err)
	}
	c.iterations[iterID] = &iterationState{iteration: iter, version: version}

	c.logger.Info("iteration started",
		"loop_id", loopID, "iteration_id", iterID, "sequence", iter.Sequence,
		"context_hash", contextHash)
	return iter, nil
}

// Complete closes an iteration, deriving whether it advanced the loop:
// the loop's best verdict strictly improved, or the loop recorded its
// first oracle evidence.
func (c *Controller) Complete(ctx context.Context, iterationID, intent string, candidates, runs []string, bestVerdict contracts.VerdictStatus) (contracts.IterationOutcome, error) {
	c.mu.Lock()
	st, ok := c.iterations[iterationID]
	if !ok {
		c.mu.Unlock()
		return contracts.IterationOutcome{}, fmt.Errorf("unknown iteration %s", iterationID)
	}
	loopID := st.iteration.LoopID

	advanced := bestVerdict.Improves(c.bestByLoop[loopID])
	if !advanced && !c.evidenced[loopID] && len(runs) > 0 {
		advanced = true
	}

	outcome := contracts.IterationOutcome{
		IterationID:        iterationID,
		LoopID:             loopID,
		Intent:             intent,
		CandidatesProduced: candidates,
		RunsExecuted:       runs,
		BestVerdict:        bestVerdict,
		Advanced:           advanced,
	}
	c.mu.Unlock()

	if err := c.gov.CompleteIteration(ctx, outcome); err != nil {
		return contracts.IterationOutcome{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock().UTC()
	st.iteration.CompletedAt = &now
	if bestVerdict.Improves(c.bestByLoop[loopID]) {
		c.bestByLoop[loopID] = bestVerdict
	}
	if len(runs) > 0 {
		c.evidenced[loopID] = true
	}
	return outcome, nil
}

// Get returns the controller's record of an iteration.
func (c *Controller) Get(iterationID string) (contracts.Iteration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.iterations[iterationID]
	if !ok {
		return contracts.Iteration{}, false
	}
	return st.iteration, true
}

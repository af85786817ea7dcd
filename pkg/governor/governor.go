// Package governor implements the Budget & Stop-Trigger Governor: the
// loop state machine, consumption tracking, mandatory stop triggers,
// and the eligibility gate in front of every iteration. Once a
// trigger fires, autonomous progression stops; only a binding human
// Decision resumes, extends, or terminates the loop. Budgets are never
// auto-extended.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/eventlog"
	"github.com/Loopgate-Labs/loopgate/pkg/identity"
)

var (
	// ErrUnknownLoop reports a loop id the governor has never seen.
	ErrUnknownLoop = errors.New("unknown loop")

	// ErrIterationInFlight reports a second iteration start while one
	// is active. Iterations within a loop are strictly sequential.
	ErrIterationInFlight = errors.New("iteration already in flight")

	// ErrLoopStopped reports an operation on a loop with open stop
	// triggers pending a decision.
	ErrLoopStopped = errors.New("loop stopped pending decision")
)

// DefaultRepeatedFailureN is the consecutive no-advance count that
// fires REPEATED_FAILURE when no directive configures one. Three is
// also the floor for configured values.
const DefaultRepeatedFailureN = 3

type loopState struct {
	loop                 contracts.Loop
	version              uint64
	openTriggers         []contracts.StopTrigger
	activeIteration      string
	consecutiveNoAdvance uint32
}

// Governor owns loop lifecycle and stop-trigger enforcement. All loop
// mutations flow through it and every transition is appended to the
// event log before local state moves.
type Governor struct {
	mu               sync.Mutex
	log              eventlog.Store
	ids              identity.Provider
	loops            map[string]*loopState
	repeatedFailureN uint32
	clock            func() time.Time
	logger           *slog.Logger
}

// Option configures a Governor.
type Option func(*Governor)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Governor) { g.clock = clock }
}

// WithIdentity installs the credential verifier behind
// ApplyDecisionWithCredential.
func WithIdentity(p identity.Provider) Option {
	return func(g *Governor) { g.ids = p }
}

// WithRepeatedFailureN sets the consecutive no-advance threshold,
// clamped to the floor of 3.
func WithRepeatedFailureN(n uint32) Option {
	return func(g *Governor) {
		if n < DefaultRepeatedFailureN {
			n = DefaultRepeatedFailureN
		}
		g.repeatedFailureN = n
	}
}

func New(log eventlog.Store, options ...Option) *Governor {
	g := &Governor{
		log:              log,
		loops:            make(map[string]*loopState),
		repeatedFailureN: DefaultRepeatedFailureN,
		clock:            time.Now,
		logger:           slog.Default().With("component", "governor"),
	}
	for _, opt := range options {
		opt(g)
	}
	return g
}

// CreateLoop charters a new loop in CREATED state.
func (g *Governor) CreateLoop(ctx context.Context, goal string, budgets contracts.LoopBudgets, directiveRef string, actor contracts.ActorID) (contracts.Loop, error) {
	if err := actor.Validate(); err != nil {
		return contracts.Loop{}, err
	}
	loop := contracts.Loop{
		ID:           contracts.NewLoopID(),
		Goal:         goal,
		State:        contracts.LoopCreated,
		Budgets:      budgets,
		DirectiveRef: directiveRef,
		CreatedAt:    g.clock().UTC(),
		CreatedBy:    actor,
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st := &loopState{loop: loop}
	if err := g.appendLocked(ctx, st, eventlog.TypeLoopCreated, actor, loop); err != nil {
		return contracts.Loop{}, err
	}
	g.loops[loop.ID] = st
	return loop, nil
}

// ActivateLoop moves a loop from CREATED to ACTIVE.
func (g *Governor) ActivateLoop(ctx context.Context, loopID string, actor contracts.ActorID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.stateLocked(loopID)
	if err != nil {
		return err
	}
	next, err := contracts.NextLoopState(st.loop.State, contracts.TransitionActivate)
	if err != nil {
		return err
	}
	if err := g.appendLocked(ctx, st, eventlog.TypeLoopActivated, actor, map[string]string{"loop_id": loopID}); err != nil {
		return err
	}
	st.loop.State = next
	return nil
}

// Loop returns a copy of the loop's current projection.
func (g *Governor) Loop(loopID string) (contracts.Loop, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.stateLocked(loopID)
	if err != nil {
		return contracts.Loop{}, err
	}
	return st.loop, nil
}

// TryStartIteration is the eligibility gate: the loop must be ACTIVE,
// carry no open stop triggers, have no iteration in flight, and have
// iteration budget left. On success the iteration slot is reserved
// and the iteration counter consumed.
func (g *Governor) TryStartIteration(ctx context.Context, loopID, iterationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.stateLocked(loopID)
	if err != nil {
		return err
	}
	if st.loop.State != contracts.LoopActive {
		return fmt.Errorf("loop %s is %s: %w", loopID, st.loop.State, contracts.ErrLoopNotActive)
	}
	if len(st.openTriggers) > 0 {
		return fmt.Errorf("loop %s triggers %v: %w", loopID, st.openTriggers, ErrLoopStopped)
	}
	if st.activeIteration != "" {
		return fmt.Errorf("loop %s iteration %s: %w", loopID, st.activeIteration, ErrIterationInFlight)
	}
	if b := st.loop.Budgets.MaxIterations; b > 0 && st.loop.Consumed.Iterations >= b {
		return fmt.Errorf("loop %s iterations %d/%d: %w",
			loopID, st.loop.Consumed.Iterations, b, contracts.ErrBudgetExhausted)
	}

	st.activeIteration = iterationID
	st.loop.Consumed.Iterations++
	return nil
}

// ReleaseIteration abandons a reserved iteration slot after a failed
// start, without touching consumption.
func (g *Governor) ReleaseIteration(loopID, iterationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.stateLocked(loopID)
	if err != nil {
		return
	}
	if st.activeIteration == iterationID {
		st.activeIteration = ""
		if st.loop.Consumed.Iterations > 0 {
			st.loop.Consumed.Iterations--
		}
	}
}

// CompleteIteration closes the in-flight iteration and feeds the
// advance-toward-Verified metric: an iteration advances when its best
// verdict strictly improves on the loop's previous best, or when it
// records the loop's first evidence. N consecutive non-advancing
// iterations fire REPEATED_FAILURE.
func (g *Governor) CompleteIteration(ctx context.Context, outcome contracts.IterationOutcome) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.stateLocked(outcome.LoopID)
	if err != nil {
		return err
	}
	if st.activeIteration != outcome.IterationID {
		return fmt.Errorf("iteration %s is not in flight for loop %s", outcome.IterationID, outcome.LoopID)
	}

	if err := g.appendLocked(ctx, st, eventlog.TypeIterationCompleted, contracts.SystemActor, outcome); err != nil {
		return err
	}
	st.activeIteration = ""

	if outcome.Advanced {
		st.consecutiveNoAdvance = 0
	} else {
		st.consecutiveNoAdvance++
	}

	if st.consecutiveNoAdvance >= g.repeatedFailureN {
		return g.fireTriggersLocked(ctx, st, []contracts.StopTrigger{contracts.TriggerRepeatedFailure})
	}
	return nil
}

// RecordConsumption adds to the loop's monotonic counters and fires
// BUDGET_EXHAUSTED when any counter crosses its budget. Counters never
// decrease.
func (g *Governor) RecordConsumption(ctx context.Context, loopID string, iterations, oracleRuns uint32, wallclock time.Duration) error {
	if wallclock < 0 {
		return fmt.Errorf("negative wallclock consumption %v", wallclock)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.stateLocked(loopID)
	if err != nil {
		return err
	}
	st.loop.Consumed.Iterations += iterations
	st.loop.Consumed.OracleRuns += oracleRuns
	st.loop.Consumed.Wallclock += wallclock

	if triggers := g.budgetTriggersLocked(st); len(triggers) > 0 {
		return g.fireTriggersLocked(ctx, st, triggers)
	}
	return nil
}

// CheckTriggers returns the loop's open stop triggers plus any budget
// trigger that holds right now, firing newly detected ones.
func (g *Governor) CheckTriggers(ctx context.Context, loopID string) ([]contracts.StopTrigger, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.stateLocked(loopID)
	if err != nil {
		return nil, err
	}
	if triggers := g.budgetTriggersLocked(st); len(triggers) > 0 {
		if err := g.fireTriggersLocked(ctx, st, triggers); err != nil {
			return nil, err
		}
	}
	out := make([]contracts.StopTrigger, len(st.openTriggers))
	copy(out, st.openTriggers)
	return out, nil
}

// RaiseIntegrity records integrity conditions against a loop and
// stops it. Integrity triggers are never waivable and never cleared
// except through ApplyDecision.
func (g *Governor) RaiseIntegrity(ctx context.Context, loopID string, conditions []contracts.IntegrityCondition) error {
	if len(conditions) == 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.stateLocked(loopID)
	if err != nil {
		return err
	}
	if err := g.appendLocked(ctx, st, eventlog.TypeIntegrityConditionRaised, contracts.SystemActor, conditions); err != nil {
		return err
	}
	triggers := make([]contracts.StopTrigger, 0, len(conditions))
	for _, c := range conditions {
		triggers = append(triggers, c.StopTrigger())
	}
	return g.fireTriggersLocked(ctx, st, triggers)
}

// Stop records a human stop request.
func (g *Governor) Stop(ctx context.Context, loopID string, actor contracts.ActorID) error {
	if !actor.IsHuman() {
		return fmt.Errorf("stop of loop %s: %w", loopID, contracts.ErrNotHumanActor)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.stateLocked(loopID)
	if err != nil {
		return err
	}
	return g.fireTriggersLocked(ctx, st, []contracts.StopTrigger{contracts.TriggerHumanStop})
}

// ApplyDecisionWithCredential resolves the deciding human from a
// verified credential before applying the decision. Whatever actor the
// incoming record carries is replaced by the credential's subject.
func (g *Governor) ApplyDecisionWithCredential(ctx context.Context, decision contracts.Decision, credential string) (contracts.Decision, error) {
	if g.ids == nil {
		return contracts.Decision{}, fmt.Errorf("decision on loop %s: %w", decision.LoopID, identity.ErrNoProvider)
	}
	decidedBy, err := g.ids.RequireHuman(ctx, credential)
	if err != nil {
		return contracts.Decision{}, fmt.Errorf("decision on loop %s: %w", decision.LoopID, err)
	}
	decision.DecidedBy = decidedBy
	return g.ApplyDecision(ctx, decision)
}

// ApplyDecision resolves open stop triggers with a binding human
// Decision: EXTEND_BUDGET resumes with new ceilings, TERMINATE closes,
// PROCEED_WITH_VERIFIED closes shipping the existing verified
// candidate. This is the only path back to autonomous progression.
func (g *Governor) ApplyDecision(ctx context.Context, decision contracts.Decision) (contracts.Decision, error) {
	if !decision.DecidedBy.IsHuman() {
		return contracts.Decision{}, fmt.Errorf("decision on loop %s: %w", decision.LoopID, contracts.ErrNotHumanActor)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, err := g.stateLocked(decision.LoopID)
	if err != nil {
		return contracts.Decision{}, err
	}
	if decision.ID == "" {
		decision.ID = contracts.NewDecisionID()
	}
	decision.Triggers = append([]contracts.StopTrigger(nil), st.openTriggers...)
	decision.RecordedAt = g.clock().UTC()

	switch decision.Kind {
	case contracts.DecisionExtendBudget:
		if decision.Extension == nil {
			return contracts.Decision{}, fmt.Errorf("EXTEND_BUDGET decision for loop %s carries no new budgets", decision.LoopID)
		}
		ext := *decision.Extension
		if ext.MaxIterations < st.loop.Budgets.MaxIterations ||
			ext.MaxOracleRuns < st.loop.Budgets.MaxOracleRuns ||
			ext.MaxWallclock < st.loop.Budgets.MaxWallclock {
			return contracts.Decision{}, fmt.Errorf("extension for loop %s shrinks a budget", decision.LoopID)
		}
	case contracts.DecisionTerminate, contracts.DecisionProceedVerified:
	default:
		return contracts.Decision{}, fmt.Errorf("unknown decision kind %q", decision.Kind)
	}

	if err := g.appendLocked(ctx, st, eventlog.TypeDecisionRecorded, decision.DecidedBy, decision); err != nil {
		return contracts.Decision{}, err
	}

	switch decision.Kind {
	case contracts.DecisionExtendBudget:
		st.loop.Budgets = *decision.Extension
		st.openTriggers = nil
		st.consecutiveNoAdvance = 0
		if st.loop.State == contracts.LoopPaused {
			if err := g.appendLocked(ctx, st, eventlog.TypeLoopResumed, decision.DecidedBy, map[string]string{"decision_id": decision.ID}); err != nil {
				return contracts.Decision{}, err
			}
			st.loop.State = contracts.LoopActive
		}
	case contracts.DecisionTerminate, contracts.DecisionProceedVerified:
		if err := g.appendLocked(ctx, st, eventlog.TypeLoopClosed, decision.DecidedBy, map[string]string{"decision_id": decision.ID}); err != nil {
			return contracts.Decision{}, err
		}
		st.loop.State = contracts.LoopClosed
		st.openTriggers = nil
	}

	g.logger.Info("decision applied",
		"loop_id", decision.LoopID, "kind", decision.Kind, "decision_id", decision.ID)
	return decision, nil
}

func (g *Governor) budgetTriggersLocked(st *loopState) []contracts.StopTrigger {
	for _, open := range st.openTriggers {
		if open == contracts.TriggerBudgetExhausted {
			return nil
		}
	}
	b, c := st.loop.Budgets, st.loop.Consumed
	exhausted := (b.MaxIterations > 0 && c.Iterations >= b.MaxIterations) ||
		(b.MaxOracleRuns > 0 && c.OracleRuns >= b.MaxOracleRuns) ||
		(b.MaxWallclock > 0 && c.Wallclock >= b.MaxWallclock)
	if exhausted {
		return []contracts.StopTrigger{contracts.TriggerBudgetExhausted}
	}
	return nil
}

// fireTriggersLocked records newly raised triggers and moves an ACTIVE
// loop to PAUSED. Re-raising an open trigger is idempotent.
func (g *Governor) fireTriggersLocked(ctx context.Context, st *loopState, triggers []contracts.StopTrigger) error {
	var fresh []contracts.StopTrigger
	for _, t := range triggers {
		open := false
		for _, existing := range st.openTriggers {
			if existing == t {
				open = true
				break
			}
		}
		if !open {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	if err := g.appendLocked(ctx, st, eventlog.TypeStopTriggered, contracts.SystemActor, map[string]any{
		"loop_id":  st.loop.ID,
		"triggers": fresh,
	}); err != nil {
		return err
	}
	st.openTriggers = append(st.openTriggers, fresh...)

	if st.loop.State == contracts.LoopActive {
		if err := g.appendLocked(ctx, st, eventlog.TypeLoopPaused, contracts.SystemActor, map[string]any{
			"loop_id":  st.loop.ID,
			"triggers": fresh,
		}); err != nil {
			return err
		}
		st.loop.State = contracts.LoopPaused
	}

	g.logger.Warn("stop triggers fired", "loop_id", st.loop.ID, "triggers", fresh)
	return nil
}

func (g *Governor) stateLocked(loopID string) (*loopState, error) {
	st, ok := g.loops[loopID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", loopID, ErrUnknownLoop)
	}
	return st, nil
}

func (g *Governor) appendLocked(ctx context.Context, st *loopState, eventType string, actor contracts.ActorID, payload any) error {
	env, err := eventlog.NewEnvelope(eventlog.StreamLoop, st.loop.ID, eventType, actor, payload,
		eventlog.WithCorrelation(st.loop.ID),
		eventlog.WithOccurredAt(g.clock()))
	if err != nil {
		return err
	}
	version, err := g.log.Append(ctx, st.loop.ID, st.version, []eventlog.Envelope{env})
	if err != nil {
		return fmt.Errorf("append %s: %w", eventType, err)
	}
	st.version = version
	return nil
}

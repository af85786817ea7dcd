package governor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/eventlog"
	"github.com/Loopgate-Labs/loopgate/pkg/governor"
	"github.com/Loopgate-Labs/loopgate/pkg/identity"
)

var govClock = func() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func human() contracts.ActorID {
	return contracts.ActorID{Kind: contracts.ActorHuman, ID: "reviewer-1"}
}

func agent() contracts.ActorID {
	return contracts.ActorID{Kind: contracts.ActorAgent, ID: "builder-7"}
}

func newGovernor(t *testing.T, options ...governor.Option) (*governor.Governor, *eventlog.MemoryStore) {
	t.Helper()
	store := eventlog.NewMemoryStore()
	options = append([]governor.Option{governor.WithClock(govClock)}, options...)
	return governor.New(store, options...), store
}

func activeLoop(t *testing.T, g *governor.Governor, budgets contracts.LoopBudgets) contracts.Loop {
	t.Helper()
	ctx := context.Background()
	loop, err := g.CreateLoop(ctx, "make the parser pass its suite", budgets, "directive_parser", human())
	require.NoError(t, err)
	require.NoError(t, g.ActivateLoop(ctx, loop.ID, human()))
	loop, err = g.Loop(loop.ID)
	require.NoError(t, err)
	return loop
}

func streamLen(t *testing.T, store *eventlog.MemoryStore, streamID string) int {
	t.Helper()
	events, err := store.ReadStream(context.Background(), streamID, 1, 0)
	require.NoError(t, err)
	return len(events)
}

func completeNoAdvance(t *testing.T, g *governor.Governor, loopID, iterID string) {
	t.Helper()
	require.NoError(t, g.CompleteIteration(context.Background(), contracts.IterationOutcome{
		IterationID: iterID,
		LoopID:      loopID,
		BestVerdict: contracts.Blocked,
		Advanced:    false,
	}))
}

func TestCreateAndActivateLoop(t *testing.T) {
	g, store := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 5})

	assert.Equal(t, contracts.LoopActive, loop.State)
	assert.Equal(t, govClock(), loop.CreatedAt)
	assert.Equal(t, 2, streamLen(t, store, loop.ID))

	events, err := store.ReadStream(context.Background(), loop.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, eventlog.TypeLoopCreated, events[0].EventType)
	assert.Equal(t, eventlog.TypeLoopActivated, events[1].EventType)
}

func TestCreateLoopRejectsInvalidActor(t *testing.T) {
	g, _ := newGovernor(t)
	_, err := g.CreateLoop(context.Background(), "goal", contracts.LoopBudgets{}, "", contracts.ActorID{})
	require.Error(t, err)
}

func TestActivateUnknownLoop(t *testing.T) {
	g, _ := newGovernor(t)
	err := g.ActivateLoop(context.Background(), "loop_missing", human())
	require.ErrorIs(t, err, governor.ErrUnknownLoop)
}

// Third start against max_iterations=2 fails with the budget error and
// leaves the event log untouched.
func TestIterationBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	g, store := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 2})

	require.NoError(t, g.TryStartIteration(ctx, loop.ID, "iter_1"))
	completeNoAdvance(t, g, loop.ID, "iter_1")
	require.NoError(t, g.TryStartIteration(ctx, loop.ID, "iter_2"))
	completeNoAdvance(t, g, loop.ID, "iter_2")

	before := streamLen(t, store, loop.ID)
	err := g.TryStartIteration(ctx, loop.ID, "iter_3")
	require.ErrorIs(t, err, contracts.ErrBudgetExhausted)
	assert.Equal(t, before, streamLen(t, store, loop.ID))

	got, err := g.Loop(loop.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.Consumed.Iterations)
}

func TestIterationInFlight(t *testing.T) {
	ctx := context.Background()
	g, _ := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 5})

	require.NoError(t, g.TryStartIteration(ctx, loop.ID, "iter_1"))
	err := g.TryStartIteration(ctx, loop.ID, "iter_2")
	require.ErrorIs(t, err, governor.ErrIterationInFlight)
}

func TestTryStartIterationRequiresActiveLoop(t *testing.T) {
	ctx := context.Background()
	g, _ := newGovernor(t)
	loop, err := g.CreateLoop(ctx, "goal", contracts.LoopBudgets{MaxIterations: 5}, "", human())
	require.NoError(t, err)

	err = g.TryStartIteration(ctx, loop.ID, "iter_1")
	require.ErrorIs(t, err, contracts.ErrLoopNotActive)
}

func TestReleaseIterationReturnsSlotAndBudget(t *testing.T) {
	ctx := context.Background()
	g, _ := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 1})

	require.NoError(t, g.TryStartIteration(ctx, loop.ID, "iter_1"))
	g.ReleaseIteration(loop.ID, "iter_1")

	require.NoError(t, g.TryStartIteration(ctx, loop.ID, "iter_1b"))
	got, err := g.Loop(loop.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.Consumed.Iterations)
}

func TestConsumptionIsMonotonic(t *testing.T) {
	ctx := context.Background()
	g, _ := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxOracleRuns: 100, MaxWallclock: time.Hour})

	require.NoError(t, g.RecordConsumption(ctx, loop.ID, 0, 3, 2*time.Minute))
	require.NoError(t, g.RecordConsumption(ctx, loop.ID, 0, 2, time.Minute))
	require.Error(t, g.RecordConsumption(ctx, loop.ID, 0, 0, -time.Second))

	got, err := g.Loop(loop.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), got.Consumed.OracleRuns)
	assert.Equal(t, 3*time.Minute, got.Consumed.Wallclock)
}

func TestOracleRunBudgetFiresTrigger(t *testing.T) {
	ctx := context.Background()
	g, _ := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxOracleRuns: 4})

	require.NoError(t, g.RecordConsumption(ctx, loop.ID, 0, 4, 0))

	triggers, err := g.CheckTriggers(ctx, loop.ID)
	require.NoError(t, err)
	assert.Equal(t, []contracts.StopTrigger{contracts.TriggerBudgetExhausted}, triggers)

	got, err := g.Loop(loop.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.LoopPaused, got.State)

	err = g.TryStartIteration(ctx, loop.ID, "iter_1")
	require.ErrorIs(t, err, contracts.ErrLoopNotActive)
}

func TestRepeatedFailureAfterThreeNoAdvanceIterations(t *testing.T) {
	ctx := context.Background()
	g, _ := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 10})

	for i, iterID := range []string{"iter_1", "iter_2", "iter_3"} {
		require.NoError(t, g.TryStartIteration(ctx, loop.ID, iterID), "iteration %d", i+1)
		completeNoAdvance(t, g, loop.ID, iterID)
	}

	triggers, err := g.CheckTriggers(ctx, loop.ID)
	require.NoError(t, err)
	assert.Contains(t, triggers, contracts.TriggerRepeatedFailure)

	got, err := g.Loop(loop.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.LoopPaused, got.State)
}

func TestAdvanceResetsRepeatedFailureCount(t *testing.T) {
	ctx := context.Background()
	g, _ := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 10})

	require.NoError(t, g.TryStartIteration(ctx, loop.ID, "iter_1"))
	completeNoAdvance(t, g, loop.ID, "iter_1")
	require.NoError(t, g.TryStartIteration(ctx, loop.ID, "iter_2"))
	completeNoAdvance(t, g, loop.ID, "iter_2")

	require.NoError(t, g.TryStartIteration(ctx, loop.ID, "iter_3"))
	require.NoError(t, g.CompleteIteration(ctx, contracts.IterationOutcome{
		IterationID: "iter_3",
		LoopID:      loop.ID,
		BestVerdict: contracts.VerifiedStrict,
		Advanced:    true,
	}))

	require.NoError(t, g.TryStartIteration(ctx, loop.ID, "iter_4"))
	completeNoAdvance(t, g, loop.ID, "iter_4")

	triggers, err := g.CheckTriggers(ctx, loop.ID)
	require.NoError(t, err)
	assert.Empty(t, triggers)
}

func TestCompleteIterationRejectsUnknownIteration(t *testing.T) {
	g, _ := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 5})

	err := g.CompleteIteration(context.Background(), contracts.IterationOutcome{
		IterationID: "iter_ghost",
		LoopID:      loop.ID,
	})
	require.Error(t, err)
}

func TestRaiseIntegrityStopsLoop(t *testing.T) {
	ctx := context.Background()
	g, store := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 5})

	require.NoError(t, g.RaiseIntegrity(ctx, loop.ID, []contracts.IntegrityCondition{
		{Code: contracts.IntegrityTamper, SuiteID: "suite-core", Detail: "suite hash diverged"},
	}))

	triggers, err := g.CheckTriggers(ctx, loop.ID)
	require.NoError(t, err)
	assert.Equal(t, []contracts.StopTrigger{contracts.TriggerOracleTamper}, triggers)

	// Re-raising an open trigger appends nothing new.
	before := streamLen(t, store, loop.ID)
	require.NoError(t, g.RaiseIntegrity(ctx, loop.ID, []contracts.IntegrityCondition{
		{Code: contracts.IntegrityTamper, SuiteID: "suite-core", Detail: "still diverged"},
	}))
	assert.Equal(t, before+1, streamLen(t, store, loop.ID), "only the condition record, no second trigger")
}

func TestHumanStop(t *testing.T) {
	ctx := context.Background()
	g, _ := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 5})

	require.ErrorIs(t, g.Stop(ctx, loop.ID, agent()), contracts.ErrNotHumanActor)

	require.NoError(t, g.Stop(ctx, loop.ID, human()))
	triggers, err := g.CheckTriggers(ctx, loop.ID)
	require.NoError(t, err)
	assert.Equal(t, []contracts.StopTrigger{contracts.TriggerHumanStop}, triggers)
}

func TestApplyDecisionRequiresHuman(t *testing.T) {
	g, _ := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 2})

	_, err := g.ApplyDecision(context.Background(), contracts.Decision{
		LoopID:    loop.ID,
		Kind:      contracts.DecisionTerminate,
		DecidedBy: agent(),
	})
	require.ErrorIs(t, err, contracts.ErrNotHumanActor)
}

func TestExtendBudgetResumesLoop(t *testing.T) {
	ctx := context.Background()
	g, _ := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 2})

	require.NoError(t, g.TryStartIteration(ctx, loop.ID, "iter_1"))
	completeNoAdvance(t, g, loop.ID, "iter_1")
	require.NoError(t, g.TryStartIteration(ctx, loop.ID, "iter_2"))
	completeNoAdvance(t, g, loop.ID, "iter_2")

	_, err := g.CheckTriggers(ctx, loop.ID)
	require.NoError(t, err)

	// An extension must not shrink any ceiling.
	_, err = g.ApplyDecision(ctx, contracts.Decision{
		LoopID:    loop.ID,
		Kind:      contracts.DecisionExtendBudget,
		Extension: &contracts.LoopBudgets{MaxIterations: 1},
		DecidedBy: human(),
	})
	require.Error(t, err)

	_, err = g.ApplyDecision(ctx, contracts.Decision{
		LoopID:    loop.ID,
		Kind:      contracts.DecisionExtendBudget,
		DecidedBy: human(),
	})
	require.Error(t, err, "extension budgets are mandatory")

	decision, err := g.ApplyDecision(ctx, contracts.Decision{
		LoopID:    loop.ID,
		Kind:      contracts.DecisionExtendBudget,
		Extension: &contracts.LoopBudgets{MaxIterations: 4},
		DecidedBy: human(),
		Rationale: "two more tries approved",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, decision.ID)
	assert.Equal(t, []contracts.StopTrigger{contracts.TriggerBudgetExhausted}, decision.Triggers)

	got, err := g.Loop(loop.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.LoopActive, got.State)
	assert.Equal(t, uint32(4), got.Budgets.MaxIterations)

	require.NoError(t, g.TryStartIteration(ctx, loop.ID, "iter_3"))
}

func TestTerminateClosesLoop(t *testing.T) {
	ctx := context.Background()
	g, store := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 5})
	require.NoError(t, g.Stop(ctx, loop.ID, human()))

	_, err := g.ApplyDecision(ctx, contracts.Decision{
		LoopID:    loop.ID,
		Kind:      contracts.DecisionTerminate,
		DecidedBy: human(),
	})
	require.NoError(t, err)

	got, err := g.Loop(loop.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.LoopClosed, got.State)

	events, err := store.ReadStream(ctx, loop.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, eventlog.TypeLoopClosed, events[len(events)-1].EventType)
}

func TestProceedWithVerifiedClosesLoop(t *testing.T) {
	ctx := context.Background()
	g, _ := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 5})
	require.NoError(t, g.Stop(ctx, loop.ID, human()))

	_, err := g.ApplyDecision(ctx, contracts.Decision{
		LoopID:    loop.ID,
		Kind:      contracts.DecisionProceedVerified,
		DecidedBy: human(),
	})
	require.NoError(t, err)

	got, err := g.Loop(loop.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.LoopClosed, got.State)
}

// A credentialed decision binds the credential's subject, not any
// actor the caller put on the record.
func TestApplyDecisionWithCredential(t *testing.T) {
	ctx := context.Background()
	keys, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	tokens := identity.NewTokenManager(keys)
	g, _ := newGovernor(t, governor.WithIdentity(tokens))
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 2})

	require.NoError(t, g.Stop(ctx, loop.ID, human()))

	cred, err := tokens.Issue(ctx, contracts.ActorID{Kind: contracts.ActorHuman, ID: "lead-2"}, time.Hour)
	require.NoError(t, err)

	decision, err := g.ApplyDecisionWithCredential(ctx, contracts.Decision{
		LoopID:    loop.ID,
		Kind:      contracts.DecisionTerminate,
		DecidedBy: agent(),
	}, cred)
	require.NoError(t, err)
	assert.Equal(t, "lead-2", decision.DecidedBy.ID)
	assert.Equal(t, contracts.ActorHuman, decision.DecidedBy.Kind)

	got, err := g.Loop(loop.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.LoopClosed, got.State)
}

func TestApplyDecisionWithAgentCredential(t *testing.T) {
	ctx := context.Background()
	keys, err := identity.NewInMemoryKeySet()
	require.NoError(t, err)
	tokens := identity.NewTokenManager(keys)
	g, store := newGovernor(t, governor.WithIdentity(tokens))
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 2})
	before := streamLen(t, store, loop.ID)

	cred, err := tokens.Issue(ctx, contracts.ActorID{Kind: contracts.ActorAgent, ID: "builder-7"}, time.Hour)
	require.NoError(t, err)

	_, err = g.ApplyDecisionWithCredential(ctx, contracts.Decision{
		LoopID: loop.ID,
		Kind:   contracts.DecisionTerminate,
	}, cred)
	require.ErrorIs(t, err, identity.ErrNotHuman)
	assert.Equal(t, before, streamLen(t, store, loop.ID))
}

func TestApplyDecisionWithCredentialNoProvider(t *testing.T) {
	ctx := context.Background()
	g, _ := newGovernor(t)
	loop := activeLoop(t, g, contracts.LoopBudgets{MaxIterations: 2})

	_, err := g.ApplyDecisionWithCredential(ctx, contracts.Decision{
		LoopID: loop.ID,
		Kind:   contracts.DecisionTerminate,
	}, "anything")
	require.ErrorIs(t, err, identity.ErrNoProvider)
}

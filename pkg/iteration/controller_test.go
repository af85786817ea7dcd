package iteration_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/eventlog"
	"github.com/Loopgate-Labs/loopgate/pkg/evidence"
	"github.com/Loopgate-Labs/loopgate/pkg/governor"
	"github.com/Loopgate-Labs/loopgate/pkg/iteration"
	"github.com/Loopgate-Labs/loopgate/pkg/refs"
)

var iterClock = func() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

// mapResolver resolves refs from a fixed table.
type mapResolver map[string][]byte

func (r mapResolver) Resolve(_ context.Context, ref refs.TypedRef) ([]byte, error) {
	content, ok := r[ref.ID]
	if !ok {
		return nil, fmt.Errorf("no such ref %s", ref.ID)
	}
	return content, nil
}

type fixture struct {
	gov        *governor.Governor
	controller *iteration.Controller
	store      *eventlog.MemoryStore
	loop       contracts.Loop
}

func newFixture(t *testing.T, budgets contracts.LoopBudgets, resolver refs.Resolver) *fixture {
	t.Helper()
	ctx := context.Background()
	store := eventlog.NewMemoryStore()
	blobs, err := evidence.NewFSStore(t.TempDir())
	require.NoError(t, err)

	gov := governor.New(store, governor.WithClock(iterClock))
	human := contracts.ActorID{Kind: contracts.ActorHuman, ID: "reviewer-1"}
	loop, err := gov.CreateLoop(ctx, "fix the flaky importer", budgets, "", human)
	require.NoError(t, err)
	require.NoError(t, gov.ActivateLoop(ctx, loop.ID, human))

	return &fixture{
		gov:        gov,
		controller: iteration.NewController(gov, store, resolver, blobs, iteration.WithClock(iterClock)),
		store:      store,
		loop:       loop,
	}
}

func specRef(id string) refs.TypedRef {
	return refs.TypedRef{Kind: refs.KindGovernedArtifact, ID: id, Rel: refs.RelAbout}
}

func TestStartIterationCompilesContextArtifact(t *testing.T) {
	ctx := context.Background()
	resolver := mapResolver{"art-spec": []byte("requirements v3"), "art-notes": []byte("prior findings")}
	fx := newFixture(t, contracts.LoopBudgets{MaxIterations: 5}, resolver)

	spec := []refs.TypedRef{specRef("art-spec"), specRef("art-notes")}
	iter, err := fx.controller.StartIteration(ctx, fx.loop.ID, spec)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), iter.Sequence)
	assert.True(t, iter.ContextHash.Valid())
	assert.Equal(t, iterClock(), iter.StartedAt)

	events, err := fx.store.ReadStream(ctx, iter.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, eventlog.TypeIterationStarted, events[0].EventType)
	assert.Equal(t, contracts.ActorSystem, events[0].ActorKind)
}

// The context artifact is deterministic: the same resolved spec yields
// the same hash regardless of ref order.
func TestContextHashIsDeterministic(t *testing.T) {
	ctx := context.Background()
	resolver := mapResolver{"art-spec": []byte("requirements v3"), "art-notes": []byte("prior findings")}
	fx := newFixture(t, contracts.LoopBudgets{MaxIterations: 5}, resolver)

	first, err := fx.controller.StartIteration(ctx, fx.loop.ID,
		[]refs.TypedRef{specRef("art-spec"), specRef("art-notes")})
	require.NoError(t, err)
	_, err = fx.controller.Complete(ctx, first.ID, "", nil, nil, "")
	require.NoError(t, err)

	second, err := fx.controller.StartIteration(ctx, fx.loop.ID,
		[]refs.TypedRef{specRef("art-notes"), specRef("art-spec")})
	require.NoError(t, err)

	assert.Equal(t, first.ContextHash, second.ContextHash)
	assert.Equal(t, uint32(2), second.Sequence)
}

func TestStartIterationUnresolvableRef(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, contracts.LoopBudgets{MaxIterations: 5}, mapResolver{})

	_, err := fx.controller.StartIteration(ctx, fx.loop.ID, []refs.TypedRef{specRef("art-ghost")})
	require.ErrorIs(t, err, contracts.ErrMissingRef)

	// A failed resolution consumes no budget.
	loop, err := fx.gov.Loop(fx.loop.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), loop.Consumed.Iterations)
}

// With max_iterations=2 the third start is refused before any event is
// written.
func TestStartIterationBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	resolver := mapResolver{"art-spec": []byte("requirements v3")}
	fx := newFixture(t, contracts.LoopBudgets{MaxIterations: 2}, resolver)
	spec := []refs.TypedRef{specRef("art-spec")}

	for _, round := range []string{"first", "second"} {
		iter, err := fx.controller.StartIteration(ctx, fx.loop.ID, spec)
		require.NoError(t, err, round)
		_, err = fx.controller.Complete(ctx, iter.ID, "", nil, nil, "")
		require.NoError(t, err)
	}

	before, err := fx.store.ReplayAll(ctx, 1, 0)
	require.NoError(t, err)

	_, err = fx.controller.StartIteration(ctx, fx.loop.ID, spec)
	require.ErrorIs(t, err, contracts.ErrBudgetExhausted)

	after, err := fx.store.ReplayAll(ctx, 1, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before), "refused start writes nothing")
}

func TestCompleteDerivesAdvance(t *testing.T) {
	ctx := context.Background()
	resolver := mapResolver{"art-spec": []byte("requirements v3")}
	fx := newFixture(t, contracts.LoopBudgets{MaxIterations: 10}, resolver)
	spec := []refs.TypedRef{specRef("art-spec")}

	// First evidence advances even when the verdict is BLOCKED.
	iter1, err := fx.controller.StartIteration(ctx, fx.loop.ID, spec)
	require.NoError(t, err)
	out1, err := fx.controller.Complete(ctx, iter1.ID, "try fix", []string{"cand_a"}, []string{"run_1"}, contracts.Blocked)
	require.NoError(t, err)
	assert.True(t, out1.Advanced)

	// Same verdict again does not advance.
	iter2, err := fx.controller.StartIteration(ctx, fx.loop.ID, spec)
	require.NoError(t, err)
	out2, err := fx.controller.Complete(ctx, iter2.ID, "retry", []string{"cand_b"}, []string{"run_2"}, contracts.Blocked)
	require.NoError(t, err)
	assert.False(t, out2.Advanced)

	// A strictly better verdict advances.
	iter3, err := fx.controller.StartIteration(ctx, fx.loop.ID, spec)
	require.NoError(t, err)
	out3, err := fx.controller.Complete(ctx, iter3.ID, "fix waived", []string{"cand_c"}, []string{"run_3"}, contracts.VerifiedWithExceptions)
	require.NoError(t, err)
	assert.True(t, out3.Advanced)

	got, ok := fx.controller.Get(iter3.ID)
	require.True(t, ok)
	require.NotNil(t, got.CompletedAt)
}

func TestCompleteUnknownIteration(t *testing.T) {
	fx := newFixture(t, contracts.LoopBudgets{MaxIterations: 5}, mapResolver{})
	_, err := fx.controller.Complete(context.Background(), "iter_ghost", "", nil, nil, "")
	require.Error(t, err)
}

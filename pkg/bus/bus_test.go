package bus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Loopgate-Labs/loopgate/pkg/bus"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/eventlog"
)

// recordingPublisher captures published envelopes.
type recordingPublisher struct {
	published []eventlog.Envelope
	fail      bool
}

func (p *recordingPublisher) Publish(_ context.Context, env eventlog.Envelope) error {
	if p.fail {
		return errors.New("broker down")
	}
	p.published = append(p.published, env)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func newEnvelope(t *testing.T, streamID string) eventlog.Envelope {
	t.Helper()
	env, err := eventlog.NewEnvelope(eventlog.StreamLoop, streamID, eventlog.TypeLoopCreated,
		contracts.SystemActor, map[string]string{"loop_id": streamID})
	require.NoError(t, err)
	return env
}

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "loopgate.events.LOOP", bus.SubjectFor(eventlog.StreamLoop))
	assert.Equal(t, "loopgate.events.APPROVAL", bus.SubjectFor(eventlog.StreamApproval))
}

func TestPublishingStoreFansOutAfterCommit(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	store := bus.NewPublishingStore(eventlog.NewMemoryStore(), pub)

	env := newEnvelope(t, "loop_1")
	_, err := store.Append(ctx, "loop_1", 0, []eventlog.Envelope{env})
	require.NoError(t, err)

	require.Len(t, pub.published, 1)
	assert.Equal(t, env.EventID, pub.published[0].EventID)

	// The committed event is readable through the decorated store.
	events, err := store.ReadStream(ctx, "loop_1", 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// A broker outage never fails the append.
func TestPublishingStoreToleratesBrokerFailure(t *testing.T) {
	ctx := context.Background()
	store := bus.NewPublishingStore(eventlog.NewMemoryStore(), &recordingPublisher{fail: true})

	_, err := store.Append(ctx, "loop_1", 0, []eventlog.Envelope{newEnvelope(t, "loop_1")})
	require.NoError(t, err)

	events, err := store.ReadStream(ctx, "loop_1", 1, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

// A rejected append publishes nothing.
func TestPublishingStoreSkipsOnConflict(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	store := bus.NewPublishingStore(eventlog.NewMemoryStore(), pub)

	_, err := store.Append(ctx, "loop_1", 0, []eventlog.Envelope{newEnvelope(t, "loop_1")})
	require.NoError(t, err)

	_, err = store.Append(ctx, "loop_1", 0, []eventlog.Envelope{newEnvelope(t, "loop_1")})
	require.ErrorIs(t, err, eventlog.ErrConcurrencyConflict)
	assert.Len(t, pub.published, 1)
}

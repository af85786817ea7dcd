package bus

import (
	"context"
	"log/slog"

	"github.com/Loopgate-Labs/loopgate/pkg/eventlog"
)

// PublishingStore decorates an event log store with post-commit
// publication. Appends succeed even when the broker is down; failed
// publications are logged and recoverable by replay.
type PublishingStore struct {
	eventlog.Store
	publisher Publisher
	logger    *slog.Logger
}

func NewPublishingStore(inner eventlog.Store, publisher Publisher) *PublishingStore {
	return &PublishingStore{
		Store:     inner,
		publisher: publisher,
		logger:    slog.Default().With("component", "bus"),
	}
}

func (s *PublishingStore) Append(ctx context.Context, streamID string, expectedVersion uint64, events []eventlog.Envelope) (uint64, error) {
	version, err := s.Store.Append(ctx, streamID, expectedVersion, events)
	if err != nil {
		return 0, err
	}
	for _, env := range events {
		if err := s.publisher.Publish(ctx, env); err != nil {
			s.logger.Warn("publication failed",
				"event_id", env.EventID, "subject", SubjectFor(env.StreamKind), "error", err)
		}
	}
	return version, nil
}

// Package bus publishes committed event envelopes to external
// consumers. Publication is best-effort fan-out after commit: the
// event log is the source of truth and a lost publication is
// recoverable by replay, never the other way around.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Loopgate-Labs/loopgate/pkg/eventlog"
)

// SubjectPrefix is the root of the engine's subject namespace.
const SubjectPrefix = "loopgate.events"

// SubjectFor maps a stream kind to its publication subject.
func SubjectFor(kind eventlog.StreamKind) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, kind)
}

// Publisher fans committed envelopes out to a broker.
type Publisher interface {
	Publish(ctx context.Context, env eventlog.Envelope) error
	Close() error
}

// NopPublisher discards everything. The default when no broker is
// configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, eventlog.Envelope) error { return nil }
func (NopPublisher) Close() error                                     { return nil }

func encode(env eventlog.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", env.EventID, err)
	}
	return data, nil
}

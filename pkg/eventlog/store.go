package eventlog

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict reports an append whose expected stream
	// version no longer matches.
	ErrConcurrencyConflict = errors.New("event stream version conflict")

	// ErrStreamNotFound reports a read of an unknown stream.
	ErrStreamNotFound = errors.New("event stream not found")

	// ErrEventNotFound reports a lookup of an unknown event id.
	ErrEventNotFound = errors.New("event not found")
)

// ConflictError wraps ErrConcurrencyConflict with the observed
// versions.
type ConflictError struct {
	StreamID string
	Expected uint64
	Actual   uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stream %s: expected version %d, at %d: %v",
		e.StreamID, e.Expected, e.Actual, ErrConcurrencyConflict)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrencyConflict }

// Store is the Event Log Port. Implementations must assign StreamSeq
// monotonically per stream and GlobalSeq monotonically across the log,
// both at append time. Appends are all-or-nothing.
type Store interface {
	// Append writes events to a stream with optimistic concurrency:
	// expectedVersion is the current last StreamSeq (0 for a new
	// stream). Returns the new last StreamSeq.
	Append(ctx context.Context, streamID string, expectedVersion uint64, events []Envelope) (uint64, error)

	// ReadStream reads events from a stream starting at fromSeq
	// (inclusive). limit <= 0 means no limit.
	ReadStream(ctx context.Context, streamID string, fromSeq uint64, limit int) ([]Envelope, error)

	// ReadEvent fetches a single event by id.
	ReadEvent(ctx context.Context, eventID string) (Envelope, error)

	// ReplayAll reads the whole log in global order starting at
	// fromGlobalSeq (inclusive). limit <= 0 means no limit.
	ReplayAll(ctx context.Context, fromGlobalSeq uint64, limit int) ([]Envelope, error)
}

package eventlog

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is the in-process Store adapter, used by tests and
// single-node deployments. Every appended envelope must carry its
// sealed content hash; an envelope without one is refused before
// anything in the batch commits.
type MemoryStore struct {
	mu        sync.RWMutex
	streams   map[string][]Envelope
	byEventID map[string]Envelope
	global    []Envelope
}

// NewMemoryStore creates an empty in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]Envelope),
		byEventID: make(map[string]Envelope),
	}
}

func (s *MemoryStore) Append(ctx context.Context, streamID string, expectedVersion uint64, events []Envelope) (uint64, error) {
	if len(events) == 0 {
		return 0, fmt.Errorf("append of zero events to %s", streamID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamID]
	current := uint64(len(stream))
	if current != expectedVersion {
		return 0, &ConflictError{StreamID: streamID, Expected: expectedVersion, Actual: current}
	}

	// All-or-nothing: validate before committing anything.
	for i := range events {
		if events[i].StreamID != streamID {
			return 0, fmt.Errorf("event %s targets stream %s, appended to %s",
				events[i].EventID, events[i].StreamID, streamID)
		}
		if !events[i].EnvelopeHash.Valid() {
			return 0, fmt.Errorf("event %s has no envelope hash", events[i].EventID)
		}
	}

	for i := range events {
		e := events[i]
		current++
		e.StreamSeq = current
		e.GlobalSeq = uint64(len(s.global)) + 1
		s.streams[streamID] = append(s.streams[streamID], e)
		s.global = append(s.global, e)
		s.byEventID[e.EventID] = e
	}
	return current, nil
}

func (s *MemoryStore) ReadStream(ctx context.Context, streamID string, fromSeq uint64, limit int) ([]Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[streamID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", streamID, ErrStreamNotFound)
	}
	var out []Envelope
	for _, e := range stream {
		if e.StreamSeq < fromSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ReadEvent(ctx context.Context, eventID string) (Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byEventID[eventID]
	if !ok {
		return Envelope{}, fmt.Errorf("%s: %w", eventID, ErrEventNotFound)
	}
	return e, nil
}

func (s *MemoryStore) ReplayAll(ctx context.Context, fromGlobalSeq uint64, limit int) ([]Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Envelope
	for _, e := range s.global {
		if e.GlobalSeq < fromGlobalSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Version returns the current last StreamSeq of a stream (0 when the
// stream does not exist yet).
func (s *MemoryStore) Version(streamID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.streams[streamID]))
}

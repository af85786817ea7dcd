// Package eventlog defines the Event Log Port: the append-only,
// sequenced event streams that are the sole source of truth for
// governance-relevant state. Adapters implement the Store interface
// over memory, SQLite, or Postgres; the engine only ever appends,
// reads streams, and replays.
//
// Corrections are never made in place. A correcting event carries an
// explicit supersedes or retracts reference to the event it replaces.
package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Loopgate-Labs/loopgate/pkg/canonicalize"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/refs"
)

// StreamKind partitions the event space by entity type.
type StreamKind string

const (
	StreamLoop        StreamKind = "LOOP"
	StreamIteration   StreamKind = "ITERATION"
	StreamCandidate   StreamKind = "CANDIDATE"
	StreamRun         StreamKind = "RUN"
	StreamApproval    StreamKind = "APPROVAL"
	StreamDecision    StreamKind = "DECISION"
	StreamGovernance  StreamKind = "GOVERNANCE"
	StreamException   StreamKind = "EXCEPTION"
	StreamOracleSuite StreamKind = "ORACLE_SUITE"
	StreamFreeze      StreamKind = "FREEZE"
	StreamArtifact    StreamKind = "ARTIFACT"
)

// Event type catalogue. Every committed envelope carries one of these.
const (
	TypeLoopCreated              = "LoopCreated"
	TypeLoopActivated            = "LoopActivated"
	TypeIterationStarted         = "IterationStarted"
	TypeIterationCompleted       = "IterationCompleted"
	TypeStopTriggered            = "StopTriggered"
	TypeLoopPaused               = "LoopPaused"
	TypeLoopResumed              = "LoopResumed"
	TypeLoopClosed               = "LoopClosed"
	TypeCandidateRecorded        = "CandidateRecorded"
	TypeVerificationComputed     = "VerificationComputed"
	TypeRunStarted               = "RunStarted"
	TypeRunCompleted             = "RunCompleted"
	TypeEvidenceBundleRecorded   = "EvidenceBundleRecorded"
	TypeOracleSuiteRegistered    = "OracleSuiteRegistered"
	TypeOracleSuitePinned        = "OracleSuitePinned"
	TypeOracleSuiteRebased       = "OracleSuiteRebased"
	TypeArtifactVersionRecorded  = "ArtifactVersionRecorded"
	TypeSelectionChanged         = "SelectionChanged"
	TypeFreezeRecordCreated      = "FreezeRecordCreated"
	TypeNodeMarkedStale          = "NodeMarkedStale"
	TypeStalenessResolved        = "StalenessResolved"
	TypeApprovalRecorded         = "ApprovalRecorded"
	TypeDecisionRecorded         = "DecisionRecorded"
	TypeWaiverCreated            = "WaiverCreated"
	TypeDeviationCreated         = "DeviationCreated"
	TypeDeferralCreated          = "DeferralCreated"
	TypeExceptionResolved        = "ExceptionResolved"
	TypeExceptionExpired         = "ExceptionExpired"
	TypeIntegrityConditionRaised = "IntegrityConditionRaised"
)

// Envelope is the persisted form of every event. StreamSeq is a
// monotonic sequence assigned at append time; ordering within a stream
// is by sequence, never by wall clock. GlobalSeq orders the whole log
// for replay.
type Envelope struct {
	EventID    string              `json:"event_id"`
	StreamID   string              `json:"stream_id"`
	StreamKind StreamKind          `json:"stream_kind"`
	StreamSeq  uint64              `json:"stream_seq"`
	GlobalSeq  uint64              `json:"global_seq,omitempty"`
	EventType  string              `json:"event_type"`
	OccurredAt time.Time           `json:"occurred_at"`
	ActorKind  contracts.ActorKind `json:"actor_kind"`
	ActorID    string              `json:"actor_id"`
	// CorrelationID groups envelopes belonging to one loop's story.
	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	// Supersedes and Retracts reference prior events this one
	// corrects. In-place edits do not exist.
	Supersedes []string        `json:"supersedes,omitempty"`
	Retracts   []string        `json:"retracts,omitempty"`
	Refs       []refs.TypedRef `json:"refs,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	// EnvelopeHash addresses the envelope content (all fields above
	// except GlobalSeq, which the store assigns).
	EnvelopeHash contracts.ContentHash `json:"envelope_hash"`
}

// NewEnvelope builds an envelope, marshaling the payload and sealing
// the envelope hash.
func NewEnvelope(kind StreamKind, streamID, eventType string, actor contracts.ActorID, payload any, options ...Option) (Envelope, error) {
	if err := actor.Validate(); err != nil {
		return Envelope{}, err
	}
	raw, err := canonicalize.JCS(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope payload: %w", err)
	}
	env := Envelope{
		EventID:    contracts.NewEventID(),
		StreamID:   streamID,
		StreamKind: kind,
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		ActorKind:  actor.Kind,
		ActorID:    actor.ID,
		Payload:    raw,
	}
	for _, opt := range options {
		opt(&env)
	}
	if err := env.seal(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Option customizes an envelope before sealing.
type Option func(*Envelope)

// WithRefs attaches typed refs to the envelope.
func WithRefs(r []refs.TypedRef) Option {
	return func(e *Envelope) { e.Refs = r }
}

// WithCorrelation sets the correlation id (normally the loop id).
func WithCorrelation(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithCausation names the event that caused this one.
func WithCausation(eventID string) Option {
	return func(e *Envelope) { e.CausationID = eventID }
}

// WithSupersedes marks this envelope as a correction of prior events.
func WithSupersedes(eventIDs ...string) Option {
	return func(e *Envelope) { e.Supersedes = eventIDs }
}

// WithRetracts marks this envelope as retracting prior events.
func WithRetracts(eventIDs ...string) Option {
	return func(e *Envelope) { e.Retracts = eventIDs }
}

// WithOccurredAt overrides the event time (testing and replays).
func WithOccurredAt(t time.Time) Option {
	return func(e *Envelope) { e.OccurredAt = t.UTC() }
}

func (e *Envelope) seal() error {
	hashable := struct {
		EventID       string          `json:"event_id"`
		StreamID      string          `json:"stream_id"`
		StreamKind    StreamKind      `json:"stream_kind"`
		EventType     string          `json:"event_type"`
		OccurredAt    time.Time       `json:"occurred_at"`
		ActorKind     contracts.ActorKind `json:"actor_kind"`
		ActorID       string          `json:"actor_id"`
		CorrelationID string          `json:"correlation_id,omitempty"`
		Supersedes    []string        `json:"supersedes,omitempty"`
		Retracts      []string        `json:"retracts,omitempty"`
		Refs          []refs.TypedRef `json:"refs,omitempty"`
		Payload       json.RawMessage `json:"payload"`
	}{
		e.EventID, e.StreamID, e.StreamKind, e.EventType, e.OccurredAt,
		e.ActorKind, e.ActorID, e.CorrelationID, e.Supersedes,
		e.Retracts, e.Refs, e.Payload,
	}
	hash, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return fmt.Errorf("envelope hash: %w", err)
	}
	e.EnvelopeHash = hash
	return nil
}

// Package freeze builds release baselines: immutable FreezeRecords
// enumerating the governed artifact versions in force, the active
// exceptions, the evidence, and the approval behind a verified
// candidate. A baseline exists once and is content-addressed.
package freeze

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Loopgate-Labs/loopgate/pkg/artifacts"
	"github.com/Loopgate-Labs/loopgate/pkg/canonicalize"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/eventlog"
)

var (
	// ErrNotVerified reports a freeze attempt over a candidate whose
	// verdict is not Verified.
	ErrNotVerified = errors.New("freeze requires a verified candidate")

	// ErrNotApproved reports a freeze attempt without an approving
	// portal crossing.
	ErrNotApproved = errors.New("freeze requires an approving portal crossing")
)

// ExceptionSource lists exceptions active at a point in time. The
// portal service satisfies it.
type ExceptionSource interface {
	ActiveExceptions(now time.Time) []contracts.Exception
}

// Builder assembles FreezeRecords from the arena, the exception set,
// and a verified candidate's gate verdict.
type Builder struct {
	mu      sync.Mutex
	log     eventlog.Store
	arena   *artifacts.Arena
	exc     ExceptionSource
	records map[string]contracts.FreezeRecord
	clock   func() time.Time
	logger  *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(b *Builder) { b.clock = clock }
}

func NewBuilder(log eventlog.Store, arena *artifacts.Arena, exc ExceptionSource, options ...Option) *Builder {
	b := &Builder{
		log:     log,
		arena:   arena,
		exc:     exc,
		records: make(map[string]contracts.FreezeRecord),
		clock:   time.Now,
		logger:  slog.Default().With("component", "freeze"),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// frozenBody is the canonical form hashed into the record's identity.
// FrozenAt is included: two baselines cut at different times are
// different baselines even over identical content.
type frozenBody struct {
	CandidateID   string                  `json:"candidate_id"`
	ArtifactRefs  []string                `json:"artifact_refs"`
	ExceptionRefs []string                `json:"exception_refs"`
	EvidenceRefs  []string                `json:"evidence_refs"`
	ApprovalRef   string                  `json:"approval_ref"`
	Verdict       contracts.VerdictStatus `json:"verdict"`
	FrozenAt      time.Time               `json:"frozen_at"`
	FrozenBy      contracts.ActorID       `json:"frozen_by"`
}

// Freeze cuts a baseline for a verified, approved candidate. The
// record enumerates every artifact version currently selected in the
// arena and every exception active at freeze time.
func (b *Builder) Freeze(ctx context.Context, candidateID string, verdict contracts.GateVerdict, approval contracts.Approval, frozenBy contracts.ActorID) (contracts.FreezeRecord, error) {
	if !frozenBy.IsHuman() {
		return contracts.FreezeRecord{}, fmt.Errorf("freeze by %s actor: %w", frozenBy.Kind, contracts.ErrNotHumanActor)
	}
	if !verdict.Status.Verified() {
		return contracts.FreezeRecord{}, fmt.Errorf("candidate %s verdict %s: %w",
			candidateID, verdict.Status, ErrNotVerified)
	}
	if approval.Decision != contracts.PortalApproved {
		return contracts.FreezeRecord{}, fmt.Errorf("approval %s decision %s: %w",
			approval.ID, approval.Decision, ErrNotApproved)
	}
	if !approval.Approver.IsHuman() {
		return contracts.FreezeRecord{}, fmt.Errorf("approval %s: %w", approval.ID, contracts.ErrNotHumanActor)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock().UTC()

	artifactRefs := []string{}
	for _, key := range b.arena.SelectedKeys(ctx) {
		version, _, err := b.arena.Current(ctx, key)
		if err != nil {
			return contracts.FreezeRecord{}, fmt.Errorf("artifact %s: %w", key, err)
		}
		artifactRefs = append(artifactRefs, version.Ref())
	}

	exceptionRefs := []string{}
	for _, ex := range b.exc.ActiveExceptions(now) {
		exceptionRefs = append(exceptionRefs, ex.ID)
	}

	evidenceRefs := []string{string(verdict.EvidenceRef)}

	body := frozenBody{
		CandidateID:   candidateID,
		ArtifactRefs:  artifactRefs,
		ExceptionRefs: exceptionRefs,
		EvidenceRefs:  evidenceRefs,
		ApprovalRef:   approval.ID,
		Verdict:       verdict.Status,
		FrozenAt:      now,
		FrozenBy:      frozenBy,
	}
	hash, err := canonicalize.CanonicalHash(body)
	if err != nil {
		return contracts.FreezeRecord{}, fmt.Errorf("hash baseline: %w", err)
	}

	record := contracts.FreezeRecord{
		ID:            contracts.NewFreezeID(),
		ContentHash:   hash,
		CandidateID:   body.CandidateID,
		ArtifactRefs:  body.ArtifactRefs,
		ExceptionRefs: body.ExceptionRefs,
		EvidenceRefs:  body.EvidenceRefs,
		ApprovalRef:   body.ApprovalRef,
		Verdict:       body.Verdict,
		FrozenAt:      body.FrozenAt,
		FrozenBy:      body.FrozenBy,
	}

	env, err := eventlog.NewEnvelope(eventlog.StreamFreeze, record.ID, eventlog.TypeFreezeRecordCreated,
		frozenBy, record, eventlog.WithOccurredAt(now))
	if err != nil {
		return contracts.FreezeRecord{}, err
	}
	if _, err := b.log.Append(ctx, record.ID, 0, []eventlog.Envelope{env}); err != nil {
		return contracts.FreezeRecord{}, fmt.Errorf("append FreezeRecordCreated: %w", err)
	}
	b.records[record.ID] = record

	b.logger.Info("baseline frozen",
		"freeze_id", record.ID, "candidate_id", record.CandidateID,
		"artifacts", len(artifactRefs), "exceptions", len(exceptionRefs))
	return record, nil
}

// Get returns a baseline by id.
func (b *Builder) Get(id string) (contracts.FreezeRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.records[id]
	if !ok {
		return contracts.FreezeRecord{}, fmt.Errorf("freeze record %s not found", id)
	}
	return r, nil
}

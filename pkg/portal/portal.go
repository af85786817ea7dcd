// Package portal implements human judgment points: whitelisted
// portals, binding Approval records, and exception records (waivers,
// deviations, deferrals). Everything here is a binding record, so
// every write path enforces the human-actor rule before touching the
// event log.
package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Loopgate-Labs/loopgate/pkg/config"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/eventlog"
	"github.com/Loopgate-Labs/loopgate/pkg/identity"
)

var (
	// ErrUnknownPortal reports an approval against a portal that was
	// never seeded or opened.
	ErrUnknownPortal = errors.New("unknown portal")

	// ErrPortalAlreadyDecided reports a second crossing of a decided
	// portal. A changed decision is a superseding approval, not a
	// re-crossing.
	ErrPortalAlreadyDecided = errors.New("portal already decided")

	// ErrUnknownException reports a lookup of an exception id that was
	// never created.
	ErrUnknownException = errors.New("unknown exception")
)

// PortalState is the portal's lifecycle position.
type PortalState string

const (
	PortalPending PortalState = "PENDING"
	PortalDecided PortalState = "DECIDED"
)

// Portal is a declared human judgment point. Portals are whitelisted
// up front; crossings against undeclared portals are rejected.
type Portal struct {
	ID         string                   `json:"id"`
	Purpose    string                   `json:"purpose"`
	State      PortalState              `json:"state"`
	Decision   contracts.PortalDecision `json:"decision,omitempty"`
	ApprovalID string                   `json:"approval_id,omitempty"`
}

type exceptionState struct {
	exception contracts.Exception
	resolved  bool
}

// Service owns portals, approvals, and exception records.
type Service struct {
	mu         sync.Mutex
	log        eventlog.Store
	ids        identity.Provider
	portals    map[string]*Portal
	approvals  map[string]contracts.Approval
	exceptions map[string]*exceptionState
	clock      func() time.Time
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// WithIdentity installs the credential verifier behind the
// credential-accepting entry points.
func WithIdentity(p identity.Provider) Option {
	return func(s *Service) { s.ids = p }
}

func NewService(log eventlog.Store, seeds []config.PortalSeed, options ...Option) *Service {
	s := &Service{
		log:        log,
		portals:    make(map[string]*Portal),
		approvals:  make(map[string]contracts.Approval),
		exceptions: make(map[string]*exceptionState),
		clock:      time.Now,
		logger:     slog.Default().With("component", "portal"),
	}
	for _, opt := range options {
		opt(s)
	}
	for _, seed := range seeds {
		s.portals[seed.ID] = &Portal{ID: seed.ID, Purpose: seed.Purpose, State: PortalPending}
	}
	return s
}

// Open declares an additional portal after seeding. Declaring an
// existing portal id is an error.
func (s *Service) Open(id, purpose string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.portals[id]; ok {
		return fmt.Errorf("portal %s already declared", id)
	}
	s.portals[id] = &Portal{ID: id, Purpose: purpose, State: PortalPending}
	return nil
}

// Portal returns the portal's current record.
func (s *Service) Portal(id string) (Portal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.portals[id]
	if !ok {
		return Portal{}, fmt.Errorf("%s: %w", id, ErrUnknownPortal)
	}
	return *p, nil
}

// Pending returns the portals still awaiting a crossing, sorted by id.
func (s *Service) Pending() []Portal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Portal
	for _, p := range s.portals {
		if p.State == PortalPending {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordApproval crosses a portal, producing the binding Approval. The
// approver must be human, exceptionsAcknowledged must be explicit even
// when empty, and an approval of verified subjects must link its
// evidence. A rejected precondition appends nothing.
func (s *Service) RecordApproval(ctx context.Context, portalID string, decision contracts.PortalDecision,
	subjectRefs, evidenceRefs, exceptionsAcknowledged []string, approver contracts.ActorID) (contracts.Approval, error) {

	if !approver.IsHuman() {
		return contracts.Approval{}, fmt.Errorf("approval at portal %s by %s actor: %w",
			portalID, approver.Kind, contracts.ErrNotHumanActor)
	}
	if exceptionsAcknowledged == nil {
		return contracts.Approval{}, fmt.Errorf("approval at portal %s: exceptions_acknowledged must be explicit, use an empty list", portalID)
	}
	if decision == contracts.PortalApproved && len(subjectRefs) > 0 && len(evidenceRefs) == 0 {
		return contracts.Approval{}, fmt.Errorf("approval at portal %s: %w", portalID, contracts.ErrMissingEvidenceLink)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.portals[portalID]
	if !ok {
		return contracts.Approval{}, fmt.Errorf("%s: %w", portalID, ErrUnknownPortal)
	}
	if p.State == PortalDecided {
		return contracts.Approval{}, fmt.Errorf("%s decided %s by approval %s: %w",
			portalID, p.Decision, p.ApprovalID, ErrPortalAlreadyDecided)
	}

	approval := contracts.Approval{
		ID:                     contracts.NewApprovalID(),
		PortalID:               portalID,
		Decision:               decision,
		SubjectRefs:            subjectRefs,
		EvidenceRefs:           evidenceRefs,
		ExceptionsAcknowledged: exceptionsAcknowledged,
		Approver:               approver,
		RecordedAt:             s.clock().UTC(),
	}
	if err := s.appendApprovalLocked(ctx, approval, ""); err != nil {
		return contracts.Approval{}, err
	}

	p.State = PortalDecided
	p.Decision = decision
	p.ApprovalID = approval.ID
	s.approvals[approval.ID] = approval

	s.logger.Info("portal crossed",
		"portal_id", portalID, "decision", decision, "approval_id", approval.ID, "approver", approver.ID)
	return approval, nil
}

// RecordApprovalWithCredential resolves the approver from a verified
// credential before crossing the portal. The approver named in the
// record is the credential's subject; callers never supply the actor
// directly on this path.
func (s *Service) RecordApprovalWithCredential(ctx context.Context, portalID string, decision contracts.PortalDecision,
	subjectRefs, evidenceRefs, exceptionsAcknowledged []string, credential string) (contracts.Approval, error) {

	if s.ids == nil {
		return contracts.Approval{}, fmt.Errorf("approval at portal %s: %w", portalID, identity.ErrNoProvider)
	}
	approver, err := s.ids.RequireHuman(ctx, credential)
	if err != nil {
		return contracts.Approval{}, fmt.Errorf("approval at portal %s: %w", portalID, err)
	}
	return s.RecordApproval(ctx, portalID, decision, subjectRefs, evidenceRefs, exceptionsAcknowledged, approver)
}

// Supersede records a new Approval replacing an earlier one at the
// same portal. The prior record is never mutated; the new one carries
// the supersedes reference.
func (s *Service) Supersede(ctx context.Context, supersededID string, decision contracts.PortalDecision,
	subjectRefs, evidenceRefs, exceptionsAcknowledged []string, approver contracts.ActorID) (contracts.Approval, error) {

	if !approver.IsHuman() {
		return contracts.Approval{}, fmt.Errorf("superseding approval by %s actor: %w",
			approver.Kind, contracts.ErrNotHumanActor)
	}
	if exceptionsAcknowledged == nil {
		return contracts.Approval{}, fmt.Errorf("superseding approval of %s: exceptions_acknowledged must be explicit", supersededID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.approvals[supersededID]
	if !ok {
		return contracts.Approval{}, fmt.Errorf("superseded approval %s not found", supersededID)
	}
	p := s.portals[prior.PortalID]

	approval := contracts.Approval{
		ID:                     contracts.NewApprovalID(),
		PortalID:               prior.PortalID,
		Decision:               decision,
		SubjectRefs:            subjectRefs,
		EvidenceRefs:           evidenceRefs,
		ExceptionsAcknowledged: exceptionsAcknowledged,
		Approver:               approver,
		RecordedAt:             s.clock().UTC(),
		Supersedes:             supersededID,
	}
	if err := s.appendApprovalLocked(ctx, approval, supersededID); err != nil {
		return contracts.Approval{}, err
	}

	p.Decision = decision
	p.ApprovalID = approval.ID
	s.approvals[approval.ID] = approval
	return approval, nil
}

// Approval returns a recorded approval by id.
func (s *Service) Approval(id string) (contracts.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvals[id]
	if !ok {
		return contracts.Approval{}, fmt.Errorf("approval %s not found", id)
	}
	return a, nil
}

func (s *Service) appendApprovalLocked(ctx context.Context, approval contracts.Approval, supersedes string) error {
	opts := []eventlog.Option{eventlog.WithOccurredAt(s.clock())}
	if supersedes != "" {
		opts = append(opts, eventlog.WithSupersedes(supersedes))
	}
	env, err := eventlog.NewEnvelope(eventlog.StreamApproval, approval.ID, eventlog.TypeApprovalRecorded,
		approval.Approver, approval, opts...)
	if err != nil {
		return err
	}
	if _, err := s.log.Append(ctx, approval.ID, 0, []eventlog.Envelope{env}); err != nil {
		return fmt.Errorf("append ApprovalRecorded: %w", err)
	}
	return nil
}

// CreateException records a waiver, deviation, or deferral. The
// record's own Validate gates creation: human approver, mandatory
// expiry, named resolution owner, and enumerated coverage.
func (s *Service) CreateException(ctx context.Context, ex contracts.Exception) (contracts.Exception, error) {
	if ex.ID == "" {
		ex.ID = contracts.NewExceptionID()
	}
	ex.CreatedAt = s.clock().UTC()
	if err := ex.Validate(); err != nil {
		return contracts.Exception{}, err
	}

	var eventType string
	switch ex.Kind {
	case contracts.ExceptionWaiver:
		eventType = eventlog.TypeWaiverCreated
	case contracts.ExceptionDeviation:
		eventType = eventlog.TypeDeviationCreated
	case contracts.ExceptionDeferral:
		eventType = eventlog.TypeDeferralCreated
	default:
		return contracts.Exception{}, fmt.Errorf("unknown exception kind %q", ex.Kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := eventlog.NewEnvelope(eventlog.StreamException, ex.ID, eventType,
		ex.ApprovedBy, ex, eventlog.WithOccurredAt(s.clock()))
	if err != nil {
		return contracts.Exception{}, err
	}
	if _, err := s.log.Append(ctx, ex.ID, 0, []eventlog.Envelope{env}); err != nil {
		return contracts.Exception{}, fmt.Errorf("append %s: %w", eventType, err)
	}
	s.exceptions[ex.ID] = &exceptionState{exception: ex}

	s.logger.Info("exception created",
		"exception_id", ex.ID, "kind", ex.Kind, "expires_at", ex.ExpiresAt, "owner", ex.ResolutionOwner)
	return ex, nil
}

// CreateExceptionWithCredential resolves the approving human from a
// verified credential and stamps it as the exception's approver. Any
// approver on the incoming record is overwritten.
func (s *Service) CreateExceptionWithCredential(ctx context.Context, ex contracts.Exception, credential string) (contracts.Exception, error) {
	if s.ids == nil {
		return contracts.Exception{}, fmt.Errorf("exception approval: %w", identity.ErrNoProvider)
	}
	approver, err := s.ids.RequireHuman(ctx, credential)
	if err != nil {
		return contracts.Exception{}, fmt.Errorf("exception approval: %w", err)
	}
	ex.ApprovedBy = approver
	return s.CreateException(ctx, ex)
}

// ResolveException closes an exception before expiry. Human only.
func (s *Service) ResolveException(ctx context.Context, id, resolutionRef string, actor contracts.ActorID) error {
	if !actor.IsHuman() {
		return fmt.Errorf("resolution of exception %s: %w", id, contracts.ErrNotHumanActor)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.exceptions[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownException)
	}
	if st.resolved {
		return nil
	}

	env, err := eventlog.NewEnvelope(eventlog.StreamException, id, eventlog.TypeExceptionResolved,
		actor, map[string]string{"exception_id": id, "resolution_ref": resolutionRef},
		eventlog.WithOccurredAt(s.clock()))
	if err != nil {
		return err
	}
	if _, err := s.log.Append(ctx, id, 1, []eventlog.Envelope{env}); err != nil {
		return fmt.Errorf("append ExceptionResolved: %w", err)
	}
	st.resolved = true
	return nil
}

// Exception returns a recorded exception by id.
func (s *Service) Exception(id string) (contracts.Exception, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.exceptions[id]
	if !ok {
		return contracts.Exception{}, fmt.Errorf("%s: %w", id, ErrUnknownException)
	}
	return st.exception, nil
}

// ActiveExceptions lists exceptions that are neither resolved nor
// expired at the given time, ordered by id.
func (s *Service) ActiveExceptions(now time.Time) []contracts.Exception {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []contracts.Exception
	for _, st := range s.exceptions {
		if st.resolved || st.exception.Expired(now) {
			continue
		}
		active = append(active, st.exception)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active
}

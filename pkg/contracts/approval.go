package contracts

import "time"

// PortalDecision is the outcome of a portal crossing.
type PortalDecision string

const (
	PortalApproved PortalDecision = "APPROVED"
	PortalRejected PortalDecision = "REJECTED"
)

// Approval is the binding record produced by crossing a Portal.
// Created only by a human actor; never mutated. A changed decision is
// a new Approval referencing the superseded one.
type Approval struct {
	ID          string         `json:"id"`
	PortalID    string         `json:"portal_id"`
	Decision    PortalDecision `json:"decision"`
	SubjectRefs []string       `json:"subject_refs"`
	EvidenceRefs []string      `json:"evidence_refs,omitempty"`
	// ExceptionsAcknowledged is explicit even when empty: a nil slice
	// is a validation error, an empty one is a statement.
	ExceptionsAcknowledged []string  `json:"exceptions_acknowledged"`
	Approver               ActorID   `json:"approver"`
	RecordedAt             time.Time `json:"recorded_at"`
	Supersedes             string    `json:"supersedes,omitempty"`
}

// DecisionKind is a binding governance decision that resumes, extends,
// or terminates a stopped loop.
type DecisionKind string

const (
	DecisionExtendBudget DecisionKind = "EXTEND_BUDGET"
	DecisionTerminate    DecisionKind = "TERMINATE"
	// DecisionProceedVerified closes the loop, shipping the existing
	// verified candidate.
	DecisionProceedVerified DecisionKind = "PROCEED_WITH_VERIFIED"
)

// Decision is the binding record resolving a stop trigger.
type Decision struct {
	ID        string       `json:"id"`
	LoopID    string       `json:"loop_id"`
	Kind      DecisionKind `json:"kind"`
	// Extension carries the new budgets for EXTEND_BUDGET decisions.
	Extension  *LoopBudgets `json:"extension,omitempty"`
	Triggers   []StopTrigger `json:"triggers"`
	Rationale  string       `json:"rationale,omitempty"`
	DecidedBy  ActorID      `json:"decided_by"`
	RecordedAt time.Time    `json:"recorded_at"`
}

// FreezeRecord is a release baseline: the immutable enumeration of
// governed artifacts in force, active exceptions, evidence, approval,
// and candidate identity at freeze time. Created once per baseline.
type FreezeRecord struct {
	ID           string      `json:"id"`
	ContentHash  ContentHash `json:"content_hash"`
	CandidateID  string      `json:"candidate_id"`
	ArtifactRefs []string    `json:"artifact_refs"`
	ExceptionRefs []string   `json:"exception_refs"`
	EvidenceRefs []string    `json:"evidence_refs"`
	ApprovalRef  string      `json:"approval_ref"`
	Verdict      VerdictStatus `json:"verdict"`
	FrozenAt     time.Time   `json:"frozen_at"`
	FrozenBy     ActorID     `json:"frozen_by"`
}

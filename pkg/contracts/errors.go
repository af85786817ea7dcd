package contracts

import "errors"

// Policy violations are rejected synchronously and never partially
// applied. Each error names the violated invariant; callers must never
// surface a bare "failed".
var (
	// ErrInvalidActor reports a malformed or out-of-set actor identity.
	ErrInvalidActor = errors.New("invalid actor identity")

	// ErrNotHumanActor reports a binding record attempted by a
	// non-human actor.
	ErrNotHumanActor = errors.New("binding record requires a human actor")

	// ErrMissingRef reports a context ref that could not be
	// dereferenced or hashed.
	ErrMissingRef = errors.New("reference cannot be dereferenced")

	// ErrLoopNotActive reports an operation that requires an ACTIVE
	// loop.
	ErrLoopNotActive = errors.New("loop is not active")

	// ErrInvalidTransition reports a loop state transition outside the
	// state machine.
	ErrInvalidTransition = errors.New("invalid loop state transition")

	// ErrBudgetExhausted reports a consumed counter at or above its
	// budget. Progress requires a recorded extension Decision.
	ErrBudgetExhausted = errors.New("loop budget exhausted")

	// ErrCyclicDependency reports a depends_on edge that would close a
	// cycle.
	ErrCyclicDependency = errors.New("cyclic depends_on relationship")

	// ErrMissingEvidenceLink reports a binding record whose subject
	// requires verification backing but carries no evidence refs.
	ErrMissingEvidenceLink = errors.New("approval requires evidence references")

	// ErrImmutable reports an attempted in-place mutation of a
	// committed record. Corrections are new events with supersedes or
	// retracts references.
	ErrImmutable = errors.New("record is immutable once committed")
)

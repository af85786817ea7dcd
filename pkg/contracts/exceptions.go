package contracts

import (
	"fmt"
	"time"
)

// ExceptionKind classifies an exception record.
type ExceptionKind string

const (
	// ExceptionWaiver is scoped, expiring permission to proceed despite
	// specific oracle FAILs.
	ExceptionWaiver ExceptionKind = "WAIVER"
	// ExceptionDeviation records an accepted departure from a governed
	// artifact.
	ExceptionDeviation ExceptionKind = "DEVIATION"
	// ExceptionDeferral postpones a requirement to a named review
	// date.
	ExceptionDeferral ExceptionKind = "DEFERRAL"
)

// WaiverScope bounds what a waiver covers. The default scope is a
// single candidate; a bounded superset is a CEL predicate over
// candidate attributes. Indefinite scopes are rejected at creation:
// every waiver carries an expiry.
type WaiverScope struct {
	// CandidateID scopes the waiver to exactly one candidate.
	CandidateID string `json:"candidate_id,omitempty"`
	// Predicate is a CEL expression over a `candidate` map, used for
	// explicitly bounded supersets. Mutually exclusive with
	// CandidateID.
	Predicate string `json:"predicate,omitempty"`
}

// Exception is a Waiver, Deviation, or Deferral: a binding, human-
// approved record. Waivers may never cover an integrity condition.
type Exception struct {
	ID   string        `json:"id"`
	Kind ExceptionKind `json:"kind"`
	// CoveredOracles enumerates the exact oracle ids whose FAILs this
	// exception covers. A waiver covering multiple FAILs must list
	// each one.
	CoveredOracles  []string    `json:"covered_oracles,omitempty"`
	Scope           WaiverScope `json:"scope"`
	ExpiresAt       time.Time   `json:"expires_at"`
	ResolutionOwner string      `json:"resolution_owner"`
	ApprovedBy      ActorID     `json:"approved_by"`
	CreatedAt       time.Time   `json:"created_at"`
	Rationale       string      `json:"rationale,omitempty"`
}

// Validate enforces the creation-time rules for exception records.
func (e *Exception) Validate() error {
	if !e.ApprovedBy.IsHuman() {
		return fmt.Errorf("exception %s: %w", e.ID, ErrNotHumanActor)
	}
	if e.ExpiresAt.IsZero() {
		return fmt.Errorf("exception %s has no expiry: indefinite scope rejected", e.ID)
	}
	if e.ResolutionOwner == "" {
		return fmt.Errorf("exception %s has no resolution owner", e.ID)
	}
	if e.Kind == ExceptionWaiver {
		if len(e.CoveredOracles) == 0 {
			return fmt.Errorf("waiver %s covers no oracle failures", e.ID)
		}
		if e.Scope.CandidateID == "" && e.Scope.Predicate == "" {
			return fmt.Errorf("waiver %s has no scope", e.ID)
		}
		if e.Scope.CandidateID != "" && e.Scope.Predicate != "" {
			return fmt.Errorf("waiver %s: candidate scope and predicate scope are mutually exclusive", e.ID)
		}
	}
	return nil
}

// Expired reports whether the exception has lapsed at the given time.
func (e *Exception) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Covers reports whether the exception enumerates the given oracle.
func (e *Exception) Covers(oracleID string) bool {
	for _, id := range e.CoveredOracles {
		if id == oracleID {
			return true
		}
	}
	return false
}

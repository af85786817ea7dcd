package contracts

import "time"

// Iteration is one fresh-context cycle inside a Loop. Created
// exclusively by the SYSTEM actor and immutable once recorded. One
// iteration produces zero or one Candidate.
type Iteration struct {
	ID          string     `json:"id"`
	LoopID      string     `json:"loop_id"`
	Sequence    uint32     `json:"sequence"`
	ContextHash ContentHash `json:"context_hash"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IterationOutcome summarizes what an iteration did. It is a record,
// not a claim: nothing in it is authoritative until backed by
// evidence.
type IterationOutcome struct {
	IterationID        string   `json:"iteration_id"`
	LoopID             string   `json:"loop_id"`
	Intent             string   `json:"intent,omitempty"`
	CandidatesProduced []string `json:"candidates_produced,omitempty"`
	RunsExecuted       []string `json:"runs_executed,omitempty"`
	// BestVerdict is the best gate verdict any candidate of this
	// iteration achieved, empty when no candidate was evaluated.
	BestVerdict VerdictStatus `json:"best_verdict,omitempty"`
	// Advanced records whether this iteration advanced the loop toward
	// Verified (verdict ordering strictly improved, or first evidence
	// recorded). Consecutive non-advancing iterations feed the
	// REPEATED_FAILURE trigger.
	Advanced bool `json:"advanced"`
}

// Candidate is a content-addressed snapshot of a work product.
// Immutable; identity changes iff content changes.
type Candidate struct {
	ID          string      `json:"id"`
	ContentHash ContentHash `json:"content_hash"`
	ProducedBy  string      `json:"produced_by"` // iteration id
	CreatedAt   time.Time   `json:"created_at"`
}

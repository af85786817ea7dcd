package contracts

// VerdictStatus is the gate classification of a candidate's evidence.
type VerdictStatus string

const (
	// VerifiedStrict: every required oracle PASSed and no integrity
	// condition is open.
	VerifiedStrict VerdictStatus = "VERIFIED_STRICT"
	// VerifiedWithExceptions: every required FAIL is individually
	// covered by an in-scope, unexpired waiver.
	VerifiedWithExceptions VerdictStatus = "VERIFIED_WITH_EXCEPTIONS"
	// Blocked: anything else, and always when an integrity condition
	// is open, regardless of waivers.
	Blocked VerdictStatus = "BLOCKED"
)

// Verified reports whether the status is either verified mode.
func (s VerdictStatus) Verified() bool {
	return s == VerifiedStrict || s == VerifiedWithExceptions
}

// verdictRank orders verdicts for the advance-toward-Verified metric:
// BLOCKED < VERIFIED_WITH_EXCEPTIONS < VERIFIED_STRICT. An empty
// status ranks below BLOCKED (no evaluation yet).
func verdictRank(s VerdictStatus) int {
	switch s {
	case VerifiedStrict:
		return 3
	case VerifiedWithExceptions:
		return 2
	case Blocked:
		return 1
	default:
		return 0
	}
}

// Improves reports whether s is strictly better than prev in the
// advance ordering.
func (s VerdictStatus) Improves(prev VerdictStatus) bool {
	return verdictRank(s) > verdictRank(prev)
}

// GateVerdict is the evaluator's derived classification with its
// evidentiary basis. Callers persist it; the evaluator has no side
// effects.
type GateVerdict struct {
	Status       VerdictStatus `json:"status"`
	EvidenceRef  ContentHash   `json:"evidence_ref"`
	// WaiverRefs lists the waivers covering each counted FAIL, present
	// only for VERIFIED_WITH_EXCEPTIONS.
	WaiverRefs []string `json:"waiver_refs,omitempty"`
	// Blocking names what forced BLOCKED: integrity codes or uncovered
	// oracle ids.
	Blocking []string `json:"blocking,omitempty"`
}

package contracts

import "time"

// Attribution records who produced a persisted record and when.
type Attribution struct {
	ActorKind ActorKind `json:"actor_kind"`
	ActorID   string    `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
}

// EvidenceResult is one oracle's result as bound into an evidence
// manifest, with the refs to its captured output.
type EvidenceResult struct {
	OracleID   string             `json:"oracle_id"`
	Status     OracleResultStatus `json:"status"`
	ResultHash ContentHash        `json:"result_hash,omitempty"`
	LogRef     string             `json:"log_ref,omitempty"`
	OutputRef  string             `json:"output_ref,omitempty"`
}

// EvidenceManifest is the durable, content-addressed manifest of a
// Run: the binding between candidate, pinned suite, results, and
// attribution. Immutable; it cannot be overwritten at the same hash.
type EvidenceManifest struct {
	// ContentHash is the manifest's own address, computed over the
	// canonical form of every other field.
	ContentHash ContentHash `json:"content_hash"`

	RunID                string                 `json:"run_id"`
	CandidateRef         string                 `json:"candidate_ref"`
	SuiteRef             SuiteRef               `json:"suite_ref"`
	GovernedArtifactRefs []string               `json:"governed_artifact_refs,omitempty"`
	ExceptionRefs        []string               `json:"exception_refs,omitempty"`
	Results              []EvidenceResult       `json:"results"`
	Integrity            []IntegrityCondition   `json:"integrity,omitempty"`
	Fingerprint          EnvironmentFingerprint `json:"fingerprint"`
	Attribution          Attribution            `json:"attribution"`
}

// HasOpenIntegrityCondition reports whether any integrity condition is
// recorded on the manifest.
func (m *EvidenceManifest) HasOpenIntegrityCondition() bool {
	return len(m.Integrity) > 0
}

// ResultFor returns the recorded result for an oracle id, if present.
func (m *EvidenceManifest) ResultFor(oracleID string) (EvidenceResult, bool) {
	for _, r := range m.Results {
		if r.OracleID == oracleID {
			return r, true
		}
	}
	return EvidenceResult{}, false
}

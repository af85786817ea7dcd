// Package refs defines the typed reference schema used by every
// persisted record: a tagged union over a closed, versioned set of
// reference kinds, each carrying a mandatory content hash where the
// kind is dereferenceable.
package refs

import (
	"context"
	"fmt"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

// Kind categorizes what a reference points to. The set is closed:
// unknown kinds are rejected at validation time.
type Kind string

const (
	KindGovernedArtifact Kind = "GovernedArtifact"
	KindCandidate        Kind = "Candidate"
	KindOracleSuite      Kind = "OracleSuite"
	KindEvidenceBundle   Kind = "EvidenceBundle"
	KindApproval         Kind = "Approval"
	KindDecision         Kind = "Decision"
	KindDeviation        Kind = "Deviation"
	KindDeferral         Kind = "Deferral"
	KindWaiver           Kind = "Waiver"
	KindLoop             Kind = "Loop"
	KindIteration        Kind = "Iteration"
	KindRun              Kind = "Run"
	KindFreeze           Kind = "Freeze"
	KindDirective        Kind = "Directive"
)

var allKinds = map[Kind]struct{}{
	KindGovernedArtifact: {}, KindCandidate: {}, KindOracleSuite: {},
	KindEvidenceBundle: {}, KindApproval: {}, KindDecision: {},
	KindDeviation: {}, KindDeferral: {}, KindWaiver: {},
	KindLoop: {}, KindIteration: {}, KindRun: {}, KindFreeze: {},
	KindDirective: {},
}

// Valid reports membership in the closed kind set.
func (k Kind) Valid() bool {
	_, ok := allKinds[k]
	return ok
}

// Dereferenceable reports whether refs of this kind point at content
// that can be fetched and hashed. Dereferenceable kinds require a
// content hash.
func (k Kind) Dereferenceable() bool {
	switch k {
	case KindGovernedArtifact, KindCandidate, KindOracleSuite,
		KindEvidenceBundle, KindDirective:
		return true
	}
	return false
}

// RequiresVersion reports whether refs of this kind must carry a
// version.
func (k Kind) RequiresVersion() bool { return k == KindGovernedArtifact }

// Relation tags how the referencing entity relates to the referenced
// one. Only DependsOn propagates staleness; SupportedBy is audit
// provenance and is never traversed.
type Relation string

const (
	RelDependsOn   Relation = "depends_on"
	RelSupportedBy Relation = "supported_by"
	RelAbout       Relation = "about"
	RelProduces    Relation = "produces"
	RelVerifies    Relation = "verifies"
	RelApprovedBy  Relation = "approved_by"
	RelSupersedes  Relation = "supersedes"
	RelReleases    Relation = "releases"
)

// Valid reports membership in the closed relation set.
func (r Relation) Valid() bool {
	switch r {
	case RelDependsOn, RelSupportedBy, RelAbout, RelProduces,
		RelVerifies, RelApprovedBy, RelSupersedes, RelReleases:
		return true
	}
	return false
}

// TypedRef is a typed, hashed pointer to an entity. Every persisted
// record carries its inputs and subjects as TypedRefs; the iteration
// controller's no-ghost-inputs rule is enforced over these.
type TypedRef struct {
	Kind        Kind                  `json:"kind"`
	ID          string                `json:"id"`
	Rel         Relation              `json:"rel"`
	ContentHash contracts.ContentHash `json:"content_hash,omitempty"`
	Version     string                `json:"version,omitempty"`
}

// Validate enforces the per-kind schema rules.
func (r TypedRef) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("ref kind %q outside closed set", r.Kind)
	}
	if r.ID == "" {
		return fmt.Errorf("ref of kind %s has empty id", r.Kind)
	}
	if !r.Rel.Valid() {
		return fmt.Errorf("ref %s/%s: relation %q outside closed set", r.Kind, r.ID, r.Rel)
	}
	if r.Kind.Dereferenceable() && !r.ContentHash.Valid() {
		return fmt.Errorf("ref %s/%s: dereferenceable kind requires a content hash", r.Kind, r.ID)
	}
	if r.Kind.RequiresVersion() && r.Version == "" {
		return fmt.Errorf("ref %s/%s: kind requires a version", r.Kind, r.ID)
	}
	return nil
}

// ValidateSet validates every ref in a declared input set.
func ValidateSet(set []TypedRef) error {
	for i, r := range set {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("ref[%d]: %w", i, err)
		}
	}
	return nil
}

// Resolver dereferences a typed ref to its content bytes. The
// iteration controller uses it to pin every declared input; a resolve
// failure surfaces as contracts.ErrMissingRef.
type Resolver interface {
	Resolve(ctx context.Context, ref TypedRef) ([]byte, error)
}

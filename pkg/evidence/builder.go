package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Loopgate-Labs/loopgate/pkg/canonicalize"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

// Builder assembles evidence manifests from completed runs and seals
// them into the store.
type Builder struct {
	store Store
	clock func() time.Time
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) BuilderOption {
	return func(b *Builder) { b.clock = clock }
}

func NewBuilder(store Store, options ...BuilderOption) *Builder {
	b := &Builder{store: store, clock: time.Now}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Build binds a completed run to its candidate, suite, governed
// artifacts, and exceptions, seals the manifest's content hash, and
// persists it. The returned manifest is immutable: building the same
// run again yields the same hash and the same stored bytes.
func (b *Builder) Build(ctx context.Context, run contracts.Run, governedArtifactRefs, exceptionRefs []string, attribution contracts.Attribution) (contracts.EvidenceManifest, error) {
	if run.State == contracts.RunStarted {
		return contracts.EvidenceManifest{}, fmt.Errorf("run %s is still in flight: partial results are unusable", run.ID)
	}
	if attribution.Timestamp.IsZero() {
		attribution.Timestamp = b.clock().UTC()
	}

	m := contracts.EvidenceManifest{
		RunID:                run.ID,
		CandidateRef:         run.CandidateID,
		SuiteRef:             run.Suite,
		GovernedArtifactRefs: governedArtifactRefs,
		ExceptionRefs:        exceptionRefs,
		Results:              resultsFromRun(run),
		Integrity:            run.Integrity,
		Fingerprint:          run.Fingerprint,
		Attribution:          attribution,
	}

	hash, raw, err := Seal(&m)
	if err != nil {
		return contracts.EvidenceManifest{}, err
	}
	// Storing the canonical unsealed form makes the storage key equal
	// the manifest's own content hash.
	stored, err := b.store.Put(ctx, raw)
	if err != nil {
		return contracts.EvidenceManifest{}, fmt.Errorf("persist manifest %s: %w", hash, err)
	}
	if stored != hash {
		return contracts.EvidenceManifest{}, fmt.Errorf("manifest hash %s stored as %s: %w", hash, stored, contracts.ErrImmutable)
	}
	return m, nil
}

// Seal computes and sets the manifest's content hash over the
// canonical form of every field except the hash itself, returning the
// canonical bytes it hashed.
func Seal(m *contracts.EvidenceManifest) (contracts.ContentHash, []byte, error) {
	unsealed := *m
	unsealed.ContentHash = ""
	raw, err := canonicalize.JCS(unsealed)
	if err != nil {
		return "", nil, fmt.Errorf("seal manifest: %w", err)
	}
	hash := canonicalize.HashBytes(raw)
	m.ContentHash = hash
	return hash, raw, nil
}

// Load retrieves a manifest by its content hash and reseals it,
// verifying the address matches the content.
func Load(ctx context.Context, store Store, hash contracts.ContentHash) (contracts.EvidenceManifest, error) {
	raw, err := store.Get(ctx, hash)
	if err != nil {
		return contracts.EvidenceManifest{}, err
	}
	var m contracts.EvidenceManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return contracts.EvidenceManifest{}, fmt.Errorf("decode manifest %s: %w", hash, err)
	}
	sealed, _, err := Seal(&m)
	if err != nil {
		return contracts.EvidenceManifest{}, err
	}
	if sealed != hash {
		return contracts.EvidenceManifest{}, fmt.Errorf("manifest %s content resolves to %s: %w", hash, sealed, contracts.ErrImmutable)
	}
	return m, nil
}

func resultsFromRun(run contracts.Run) []contracts.EvidenceResult {
	out := make([]contracts.EvidenceResult, 0, len(run.Results))
	for _, r := range run.Results {
		out = append(out, contracts.EvidenceResult{
			OracleID:   r.OracleID,
			Status:     r.Status,
			ResultHash: r.ResultHash,
			OutputRef:  r.OutputRef,
		})
	}
	return out
}

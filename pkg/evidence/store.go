// Package evidence implements the Evidence Bundle Builder and the
// content-addressed evidence store. A bundle is the durable manifest
// binding a candidate, the pinned suite, per-oracle results, and
// attribution; once written at a hash it can never be replaced.
package evidence

import (
	"context"
	"errors"
	"fmt"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

var (
	// ErrNotFound reports a content hash absent from the store.
	ErrNotFound = errors.New("evidence content not found")
)

// Store is the content-addressed evidence store port. Write-once:
// storing bytes already present is a no-op returning the same hash,
// and nothing can replace content at an existing hash.
type Store interface {
	// Put persists data and returns its content hash.
	Put(ctx context.Context, data []byte) (contracts.ContentHash, error)
	// Get retrieves content by hash.
	Get(ctx context.Context, hash contracts.ContentHash) ([]byte, error)
	// Exists reports whether content is present. A manifest whose
	// referenced content is missing raises EVIDENCE_MISSING.
	Exists(ctx context.Context, hash contracts.ContentHash) (bool, error)
}

// Verify checks that every content ref in a manifest is present in the
// store, returning an EVIDENCE_MISSING integrity condition per absent
// ref.
func Verify(ctx context.Context, store Store, m *contracts.EvidenceManifest) ([]contracts.IntegrityCondition, error) {
	var conditions []contracts.IntegrityCondition
	for _, r := range m.Results {
		if r.ResultHash == "" {
			continue
		}
		ok, err := store.Exists(ctx, r.ResultHash)
		if err != nil {
			return nil, fmt.Errorf("probe evidence %s: %w", r.ResultHash, err)
		}
		if !ok {
			conditions = append(conditions, contracts.IntegrityCondition{
				Code:     contracts.IntegrityEvidenceMissing,
				OracleID: r.OracleID,
				Detail:   string(r.ResultHash),
			})
		}
	}
	return conditions, nil
}

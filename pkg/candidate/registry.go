// Package candidate implements the Candidate Registry: stable,
// content-addressed identity for work products. A candidate is
// write-once; re-registering identical content returns the existing
// id, and nothing can overwrite a recorded candidate.
package candidate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Loopgate-Labs/loopgate/pkg/canonicalize"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

var (
	// ErrNotFound reports an unknown candidate id or hash.
	ErrNotFound = errors.New("candidate not found")
)

// Store persists candidates. Implementations must be write-once per
// content hash.
type Store interface {
	// Put records a candidate. Returns contracts.ErrImmutable when a
	// different candidate already holds the same content hash.
	Put(ctx context.Context, c contracts.Candidate) error
	// Get fetches a candidate by id.
	Get(ctx context.Context, id string) (contracts.Candidate, error)
	// GetByHash fetches the candidate recorded for a content hash.
	GetByHash(ctx context.Context, hash contracts.ContentHash) (contracts.Candidate, error)
}

// Registry assigns content-addressed identity to work products.
type Registry struct {
	store Store
	clock func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) { r.clock = clock }
}

func NewRegistry(store Store, options ...Option) *Registry {
	r := &Registry{store: store, clock: time.Now}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register records a work product's content and returns its candidate
// id. Registering content already recorded returns the existing id:
// identity changes iff content changes.
func (r *Registry) Register(ctx context.Context, content []byte, producedBy, gitSHA string) (contracts.Candidate, error) {
	hash := canonicalize.HashBytes(content)

	existing, err := r.store.GetByHash(ctx, hash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return contracts.Candidate{}, fmt.Errorf("probe candidate hash: %w", err)
	}

	c := contracts.Candidate{
		ID:          contracts.NewCandidateID(gitSHA, hash),
		ContentHash: hash,
		ProducedBy:  producedBy,
		CreatedAt:   r.clock().UTC(),
	}
	if err := r.store.Put(ctx, c); err != nil {
		if errors.Is(err, contracts.ErrImmutable) {
			// Lost a race to an identical registration.
			return r.store.GetByHash(ctx, hash)
		}
		return contracts.Candidate{}, fmt.Errorf("record candidate: %w", err)
	}
	return c, nil
}

// Resolve fetches a candidate by id.
func (r *Registry) Resolve(ctx context.Context, id string) (contracts.Candidate, error) {
	return r.store.Get(ctx, id)
}

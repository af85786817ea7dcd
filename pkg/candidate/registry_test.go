package candidate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Loopgate-Labs/loopgate/pkg/candidate"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestRegisterAssignsContentAddressedIdentity(t *testing.T) {
	ctx := context.Background()
	reg := candidate.NewRegistry(candidate.NewMemoryStore(), candidate.WithClock(fixedClock))

	c, err := reg.Register(ctx, []byte("diff --git a/main.go"), "iter_1", "abc123")
	require.NoError(t, err)
	assert.True(t, c.ContentHash.Valid())
	assert.Contains(t, c.ID, "git:abc123|")
	assert.Contains(t, c.ID, string(c.ContentHash))
	assert.Equal(t, "iter_1", c.ProducedBy)

	got, err := reg.Resolve(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestRegisterIdenticalContentReturnsExisting(t *testing.T) {
	ctx := context.Background()
	reg := candidate.NewRegistry(candidate.NewMemoryStore(), candidate.WithClock(fixedClock))

	first, err := reg.Register(ctx, []byte("same content"), "iter_1", "")
	require.NoError(t, err)

	// Different provenance, same bytes: identity does not change.
	second, err := reg.Register(ctx, []byte("same content"), "iter_2", "def456")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "iter_1", second.ProducedBy)
}

func TestRegisterDifferentContentDifferentIdentity(t *testing.T) {
	ctx := context.Background()
	reg := candidate.NewRegistry(candidate.NewMemoryStore(), candidate.WithClock(fixedClock))

	a, err := reg.Register(ctx, []byte("content a"), "iter_1", "")
	require.NoError(t, err)
	b, err := reg.Register(ctx, []byte("content b"), "iter_1", "")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ContentHash, b.ContentHash)
}

func TestMemoryStoreRejectsConflictingOverwrite(t *testing.T) {
	ctx := context.Background()
	store := candidate.NewMemoryStore()

	hash := contracts.ContentHash("sha256:ab00000000000000000000000000000000000000000000000000000000000000")
	first := contracts.Candidate{ID: "cand_a", ContentHash: hash, ProducedBy: "iter_1", CreatedAt: fixedClock()}
	require.NoError(t, store.Put(ctx, first))

	conflicting := contracts.Candidate{ID: "cand_b", ContentHash: hash, ProducedBy: "iter_2", CreatedAt: fixedClock()}
	err := store.Put(ctx, conflicting)
	require.ErrorIs(t, err, contracts.ErrImmutable)

	_, err = store.Get(ctx, "cand_missing")
	assert.ErrorIs(t, err, candidate.ErrNotFound)
}

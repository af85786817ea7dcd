package artifacts_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Loopgate-Labs/loopgate/pkg/artifacts"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

var (
	human = contracts.ActorID{Kind: contracts.ActorHuman, ID: "alice"}
	agent = contracts.ActorID{Kind: contracts.ActorAgent, ID: "builder-7"}
)

func testClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestRecordVersionImmutable(t *testing.T) {
	ctx := context.Background()
	arena := artifacts.NewArena(artifacts.WithClock(testClock))

	v, err := arena.RecordVersion(ctx, "coding-standard", "1.0.0", []byte("v1 text"), human)
	require.NoError(t, err)
	assert.True(t, v.ContentHash.Valid())
	assert.Equal(t, "coding-standard@1.0.0", v.Ref())

	_, err = arena.RecordVersion(ctx, "coding-standard", "1.0.0", []byte("other text"), human)
	require.ErrorIs(t, err, artifacts.ErrVersionExists)

	_, err = arena.RecordVersion(ctx, "coding-standard", "not-semver", []byte("x"), human)
	require.Error(t, err)
}

func TestSelectRequiresHumanAndDecision(t *testing.T) {
	ctx := context.Background()
	arena := artifacts.NewArena(artifacts.WithClock(testClock))
	_, err := arena.RecordVersion(ctx, "coding-standard", "1.0.0", []byte("v1"), human)
	require.NoError(t, err)

	_, err = arena.Select(ctx, "coding-standard", "1.0.0", "dec_1", agent)
	require.ErrorIs(t, err, contracts.ErrNotHumanActor)

	_, err = arena.Select(ctx, "coding-standard", "1.0.0", "", human)
	require.Error(t, err)

	_, err = arena.Select(ctx, "coding-standard", "9.9.9", "dec_1", human)
	require.ErrorIs(t, err, artifacts.ErrUnknownVersion)
}

func TestSelectionLineageSupersedes(t *testing.T) {
	ctx := context.Background()
	var changed []string
	arena := artifacts.NewArena(
		artifacts.WithClock(testClock),
		artifacts.WithChangeListener(func(key string) { changed = append(changed, key) }),
	)

	_, err := arena.RecordVersion(ctx, "coding-standard", "1.0.0", []byte("v1"), human)
	require.NoError(t, err)
	_, err = arena.RecordVersion(ctx, "coding-standard", "1.1.0", []byte("v2"), human)
	require.NoError(t, err)

	_, _, err = arena.Current(ctx, "coding-standard")
	require.ErrorIs(t, err, artifacts.ErrNoSelection)

	first, err := arena.Select(ctx, "coding-standard", "1.0.0", "dec_1", human)
	require.NoError(t, err)
	assert.Empty(t, first.Supersedes)

	second, err := arena.Select(ctx, "coding-standard", "1.1.0", "dec_2", human)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.Supersedes)

	current, sel, err := arena.Current(ctx, "coding-standard")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", current.Version)
	assert.Equal(t, "dec_2", sel.DecisionRef)

	lineage, err := arena.Lineage(ctx, "coding-standard")
	require.NoError(t, err)
	require.Len(t, lineage, 2)

	// Both selection changes fired the staleness hook.
	assert.Equal(t, []string{"coding-standard", "coding-standard"}, changed)
}

func TestVersionsSortedBySemver(t *testing.T) {
	ctx := context.Background()
	arena := artifacts.NewArena(artifacts.WithClock(testClock))

	for _, v := range []string{"2.0.0", "1.0.0", "1.10.0", "1.2.0"} {
		_, err := arena.RecordVersion(ctx, "contract", v, []byte(v), human)
		require.NoError(t, err)
	}

	versions, err := arena.Versions(ctx, "contract")
	require.NoError(t, err)
	got := make([]string, len(versions))
	for i, v := range versions {
		got[i] = v.Version
	}
	assert.Equal(t, []string{"1.0.0", "1.2.0", "1.10.0", "2.0.0"}, got)
}

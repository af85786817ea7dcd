package evidence_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Loopgate-Labs/loopgate/pkg/canonicalize"
	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/evidence"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func completedRun(t *testing.T) contracts.Run {
	t.Helper()
	done := fixedClock()
	return contracts.Run{
		ID:          "run_1",
		CandidateID: "sha256:aa00000000000000000000000000000000000000000000000000000000000000|cand_1",
		Suite: contracts.SuiteRef{
			SuiteID: "suite-core",
			Hash:    "sha256:bb00000000000000000000000000000000000000000000000000000000000000",
		},
		State: contracts.RunCompleted,
		Results: []contracts.OracleResult{
			{OracleID: "unit-tests", Status: contracts.OraclePass},
			{OracleID: "lint", Status: contracts.OracleFail},
		},
		Fingerprint: contracts.EnvironmentFingerprint{OS: "linux", Arch: "amd64"},
		StartedAt:   fixedClock(),
		CompletedAt: &done,
	}
}

func TestFSStoreWriteOnce(t *testing.T) {
	ctx := context.Background()
	store, err := evidence.NewFSStore(t.TempDir())
	require.NoError(t, err)

	data := []byte("oracle output log")
	hash, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, canonicalize.HashBytes(data), hash)

	// Identical content is a no-op.
	again, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	got, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	exists, err := store.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, exists)

	missing := contracts.ContentHash("sha256:ff00000000000000000000000000000000000000000000000000000000000000")
	_, err = store.Get(ctx, missing)
	assert.ErrorIs(t, err, evidence.ErrNotFound)
	exists, err = store.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBuildSealsManifestDeterministically(t *testing.T) {
	ctx := context.Background()
	store, err := evidence.NewFSStore(t.TempDir())
	require.NoError(t, err)
	builder := evidence.NewBuilder(store, evidence.WithClock(fixedClock))

	attribution := contracts.Attribution{
		ActorKind: contracts.ActorSystem,
		ActorID:   "governor",
		Timestamp: fixedClock(),
	}

	first, err := builder.Build(ctx, completedRun(t), []string{"coding-standard@1.0.0"}, nil, attribution)
	require.NoError(t, err)
	assert.True(t, first.ContentHash.Valid())
	assert.Equal(t, "run_1", first.RunID)

	// Same run, same attribution: same address.
	second, err := builder.Build(ctx, completedRun(t), []string{"coding-standard@1.0.0"}, nil, attribution)
	require.NoError(t, err)
	assert.Equal(t, first.ContentHash, second.ContentHash)

	loaded, err := evidence.Load(ctx, store, first.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, first, loaded)
}

func TestBuildRejectsInFlightRun(t *testing.T) {
	ctx := context.Background()
	store, err := evidence.NewFSStore(t.TempDir())
	require.NoError(t, err)
	builder := evidence.NewBuilder(store, evidence.WithClock(fixedClock))

	run := completedRun(t)
	run.State = contracts.RunStarted
	_, err = builder.Build(ctx, run, nil, nil, contracts.Attribution{})
	require.Error(t, err)
}

func TestVerifyReportsMissingEvidence(t *testing.T) {
	ctx := context.Background()
	store, err := evidence.NewFSStore(t.TempDir())
	require.NoError(t, err)

	present, err := store.Put(ctx, []byte("captured log"))
	require.NoError(t, err)

	m := &contracts.EvidenceManifest{
		Results: []contracts.EvidenceResult{
			{OracleID: "unit-tests", Status: contracts.OraclePass, ResultHash: present},
			{OracleID: "lint", Status: contracts.OracleFail,
				ResultHash: "sha256:ee00000000000000000000000000000000000000000000000000000000000000"},
			{OracleID: "fmt", Status: contracts.OraclePass},
		},
	}

	conditions, err := evidence.Verify(ctx, store, m)
	require.NoError(t, err)
	require.Len(t, conditions, 1)
	assert.Equal(t, contracts.IntegrityEvidenceMissing, conditions[0].Code)
	assert.Equal(t, "lint", conditions[0].OracleID)
}

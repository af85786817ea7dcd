package oracle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/evidence"
	"github.com/Loopgate-Labs/loopgate/pkg/oracle"
)

var reviewer = contracts.ActorID{Kind: contracts.ActorHuman, ID: "alice"}

func linuxFingerprint() contracts.EnvironmentFingerprint {
	return contracts.EnvironmentFingerprint{Runtime: "wazero", OS: "linux", Arch: "amd64", NetworkMode: "none"}
}

func coreSuite() contracts.OracleSuite {
	return contracts.OracleSuite{
		SuiteID: "suite-core",
		Version: "1.0.0",
		Oracles: []contracts.OracleDefinition{
			{OracleID: "unit-tests", Classification: contracts.OracleRequired,
				Deterministic: true, Command: []string{"unit-tests"}, Timeout: time.Minute},
			{OracleID: "style-advice", Classification: contracts.OracleAdvisory,
				Command: []string{"style-advice"}, Timeout: time.Minute},
		},
		Environment: contracts.EnvironmentConstraints{OS: "linux"},
	}
}

func newFixture(t *testing.T) (*oracle.Registry, *oracle.FakeRunner, evidence.Store) {
	t.Helper()
	registry, err := oracle.NewRegistry()
	require.NoError(t, err)
	store, err := evidence.NewFSStore(t.TempDir())
	require.NoError(t, err)
	return registry, oracle.NewFakeRunner(linuxFingerprint()), store
}

func TestRegisterSuiteRejectsNonDeterministicRequired(t *testing.T) {
	registry, _, _ := newFixture(t)

	suite := coreSuite()
	suite.Oracles[0].Deterministic = false
	_, err := registry.RegisterSuite(context.Background(), suite)
	require.ErrorIs(t, err, oracle.ErrNonDeterministicRequired)

	// Advisory oracles may be non-deterministic.
	suite = coreSuite()
	_, err = registry.RegisterSuite(context.Background(), suite)
	require.NoError(t, err)
}

func TestRegisterSuiteValidatesShape(t *testing.T) {
	registry, _, _ := newFixture(t)

	suite := coreSuite()
	suite.Oracles = nil
	_, err := registry.RegisterSuite(context.Background(), suite)
	require.Error(t, err)

	suite = coreSuite()
	suite.Version = "one"
	_, err = registry.RegisterSuite(context.Background(), suite)
	require.Error(t, err)

	suite = coreSuite()
	suite.Oracles[0].Command = nil
	_, err = registry.RegisterSuite(context.Background(), suite)
	require.Error(t, err)
}

func TestPinAndLiveHashTrackDefinition(t *testing.T) {
	ctx := context.Background()
	registry, _, _ := newFixture(t)

	ref, err := registry.RegisterSuite(ctx, coreSuite())
	require.NoError(t, err)
	assert.True(t, ref.Hash.Valid())

	pin, err := registry.PinSuite("suite-core")
	require.NoError(t, err)
	assert.Equal(t, ref.Hash, pin.Hash)

	// A new definition moves the live hash away from old pins.
	changed := coreSuite()
	changed.Version = "1.1.0"
	_, err = registry.RegisterSuite(ctx, changed)
	require.NoError(t, err)

	live, err := registry.LiveHash("suite-core")
	require.NoError(t, err)
	assert.NotEqual(t, pin.Hash, live)

	_, err = registry.PinSuite("suite-missing")
	require.ErrorIs(t, err, oracle.ErrUnknownSuite)
}

func TestExecuteSuiteAllPass(t *testing.T) {
	ctx := context.Background()
	registry, runner, store := newFixture(t)
	_, err := registry.RegisterSuite(ctx, coreSuite())
	require.NoError(t, err)
	pin, err := registry.PinSuite("suite-core")
	require.NoError(t, err)

	runner.Script("unit-tests", oracle.ExecResult{Stdout: []byte("ok"), ExitCode: 0})
	runner.Script("style-advice", oracle.ExecResult{Stdout: []byte("fine"), ExitCode: 0})

	orch := oracle.NewOrchestrator(registry, runner, store)
	run, err := orch.ExecuteSuite(ctx, "cand_1", pin)
	require.NoError(t, err)

	assert.Equal(t, contracts.RunCompleted, run.State)
	assert.Empty(t, run.Integrity)
	require.Len(t, run.Results, 2)
	for _, r := range run.Results {
		assert.Equal(t, contracts.OraclePass, r.Status)
		assert.True(t, r.ResultHash.Valid())
	}
	assert.NotNil(t, run.CompletedAt)
}

func TestExecuteSuiteTamperAtStart(t *testing.T) {
	ctx := context.Background()
	registry, runner, store := newFixture(t)
	_, err := registry.RegisterSuite(ctx, coreSuite())
	require.NoError(t, err)
	pin, err := registry.PinSuite("suite-core")
	require.NoError(t, err)

	// The live definition changes after the pin.
	changed := coreSuite()
	changed.Version = "1.1.0"
	_, err = registry.RegisterSuite(ctx, changed)
	require.NoError(t, err)

	orch := oracle.NewOrchestrator(registry, runner, store)
	run, err := orch.ExecuteSuite(ctx, "cand_1", pin)
	require.NoError(t, err)

	require.Len(t, run.Integrity, 1)
	assert.Equal(t, contracts.IntegrityTamper, run.Integrity[0].Code)
	assert.Empty(t, run.Results)

	// The suite is halted: no new pins until a rebase.
	_, err = registry.PinSuite("suite-core")
	require.ErrorIs(t, err, oracle.ErrSuiteHalted)
}

// tamperingRunner mutates the registry mid-execution, between the
// pinned start and run completion.
type tamperingRunner struct {
	*oracle.FakeRunner
	registry *oracle.Registry
	suite    contracts.OracleSuite
}

func (r *tamperingRunner) Run(ctx context.Context, command []string, timeout time.Duration, spec oracle.SandboxSpec) (oracle.ExecResult, error) {
	if _, err := r.registry.RegisterSuite(ctx, r.suite); err != nil {
		return oracle.ExecResult{}, err
	}
	return r.FakeRunner.Run(ctx, command, timeout, spec)
}

func TestExecuteSuiteTamperMidExecution(t *testing.T) {
	ctx := context.Background()
	registry, fake, store := newFixture(t)
	_, err := registry.RegisterSuite(ctx, coreSuite())
	require.NoError(t, err)
	pin, err := registry.PinSuite("suite-core")
	require.NoError(t, err)

	fake.Script("unit-tests", oracle.ExecResult{Stdout: []byte("ok"), ExitCode: 0})
	fake.Script("style-advice", oracle.ExecResult{Stdout: []byte("fine"), ExitCode: 0})

	rebased := coreSuite()
	rebased.Version = "2.0.0"
	runner := &tamperingRunner{FakeRunner: fake, registry: registry, suite: rebased}

	orch := oracle.NewOrchestrator(registry, runner, store, oracle.WithDoubleRun(false))
	run, err := orch.ExecuteSuite(ctx, "cand_1", pin)
	require.NoError(t, err)

	require.NotEmpty(t, run.Integrity)
	assert.Equal(t, contracts.IntegrityTamper, run.Integrity[len(run.Integrity)-1].Code)
}

func TestExecuteSuiteGapOnExhaustedRetries(t *testing.T) {
	ctx := context.Background()
	registry, runner, store := newFixture(t)

	suite := coreSuite()
	suite.Oracles[0].Retries = 2
	_, err := registry.RegisterSuite(ctx, suite)
	require.NoError(t, err)
	pin, err := registry.PinSuite("suite-core")
	require.NoError(t, err)

	runner.Fail("unit-tests", errors.New("sandbox transport failure"))
	runner.Script("style-advice", oracle.ExecResult{Stdout: []byte("fine"), ExitCode: 0})

	orch := oracle.NewOrchestrator(registry, runner, store, oracle.WithDoubleRun(false))
	run, err := orch.ExecuteSuite(ctx, "cand_1", pin)
	require.NoError(t, err)

	require.Len(t, run.Integrity, 1)
	assert.Equal(t, contracts.IntegrityGap, run.Integrity[0].Code)
	assert.Equal(t, "unit-tests", run.Integrity[0].OracleID)

	result := run.Results[0]
	assert.Equal(t, contracts.OracleError, result.Status)
	assert.Equal(t, 3, result.Attempts)
}

func TestExecuteSuiteFlakeOnDivergingDoubleRun(t *testing.T) {
	ctx := context.Background()
	registry, runner, store := newFixture(t)
	_, err := registry.RegisterSuite(ctx, coreSuite())
	require.NoError(t, err)
	pin, err := registry.PinSuite("suite-core")
	require.NoError(t, err)

	// First run says ok, control run says something else.
	runner.Script("unit-tests",
		oracle.ExecResult{Stdout: []byte("ok"), ExitCode: 0},
		oracle.ExecResult{Stdout: []byte("different output"), ExitCode: 0})
	runner.Script("style-advice", oracle.ExecResult{Stdout: []byte("fine"), ExitCode: 0})

	orch := oracle.NewOrchestrator(registry, runner, store)
	run, err := orch.ExecuteSuite(ctx, "cand_1", pin)
	require.NoError(t, err)

	require.Len(t, run.Integrity, 1)
	assert.Equal(t, contracts.IntegrityFlake, run.Integrity[0].Code)
	assert.Equal(t, "unit-tests", run.Integrity[0].OracleID)
}

func TestExecuteSuiteEnvMismatch(t *testing.T) {
	ctx := context.Background()
	registry, _, store := newFixture(t)
	_, err := registry.RegisterSuite(ctx, coreSuite())
	require.NoError(t, err)
	pin, err := registry.PinSuite("suite-core")
	require.NoError(t, err)

	darwin := contracts.EnvironmentFingerprint{Runtime: "wazero", OS: "darwin", Arch: "arm64"}
	orch := oracle.NewOrchestrator(registry, oracle.NewFakeRunner(darwin), store)
	run, err := orch.ExecuteSuite(ctx, "cand_1", pin)
	require.NoError(t, err)

	require.Len(t, run.Integrity, 1)
	assert.Equal(t, contracts.IntegrityEnvMismatch, run.Integrity[0].Code)
	assert.Empty(t, run.Results)
}

func TestRebaseLiftsHalt(t *testing.T) {
	ctx := context.Background()
	registry, runner, store := newFixture(t)
	_, err := registry.RegisterSuite(ctx, coreSuite())
	require.NoError(t, err)
	pin, err := registry.PinSuite("suite-core")
	require.NoError(t, err)

	changed := coreSuite()
	changed.Version = "1.1.0"
	_, err = registry.RegisterSuite(ctx, changed)
	require.NoError(t, err)

	orch := oracle.NewOrchestrator(registry, runner, store)
	_, err = orch.ExecuteSuite(ctx, "cand_1", pin)
	require.NoError(t, err)
	_, err = registry.PinSuite("suite-core")
	require.ErrorIs(t, err, oracle.ErrSuiteHalted)

	// An agent cannot rebase.
	rebased := coreSuite()
	rebased.Version = "2.0.0"
	_, err = registry.RebaseSuite(ctx, rebased, contracts.ActorID{Kind: contracts.ActorAgent, ID: "builder-7"})
	require.ErrorIs(t, err, contracts.ErrNotHumanActor)

	ref, err := registry.RebaseSuite(ctx, rebased, reviewer)
	require.NoError(t, err)

	pin, err = registry.PinSuite("suite-core")
	require.NoError(t, err)
	assert.Equal(t, ref.Hash, pin.Hash)
}

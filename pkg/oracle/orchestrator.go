package oracle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
	"github.com/Loopgate-Labs/loopgate/pkg/evidence"
)

// Orchestrator executes pinned suites against candidates. A run is
// atomic for gate evaluation: partial results are unusable until the
// run completes or is explicitly marked gapped.
type Orchestrator struct {
	registry  *Registry
	runner    Runner
	store     evidence.Store
	limiter   *rate.Limiter
	clock     func() time.Time
	doubleRun bool
	logger    *slog.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithClock injects a clock, for tests.
func WithClock(clock func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock }
}

// WithDispatchLimit paces oracle dispatch at n executions per second.
func WithDispatchLimit(n rate.Limit, burst int) OrchestratorOption {
	return func(o *Orchestrator) { o.limiter = rate.NewLimiter(n, burst) }
}

// WithDoubleRun toggles flake control: required oracles execute twice
// under the identical declared environment and differing result hashes
// raise ORACLE_FLAKE.
func WithDoubleRun(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) { o.doubleRun = enabled }
}

func NewOrchestrator(registry *Registry, runner Runner, store evidence.Store, options ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry:  registry,
		runner:    runner,
		store:     store,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		clock:     time.Now,
		doubleRun: true,
		logger:    slog.Default().With("component", "oracle"),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// ExecuteSuite runs the pinned suite against a candidate. Integrity
// conditions are recorded on the returned run, never swallowed; a
// tamper additionally halts the suite in the registry.
func (o *Orchestrator) ExecuteSuite(ctx context.Context, candidateID string, pin contracts.SuiteRef) (contracts.Run, error) {
	suite, err := o.registry.Resolve(pin.SuiteID)
	if err != nil {
		return contracts.Run{}, err
	}

	run := contracts.Run{
		ID:          contracts.NewRunID(),
		CandidateID: candidateID,
		Suite:       pin,
		State:       contracts.RunStarted,
		Fingerprint: o.runner.Fingerprint(),
		StartedAt:   o.clock().UTC(),
	}

	// Tamper check at start: the live definition must match the pin.
	if suite.Hash != pin.Hash {
		o.raiseTamper(&run, pin, suite.Hash)
		o.complete(&run)
		return run, nil
	}

	if cond, ok := checkEnvironment(suite.Environment, run.Fingerprint); ok {
		run.Integrity = append(run.Integrity, cond)
		o.complete(&run)
		return run, nil
	}

	// Constituent oracles run in parallel; the run completes only when
	// all of them have reported.
	results := make([]contracts.OracleResult, len(suite.Oracles))
	var wg sync.WaitGroup
	for i, def := range suite.Oracles {
		wg.Add(1)
		go func(i int, def contracts.OracleDefinition) {
			defer wg.Done()
			results[i] = o.executeOracle(ctx, def)
		}(i, def)
	}
	wg.Wait()

	run.Results = results

	// Flake control: double-run required oracles and compare result
	// hashes.
	if o.doubleRun {
		o.flakeControl(ctx, suite, &run)
	}

	// Gap detection: every required oracle must carry a usable result.
	for _, id := range suite.RequiredOracles() {
		if !hasUsableResult(run.Results, id) {
			run.Integrity = append(run.Integrity, contracts.IntegrityCondition{
				Code:     contracts.IntegrityGap,
				SuiteID:  suite.SuiteID,
				OracleID: id,
			})
		}
	}

	// Tamper check at completion: a mid-execution definition change
	// invalidates everything this run observed.
	liveHash, err := o.registry.LiveHash(pin.SuiteID)
	if err == nil && liveHash != pin.Hash {
		o.raiseTamper(&run, pin, liveHash)
	}

	o.complete(&run)
	return run, nil
}

func (o *Orchestrator) complete(run *contracts.Run) {
	now := o.clock().UTC()
	run.CompletedAt = &now
	run.State = contracts.RunCompleted
	if len(run.Integrity) > 0 {
		codes := make([]string, 0, len(run.Integrity))
		for _, c := range run.Integrity {
			codes = append(codes, string(c.Code))
		}
		o.logger.Warn("run completed with integrity conditions",
			"run_id", run.ID, "suite_id", run.Suite.SuiteID, "conditions", codes)
	}
}

func (o *Orchestrator) raiseTamper(run *contracts.Run, pin contracts.SuiteRef, live contracts.ContentHash) {
	cond := contracts.IntegrityCondition{
		Code:     contracts.IntegrityTamper,
		SuiteID:  pin.SuiteID,
		Expected: string(pin.Hash),
		Actual:   string(live),
	}
	run.Integrity = append(run.Integrity, cond)
	o.registry.Halt(pin.SuiteID, cond)
}

// executeOracle runs one oracle with its declared timeout and retry
// count. Transient failures are retried; exhausted retries become an
// ERROR result, which gap detection turns into ORACLE_GAP for
// required oracles.
func (o *Orchestrator) executeOracle(ctx context.Context, def contracts.OracleDefinition) contracts.OracleResult {
	result := contracts.OracleResult{
		OracleID:  def.OracleID,
		StartedAt: o.clock().UTC(),
	}

	attempts := def.Retries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		result.Attempts = attempt
		if err := o.limiter.Wait(ctx); err != nil {
			result.Status = contracts.OracleError
			break
		}
		exec, err := o.runner.Run(ctx, def.Command, def.Timeout, SandboxSpec{})
		if err != nil {
			o.logger.Warn("oracle execution error",
				"oracle_id", def.OracleID, "attempt", attempt, "error", err)
			result.Status = contracts.OracleError
			continue
		}
		if exec.ExitCode == 0 {
			result.Status = contracts.OraclePass
		} else {
			result.Status = contracts.OracleFail
		}
		result.ResultHash = o.persistOutput(ctx, exec.Stdout)
		result.OutputRef = string(result.ResultHash)
		break
	}
	result.FinishedAt = o.clock().UTC()
	return result
}

// flakeControl re-runs required oracles that produced a usable result
// and compares result hashes. Divergence is ORACLE_FLAKE.
func (o *Orchestrator) flakeControl(ctx context.Context, suite contracts.OracleSuite, run *contracts.Run) {
	for _, def := range suite.Oracles {
		if def.Classification != contracts.OracleRequired {
			continue
		}
		first := resultFor(run.Results, def.OracleID)
		if first == nil || first.Status == contracts.OracleError {
			continue
		}
		exec, err := o.runner.Run(ctx, def.Command, def.Timeout, SandboxSpec{})
		if err != nil {
			// The control run could not complete; gap detection covers
			// the missing confirmation.
			continue
		}
		controlHash := o.persistOutput(ctx, exec.Stdout)
		if controlHash != first.ResultHash {
			run.Integrity = append(run.Integrity, contracts.IntegrityCondition{
				Code:     contracts.IntegrityFlake,
				SuiteID:  suite.SuiteID,
				OracleID: def.OracleID,
				Expected: string(first.ResultHash),
				Actual:   string(controlHash),
			})
		}
	}
}

func (o *Orchestrator) persistOutput(ctx context.Context, output []byte) contracts.ContentHash {
	hash, err := o.store.Put(ctx, output)
	if err != nil {
		o.logger.Error("persist oracle output", "error", err)
		return ""
	}
	return hash
}

// checkEnvironment compares declared constraints against the observed
// fingerprint. Any violated constraint is ORACLE_ENV_MISMATCH.
func checkEnvironment(constraints contracts.EnvironmentConstraints, fp contracts.EnvironmentFingerprint) (contracts.IntegrityCondition, bool) {
	mismatch := func(field, want, got string) (contracts.IntegrityCondition, bool) {
		return contracts.IntegrityCondition{
			Code:     contracts.IntegrityEnvMismatch,
			Detail:   field,
			Expected: want,
			Actual:   got,
		}, true
	}
	if constraints.Runtime != "" && constraints.Runtime != fp.Runtime {
		return mismatch("runtime", constraints.Runtime, fp.Runtime)
	}
	if constraints.OS != "" && constraints.OS != fp.OS {
		return mismatch("os", constraints.OS, fp.OS)
	}
	if constraints.Arch != "" && constraints.Arch != fp.Arch {
		return mismatch("arch", constraints.Arch, fp.Arch)
	}
	if constraints.NetworkMode != "" && constraints.NetworkMode != fp.NetworkMode {
		return mismatch("network_mode", constraints.NetworkMode, fp.NetworkMode)
	}
	return contracts.IntegrityCondition{}, false
}

func resultFor(results []contracts.OracleResult, oracleID string) *contracts.OracleResult {
	for i := range results {
		if results[i].OracleID == oracleID {
			return &results[i]
		}
	}
	return nil
}

func hasUsableResult(results []contracts.OracleResult, oracleID string) bool {
	r := resultFor(results, oracleID)
	return r != nil && (r.Status == contracts.OraclePass || r.Status == contracts.OracleFail)
}

package oracle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

// SandboxSpec bounds an oracle execution. Deny-by-default: nothing is
// granted that the spec does not name.
type SandboxSpec struct {
	MemoryLimitBytes uint64
	Stdin            []byte
}

// ExecResult is the raw outcome of one sandboxed command execution.
type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// Runner is the oracle execution port. Implementations execute one
// command inside a sandbox, bounded by timeout.
type Runner interface {
	Run(ctx context.Context, command []string, timeout time.Duration, spec SandboxSpec) (ExecResult, error)
	// Fingerprint reports the environment the runner executes in.
	Fingerprint() contracts.EnvironmentFingerprint
}

// FakeRunner is the recording test adapter: scripted results per
// oracle command, with every call recorded.
type FakeRunner struct {
	mu          sync.Mutex
	results     map[string][]ExecResult // command[0] -> queued results
	errs        map[string]error
	calls       []string
	fingerprint contracts.EnvironmentFingerprint
}

func NewFakeRunner(fingerprint contracts.EnvironmentFingerprint) *FakeRunner {
	return &FakeRunner{
		results:     make(map[string][]ExecResult),
		errs:        make(map[string]error),
		fingerprint: fingerprint,
	}
}

// Script queues results for a command. Each call consumes one queued
// result; the last result repeats once the queue drains.
func (f *FakeRunner) Script(command string, results ...ExecResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[command] = append(f.results[command], results...)
}

// Fail makes every execution of a command return err.
func (f *FakeRunner) Fail(command string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[command] = err
}

func (f *FakeRunner) Run(ctx context.Context, command []string, timeout time.Duration, spec SandboxSpec) (ExecResult, error) {
	if len(command) == 0 {
		return ExecResult{}, fmt.Errorf("empty oracle command")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, command[0])
	if err, ok := f.errs[command[0]]; ok {
		return ExecResult{}, err
	}
	queue := f.results[command[0]]
	if len(queue) == 0 {
		return ExecResult{}, fmt.Errorf("no scripted result for %q", command[0])
	}
	result := queue[0]
	if len(queue) > 1 {
		f.results[command[0]] = queue[1:]
	}
	return result, nil
}

func (f *FakeRunner) Fingerprint() contracts.EnvironmentFingerprint {
	return f.fingerprint
}

// Calls returns the recorded command invocations in order.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

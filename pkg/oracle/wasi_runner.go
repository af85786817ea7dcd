package oracle

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

// WASIRunner executes oracle commands as WebAssembly modules under
// wazero. Deny-by-default: no filesystem mounts, no network, no env
// vars, no ambient clock or randomness — the sandbox grants nothing an
// oracle does not need for deterministic evaluation.
type WASIRunner struct {
	runtime wazero.Runtime
	// resolve maps a command name to the module's wasm bytes,
	// typically backed by the content-addressed evidence store.
	resolve func(ctx context.Context, name string) ([]byte, error)
}

// NewWASIRunner builds a runner whose modules are fetched through
// resolve.
func NewWASIRunner(ctx context.Context, memoryLimitBytes uint64, resolve func(ctx context.Context, name string) ([]byte, error)) *WASIRunner {
	cfg := wazero.NewRuntimeConfig()
	if memoryLimitBytes > 0 {
		pages := uint32(memoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &WASIRunner{runtime: r, resolve: resolve}
}

func (w *WASIRunner) Run(ctx context.Context, command []string, timeout time.Duration, spec SandboxSpec) (ExecResult, error) {
	if len(command) == 0 {
		return ExecResult{}, fmt.Errorf("empty oracle command")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	wasmBytes, err := w.resolve(ctx, command[0])
	if err != nil {
		return ExecResult{}, fmt.Errorf("resolve oracle module %q: %w", command[0], err)
	}

	compiled, err := w.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return ExecResult{}, fmt.Errorf("compile oracle module %q: %w", command[0], err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("loopgate-oracle").
		WithArgs(command...).
		WithStdin(bytes.NewReader(spec.Stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")
	// Deliberately not wired: WithFSConfig, WithSysNanotime,
	// WithRandSource, environment variables.

	mod, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		if exitErr, ok := err.(*sys.ExitError); ok {
			return ExecResult{
				Stdout:   stdout.Bytes(),
				Stderr:   stderr.Bytes(),
				ExitCode: int(exitErr.ExitCode()),
			}, nil
		}
		if ctx.Err() != nil {
			return ExecResult{}, fmt.Errorf("oracle %q timed out after %v: %w", command[0], timeout, ctx.Err())
		}
		return ExecResult{}, fmt.Errorf("instantiate oracle module %q: %w", command[0], err)
	}

	return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: 0}, nil
}

func (w *WASIRunner) Fingerprint() contracts.EnvironmentFingerprint {
	return contracts.EnvironmentFingerprint{
		Runtime:     "wazero",
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		NetworkMode: "none",
	}
}

// Close shuts down the wazero runtime.
func (w *WASIRunner) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.runtime.Close(ctx)
}

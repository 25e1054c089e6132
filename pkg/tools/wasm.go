package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/omniplexity/substrate/pkg/fault"
)

// WasmRunner executes wasm_module bindings under wazero with deny-by-default
// capabilities: no filesystem mounts, no network, no environment. Inputs
// arrive on stdin, outputs leave on stdout.
type WasmRunner struct {
	runtime      wazero.Runtime
	registryRoot string
}

// NewWasmRunner builds the shared runtime. registryRoot is the directory
// holding installed .wasm modules, addressed by binding entrypoint.
func NewWasmRunner(ctx context.Context, registryRoot string) *WasmRunner {
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	return &WasmRunner{runtime: r, registryRoot: registryRoot}
}

// Run executes the module named by entrypoint with inputs on stdin.
func (w *WasmRunner) Run(ctx context.Context, entrypoint string, inputs json.RawMessage, timeout time.Duration, outputCap int64) (json.RawMessage, error) {
	abs, err := SafePath(w.registryRoot, entrypoint)
	if err != nil {
		return nil, err
	}
	wasmBytes, err := os.ReadFile(abs)
	if err != nil {
		return nil, fault.New(fault.KindExecutionFailed, "load wasm module %s: %v", entrypoint, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	compiled, err := w.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fault.New(fault.KindExecutionFailed, "compile wasm module %s: %v", entrypoint, err)
	}
	defer func() { _ = compiled.Close(ctx) }()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("substrate-tool-" + filepath.Base(entrypoint)).
		WithStartFunctions("_start").
		WithStdin(bytes.NewReader(inputs)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fault.New(fault.KindTimeout, "wasm module exceeded %s wall clock", timeout)
		}
		return nil, fault.New(fault.KindExecutionFailed, "wasm module %s: %v (stderr: %s)",
			entrypoint, err, truncate(stderr.String(), 512))
	}
	defer func() { _ = mod.Close(ctx) }()

	out := stdout.Bytes()
	if int64(len(out)) > outputCap {
		return nil, fault.New(fault.KindExecutionFailed, "wasm output exceeds %d byte cap", outputCap)
	}
	if len(out) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(out) {
		return nil, fault.New(fault.KindExecutionFailed, "wasm output is not valid JSON")
	}
	return out, nil
}

// Close releases the runtime.
func (w *WasmRunner) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

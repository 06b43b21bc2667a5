// Package cryptovm is the boundary to the opaque crypto operations.
//
// Each operation is a WASM module run by wazero. A module imports the "env"
// host functions, reads a CryptoRequest flatbuffer with read_input, writes its
// result with write_output and may abort with fail. Modules are compiled once
// and instantiated per call, so calls run concurrently.
package cryptovm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"

	"DuchyMill/internal/computation"
	"DuchyMill/internal/logger"
)

var (
	// ErrModuleNotFound is returned when no module implements an operation.
	ErrModuleNotFound = fmt.Errorf("%w: crypto module not found", computation.ErrUnknownStage)

	// ErrGasExhausted is returned when execution runs out of gas.
	ErrGasExhausted = computation.Permanent(errors.New("gas exhausted"))
)

// Executor runs crypto operations.
//
// Execute must do its work on the calling goroutine. The mill charges a stage
// with the CPU time of the OS thread it locks for the call, so work handed to
// other goroutines is not measured.
type Executor interface {
	Execute(ctx context.Context, req Request) ([]byte, error)
}

// module is a compiled operation.
type module struct {
	compiled wazero.CompiledModule
	digest   [32]byte // digest is the blake3 hash of the module bytes
}

// Pool manages compiled WASM modules keyed by operation name.
type Pool struct {
	runtime  wazero.Runtime     // runtime is the wazero runtime instance
	gasLimit uint64             // gasLimit caps the gas of one call, 0 for unlimited
	modules  map[string]*module // modules maps operation name to compiled module
	mu       sync.RWMutex       // mu protects modules
}

// New creates a pool with an initialized wazero runtime and its "env" host module.
// Execution stops when the caller's context is done.
func New(ctx context.Context, gasLimit uint64) (*Pool, error) {
	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))

	p := &Pool{
		runtime:  runtime,
		gasLimit: gasLimit,
		modules:  make(map[string]*module),
	}

	if err := p.instantiateHost(ctx); err != nil {
		runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module:\n%w", err)
	}

	return p, nil
}

// Load compiles wasmBytes as the implementation of op.
// Loading the same bytes twice is a no-op; different bytes replace the module.
func (p *Pool) Load(ctx context.Context, op string, wasmBytes []byte) error {
	digest := blake3.Sum256(wasmBytes)

	p.mu.Lock()
	defer p.mu.Unlock()

	if m, exists := p.modules[op]; exists && m.digest == digest {
		return nil
	}

	compiled, err := p.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile module %s:\n%w", op, err)
	}

	if old, exists := p.modules[op]; exists {
		old.compiled.Close(ctx)
	}

	p.modules[op] = &module{compiled: compiled, digest: digest}

	logger.Debug("crypto module loaded", "op", op, "digest", fmt.Sprintf("%x", digest[:8]))

	return nil
}

// LoadDir loads every <operation>.wasm file in dir and returns the loaded operations.
func (p *Pool) LoadDir(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read module dir:\n%w", err)
	}

	var ops []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".wasm" {
			continue
		}

		wasmBytes, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read module %s:\n%w", e.Name(), err)
		}

		op := strings.TrimSuffix(e.Name(), ".wasm")
		if err := p.Load(ctx, op, wasmBytes); err != nil {
			return nil, err
		}

		ops = append(ops, op)
	}

	return ops, nil
}

// Has reports whether op has a loaded module.
func (p *Pool) Has(op string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.modules[op]
	return ok
}

// Execute runs the module of req.Operation and returns its output.
// Failures reported by the module, traps and gas exhaustion are permanent:
// the same inputs fail the same way. Context cancellation is not.
func (p *Pool) Execute(ctx context.Context, req Request) ([]byte, error) {
	p.mu.RLock()
	m, exists := p.modules[req.Operation]
	p.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, req.Operation)
	}

	execCtx := &execContext{
		input:    EncodeRequest(req),
		gasLimit: p.gasLimit,
	}

	return p.executeModule(withExecContext(ctx, execCtx), m.compiled, execCtx)
}

// executeModule instantiates and runs a compiled module.
func (p *Pool) executeModule(ctx context.Context, compiled wazero.CompiledModule, execCtx *execContext) ([]byte, error) {
	// Anonymous instances so concurrent calls do not collide on the module name.
	instance, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, p.classify(ctx, execCtx, fmt.Errorf("instantiate module:\n%w", err))
	}
	defer instance.Close(ctx)

	return p.callExecute(ctx, instance, execCtx)
}

// callExecute calls the execute function on the WASM instance.
func (p *Pool) callExecute(ctx context.Context, instance api.Module, execCtx *execContext) ([]byte, error) {
	executeFn := instance.ExportedFunction("execute")
	if executeFn == nil {
		return nil, computation.Permanentf("execute function not exported")
	}

	if _, err := executeFn.Call(ctx); err != nil {
		return nil, p.classify(ctx, execCtx, fmt.Errorf("execute:\n%w", err))
	}

	if execCtx.failed {
		return nil, computation.Permanentf("crypto operation failed (code %d): %s", execCtx.failCode, execCtx.failMessage)
	}

	return execCtx.output, nil
}

// classify maps an execution error to permanent or transient.
func (p *Pool) classify(ctx context.Context, execCtx *execContext, err error) error {
	if execCtx.gasExhausted {
		return ErrGasExhausted
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %v", ctxErr, err)
	}

	return computation.Permanent(err)
}

// Unload removes the module of op.
func (p *Pool) Unload(ctx context.Context, op string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if m, exists := p.modules[op]; exists {
		m.compiled.Close(ctx)
		delete(p.modules, op)
	}
}

// Close releases all resources held by the pool.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for op, m := range p.modules {
		m.compiled.Close(ctx)
		delete(p.modules, op)
	}

	return p.runtime.Close(ctx)
}

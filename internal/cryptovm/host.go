package cryptovm

import (
	"context"

	"github.com/tetratelabs/wazero/api"
)

// execContext holds the execution state for a single WASM invocation.
type execContext struct {
	input        []byte // input is the FlatBuffers-encoded CryptoRequest
	output       []byte // output is the bytes passed to write_output
	gasLimit     uint64 // gasLimit is the maximum gas allowed, 0 for unlimited
	gasUsed      uint64 // gasUsed tracks consumed gas
	gasExhausted bool   // gasExhausted is true if gas limit was exceeded
	failed       bool   // failed is true once the module called fail
	failCode     uint32
	failMessage  string
}

type execContextKey struct{}

// withExecContext attaches the invocation state to the call context.
// The host functions are shared by every instance and find their state there.
func withExecContext(ctx context.Context, execCtx *execContext) context.Context {
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

func execContextFrom(ctx context.Context) *execContext {
	execCtx, _ := ctx.Value(execContextKey{}).(*execContext)
	return execCtx
}

// instantiateHost creates the "env" module with host functions.
func (p *Pool) instantiateHost(ctx context.Context) error {
	_, err := p.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, cost uint32) {
			hostGas(execContextFrom(ctx), cost)
		}).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return hostInputLen(execContextFrom(ctx))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr uint32) {
			hostReadInput(execContextFrom(ctx), m.Memory(), ptr)
		}).
		Export("read_input").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, length uint32) {
			hostWriteOutput(execContextFrom(ctx), m.Memory(), ptr, length)
		}).
		Export("write_output").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, code, ptr, length uint32) {
			hostFail(execContextFrom(ctx), m.Memory(), code, ptr, length)
		}).
		Export("fail").
		Instantiate(ctx)

	return err
}

// hostGas handles gas metering.
// Panics if gas limit is exceeded to abort execution.
func hostGas(execCtx *execContext, cost uint32) {
	if execCtx == nil || execCtx.gasLimit == 0 {
		return
	}

	execCtx.gasUsed += uint64(cost)

	if execCtx.gasUsed > execCtx.gasLimit {
		execCtx.gasExhausted = true
		panic("gas exhausted")
	}
}

// hostInputLen returns the length of the input buffer.
func hostInputLen(execCtx *execContext) uint32 {
	if execCtx == nil {
		return 0
	}

	return uint32(len(execCtx.input))
}

// hostReadInput copies the input buffer into WASM memory at the given pointer.
func hostReadInput(execCtx *execContext, memory api.Memory, ptr uint32) {
	if execCtx == nil || memory == nil || len(execCtx.input) == 0 {
		return
	}

	memory.Write(ptr, execCtx.input)
}

// hostWriteOutput reads the output from WASM memory and stores it.
func hostWriteOutput(execCtx *execContext, memory api.Memory, ptr, length uint32) {
	if execCtx == nil || memory == nil {
		return
	}

	if length == 0 {
		execCtx.output = []byte{}
		return
	}

	data, ok := memory.Read(ptr, length)
	if !ok {
		return
	}

	execCtx.output = make([]byte, length)
	copy(execCtx.output, data)
}

// hostFail records a failure reported by the module.
func hostFail(execCtx *execContext, memory api.Memory, code, ptr, length uint32) {
	if execCtx == nil {
		return
	}

	execCtx.failed = true
	execCtx.failCode = code

	if memory == nil || length == 0 {
		return
	}

	if data, ok := memory.Read(ptr, length); ok {
		execCtx.failMessage = string(data)
	}
}

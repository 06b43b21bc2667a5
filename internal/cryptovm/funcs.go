package cryptovm

import (
	"context"
	"fmt"
)

// Func implements one crypto operation in Go.
type Func func(ctx context.Context, req Request) ([]byte, error)

// Funcs is an Executor backed by Go functions keyed by operation name.
// Used where no WASM modules are deployed, and in tests.
type Funcs map[string]Func

// Execute runs the function registered for req.Operation.
func (f Funcs) Execute(ctx context.Context, req Request) ([]byte, error) {
	fn, ok := f[req.Operation]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, req.Operation)
	}

	return fn(ctx, req)
}

// Chain tries each executor in order and runs the first one that knows the
// operation. An operation unknown to all of them is ErrModuleNotFound.
type Chain []Executor

// Execute implements Executor.
func (c Chain) Execute(ctx context.Context, req Request) ([]byte, error) {
	for _, e := range c {
		if known(e, req.Operation) {
			return e.Execute(ctx, req)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, req.Operation)
}

func known(e Executor, op string) bool {
	switch x := e.(type) {
	case *Pool:
		return x.Has(op)
	case Funcs:
		_, ok := x[op]
		return ok
	default:
		return true
	}
}

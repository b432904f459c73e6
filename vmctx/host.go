package vmctx

import (
	"context"

	"github.com/tetratelabs/wazerocore/api"
)

// DynamicFunc is a host function whose signature is only known as data. params match the declared params of the
// function, and the returned values must match its declared results, or the call fails with an
// *api.ValidationError.
//
// caller is the context of the calling guest function, nil when called directly by the embedder. Returning an
// error aborts the call with a User trap.
type DynamicFunc func(ctx context.Context, caller *ExecutionContext, params []api.Value) (HostResult, error)

// Pending is a deferred computation producing the results of a host function. It runs on an executor, and ctx is a
// context nested calls must use.
type Pending func(ctx context.Context) ([]api.Value, error)

// HostResult is either the immediate results of a DynamicFunc or a Pending computation.
type HostResult struct {
	Values  []api.Value
	Pending Pending
}

// Ready returns an immediate result.
func Ready(values ...api.Value) HostResult {
	return HostResult{Values: values}
}

// Defer returns a result computed later by p.
func Defer(p Pending) HostResult {
	return HostResult{Pending: p}
}

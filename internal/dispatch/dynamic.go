package dispatch

import (
	"context"
	"reflect"

	"github.com/pkg/errors"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/traps"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// DynamicOptions configure a dynamic host function.
type DynamicOptions struct {
	// MaySuspend allows the function to return a deferred result.
	MaySuspend bool
	// Executor runs deferred results. Defaults to GoExecutor.
	Executor Executor
}

// NewDynamic binds fn as a dynamic host function of type ft.
//
// The results fn returns are validated against ft: a mismatch fails the call with an *api.ValidationError instead
// of a trap, and the calling guest code doesn't resume.
func NewDynamic(name string, ft *api.FunctionType, fn vmctx.DynamicFunc, store *vmctx.Store, opts DynamicOptions) (*vmctx.CalleeRecord, error) {
	if fn == nil {
		return nil, errors.Errorf("%s is a nil function", name)
	}
	if ft == nil {
		return nil, errors.Errorf("%s has no function type", name)
	}
	id, err := store.Signatures.Register(ft)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	exec := opts.Executor
	if exec == nil {
		exec = GoExecutor{}
	}
	return &vmctx.CalleeRecord{
		Code:        reflect.ValueOf(fn).Pointer(),
		SignatureID: id,
		Kind:        vmctx.FunctionKindDynamic,
		Type:        ft,
		Trampoline:  dynamicTrampoline(exec),
		Body:        fn,
		Name:        name,
		MaySuspend:  opts.MaySuspend,
		Store:       store,
	}, nil
}

// dynamicTrampoline returns the trampoline of dynamic functions whose deferred results run on exec.
func dynamicTrampoline(exec Executor) vmctx.Trampoline {
	return func(ctx context.Context, vm *vmctx.ExecutionContext, callee *vmctx.CalleeRecord, slots []uint64) {
		params, err := decodeParams(callee.Store, callee.Name, callee.Type, slots)
		if err != nil {
			raiseValidation(ctx, err, callee.Name)
		}

		res, err := callee.Body.(vmctx.DynamicFunc)(ctx, vm, params)
		if err != nil {
			traps.RaiseUserTrap(ctx, err)
		}

		results := res.Values
		if res.Pending != nil {
			if !callee.MaySuspend {
				traps.RaiseValidation(ctx, &api.ValidationError{
					Phase:    api.PhaseHost,
					Kind:     api.KindNotSuspendable,
					Function: callee.Name,
					Detail:   "returned a deferred result, but was not declared as suspendable",
				})
			}
			if results, err = runPending(ctx, exec, callee.Name, res.Pending); err != nil {
				traps.RaiseUserTrap(ctx, err)
			}
		}

		if err = encodeResults(callee.Store, callee.Name, callee.Type, results, slots); err != nil {
			raiseValidation(ctx, err, callee.Name)
		}
	}
}

package wazerocore

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/dispatch"
	"github.com/tetratelabs/wazerocore/internal/logging"
	"github.com/tetratelabs/wazerocore/internal/metrics"
	"github.com/tetratelabs/wazerocore/internal/traps"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// errHostPanic is the outcome recorded for a call unwound by a resumed host panic.
var errHostPanic = errors.New("host panic")

// function implements api.Function. It is the only way embedders run code: every call is a protected call.
type function struct {
	r      *runtime
	record *vmctx.CalleeRecord
	// instance is nil for host functions.
	instance *Instance
}

// Name implements api.Function Name
func (f *function) Name() string {
	return f.record.Name
}

// Type implements api.Function Type
func (f *function) Type() *api.FunctionType {
	return f.record.Type
}

func (f *function) String() string {
	return f.record.String()
}

// Call implements api.Function Call
//
// Params are validated and encoded before any guest code runs. Reference params must be owned by the store of the
// runtime.
func (f *function) Call(ctx context.Context, params ...api.Value) ([]api.Value, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ft := f.record.Type
	stack := make([]uint64, ft.SlotCount())
	if err := dispatch.EncodeParams(f.r.store, f.record.Name, ft, params, stack); err != nil {
		return nil, err
	}

	if ce := f.r.logger.Check(zap.DebugLevel, "call"); ce != nil {
		ce.Write(zap.String("function", f.record.Name), logging.Signature(ft), logging.Values("params", params))
	}
	if err := f.call(ctx, stack); err != nil {
		return nil, err
	}
	return dispatch.DecodeResults(f.r.store, f.record.Name, ft, stack)
}

// CallWithStack implements api.Function CallWithStack
func (f *function) CallWithStack(ctx context.Context, stack []uint64) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if n := f.record.Type.SlotCount(); len(stack) < n {
		return &api.ValidationError{
			Phase:    api.PhaseCall,
			Kind:     api.KindArityMismatch,
			Function: f.record.Name,
			Detail:   fmt.Sprintf("stack has %d slots, but needs %d", len(stack), n),
		}
	}
	return f.call(ctx, stack)
}

// call runs the function with raw slots in a protected call nested in the call of ctx, if any.
func (f *function) call(ctx context.Context, stack []uint64) (err error) {
	opts := &traps.Options{MaxDepth: f.r.config.maxCallDepth}
	if i := f.instance; i != nil {
		if err = i.enter(f.record.Name); err != nil {
			return
		}
		defer i.exit()
		opts.Handler = i.vm.TrapHandler()

		if f.r.config.closeOnContextDone && ctx.Done() != nil {
			stop := context.AfterFunc(ctx, func() {
				i.Interrupt(context.Cause(ctx))
			})
			defer stop()
		}
	}

	if f.r.config.metrics {
		start := metrics.CallStarted()
		returned := false
		defer func() {
			outcome := err
			if !returned {
				outcome = errHostPanic
			}
			metrics.CallFinished(start, outcome)
		}()
		err = f.protectedCall(ctx, opts, stack)
		returned = true
		return
	}
	return f.protectedCall(ctx, opts, stack)
}

func (f *function) protectedCall(ctx context.Context, opts *traps.Options, stack []uint64) error {
	err := traps.CatchTraps(ctx, opts, func(ctx context.Context) {
		f.record.Invoke(ctx, nil, stack)
	})
	if err != nil {
		f.r.logger.Debug("call failed", zap.String("function", f.record.Name), zap.Error(err))
	}
	return err
}

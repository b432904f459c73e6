package traps

import (
	"context"
	"errors"
	"runtime"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/logging"
	"github.com/tetratelabs/wazerocore/internal/metrics"
)

// CatchTraps runs fn as a protected call nested in the call of ctx, if any, and returns nil when fn returns.
//
// When fn is aborted by a trap, fn's frames are skipped without running their deferred calls past the trap point
// and the trap is returned as a *api.Trap, or as the *api.ValidationError raised with RaiseValidation. A panic raised
// by host code, or a fault that is forwarded, is re-raised on this goroutine once the call state is popped.
//
// fn must use the context it is passed for nested calls and for raising traps.
func CatchTraps(ctx context.Context, opts *Options, fn func(context.Context)) (err error) {
	Init(nil)
	if ctx == nil {
		ctx = context.Background()
	}
	s, ctx := push(ctx, opts)
	defer func() {
		r := recover()
		debug.SetPanicOnFault(s.prevPanicOnFault)
		err = s.finish(r)
	}()
	s.prevPanicOnFault = debug.SetPanicOnFault(true)
	fn(ctx)
	return nil
}

// finish pops the state and converts the recovered value r into the result of the protected call.
func (s *CallThreadState) finish(r interface{}) error {
	defer s.pop()
	if r == nil {
		return nil
	}

	reason := s.unwindReason(r)
	switch reason.Kind {
	case UnwindHostPanic:
		if reason.forward {
			metrics.ForwardedFault()
		} else {
			metrics.HostPanic()
		}
		panic(reason.Payload)
	case UnwindUserTrap:
		if reason.validation {
			return reason.Err
		}
	}
	if bt := reason.Trap.Backtrace; bt != nil {
		reason.Trap.Backtrace = withShadowFrames(bt, s.shadowFrames())
	}
	metrics.Trap(reason.Trap)
	logging.Logger().Debug("trap",
		zap.Stringer("kind", reason.Kind),
		zap.Stringer("code", reason.Trap.Code),
		zap.Uintptr("pc", reason.Trap.PC))
	return reason.Trap
}

// unwindReason classifies a recovered value.
func (s *CallThreadState) unwindReason(r interface{}) *UnwindReason {
	switch v := r.(type) {
	case *jmpBuf:
		if v != s.jmp {
			// Armed by an enclosing call: keep unwinding to it.
			return forward(v)
		}
		reason := s.unwind
		s.unwind = nil
		if reason == nil {
			return &UnwindReason{Kind: UnwindHostPanic, Payload: errors.New("BUG: jump without unwind reason")}
		}
		return reason
	case *UnwindReason:
		return v
	case *DoubleFault:
		return forward(v)
	case runtime.Error:
		return s.handleFault(v)
	}
	return &UnwindReason{Kind: UnwindHostPanic, Payload: r}
}

func forward(payload interface{}) *UnwindReason {
	return &UnwindReason{Kind: UnwindHostPanic, Payload: payload, forward: true}
}

// handleFault converts a runtime error raised by guest code into a Wasm trap. Errors raised outside guest code,
// consumed by the trap handler or that can't be classified are forwarded.
func (s *CallThreadState) handleFault(e runtime.Error) *UnwindReason {
	bt := captureBacktrace(1)
	pc := faultingPC(bt.PCs())
	if pc == 0 || !IsGuestPC(pc) {
		return &UnwindReason{Kind: UnwindHostPanic, Payload: e}
	}

	f := &api.Fault{PC: pc, Err: e}
	if a, ok := e.(interface{ Addr() uintptr }); ok {
		f.Addr = a.Addr()
	}
	if s.handler != nil {
		consumed, double := s.callHandler(f)
		if double != nil {
			logging.Logger().Error("trap handler failed", zap.Uintptr("pc", pc), zap.Error(double))
			return forward(double)
		}
		if consumed {
			logging.Logger().Warn("fault consumed by trap handler", zap.Uintptr("pc", pc), zap.Error(e))
			return forward(e)
		}
	}

	code, ok := classifyFault(f)
	if !ok {
		logging.Logger().Warn("unclassified fault in guest code", zap.Uintptr("pc", pc), zap.Error(e))
		return forward(e)
	}
	return &UnwindReason{
		Kind: UnwindWasmTrap,
		Trap: &api.Trap{Kind: api.TrapKindWasm, Code: code, PC: pc, Err: e, Backtrace: bt},
	}
}

// callHandler runs the trap handler. A panic raised by the handler is a double fault.
func (s *CallThreadState) callHandler(f *api.Fault) (consumed bool, double *DoubleFault) {
	defer func() {
		if r := recover(); r != nil {
			double = &DoubleFault{Fault: f, Payload: r}
		}
	}()
	return s.handler(f), nil
}

// classifyFault returns the trap code of a fault raised by guest code.
func classifyFault(f *api.Fault) (api.TrapCode, bool) {
	if f.Addr != 0 && InHeap(f.Addr) {
		return api.TrapCodeHeapAccessOutOfBounds, true
	}
	msg := f.Err.Error()
	switch {
	case strings.Contains(msg, "integer divide by zero"):
		return api.TrapCodeIntegerDivisionByZero, true
	case strings.Contains(msg, "index out of range"), strings.Contains(msg, "slice bounds out of range"):
		return api.TrapCodeHeapAccessOutOfBounds, true
	}
	return 0, false
}

package traps

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazerocore/api"
)

// UnwindKind classifies an UnwindReason.
type UnwindKind uint8

const (
	// UnwindHostPanic resumes a panic raised by host code once the protected call exited.
	UnwindHostPanic UnwindKind = iota
	// UnwindUserTrap is an error raised on purpose by a host function.
	UnwindUserTrap
	// UnwindLibTrap is an explicit trap raised by a runtime check or a builtin.
	UnwindLibTrap
	// UnwindWasmTrap is a fault raised by guest code.
	UnwindWasmTrap
)

func (k UnwindKind) String() string {
	switch k {
	case UnwindHostPanic:
		return "host_panic"
	case UnwindUserTrap:
		return "user_trap"
	case UnwindLibTrap:
		return "lib_trap"
	case UnwindWasmTrap:
		return "wasm_trap"
	}
	return fmt.Sprintf("UnwindKind(%d)", k)
}

// UnwindReason is why a protected call exited without returning.
type UnwindReason struct {
	Kind UnwindKind
	// Payload is the recovered value of a HostPanic.
	Payload interface{}
	// Err is the error of a UserTrap.
	Err error
	// Trap is the trap delivered for every kind but HostPanic.
	Trap *api.Trap

	// forward marks a panic that is re-raised as is, without being counted as a host panic.
	forward bool
	// validation marks a UserTrap raised with RaiseValidation, whose Err is returned without a trap.
	validation bool
}

// DoubleFault is raised when a fault happens while another fault is being handled. It is never converted into a
// trap: every protected call forwards it.
type DoubleFault struct {
	Fault   *api.Fault
	Payload interface{}
}

func (d *DoubleFault) Error() string {
	return fmt.Sprintf("fault while handling a fault at pc %#x: %v", d.Fault.PC, d.Payload)
}

// RaiseUserTrap aborts the protected call of ctx with a User trap caused by err.
func RaiseUserTrap(ctx context.Context, err error) {
	raise(ctx, &UnwindReason{
		Kind: UnwindUserTrap,
		Err:  err,
		Trap: &api.Trap{Kind: api.TrapKindUser, Err: err, Backtrace: captureBacktrace(1)},
	})
}

// RaiseValidation aborts the protected call of ctx with err, which is returned by CatchTraps as is.
func RaiseValidation(ctx context.Context, err *api.ValidationError) {
	raise(ctx, &UnwindReason{
		Kind:       UnwindUserTrap,
		Err:        err,
		Trap:       &api.Trap{Kind: api.TrapKindUser, Err: err},
		validation: true,
	})
}

// RaiseLibTrap aborts the protected call of ctx with a Lib trap.
func RaiseLibTrap(ctx context.Context, code api.TrapCode) {
	raise(ctx, libTrap(code, nil))
}

// RaiseLibTrapCause aborts the protected call of ctx with a Lib trap caused by err, ex. an interrupt.
func RaiseLibTrapCause(ctx context.Context, code api.TrapCode, err error) {
	raise(ctx, libTrap(code, err))
}

// Raise aborts the innermost protected call of the calling goroutine with a Lib trap. It is used by
// builtins which are called without a context.
func Raise(code api.TrapCode) {
	panic(libTrap(code, nil))
}

// RaiseWasmTrap aborts the innermost protected call of the calling goroutine with a Wasm trap raised by the caller
// of RaiseWasmTrap, as an explicit check equivalent of a fault.
func RaiseWasmTrap(code api.TrapCode) {
	bt := captureBacktrace(1)
	var pc uintptr
	if pcs := bt.PCs(); len(pcs) > 0 {
		pc = pcs[0]
	}
	panic(&UnwindReason{
		Kind: UnwindWasmTrap,
		Trap: &api.Trap{Kind: api.TrapKindWasm, Code: code, PC: pc, Backtrace: bt},
	})
}

// RaiseOutOfMemory aborts the innermost protected call of the calling goroutine with an OutOfMemory trap caused by
// err, raised when the runtime couldn't allocate on behalf of guest code.
func RaiseOutOfMemory(err error) {
	panic(&UnwindReason{
		Kind: UnwindLibTrap,
		Trap: &api.Trap{Kind: api.TrapKindOutOfMemory, Err: err, Backtrace: captureBacktrace(1)},
	})
}

func libTrap(code api.TrapCode, err error) *UnwindReason {
	return &UnwindReason{
		Kind: UnwindLibTrap,
		Trap: &api.Trap{Kind: api.TrapKindLib, Code: code, Err: err, Backtrace: captureBacktrace(2)},
	}
}

// raise stores r in the unwind slot of the state of ctx and jumps to it. If that state is not the top of its chain,
// ctx is stale and r is raised directly, to be recovered by the innermost protected call of this goroutine.
func raise(ctx context.Context, r *UnwindReason) {
	if s := State(ctx); s != nil && s.thread.top.Load() == s {
		s.unwind = r
		panic(s.jmp)
	}
	panic(r)
}

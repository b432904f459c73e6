package api

import (
	"fmt"
	"strings"
	"sync"
)

// TrapKind classifies how a Trap was raised.
type TrapKind uint8

const (
	// TrapKindUser is an error returned on purpose by a host function to abort guest execution.
	TrapKindUser TrapKind = iota
	// TrapKindWasm is a fault raised by guest code itself and intercepted at the call boundary.
	TrapKindWasm
	// TrapKindLib is an explicit trap raised by a runtime check or a builtin.
	TrapKindLib
	// TrapKindOutOfMemory is raised when the runtime could not allocate on behalf of guest code.
	TrapKindOutOfMemory
)

func (k TrapKind) String() string {
	switch k {
	case TrapKindUser:
		return "user"
	case TrapKindWasm:
		return "wasm"
	case TrapKindLib:
		return "lib"
	case TrapKindOutOfMemory:
		return "out_of_memory"
	}
	return fmt.Sprintf("TrapKind(%d)", k)
}

// TrapCode identifies the cause of a Wasm or Lib trap.
type TrapCode uint8

const (
	// TrapCodeNone is the code of User and OutOfMemory traps.
	TrapCodeNone TrapCode = iota
	// TrapCodeStackOverflow the call stack exceeded the configured depth.
	TrapCodeStackOverflow
	// TrapCodeHeapAccessOutOfBounds out-of-bounds linear memory access.
	TrapCodeHeapAccessOutOfBounds
	// TrapCodeHeapMisaligned a misaligned atomic access.
	TrapCodeHeapMisaligned
	// TrapCodeTableOutOfBounds out-of-bounds access to a table.
	TrapCodeTableOutOfBounds
	// TrapCodeIndirectCallToNull indirect call to a null table entry.
	TrapCodeIndirectCallToNull
	// TrapCodeBadSignature signature mismatch on indirect call.
	TrapCodeBadSignature
	// TrapCodeIntegerOverflow an integer arithmetic operation caused an overflow.
	TrapCodeIntegerOverflow
	// TrapCodeIntegerDivisionByZero integer division by zero.
	TrapCodeIntegerDivisionByZero
	// TrapCodeBadConversionToInteger failed float-to-int conversion.
	TrapCodeBadConversionToInteger
	// TrapCodeUnreachableCodeReached code that was supposed to have been unreachable was reached.
	TrapCodeUnreachableCodeReached
	// TrapCodeInterrupt execution has been interrupted.
	TrapCodeInterrupt
)

var trapCodeMessages = [...]string{
	TrapCodeNone:                   "",
	TrapCodeStackOverflow:          "stack overflow",
	TrapCodeHeapAccessOutOfBounds:  "out of bounds memory access",
	TrapCodeHeapMisaligned:         "unaligned atomic",
	TrapCodeTableOutOfBounds:       "invalid table access",
	TrapCodeIndirectCallToNull:     "indirect call to null",
	TrapCodeBadSignature:           "indirect call type mismatch",
	TrapCodeIntegerOverflow:        "integer overflow",
	TrapCodeIntegerDivisionByZero:  "integer divide by zero",
	TrapCodeBadConversionToInteger: "invalid conversion to integer",
	TrapCodeUnreachableCodeReached: "unreachable",
	TrapCodeInterrupt:              "interrupted",
}

// String returns the message of the trap code, matching the wording of other WebAssembly runtimes.
func (c TrapCode) String() string {
	if int(c) < len(trapCodeMessages) {
		return trapCodeMessages[c]
	}
	return fmt.Sprintf("TrapCode(%d)", c)
}

// Frame is a resolved guest frame of a Backtrace.
type Frame struct {
	// Function is the name the function was registered with.
	Function string
	// Symbol is the Go symbol the frame resolved to.
	Symbol string
	// PC is the program counter of the frame.
	PC uintptr
	File string
	Line int
}

func (f Frame) String() string {
	if f.File == "" {
		return f.Function
	}
	return fmt.Sprintf("%s\n\t\t%s:%d", f.Function, f.File, f.Line)
}

// Backtrace is an unresolved capture of program counters. Frames are resolved on first use.
type Backtrace struct {
	pcs     []uintptr
	resolve func([]uintptr) []Frame

	once   sync.Once
	frames []Frame
}

// NewBacktrace returns a backtrace over the captured program counters, resolved with resolve on first use.
func NewBacktrace(pcs []uintptr, resolve func([]uintptr) []Frame) *Backtrace {
	return &Backtrace{pcs: pcs, resolve: resolve}
}

// PCs returns the captured program counters, innermost first.
func (b *Backtrace) PCs() []uintptr {
	if b == nil {
		return nil
	}
	return b.pcs
}

// Frames returns the guest frames of the backtrace, innermost first.
func (b *Backtrace) Frames() []Frame {
	if b == nil {
		return nil
	}
	b.once.Do(func() {
		if b.resolve != nil {
			b.frames = b.resolve(b.pcs)
		}
	})
	return b.frames
}

// Trap is a recoverable abort of guest execution with a typed cause.
//
// Trap is returned by Function.Call. Use errors.As to inspect it:
//
//	var trap *api.Trap
//	if errors.As(err, &trap) && trap.Code == api.TrapCodeIntegerDivisionByZero {
//		...
//	}
type Trap struct {
	Kind TrapKind
	// Code is the cause of Wasm and Lib traps.
	Code TrapCode
	// PC is the faulting program counter of a Wasm trap.
	PC uintptr
	// Err is the error returned by a host function for a User trap, or the underlying cause of an
	// interrupt or fault.
	Err error

	Backtrace *Backtrace
}

// Error implements error.
func (t *Trap) Error() string {
	var msg string
	switch t.Kind {
	case TrapKindUser:
		msg = "wasm error: " + errString(t.Err)
	case TrapKindOutOfMemory:
		msg = "wasm error: out of memory"
	default:
		msg = "wasm error: " + t.Code.String()
	}
	frames := t.Backtrace.Frames()
	if len(frames) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	b.WriteString("\nwasm stack trace:")
	for _, f := range frames {
		b.WriteString("\n\t")
		b.WriteString(f.String())
	}
	return b.String()
}

// Unwrap returns the user error or the underlying cause, if any.
func (t *Trap) Unwrap() error {
	return t.Err
}

// Is matches another *Trap with the same kind and code, so that sentinel traps can be compared with errors.Is.
func (t *Trap) Is(target error) bool {
	o, ok := target.(*Trap)
	if !ok {
		return false
	}
	return o.Kind == t.Kind && o.Code == t.Code && o.Err == nil
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// Fault describes a Go runtime fault raised while guest code was running, as passed to a TrapHandler.
type Fault struct {
	// PC is the program counter of the faulting guest frame.
	PC uintptr
	// Addr is the faulting address of a memory fault, or zero.
	Addr uintptr
	// Err is the runtime error that was raised.
	Err error
}

// TrapHandler intercepts faults raised by guest code of one instance before they are converted into a Trap.
//
// Returning true consumes the fault: it is not converted and is forwarded to the embedder as a panic, as the
// default behavior of an unhandled fault. Returning false lets the runtime convert it into a Trap.
type TrapHandler func(*Fault) bool

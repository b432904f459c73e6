package vmctx

import (
	"context"
	"fmt"
	"math"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/traps"
)

// FunctionKind is the calling convention of a CalleeRecord.
type FunctionKind uint8

const (
	// FunctionKindStatic is a Go function with a fixed signature: a compiled guest function, or a host function
	// whose signature is known when it is bound.
	FunctionKindStatic FunctionKind = iota
	// FunctionKindDynamic is a DynamicFunc whose signature is only known as an api.FunctionType.
	FunctionKindDynamic
)

func (k FunctionKind) String() string {
	switch k {
	case FunctionKindStatic:
		return "static"
	case FunctionKindDynamic:
		return "dynamic"
	}
	return fmt.Sprintf("FunctionKind(%d)", k)
}

// SignatureID is a stable identifier of a structural function type, assigned by a SignatureRegistry.
type SignatureID uint32

// UninitializedSignatureID never matches a registered signature.
const UninitializedSignatureID SignatureID = math.MaxUint32

// SignatureRegistry maps structural function types to stable signature ids.
type SignatureRegistry interface {
	// Register returns the id of ft, assigning one if ft was never seen.
	Register(ft *api.FunctionType) (SignatureID, error)
	// Lookup returns the function type of a registered id.
	Lookup(id SignatureID) (*api.FunctionType, bool)
}

// Trampoline calls the body of callee with the params read from slots, and writes its results back to slots. slots
// must have room for callee.Type.SlotCount() values.
//
// vm is the context of callee when it is a guest function, or the context of the calling guest function, if any,
// when it is a host function.
type Trampoline func(ctx context.Context, vm *ExecutionContext, callee *CalleeRecord, slots []uint64)

// Builtin is a runtime function installed in the builtin table of an ExecutionContext. It uses the raw slot
// convention and raises traps without a context.
type Builtin func(vm *ExecutionContext, slots []uint64)

// CalleeRecord is the runtime representation of a callable function: what tables store and what indirect calls and
// function references go through. Records are immutable once bound.
type CalleeRecord struct {
	// Code is the entry program counter of Body.
	Code uintptr
	// SignatureID is compared with the expected signature on indirect calls.
	SignatureID SignatureID
	// Env is the execution context of a guest function, nil for host functions.
	Env *ExecutionContext

	Kind FunctionKind
	Type *api.FunctionType
	// Trampoline is shared by every function of the same native signature shape.
	Trampoline Trampoline
	// Body is the Go function called by Trampoline.
	Body interface{}
	Name string
	// MaySuspend is set on host functions which may return a deferred result.
	MaySuspend bool
	// Guest is set on compiled guest functions.
	Guest bool
	Store *Store
}

// Invoke calls the function with raw slots, accounting for its frame in the call depth of ctx.
func (r *CalleeRecord) Invoke(ctx context.Context, caller *ExecutionContext, slots []uint64) {
	vm := r.Env
	if vm == nil {
		vm = caller
	}
	if vm != nil {
		vm.CheckInterrupt(ctx)
	}
	traps.Enter(ctx, r.Code, r.Name)
	r.Trampoline(ctx, vm, r, slots)
	traps.Leave(ctx)
}

// Bind returns a copy of a guest function record running against vm.
func (r *CalleeRecord) Bind(vm *ExecutionContext) *CalleeRecord {
	ret := *r
	ret.Env = vm
	return &ret
}

func (r *CalleeRecord) String() string {
	return fmt.Sprintf("%s(%s)", r.Name, r.Type.String())
}

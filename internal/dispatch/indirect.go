package dispatch

import (
	"context"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/traps"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// CallIndirect calls the function at index of table after checking it has the expected signature.
//
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#xref-syntax-instructions-syntax-instr-control-mathsf-call-indirect-x
func CallIndirect(ctx context.Context, caller *vmctx.ExecutionContext, table *vmctx.Table, index uint32, expected vmctx.SignatureID, slots []uint64) {
	r, inBounds := table.Funcref(index)
	if !inBounds {
		traps.RaiseLibTrap(ctx, api.TrapCodeTableOutOfBounds)
	}
	CallRef(ctx, caller, r, expected, slots)
}

// CallRef calls a function reference after checking it has the expected signature. Signature ids are only
// comparable within one store, so a function of another store never matches.
func CallRef(ctx context.Context, caller *vmctx.ExecutionContext, r *vmctx.CalleeRecord, expected vmctx.SignatureID, slots []uint64) {
	if r == nil {
		traps.RaiseLibTrap(ctx, api.TrapCodeIndirectCallToNull)
	}
	if r.SignatureID != expected || (caller != nil && caller.Store() != r.Store) {
		traps.RaiseLibTrap(ctx, api.TrapCodeBadSignature)
	}
	r.Invoke(ctx, caller, slots)
}

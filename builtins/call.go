package builtins

import (
	"context"

	"github.com/tetratelabs/wazerocore/internal/dispatch"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// CallDirect calls defined function index of vm with raw slots.
func CallDirect(ctx context.Context, vm *vmctx.ExecutionContext, index uint32, slots []uint64) {
	vm.Function(index).Invoke(ctx, vm, slots)
}

// CallImport calls imported function index of vm with raw slots. A host function receives vm as its caller.
func CallImport(ctx context.Context, vm *vmctx.ExecutionContext, index uint32, slots []uint64) {
	vm.ImportedFunction(index).Invoke(ctx, vm, slots)
}

// CallIndirect implements call_indirect: it calls the function at elem of table after checking its signature is
// expected.
func CallIndirect(ctx context.Context, vm *vmctx.ExecutionContext, table uint32, expected vmctx.SignatureID, elem uint32, slots []uint64) {
	dispatch.CallIndirect(ctx, vm, vm.Table(table), elem, expected, slots)
}

// CallRef implements call_ref on a function reference handle. A handle unknown to the store of vm is null.
func CallRef(ctx context.Context, vm *vmctx.ExecutionContext, ref uint64, expected vmctx.SignatureID, slots []uint64) {
	r, _ := vm.Store().Funcref(ref)
	dispatch.CallRef(ctx, vm, r, expected, slots)
}

// RefFunc implements ref.func, returning the reference handle of defined function index of vm.
func RefFunc(vm *vmctx.ExecutionContext, index uint32) uint64 {
	h, err := vm.Store().FuncrefHandle(vm.Function(index))
	if err != nil {
		panic(err)
	}
	return h
}

// CheckInterrupt raises an Interrupt trap if vm was interrupted. Compiled code calls it on loop back-edges and
// function entries.
func CheckInterrupt(ctx context.Context, vm *vmctx.ExecutionContext) {
	vm.CheckInterrupt(ctx)
}

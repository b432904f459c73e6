// Package builtins holds the runtime functions compiled guest code calls: the builtin table of an
// ExecutionContext, memory accessors, checked arithmetic and the call instructions.
//
// Builtins of the table use the raw slot convention and raise traps without a context: the trap unwinds to the
// innermost protected call of the calling goroutine.
package builtins

import (
	"github.com/pkg/errors"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/traps"
	"github.com/tetratelabs/wazerocore/vmctx"
)

// Indexes of the builtin table.
const (
	// IndexMemoryGrow slots: memory, delta pages -> previous pages or -1.
	IndexMemoryGrow uint32 = iota
	// IndexMemorySize slots: memory -> pages.
	IndexMemorySize
	// IndexMemoryCopy slots: memory, destination, source, length.
	IndexMemoryCopy
	// IndexMemoryFill slots: memory, destination, byte, length.
	IndexMemoryFill
	// IndexTableGrow slots: table, delta, initial reference -> previous size or -1.
	IndexTableGrow
	// IndexTableSize slots: table -> size.
	IndexTableSize
	// IndexTableCopy slots: destination table, source table, destination, source, length.
	IndexTableCopy
	// IndexTableFill slots: table, offset, reference, length.
	IndexTableFill
	// IndexTableGet slots: table, index -> reference.
	IndexTableGet
	// IndexTableSet slots: table, index, reference.
	IndexTableSet

	// Count is the number of builtins. An ExecutionContext must be shaped with at least Count builtins.
	Count
)

// table is indexed by the Index constants.
var table = [Count]vmctx.Builtin{
	IndexMemoryGrow: memoryGrow,
	IndexMemorySize: memorySize,
	IndexMemoryCopy: memoryCopy,
	IndexMemoryFill: memoryFill,
	IndexTableGrow:  tableGrow,
	IndexTableSize:  tableSize,
	IndexTableCopy:  tableCopy,
	IndexTableFill:  tableFill,
	IndexTableGet:   tableGet,
	IndexTableSet:   tableSet,
}

// Install fills the builtin table of vm.
func Install(vm *vmctx.ExecutionContext) error {
	if n := vm.Offsets().Builtins; n < Count {
		return errors.Errorf("%s: execution context has %d builtins, but needs %d", vm.Name(), n, Count)
	}
	for i, b := range table {
		vm.SetBuiltin(uint32(i), b)
	}
	return nil
}

func memoryGrow(vm *vmctx.ExecutionContext, slots []uint64) {
	prev, ok, err := vm.Memory(uint32(slots[0])).GrowChecked(uint32(slots[1]))
	if err != nil {
		traps.RaiseOutOfMemory(err)
	}
	if !ok {
		slots[0] = api.EncodeI32(-1)
		return
	}
	slots[0] = uint64(prev)
}

func memorySize(vm *vmctx.ExecutionContext, slots []uint64) {
	slots[0] = uint64(vm.Memory(uint32(slots[0])).Pages())
}

func memoryCopy(vm *vmctx.ExecutionContext, slots []uint64) {
	m := vm.Memory(uint32(slots[0]))
	dst, src, n := uint64(uint32(slots[1])), uint64(uint32(slots[2])), uint64(uint32(slots[3]))
	buf := m.Bytes()
	if dst+n > uint64(len(buf)) || src+n > uint64(len(buf)) {
		traps.RaiseWasmTrap(api.TrapCodeHeapAccessOutOfBounds)
	}
	copy(buf[dst:dst+n], buf[src:src+n])
}

func memoryFill(vm *vmctx.ExecutionContext, slots []uint64) {
	m := vm.Memory(uint32(slots[0]))
	dst, v, n := uint64(uint32(slots[1])), byte(slots[2]), uint64(uint32(slots[3]))
	buf := m.Bytes()
	if dst+n > uint64(len(buf)) {
		traps.RaiseWasmTrap(api.TrapCodeHeapAccessOutOfBounds)
	}
	fill := buf[dst : dst+n]
	for i := range fill {
		fill[i] = v
	}
}

// refFromHandle resolves a reference handle for a table of type typ.
func refFromHandle(vm *vmctx.ExecutionContext, typ api.ValueType, h uint64) vmctx.Reference {
	if h == 0 {
		return nil
	}
	if typ == api.ValueTypeFuncref {
		r, ok := vm.Store().Funcref(h)
		if !ok {
			traps.Raise(api.TrapCodeTableOutOfBounds)
		}
		return r
	}
	v, ok := vm.Store().Externref(h)
	if !ok {
		traps.Raise(api.TrapCodeTableOutOfBounds)
	}
	return v
}

// handleFromRef returns the handle of a table element.
func handleFromRef(vm *vmctx.ExecutionContext, typ api.ValueType, ref vmctx.Reference) uint64 {
	if ref == nil {
		return 0
	}
	if typ == api.ValueTypeFuncref {
		h, err := vm.Store().FuncrefHandle(ref.(*vmctx.CalleeRecord))
		if err != nil {
			traps.Raise(api.TrapCodeBadSignature)
		}
		return h
	}
	return vm.Store().ExternrefHandle(ref)
}

func tableGrow(vm *vmctx.ExecutionContext, slots []uint64) {
	t := vm.Table(uint32(slots[0]))
	prev, ok := t.Grow(uint32(slots[1]), refFromHandle(vm, t.Type(), slots[2]))
	if !ok {
		slots[0] = api.EncodeI32(-1)
		return
	}
	slots[0] = uint64(prev)
}

func tableSize(vm *vmctx.ExecutionContext, slots []uint64) {
	slots[0] = uint64(vm.Table(uint32(slots[0])).Size())
}

func tableCopy(vm *vmctx.ExecutionContext, slots []uint64) {
	dst, src := vm.Table(uint32(slots[0])), vm.Table(uint32(slots[1]))
	if !vmctx.CopyTable(dst, uint32(slots[2]), src, uint32(slots[3]), uint32(slots[4])) {
		traps.Raise(api.TrapCodeTableOutOfBounds)
	}
}

func tableFill(vm *vmctx.ExecutionContext, slots []uint64) {
	t := vm.Table(uint32(slots[0]))
	if !t.Fill(uint32(slots[1]), refFromHandle(vm, t.Type(), slots[2]), uint32(slots[3])) {
		traps.Raise(api.TrapCodeTableOutOfBounds)
	}
}

func tableGet(vm *vmctx.ExecutionContext, slots []uint64) {
	t := vm.Table(uint32(slots[0]))
	ref, ok := t.Get(uint32(slots[1]))
	if !ok {
		traps.Raise(api.TrapCodeTableOutOfBounds)
	}
	slots[0] = handleFromRef(vm, t.Type(), ref)
}

func tableSet(vm *vmctx.ExecutionContext, slots []uint64) {
	t := vm.Table(uint32(slots[0]))
	if !t.Set(uint32(slots[1]), refFromHandle(vm, t.Type(), slots[2])) {
		traps.Raise(api.TrapCodeTableOutOfBounds)
	}
}

// MemoryGrow grows memory by delta pages through the builtin table, returning the previous size in pages or -1.
func MemoryGrow(vm *vmctx.ExecutionContext, memory, delta uint32) int32 {
	slots := [2]uint64{uint64(memory), uint64(delta)}
	vm.Builtin(IndexMemoryGrow)(vm, slots[:])
	return int32(slots[0])
}

// MemorySize returns the size of memory in pages through the builtin table.
func MemorySize(vm *vmctx.ExecutionContext, memory uint32) uint32 {
	slots := [1]uint64{uint64(memory)}
	vm.Builtin(IndexMemorySize)(vm, slots[:])
	return uint32(slots[0])
}

// MemoryCopy copies n bytes of memory from src to dst through the builtin table.
func MemoryCopy(vm *vmctx.ExecutionContext, memory, dst, src, n uint32) {
	slots := [4]uint64{uint64(memory), uint64(dst), uint64(src), uint64(n)}
	vm.Builtin(IndexMemoryCopy)(vm, slots[:])
}

// MemoryFill sets n bytes of memory at dst to v through the builtin table.
func MemoryFill(vm *vmctx.ExecutionContext, memory, dst uint32, v byte, n uint32) {
	slots := [4]uint64{uint64(memory), uint64(dst), uint64(v), uint64(n)}
	vm.Builtin(IndexMemoryFill)(vm, slots[:])
}

// TableGrow grows table by delta elements set to the reference handle init, returning the previous size or -1.
func TableGrow(vm *vmctx.ExecutionContext, table, delta uint32, init uint64) int32 {
	slots := [3]uint64{uint64(table), uint64(delta), init}
	vm.Builtin(IndexTableGrow)(vm, slots[:])
	return int32(slots[0])
}

// TableSize returns the size of table through the builtin table.
func TableSize(vm *vmctx.ExecutionContext, table uint32) uint32 {
	slots := [1]uint64{uint64(table)}
	vm.Builtin(IndexTableSize)(vm, slots[:])
	return uint32(slots[0])
}

// TableCopy copies n elements from src at srcOffset to dst at dstOffset through the builtin table.
func TableCopy(vm *vmctx.ExecutionContext, dst, src, dstOffset, srcOffset, n uint32) {
	slots := [5]uint64{uint64(dst), uint64(src), uint64(dstOffset), uint64(srcOffset), uint64(n)}
	vm.Builtin(IndexTableCopy)(vm, slots[:])
}

// TableFill sets n elements of table at offset to the reference handle ref through the builtin table.
func TableFill(vm *vmctx.ExecutionContext, table, offset uint32, ref uint64, n uint32) {
	slots := [4]uint64{uint64(table), uint64(offset), ref, uint64(n)}
	vm.Builtin(IndexTableFill)(vm, slots[:])
}

// TableGet returns the reference handle at index of table through the builtin table.
func TableGet(vm *vmctx.ExecutionContext, table, index uint32) uint64 {
	slots := [2]uint64{uint64(table), uint64(index)}
	vm.Builtin(IndexTableGet)(vm, slots[:])
	return slots[0]
}

// TableSet sets the reference handle at index of table through the builtin table.
func TableSet(vm *vmctx.ExecutionContext, table, index uint32, ref uint64) {
	slots := [3]uint64{uint64(table), uint64(index), ref}
	vm.Builtin(IndexTableSet)(vm, slots[:])
}

package builtins

import (
	"encoding/binary"
	"math"
	"unsafe"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/traps"
	"github.com/tetratelabs/wazerocore/vmctx"
)

func init() {
	for _, fn := range []interface{}{
		I32Load, I64Load, I32Load8U, F32Load, F64Load,
		I32Store, I64Store, I32Store8, F32Store, F64Store,
		guardedAddress, checkedBytes,
	} {
		traps.RegisterHelper(fn)
	}
}

// guardedAddress returns the address of the size bytes at addr+offset of memory 0 of vm, when the memory is
// guarded and the range is inside its reservation. Accessing it faults past the current length.
func guardedAddress(vm *vmctx.ExecutionContext, addr, offset uint32, size uint64) (unsafe.Pointer, bool) {
	m := vm.Memory(0)
	if !m.Guarded() {
		return nil, false
	}
	ea := uint64(addr) + uint64(offset)
	if ea+size > m.Reserved() {
		return nil, false
	}
	return unsafe.Pointer(vm.MemoryBase(0) + uintptr(ea)), true
}

// checkedBytes returns the size bytes at addr+offset of memory 0 of vm, raising an out of bounds trap past its
// length.
func checkedBytes(vm *vmctx.ExecutionContext, addr, offset uint32, size uint64) []byte {
	ea := uint64(addr) + uint64(offset)
	buf := vm.Memory(0).Bytes()
	if ea+size > uint64(len(buf)) {
		traps.RaiseWasmTrap(api.TrapCodeHeapAccessOutOfBounds)
	}
	return buf[ea : ea+size]
}

// I32Load implements i32.load on memory 0.
func I32Load(vm *vmctx.ExecutionContext, addr, offset uint32) uint32 {
	if p, ok := guardedAddress(vm, addr, offset, 4); ok {
		return *(*uint32)(p)
	}
	return binary.LittleEndian.Uint32(checkedBytes(vm, addr, offset, 4))
}

// I64Load implements i64.load on memory 0.
func I64Load(vm *vmctx.ExecutionContext, addr, offset uint32) uint64 {
	if p, ok := guardedAddress(vm, addr, offset, 8); ok {
		return *(*uint64)(p)
	}
	return binary.LittleEndian.Uint64(checkedBytes(vm, addr, offset, 8))
}

// I32Load8U implements i32.load8_u on memory 0.
func I32Load8U(vm *vmctx.ExecutionContext, addr, offset uint32) uint32 {
	if p, ok := guardedAddress(vm, addr, offset, 1); ok {
		return uint32(*(*byte)(p))
	}
	return uint32(checkedBytes(vm, addr, offset, 1)[0])
}

// F32Load implements f32.load on memory 0.
func F32Load(vm *vmctx.ExecutionContext, addr, offset uint32) float32 {
	return math.Float32frombits(I32Load(vm, addr, offset))
}

// F64Load implements f64.load on memory 0.
func F64Load(vm *vmctx.ExecutionContext, addr, offset uint32) float64 {
	return math.Float64frombits(I64Load(vm, addr, offset))
}

// I32Store implements i32.store on memory 0.
func I32Store(vm *vmctx.ExecutionContext, addr, offset, v uint32) {
	if p, ok := guardedAddress(vm, addr, offset, 4); ok {
		*(*uint32)(p) = v
		return
	}
	binary.LittleEndian.PutUint32(checkedBytes(vm, addr, offset, 4), v)
}

// I64Store implements i64.store on memory 0.
func I64Store(vm *vmctx.ExecutionContext, addr, offset uint32, v uint64) {
	if p, ok := guardedAddress(vm, addr, offset, 8); ok {
		*(*uint64)(p) = v
		return
	}
	binary.LittleEndian.PutUint64(checkedBytes(vm, addr, offset, 8), v)
}

// I32Store8 implements i32.store8 on memory 0.
func I32Store8(vm *vmctx.ExecutionContext, addr, offset, v uint32) {
	if p, ok := guardedAddress(vm, addr, offset, 1); ok {
		*(*byte)(p) = byte(v)
		return
	}
	checkedBytes(vm, addr, offset, 1)[0] = byte(v)
}

// F32Store implements f32.store on memory 0.
func F32Store(vm *vmctx.ExecutionContext, addr, offset uint32, v float32) {
	I32Store(vm, addr, offset, math.Float32bits(v))
}

// F64Store implements f64.store on memory 0.
func F64Store(vm *vmctx.ExecutionContext, addr, offset uint32, v float64) {
	I64Store(vm, addr, offset, math.Float64bits(v))
}

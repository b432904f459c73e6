// Package api includes constants and interfaces used by both end-users and internal implementations.
package api

import (
	"context"
	"math"
	"strings"
)

// ValueType describes a type a WebAssembly function parameter, result or global can carry.
//
// The following describes how to convert between Wasm and Golang types in a raw uint64 slot:
//   - ValueTypeI32 - uint64(uint32,int32)
//   - ValueTypeI64 - uint64(int64)
//   - ValueTypeF32 - EncodeF32 and DecodeF32 from float32
//   - ValueTypeF64 - EncodeF64 and DecodeF64 from float64
//   - ValueTypeFuncref, ValueTypeExternref - an opaque handle issued by the owning store, zero is null.
//
// Note: This is a type alias as it is easier to encode and decode in the binary format.
// See https://www.w3.org/TR/2019/REC-wasm-core-1-20191205/#binary-valtype
type ValueType = byte

const (
	// ValueTypeI32 is a 32-bit integer.
	ValueTypeI32 ValueType = 0x7f
	// ValueTypeI64 is a 64-bit integer.
	ValueTypeI64 ValueType = 0x7e
	// ValueTypeF32 is a 32-bit floating point number.
	ValueTypeF32 ValueType = 0x7d
	// ValueTypeF64 is a 64-bit floating point number.
	ValueTypeF64 ValueType = 0x7c
	// ValueTypeFuncref is a reference to a function, as stored in tables.
	ValueTypeFuncref ValueType = 0x70
	// ValueTypeExternref is an opaque host reference.
	ValueTypeExternref ValueType = 0x6f
)

// ValueTypeName returns the type name of the given ValueType as a string.
// These type names match the names used in the WebAssembly text format.
//
// Note: This returns "unknown", if an undefined ValueType value is passed.
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF32:
		return "f32"
	case ValueTypeF64:
		return "f64"
	case ValueTypeFuncref:
		return "funcref"
	case ValueTypeExternref:
		return "externref"
	}
	return "unknown"
}

// IsReference returns true if values of this type are handles checked against their owning store.
func IsReference(t ValueType) bool {
	return t == ValueTypeFuncref || t == ValueTypeExternref
}

// FunctionType is a possibly empty function signature.
//
// See https://www.w3.org/TR/wasm-core-1/#function-types%E2%91%A0
type FunctionType struct {
	// Params are the possibly empty sequence of value types accepted by a function with this signature.
	Params []ValueType

	// Results are the possibly empty sequence of value types returned by a function with this signature.
	Results []ValueType
}

// String returns the signature key, ex. "i32i32_i32", or "null_null" for a function without params or results.
func (t *FunctionType) String() string {
	var ret strings.Builder
	for _, b := range t.Params {
		ret.WriteString(ValueTypeName(b))
	}
	if len(t.Params) == 0 {
		ret.WriteString("null")
	}
	ret.WriteByte('_')
	for _, b := range t.Results {
		ret.WriteString(ValueTypeName(b))
	}
	if len(t.Results) == 0 {
		ret.WriteString("null")
	}
	return ret.String()
}

// Equal returns true if both types have the same params and results.
func (t *FunctionType) Equal(o *FunctionType) bool {
	if len(t.Params) != len(o.Params) || len(t.Results) != len(o.Results) {
		return false
	}
	for i := range t.Params {
		if t.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range t.Results {
		if t.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// SlotCount is the length of a raw slot array able to hold both params and results of this type.
func (t *FunctionType) SlotCount() int {
	if len(t.Params) > len(t.Results) {
		return len(t.Params)
	}
	return len(t.Results)
}

// Closer closes a resource.
//
// Note: This is an interface for decoupling, not third-party implementations. All implementations are in wazerocore.
type Closer interface {
	// Close closes the resource.
	// Note: When the context is nil, it defaults to context.Background.
	Close(context.Context) error
}

// Function is a callable bound to a runtime: either a guest function exported from an instance or a host function.
type Function interface {
	// Name is the debug name of the function.
	Name() string

	// Type is the declared signature of the function.
	Type() *FunctionType

	// Call invokes the function with parameters matching Type().Params and returns values matching
	// Type().Results.
	//
	// A mismatch in arity or value types fails with a *ValidationError before any guest code runs. A trap
	// raised while running fails with a *Trap. A panic raised by a host function is resumed on the calling
	// goroutine once the call unwinds.
	//
	// Note: When the context is nil, it defaults to context.Background.
	Call(ctx context.Context, params ...Value) ([]Value, error)

	// CallWithStack is the unchecked variant of Call. The stack must hold Type().SlotCount() raw slots: params
	// are read from the front and results are written back to the front.
	//
	// Reference values are passed as handles issued by the owning store and are not checked.
	CallWithStack(ctx context.Context, stack []uint64) error
}

// Memory allows restricted access to a linear memory.
//
// Note: This is an interface for decoupling, not third-party implementations. All implementations are in wazerocore.
// Note: All values are encoded little-endian.
type Memory interface {
	// Size returns the size in bytes available. Ex. If the underlying memory has 1 page: 65536
	Size() uint32

	// Grow increases memory by the delta in pages (65536 bytes per page). The return val is the previous memory size in
	// pages, or false if the delta was ignored as it exceeds max memory.
	Grow(deltaPages uint32) (previousPages uint32, ok bool)

	// ReadUint32Le reads a uint32 in little-endian encoding at the offset or returns false if out of range.
	ReadUint32Le(offset uint32) (uint32, bool)

	// WriteUint32Le writes the value in little-endian encoding at the offset or returns false if out of range.
	WriteUint32Le(offset, v uint32) bool

	// Read returns a view of byteCount bytes at the offset or returns false if out of range.
	//
	// The view aliases memory: writes are visible to Wasm and the view is invalid after Grow on platforms
	// without a fixed reservation.
	Read(offset, byteCount uint32) ([]byte, bool)

	// Write copies v into memory at the offset or returns false if out of range.
	Write(offset uint32, v []byte) bool
}

// Global is a global variable defined by an instance.
type Global interface {
	// Type describes the value type of the global.
	Type() ValueType

	// Get returns the raw value of this global.
	Get() uint64
}

// MutableGlobal is a Global whose value can be updated at runtime (variable).
type MutableGlobal interface {
	Global

	// Set updates the raw value of this global.
	Set(v uint64)
}

// EncodeI32 encodes the input as a ValueTypeI32.
func EncodeI32(input int32) uint64 {
	return uint64(uint32(input))
}

// EncodeI64 encodes the input as a ValueTypeI64.
func EncodeI64(input int64) uint64 {
	return uint64(input)
}

// EncodeF32 encodes the input as a ValueTypeF32.
// See DecodeF32
func EncodeF32(input float32) uint64 {
	return uint64(math.Float32bits(input))
}

// DecodeF32 decodes the input as a ValueTypeF32.
// See EncodeF32
func DecodeF32(input uint64) float32 {
	return math.Float32frombits(uint32(input))
}

// EncodeF64 encodes the input as a ValueTypeF64.
// See EncodeF32
func EncodeF64(input float64) uint64 {
	return math.Float64bits(input)
}

// DecodeF64 decodes the input as a ValueTypeF64.
// See EncodeF64
func DecodeF64(input uint64) float64 {
	return math.Float64frombits(input)
}

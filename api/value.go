package api

import (
	"fmt"
	"math"
)

// Value is a typed WebAssembly value as passed to Function.Call and to dynamic host functions.
//
// Numeric values carry their raw bits. Reference values carry the referenced object: a function reference
// holds the runtime's callee record (see wazerocore.FuncRef) and an extern reference holds any host value.
// A nil reference is the null reference of its type.
type Value struct {
	typ  ValueType
	bits uint64
	ref  interface{}
}

// ValueI32 returns an i32 value.
func ValueI32(v int32) Value { return Value{typ: ValueTypeI32, bits: EncodeI32(v)} }

// ValueI64 returns an i64 value.
func ValueI64(v int64) Value { return Value{typ: ValueTypeI64, bits: EncodeI64(v)} }

// ValueF32 returns an f32 value.
func ValueF32(v float32) Value { return Value{typ: ValueTypeF32, bits: EncodeF32(v)} }

// ValueF64 returns an f64 value.
func ValueF64(v float64) Value { return Value{typ: ValueTypeF64, bits: EncodeF64(v)} }

// ValueFuncref returns a function reference. ref must be nil or a reference obtained from the same runtime.
func ValueFuncref(ref interface{}) Value { return Value{typ: ValueTypeFuncref, ref: ref} }

// ValueExternref returns an extern reference to any host value.
func ValueExternref(ref interface{}) Value { return Value{typ: ValueTypeExternref, ref: ref} }

// ValueFromBits returns a numeric value of type t from its raw encoding.
func ValueFromBits(t ValueType, bits uint64) Value {
	if t == ValueTypeI32 {
		bits = uint64(uint32(bits))
	}
	return Value{typ: t, bits: bits}
}

// Type returns the value type.
func (v Value) Type() ValueType { return v.typ }

// I32 returns the value as an int32.
func (v Value) I32() int32 { return int32(v.bits) }

// I64 returns the value as an int64.
func (v Value) I64() int64 { return int64(v.bits) }

// F32 returns the value as a float32.
func (v Value) F32() float32 { return DecodeF32(v.bits) }

// F64 returns the value as a float64.
func (v Value) F64() float64 { return DecodeF64(v.bits) }

// Bits returns the raw slot encoding of a numeric value.
func (v Value) Bits() uint64 { return v.bits }

// Ref returns the referenced object of a reference value, nil for the null reference.
func (v Value) Ref() interface{} { return v.ref }

// IsNull returns true for a null reference.
func (v Value) IsNull() bool { return IsReference(v.typ) && v.ref == nil }

func (v Value) String() string {
	switch v.typ {
	case ValueTypeI32:
		return fmt.Sprintf("i32(%d)", v.I32())
	case ValueTypeI64:
		return fmt.Sprintf("i64(%d)", v.I64())
	case ValueTypeF32:
		f := v.F32()
		if math.IsNaN(float64(f)) {
			return "f32(nan)"
		}
		return fmt.Sprintf("f32(%g)", f)
	case ValueTypeF64:
		return fmt.Sprintf("f64(%g)", v.F64())
	case ValueTypeFuncref, ValueTypeExternref:
		if v.ref == nil {
			return ValueTypeName(v.typ) + "(null)"
		}
		return fmt.Sprintf("%s(%v)", ValueTypeName(v.typ), v.ref)
	}
	return "unknown"
}

package builtins

import (
	"math"

	"github.com/tetratelabs/wazerocore/api"
	"github.com/tetratelabs/wazerocore/internal/traps"
)

// I32DivS implements i32.div_s.
func I32DivS(x, y int32) int32 {
	if y == 0 {
		traps.Raise(api.TrapCodeIntegerDivisionByZero)
	}
	if x == math.MinInt32 && y == -1 {
		traps.Raise(api.TrapCodeIntegerOverflow)
	}
	return x / y
}

// I32DivU implements i32.div_u.
func I32DivU(x, y uint32) uint32 {
	if y == 0 {
		traps.Raise(api.TrapCodeIntegerDivisionByZero)
	}
	return x / y
}

// I32RemS implements i32.rem_s. The remainder of math.MinInt32 by -1 is zero.
func I32RemS(x, y int32) int32 {
	if y == 0 {
		traps.Raise(api.TrapCodeIntegerDivisionByZero)
	}
	if y == -1 {
		return 0
	}
	return x % y
}

// I32RemU implements i32.rem_u.
func I32RemU(x, y uint32) uint32 {
	if y == 0 {
		traps.Raise(api.TrapCodeIntegerDivisionByZero)
	}
	return x % y
}

// I64DivS implements i64.div_s.
func I64DivS(x, y int64) int64 {
	if y == 0 {
		traps.Raise(api.TrapCodeIntegerDivisionByZero)
	}
	if x == math.MinInt64 && y == -1 {
		traps.Raise(api.TrapCodeIntegerOverflow)
	}
	return x / y
}

// I64DivU implements i64.div_u.
func I64DivU(x, y uint64) uint64 {
	if y == 0 {
		traps.Raise(api.TrapCodeIntegerDivisionByZero)
	}
	return x / y
}

// I64RemS implements i64.rem_s.
func I64RemS(x, y int64) int64 {
	if y == 0 {
		traps.Raise(api.TrapCodeIntegerDivisionByZero)
	}
	if y == -1 {
		return 0
	}
	return x % y
}

// I64RemU implements i64.rem_u.
func I64RemU(x, y uint64) uint64 {
	if y == 0 {
		traps.Raise(api.TrapCodeIntegerDivisionByZero)
	}
	return x % y
}

// truncate returns the integral part of v, raising a trap when v is NaN or when the integral part is not inside
// (lower, upper), both bounds being exclusive.
func truncate(v, lower, upper float64) float64 {
	if math.IsNaN(v) {
		traps.Raise(api.TrapCodeBadConversionToInteger)
	}
	t := math.Trunc(v)
	if t <= lower || t >= upper {
		traps.Raise(api.TrapCodeIntegerOverflow)
	}
	return t
}

// I32TruncF32S implements i32.trunc_f32_s.
func I32TruncF32S(v float32) int32 {
	return int32(truncate(float64(v), math.MinInt32-1, math.MaxInt32+1))
}

// I32TruncF32U implements i32.trunc_f32_u.
func I32TruncF32U(v float32) uint32 {
	return uint32(truncate(float64(v), -1, math.MaxUint32+1))
}

// I32TruncF64S implements i32.trunc_f64_s.
func I32TruncF64S(v float64) int32 {
	return int32(truncate(v, math.MinInt32-1, math.MaxInt32+1))
}

// I32TruncF64U implements i32.trunc_f64_u.
func I32TruncF64U(v float64) uint32 {
	return uint32(truncate(v, -1, math.MaxUint32+1))
}

// I64TruncF32S implements i64.trunc_f32_s.
func I64TruncF32S(v float32) int64 {
	return I64TruncF64S(float64(v))
}

// I64TruncF32U implements i64.trunc_f32_u.
func I64TruncF32U(v float32) uint64 {
	return I64TruncF64U(float64(v))
}

// I64TruncF64S implements i64.trunc_f64_s. 2^63 is the first float64 above math.MaxInt64, and -2^63 is exact.
func I64TruncF64S(v float64) int64 {
	if math.IsNaN(v) {
		traps.Raise(api.TrapCodeBadConversionToInteger)
	}
	t := math.Trunc(v)
	if t < -(1<<63) || t >= 1<<63 {
		traps.Raise(api.TrapCodeIntegerOverflow)
	}
	return int64(t)
}

// I64TruncF64U implements i64.trunc_f64_u.
func I64TruncF64U(v float64) uint64 {
	if math.IsNaN(v) {
		traps.Raise(api.TrapCodeBadConversionToInteger)
	}
	t := math.Trunc(v)
	if t <= -1 || t >= 1<<64 {
		traps.Raise(api.TrapCodeIntegerOverflow)
	}
	return uint64(t)
}

// Unreachable implements the unreachable instruction.
func Unreachable() {
	traps.Raise(api.TrapCodeUnreachableCodeReached)
}

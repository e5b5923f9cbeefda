package ir

import (
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"
)

// Scalar values cross the IR boundary as uint64 bit patterns: kernel
// arguments, constants and result-buffer slots all use the same encoding.
// Narrow types occupy the low bits; signed integers are sign-extended on
// decode.

// SupportedDType reports whether the IR supports scalars of the given dtype.
// Complex and 8-bit float types are not part of the kernel scalar protocol.
func SupportedDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Bool,
		dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

// ScalarToBits encodes a float64 scalar into the uint64 wire encoding for dtype.
// It panics on unsupported dtypes: callers validate dtypes at build time.
func ScalarToBits(dtype dtypes.DType, v float64) uint64 {
	switch dtype {
	case dtypes.Float64:
		return math.Float64bits(v)
	case dtypes.Float32:
		return uint64(math.Float32bits(float32(v)))
	case dtypes.Float16:
		return uint64(float16.Fromfloat32(float32(v)).Bits())
	case dtypes.Bool:
		if v != 0 {
			return 1
		}
		return 0
	case dtypes.Int8:
		return uint64(uint8(int8(v)))
	case dtypes.Int16:
		return uint64(uint16(int16(v)))
	case dtypes.Int32:
		return uint64(uint32(int32(v)))
	case dtypes.Int64:
		return uint64(int64(v))
	case dtypes.Uint8:
		return uint64(uint8(v))
	case dtypes.Uint16:
		return uint64(uint16(v))
	case dtypes.Uint32:
		return uint64(uint32(v))
	case dtypes.Uint64:
		return uint64(v)
	}
	exceptions.Panicf("ir.ScalarToBits: unsupported dtype %s", dtype)
	return 0
}

// IntToBits encodes an integer scalar into the uint64 wire encoding for dtype.
func IntToBits(dtype dtypes.DType, v int64) uint64 {
	switch dtype {
	case dtypes.Bool:
		if v != 0 {
			return 1
		}
		return 0
	case dtypes.Int8:
		return uint64(uint8(int8(v)))
	case dtypes.Int16:
		return uint64(uint16(int16(v)))
	case dtypes.Int32:
		return uint64(uint32(int32(v)))
	case dtypes.Int64:
		return uint64(v)
	case dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return uint64(v)
	case dtypes.Float16, dtypes.Float32, dtypes.Float64:
		return ScalarToBits(dtype, float64(v))
	}
	exceptions.Panicf("ir.IntToBits: unsupported dtype %s", dtype)
	return 0
}

// BitsToFloat64 decodes the uint64 wire encoding for dtype into a float64.
// Integer values round-trip exactly up to the float64 mantissa.
func BitsToFloat64(dtype dtypes.DType, bits uint64) float64 {
	switch dtype {
	case dtypes.Float64:
		return math.Float64frombits(bits)
	case dtypes.Float32:
		return float64(math.Float32frombits(uint32(bits)))
	case dtypes.Float16:
		return float64(float16.Frombits(uint16(bits)).Float32())
	case dtypes.Bool:
		if bits != 0 {
			return 1
		}
		return 0
	case dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64:
		return float64(BitsToInt64(dtype, bits))
	case dtypes.Uint8:
		return float64(uint8(bits))
	case dtypes.Uint16:
		return float64(uint16(bits))
	case dtypes.Uint32:
		return float64(uint32(bits))
	case dtypes.Uint64:
		return float64(bits)
	}
	exceptions.Panicf("ir.BitsToFloat64: unsupported dtype %s", dtype)
	return 0
}

// BitsToInt64 decodes the uint64 wire encoding for dtype into an int64,
// sign-extending narrow signed types and truncating floats toward zero.
func BitsToInt64(dtype dtypes.DType, bits uint64) int64 {
	switch dtype {
	case dtypes.Bool:
		if bits != 0 {
			return 1
		}
		return 0
	case dtypes.Int8:
		return int64(int8(uint8(bits)))
	case dtypes.Int16:
		return int64(int16(uint16(bits)))
	case dtypes.Int32:
		return int64(int32(uint32(bits)))
	case dtypes.Int64:
		return int64(bits)
	case dtypes.Uint8:
		return int64(uint8(bits))
	case dtypes.Uint16:
		return int64(uint16(bits))
	case dtypes.Uint32:
		return int64(uint32(bits))
	case dtypes.Uint64:
		return int64(bits)
	case dtypes.Float16, dtypes.Float32, dtypes.Float64:
		return int64(BitsToFloat64(dtype, bits))
	}
	exceptions.Panicf("ir.BitsToInt64: unsupported dtype %s", dtype)
	return 0
}

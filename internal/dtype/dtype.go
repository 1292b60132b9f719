// Package dtype defines the scalar element types understood by the kernel compiler and devices.
package dtype

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType represents the scalar element type of a buffer or a micro-op value.
type DType int

// Supported element types.
const (
	Invalid DType = iota
	Bool
	Int8
	Uint8
	Int16
	Int32
	Uint32
	Int64
	Float16
	Float32
	Float64
)

// Size returns the byte width of one element.
// It panics for Invalid or unknown types, which is a programming error.
func (dt DType) Size() int {
	switch dt {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Float64:
		return 8
	default:
		panic(fmt.Sprintf("dtype: unknown data type %d", int(dt)))
	}
}

// Valid reports whether dt is one of the supported element types.
func (dt DType) Valid() bool {
	return dt > Invalid && dt <= Float64
}

// IsFloat reports whether dt is a floating point type.
func (dt DType) IsFloat() bool {
	return dt == Float16 || dt == Float32 || dt == Float64
}

// IsInt reports whether dt is a signed or unsigned integer type.
func (dt DType) IsInt() bool {
	switch dt {
	case Int8, Uint8, Int16, Int32, Uint32, Int64:
		return true
	}
	return false
}

// IsUnsigned reports whether dt is an unsigned integer type.
func (dt DType) IsUnsigned() bool {
	return dt == Uint8 || dt == Uint32
}

// String returns a human-readable name for the data type.
func (dt DType) String() string {
	switch dt {
	case Bool:
		return "bool"
	case Int8:
		return "int8"
	case Uint8:
		return "uint8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Uint32:
		return "uint32"
	case Int64:
		return "int64"
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return "invalid"
	}
}

// Min returns the identity element of max reductions over dt: the smallest integer for integer
// types and negative infinity for floating point types.
func (dt DType) Min() float64 {
	switch dt {
	case Bool, Uint8, Uint32:
		return 0
	case Int8:
		return math.MinInt8
	case Int16:
		return math.MinInt16
	case Int32:
		return math.MinInt32
	case Int64:
		return math.MinInt64
	default:
		return math.Inf(-1)
	}
}

// Decode reads the element at index i of the little-endian byte slice data as a float64.
func (dt DType) Decode(data []byte, i int) float64 {
	off := i * dt.Size()
	switch dt {
	case Bool:
		if data[off] != 0 {
			return 1
		}
		return 0
	case Int8:
		return float64(int8(data[off]))
	case Uint8:
		return float64(data[off])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(data[off:])))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(data[off:])))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(data[off:]))
	case Int64:
		return float64(int64(binary.LittleEndian.Uint64(data[off:])))
	case Float16:
		return float64(float16.Frombits(binary.LittleEndian.Uint16(data[off:])).Float32())
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
	default:
		panic(fmt.Sprintf("dtype: cannot decode %s", dt))
	}
}

// Encode writes v, converted to dt, as element i of the little-endian byte slice data.
// Integer conversions truncate toward zero, as a C cast would.
func (dt DType) Encode(data []byte, i int, v float64) {
	off := i * dt.Size()
	switch dt {
	case Bool:
		if v != 0 {
			data[off] = 1
		} else {
			data[off] = 0
		}
	case Int8:
		data[off] = byte(int8(v))
	case Uint8:
		data[off] = uint8(v)
	case Int16:
		binary.LittleEndian.PutUint16(data[off:], uint16(int16(v)))
	case Int32:
		binary.LittleEndian.PutUint32(data[off:], uint32(int32(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(data[off:], uint32(v))
	case Int64:
		binary.LittleEndian.PutUint64(data[off:], uint64(int64(v)))
	case Float16:
		binary.LittleEndian.PutUint16(data[off:], float16.Fromfloat32(float32(v)).Bits())
	case Float32:
		binary.LittleEndian.PutUint32(data[off:], math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(data[off:], math.Float64bits(v))
	default:
		panic(fmt.Sprintf("dtype: cannot encode %s", dt))
	}
}

// DecodeInt reads the element at index i of an integer or Bool buffer exactly.
func (dt DType) DecodeInt(data []byte, i int) int64 {
	off := i * dt.Size()
	switch dt {
	case Bool:
		if data[off] != 0 {
			return 1
		}
		return 0
	case Int8:
		return int64(int8(data[off]))
	case Uint8:
		return int64(data[off])
	case Int16:
		return int64(int16(binary.LittleEndian.Uint16(data[off:])))
	case Int32:
		return int64(int32(binary.LittleEndian.Uint32(data[off:])))
	case Uint32:
		return int64(binary.LittleEndian.Uint32(data[off:]))
	case Int64:
		//nolint:gosec // G115: reinterpretation of the stored bits.
		return int64(binary.LittleEndian.Uint64(data[off:]))
	default:
		panic(fmt.Sprintf("dtype: %s is not an integer type", dt))
	}
}

// EncodeInt writes v, wrapped to dt, as element i of an integer or Bool buffer.
func (dt DType) EncodeInt(data []byte, i int, v int64) {
	off := i * dt.Size()
	// Narrowing wraps, as a C cast would.
	switch dt {
	case Bool:
		if v != 0 {
			data[off] = 1
		} else {
			data[off] = 0
		}
	case Int8, Uint8:
		data[off] = byte(v)
	case Int16:
		binary.LittleEndian.PutUint16(data[off:], uint16(v))
	case Int32, Uint32:
		binary.LittleEndian.PutUint32(data[off:], uint32(v))
	case Int64:
		binary.LittleEndian.PutUint64(data[off:], uint64(v))
	default:
		panic(fmt.Sprintf("dtype: %s is not an integer type", dt))
	}
}

// Float32Bytes encodes values as little-endian float32 bytes, the host layout of a Float32 buffer.
func Float32Bytes(values []float32) []byte {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return data
}

// BytesToFloat32 decodes little-endian float32 bytes.
func BytesToFloat32(data []byte) []float32 {
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return values
}

// Int32Bytes encodes values as little-endian int32 bytes.
func Int32Bytes(values []int32) []byte {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], uint32(v))
	}
	return data
}

// BytesToInt32 decodes little-endian int32 bytes.
func BytesToInt32(data []byte) []int32 {
	values := make([]int32, len(data)/4)
	for i := range values {
		values[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return values
}

// Float16Bytes converts float32 values to IEEE half precision, little-endian.
func Float16Bytes(values []float32) []byte {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[i*2:], float16.Fromfloat32(v).Bits())
	}
	return data
}

// BytesToFloat16 decodes little-endian half precision bytes into float32 values.
func BytesToFloat16(data []byte) []float32 {
	values := make([]float32, len(data)/2)
	for i := range values {
		values[i] = float16.Frombits(binary.LittleEndian.Uint16(data[i*2:])).Float32()
	}
	return values
}

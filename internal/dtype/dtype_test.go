package dtype

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDTypeSize(t *testing.T) {
	tests := []struct {
		dtype DType
		size  int
		name  string
	}{
		{Bool, 1, "bool"},
		{Int8, 1, "int8"},
		{Uint8, 1, "uint8"},
		{Int16, 2, "int16"},
		{Int32, 4, "int32"},
		{Uint32, 4, "uint32"},
		{Int64, 8, "int64"},
		{Float16, 2, "float16"},
		{Float32, 4, "float32"},
		{Float64, 8, "float64"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.size, tt.dtype.Size(), tt.name)
		assert.Equal(t, tt.name, tt.dtype.String())
		assert.True(t, tt.dtype.Valid(), tt.name)
		assert.Positive(t, tt.dtype.Size(), tt.name)
	}
}

func TestInvalidDType(t *testing.T) {
	assert.False(t, Invalid.Valid())
	assert.False(t, DType(99).Valid())
	assert.Equal(t, "invalid", DType(99).String())
	assert.Panics(t, func() { Invalid.Size() })
}

func TestKinds(t *testing.T) {
	assert.True(t, Float16.IsFloat())
	assert.True(t, Float64.IsFloat())
	assert.False(t, Int32.IsFloat())
	assert.True(t, Uint32.IsInt())
	assert.True(t, Uint32.IsUnsigned())
	assert.False(t, Bool.IsInt())
	assert.False(t, Int64.IsUnsigned())
}

func TestEncodeDecode(t *testing.T) {
	for _, dt := range []DType{Bool, Int8, Uint8, Int16, Int32, Uint32, Int64, Float16, Float32, Float64} {
		data := make([]byte, 3*dt.Size())
		dt.Encode(data, 2, 1)
		assert.Equal(t, 1.0, dt.Decode(data, 2), dt.String())
		assert.Equal(t, 0.0, dt.Decode(data, 0), dt.String())
	}

	data := make([]byte, 4)
	Int32.Encode(data, 0, -7.9)
	assert.Equal(t, -7.0, Int32.Decode(data, 0), "int conversion truncates toward zero")

	Float16.Encode(data, 1, 0.5)
	assert.Equal(t, 0.5, Float16.Decode(data, 1))
}

func TestHostSlices(t *testing.T) {
	f := []float32{1, -2.5, 3e10, 0}
	require.Len(t, Float32Bytes(f), 16)
	assert.Equal(t, f, BytesToFloat32(Float32Bytes(f)))

	i := []int32{-1, 0, 1 << 30}
	assert.Equal(t, i, BytesToInt32(Int32Bytes(i)))

	h := []float32{1, 0.25, -8}
	assert.Equal(t, h, BytesToFloat16(Float16Bytes(h)))
}

func TestMin(t *testing.T) {
	assert.Equal(t, float64(-2147483648), Int32.Min())
	assert.Equal(t, 0.0, Uint8.Min())
	assert.True(t, math.IsInf(Float32.Min(), -1))
	assert.True(t, math.IsInf(Float16.Min(), -1))
	assert.Equal(t, float64(math.MinInt64), Int64.Min())
}

func TestIntCodecExact(t *testing.T) {
	data := make([]byte, 16)
	for _, v := range []int64{math.MaxInt64, math.MinInt64, 1<<53 + 1, -1} {
		Int64.EncodeInt(data, 1, v)
		assert.Equal(t, v, Int64.DecodeInt(data, 1))
	}

	Uint32.EncodeInt(data, 0, -1)
	assert.Equal(t, int64(math.MaxUint32), Uint32.DecodeInt(data, 0))
	Int8.EncodeInt(data, 0, 200)
	assert.Equal(t, int64(-56), Int8.DecodeInt(data, 0))
	Bool.EncodeInt(data, 0, 7)
	assert.Equal(t, int64(1), Bool.DecodeInt(data, 0))
	assert.Panics(t, func() { Float32.DecodeInt(data, 0) })
}

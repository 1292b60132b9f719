package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGraph(t *testing.T) {
	a := NewLoad(1, Float32, Contiguous(4, 8))
	ast := NewStore(0, Float32, Contiguous(4, 1), Reduce(Sum, Unary(Sqrt, a), 4, 1))

	assert.Equal(t, Store, ast.Op)
	assert.Equal(t, Float32, ast.DType())
	assert.Len(t, ast.Buffers(), 2)
	assert.Equal(t, []int{8, 1}, Contiguous(4, 8).Strides)
	assert.Equal(t, []int{0, 0}, Broadcast(4, 8).Strides)
	assert.Contains(t, ast.String(), "Sum[[4 1]](Sqrt(Load[1:")
}

func TestHostEncoding(t *testing.T) {
	assert.Equal(t, []float32{1.5, -2}, BytesToFloat32(Float32Bytes([]float32{1.5, -2})))
	assert.Equal(t, []int32{7, -7}, BytesToInt32(Int32Bytes([]int32{7, -7})))
	assert.Equal(t, 4, Float32.Size())
}

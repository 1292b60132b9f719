package ops

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storm-ml/storm/internal/dtype"
)

func TestContiguous(t *testing.T) {
	v := Contiguous(2, 3, 4)
	assert.Equal(t, []int{12, 4, 1}, v.Strides)
	assert.Equal(t, 24, v.Size())
	require.NoError(t, v.Validate())

	v = Contiguous(4, 1)
	assert.Equal(t, []int{1, 0}, v.Strides, "unit dims get stride 0")

	b := Broadcast(3, 3)
	assert.Equal(t, []int{0, 0}, b.Strides)
}

func TestViewValidate(t *testing.T) {
	assert.Error(t, View{Shape: []int{2}, Strides: []int{1, 1}}.Validate())
	assert.Error(t, View{Shape: []int{0}, Strides: []int{1}}.Validate())
	assert.Error(t, View{Shape: []int{2}, Strides: []int{1}, Offset: -1}.Validate())

	err := View{Shape: []int{3, -1}, Strides: []int{1, 1}}.Validate()
	require.Error(t, err)
	assert.EqualError(t, err, "ops: view dimension 1 has invalid size -1")
	assert.Contains(t, fmt.Sprintf("%+v", err), "ops.View.Validate", "error carries a stack trace")
}

func TestOpClasses(t *testing.T) {
	assert.True(t, Load.IsBuffer())
	assert.True(t, Var.IsBuffer())
	assert.True(t, Neg.IsUnary())
	assert.True(t, Cast.IsUnary())
	assert.True(t, CmpEq.IsBinary())
	assert.True(t, MulAcc.IsTernary())
	assert.True(t, ReduceMax.IsReduce())
	assert.False(t, Sum.IsALU())
	assert.Equal(t, "MulAcc", MulAcc.String())
	assert.Equal(t, "Op(999)", Op(999).String())
}

func TestDTypeInference(t *testing.T) {
	a := NewLoad(1, dtype.Float32, Contiguous(4))
	b := NewLoad(2, dtype.Float32, Contiguous(4))
	assert.Equal(t, dtype.Float32, Binary(Add, a, b).DType())
	assert.Equal(t, dtype.Bool, Binary(CmpLT, a, b).DType())
	assert.Equal(t, dtype.Int32, NewVar("n").DType())
	assert.Equal(t, dtype.Float16, NewCast(a, dtype.Float16).DType())
	cond := Binary(CmpLT, a, b)
	assert.Equal(t, dtype.Float32, Ternary(Where, cond, a, b).DType())
}

func TestPostOrder(t *testing.T) {
	a := NewLoad(1, dtype.Float32, Contiguous(4))
	b := NewLoad(2, dtype.Float32, Contiguous(4))
	sum := Binary(Add, a, b)
	// a is shared by two consumers but visited once.
	prod := Binary(Mul, sum, a)
	root := NewStore(0, dtype.Float32, Contiguous(4), prod)

	order := root.PostOrder()
	require.Len(t, order, 5)
	pos := make(map[*LazyOp]int)
	for i, n := range order {
		pos[n] = i
	}
	for _, n := range order {
		for _, src := range n.Src {
			assert.Less(t, pos[src], pos[n], "%s must come after %s", n.Op, src.Op)
		}
	}
	assert.Equal(t, root, order[len(order)-1])
}

func TestBuffers(t *testing.T) {
	a := NewLoad(2, dtype.Float32, Contiguous(4))
	b := NewLoad(1, dtype.Float32, Contiguous(4))
	root := NewStore(0, dtype.Float32, Contiguous(4), Binary(Sub, a, Binary(Add, b, a)))

	bufs := root.Buffers()
	require.Len(t, bufs, 3)
	for i, mb := range bufs {
		assert.Equal(t, i, mb.Idx)
	}
}

func TestString(t *testing.T) {
	a := NewLoad(1, dtype.Float32, Contiguous(4))
	root := NewStore(0, dtype.Float32, Contiguous(4), Unary(Neg, a))
	assert.Equal(t, "Store[0:float32 [4]](Neg(Load[1:float32 [4]]))", root.String())
}

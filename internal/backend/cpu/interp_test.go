package cpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storm-ml/storm/internal/device"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
)

// runKernel builds ast on d, uploads inputs as buffers 1..n and returns buffer 0 with n elements.
func runKernel(t *testing.T, d *Device, ast *ops.LazyOp, n int, args []int, inputs ...[]float32) []float32 {
	t.Helper()
	prg, lin := build(t, d, ast)
	out, err := d.Alloc(n, dtype.Float32)
	require.NoError(t, err)
	bufs := []device.Buffer{out}
	for _, in := range inputs {
		bufs = append(bufs, upload(t, d, in))
	}
	require.NoError(t, prg.Run(bufs, lin.GlobalSize, lin.LocalSize, args, nil))
	return download(t, out)
}

func iota32(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i)
	}
	return out
}

var configs = []string{"", "nolocal", "novec", "workers=1", "nolocal,novec"}

func TestSumRows(t *testing.T) {
	rows, cols := 4, 32
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(rows, cols))
	ast := ops.NewStore(0, dtype.Float32, ops.Contiguous(rows, 1), ops.Reduce(ops.Sum, a, rows, 1))

	want := make([]float32, rows)
	for r := range rows {
		for c := range cols {
			want[r] += float32(r*cols + c)
		}
	}
	for _, config := range configs {
		t.Run(config, func(t *testing.T) {
			d := newDevice(t, config)
			assert.Equal(t, want, runKernel(t, d, ast, rows, nil, iota32(rows*cols)))
		})
	}
}

func TestReduceUnevenGroup(t *testing.T) {
	// 100 elements do not divide into work-groups of 16.
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(100))
	sum := ops.NewStore(0, dtype.Float32, ops.Contiguous(1), ops.Reduce(ops.Sum, a, 1))
	maxAST := ops.NewStore(0, dtype.Float32, ops.Contiguous(1), ops.Reduce(ops.ReduceMax, a, 1))

	in := iota32(100)
	in[37] = 1000
	for _, config := range configs {
		t.Run(config, func(t *testing.T) {
			d := newDevice(t, config)
			assert.Equal(t, []float32{4950 - 37 + 1000}, runKernel(t, d, sum, 1, nil, in))
			assert.Equal(t, []float32{1000}, runKernel(t, d, maxAST, 1, nil, in))
		})
	}
}

func TestMaxNegative(t *testing.T) {
	// The accumulator starts at negative infinity, so all-negative input works.
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(5))
	ast := ops.NewStore(0, dtype.Float32, ops.Contiguous(1), ops.Reduce(ops.ReduceMax, a, 1))
	d := newDevice(t, "")
	assert.Equal(t, []float32{-2}, runKernel(t, d, ast, 1, nil, []float32{-9, -5, -2, -7, -3}))
}

func TestColumnMax(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(8, 3))
	ast := ops.NewStore(0, dtype.Float32, ops.Contiguous(1, 3), ops.Reduce(ops.ReduceMax, a, 1, 3))
	d := newDevice(t, "")
	// Column c holds c, c+3, ..., c+21.
	assert.Equal(t, []float32{21, 22, 23}, runKernel(t, d, ast, 3, nil, iota32(24)))
}

func TestTransposedView(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float32, ops.View{Shape: []int{3, 2}, Strides: []int{1, 3}})
	ast := ops.NewStore(0, dtype.Float32, ops.Contiguous(3, 2), ops.Unary(ops.Neg, ops.Unary(ops.Neg, a)))
	d := newDevice(t, "")
	assert.Equal(t, []float32{0, 3, 1, 4, 2, 5}, runKernel(t, d, ast, 6, nil, iota32(6)))
}

func TestMultiDimLaunch(t *testing.T) {
	shape := []int{2, 3, 4, 5}
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(shape...))
	b := ops.NewLoad(2, dtype.Float32, ops.View{Shape: shape, Strides: []int{0, 0, 0, 1}})
	ast := ops.NewStore(0, dtype.Float32, ops.Contiguous(shape...), ops.Binary(ops.Mul, a, b))

	in := iota32(120)
	want := make([]float32, 120)
	for i := range want {
		want[i] = in[i] * float32(i%5)
	}
	d := newDevice(t, "")
	assert.Equal(t, want, runKernel(t, d, ast, 120, nil, in, iota32(5)))
}

func TestReluWithWhere(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(4))
	zero := ops.NewConst(0, dtype.Float32, ops.Broadcast(4))
	ast := ops.NewStore(0, dtype.Float32, ops.Contiguous(4),
		ops.Ternary(ops.Where, ops.Binary(ops.CmpLT, a, zero), zero, a))
	d := newDevice(t, "")
	assert.Equal(t, []float32{0, 2, 0, 4}, runKernel(t, d, ast, 4, nil, []float32{-1, 2, -3, 4}))
}

func TestUnaryMath(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(3))
	in := []float32{1, 4, 9}
	tests := []struct {
		op   ops.Op
		want func(float64) float64
	}{
		{ops.Sqrt, math.Sqrt},
		{ops.Exp2, math.Exp2},
		{ops.Log2, math.Log2},
		{ops.Sin, math.Sin},
		{ops.Recip, func(x float64) float64 { return 1 / x }},
	}
	d := newDevice(t, "novec")
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			ast := ops.NewStore(0, dtype.Float32, ops.Contiguous(3), ops.Unary(tt.op, a))
			got := runKernel(t, d, ast, 3, nil, in)
			for i, x := range in {
				assert.InDelta(t, tt.want(float64(x)), got[i], 1e-5)
			}
		})
	}
}

func TestMulAddFused(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(4))
	b := ops.NewLoad(2, dtype.Float32, ops.Contiguous(4))
	c := ops.NewLoad(3, dtype.Float32, ops.Contiguous(4))
	ast := ops.NewStore(0, dtype.Float32, ops.Contiguous(4), ops.Binary(ops.Add, c, ops.Binary(ops.Mul, a, b)))
	d := newDevice(t, "")
	got := runKernel(t, d, ast, 4, nil, []float32{1, 2, 3, 4}, []float32{2, 2, 2, 2}, []float32{1, 1, 1, 1})
	assert.Equal(t, []float32{3, 5, 7, 9}, got)
}

func TestIntVarsAndCast(t *testing.T) {
	a := ops.NewLoad(1, dtype.Int32, ops.Contiguous(4))
	n := ops.NewVar("n")
	ast := ops.NewStore(0, dtype.Float32, ops.Contiguous(4),
		ops.NewCast(ops.Binary(ops.Div, ops.Binary(ops.Add, a, n), ops.NewConst(2, dtype.Int32, ops.Broadcast(4))),
			dtype.Float32))

	d := newDevice(t, "")
	prg, lin := build(t, d, ast)
	out, err := d.Alloc(4, dtype.Float32)
	require.NoError(t, err)
	in, err := d.Alloc(4, dtype.Int32)
	require.NoError(t, err)
	require.NoError(t, in.FromCPU(dtype.Int32Bytes([]int32{1, 2, 3, -8})))

	require.NoError(t, prg.Run([]device.Buffer{out, in}, lin.GlobalSize, lin.LocalSize, []int{5}, nil))
	require.NoError(t, d.Synchronize())
	// Integer division truncates toward zero.
	assert.Equal(t, []float32{3, 3, 4, -1}, download(t, out))

	err = prg.Run([]device.Buffer{out, in}, lin.GlobalSize, lin.LocalSize, nil, nil)
	assert.ErrorIs(t, err, device.ErrEnqueue)
}

func TestHalfStorage(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float16, ops.Contiguous(4))
	ast := ops.NewStore(0, dtype.Float16, ops.Contiguous(4),
		ops.Binary(ops.Mul, a, ops.NewConst(2, dtype.Float16, ops.Broadcast(4))))

	d := newDevice(t, "")
	prg, lin := build(t, d, ast)
	out, err := d.Alloc(4, dtype.Float16)
	require.NoError(t, err)
	in, err := d.Alloc(4, dtype.Float16)
	require.NoError(t, err)
	require.NoError(t, in.FromCPU(dtype.Float16Bytes([]float32{0.5, 1, -3, 1000})))
	require.NoError(t, prg.Run([]device.Buffer{out, in}, lin.GlobalSize, lin.LocalSize, nil, nil))

	data, err := out.ToCPU()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, -6, 2000}, dtype.BytesToFloat16(data))
}

func TestWrapAndRound(t *testing.T) {
	assert.Equal(t, int64(-128), wrapInt(dtype.Int8, 128))
	assert.Equal(t, int64(0), wrapInt(dtype.Uint8, 256))
	assert.Equal(t, int64(1), wrapInt(dtype.Bool, -3))
	assert.Equal(t, int64(math.MinInt32), wrapInt(dtype.Int32, math.MaxInt32+1))
	assert.Equal(t, int64(math.MaxUint32), wrapInt(dtype.Uint32, -1))
	assert.Equal(t, int64(math.MaxInt64), wrapInt(dtype.Int64, math.MaxInt64))
	assert.Equal(t, float64(float32(0.1)), roundFloat(dtype.Float32, 0.1))
	assert.Equal(t, 0.1, roundFloat(dtype.Float64, 0.1))
}

func TestALUDivisionByZero(t *testing.T) {
	_, err := aluInt(ops.Div, dtype.Int32, [3]int64{1, 0})
	assert.Error(t, err)
	_, err = aluInt(ops.Mod, dtype.Int32, [3]int64{1, 0})
	assert.Error(t, err)
	v, err := aluFloat(ops.Div, [3]float64{1, 0})
	require.NoError(t, err)
	assert.True(t, math.IsInf(v, 1))

	q, err := aluInt(ops.Div, dtype.Int64, [3]int64{-7, 2})
	require.NoError(t, err)
	assert.Equal(t, int64(-3), q, "integer division truncates toward zero")
}

func int64Bytes(values ...int64) []byte {
	data := make([]byte, len(values)*dtype.Int64.Size())
	for i, v := range values {
		dtype.Int64.EncodeInt(data, i, v)
	}
	return data
}

func TestInt64Exact(t *testing.T) {
	// 2^53+1 and MaxInt64 are not representable as float64.
	in := []int64{math.MaxInt64, 1<<53 + 1, math.MinInt64, -1}
	a := ops.NewLoad(1, dtype.Int64, ops.Contiguous(4))
	one := ops.NewConst(1, dtype.Int64, ops.Broadcast(4))
	tests := []struct {
		name string
		ast  *ops.LazyOp
		want []int64
	}{
		{"copy", ops.NewStore(0, dtype.Int64, ops.Contiguous(4), a), in},
		{"add wraps", ops.NewStore(0, dtype.Int64, ops.Contiguous(4), ops.Binary(ops.Add, a, one)),
			[]int64{math.MinInt64, 1<<53 + 2, math.MinInt64 + 1, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newDevice(t, "")
			prg, lin := build(t, d, tt.ast)
			out, err := d.Alloc(4, dtype.Int64)
			require.NoError(t, err)
			src, err := d.Alloc(4, dtype.Int64)
			require.NoError(t, err)
			require.NoError(t, src.FromCPU(int64Bytes(in...)))
			require.NoError(t, prg.Run([]device.Buffer{out, src}, lin.GlobalSize, lin.LocalSize, nil, nil))

			data, err := out.ToCPU()
			require.NoError(t, err)
			assert.Equal(t, int64Bytes(tt.want...), data)
		})
	}
}

func TestInt32MulWraps(t *testing.T) {
	a := ops.NewLoad(1, dtype.Int32, ops.Contiguous(2))
	ast := ops.NewStore(0, dtype.Int32, ops.Contiguous(2), ops.Binary(ops.Mul, a, a))
	d := newDevice(t, "")
	prg, lin := build(t, d, ast)
	out, err := d.Alloc(2, dtype.Int32)
	require.NoError(t, err)
	in, err := d.Alloc(2, dtype.Int32)
	require.NoError(t, err)
	require.NoError(t, in.FromCPU(dtype.Int32Bytes([]int32{65536, 46341})))
	require.NoError(t, prg.Run([]device.Buffer{out, in}, lin.GlobalSize, lin.LocalSize, nil, nil))

	data, err := out.ToCPU()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, -2147479015}, dtype.BytesToInt32(data))
}

func TestMaxAllNegativeInfinity(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(2, 3))
	ast := ops.NewStore(0, dtype.Float32, ops.Contiguous(2, 1), ops.Reduce(ops.ReduceMax, a, 2, 1))
	inf := float32(math.Inf(-1))
	d := newDevice(t, "")
	got := runKernel(t, d, ast, 2, nil, []float32{inf, inf, inf, -1, inf, 2})
	assert.True(t, math.IsInf(float64(got[0]), -1), "got %v", got[0])
	assert.Equal(t, float32(2), got[1])
}

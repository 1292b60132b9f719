package opencl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storm-ml/storm/internal/codegen"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
)

func render(t *testing.T, ast *ops.LazyOp) (string, *codegen.Linearizer) {
	t.Helper()
	lin := codegen.New(ast, CodegenOptions())
	require.NoError(t, lin.Linearize())
	src, err := New().Render(lin.Name, lin.UOps)
	require.NoError(t, err)
	return src, lin
}

func addAST(n int) *ops.LazyOp {
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(n))
	b := ops.NewLoad(2, dtype.Float32, ops.Contiguous(n))
	return ops.NewStore(0, dtype.Float32, ops.Contiguous(n), ops.Binary(ops.Add, a, b))
}

func TestRenderAdd(t *testing.T) {
	src, _ := render(t, addAST(6))
	want := `__kernel void E_6(__global float* data0, __global float* data1, __global float* data2) {
  int gidx0 = get_global_id(0); /* 6 */
  float val0 = data1[gidx0];
  float val1 = data2[gidx0];
  data0[gidx0] = (val0+val1);
}
`
	assert.Equal(t, want, src)
}

func TestRenderFloat4(t *testing.T) {
	src, lin := render(t, addAST(8))
	assert.Equal(t, []int{2}, lin.GlobalSize)
	want := `__kernel void E_8(__global float* data0, __global float* data1, __global float* data2) {
  int gidx0 = get_global_id(0); /* 2 */
  int alu0 = (gidx0*4);
  float4 val0 = vload4(0, data1+alu0);
  float4 val1 = vload4(0, data2+alu0);
  vstore4((val0+val1), 0, data0+alu0);
}
`
	assert.Equal(t, want, src)
}

func TestRenderMulAccUsesMad(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(3))
	b := ops.NewLoad(2, dtype.Float32, ops.Contiguous(3))
	c := ops.NewLoad(3, dtype.Float32, ops.Contiguous(3))
	src, _ := render(t, ops.NewStore(0, dtype.Float32, ops.Contiguous(3), ops.Binary(ops.Add, ops.Binary(ops.Mul, a, b), c)))
	assert.Contains(t, src, "data0[gidx0] = mad(val0, val1, val2);")
}

func TestRenderGroupReduce(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(64))
	src, lin := render(t, ops.NewStore(0, dtype.Float32, ops.Contiguous(1), ops.Reduce(ops.Sum, a, 1)))
	assert.Equal(t, []int{16}, lin.GlobalSize)
	assert.Equal(t, []int{16}, lin.LocalSize)
	for _, want := range []string{
		"__attribute__((reqd_work_group_size(16, 1, 1))) __kernel void r_64(",
		"__attribute__ ((aligned (16))) __local float temp0[16];",
		"int gidx0 = get_group_id(0); /* 1 */",
		"int lidx0 = get_local_id(0); /* 16 */",
		"float acc0 = 0.0f;",
		"for (int ridx0 = lidx0; ridx0 < 64; ridx0 += 16) {",
		"temp0[lidx0] = acc0;",
		"barrier(CLK_LOCAL_MEM_FENCE);",
		"if ((lidx0<1)) {",
		"for (int ridx1 = 0; ridx1 < 16; ridx1++) {",
		"data0[0] = acc1;",
	} {
		assert.Contains(t, src, want)
	}
}

func TestParseSignature(t *testing.T) {
	src, _ := render(t, addAST(6))
	assert.NotContains(t, src, "reqd_work_group_size")
	sig, err := ParseSignature(src)
	require.NoError(t, err)
	assert.Equal(t, Signature{Buffers: 3}, sig)

	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(64))
	src, _ = render(t, ops.NewStore(0, dtype.Float32, ops.Contiguous(1), ops.Reduce(ops.Sum, a, 1)))
	sig, err = ParseSignature(src)
	require.NoError(t, err)
	assert.Equal(t, Signature{Buffers: 2, LocalSize: [3]int{16, 1, 1}}, sig)

	x := ops.NewLoad(1, dtype.Int32, ops.Contiguous(4))
	src, _ = render(t, ops.NewStore(0, dtype.Int32, ops.Contiguous(4), ops.Binary(ops.Add, x, ops.NewVar("n"))))
	sig, err = ParseSignature(src)
	require.NoError(t, err)
	assert.Equal(t, Signature{Buffers: 2, Ints: 1}, sig)

	_, err = ParseSignature("int main() { return 0; }")
	assert.Error(t, err)
}

func TestRenderHalfAndVars(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float16, ops.Contiguous(4))
	src, _ := render(t, ops.NewStore(0, dtype.Float16, ops.Contiguous(4), ops.Unary(ops.Neg, a)))
	assert.Contains(t, src, "#pragma OPENCL EXTENSION cl_khr_fp16 : enable\n__kernel void")
	assert.Contains(t, src, "__global half* data0")

	x := ops.NewLoad(1, dtype.Int32, ops.Contiguous(4))
	src, lin := render(t, ops.NewStore(0, dtype.Int32, ops.Contiguous(4), ops.Binary(ops.Add, x, ops.NewVar("n"))))
	assert.Equal(t, []string{"n"}, lin.Vars)
	assert.Contains(t, src, "__global int* data1, const int n)")
	assert.NotContains(t, src, "#pragma")
}

func TestCodegenOptionsRejectDouble(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float64, ops.Contiguous(4))
	lin := codegen.New(ops.NewStore(0, dtype.Float64, ops.Contiguous(4), a), CodegenOptions())
	assert.Error(t, lin.Linearize())
}

func TestLanguage(t *testing.T) {
	r := New()
	assert.Equal(t, "opencl", r.Language())
	assert.Equal(t, "__kernel ", r.LangOpts().KernelPrefix)
	assert.True(t, r.LangOpts().UsesVload)
}

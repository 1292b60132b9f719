package wgsl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storm-ml/storm/internal/codegen"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
)

func render(t *testing.T, ast *ops.LazyOp) string {
	t.Helper()
	lin := codegen.New(ast, CodegenOptions())
	require.NoError(t, lin.Linearize())
	src, err := New().Render(lin.Name, lin.UOps)
	require.NoError(t, err)
	return src
}

func TestRenderAdd(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(4))
	b := ops.NewLoad(2, dtype.Float32, ops.Contiguous(4))
	src := render(t, ops.NewStore(0, dtype.Float32, ops.Contiguous(4), ops.Binary(ops.Add, a, b)))
	want := `@group(0) @binding(0) var<storage, read_write> data0: array<f32>;
@group(0) @binding(1) var<storage, read_write> data1: array<f32>;
@group(0) @binding(2) var<storage, read_write> data2: array<f32>;
@compute @workgroup_size(1, 1, 1)
fn E_4(@builtin(workgroup_id) wgid: vec3<u32>, @builtin(local_invocation_id) lid: vec3<u32>, @builtin(global_invocation_id) gid: vec3<u32>) {
  let gidx0: i32 = i32(gid.x); /* 4 */
  let val0: f32 = data1[gidx0];
  let val1: f32 = data2[gidx0];
  data0[gidx0] = (val0+val1);
}
`
	assert.Equal(t, want, src)

	size, err := ParseWorkgroupSize(src)
	require.NoError(t, err)
	assert.Equal(t, [3]int{1, 1, 1}, size)
	assert.Equal(t, 0, ParseNumVars(src))
}

func TestRenderReduce(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(2, 32))
	src := render(t, ops.NewStore(0, dtype.Float32, ops.Contiguous(2, 1), ops.Reduce(ops.ReduceMax, a, 2, 1)))
	for _, want := range []string{
		"var<workgroup> temp0: array<f32, 16>;",
		"@compute @workgroup_size(16, 1, 1)",
		"let gidx0: i32 = i32(wgid.x); /* 2 */",
		"let lidx0: i32 = i32(lid.x); /* 16 */",
		"var acc0: f32 = bitcast<f32>(0xff800000u);",
		"for (var ridx0: i32 = lidx0; ridx0 < 32i; ridx0 += 16) {",
		"acc0 = max(acc0,val0);",
		"workgroupBarrier();",
	} {
		assert.Contains(t, src, want)
	}
	size, err := ParseWorkgroupSize(src)
	require.NoError(t, err)
	assert.Equal(t, [3]int{16, 1, 1}, size)
}

func TestRenderConstSpecials(t *testing.T) {
	r := New()
	tests := []struct {
		v    float64
		dt   dtype.DType
		want string
	}{
		{1.5, dtype.Float32, "1.5f"},
		{math.Inf(-1), dtype.Float32, "bitcast<f32>(0xff800000u)"},
		{math.Inf(1), dtype.Float32, "bitcast<f32>(0x7f800000u)"},
		{math.Inf(-1), dtype.Float16, "bitcast<vec2<f16>>(0x0000fc00u).x"},
		{math.MinInt32, dtype.Int32, "i32(-2147483647i - 1i)"},
		{-3, dtype.Int32, "-3i"},
	}
	for _, tt := range tests {
		got, err := r.RenderConst(tt.v, tt.dt, 1)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	got, err := r.RenderConst(math.NaN(), dtype.Float32, 1)
	require.NoError(t, err)
	assert.Regexp(t, `^bitcast<f32>\(0x7f[c-f][0-9a-f]{5}u\)$`, got)
}

func TestRenderWhereFmaVars(t *testing.T) {
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(4))
	b := ops.NewLoad(2, dtype.Float32, ops.Contiguous(4))
	cond := ops.Binary(ops.CmpLT, a, b)
	fused := ops.Binary(ops.Add, ops.Binary(ops.Mul, a, b), b)
	src := render(t, ops.NewStore(0, dtype.Float32, ops.Contiguous(4), ops.Ternary(ops.Where, cond, fused, a)))
	assert.Contains(t, src, "select(val0, fma(val0, val1, val1), (val0<val1))")

	x := ops.NewLoad(1, dtype.Int32, ops.Contiguous(4))
	expr := ops.Binary(ops.Mul, ops.Binary(ops.Add, x, ops.NewVar("n")), ops.NewVar("m"))
	src = render(t, ops.NewStore(0, dtype.Int32, ops.Contiguous(4), expr))
	assert.Contains(t, src, "@group(0) @binding(2) var<storage, read> vars: array<i32>;")
	assert.Contains(t, src, "let n: i32 = vars[0];")
	assert.Contains(t, src, "let m: i32 = vars[1];")
	assert.Equal(t, 2, ParseNumVars(src))
}

func TestRenderRejectsVectors(t *testing.T) {
	_, err := New().RenderLoad("data0", "0", dtype.Float32, 4, false)
	assert.Error(t, err)
}

func TestParseWorkgroupSizeMissing(t *testing.T) {
	_, err := ParseWorkgroupSize("fn main() {}")
	assert.Error(t, err)
}

// Package wgsl renders kernels in the WebGPU Shading Language.
//
// Buffers bind to @group(0) in parameter order. Scalar int parameters are packed into one trailing
// read-only storage array named vars.
package wgsl

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/codegen"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
	"github.com/storm-ml/storm/internal/renderer"
)

// Opts are the WGSL language options.
func Opts() renderer.LanguageOpts {
	return renderer.LanguageOpts{
		Barrier:       "workgroupBarrier();",
		HalfPrekernel: "enable f16;",
		GroupID:       [3]string{"i32(wgid.x)", "i32(wgid.y)", "i32(wgid.z)"},
		LocalID:       [3]string{"i32(lid.x)", "i32(lid.y)", "i32(lid.z)"},
		GlobalID:      [3]string{"i32(gid.x)", "i32(gid.y)", "i32(gid.z)"},
		TypeNames: map[dtype.DType]string{
			dtype.Bool:    "bool",
			dtype.Int32:   "i32",
			dtype.Uint32:  "u32",
			dtype.Float16: "f16",
			dtype.Float32: "f32",
		},
	}
}

// Renderer emits WGSL compute shaders.
type Renderer struct {
	renderer.CStyle
}

// New returns a WGSL renderer.
func New() *Renderer {
	return &Renderer{CStyle: renderer.CStyle{Opts: Opts()}}
}

// Language implements renderer.Renderer.
func (r *Renderer) Language() string { return "wgsl" }

// Render implements renderer.Renderer.
func (r *Renderer) Render(name string, uops []*codegen.UOp) (string, error) {
	return renderer.Generate(r, name, uops)
}

// RenderDType spells WGSL scalar and vec4 types.
func (r *Renderer) RenderDType(dt dtype.DType, width int) (string, error) {
	name, err := r.CStyle.RenderDType(dt, 1)
	if err != nil {
		return "", err
	}
	if width > 1 {
		return fmt.Sprintf("vec%d<%s>", width, name), nil
	}
	return name, nil
}

// RenderConst uses WGSL literal suffixes.
func (r *Renderer) RenderConst(v float64, dt dtype.DType, width int) (string, error) {
	var s string
	switch dt {
	case dtype.Bool:
		s = strconv.FormatBool(v != 0)
	case dtype.Int32:
		if v == math.MinInt32 {
			// 2147483648i overflows before negation.
			s = "i32(-2147483647i - 1i)"
		} else {
			s = strconv.FormatInt(int64(v), 10) + "i"
		}
	case dtype.Uint32:
		s = strconv.FormatUint(uint64(v), 10) + "u"
	case dtype.Float32:
		if bits, special := specialBits(v); special {
			s = fmt.Sprintf("bitcast<f32>(0x%08xu)", bits)
		} else {
			s = renderer.FormatFloat(v, dt) + "f"
		}
	case dtype.Float16:
		if bits, special := specialBits(v); special {
			// f16 bit patterns only exist as halves of a u32.
			h := bits>>16&0x8000 | 0x7c00 | bits>>13&0x3ff
			s = fmt.Sprintf("bitcast<vec2<f16>>(0x%08xu).x", h)
		} else {
			s = renderer.FormatFloat(v, dt) + "h"
		}
	default:
		return "", errors.Errorf("type %s is not supported", dt)
	}
	if width == 1 {
		return s, nil
	}
	typ, err := r.RenderDType(dt, width)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s(%s)", typ, s), nil
}

// specialBits returns the f32 bit pattern of an infinity or NaN, which WGSL has no literal for.
func specialBits(v float64) (uint32, bool) {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return math.Float32bits(float32(v)), true
	}
	return 0, false
}

// RenderCast uses WGSL value constructors.
func (r *Renderer) RenderCast(x string, from, to dtype.DType, width int) (string, error) {
	typ, err := r.RenderDType(to, width)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s(%s)", typ, x), nil
}

// RenderLoad indexes storage and workgroup arrays. WGSL has no vector loads from scalar arrays.
func (r *Renderer) RenderLoad(buf, idx string, dt dtype.DType, width int, local bool) (string, error) {
	if width != 1 {
		return "", errors.New("WGSL renderer does not support vector loads")
	}
	return fmt.Sprintf("%s[%s]", buf, idx), nil
}

// RenderStore indexes storage and workgroup arrays.
func (r *Renderer) RenderStore(buf, idx, val string, dt dtype.DType, width int, local bool) (string, error) {
	if width != 1 {
		return "", errors.New("WGSL renderer does not support vector stores")
	}
	return fmt.Sprintf("%s[%s] = %s;", buf, idx, val), nil
}

// RenderDeclare uses let for values and var for accumulators.
func (r *Renderer) RenderDeclare(name, typ, value string, mutable bool) string {
	if mutable {
		return fmt.Sprintf("var %s: %s = %s;", name, typ, value)
	}
	return fmt.Sprintf("let %s: %s = %s;", name, typ, value)
}

// RenderLoop opens a counted loop.
func (r *Renderer) RenderLoop(name, start, end string, step int) string {
	inc := name + "++"
	if step != 1 {
		inc = fmt.Sprintf("%s += %d", name, step)
	}
	return fmt.Sprintf("for (var %s: i32 = %s; %s < %s; %s) {", name, start, name, end, inc)
}

// CodeForOp spells the ops whose WGSL form differs from C.
func (r *Renderer) CodeForOp(op ops.Op, in []string, dt dtype.DType) (string, error) {
	switch op {
	case ops.Where:
		return fmt.Sprintf("select(%s, %s, %s)", in[2], in[1], in[0]), nil
	case ops.MulAcc:
		return fmt.Sprintf("fma(%s, %s, %s)", in[0], in[1], in[2]), nil
	case ops.Recip:
		return fmt.Sprintf("(1.0/%s)", in[0]), nil
	}
	return r.CStyle.CodeForOp(op, in, dt)
}

// RenderKernel emits bindings, workgroup arrays and the entry point.
func (r *Renderer) RenderKernel(k *renderer.Kernel) (string, error) {
	var sb strings.Builder
	if k.UsesHalf {
		sb.WriteString(r.Opts.HalfPrekernel)
		sb.WriteByte('\n')
	}
	binding := 0
	var vars []string
	for _, p := range k.Params {
		if !p.Buffer {
			vars = append(vars, p.Name)
			continue
		}
		typ, err := r.RenderDType(p.DType, 1)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read_write> %s: array<%s>;\n", binding, p.Name, typ)
		binding++
	}
	if len(vars) > 0 {
		fmt.Fprintf(&sb, "@group(0) @binding(%d) var<storage, read> vars: array<i32>;\n", binding)
	}
	for _, l := range k.Locals {
		typ, err := r.RenderDType(l.DType, 1)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "var<workgroup> %s: array<%s, %d>;\n", l.Name, typ, l.Size)
	}
	fmt.Fprintf(&sb, "@compute @workgroup_size(%d, %d, %d)\n", k.LocalSize[0], k.LocalSize[1], k.LocalSize[2])
	fmt.Fprintf(&sb, "fn %s(@builtin(workgroup_id) wgid: vec3<u32>, @builtin(local_invocation_id) lid: vec3<u32>, "+
		"@builtin(global_invocation_id) gid: vec3<u32>) {\n", k.Name)
	for i, name := range vars {
		fmt.Fprintf(&sb, "  let %s: i32 = vars[%d];\n", name, i)
	}
	for _, line := range k.Body {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	sb.WriteString("}\n")
	return sb.String(), nil
}

// CodegenOptions are the linearizer options for WGSL: scalar code with workgroup reductions over
// 32-bit types.
func CodegenOptions() codegen.Options {
	return codegen.Options{
		HasLocal: true,
		DTypes:   map[dtype.DType]bool{dtype.Int32: true, dtype.Uint32: true, dtype.Float32: true},
	}
}

var workgroupSizeRE = regexp.MustCompile(`@workgroup_size\((\d+),\s*(\d+),\s*(\d+)\)`)

// ParseWorkgroupSize returns the workgroup size declared by a shader rendered by this package.
func ParseWorkgroupSize(source string) ([3]int, error) {
	m := workgroupSizeRE.FindStringSubmatch(source)
	if m == nil {
		return [3]int{}, errors.New("wgsl: shader declares no @workgroup_size")
	}
	var size [3]int
	for i := range size {
		size[i], _ = strconv.Atoi(m[i+1])
	}
	return size, nil
}

// ParseNumVars returns how many scalar int parameters a rendered shader reads from its vars array.
func ParseNumVars(source string) int {
	return strings.Count(source, "= vars[")
}

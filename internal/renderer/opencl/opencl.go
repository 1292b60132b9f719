// Package opencl renders kernels in OpenCL C.
package opencl

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/codegen"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
	"github.com/storm-ml/storm/internal/renderer"
)

// Opts are the OpenCL C language options.
func Opts() renderer.LanguageOpts {
	return renderer.LanguageOpts{
		KernelPrefix:  "__kernel ",
		BufferPrefix:  "__global ",
		SmemAlign:     "__attribute__ ((aligned (16))) ",
		SmemPrefix:    "__local ",
		ArgIntPrefix:  "const int",
		HalfPrekernel: "#pragma OPENCL EXTENSION cl_khr_fp16 : enable",
		Barrier:       "barrier(CLK_LOCAL_MEM_FENCE);",
		Float4:        "(float4)",
		GroupID:       [3]string{"get_group_id(0)", "get_group_id(1)", "get_group_id(2)"},
		LocalID:       [3]string{"get_local_id(0)", "get_local_id(1)", "get_local_id(2)"},
		GlobalID:      [3]string{"get_global_id(0)", "get_global_id(1)", "get_global_id(2)"},
		UsesVload:     true,
		TypeNames: map[dtype.DType]string{
			dtype.Bool:    "bool",
			dtype.Int8:    "char",
			dtype.Uint8:   "uchar",
			dtype.Int16:   "short",
			dtype.Int32:   "int",
			dtype.Uint32:  "uint",
			dtype.Int64:   "long",
			dtype.Float16: "half",
			dtype.Float32: "float",
			dtype.Float64: "double",
		},
	}
}

// Renderer emits OpenCL C. Multiply-accumulate lowers to the mad builtin.
type Renderer struct {
	renderer.CStyle
}

// New returns an OpenCL C renderer.
func New() *Renderer {
	return &Renderer{CStyle: renderer.CStyle{Opts: Opts()}}
}

// Language implements renderer.Renderer.
func (r *Renderer) Language() string { return "opencl" }

// Render implements renderer.Renderer.
func (r *Renderer) Render(name string, uops []*codegen.UOp) (string, error) {
	return renderer.Generate(r, name, uops)
}

// CodeForOp overrides MulAcc.
func (r *Renderer) CodeForOp(op ops.Op, in []string, dt dtype.DType) (string, error) {
	if op == ops.MulAcc {
		return fmt.Sprintf("mad(%s, %s, %s)", in[0], in[1], in[2]), nil
	}
	return r.CStyle.CodeForOp(op, in, dt)
}

// RenderKernel declares the work-group size of kernels that share local memory, so a launch with
// any other local size fails instead of reducing over the wrong lanes.
func (r *Renderer) RenderKernel(k *renderer.Kernel) (string, error) {
	if len(k.Locals) == 0 {
		return r.CStyle.RenderKernel(k)
	}
	c := r.CStyle
	c.Opts.KernelPrefix = fmt.Sprintf("__attribute__((reqd_work_group_size(%d, %d, %d))) %s",
		k.LocalSize[0], k.LocalSize[1], k.LocalSize[2], c.Opts.KernelPrefix)
	return c.RenderKernel(k)
}

// Signature is the launch contract read back from kernel source.
type Signature struct {
	Buffers int // __global pointer parameters, bound first
	Ints    int // scalar int parameters, bound after the buffers

	// LocalSize is the declared reqd_work_group_size; zero when the kernel accepts any.
	LocalSize [3]int
}

var (
	kernelRe = regexp.MustCompile(`__kernel\s+void\s+\w+\s*\(([^)]*)\)`)
	reqdRe   = regexp.MustCompile(`reqd_work_group_size\(\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*\)`)
)

// ParseSignature reads the parameter list and required work-group size of the kernel in source.
func ParseSignature(source string) (Signature, error) {
	var sig Signature
	m := kernelRe.FindStringSubmatch(source)
	if m == nil {
		return sig, errors.New("opencl: no __kernel function in source")
	}
	for _, param := range strings.Split(m[1], ",") {
		param = strings.TrimSpace(param)
		switch {
		case param == "":
		case strings.HasPrefix(param, "__global "):
			sig.Buffers++
		default:
			sig.Ints++
		}
	}
	if r := reqdRe.FindStringSubmatch(source); r != nil {
		for d := range sig.LocalSize {
			sig.LocalSize[d], _ = strconv.Atoi(r[d+1])
		}
	}
	return sig, nil
}

// CodegenOptions are the linearizer options for OpenCL devices: float4 vectors, work-group locals,
// and every element type except buffers of bool and double, which many devices lack.
func CodegenOptions() codegen.Options {
	return codegen.Options{
		SupportsFloat4: true,
		HasLocal:       true,
		DTypes: map[dtype.DType]bool{
			dtype.Int8: true, dtype.Uint8: true, dtype.Int16: true, dtype.Int32: true, dtype.Uint32: true,
			dtype.Int64: true, dtype.Float16: true, dtype.Float32: true,
		},
	}
}

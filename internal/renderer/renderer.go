// Package renderer turns linearized micro-ops into kernel source text.
//
// Generate walks a micro-op sequence once and asks a Dialect for every piece of syntax. CStyle is the
// default C-family dialect driven entirely by LanguageOpts; backend dialects embed it and override the
// hooks whose syntax differs.
package renderer

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/codegen"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
)

// LanguageOpts describe the surface syntax of a C-family kernel language.
type LanguageOpts struct {
	KernelPrefix  string    // before the kernel's return type, e.g. "__kernel "
	BufferPrefix  string    // before a buffer parameter's type, e.g. "__global "
	SmemPrefix    string    // before a shared array's type, e.g. "__local "
	SmemAlign     string    // alignment attribute of shared arrays
	ArgIntPrefix  string    // scalar int parameter type, e.g. "const int"
	Barrier       string    // work-group barrier statement
	GroupID       [3]string // expressions reading the work-group id per dimension
	LocalID       [3]string // expressions reading the local id per dimension
	GlobalID      [3]string // expressions reading the global id per dimension
	Float4        string    // vector literal prefix, e.g. "(float4)"; empty disables vector literals
	UsesVload     bool      // vector memory access through vload4/vstore4
	HalfPrekernel string    // preamble emitted when a half type is used
	Prekernel     []string  // preamble emitted before every kernel

	// TypeNames maps element types to their spelling. Types missing from the map cannot be rendered.
	TypeNames map[dtype.DType]string
}

// Renderer produces kernel source for one language.
type Renderer interface {
	// Language names the output dialect, e.g. "opencl".
	Language() string
	LangOpts() *LanguageOpts
	// Render emits the source of kernel name. Output is a pure function of its inputs.
	Render(name string, uops []*codegen.UOp) (string, error)
}

// Param is a kernel parameter in binding order: buffers first, then scalar ints.
type Param struct {
	Name   string
	DType  dtype.DType
	Buffer bool
}

// Local is a work-group shared array.
type Local struct {
	Name  string
	DType dtype.DType
	Size  int
}

// Kernel is everything a Dialect needs to wrap a rendered body into a complete kernel.
type Kernel struct {
	Name      string
	Params    []Param
	Locals    []Local
	Body      []string // indented statements
	LocalSize [3]int   // from LocalID specials, 1 where unused
	UsesHalf  bool
}

// Dialect supplies syntax to Generate.
type Dialect interface {
	LangOpts() *LanguageOpts
	RenderDType(dt dtype.DType, width int) (string, error)
	RenderConst(v float64, dt dtype.DType, width int) (string, error)
	RenderCast(x string, from, to dtype.DType, width int) (string, error)
	RenderLoad(buf, idx string, dt dtype.DType, width int, local bool) (string, error)
	RenderStore(buf, idx, val string, dt dtype.DType, width int, local bool) (string, error)
	RenderDeclare(name, typ, value string, mutable bool) string
	RenderLoop(name, start, end string, step int) string
	RenderIf(cond string) string
	CodeForOp(op ops.Op, operands []string, dt dtype.DType) (string, error)
	RenderKernel(k *Kernel) (string, error)
}

// Generate renders the micro-op sequence of kernel name through d.
// ALU results and casts used exactly once are inlined into their user.
func Generate(d Dialect, name string, uops []*codegen.UOp) (string, error) {
	opts := d.LangOpts()
	uses := make(map[*codegen.UOp]int)
	for _, u := range uops {
		for _, v := range u.Vin {
			uses[v]++
		}
	}

	k := &Kernel{Name: name, LocalSize: [3]int{1, 1, 1}}
	exprs := make(map[*codegen.UOp]string)
	locals := make(map[*codegen.UOp]bool)
	counters := make(map[string]int)
	fresh := func(prefix string) string {
		n := counters[prefix]
		counters[prefix]++
		return fmt.Sprintf("%s%d", prefix, n)
	}
	depth := 1
	line := func(s string) {
		k.Body = append(k.Body, strings.Repeat("  ", depth)+s)
	}
	declare := func(u *codegen.UOp, prefix, value string, mutable bool) error {
		typ, err := d.RenderDType(u.DType, u.Width)
		if err != nil {
			return err
		}
		name := fresh(prefix)
		line(d.RenderDeclare(name, typ, value, mutable))
		exprs[u] = name
		return nil
	}
	operands := func(u *codegen.UOp) []string {
		vals := make([]string, len(u.Vin))
		for i, v := range u.Vin {
			vals[i] = exprs[v]
		}
		return vals
	}

	for _, u := range uops {
		if u.DType == dtype.Float16 {
			k.UsesHalf = true
		}
		var err error
		switch u.Op {
		case codegen.DefineGlobal:
			arg := u.Arg.(*codegen.GlobalArg)
			k.Params = append(k.Params, Param{Name: arg.Name, DType: u.DType, Buffer: true})
			exprs[u] = arg.Name
		case codegen.DefineVar:
			name := u.Arg.(string)
			k.Params = append(k.Params, Param{Name: name, DType: dtype.Int32})
			exprs[u] = name
		case codegen.DefineLocal:
			arg := u.Arg.(*codegen.LocalArg)
			k.Locals = append(k.Locals, Local{Name: arg.Name, DType: u.DType, Size: arg.Size})
			exprs[u] = arg.Name
			locals[u] = true
		case codegen.Special:
			arg := u.Arg.(*codegen.SpecialArg)
			if arg.Dim < 0 || arg.Dim > 2 {
				return "", errors.Errorf("renderer: launch dimension %d out of range", arg.Dim)
			}
			var expr string
			switch arg.Kind {
			case codegen.GroupID:
				expr = opts.GroupID[arg.Dim]
			case codegen.LocalID:
				expr = opts.LocalID[arg.Dim]
				k.LocalSize[arg.Dim] = arg.Size
			default:
				expr = opts.GlobalID[arg.Dim]
			}
			typ, terr := d.RenderDType(dtype.Int32, 1)
			if terr != nil {
				return "", terr
			}
			line(fmt.Sprintf("%s /* %d */", d.RenderDeclare(arg.Name, typ, expr, false), arg.Size))
			exprs[u] = arg.Name
		case codegen.Const:
			exprs[u], err = d.RenderConst(u.Arg.(float64), u.DType, u.Width)
		case codegen.DefineAcc:
			var init string
			if init, err = d.RenderConst(u.Arg.(float64), u.DType, u.Width); err == nil {
				err = declare(u, "acc", init, true)
			}
		case codegen.Loop:
			arg := u.Arg.(*codegen.LoopArg)
			line(d.RenderLoop(arg.Name, exprs[u.Vin[0]], exprs[u.Vin[1]], arg.Step))
			exprs[u] = arg.Name
			depth++
		case codegen.If:
			line(d.RenderIf(exprs[u.Vin[0]]))
			depth++
		case codegen.EndLoop, codegen.EndIf:
			depth--
			line("}")
		case codegen.Load:
			var val string
			val, err = d.RenderLoad(exprs[u.Vin[0]], exprs[u.Vin[1]], u.DType, u.Width, locals[u.Vin[0]])
			if err == nil {
				err = declare(u, "val", val, false)
			}
		case codegen.Store:
			var stmt string
			in := operands(u)
			stmt, err = d.RenderStore(in[0], in[1], in[2], u.DType, u.Width, locals[u.Vin[0]])
			if err == nil {
				line(stmt)
			}
		case codegen.ALU:
			var expr string
			if expr, err = d.CodeForOp(u.Arg.(ops.Op), operands(u), u.DType); err == nil {
				err = bind(u, expr, uses[u], exprs, declare)
			}
		case codegen.Cast:
			var expr string
			if expr, err = d.RenderCast(exprs[u.Vin[0]], u.Vin[0].DType, u.DType, u.Width); err == nil {
				err = bind(u, expr, uses[u], exprs, declare)
			}
		case codegen.Phi:
			line(fmt.Sprintf("%s = %s;", exprs[u.Vin[0]], exprs[u.Vin[1]]))
			exprs[u] = exprs[u.Vin[0]]
		case codegen.Barrier:
			line(opts.Barrier)
		default:
			return "", errors.Errorf("renderer: unsupported micro-op %s", u.Op)
		}
		if err != nil {
			return "", errors.WithMessagef(err, "renderer: kernel %s", name)
		}
	}
	if depth != 1 {
		return "", errors.Errorf("renderer: kernel %s has unbalanced blocks", name)
	}
	return d.RenderKernel(k)
}

func bind(u *codegen.UOp, expr string, uses int, exprs map[*codegen.UOp]string,
	declare func(*codegen.UOp, string, string, bool) error) error {
	if uses == 1 {
		exprs[u] = expr
		return nil
	}
	return declare(u, "alu", expr, false)
}

// Package ops defines the LazyOp graph consumed by the kernel compiler.
//
// A graph is an immutable tree whose root is a Store into buffer 0 (by convention) and whose leaves
// are buffer loads, constants and scalar variables. Access patterns are described by View, which the
// compiler treats as an opaque, already-computed (shape, strides, offset) triple.
package ops

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/dtype"
)

// Op identifies a tensor operation.
type Op int

// Buffer ops.
const (
	Load Op = iota
	Const
	Store
	Var
)

// Unary ops.
const (
	Neg Op = iota + 16
	Exp2
	Log2
	Sin
	Sqrt
	Recip
	Cast
)

// Binary ops.
const (
	Add Op = iota + 32
	Sub
	Mul
	Div
	Max
	Mod
	CmpLT
	CmpEq
)

// Ternary ops.
const (
	Where Op = iota + 48
	MulAcc
)

// Reduce ops.
const (
	Sum Op = iota + 64
	ReduceMax
)

var opNames = map[Op]string{
	Load: "Load", Const: "Const", Store: "Store", Var: "Var",
	Neg: "Neg", Exp2: "Exp2", Log2: "Log2", Sin: "Sin", Sqrt: "Sqrt", Recip: "Recip", Cast: "Cast",
	Add: "Add", Sub: "Sub", Mul: "Mul", Div: "Div", Max: "Max", Mod: "Mod", CmpLT: "CmpLT", CmpEq: "CmpEq",
	Where: "Where", MulAcc: "MulAcc",
	Sum: "Sum", ReduceMax: "ReduceMax",
}

// String returns the op name.
func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// IsBuffer reports whether op is a leaf or a store.
func (op Op) IsBuffer() bool { return op >= Load && op <= Var }

// IsUnary reports whether op takes one operand.
func (op Op) IsUnary() bool { return op >= Neg && op <= Cast }

// IsBinary reports whether op takes two operands.
func (op Op) IsBinary() bool { return op >= Add && op <= CmpEq }

// IsTernary reports whether op takes three operands.
func (op Op) IsTernary() bool { return op == Where || op == MulAcc }

// IsReduce reports whether op reduces over one or more axes.
func (op Op) IsReduce() bool { return op == Sum || op == ReduceMax }

// IsALU reports whether op is an elementwise computation.
func (op Op) IsALU() bool { return op.IsUnary() || op.IsBinary() || op.IsTernary() }

// View is a strided access pattern over a buffer.
// Element (i0, i1, ...) lives at Offset + i0*Strides[0] + i1*Strides[1] + ...
type View struct {
	Shape   []int
	Strides []int
	Offset  int
}

// Contiguous returns the row-major view of shape.
func Contiguous(shape ...int) View {
	strides := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		if shape[i] == 1 {
			strides[i] = 0
		} else {
			strides[i] = acc
		}
		acc *= shape[i]
	}
	return View{Shape: append([]int(nil), shape...), Strides: strides}
}

// Broadcast returns a view of shape that reads every element from the same address.
func Broadcast(shape ...int) View {
	return View{Shape: append([]int(nil), shape...), Strides: make([]int, len(shape))}
}

// Size returns the number of elements addressed by the view.
func (v View) Size() int {
	n := 1
	for _, d := range v.Shape {
		n *= d
	}
	return n
}

// Validate checks that the view is well formed.
func (v View) Validate() error {
	if len(v.Shape) != len(v.Strides) {
		return errors.Errorf("ops: view has %d dims but %d strides", len(v.Shape), len(v.Strides))
	}
	for i, d := range v.Shape {
		if d <= 0 {
			return errors.Errorf("ops: view dimension %d has invalid size %d", i, d)
		}
	}
	if v.Offset < 0 {
		return errors.Errorf("ops: view has negative offset %d", v.Offset)
	}
	return nil
}

// String formats the view compactly.
func (v View) String() string {
	return fmt.Sprintf("View(shape=%v, strides=%v, offset=%d)", v.Shape, v.Strides, v.Offset)
}

// MemBuffer is the argument of Load and Store: kernel buffer Idx read or written through View.
type MemBuffer struct {
	Idx   int
	DType dtype.DType
	View  View
}

// ConstBuffer is the argument of Const: a scalar broadcast over View.
type ConstBuffer struct {
	Value float64
	DType dtype.DType
	View  View
}

// VarArg is the argument of Var: a named scalar int32 bound at launch time.
type VarArg struct {
	Name string
}

// ReduceArg is the argument of reduce ops: the shape after reduction. Reduced axes have size 1.
type ReduceArg struct {
	Shape []int
}

// LazyOp is one node of the operation graph.
type LazyOp struct {
	Op  Op
	Src []*LazyOp
	Arg any
}

// NewLoad reads buffer idx through view.
func NewLoad(idx int, dt dtype.DType, view View) *LazyOp {
	return &LazyOp{Op: Load, Arg: &MemBuffer{Idx: idx, DType: dt, View: view}}
}

// NewConst broadcasts value over view.
func NewConst(value float64, dt dtype.DType, view View) *LazyOp {
	return &LazyOp{Op: Const, Arg: &ConstBuffer{Value: value, DType: dt, View: view}}
}

// NewStore writes src into buffer idx through view.
func NewStore(idx int, dt dtype.DType, view View, src *LazyOp) *LazyOp {
	return &LazyOp{Op: Store, Src: []*LazyOp{src}, Arg: &MemBuffer{Idx: idx, DType: dt, View: view}}
}

// NewVar declares a scalar int32 kernel argument.
func NewVar(name string) *LazyOp {
	return &LazyOp{Op: Var, Arg: &VarArg{Name: name}}
}

// Unary applies a unary op. Use NewCast for Cast.
func Unary(op Op, x *LazyOp) *LazyOp {
	return &LazyOp{Op: op, Src: []*LazyOp{x}}
}

// NewCast converts x to dt.
func NewCast(x *LazyOp, dt dtype.DType) *LazyOp {
	return &LazyOp{Op: Cast, Src: []*LazyOp{x}, Arg: dt}
}

// Binary applies a binary op.
func Binary(op Op, a, b *LazyOp) *LazyOp {
	return &LazyOp{Op: op, Src: []*LazyOp{a, b}}
}

// Ternary applies a ternary op. For Where, a is the condition.
func Ternary(op Op, a, b, c *LazyOp) *LazyOp {
	return &LazyOp{Op: op, Src: []*LazyOp{a, b, c}}
}

// Reduce reduces x down to shape.
func Reduce(op Op, x *LazyOp, shape ...int) *LazyOp {
	return &LazyOp{Op: op, Src: []*LazyOp{x}, Arg: &ReduceArg{Shape: append([]int(nil), shape...)}}
}

// DType returns the element type produced by the op.
func (lo *LazyOp) DType() dtype.DType {
	switch lo.Op {
	case Load, Store:
		return lo.Arg.(*MemBuffer).DType
	case Const:
		return lo.Arg.(*ConstBuffer).DType
	case Var:
		return dtype.Int32
	case Cast:
		return lo.Arg.(dtype.DType)
	case CmpLT, CmpEq:
		return dtype.Bool
	case Where:
		return lo.Src[1].DType()
	}
	if len(lo.Src) == 0 {
		return dtype.Invalid
	}
	return lo.Src[0].DType()
}

// PostOrder returns every distinct node reachable from lo, each input before the ops that consume it.
func (lo *LazyOp) PostOrder() []*LazyOp {
	visited := make(map[*LazyOp]bool)
	result := make([]*LazyOp, 0)

	var visit func(*LazyOp)
	visit = func(node *LazyOp) {
		if visited[node] {
			return
		}
		visited[node] = true
		for _, src := range node.Src {
			visit(src)
		}
		result = append(result, node)
	}

	visit(lo)
	return result
}

// Buffers returns the MemBuffer arguments of the graph, one per buffer index, ordered by index.
func (lo *LazyOp) Buffers() []*MemBuffer {
	byIdx := make(map[int]*MemBuffer)
	maxIdx := -1
	for _, node := range lo.PostOrder() {
		if node.Op != Load && node.Op != Store {
			continue
		}
		mb := node.Arg.(*MemBuffer)
		if _, ok := byIdx[mb.Idx]; !ok {
			byIdx[mb.Idx] = mb
		}
		maxIdx = max(maxIdx, mb.Idx)
	}
	result := make([]*MemBuffer, 0, len(byIdx))
	for i := 0; i <= maxIdx; i++ {
		if mb, ok := byIdx[i]; ok {
			result = append(result, mb)
		}
	}
	return result
}

// String pretty-prints the graph as a nested expression.
func (lo *LazyOp) String() string {
	var sb strings.Builder
	lo.format(&sb)
	return sb.String()
}

func (lo *LazyOp) format(sb *strings.Builder) {
	sb.WriteString(lo.Op.String())
	switch arg := lo.Arg.(type) {
	case *MemBuffer:
		fmt.Fprintf(sb, "[%d:%s %v]", arg.Idx, arg.DType, arg.View.Shape)
	case *ConstBuffer:
		fmt.Fprintf(sb, "[%g:%s]", arg.Value, arg.DType)
	case *VarArg:
		fmt.Fprintf(sb, "[%s]", arg.Name)
	case *ReduceArg:
		fmt.Fprintf(sb, "[%v]", arg.Shape)
	case dtype.DType:
		fmt.Fprintf(sb, "[%s]", arg)
	}
	if len(lo.Src) == 0 {
		return
	}
	sb.WriteByte('(')
	for i, src := range lo.Src {
		if i > 0 {
			sb.WriteString(", ")
		}
		src.format(sb)
	}
	sb.WriteByte(')')
}

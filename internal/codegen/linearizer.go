package codegen

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
)

// defaultLocalSize is the work-group size used by cooperative reductions when Options.LocalSize is 0.
const defaultLocalSize = 16

// Options configure lowering for one device.
type Options struct {
	// SupportsFloat4 enables float4 upcasting of contiguous float32 elementwise kernels.
	SupportsFloat4 bool

	// HasLocal enables cooperative work-group reductions through local memory and barriers.
	HasLocal bool

	// LocalSize is the work-group size of cooperative reductions.
	LocalSize int

	// DTypes restricts the buffer and value types a kernel may use. Nil allows every type.
	DTypes map[dtype.DType]bool
}

// Linearizer lowers one LazyOp graph into a micro-op sequence.
//
// It is created per compile request and discarded after rendering.
type Linearizer struct {
	AST  *ops.LazyOp
	Opts Options

	// Outputs of Linearize.
	Name       string
	UOps       []*UOp
	GlobalSize []int            // total work-items per launch dimension
	LocalSize  []int            // work-group size, nil when the kernel needs none
	Buffers    []*ops.MemBuffer // kernel buffer parameters, in binding order
	Vars       []string         // scalar int parameters, bound after the buffers

	linearized bool
	width      int
	scopes     []map[string]*UOp
	globals    map[int]*UOp
	vars       map[string]*UOp
}

// New returns a Linearizer for ast. Call Linearize before reading its outputs.
func New(ast *ops.LazyOp, opts Options) *Linearizer {
	if opts.LocalSize <= 0 {
		opts.LocalSize = defaultLocalSize
	}
	return &Linearizer{AST: ast, Opts: opts}
}

// Linearized reports whether Linearize already ran successfully.
func (lin *Linearizer) Linearized() bool {
	return lin.linearized
}

// Linearize visits the graph in dependency order and emits the micro-op sequence.
// It is idempotent.
func (lin *Linearizer) Linearize() error {
	if lin.linearized {
		return nil
	}
	p, err := analyze(lin.AST, lin.Opts)
	if err != nil {
		return err
	}
	lin.emit(p)
	lin.linearized = true
	return nil
}

// plan is the loop structure chosen for a kernel.
type plan struct {
	root       *ops.LazyOp
	store      *ops.MemBuffer
	nodes      []*ops.LazyOp
	reduce     *ops.LazyOp
	reduceBody map[*ops.LazyOp]bool
	fullShape  []int
	outShape   []int
	reduceAxes []int
	dims       [][]int // axes folded into each launch dimension, row-major
	dimSizes   []int
	upcast     bool
	group      int // work-group size of a cooperative reduction, 0 when none
	buffers    []*ops.MemBuffer
	vars       []string
}

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func analyze(root *ops.LazyOp, opts Options) (*plan, error) {
	if root == nil || root.Op != ops.Store {
		return nil, errors.New("codegen: kernel root must be a Store")
	}
	store, ok := root.Arg.(*ops.MemBuffer)
	if !ok {
		return nil, errors.Errorf("codegen: Store argument is %T, want *ops.MemBuffer", root.Arg)
	}

	p := &plan{root: root, store: store, nodes: root.PostOrder()}
	bufTypes := make(map[int]dtype.DType)
	seenVars := make(map[string]bool)
	for _, n := range p.nodes {
		if err := checkNode(n, n == root, opts); err != nil {
			return nil, err
		}
		switch {
		case n.Op.IsReduce():
			if p.reduce != nil {
				return nil, errors.New("codegen: at most one reduce per kernel is supported")
			}
			p.reduce = n
		case n.Op == ops.Var:
			name := n.Arg.(*ops.VarArg).Name
			if !seenVars[name] {
				seenVars[name] = true
				p.vars = append(p.vars, name)
			}
		case n.Op == ops.Load || n.Op == ops.Store:
			mb := n.Arg.(*ops.MemBuffer)
			if dt, ok := bufTypes[mb.Idx]; ok && dt != mb.DType {
				return nil, errors.Errorf("codegen: buffer %d used as both %s and %s", mb.Idx, dt, mb.DType)
			}
			bufTypes[mb.Idx] = mb.DType
		}
	}

	p.buffers = root.Buffers()
	for i, mb := range p.buffers {
		if mb.Idx != i {
			return nil, errors.Errorf("codegen: buffer indices must be contiguous from 0, missing %d", i)
		}
	}

	if err := p.shapes(); err != nil {
		return nil, err
	}
	p.launchDims()
	p.upcast = p.canUpcast(opts)
	if p.upcast {
		p.dimSizes[0] /= 4
	}
	if p.reduce != nil && opts.HasLocal {
		size := p.reduceSize()
		group := opts.LocalSize
		for group > size {
			group /= 2
		}
		if group >= 2 {
			p.group = group
		}
	}
	return p, nil
}

func checkNode(n *ops.LazyOp, isRoot bool, opts Options) error {
	want := -1
	switch {
	case n.Op == ops.Store:
		if !isRoot {
			return errors.New("codegen: Store may only appear at the kernel root")
		}
		want = 1
	case n.Op.IsBuffer():
		want = 0
	case n.Op.IsUnary(), n.Op.IsReduce():
		want = 1
	case n.Op.IsBinary():
		want = 2
	case n.Op.IsTernary():
		want = 3
	default:
		return errors.Errorf("codegen: unsupported op %s", n.Op)
	}
	if len(n.Src) != want {
		return errors.Errorf("codegen: %s takes %d sources, got %d", n.Op, want, len(n.Src))
	}

	switch n.Op {
	case ops.Load, ops.Store:
		mb, ok := n.Arg.(*ops.MemBuffer)
		if !ok {
			return errors.Errorf("codegen: %s argument is %T, want *ops.MemBuffer", n.Op, n.Arg)
		}
		if mb.Idx < 0 {
			return errors.Errorf("codegen: negative buffer index %d", mb.Idx)
		}
		if err := mb.View.Validate(); err != nil {
			return errors.WithMessagef(err, "codegen: buffer %d", mb.Idx)
		}
	case ops.Const:
		cb, ok := n.Arg.(*ops.ConstBuffer)
		if !ok {
			return errors.Errorf("codegen: Const argument is %T, want *ops.ConstBuffer", n.Arg)
		}
		if err := cb.View.Validate(); err != nil {
			return errors.WithMessage(err, "codegen: const")
		}
	case ops.Var:
		va, ok := n.Arg.(*ops.VarArg)
		if !ok || !identifierRE.MatchString(va.Name) {
			return errors.Errorf("codegen: Var needs an identifier name, got %v", n.Arg)
		}
	case ops.Cast:
		if _, ok := n.Arg.(dtype.DType); !ok {
			return errors.Errorf("codegen: Cast argument is %T, want dtype.DType", n.Arg)
		}
	case ops.Sum, ops.ReduceMax:
		if _, ok := n.Arg.(*ops.ReduceArg); !ok {
			return errors.Errorf("codegen: %s argument is %T, want *ops.ReduceArg", n.Op, n.Arg)
		}
	}

	dt := n.DType()
	if !dt.Valid() {
		return errors.Errorf("codegen: %s has invalid dtype", n.Op)
	}
	// Comparison results are kernel-internal, so only values that touch memory or casts are checked.
	if opts.DTypes != nil && (n.Op.IsBuffer() || n.Op == ops.Cast) && !opts.DTypes[dt] {
		return errors.Errorf("codegen: dtype %s is not supported by this device", dt)
	}
	switch {
	case n.Op == ops.Mod && !dt.IsInt():
		return errors.Errorf("codegen: Mod needs an integer dtype, got %s", dt)
	case n.Op == ops.MulAcc && !dt.IsFloat():
		return errors.Errorf("codegen: MulAcc needs a float dtype, got %s", dt)
	case n.Op == ops.Where:
		if n.Src[0].DType() != dtype.Bool {
			return errors.Errorf("codegen: Where condition must be bool, got %s", n.Src[0].DType())
		}
		if n.Src[1].DType() != n.Src[2].DType() {
			return errors.Errorf("codegen: Where operands differ: %s vs %s", n.Src[1].DType(), n.Src[2].DType())
		}
	case n.Op.IsBinary() || n.Op == ops.MulAcc:
		for _, src := range n.Src[1:] {
			if src.DType() != n.Src[0].DType() {
				return errors.Errorf("codegen: %s operands differ: %s vs %s", n.Op, n.Src[0].DType(), src.DType())
			}
		}
	}
	return nil
}

// shapes derives the full (pre-reduce) and output shapes and checks every view against them.
func (p *plan) shapes() error {
	p.outShape = p.store.View.Shape
	p.fullShape = p.outShape
	if p.reduce != nil {
		p.reduceBody = make(map[*ops.LazyOp]bool)
		found := false
		for _, n := range p.reduce.Src[0].PostOrder() {
			p.reduceBody[n] = true
			if shape := leafShape(n); shape != nil && !found {
				p.fullShape, found = shape, true
			}
		}
		if !found {
			return errors.New("codegen: reduce input has no buffer or constant leaf")
		}
		rarg := p.reduce.Arg.(*ops.ReduceArg)
		if !slices.Equal(rarg.Shape, p.outShape) {
			return errors.Errorf("codegen: reduce shape %v does not match output shape %v", rarg.Shape, p.outShape)
		}
	}
	if len(p.fullShape) != len(p.outShape) {
		return errors.Errorf("codegen: input rank %d does not match output rank %d", len(p.fullShape), len(p.outShape))
	}
	for _, n := range p.nodes {
		shape := leafShape(n)
		if shape == nil {
			continue
		}
		want := p.outShape
		if p.reduceBody[n] {
			want = p.fullShape
		}
		if !slices.Equal(shape, want) {
			return errors.Errorf("codegen: %s view shape %v does not match kernel shape %v", n.Op, shape, want)
		}
	}
	for i := range p.fullShape {
		if p.fullShape[i] == p.outShape[i] {
			continue
		}
		if p.outShape[i] != 1 {
			return errors.Errorf("codegen: axis %d shrinks from %d to %d, reductions must reduce to 1",
				i, p.fullShape[i], p.outShape[i])
		}
		if p.reduce == nil {
			return errors.Errorf("codegen: axis %d changes size without a reduce", i)
		}
		p.reduceAxes = append(p.reduceAxes, i)
	}
	return nil
}

func leafShape(n *ops.LazyOp) []int {
	switch arg := n.Arg.(type) {
	case *ops.MemBuffer:
		return arg.View.Shape
	case *ops.ConstBuffer:
		return arg.View.Shape
	}
	return nil
}

// launchDims maps the non-unit output axes onto at most three launch dimensions: the last axis
// becomes dimension 0, and any axes beyond three fold into dimension 2.
func (p *plan) launchDims() {
	var axes []int
	for i, size := range p.outShape {
		if size != 1 && !slices.Contains(p.reduceAxes, i) {
			axes = append(axes, i)
		}
	}
	n := len(axes)
	switch {
	case n == 0:
		p.dims = [][]int{nil}
	case n <= 3:
		for d := range n {
			p.dims = append(p.dims, []int{axes[n-1-d]})
		}
	default:
		p.dims = [][]int{{axes[n-1]}, {axes[n-2]}, axes[:n-2]}
	}
	p.dimSizes = make([]int, len(p.dims))
	for d, dimAxes := range p.dims {
		p.dimSizes[d] = 1
		for _, a := range dimAxes {
			p.dimSizes[d] *= p.outShape[a]
		}
	}
}

func (p *plan) canUpcast(opts Options) bool {
	if !opts.SupportsFloat4 || p.reduce != nil || len(p.vars) > 0 || len(p.dims[0]) != 1 {
		return false
	}
	last := p.dims[0][0]
	if p.outShape[last]%4 != 0 {
		return false
	}
	for _, n := range p.nodes {
		if n.DType() != dtype.Float32 {
			return false
		}
		mb, ok := n.Arg.(*ops.MemBuffer)
		if !ok {
			continue
		}
		if mb.View.Strides[last] != 1 || mb.View.Offset%4 != 0 {
			return false
		}
		for i, st := range mb.View.Strides {
			if i != last && st%4 != 0 {
				return false
			}
		}
	}
	return true
}

func (p *plan) reduceSize() int {
	size := 1
	for _, a := range p.reduceAxes {
		size *= p.fullShape[a]
	}
	return size
}

func (p *plan) name() string {
	prefix := "E"
	if p.reduce != nil {
		prefix = "r"
	}
	parts := []string{prefix}
	for i, size := range p.outShape {
		if size != 1 && !slices.Contains(p.reduceAxes, i) {
			parts = append(parts, strconv.Itoa(size))
		}
	}
	for _, a := range p.reduceAxes {
		parts = append(parts, strconv.Itoa(p.fullShape[a]))
	}
	if len(parts) == 1 {
		parts = append(parts, "1")
	}
	return strings.Join(parts, "_")
}

func (lin *Linearizer) emit(p *plan) {
	lin.UOps = nil
	lin.scopes = []map[string]*UOp{{}}
	lin.globals = make(map[int]*UOp)
	lin.vars = make(map[string]*UOp)
	lin.width = 1
	if p.upcast {
		lin.width = 4
	}
	lin.Name = p.name()
	lin.Buffers = p.buffers
	lin.Vars = p.vars

	for _, mb := range p.buffers {
		lin.globals[mb.Idx] = lin.push(DefineGlobal, mb.DType, 1, nil, &GlobalArg{Idx: mb.Idx, Name: fmt.Sprintf("data%d", mb.Idx)})
	}
	for _, name := range p.vars {
		lin.vars[name] = lin.push(DefineVar, dtype.Int32, 1, nil, name)
	}
	var temp *UOp
	if p.group > 0 {
		temp = lin.push(DefineLocal, p.reduce.DType(), 1, nil, &LocalArg{Name: "temp0", Size: p.group})
	}

	kind := GlobalID
	if p.group > 0 {
		kind = GroupID
	}
	idx := make([]*UOp, len(p.outShape))
	for i := range idx {
		idx[i] = lin.constInt(0)
	}
	for d, size := range p.dimSizes {
		id := lin.push(Special, dtype.Int32, 1, nil, &SpecialArg{Kind: kind, Dim: d, Size: size, Name: fmt.Sprintf("gidx%d", d)})
		if d == 0 && p.upcast {
			id = lin.alu(ops.Mul, id, lin.constInt(4))
		}
		lin.unflatten(idx, p.dims[d], p.outShape, id)
	}
	var lid *UOp
	if p.group > 0 {
		lid = lin.push(Special, dtype.Int32, 1, nil, &SpecialArg{Kind: LocalID, Dim: 0, Size: p.group, Name: "lidx0"})
	}

	outer := make(map[*ops.LazyOp]*UOp)
	var ifu *UOp
	if p.reduce != nil {
		rdt := p.reduce.DType()
		redOp, init := ops.Add, 0.0
		if p.reduce.Op == ops.ReduceMax {
			redOp, init = ops.Max, rdt.Min()
		}

		acc := lin.push(DefineAcc, rdt, 1, nil, init)
		start, step := lin.constInt(0), 1
		if p.group > 0 {
			start, step = lid, p.group
		}
		loop := lin.push(Loop, dtype.Int32, 1, []*UOp{start, lin.constInt(p.reduceSize())}, &LoopArg{Name: "ridx0", Step: step})
		lin.pushScope()
		full := slices.Clone(idx)
		lin.unflatten(full, p.reduceAxes, p.fullShape, loop)
		val := lin.eval(p.reduce.Src[0], full, make(map[*ops.LazyOp]*UOp))
		lin.push(Phi, rdt, 1, []*UOp{acc, lin.alu(redOp, acc, val)}, nil)
		lin.popScope()
		lin.push(EndLoop, dtype.Int32, 1, []*UOp{loop}, nil)

		result := acc
		if p.group > 0 {
			lin.push(Store, rdt, 1, []*UOp{temp, lid, acc}, nil)
			lin.push(Barrier, dtype.Invalid, 1, nil, nil)
			ifu = lin.push(If, dtype.Bool, 1, []*UOp{lin.alu(ops.CmpLT, lid, lin.constInt(1))}, nil)
			lin.pushScope()
			result = lin.push(DefineAcc, rdt, 1, nil, init)
			loop2 := lin.push(Loop, dtype.Int32, 1, []*UOp{lin.constInt(0), lin.constInt(p.group)}, &LoopArg{Name: "ridx1", Step: 1})
			lin.pushScope()
			partial := lin.push(Load, rdt, 1, []*UOp{temp, loop2}, nil)
			lin.push(Phi, rdt, 1, []*UOp{result, lin.alu(redOp, result, partial)}, nil)
			lin.popScope()
			lin.push(EndLoop, dtype.Int32, 1, []*UOp{loop2}, nil)
		}
		outer[p.reduce] = result
	}

	val := lin.eval(p.root.Src[0], idx, outer)
	if val.DType != p.store.DType {
		val = lin.cast(val, p.store.DType)
	}
	addr := lin.address(p.store.View, idx)
	lin.push(Store, p.store.DType, val.Width, []*UOp{lin.globals[p.store.Idx], addr, val}, nil)
	if ifu != nil {
		lin.popScope()
		lin.push(EndIf, dtype.Bool, 1, []*UOp{ifu}, nil)
	}

	var global, local []int
	global = slices.Clone(p.dimSizes)
	if p.group > 0 {
		local = make([]int, len(global))
		for i := range local {
			local[i] = 1
		}
		local[0] = p.group
		global[0] *= p.group
	}
	lin.GlobalSize, lin.LocalSize = global, local
	lin.scopes = nil
}

// unflatten writes into idx the per-axis indices encoded row-major in flat.
func (lin *Linearizer) unflatten(idx []*UOp, axes []int, shape []int, flat *UOp) {
	stride := 1
	for j := len(axes) - 1; j >= 0; j-- {
		a := axes[j]
		v := lin.alu(ops.Div, flat, lin.constInt(stride))
		if j != 0 {
			v = lin.alu(ops.Mod, v, lin.constInt(shape[a]))
		}
		idx[a] = v
		stride *= shape[a]
	}
}

// address computes Offset + sum(idx[i] * Strides[i]).
func (lin *Linearizer) address(v ops.View, idx []*UOp) *UOp {
	addr := lin.constInt(v.Offset)
	for i, st := range v.Strides {
		if st == 0 || v.Shape[i] == 1 {
			continue
		}
		addr = lin.alu(ops.Add, addr, lin.alu(ops.Mul, idx[i], lin.constInt(st)))
	}
	return addr
}

func (lin *Linearizer) eval(n *ops.LazyOp, idx []*UOp, memo map[*ops.LazyOp]*UOp) *UOp {
	if u, ok := memo[n]; ok {
		return u
	}
	var u *UOp
	switch {
	case n.Op == ops.Load:
		mb := n.Arg.(*ops.MemBuffer)
		u = lin.push(Load, mb.DType, lin.width, []*UOp{lin.globals[mb.Idx], lin.address(mb.View, idx)}, nil)
	case n.Op == ops.Const:
		cb := n.Arg.(*ops.ConstBuffer)
		u = lin.constant(cb.Value, cb.DType, lin.width)
	case n.Op == ops.Var:
		u = lin.vars[n.Arg.(*ops.VarArg).Name]
	case n.Op == ops.Cast:
		u = lin.cast(lin.eval(n.Src[0], idx, memo), n.Arg.(dtype.DType))
	case n.Op == ops.Add && n.DType().IsFloat() && (n.Src[0].Op == ops.Mul || n.Src[1].Op == ops.Mul):
		// a*b+c lowers to a fused multiply-add.
		mul, other := n.Src[0], n.Src[1]
		if mul.Op != ops.Mul {
			mul, other = other, mul
		}
		u = lin.alu(ops.MulAcc, lin.eval(mul.Src[0], idx, memo), lin.eval(mul.Src[1], idx, memo), lin.eval(other, idx, memo))
	default:
		vin := make([]*UOp, len(n.Src))
		for i, src := range n.Src {
			vin[i] = lin.eval(src, idx, memo)
		}
		u = lin.alu(n.Op, vin...)
	}
	memo[n] = u
	return u
}

func aluDType(op ops.Op, vin []*UOp) dtype.DType {
	switch op {
	case ops.CmpLT, ops.CmpEq:
		return dtype.Bool
	case ops.Where:
		return vin[1].DType
	}
	return vin[0].DType
}

func (lin *Linearizer) alu(op ops.Op, vin ...*UOp) *UOp {
	dt := aluDType(op, vin)
	width := 1
	for _, v := range vin {
		width = max(width, v.Width)
	}
	if dt.IsInt() {
		if v, ok := foldInt(op, vin); ok {
			return lin.constant(float64(v), dt, width)
		}
		switch op {
		case ops.Add:
			if isConst(vin[1], 0) {
				return vin[0]
			}
			if isConst(vin[0], 0) {
				return vin[1]
			}
		case ops.Mul:
			if isConst(vin[1], 1) {
				return vin[0]
			}
			if isConst(vin[0], 1) {
				return vin[1]
			}
			if isConst(vin[0], 0) || isConst(vin[1], 0) {
				return lin.constant(0, dt, width)
			}
		case ops.Div:
			if isConst(vin[1], 1) {
				return vin[0]
			}
		}
	}
	return lin.push(ALU, dt, width, vin, op)
}

func isConst(u *UOp, v float64) bool {
	return u.Op == Const && u.Arg.(float64) == v
}

func foldInt(op ops.Op, vin []*UOp) (int64, bool) {
	vals := make([]int64, len(vin))
	for i, u := range vin {
		if u.Op != Const {
			return 0, false
		}
		vals[i] = int64(u.Arg.(float64))
	}
	switch op {
	case ops.Add:
		return vals[0] + vals[1], true
	case ops.Sub:
		return vals[0] - vals[1], true
	case ops.Mul:
		return vals[0] * vals[1], true
	case ops.Div:
		if vals[1] != 0 {
			return vals[0] / vals[1], true
		}
	case ops.Mod:
		if vals[1] != 0 {
			return vals[0] % vals[1], true
		}
	case ops.Max:
		return max(vals[0], vals[1]), true
	case ops.Neg:
		return -vals[0], true
	}
	return 0, false
}

func (lin *Linearizer) cast(u *UOp, dt dtype.DType) *UOp {
	if u.DType == dt {
		return u
	}
	return lin.push(Cast, dt, u.Width, []*UOp{u}, nil)
}

func (lin *Linearizer) constInt(v int) *UOp {
	return lin.constant(float64(v), dtype.Int32, 1)
}

func (lin *Linearizer) constant(v float64, dt dtype.DType, width int) *UOp {
	return lin.push(Const, dt, width, nil, v)
}

func (lin *Linearizer) pushScope() {
	lin.scopes = append(lin.scopes, make(map[string]*UOp))
}

func (lin *Linearizer) popScope() {
	lin.scopes = lin.scopes[:len(lin.scopes)-1]
}

// push appends a micro-op, reusing an identical Const, ALU or Cast visible from the current scope.
// Constants are position independent and shared kernel-wide; other values only within the
// block that computed them.
func (lin *Linearizer) push(op UOps, dt dtype.DType, width int, vin []*UOp, arg any) *UOp {
	cacheable := op == Const || op == ALU || op == Cast
	var key string
	if cacheable {
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d:%d:%d:%v", op, dt, width, arg)
		for _, v := range vin {
			fmt.Fprintf(&sb, ":%p", v)
		}
		key = sb.String()
		for i := len(lin.scopes) - 1; i >= 0; i-- {
			if u, ok := lin.scopes[i][key]; ok {
				return u
			}
		}
	}
	u := &UOp{Op: op, DType: dt, Width: width, Vin: vin, Arg: arg}
	lin.UOps = append(lin.UOps, u)
	if cacheable {
		scope := lin.scopes[len(lin.scopes)-1]
		if op == Const {
			scope = lin.scopes[0]
		}
		scope[key] = u
	}
	return u
}

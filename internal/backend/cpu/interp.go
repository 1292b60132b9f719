package cpu

import (
	"math"
	"slices"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/storm-ml/storm/internal/codegen"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
	"github.com/storm-ml/storm/internal/parallel"
)

// launch is one kernel invocation with its bound arguments.
type launch struct {
	k      *kernel
	bufs   [][]byte
	args   []int
	global [3]int
	local  [3]int
}

// lane is the state of one work-item. Values of integer and Bool micro-ops live in iregs, exact to
// 64 bits; floating point values live in fregs.
type lane struct {
	pc    int
	lid   [3]int
	fregs [][4]float64
	iregs [][4]int64
	done  bool
}

// run executes every work-group of the launch.
func (l *launch) run(cfg parallel.Config) error {
	var groups [3]int
	for d := range groups {
		groups[d] = l.global[d] / l.local[d]
	}
	return parallel.ForGrid(groups, func(x, y, z int) error {
		return l.runGroup([3]int{x, y, z})
	}, cfg)
}

// runGroup interprets one work-group. Work-items run one after another up to each barrier, which
// gives barrier semantics without a goroutine per work-item.
func (l *launch) runGroup(group [3]int) error {
	k := l.k
	shared := make([][]byte, len(k.uops))
	for i, u := range k.uops {
		if u.Op == codegen.DefineLocal {
			shared[i] = make([]byte, u.Arg.(*codegen.LocalArg).Size*u.DType.Size())
		}
	}

	lx, ly := l.local[0], l.local[1]
	lanes := make([]*lane, lx*ly*l.local[2])
	for i := range lanes {
		lanes[i] = &lane{
			lid:   [3]int{i % lx, (i / lx) % ly, i / (lx * ly)},
			fregs: slices.Clone(k.fconsts),
			iregs: slices.Clone(k.iconsts),
		}
	}

	for {
		atBarrier, done := 0, 0
		for _, ln := range lanes {
			if ln.done {
				done++
				continue
			}
			hit, err := l.exec(group, ln, shared)
			if err != nil {
				return err
			}
			if hit {
				atBarrier++
			} else {
				done++
			}
		}
		if done == len(lanes) {
			return nil
		}
		if atBarrier != len(lanes) {
			return errors.Errorf("kernel %s: work-items of group %v diverged at a barrier", k.name, group)
		}
	}
}

// exec runs ln until it reaches a barrier (returning true) or the end of the kernel.
func (l *launch) exec(group [3]int, ln *lane, shared [][]byte) (bool, error) {
	k := l.k
	comp := func(j, c int) int {
		if k.uops[j].Width == 1 {
			return 0
		}
		return c
	}
	// getF and getI read operand j converted as a C cast would.
	getF := func(j, c int) float64 {
		if k.isInt[j] {
			return float64(ln.iregs[j][comp(j, c)])
		}
		return ln.fregs[j][comp(j, c)]
	}
	getI := func(j, c int) int64 {
		if k.isInt[j] {
			return ln.iregs[j][comp(j, c)]
		}
		return int64(ln.fregs[j][comp(j, c)])
	}
	// set stores a result computed in the float or the integer domain into register i.
	setF := func(i, c int, v float64) {
		dt := k.uops[i].DType
		switch {
		case dt == dtype.Bool:
			ln.iregs[i][c] = boolInt(v != 0)
		case k.isInt[i]:
			ln.iregs[i][c] = wrapInt(dt, int64(v))
		default:
			ln.fregs[i][c] = roundFloat(dt, v)
		}
	}
	setI := func(i, c int, v int64) {
		if k.isInt[i] {
			ln.iregs[i][c] = wrapInt(k.uops[i].DType, v)
			return
		}
		ln.fregs[i][c] = roundFloat(k.uops[i].DType, float64(v))
	}

	for ln.pc < len(k.uops) {
		i := ln.pc
		u := k.uops[i]
		vin := k.vin[i]
		ln.pc++

		switch u.Op {
		case codegen.DefineGlobal, codegen.DefineLocal, codegen.Const, codegen.EndIf:
		case codegen.DefineVar:
			setI(i, 0, int64(l.args[k.varIdx[i]]))
		case codegen.Special:
			arg := u.Arg.(*codegen.SpecialArg)
			var v int
			switch arg.Kind {
			case codegen.GroupID:
				v = group[arg.Dim]
			case codegen.LocalID:
				v = ln.lid[arg.Dim]
			default:
				v = group[arg.Dim]*l.local[arg.Dim] + ln.lid[arg.Dim]
			}
			setI(i, 0, int64(v))
		case codegen.DefineAcc:
			for c := range u.Width {
				setF(i, c, u.Arg.(float64))
			}
		case codegen.Loop:
			setI(i, 0, getI(vin[0], 0))
			if getI(i, 0) >= getI(vin[1], 0) {
				ln.pc = k.jump[i] + 1
			}
		case codegen.EndLoop:
			loop := k.jump[i]
			setI(loop, 0, getI(loop, 0)+int64(k.uops[loop].Arg.(*codegen.LoopArg).Step))
			if getI(loop, 0) < getI(k.vin[loop][1], 0) {
				ln.pc = loop + 1
			}
		case codegen.If:
			if getF(vin[0], 0) == 0 {
				ln.pc = k.jump[i] + 1
			}
		case codegen.Load:
			idx := int(getI(vin[1], 0))
			data, err := l.memory(shared, vin[0], idx, u, "load")
			if err != nil {
				return false, err
			}
			for c := range u.Width {
				if k.isInt[i] {
					ln.iregs[i][c] = u.DType.DecodeInt(data, idx+c)
				} else {
					ln.fregs[i][c] = u.DType.Decode(data, idx+c)
				}
			}
		case codegen.Store:
			idx := int(getI(vin[1], 0))
			data, err := l.memory(shared, vin[0], idx, u, "store")
			if err != nil {
				return false, err
			}
			for c := range u.Width {
				switch {
				case u.DType == dtype.Bool:
					u.DType.EncodeInt(data, idx+c, boolInt(getF(vin[2], c) != 0))
				case k.isInt[i]:
					u.DType.EncodeInt(data, idx+c, getI(vin[2], c))
				default:
					u.DType.Encode(data, idx+c, getF(vin[2], c))
				}
			}
		case codegen.ALU:
			op := u.Arg.(ops.Op)
			src := vin[0]
			if op == ops.Where {
				src = vin[1]
			}
			if k.isInt[src] && !floatOnly(op) {
				var in [3]int64
				for c := range u.Width {
					for j, v := range vin {
						in[j] = getI(v, c)
					}
					v, err := aluInt(op, k.uops[src].DType, in)
					if err != nil {
						return false, errors.WithMessagef(err, "kernel %s", k.name)
					}
					setI(i, c, v)
				}
				continue
			}
			var in [3]float64
			for c := range u.Width {
				for j, v := range vin {
					in[j] = getF(v, c)
				}
				v, err := aluFloat(op, in)
				if err != nil {
					return false, errors.WithMessagef(err, "kernel %s", k.name)
				}
				setF(i, c, v)
			}
		case codegen.Phi:
			for c := range u.Width {
				if k.isInt[vin[0]] {
					ln.iregs[vin[0]][c] = getI(vin[1], c)
				} else {
					ln.fregs[vin[0]][c] = getF(vin[1], c)
				}
			}
		case codegen.Cast:
			for c := range u.Width {
				if k.isInt[vin[0]] {
					setI(i, c, getI(vin[0], c))
				} else {
					setF(i, c, getF(vin[0], c))
				}
			}
		case codegen.Barrier:
			return true, nil
		default:
			return false, errors.Errorf("kernel %s: unsupported micro-op %s", k.name, u.Op)
		}
	}
	ln.done = true
	return false, nil
}

// memory returns the bytes behind buffer parameter or local array j after checking that the access
// of u at idx stays in range.
func (l *launch) memory(shared [][]byte, j, idx int, u *codegen.UOp, access string) ([]byte, error) {
	k := l.k
	if data := shared[j]; data != nil {
		if idx < 0 || (idx+u.Width)*u.DType.Size() > len(data) {
			return nil, errors.Errorf("kernel %s: local %s index %d out of range [0, %d)",
				k.name, access, idx, len(data)/u.DType.Size())
		}
		return data, nil
	}
	data := l.bufs[k.bufIdx[j]]
	if idx < 0 || (idx+u.Width)*u.DType.Size() > len(data) {
		return nil, errors.Errorf("kernel %s: %s index %d out of range for buffer %d", k.name, access, idx, k.bufIdx[j])
	}
	return data, nil
}

// aluFloat evaluates op in double precision. The caller rounds the result to the output type.
func aluFloat(op ops.Op, in [3]float64) (float64, error) {
	a, b, c := in[0], in[1], in[2]
	switch op {
	case ops.Neg:
		return -a, nil
	case ops.Exp2:
		return math.Exp2(a), nil
	case ops.Log2:
		return math.Log2(a), nil
	case ops.Sin:
		return math.Sin(a), nil
	case ops.Sqrt:
		return math.Sqrt(a), nil
	case ops.Recip:
		return 1 / a, nil
	case ops.Add:
		return a + b, nil
	case ops.Sub:
		return a - b, nil
	case ops.Mul:
		return a * b, nil
	case ops.Div:
		return a / b, nil
	case ops.Max:
		return max(a, b), nil
	case ops.Mod:
		return math.Mod(a, b), nil
	case ops.CmpLT:
		return boolean(a < b), nil
	case ops.CmpEq:
		return boolean(a == b), nil
	case ops.Where:
		if a != 0 {
			return b, nil
		}
		return c, nil
	case ops.MulAcc:
		return a*b + c, nil
	}
	return 0, errors.Errorf("unsupported ALU op %s", op)
}

// aluInt evaluates op on integer operands of type dt. Arithmetic wraps in 64 bits; the caller wraps
// the result to the output type.
func aluInt(op ops.Op, dt dtype.DType, in [3]int64) (int64, error) {
	a, b, c := in[0], in[1], in[2]
	switch op {
	case ops.Neg:
		return -a, nil
	case ops.Add:
		return a + b, nil
	case ops.Sub:
		return a - b, nil
	case ops.Mul:
		return a * b, nil
	case ops.Div:
		if b == 0 {
			return 0, errors.Errorf("%s division by zero", dt)
		}
		return a / b, nil
	case ops.Max:
		return max(a, b), nil
	case ops.Mod:
		if b == 0 {
			return 0, errors.Errorf("%s modulo by zero", dt)
		}
		return a % b, nil
	case ops.CmpLT:
		return boolInt(a < b), nil
	case ops.CmpEq:
		return boolInt(a == b), nil
	case ops.Where:
		if a != 0 {
			return b, nil
		}
		return c, nil
	case ops.MulAcc:
		return a*b + c, nil
	}
	return 0, errors.Errorf("unsupported ALU op %s on %s", op, dt)
}

func boolean(v bool) float64 {
	if v {
		return 1
	}
	return 0
}

func boolInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// wrapInt wraps v to the range of dt, as storing it in a dt variable would.
//
//nolint:gosec // G115: narrowing wraps, as C integer conversions do.
func wrapInt(dt dtype.DType, v int64) int64 {
	switch dt {
	case dtype.Bool:
		return boolInt(v != 0)
	case dtype.Int8:
		return int64(int8(v))
	case dtype.Uint8:
		return int64(uint8(v))
	case dtype.Int16:
		return int64(int16(v))
	case dtype.Int32:
		return int64(int32(v))
	case dtype.Uint32:
		return int64(uint32(v))
	}
	return v
}

// roundFloat rounds v to the precision of dt.
func roundFloat(dt dtype.DType, v float64) float64 {
	switch dt {
	case dtype.Float16:
		return float64(float16.Fromfloat32(float32(v)).Float32())
	case dtype.Float32:
		return float64(float32(v))
	}
	return v
}

// floatOnly reports whether op is a transcendental evaluated in floating point for every type.
func floatOnly(op ops.Op) bool {
	switch op {
	case ops.Exp2, ops.Log2, ops.Sin, ops.Sqrt, ops.Recip:
		return true
	}
	return false
}

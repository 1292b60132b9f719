package cpu

import (
	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/codegen"
	"github.com/storm-ml/storm/internal/dtype"
)

// kernel is a linearized program prepared for interpretation.
type kernel struct {
	name string
	uops []*codegen.UOp
	vin  [][]int // operand positions of each micro-op

	// jump holds, for Loop the position of its EndLoop, for EndLoop its Loop, and for If its EndIf.
	jump []int

	// isInt marks micro-ops whose values are integers or Bool and live in the integer registers.
	isInt []bool

	// fconsts and iconsts are the initial register files: every Const is position independent and
	// preset.
	fconsts [][4]float64
	iconsts [][4]int64

	bufDTypes []dtype.DType // parameter dtypes, in binding order
	bufIdx    []int         // parameter index of each DefineGlobal, -1 elsewhere
	varIdx    []int         // arg index of each DefineVar, -1 elsewhere
	numVars   int

	localSize [3]int // required work-group size; 1 where the kernel reads no local id
	dims      int    // number of launch dimensions the kernel reads
}

func newKernel(lin *codegen.Linearizer) (*kernel, error) {
	n := len(lin.UOps)
	k := &kernel{
		name:      lin.Name,
		uops:      lin.UOps,
		vin:       make([][]int, n),
		jump:      make([]int, n),
		isInt:     make([]bool, n),
		fconsts:   make([][4]float64, n),
		iconsts:   make([][4]int64, n),
		bufIdx:    make([]int, n),
		varIdx:    make([]int, n),
		numVars:   len(lin.Vars),
		localSize: [3]int{1, 1, 1},
	}
	for _, mb := range lin.Buffers {
		k.bufDTypes = append(k.bufDTypes, mb.DType)
	}
	varPos := make(map[string]int, len(lin.Vars))
	for i, name := range lin.Vars {
		varPos[name] = i
	}

	pos := make(map[*codegen.UOp]int, n)
	var open []int
	for i, u := range lin.UOps {
		pos[u] = i
		k.isInt[i] = !u.DType.IsFloat()
		k.bufIdx[i], k.varIdx[i] = -1, -1
		k.vin[i] = make([]int, len(u.Vin))
		for j, v := range u.Vin {
			p, ok := pos[v]
			if !ok {
				return nil, errors.Errorf("cpu: kernel %s: operand of micro-op %d is not defined before use", lin.Name, i)
			}
			k.vin[i][j] = p
		}
		if u.Width < 1 || u.Width > 4 {
			return nil, errors.Errorf("cpu: kernel %s: unsupported vector width %d", lin.Name, u.Width)
		}

		switch u.Op {
		case codegen.Const:
			for c := range u.Width {
				if k.isInt[i] {
					k.iconsts[i][c] = int64(u.Arg.(float64))
				} else {
					k.fconsts[i][c] = u.Arg.(float64)
				}
			}
		case codegen.DefineGlobal:
			k.bufIdx[i] = u.Arg.(*codegen.GlobalArg).Idx
		case codegen.DefineVar:
			k.varIdx[i] = varPos[u.Arg.(string)]
		case codegen.Special:
			arg := u.Arg.(*codegen.SpecialArg)
			k.dims = max(k.dims, arg.Dim+1)
			if arg.Kind == codegen.LocalID {
				k.localSize[arg.Dim] = arg.Size
			}
		case codegen.Loop, codegen.If:
			open = append(open, i)
		case codegen.EndLoop, codegen.EndIf:
			if len(open) == 0 {
				return nil, errors.Errorf("cpu: kernel %s: unbalanced %s", lin.Name, u.Op)
			}
			start := open[len(open)-1]
			open = open[:len(open)-1]
			k.jump[start] = i
			k.jump[i] = start
		}
	}
	if len(open) != 0 {
		return nil, errors.Errorf("cpu: kernel %s: unterminated block", lin.Name)
	}
	return k, nil
}

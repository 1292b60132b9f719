// Package codegen lowers a LazyOp graph into a flat sequence of micro-ops (UOps).
//
// The sequence is a linear IR independent of any kernel-source syntax: renderers in
// package renderer turn it into text for one backend dialect.
package codegen

import (
	"fmt"
	"strings"

	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
)

// UOps identifies a micro-op.
type UOps int

// Micro-ops.
const (
	DefineGlobal UOps = iota // kernel buffer parameter; Arg is GlobalArg
	DefineVar                // scalar int parameter; Arg is the variable name
	DefineLocal              // work-group shared array; Arg is LocalArg
	Special                  // work-item/group id; Arg is SpecialArg
	Const                    // literal; Arg is float64
	DefineAcc                // mutable accumulator; Arg is its float64 initial value
	Loop                     // Vin: start, end; Arg is LoopArg
	EndLoop                  // Vin: the Loop
	If                       // Vin: condition
	EndIf                    // Vin: the If
	Load                     // Vin: buffer, index
	Store                    // Vin: buffer, index, value
	ALU                      // Arg is the ops.Op computed over Vin
	Phi                      // Vin: accumulator, value; assigns value to the accumulator
	Cast                     // Vin: value; converts to DType
	Barrier                  // work-group memory barrier
)

var uopNames = [...]string{
	"DefineGlobal", "DefineVar", "DefineLocal", "Special", "Const", "DefineAcc", "Loop", "EndLoop",
	"If", "EndIf", "Load", "Store", "ALU", "Phi", "Cast", "Barrier",
}

func (u UOps) String() string {
	if int(u) >= 0 && int(u) < len(uopNames) {
		return uopNames[u]
	}
	return fmt.Sprintf("UOps(%d)", int(u))
}

// SpecialKind selects which id a Special micro-op reads.
type SpecialKind int

// Id kinds.
const (
	GroupID SpecialKind = iota
	LocalID
	GlobalID
)

// GlobalArg is the argument of DefineGlobal.
type GlobalArg struct {
	Idx  int
	Name string
}

// LocalArg is the argument of DefineLocal.
type LocalArg struct {
	Name string
	Size int
}

// SpecialArg is the argument of Special.
type SpecialArg struct {
	Kind SpecialKind
	Dim  int
	Size int
	Name string
}

// LoopArg is the argument of Loop.
type LoopArg struct {
	Name string
	Step int
}

// UOp is one micro-op. Width is 1 for scalars and 4 for float4 vectors.
type UOp struct {
	Op    UOps
	DType dtype.DType
	Width int
	Vin   []*UOp
	Arg   any
}

// String formats a single micro-op without its operands' contents.
func (u *UOp) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-12s %-8s", u.Op, u.DType)
	if u.Width > 1 {
		fmt.Fprintf(&sb, "x%d", u.Width)
	}
	switch arg := u.Arg.(type) {
	case nil:
	case ops.Op:
		fmt.Fprintf(&sb, " %s", arg)
	case *GlobalArg:
		fmt.Fprintf(&sb, " %s", arg.Name)
	case *LocalArg:
		fmt.Fprintf(&sb, " %s[%d]", arg.Name, arg.Size)
	case *SpecialArg:
		fmt.Fprintf(&sb, " %s<%d>", arg.Name, arg.Size)
	case *LoopArg:
		fmt.Fprintf(&sb, " %s step %d", arg.Name, arg.Step)
	default:
		fmt.Fprintf(&sb, " %v", arg)
	}
	return sb.String()
}

// Format prints a micro-op sequence, one per line, with operand positions.
func Format(uops []*UOp) string {
	pos := make(map[*UOp]int, len(uops))
	var sb strings.Builder
	for i, u := range uops {
		pos[u] = i
		fmt.Fprintf(&sb, "%4d %s", i, u)
		if len(u.Vin) > 0 {
			sb.WriteString(" <-")
			for _, v := range u.Vin {
				fmt.Fprintf(&sb, " %d", pos[v])
			}
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

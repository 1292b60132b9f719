// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import "github.com/storm-ml/storm/internal/ops"

// Op identifies a graph node operation.
type Op = ops.Op

// Operations.
const (
	Load  = ops.Load
	Const = ops.Const
	Store = ops.Store
	Var   = ops.Var

	Neg   = ops.Neg
	Exp2  = ops.Exp2
	Log2  = ops.Log2
	Sin   = ops.Sin
	Sqrt  = ops.Sqrt
	Recip = ops.Recip
	Cast  = ops.Cast

	Add   = ops.Add
	Sub   = ops.Sub
	Mul   = ops.Mul
	Div   = ops.Div
	Max   = ops.Max
	Mod   = ops.Mod
	CmpLT = ops.CmpLT
	CmpEq = ops.CmpEq

	Where  = ops.Where
	MulAcc = ops.MulAcc

	Sum       = ops.Sum
	ReduceMax = ops.ReduceMax
)

// View is a strided access pattern over a buffer.
type View = ops.View

// LazyOp is one node of an operation graph.
type LazyOp = ops.LazyOp

// Graph constructors.
var (
	Contiguous = ops.Contiguous
	Broadcast  = ops.Broadcast
	NewLoad    = ops.NewLoad
	NewConst   = ops.NewConst
	NewStore   = ops.NewStore
	NewVar     = ops.NewVar
	NewCast    = ops.NewCast
	Unary      = ops.Unary
	Binary     = ops.Binary
	Ternary    = ops.Ternary
	Reduce     = ops.Reduce
)

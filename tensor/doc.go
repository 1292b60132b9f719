// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor builds the lazy operation graphs that devices compile into kernels.
//
// A graph is a tree of LazyOp nodes rooted at a Store. Leaves read device buffers through strided
// views (Load), broadcast constants (Const) or bind scalar int kernel arguments (Var). Inner nodes
// are element-wise ALU ops and reductions. Buffer indices name kernel parameters: the Store target
// is usually buffer 0 and inputs follow.
//
// # Basic Usage
//
//	import (
//	    "github.com/storm-ml/storm/device"
//	    "github.com/storm-ml/storm/tensor"
//	)
//
//	func main() {
//	    a := tensor.NewLoad(1, tensor.Float32, tensor.Contiguous(4))
//	    b := tensor.NewLoad(2, tensor.Float32, tensor.Contiguous(4))
//	    ast := tensor.NewStore(0, tensor.Float32, tensor.Contiguous(4), tensor.Binary(tensor.Add, a, b))
//
//	    dev, _ := device.Default()
//	    lin := dev.GetLin(ast)
//	    name, src, _ := dev.Render(lin)
//	    prg, _ := dev.Build(name, src)
//	    // Alloc buffers, FromCPU, prg.Run(bufs, lin.GlobalSize, lin.LocalSize, nil, nil), ToCPU.
//	}
package tensor

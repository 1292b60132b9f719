// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import "github.com/storm-ml/storm/internal/dtype"

// DType is the scalar element type of a buffer or value.
type DType = dtype.DType

// Element types.
const (
	Bool    = dtype.Bool
	Int8    = dtype.Int8
	Uint8   = dtype.Uint8
	Int16   = dtype.Int16
	Int32   = dtype.Int32
	Uint32  = dtype.Uint32
	Int64   = dtype.Int64
	Float16 = dtype.Float16
	Float32 = dtype.Float32
	Float64 = dtype.Float64
)

// Host encoding helpers for buffer contents (little-endian).
var (
	Float32Bytes   = dtype.Float32Bytes
	BytesToFloat32 = dtype.BytesToFloat32
	Int32Bytes     = dtype.Int32Bytes
	BytesToInt32   = dtype.BytesToInt32
	Float16Bytes   = dtype.Float16Bytes
	BytesToFloat16 = dtype.BytesToFloat16
)

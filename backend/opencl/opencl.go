// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package opencl provides the native OpenCL device.
//
// Build with -tags opencl and cgo enabled, against an OpenCL ICD loader. Without the tag New fails
// with device.ErrInitialization.
package opencl

import (
	internalopencl "github.com/storm-ml/storm/internal/backend/opencl"
	"github.com/storm-ml/storm/internal/device"
)

// Config selects the OpenCL device.
type Config = internalopencl.Config

// New opens the configured OpenCL device.
func New(cfg Config) (device.Device, error) {
	return internalopencl.Open(cfg)
}

// DefaultConfig opens the first GPU.
func DefaultConfig() Config {
	return internalopencl.DefaultConfig()
}

// IsAvailable reports whether an OpenCL device can be opened.
func IsAvailable() bool {
	return internalopencl.IsAvailable()
}

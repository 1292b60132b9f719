// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the WebGPU device.
//
// The device renders WGSL compute shaders and runs them through go-webgpu. It requires the
// wgpu_native library and is currently wired on windows; elsewhere New fails with
// device.ErrInitialization.
package webgpu

import (
	internalwebgpu "github.com/storm-ml/storm/internal/backend/webgpu"
	"github.com/storm-ml/storm/internal/device"
)

// Config controls the WebGPU device.
type Config = internalwebgpu.Config

// New opens the default WebGPU adapter.
func New(cfg Config) (device.Device, error) {
	return internalwebgpu.Open(cfg)
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return internalwebgpu.DefaultConfig()
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}

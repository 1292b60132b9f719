// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the host emulator device.
//
// The emulator renders OpenCL C like a real OpenCL device and executes kernels by interpreting
// their micro-ops, so it runs everywhere and produces the same kernel sources as the opencl
// backend. Work-groups of a launch run in parallel goroutines.
//
//	dev := cpu.New(cpu.DefaultConfig())
//	defer dev.Close()
package cpu

import (
	internalcpu "github.com/storm-ml/storm/internal/backend/cpu"
	"github.com/storm-ml/storm/internal/device"
)

// Device is the emulated device.
type Device = internalcpu.Device

// Config controls the emulator.
type Config = internalcpu.Config

// Compile-time check that Device implements device.Device.
var _ device.Device = (*Device)(nil)

// New returns an emulated device.
func New(cfg Config) *Device {
	return internalcpu.New(cfg)
}

// DefaultConfig emulates a GPU-like device using every CPU.
func DefaultConfig() Config {
	return internalcpu.DefaultConfig()
}

// ParseConfig reads the option list accepted after "cpu:" in a device configuration string.
func ParseConfig(config string) (Config, error) {
	return internalcpu.ParseConfig(config)
}

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package device opens compute devices and exposes the runtime contract: buffers, compiled
// programs and an in-order command queue with explicit synchronization.
//
// Importing this package registers every backend. Open selects one by configuration string
// "<backend>:<config>"; Default returns the process-wide device chosen by the STORM_DEVICE
// environment variable, then SetDefaultConfig, then the first backend of Preference that opens.
//
// Example:
//
//	dev, err := device.Open("cpu:workers=4")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
package device

import (
	"github.com/storm-ml/storm/internal/device"

	// Backends register themselves.
	_ "github.com/storm-ml/storm/internal/backend/cpu"
	_ "github.com/storm-ml/storm/internal/backend/opencl"
	_ "github.com/storm-ml/storm/internal/backend/webgpu"
)

// Device is one accelerator with a single in-order command queue.
type Device = device.Device

// Buffer is device memory holding Len elements of DType.
type Buffer = device.Buffer

// Program is a compiled kernel.
type Program = device.Program

// MemoryStats reports buffer and transfer bookkeeping of a device.
type MemoryStats = device.MemoryStats

// CompileError carries the compiler log of a failed Build. It matches ErrCompile with errors.Is.
type CompileError = device.CompileError

// Error kinds, matched with errors.Is.
var (
	ErrInitialization = device.ErrInitialization
	ErrCompile        = device.ErrCompile
	ErrEnqueue        = device.ErrEnqueue
	ErrTransfer       = device.ErrTransfer
	ErrReleased       = device.ErrReleased
	ErrUnknownDevice  = device.ErrUnknownDevice
)

// EnvDevice is the environment variable read by Default.
const EnvDevice = device.EnvDevice

// Open constructs a device from a "<backend>:<config>" string. An empty backend name tries the
// backends in preference order.
func Open(config string) (Device, error) {
	return device.Open(config)
}

// Default returns the process-wide device, opened on first use.
func Default() (Device, error) {
	return device.Default()
}

// Backends lists the registered backend names.
func Backends() []string {
	return device.Backends()
}

// SetDefaultConfig sets the configuration Default uses when STORM_DEVICE is unset.
// It has no effect once Default has been called.
func SetDefaultConfig(config string) {
	device.SetDefaultConfig(config)
}

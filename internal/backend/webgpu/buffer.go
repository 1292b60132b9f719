//go:build windows

package webgpu

import (
	"sync/atomic"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/device"
	"github.com/storm-ml/storm/internal/dtype"
)

// Buffer is a WebGPU storage buffer.
type Buffer struct {
	dev      *Device
	dt       dtype.DType
	n        int
	buf      *wgpu.Buffer
	capacity uint64 // allocated bytes, Size rounded up to a word
	released atomic.Bool
}

// DType implements device.Buffer.
func (b *Buffer) DType() dtype.DType { return b.dt }

// Len implements device.Buffer.
func (b *Buffer) Len() int { return b.n }

// Size implements device.Buffer.
func (b *Buffer) Size() int { return b.n * b.dt.Size() }

// Device implements device.Buffer.
func (b *Buffer) Device() device.Device { return b.dev }

// ToCPU implements device.Buffer.
func (b *Buffer) ToCPU() ([]byte, error) { return device.ToCPU(b) }

// FromCPU implements device.Buffer.
func (b *Buffer) FromCPU(data []byte) error { return b.dev.CopyIn(data, b) }

// Release implements device.Buffer. The GPU buffer returns to the pool once queued work that may
// use it has completed.
func (b *Buffer) Release() error {
	if b.released.Swap(true) {
		return errors.Wrap(device.ErrReleased, "webgpu: buffer released twice")
	}
	d := b.dev
	if d.closed.Load() {
		return errors.Wrap(device.ErrReleased, "webgpu: device closed")
	}
	//nolint:gosec // G115: capacity came from an int.
	d.deferred.Add(d.batch.last(), int(b.capacity), func() {
		d.pool.Release(b.buf, b.capacity, storageUsage)
		//nolint:gosec // G115: capacity came from an int.
		d.mem.TrackRelease(int(b.capacity))
	})
	return nil
}

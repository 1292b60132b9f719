package cpu

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/device"
	"github.com/storm-ml/storm/internal/dtype"
)

// Buffer is host memory standing in for device memory.
type Buffer struct {
	dev      *Device
	dt       dtype.DType
	n        int
	data     []byte // owned by the queue worker once enqueued work references it
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

// Release implements device.Buffer. The memory is freed after all previously enqueued work.
func (b *Buffer) Release() error {
	if b.released.Swap(true) {
		return errors.Wrap(device.ErrReleased, "cpu: buffer released twice")
	}
	if b.dev.closed.Load() {
		return errors.Wrap(device.ErrReleased, "cpu: device closed")
	}
	size := b.Size()
	b.dev.queue.submit("release", func() error {
		b.data = nil
		b.dev.mem.TrackRelease(size)
		return nil
	}, nil)
	return nil
}

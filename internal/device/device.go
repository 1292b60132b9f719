// Package device defines the runtime contract shared by every backend: memory buffers, compiled
// programs, an in-order command queue with explicit synchronization, and the compile pipeline from
// a LazyOp graph to kernel source.
//
// Backends register a constructor under a name with Register; Open selects one by configuration
// string and Default holds the process-wide device.
package device

import (
	"github.com/storm-ml/storm/internal/codegen"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
	"github.com/storm-ml/storm/internal/renderer"
)

// Device is one accelerator with a single in-order command queue.
//
// All methods are safe for concurrent use. Transfers and launches are enqueued and return without
// waiting; Synchronize blocks until everything enqueued so far has completed.
type Device interface {
	// Name returns the registered backend name, e.g. "opencl".
	Name() string

	// Alloc reserves size elements of dt. The buffer's byte size is size * dt.Size().
	Alloc(size int, dt dtype.DType) (Buffer, error)

	// Build compiles kernel source. Identical (name, source) pairs return the cached program.
	Build(name, source string) (Program, error)

	// CopyOut enqueues a device-to-host copy of buf into dst, which must hold buf.Size() bytes.
	// dst is valid once Synchronize returns.
	CopyOut(buf Buffer, dst []byte) error

	// CopyIn enqueues a host-to-device copy of src into buf.
	// The caller may reuse src as soon as CopyIn returns.
	CopyIn(src []byte, buf Buffer) error

	// Synchronize blocks until all enqueued work has completed and returns the first execution
	// failure since the previous Synchronize.
	Synchronize() error

	// GetLin returns a Linearizer for ast configured for this device.
	GetLin(ast *ops.LazyOp) *codegen.Linearizer

	// Render linearizes lin if needed and returns the kernel name and source.
	Render(lin *codegen.Linearizer) (name, source string, err error)

	// Renderer returns the device's source renderer.
	Renderer() renderer.Renderer

	// MemoryStats reports buffer and transfer bookkeeping.
	MemoryStats() MemoryStats

	// Close waits for outstanding work and frees device resources.
	Close() error
}

// Buffer is device memory holding Len elements of DType.
type Buffer interface {
	DType() dtype.DType
	// Len returns the number of elements.
	Len() int
	// Size returns the byte size.
	Size() int
	Device() Device

	// ToCPU copies the buffer to host memory, waiting for all prior work on the device.
	ToCPU() ([]byte, error)
	// FromCPU enqueues an upload of data.
	FromCPU(data []byte) error

	// Release frees the memory once all enqueued work referencing it has completed.
	Release() error
}

// Program is a compiled kernel.
type Program interface {
	Name() string

	// Run enqueues one launch. Buffers bind first, in order, then args as int32 scalars.
	// global has one to three dimensions; local, when not nil, has the same rank and divides global.
	// extra is reserved.
	Run(bufs []Buffer, global, local []int, args []int, extra []string) error

	// Release frees the compiled kernel and drops it from the device's program cache.
	Release() error
}

// ToCPU implements Buffer.ToCPU for any backend.
func ToCPU(buf Buffer) ([]byte, error) {
	dev := buf.Device()
	dst := make([]byte, buf.Size())
	if err := dev.CopyOut(buf, dst); err != nil {
		return nil, err
	}
	if err := dev.Synchronize(); err != nil {
		return nil, err
	}
	return dst, nil
}

//go:build windows

package webgpu

import (
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/storm-ml/storm/internal/device"
)

// createMapped creates a buffer holding data, padded to WebGPU copy alignment.
func (d *Device) createMapped(data []byte, usage wgpu.BufferUsage) *wgpu.Buffer {
	size := max(alignedSize(len(data)), 4)
	buffer := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            usage,
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	mapped := buffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy access to the mapped range
	copy(unsafe.Slice((*byte)(mapped), size), data)
	buffer.Unmap()
	return buffer
}

// readBuffer copies size bytes of src into host memory. It blocks until the GPU finished every
// command submitted before it.
func (d *Device) readBuffer(src *wgpu.Buffer, size uint64) ([]byte, error) {
	staging := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer staging.Release()

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(src, 0, staging, 0, size)
	cmd := encoder.Finish(nil)
	d.queue.Submit(cmd)
	cmd.Release()
	encoder.Release()

	if err := staging.MapAsync(d.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, errors.Wrapf(device.ErrTransfer, "webgpu: map staging buffer: %v", err)
	}
	mapped := staging.GetMappedRange(0, size)
	out := make([]byte, size)
	//nolint:gosec // unsafe.Slice for zero-copy access to the mapped range
	copy(out, unsafe.Slice((*byte)(mapped), size))
	staging.Unmap()
	return out, nil
}

// waitFence blocks until everything submitted so far has executed.
func (d *Device) waitFence() error {
	d.fenceMu.Lock()
	defer d.fenceMu.Unlock()
	if _, err := d.readBuffer(d.fence, 4); err != nil {
		return device.WithKind(device.ErrEnqueue, err)
	}
	return nil
}

// CopyIn implements device.Device. src is staged in a mapped buffer before CopyIn returns and the
// staging buffer stays in the pending table until a Synchronize observes the copy's completion.
func (d *Device) CopyIn(src []byte, buf device.Buffer) error {
	d.checkOpen()
	b, err := d.buffer(buf)
	if err != nil {
		return err
	}
	if len(src) > b.Size() {
		return errors.Wrapf(device.ErrTransfer, "webgpu: source has %d bytes, buffer holds %d", len(src), b.Size())
	}
	if len(src) == 0 {
		return nil
	}
	size := alignedSize(len(src))
	data := src
	if uint64(len(src)) != size {
		// Preserve the bytes past the end of src that share its last word.
		d.batch.flush(d.queue)
		tail, err := d.readBuffer(b.buf, b.capacity)
		if err != nil {
			return err
		}
		data = append(tail[:0:0], src...)
		data = append(data, tail[len(src):size]...)
	}
	staging := d.createMapped(data, wgpu.BufferUsageCopySrc)

	encoder := d.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(staging, 0, b.buf, 0, size)
	cmd := encoder.Finish(nil)
	encoder.Release()
	d.batch.add(d.queue, cmd, func(seq uint64) {
		//nolint:gosec // G115: size fits an int, it came from one.
		d.pending.Add(seq, int(size), staging.Release)
	})
	klog.V(2).Infof("webgpu: copyin %d bytes", len(src))
	return nil
}

// CopyOut implements device.Device. It is blocking: queued work is submitted and dst holds the
// buffer contents when CopyOut returns.
func (d *Device) CopyOut(buf device.Buffer, dst []byte) error {
	d.checkOpen()
	b, err := d.buffer(buf)
	if err != nil {
		return err
	}
	if len(dst) < b.Size() {
		return errors.Wrapf(device.ErrTransfer, "webgpu: destination holds %d bytes, buffer has %d", len(dst), b.Size())
	}
	d.batch.flush(d.queue)
	data, err := d.readBuffer(b.buf, b.capacity)
	if err != nil {
		return err
	}
	copy(dst, data[:b.Size()])
	return nil
}

func (d *Device) buffer(buf device.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.dev != d {
		return nil, errors.Wrap(device.ErrTransfer, "webgpu: buffer belongs to another device")
	}
	if b.released.Load() {
		return nil, errors.Wrap(device.ErrReleased, "webgpu: buffer")
	}
	return b, nil
}

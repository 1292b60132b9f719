//go:build windows

package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

const storageUsage = wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst

// sizeClass groups buffers for reuse.
type sizeClass int

const (
	smallClass  sizeClass = iota // < 4KiB
	mediumClass                  // < 1MiB
	largeClass
	numClasses
)

const (
	smallThreshold  = 4 * 1024
	mediumThreshold = 1024 * 1024
)

func classOf(size uint64) sizeClass {
	switch {
	case size < smallThreshold:
		return smallClass
	case size < mediumThreshold:
		return mediumClass
	}
	return largeClass
}

type pooledBuffer struct {
	buffer *wgpu.Buffer
	size   uint64
	usage  wgpu.BufferUsage
}

// BufferPool recycles released device buffers. Idle buffers are matched by exact size and usage,
// so reuse never changes a buffer's footprint.
type BufferPool struct {
	device   *wgpu.Device
	perClass int

	mu      sync.Mutex
	classes [numClasses][]pooledBuffer

	created, reused uint64
}

// NewBufferPool returns a pool keeping up to perClass idle buffers per size class.
func NewBufferPool(device *wgpu.Device, perClass int) *BufferPool {
	return &BufferPool{device: device, perClass: perClass}
}

// Acquire returns an idle buffer of size bytes with the given usage, or a new one.
func (p *BufferPool) Acquire(size uint64, usage wgpu.BufferUsage) *wgpu.Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := classOf(size)
	for i, pb := range p.classes[c] {
		if pb.size == size && pb.usage == usage {
			p.classes[c] = append(p.classes[c][:i], p.classes[c][i+1:]...)
			p.reused++
			return pb.buffer
		}
	}
	p.created++
	return p.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: usage, Size: size})
}

// Release returns buffer to the pool, or frees it when its class is full.
func (p *BufferPool) Release(buffer *wgpu.Buffer, size uint64, usage wgpu.BufferUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := classOf(size)
	if len(p.classes[c]) >= p.perClass {
		buffer.Release()
		return
	}
	p.classes[c] = append(p.classes[c], pooledBuffer{buffer: buffer, size: size, usage: usage})
}

// Clear frees every idle buffer.
func (p *BufferPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.classes {
		for _, pb := range p.classes[c] {
			pb.buffer.Release()
		}
		p.classes[c] = nil
	}
}

// Stats returns the number of buffers created, reused and currently idle.
func (p *BufferPool) Stats() (created, reused uint64, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.classes {
		idle += len(p.classes[c])
	}
	return p.created, p.reused, idle
}

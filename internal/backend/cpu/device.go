// Package cpu implements an emulated OpenCL device on the host.
//
// The device renders OpenCL C like a real OpenCL backend, so generated sources are identical, but it
// executes kernels by interpreting their micro-ops. Build accepts only sources this device rendered:
// Render records the micro-ops under the SHA-256 of the source and Build looks them up. Commands run
// on one in-order queue served by a worker goroutine; the work-groups of a launch run in parallel.
package cpu

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/storm-ml/storm/internal/codegen"
	"github.com/storm-ml/storm/internal/device"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/renderer/opencl"
)

// Name is the registered backend name.
const Name = "cpu"

// maxBufferBytes bounds a single allocation, mirroring a device's maximum allocation size.
const maxBufferBytes = 1 << 40

func init() {
	device.Register(Name, func(config string) (device.Device, error) {
		cfg, err := ParseConfig(config)
		if err != nil {
			return nil, err
		}
		return New(cfg), nil
	})
}

// Device is the emulated device.
type Device struct {
	device.Compiler

	cfg      Config
	queue    *queue
	pending  device.PendingCopies
	programs device.ProgramCache
	mem      device.MemoryTracker

	sourcesMu sync.RWMutex
	sources   map[[sha256.Size]byte]*kernel

	closed atomic.Bool
}

// New returns an emulated device.
func New(cfg Config) *Device {
	opts := opencl.CodegenOptions()
	opts.SupportsFloat4 = cfg.SupportsFloat4
	opts.HasLocal = cfg.HasLocal
	opts.DTypes = nil
	d := &Device{
		Compiler: device.NewCompiler(opencl.New(), opts),
		cfg:      cfg,
		queue:    newQueue(),
		sources:  make(map[[sha256.Size]byte]*kernel),
	}
	klog.V(1).Infof("cpu: device opened (workers=%d, local=%v, float4=%v)",
		cfg.Parallel.NumWorkers, cfg.HasLocal, cfg.SupportsFloat4)
	return d
}

// Name implements device.Device.
func (d *Device) Name() string { return Name }

func (d *Device) checkOpen() {
	if d.closed.Load() {
		panic("cpu: device used after Close")
	}
}

// Render implements device.Device. It also records the kernel so Build can resolve its source.
func (d *Device) Render(lin *codegen.Linearizer) (name, source string, err error) {
	name, source, err = d.Compiler.Render(lin)
	if err != nil {
		return "", "", err
	}
	k, err := newKernel(lin)
	if err != nil {
		return "", "", err
	}
	d.sourcesMu.Lock()
	d.sources[sha256.Sum256([]byte(source))] = k
	d.sourcesMu.Unlock()
	return name, source, nil
}

// Alloc implements device.Device.
func (d *Device) Alloc(size int, dt dtype.DType) (device.Buffer, error) {
	d.checkOpen()
	if !dt.Valid() {
		return nil, errors.Wrapf(device.ErrEnqueue, "cpu: alloc of invalid dtype %d", int(dt))
	}
	if size < 0 || size > maxBufferBytes/dt.Size() {
		return nil, errors.Wrapf(device.ErrEnqueue, "cpu: cannot allocate %d elements of %s", size, dt)
	}
	nbytes := size * dt.Size()
	if !d.mem.TryAlloc(nbytes, d.cfg.MaxMemory) {
		return nil, errors.Wrapf(device.ErrEnqueue, "cpu: out of device memory allocating %d bytes", nbytes)
	}
	klog.V(2).Infof("cpu: alloc %d x %s", size, dt)
	return &Buffer{dev: d, dt: dt, n: size, data: make([]byte, nbytes)}, nil
}

// Build implements device.Device.
func (d *Device) Build(name, source string) (device.Program, error) {
	d.checkOpen()
	key := device.KeyOf(name, source)
	return d.programs.GetOrBuild(key, func() (device.Program, error) {
		d.sourcesMu.RLock()
		k, ok := d.sources[key.Hash]
		d.sourcesMu.RUnlock()
		if !ok {
			return nil, &device.CompileError{Name: name, Log: "source was not rendered by this device"}
		}
		if k.name != name {
			return nil, &device.CompileError{Name: name, Log: "source defines kernel " + k.name}
		}
		klog.V(1).Infof("cpu: built %s", name)
		return &Program{dev: d, name: name, key: key, k: k}, nil
	})
}

func (d *Device) buffer(buf device.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.dev != d {
		return nil, errors.Wrap(device.ErrTransfer, "cpu: buffer belongs to another device")
	}
	if b.released.Load() {
		return nil, errors.Wrap(device.ErrReleased, "cpu: buffer")
	}
	return b, nil
}

// CopyOut implements device.Device.
func (d *Device) CopyOut(buf device.Buffer, dst []byte) error {
	d.checkOpen()
	b, err := d.buffer(buf)
	if err != nil {
		return err
	}
	if len(dst) < b.Size() {
		return errors.Wrapf(device.ErrTransfer, "cpu: destination holds %d bytes, buffer has %d", len(dst), b.Size())
	}
	d.queue.submit("copyout", func() error {
		copy(dst, b.data)
		return nil
	}, nil)
	return nil
}

// CopyIn implements device.Device. src is copied to staging memory before CopyIn returns; the
// staging stays in the pending table until Synchronize observes the transfer's completion.
func (d *Device) CopyIn(src []byte, buf device.Buffer) error {
	d.checkOpen()
	b, err := d.buffer(buf)
	if err != nil {
		return err
	}
	if len(src) > b.Size() {
		return errors.Wrapf(device.ErrTransfer, "cpu: source has %d bytes, buffer holds %d", len(src), b.Size())
	}
	staging := make([]byte, len(src))
	copy(staging, src)
	d.queue.submit("copyin", func() error {
		copy(b.data, staging)
		return nil
	}, func(seq uint64) {
		d.pending.Add(seq, len(staging), nil)
	})
	return nil
}

// Synchronize implements device.Device.
func (d *Device) Synchronize() error {
	d.checkOpen()
	completed, err := d.queue.wait()
	if n := d.pending.Retire(completed); n > 0 {
		klog.V(2).Infof("cpu: retired %d pending copies", n)
	}
	if err != nil {
		return device.WithKind(device.ErrEnqueue, err)
	}
	return nil
}

// MemoryStats implements device.Device.
func (d *Device) MemoryStats() device.MemoryStats {
	s := d.mem.Stats()
	s.PendingCopies = d.pending.Len()
	s.Programs = d.programs.Len()
	return s
}

// Close implements device.Device.
func (d *Device) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	d.queue.close()
	d.pending.Retire(^uint64(0))
	d.programs.Drain()
	klog.V(1).Infof("cpu: device closed: %s", d.MemoryStats())
	return nil
}

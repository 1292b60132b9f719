//go:build windows

package webgpu

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/storm-ml/storm/internal/device"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/renderer/wgsl"
)

func init() {
	device.Register(Name, func(config string) (device.Device, error) {
		cfg, err := ParseConfig(config)
		if err != nil {
			return nil, err
		}
		return Open(cfg)
	})
}

// Open is New returning the device interface.
func Open(cfg Config) (device.Device, error) {
	d, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Device runs WGSL kernels on a WebGPU adapter.
type Device struct {
	device.Compiler

	cfg      Config
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	info     *wgpu.AdapterInfoGo

	pool     *BufferPool
	batch    commandBatch
	pending  device.PendingCopies // staging buffers of uploads
	deferred device.PendingCopies // bind groups and buffers released while work may still use them
	programs device.ProgramCache
	mem      device.MemoryTracker

	fenceMu sync.Mutex
	fence   *wgpu.Buffer

	closed atomic.Bool
}

// New opens the default adapter. It fails with device.ErrInitialization when the WebGPU native
// library or a suitable adapter is missing.
func New(cfg Config) (d *Device, err error) {
	// go-webgpu panics when wgpu_native cannot be loaded.
	defer func() {
		if r := recover(); r != nil {
			d = nil
			err = errors.Wrapf(device.ErrInitialization, "webgpu: native library not available: %v", r)
		}
	}()

	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return nil, errors.Wrapf(device.ErrInitialization, "webgpu: create instance: %v", err)
	}
	pref := wgpu.PowerPreferenceHighPerformance
	if cfg.LowPower {
		pref = wgpu.PowerPreferenceLowPower
	}
	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{PowerPreference: pref})
	if err != nil {
		instance.Release()
		return nil, errors.Wrapf(device.ErrInitialization, "webgpu: request adapter: %v", err)
	}
	dev, err := adapter.RequestDevice(nil)
	if err != nil {
		adapter.Release()
		instance.Release()
		return nil, errors.Wrapf(device.ErrInitialization, "webgpu: request device: %v", err)
	}
	queue := dev.GetQueue()
	if queue == nil {
		dev.Release()
		adapter.Release()
		instance.Release()
		return nil, errors.Wrap(device.ErrInitialization, "webgpu: device has no queue")
	}

	d = &Device{
		Compiler: device.NewCompiler(wgsl.New(), wgsl.CodegenOptions()),
		cfg:      cfg,
		instance: instance,
		adapter:  adapter,
		device:   dev,
		queue:    queue,
		pool:     NewBufferPool(dev, cfg.PoolSize),
	}
	if d.info, err = adapter.GetInfo(); err != nil {
		klog.V(1).Infof("webgpu: adapter info unavailable: %v", err)
	}
	d.batch.maxSize = cfg.MaxBatchSize
	d.fence = dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  4,
	})
	klog.V(1).Infof("webgpu: opened %s", d.Description())
	return d, nil
}

// Name implements device.Device.
func (d *Device) Name() string { return Name }

// Description names the adapter.
func (d *Device) Description() string {
	if d.info == nil || d.info.Device == "" {
		return "WebGPU"
	}
	return fmt.Sprintf("WebGPU (%s %s)", d.info.Device, d.info.Vendor)
}

func (d *Device) checkOpen() {
	if d.closed.Load() {
		panic("webgpu: device used after Close")
	}
}

// Alloc implements device.Device.
func (d *Device) Alloc(size int, dt dtype.DType) (device.Buffer, error) {
	d.checkOpen()
	if !dt.Valid() {
		return nil, errors.Wrapf(device.ErrEnqueue, "webgpu: alloc of invalid dtype %d", int(dt))
	}
	if size < 0 || size > int(^uint32(0))/dt.Size() {
		return nil, errors.Wrapf(device.ErrEnqueue, "webgpu: cannot allocate %d elements of %s", size, dt)
	}
	nbytes := size * dt.Size()
	// Zero-length buffers still bind, so every buffer holds at least one word.
	capacity := max(alignedSize(nbytes), 4)
	if !d.mem.TryAlloc(int(capacity), d.cfg.MaxMemory) {
		return nil, errors.Wrapf(device.ErrEnqueue, "webgpu: out of device memory allocating %d bytes", nbytes)
	}
	buf := d.pool.Acquire(capacity, storageUsage)
	if buf == nil {
		d.mem.TrackRelease(int(capacity))
		return nil, errors.Wrapf(device.ErrEnqueue, "webgpu: create buffer of %d bytes failed", capacity)
	}
	return &Buffer{dev: d, dt: dt, n: size, buf: buf, capacity: capacity}, nil
}

// Build implements device.Device: it compiles source and creates its compute pipeline.
func (d *Device) Build(name, source string) (device.Program, error) {
	d.checkOpen()
	key := device.KeyOf(name, source)
	return d.programs.GetOrBuild(key, func() (device.Program, error) {
		p, err := d.compile(key, name, source)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

// Synchronize implements device.Device.
func (d *Device) Synchronize() error {
	d.checkOpen()
	completed := d.batch.flush(d.queue)
	if err := d.waitFence(); err != nil {
		return err
	}
	n := d.pending.Retire(completed)
	d.deferred.Retire(completed)
	if n > 0 {
		klog.V(2).Infof("webgpu: retired %d pending copies", n)
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

// Close implements device.Device. It waits for queued work and releases every GPU object.
func (d *Device) Close() error {
	if d.closed.Load() {
		return nil
	}
	err := d.Synchronize()
	if err != nil {
		klog.Warningf("webgpu: close: %v", err)
	}
	d.closed.Store(true)
	for _, p := range d.programs.Drain() {
		p.(*Program).free()
	}
	d.pending.Retire(^uint64(0))
	d.deferred.Retire(^uint64(0))
	d.pool.Clear()
	d.fence.Release()
	d.queue.Release()
	d.device.Release()
	d.adapter.Release()
	d.instance.Release()
	klog.V(1).Infof("webgpu: device closed: %s", d.MemoryStats())
	return err
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()
	instance, err := wgpu.CreateInstance(nil)
	if err != nil {
		return false
	}
	defer instance.Release()
	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

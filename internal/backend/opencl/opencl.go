//go:build opencl && cgo

package opencl

/*
#cgo linux LDFLAGS: -lOpenCL
#cgo windows LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120

#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif

#include <stdlib.h>
#include <string.h>
#include <stdio.h>

typedef struct {
	cl_device_id device;
	cl_context context;
	cl_command_queue queue;
} storm_cl;

static char storm_cl_log[16384];

static const char* storm_cl_last_log(void) { return storm_cl_log; }

// storm_cl_open selects the index-th device of the given type across all platforms.
static cl_int storm_cl_open(int index, cl_device_type type, storm_cl* out) {
	cl_uint nplat = 0;
	cl_int err = clGetPlatformIDs(0, NULL, &nplat);
	if (err != CL_SUCCESS) return err;
	if (nplat == 0) return CL_DEVICE_NOT_FOUND;
	cl_platform_id* plats = (cl_platform_id*)malloc(nplat * sizeof(cl_platform_id));
	clGetPlatformIDs(nplat, plats, NULL);

	int seen = 0;
	err = CL_DEVICE_NOT_FOUND;
	for (cl_uint i = 0; i < nplat && err == CL_DEVICE_NOT_FOUND; i++) {
		cl_uint ndev = 0;
		if (clGetDeviceIDs(plats[i], type, 0, NULL, &ndev) != CL_SUCCESS || ndev == 0) continue;
		if (index < seen + (int)ndev) {
			cl_device_id* devs = (cl_device_id*)malloc(ndev * sizeof(cl_device_id));
			clGetDeviceIDs(plats[i], type, ndev, devs, NULL);
			out->device = devs[index - seen];
			free(devs);
			err = CL_SUCCESS;
		}
		seen += ndev;
	}
	free(plats);
	if (err != CL_SUCCESS) return err;

	out->context = clCreateContext(NULL, 1, &out->device, NULL, NULL, &err);
	if (err != CL_SUCCESS) return err;
	out->queue = clCreateCommandQueue(out->context, out->device, 0, &err);
	if (err != CL_SUCCESS) {
		clReleaseContext(out->context);
		return err;
	}
	return CL_SUCCESS;
}

static void storm_cl_close(storm_cl* cl) {
	clFinish(cl->queue);
	clReleaseCommandQueue(cl->queue);
	clReleaseContext(cl->context);
}

static void storm_cl_device_name(storm_cl* cl, char* buf, size_t n) {
	if (clGetDeviceInfo(cl->device, CL_DEVICE_NAME, n, buf, NULL) != CL_SUCCESS) {
		snprintf(buf, n, "unknown");
	}
}

static cl_mem storm_cl_alloc(storm_cl* cl, size_t size, cl_int* err) {
	return clCreateBuffer(cl->context, CL_MEM_READ_WRITE, size, NULL, err);
}

static cl_int storm_cl_write(storm_cl* cl, cl_mem dst, const void* src, size_t size) {
	return clEnqueueWriteBuffer(cl->queue, dst, CL_FALSE, 0, size, src, 0, NULL, NULL);
}

static cl_int storm_cl_read(storm_cl* cl, cl_mem src, void* dst, size_t size) {
	return clEnqueueReadBuffer(cl->queue, src, CL_TRUE, 0, size, dst, 0, NULL, NULL);
}

// storm_cl_build compiles src and creates kernel name. On failure the build log is kept in
// storm_cl_log.
static cl_kernel storm_cl_build(storm_cl* cl, const char* src, const char* name, const char* opts,
		cl_program* prog, cl_int* err) {
	storm_cl_log[0] = 0;
	size_t len = strlen(src);
	*prog = clCreateProgramWithSource(cl->context, 1, &src, &len, err);
	if (*err != CL_SUCCESS) return NULL;
	*err = clBuildProgram(*prog, 1, &cl->device, opts, NULL, NULL);
	if (*err != CL_SUCCESS) {
		clGetProgramBuildInfo(*prog, cl->device, CL_PROGRAM_BUILD_LOG, sizeof(storm_cl_log) - 1,
			storm_cl_log, NULL);
		storm_cl_log[sizeof(storm_cl_log) - 1] = 0;
		clReleaseProgram(*prog);
		*prog = NULL;
		return NULL;
	}
	cl_kernel k = clCreateKernel(*prog, name, err);
	if (*err != CL_SUCCESS) {
		clReleaseProgram(*prog);
		*prog = NULL;
		return NULL;
	}
	return k;
}

static cl_int storm_cl_arg_mem(cl_kernel k, cl_uint i, cl_mem m) {
	return clSetKernelArg(k, i, sizeof(cl_mem), &m);
}

static cl_int storm_cl_arg_int(cl_kernel k, cl_uint i, cl_int v) {
	return clSetKernelArg(k, i, sizeof(cl_int), &v);
}

static cl_int storm_cl_run(storm_cl* cl, cl_kernel k, cl_uint dims, const size_t* global,
		const size_t* local) {
	return clEnqueueNDRangeKernel(cl->queue, k, dims, NULL, global, local, 0, NULL, NULL);
}

static const char* storm_cl_error(cl_int err) {
	switch (err) {
	case CL_DEVICE_NOT_FOUND: return "CL_DEVICE_NOT_FOUND";
	case CL_DEVICE_NOT_AVAILABLE: return "CL_DEVICE_NOT_AVAILABLE";
	case CL_COMPILER_NOT_AVAILABLE: return "CL_COMPILER_NOT_AVAILABLE";
	case CL_MEM_OBJECT_ALLOCATION_FAILURE: return "CL_MEM_OBJECT_ALLOCATION_FAILURE";
	case CL_OUT_OF_RESOURCES: return "CL_OUT_OF_RESOURCES";
	case CL_OUT_OF_HOST_MEMORY: return "CL_OUT_OF_HOST_MEMORY";
	case CL_BUILD_PROGRAM_FAILURE: return "CL_BUILD_PROGRAM_FAILURE";
	case CL_INVALID_VALUE: return "CL_INVALID_VALUE";
	case CL_INVALID_BUFFER_SIZE: return "CL_INVALID_BUFFER_SIZE";
	case CL_INVALID_KERNEL_NAME: return "CL_INVALID_KERNEL_NAME";
	case CL_INVALID_KERNEL_ARGS: return "CL_INVALID_KERNEL_ARGS";
	case CL_INVALID_WORK_DIMENSION: return "CL_INVALID_WORK_DIMENSION";
	case CL_INVALID_WORK_GROUP_SIZE: return "CL_INVALID_WORK_GROUP_SIZE";
	case CL_INVALID_WORK_ITEM_SIZE: return "CL_INVALID_WORK_ITEM_SIZE";
	}
	return "unknown OpenCL error";
}
*/
import "C"

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/storm-ml/storm/internal/device"
	"github.com/storm-ml/storm/internal/dtype"
	clrender "github.com/storm-ml/storm/internal/renderer/opencl"
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

func clError(sentinel error, what string, code C.cl_int) error {
	return errors.Wrapf(sentinel, "opencl: %s: %s (%d)", what, C.GoString(C.storm_cl_error(code)), int(code))
}

// Device is an OpenCL device with one in-order command queue.
type Device struct {
	device.Compiler

	cfg  Config
	cl   C.storm_cl
	name string

	// mu orders command submission against Synchronize: a command and its sequence number are
	// assigned together.
	mu        sync.Mutex
	submitted uint64

	pending  device.PendingCopies
	programs device.ProgramCache
	mem      device.MemoryTracker
	closed   atomic.Bool
}

// New opens the configured device.
func New(cfg Config) (*Device, error) {
	d := &Device{
		Compiler: device.NewCompiler(clrender.New(), clrender.CodegenOptions()),
		cfg:      cfg,
	}
	typ := C.cl_device_type(C.CL_DEVICE_TYPE_GPU)
	if cfg.AllTypes {
		typ = C.CL_DEVICE_TYPE_ALL
	}
	if code := C.storm_cl_open(C.int(cfg.Index), typ, &d.cl); code != C.CL_SUCCESS {
		return nil, clError(device.ErrInitialization, "open device", code)
	}
	var buf [256]C.char
	C.storm_cl_device_name(&d.cl, &buf[0], C.size_t(len(buf)))
	d.name = C.GoString(&buf[0])
	klog.V(1).Infof("opencl: opened %s", d.name)
	return d, nil
}

// IsAvailable reports whether an OpenCL device can be opened.
func IsAvailable() bool {
	d, err := New(DefaultConfig())
	if err != nil {
		return false
	}
	_ = d.Close()
	return true
}

// Name implements device.Device.
func (d *Device) Name() string { return Name }

// Description names the OpenCL device.
func (d *Device) Description() string { return "OpenCL (" + d.name + ")" }

func (d *Device) checkOpen() {
	if d.closed.Load() {
		panic("opencl: device used after Close")
	}
}

// Alloc implements device.Device.
func (d *Device) Alloc(size int, dt dtype.DType) (device.Buffer, error) {
	d.checkOpen()
	if !dt.Valid() || size < 0 {
		return nil, errors.Wrapf(device.ErrEnqueue, "opencl: cannot allocate %d elements of %s", size, dt)
	}
	nbytes := size * dt.Size()
	if !d.mem.TryAlloc(nbytes, d.cfg.MaxMemory) {
		return nil, errors.Wrapf(device.ErrEnqueue, "opencl: out of device memory allocating %d bytes", nbytes)
	}
	var code C.cl_int
	// OpenCL rejects empty buffers.
	mem := C.storm_cl_alloc(&d.cl, C.size_t(max(nbytes, 1)), &code)
	if code != C.CL_SUCCESS {
		d.mem.TrackRelease(nbytes)
		return nil, clError(device.ErrEnqueue, "alloc", code)
	}
	return &Buffer{dev: d, dt: dt, n: size, mem: mem}, nil
}

// Build implements device.Device.
func (d *Device) Build(name, source string) (device.Program, error) {
	d.checkOpen()
	key := device.KeyOf(name, source)
	return d.programs.GetOrBuild(key, func() (device.Program, error) {
		sig, err := clrender.ParseSignature(source)
		if err != nil {
			return nil, &device.CompileError{Name: name, Log: err.Error()}
		}
		csrc, cname, copts := C.CString(source), C.CString(name), C.CString(d.cfg.BuildOptions)
		defer C.free(unsafe.Pointer(csrc))
		defer C.free(unsafe.Pointer(cname))
		defer C.free(unsafe.Pointer(copts))

		d.mu.Lock()
		var prog C.cl_program
		var code C.cl_int
		kernel := C.storm_cl_build(&d.cl, csrc, cname, copts, &prog, &code)
		log := C.GoString(C.storm_cl_last_log())
		d.mu.Unlock()
		if code != C.CL_SUCCESS {
			if log == "" {
				log = C.GoString(C.storm_cl_error(code))
			}
			return nil, &device.CompileError{Name: name, Log: log}
		}
		klog.V(1).Infof("opencl: built %s", name)
		return &Program{dev: d, name: name, key: key, sig: sig, prog: prog, kernel: kernel}, nil
	})
}

func (d *Device) buffer(buf device.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.dev != d {
		return nil, errors.Wrap(device.ErrTransfer, "opencl: buffer belongs to another device")
	}
	if b.released.Load() {
		return nil, errors.Wrap(device.ErrReleased, "opencl: buffer")
	}
	return b, nil
}

// CopyOut implements device.Device. It blocks until dst holds the buffer contents.
func (d *Device) CopyOut(buf device.Buffer, dst []byte) error {
	d.checkOpen()
	b, err := d.buffer(buf)
	if err != nil {
		return err
	}
	if len(dst) < b.Size() {
		return errors.Wrapf(device.ErrTransfer, "opencl: destination holds %d bytes, buffer has %d", len(dst), b.Size())
	}
	if b.Size() == 0 {
		return nil
	}
	if code := C.storm_cl_read(&d.cl, b.mem, unsafe.Pointer(&dst[0]), C.size_t(b.Size())); code != C.CL_SUCCESS {
		return clError(device.ErrTransfer, "read buffer", code)
	}
	return nil
}

// CopyIn implements device.Device. src is staged in C memory and the write is enqueued without
// waiting; the staging is freed once a Synchronize observes the copy's completion.
func (d *Device) CopyIn(src []byte, buf device.Buffer) error {
	d.checkOpen()
	b, err := d.buffer(buf)
	if err != nil {
		return err
	}
	if len(src) > b.Size() {
		return errors.Wrapf(device.ErrTransfer, "opencl: source has %d bytes, buffer holds %d", len(src), b.Size())
	}
	if len(src) == 0 {
		return nil
	}
	staging := C.CBytes(src)

	d.mu.Lock()
	defer d.mu.Unlock()
	if code := C.storm_cl_write(&d.cl, b.mem, staging, C.size_t(len(src))); code != C.CL_SUCCESS {
		C.free(staging)
		return clError(device.ErrTransfer, "write buffer", code)
	}
	d.submitted++
	d.pending.Add(d.submitted, len(src), func() { C.free(staging) })
	return nil
}

// Synchronize implements device.Device.
func (d *Device) Synchronize() error {
	d.checkOpen()
	d.mu.Lock()
	seq := d.submitted
	d.mu.Unlock()
	if code := C.clFinish(d.cl.queue); code != C.CL_SUCCESS {
		return clError(device.ErrEnqueue, "finish", code)
	}
	if n := d.pending.Retire(seq); n > 0 {
		klog.V(2).Infof("opencl: retired %d pending copies", n)
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
	for _, p := range d.programs.Drain() {
		p.(*Program).free()
	}
	C.storm_cl_close(&d.cl)
	d.pending.Retire(^uint64(0))
	klog.V(1).Infof("opencl: device closed: %s", d.MemoryStats())
	return nil
}

// Buffer is an OpenCL memory object.
type Buffer struct {
	dev      *Device
	dt       dtype.DType
	n        int
	mem      C.cl_mem
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

// Release implements device.Buffer. OpenCL keeps the memory alive until enqueued commands using it
// have completed.
func (b *Buffer) Release() error {
	if b.released.Swap(true) {
		return errors.Wrap(device.ErrReleased, "opencl: buffer released twice")
	}
	if b.dev.closed.Load() {
		return errors.Wrap(device.ErrReleased, "opencl: device closed")
	}
	C.clReleaseMemObject(b.mem)
	b.dev.mem.TrackRelease(b.Size())
	return nil
}

// Program is a built OpenCL kernel.
type Program struct {
	dev      *Device
	name     string
	key      device.ProgramKey
	sig      clrender.Signature
	prog     C.cl_program
	kernel   C.cl_kernel
	released atomic.Bool
}

// Name implements device.Program.
func (p *Program) Name() string { return p.name }

// Run implements device.Program.
func (p *Program) Run(bufs []device.Buffer, global, local []int, args []int, extra []string) error {
	if p.released.Load() {
		return errors.Wrapf(device.ErrReleased, "opencl: program %s", p.name)
	}
	d := p.dev
	d.checkOpen()
	if err := device.CheckLaunch(global, local); err != nil {
		return errors.WithMessagef(err, "opencl: %s", p.name)
	}
	if err := checkSignature(p.name, p.sig, len(bufs), local, args); err != nil {
		return err
	}
	err := device.CheckBuffers(d, bufs, func(b device.Buffer) bool { return b.(*Buffer).released.Load() })
	if err != nil {
		return errors.WithMessagef(err, "opencl: %s", p.name)
	}

	var gws, lws [3]C.size_t
	for i, g := range global {
		gws[i] = C.size_t(g)
	}
	var lwsPtr *C.size_t
	if local != nil {
		for i, l := range local {
			lws[i] = C.size_t(l)
		}
		lwsPtr = &lws[0]
	}

	// Kernel arguments are kernel state, so binding and enqueueing happen under one lock.
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, b := range bufs {
		if code := C.storm_cl_arg_mem(p.kernel, C.cl_uint(i), b.(*Buffer).mem); code != C.CL_SUCCESS {
			return clError(device.ErrEnqueue, "set buffer argument", code)
		}
	}
	for i, a := range args {
		if code := C.storm_cl_arg_int(p.kernel, C.cl_uint(len(bufs)+i), C.cl_int(a)); code != C.CL_SUCCESS {
			return clError(device.ErrEnqueue, "set int argument", code)
		}
	}
	code := C.storm_cl_run(&d.cl, p.kernel, C.cl_uint(len(global)), &gws[0], lwsPtr)
	if code != C.CL_SUCCESS {
		return clError(device.ErrEnqueue, "enqueue "+p.name, code)
	}
	d.submitted++
	return nil
}

// Release implements device.Program.
func (p *Program) Release() error {
	if p.released.Swap(true) {
		return errors.Wrapf(device.ErrReleased, "opencl: program %s released twice", p.name)
	}
	if p.dev.closed.Load() {
		return errors.Wrap(device.ErrReleased, "opencl: device closed")
	}
	p.dev.programs.Remove(p.key)
	p.free()
	return nil
}

func (p *Program) free() {
	C.clReleaseKernel(p.kernel)
	C.clReleaseProgram(p.prog)
}

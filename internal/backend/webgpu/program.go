//go:build windows

package webgpu

import (
	"fmt"
	"sync/atomic"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/storm-ml/storm/internal/device"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/renderer/wgsl"
)

// Program is a compiled compute pipeline.
type Program struct {
	dev       *Device
	name      string
	key       device.ProgramKey
	shader    *wgpu.ShaderModule
	pipeline  *wgpu.ComputePipeline
	workgroup [3]int
	numBufs   int
	numVars   int
	released  atomic.Bool
}

func (d *Device) compile(key device.ProgramKey, name, source string) (p *Program, err error) {
	wg, err := wgsl.ParseWorkgroupSize(source)
	if err != nil {
		return nil, &device.CompileError{Name: name, Log: err.Error()}
	}
	// go-webgpu reports shader and pipeline validation failures by panicking.
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, &device.CompileError{Name: name, Log: fmt.Sprint(r)}
		}
	}()
	shader := d.device.CreateShaderModuleWGSL(source)
	if shader == nil {
		return nil, &device.CompileError{Name: name, Log: "shader module creation failed"}
	}
	pipeline := d.device.CreateComputePipelineSimple(nil, shader, name)
	if pipeline == nil {
		shader.Release()
		return nil, &device.CompileError{Name: name, Log: "no entry point " + name}
	}
	klog.V(1).Infof("webgpu: built %s (workgroup %v)", name, wg)
	return &Program{
		dev:       d,
		name:      name,
		key:       key,
		shader:    shader,
		pipeline:  pipeline,
		workgroup: wg,
		numBufs:   countBindings(source),
		numVars:   wgsl.ParseNumVars(source),
	}, nil
}

// Name implements device.Program.
func (p *Program) Name() string { return p.name }

// Run implements device.Program. local, when given, must equal the shader's workgroup size.
func (p *Program) Run(bufs []device.Buffer, global, local []int, args []int, extra []string) error {
	if p.released.Load() {
		return errors.Wrapf(device.ErrReleased, "webgpu: program %s", p.name)
	}
	d := p.dev
	d.checkOpen()
	if err := device.CheckLaunch(global, local); err != nil {
		return errors.WithMessagef(err, "webgpu: %s", p.name)
	}
	for i, l := range local {
		if l != p.workgroup[i] {
			return errors.Wrapf(device.ErrEnqueue, "webgpu: %s has workgroup size %v, got local size %v",
				p.name, p.workgroup, local)
		}
	}
	groups, err := dispatchSize(global, p.workgroup)
	if err != nil {
		return errors.WithMessagef(err, "webgpu: %s", p.name)
	}
	if len(bufs) != p.numBufs {
		return errors.Wrapf(device.ErrEnqueue, "webgpu: %s takes %d buffers, got %d", p.name, p.numBufs, len(bufs))
	}
	if len(args) != p.numVars {
		return errors.Wrapf(device.ErrEnqueue, "webgpu: %s takes %d int args, got %d", p.name, p.numVars, len(args))
	}
	err = device.CheckBuffers(d, bufs, func(b device.Buffer) bool { return b.(*Buffer).released.Load() })
	if err != nil {
		return errors.WithMessagef(err, "webgpu: %s", p.name)
	}

	entries := make([]wgpu.BindGroupEntry, 0, len(bufs)+1)
	for i, b := range bufs {
		gb := b.(*Buffer)
		//nolint:gosec // G115: binding index is small.
		entries = append(entries, wgpu.BufferBindingEntry(uint32(i), gb.buf, 0, gb.capacity))
	}
	var varsBuf *wgpu.Buffer
	if len(args) > 0 {
		vals := make([]int32, len(args))
		for i, a := range args {
			//nolint:gosec // G115: kernel args are int32 by contract.
			vals[i] = int32(a)
		}
		varsBuf = d.createMapped(dtype.Int32Bytes(vals), wgpu.BufferUsageStorage)
		//nolint:gosec // G115: binding index is small.
		entries = append(entries, wgpu.BufferBindingEntry(uint32(len(bufs)), varsBuf, 0, alignedSize(4*len(args))))
	}
	bindGroup := d.device.CreateBindGroupSimple(p.pipeline.GetBindGroupLayout(0), entries)

	encoder := d.device.CreateCommandEncoder(nil)
	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(p.pipeline)
	pass.SetBindGroup(0, bindGroup, nil)
	pass.DispatchWorkgroups(groups[0], groups[1], groups[2])
	pass.End()
	pass.Release()
	cmd := encoder.Finish(nil)
	encoder.Release()

	d.batch.add(d.queue, cmd, func(seq uint64) {
		d.deferred.Add(seq, 0, func() {
			bindGroup.Release()
			if varsBuf != nil {
				varsBuf.Release()
			}
		})
	})
	klog.V(2).Infof("webgpu: dispatch %s %v", p.name, groups)
	return nil
}

// Release implements device.Program.
func (p *Program) Release() error {
	if p.released.Swap(true) {
		return errors.Wrapf(device.ErrReleased, "webgpu: program %s released twice", p.name)
	}
	if p.dev.closed.Load() {
		return errors.Wrap(device.ErrReleased, "webgpu: device closed")
	}
	p.dev.programs.Remove(p.key)
	p.dev.deferred.Add(p.dev.batch.last(), 0, p.free)
	return nil
}

func (p *Program) free() {
	p.pipeline.Release()
	p.shader.Release()
}

package cpu

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/device"
)

// Program is a kernel resolved by Build.
type Program struct {
	dev      *Device
	name     string
	key      device.ProgramKey
	k        *kernel
	released atomic.Bool
}

// Name implements device.Program.
func (p *Program) Name() string { return p.name }

// Run implements device.Program.
func (p *Program) Run(bufs []device.Buffer, global, local []int, args []int, extra []string) error {
	if p.released.Load() {
		return errors.Wrapf(device.ErrReleased, "cpu: program %s", p.name)
	}
	p.dev.checkOpen()
	if err := device.CheckLaunch(global, local); err != nil {
		return errors.WithMessagef(err, "cpu: %s", p.name)
	}
	k := p.k
	if len(global) < k.dims {
		return errors.Wrapf(device.ErrEnqueue, "cpu: %s reads %d launch dimensions, global size is %v", p.name, k.dims, global)
	}
	if len(bufs) != len(k.bufDTypes) {
		return errors.Wrapf(device.ErrEnqueue, "cpu: %s takes %d buffers, got %d", p.name, len(k.bufDTypes), len(bufs))
	}
	if len(args) != k.numVars {
		return errors.Wrapf(device.ErrEnqueue, "cpu: %s takes %d int args, got %d", p.name, k.numVars, len(args))
	}
	err := device.CheckBuffers(p.dev, bufs, func(b device.Buffer) bool {
		return b.(*Buffer).released.Load()
	})
	if err != nil {
		return errors.WithMessagef(err, "cpu: %s", p.name)
	}

	l := &launch{k: k, args: append([]int(nil), args...), global: [3]int{1, 1, 1}, local: k.localSize}
	copy(l.global[:], global)
	if local != nil {
		given := [3]int{1, 1, 1}
		copy(given[:], local)
		for d := range given {
			if k.localSize[d] != 1 && given[d] != k.localSize[d] {
				return errors.Wrapf(device.ErrEnqueue, "cpu: %s needs local size %v, got %v", p.name, k.localSize, local)
			}
		}
		l.local = given
	}
	for d := range l.global {
		if l.global[d]%l.local[d] != 0 {
			return errors.Wrapf(device.ErrEnqueue, "cpu: %s local size %v does not divide global size %v",
				p.name, l.local, global)
		}
	}

	cpuBufs := make([]*Buffer, len(bufs))
	for i, b := range bufs {
		cpuBufs[i] = b.(*Buffer)
		if cpuBufs[i].dt != k.bufDTypes[i] {
			return errors.Wrapf(device.ErrEnqueue, "cpu: %s buffer %d is %s, kernel expects %s",
				p.name, i, cpuBufs[i].dt, k.bufDTypes[i])
		}
	}

	p.dev.queue.submit(fmt.Sprintf("run %s %v", p.name, global), func() error {
		l.bufs = make([][]byte, len(cpuBufs))
		for i, b := range cpuBufs {
			l.bufs[i] = b.data
		}
		return l.run(p.dev.cfg.Parallel)
	}, nil)
	return nil
}

// Release implements device.Program.
func (p *Program) Release() error {
	if p.released.Swap(true) {
		return errors.Wrapf(device.ErrReleased, "cpu: program %s released twice", p.name)
	}
	if p.dev.closed.Load() {
		return errors.Wrap(device.ErrReleased, "cpu: device closed")
	}
	p.dev.programs.Remove(p.key)
	return nil
}

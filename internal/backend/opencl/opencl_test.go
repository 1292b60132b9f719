//go:build opencl && cgo

package opencl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/storm-ml/storm/internal/device"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
)

func newDevice(t *testing.T) *Device {
	t.Helper()
	d, err := New(Config{AllTypes: true})
	if err != nil {
		t.Skipf("no OpenCL device: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestEndToEndAdd(t *testing.T) {
	d := newDevice(t)
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(4))
	b := ops.NewLoad(2, dtype.Float32, ops.Contiguous(4))
	ast := ops.NewStore(0, dtype.Float32, ops.Contiguous(4), ops.Binary(ops.Add, a, b))

	lin := d.GetLin(ast)
	name, src, err := d.Render(lin)
	require.NoError(t, err)
	prg, err := d.Build(name, src)
	require.NoError(t, err)

	out, err := d.Alloc(4, dtype.Float32)
	require.NoError(t, err)
	x, err := d.Alloc(4, dtype.Float32)
	require.NoError(t, err)
	y, err := d.Alloc(4, dtype.Float32)
	require.NoError(t, err)
	require.NoError(t, x.FromCPU(dtype.Float32Bytes([]float32{1, 2, 3, 4})))
	require.NoError(t, y.FromCPU(dtype.Float32Bytes([]float32{10, 20, 30, 40})))

	require.NoError(t, prg.Run([]device.Buffer{out, x, y}, lin.GlobalSize, lin.LocalSize, nil, nil))
	data, err := out.ToCPU()
	require.NoError(t, err)
	assert.Equal(t, []float32{11, 22, 33, 44}, dtype.BytesToFloat32(data))

	err = prg.Run([]device.Buffer{out, x, y}, []int{10}, []int{3}, nil, nil)
	assert.ErrorIs(t, err, device.ErrEnqueue)
}

func TestPendingCopiesDrained(t *testing.T) {
	d := newDevice(t)
	var g errgroup.Group
	for range 3 {
		g.Go(func() error {
			buf, err := d.Alloc(1024, dtype.Float32)
			if err != nil {
				return err
			}
			return buf.FromCPU(make([]byte, 4096))
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 3, d.MemoryStats().PendingCopies)
	require.NoError(t, d.Synchronize())
	assert.Equal(t, 0, d.MemoryStats().PendingCopies)
}

func TestBuildError(t *testing.T) {
	d := newDevice(t)
	_, err := d.Build("E_1", "__kernel void E_1(__global float* data0) { data0[0] = ; }")
	require.Error(t, err)
	var ce *device.CompileError
	require.ErrorAs(t, err, &ce)
	assert.NotEmpty(t, ce.Log)
}

func TestReleaseAfterClose(t *testing.T) {
	d := newDevice(t)
	buf, err := d.Alloc(4, dtype.Float32)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.ErrorIs(t, buf.Release(), device.ErrReleased)
	assert.ErrorIs(t, buf.Release(), device.ErrReleased)
}

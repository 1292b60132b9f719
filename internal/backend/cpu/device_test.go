package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/storm-ml/storm/internal/codegen"
	"github.com/storm-ml/storm/internal/device"
	"github.com/storm-ml/storm/internal/dtype"
	"github.com/storm-ml/storm/internal/ops"
)

func newDevice(t *testing.T, config string) *Device {
	t.Helper()
	cfg, err := ParseConfig(config)
	require.NoError(t, err)
	d := New(cfg)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func build(t *testing.T, d *Device, ast *ops.LazyOp) (device.Program, *codegen.Linearizer) {
	t.Helper()
	lin := d.GetLin(ast)
	name, src, err := d.Render(lin)
	require.NoError(t, err)
	prg, err := d.Build(name, src)
	require.NoError(t, err)
	return prg, lin
}

func upload(t *testing.T, d *Device, data []float32) device.Buffer {
	t.Helper()
	buf, err := d.Alloc(len(data), dtype.Float32)
	require.NoError(t, err)
	require.NoError(t, buf.FromCPU(dtype.Float32Bytes(data)))
	return buf
}

func download(t *testing.T, buf device.Buffer) []float32 {
	t.Helper()
	data, err := buf.ToCPU()
	require.NoError(t, err)
	return dtype.BytesToFloat32(data)
}

func addAST(n int) *ops.LazyOp {
	a := ops.NewLoad(1, dtype.Float32, ops.Contiguous(n))
	b := ops.NewLoad(2, dtype.Float32, ops.Contiguous(n))
	return ops.NewStore(0, dtype.Float32, ops.Contiguous(n), ops.Binary(ops.Add, a, b))
}

func TestAllocSizeLaw(t *testing.T) {
	d := newDevice(t, "")
	for _, dt := range []dtype.DType{dtype.Bool, dtype.Int8, dtype.Int16, dtype.Int32, dtype.Int64,
		dtype.Float16, dtype.Float32, dtype.Float64} {
		for _, n := range []int{0, 1, 7, 1000} {
			buf, err := d.Alloc(n, dt)
			require.NoError(t, err)
			assert.Equal(t, n*dt.Size(), buf.Size(), "%d x %s", n, dt)
			assert.Equal(t, n, buf.Len())
			assert.Equal(t, dt, buf.DType())
			assert.Equal(t, device.Device(d), buf.Device())
			require.NoError(t, buf.Release())
		}
	}

	_, err := d.Alloc(-1, dtype.Float32)
	assert.ErrorIs(t, err, device.ErrEnqueue)
	_, err = d.Alloc(1<<62, dtype.Float64)
	assert.ErrorIs(t, err, device.ErrEnqueue)
	_, err = d.Alloc(4, dtype.Invalid)
	assert.ErrorIs(t, err, device.ErrEnqueue)
}

func TestRoundTrip(t *testing.T) {
	d := newDevice(t, "")
	want := []float32{1.5, -2, 3e7, 0, 42}
	buf := upload(t, d, want)
	assert.Equal(t, want, download(t, buf))

	// Shorter uploads overwrite a prefix.
	require.NoError(t, d.CopyIn(dtype.Float32Bytes([]float32{9}), buf))
	assert.Equal(t, []float32{9, -2, 3e7, 0, 42}, download(t, buf))

	err := d.CopyIn(make([]byte, buf.Size()+1), buf)
	assert.ErrorIs(t, err, device.ErrTransfer)
	err = d.CopyOut(buf, make([]byte, buf.Size()-1))
	assert.ErrorIs(t, err, device.ErrTransfer)
}

func TestEndToEndAdd(t *testing.T) {
	for _, config := range []string{"", "novec", "workers=1"} {
		t.Run(config, func(t *testing.T) {
			d := newDevice(t, config)
			prg, lin := build(t, d, addAST(4))

			out, err := d.Alloc(4, dtype.Float32)
			require.NoError(t, err)
			a := upload(t, d, []float32{1, 2, 3, 4})
			b := upload(t, d, []float32{10, 20, 30, 40})

			require.NoError(t, prg.Run([]device.Buffer{out, a, b}, lin.GlobalSize, lin.LocalSize, nil, nil))
			require.NoError(t, d.Synchronize())
			assert.Equal(t, []float32{11, 22, 33, 44}, download(t, out))
		})
	}
}

func TestCopyInThenRunOrdering(t *testing.T) {
	d := newDevice(t, "")
	prg, lin := build(t, d, addAST(4))

	out, err := d.Alloc(4, dtype.Float32)
	require.NoError(t, err)
	a, err := d.Alloc(4, dtype.Float32)
	require.NoError(t, err)
	b, err := d.Alloc(4, dtype.Float32)
	require.NoError(t, err)

	// No synchronization between the uploads, the launch and the download.
	require.NoError(t, d.CopyIn(dtype.Float32Bytes([]float32{1, 1, 1, 1}), a))
	require.NoError(t, d.CopyIn(dtype.Float32Bytes([]float32{2, 2, 2, 2}), b))
	require.NoError(t, prg.Run([]device.Buffer{out, a, b}, lin.GlobalSize, nil, nil, nil))
	require.NoError(t, d.CopyIn(dtype.Float32Bytes([]float32{5, 5, 5, 5}), a))
	first := make([]byte, out.Size())
	require.NoError(t, d.CopyOut(out, first))
	require.NoError(t, prg.Run([]device.Buffer{out, a, b}, lin.GlobalSize, nil, nil, nil))
	require.NoError(t, d.Synchronize())

	assert.Equal(t, []float32{3, 3, 3, 3}, dtype.BytesToFloat32(first))
	assert.Equal(t, []float32{7, 7, 7, 7}, download(t, out))
}

func TestLocalSizeRejected(t *testing.T) {
	d := newDevice(t, "novec")
	prg, _ := build(t, d, addAST(10))
	out, err := d.Alloc(10, dtype.Float32)
	require.NoError(t, err)
	a := upload(t, d, make([]float32, 10))
	b := upload(t, d, make([]float32, 10))
	require.NoError(t, d.Synchronize())

	err = prg.Run([]device.Buffer{out, a, b}, []int{10}, []int{3}, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrEnqueue)

	// Nothing was launched: the queue is empty and the output untouched.
	require.NoError(t, d.Synchronize())
	assert.Equal(t, make([]float32, 10), download(t, out))

	assert.NoError(t, prg.Run([]device.Buffer{out, a, b}, []int{10}, []int{5}, nil, nil))
	require.NoError(t, d.Synchronize())
}

func TestPendingCopiesDrained(t *testing.T) {
	d := newDevice(t, "")
	bufs := make([]device.Buffer, 3)
	for i := range bufs {
		var err error
		bufs[i], err = d.Alloc(256, dtype.Float32)
		require.NoError(t, err)
	}

	var g errgroup.Group
	for i, buf := range bufs {
		g.Go(func() error {
			data := make([]float32, 256)
			for j := range data {
				data[j] = float32(i*1000 + j)
			}
			return d.CopyIn(dtype.Float32Bytes(data), buf)
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 3, d.MemoryStats().PendingCopies)

	require.NoError(t, d.Synchronize())
	assert.Equal(t, 0, d.MemoryStats().PendingCopies)
	for i, buf := range bufs {
		got := download(t, buf)
		assert.Equal(t, float32(i*1000+255), got[255])
	}
}

func TestRenderDeterministic(t *testing.T) {
	d := newDevice(t, "")
	_, src1, err := d.Render(d.GetLin(addAST(16)))
	require.NoError(t, err)
	_, src2, err := d.Render(d.GetLin(addAST(16)))
	require.NoError(t, err)
	assert.Equal(t, src1, src2)
	assert.Contains(t, src1, "__kernel void E_16(")
	assert.Equal(t, "opencl", d.Renderer().Language())
}

func TestBuildCacheAndCompileError(t *testing.T) {
	d := newDevice(t, "")
	lin := d.GetLin(addAST(4))
	name, src, err := d.Render(lin)
	require.NoError(t, err)

	p1, err := d.Build(name, src)
	require.NoError(t, err)
	p2, err := d.Build(name, src)
	require.NoError(t, err)
	assert.Same(t, p1, p2)
	assert.Equal(t, 1, d.MemoryStats().Programs)

	_, err = d.Build("E_4", "__kernel void E_4() { syntax error }")
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrCompile)
	var ce *device.CompileError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "E_4", ce.Name)

	_, err = d.Build("other_name", src)
	assert.ErrorIs(t, err, device.ErrCompile)

	require.NoError(t, p1.Release())
	assert.ErrorIs(t, p1.Release(), device.ErrReleased)
	assert.Equal(t, 0, d.MemoryStats().Programs)
	p3, err := d.Build(name, src)
	require.NoError(t, err)
	assert.NotSame(t, p1, p3)
}

func TestReleaseSemantics(t *testing.T) {
	d := newDevice(t, "")
	buf := upload(t, d, []float32{1, 2})
	require.NoError(t, d.Synchronize())
	assert.Equal(t, int64(1), d.MemoryStats().ActiveBuffers)

	require.NoError(t, buf.Release())
	assert.ErrorIs(t, buf.Release(), device.ErrReleased)
	assert.ErrorIs(t, buf.FromCPU([]byte{0, 0, 0, 0}), device.ErrReleased)
	_, err := buf.ToCPU()
	assert.ErrorIs(t, err, device.ErrReleased)

	require.NoError(t, d.Synchronize())
	stats := d.MemoryStats()
	assert.Equal(t, int64(0), stats.ActiveBuffers)
	assert.Equal(t, uint64(0), stats.AllocatedBytes)
	assert.Equal(t, uint64(8), stats.PeakMemoryBytes)
}

func TestReleaseAfterClose(t *testing.T) {
	d := newDevice(t, "")
	buf := upload(t, d, []float32{1, 2})
	prg, _ := build(t, d, addAST(4))
	require.NoError(t, d.Close())

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, buf.Release(), device.ErrReleased)
		assert.ErrorIs(t, prg.Release(), device.ErrReleased)
	})
	assert.ErrorIs(t, buf.Release(), device.ErrReleased)
}

func TestRunValidation(t *testing.T) {
	d := newDevice(t, "")
	other := newDevice(t, "")
	prg, lin := build(t, d, addAST(4))
	out, err := d.Alloc(4, dtype.Float32)
	require.NoError(t, err)
	a, err := d.Alloc(4, dtype.Float32)
	require.NoError(t, err)
	foreign, err := other.Alloc(4, dtype.Float32)
	require.NoError(t, err)
	ints, err := d.Alloc(4, dtype.Int32)
	require.NoError(t, err)

	tests := []struct {
		name string
		bufs []device.Buffer
		args []int
	}{
		{"too few buffers", []device.Buffer{out, a}, nil},
		{"foreign buffer", []device.Buffer{out, a, foreign}, nil},
		{"wrong dtype", []device.Buffer{out, a, ints}, nil},
		{"unexpected args", []device.Buffer{out, a, a}, []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := prg.Run(tt.bufs, lin.GlobalSize, nil, tt.args, nil)
			assert.ErrorIs(t, err, device.ErrEnqueue)
		})
	}
}

func TestDeferredExecutionError(t *testing.T) {
	d := newDevice(t, "novec")
	prg, lin := build(t, d, addAST(8))
	small, err := d.Alloc(2, dtype.Float32)
	require.NoError(t, err)

	require.NoError(t, prg.Run([]device.Buffer{small, small, small}, lin.GlobalSize, nil, nil, nil))
	err = d.Synchronize()
	require.Error(t, err)
	assert.ErrorIs(t, err, device.ErrEnqueue)
	assert.Contains(t, err.Error(), "out of range")

	// The failure is reported once.
	assert.NoError(t, d.Synchronize())
}

func TestMaxMemory(t *testing.T) {
	d := newDevice(t, "maxmem=1KiB")
	buf, err := d.Alloc(200, dtype.Float32)
	require.NoError(t, err)
	_, err = d.Alloc(100, dtype.Float32)
	assert.ErrorIs(t, err, device.ErrEnqueue)

	require.NoError(t, buf.Release())
	require.NoError(t, d.Synchronize())
	_, err = d.Alloc(100, dtype.Float32)
	assert.NoError(t, err)
}

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("workers=3, nolocal,novec,maxmem=2MiB")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Parallel.NumWorkers)
	assert.True(t, cfg.Parallel.Enabled)
	assert.False(t, cfg.HasLocal)
	assert.False(t, cfg.SupportsFloat4)
	assert.Equal(t, uint64(2<<20), cfg.MaxMemory)

	cfg, err = ParseConfig("workers=1")
	require.NoError(t, err)
	assert.False(t, cfg.Parallel.Enabled)

	for _, bad := range []string{"workers=0", "workers=x", "maxmem=lots", "turbo"} {
		_, err := ParseConfig(bad)
		assert.ErrorIs(t, err, device.ErrInitialization, bad)
	}
}

func TestOpenFromRegistry(t *testing.T) {
	dev, err := device.Open("cpu:workers=2")
	require.NoError(t, err)
	defer dev.Close()
	assert.Equal(t, Name, dev.Name())
	assert.IsType(t, &Device{}, dev)

	_, err = device.Open("cpu:turbo")
	assert.ErrorIs(t, err, device.ErrInitialization)
}

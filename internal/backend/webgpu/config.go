// Package webgpu implements a device on WebGPU compute shaders through go-webgpu.
//
// Kernels are rendered to WGSL. Uploads are staged in mapped buffers and copied on the GPU queue;
// command buffers are batched and submitted together. Synchronize submits the batch and waits for
// a fence readback, after which staging memory of completed copies is released.
package webgpu

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/device"
)

// Name is the registered backend name.
const Name = "webgpu"

// Config controls the WebGPU device.
type Config struct {
	// LowPower requests the low-power adapter instead of the high-performance one.
	LowPower bool

	// MaxBatchSize flushes queued command buffers once this many accumulate. 0 means no limit.
	MaxBatchSize int

	// PoolSize is the number of released storage buffers kept per size class for reuse.
	PoolSize int

	// MaxMemory caps the bytes held by live buffers. 0 means unlimited.
	MaxMemory uint64
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{MaxBatchSize: 64, PoolSize: 100}
}

// ParseConfig reads a comma separated option list on top of DefaultConfig:
//
//	lowpower    prefer the low-power adapter
//	batch=N     flush after N queued command buffers (0 for no limit)
//	pool=N      pooled buffers per size class (0 disables pooling)
//	maxmem=SIZE memory cap, e.g. "2GiB"
func ParseConfig(config string) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range strings.Split(config, ",") {
		opt = strings.TrimSpace(opt)
		key, value, _ := strings.Cut(opt, "=")
		switch key {
		case "":
		case "lowpower":
			cfg.LowPower = true
		case "batch", "pool":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return cfg, errors.Wrapf(device.ErrInitialization, "webgpu: invalid %s %q", key, value)
			}
			if key == "batch" {
				cfg.MaxBatchSize = n
			} else {
				cfg.PoolSize = n
			}
		case "maxmem":
			n, err := humanize.ParseBytes(value)
			if err != nil {
				return cfg, errors.Wrapf(device.ErrInitialization, "webgpu: invalid maxmem %q: %v", value, err)
			}
			cfg.MaxMemory = n
		default:
			return cfg, errors.Wrapf(device.ErrInitialization, "webgpu: unknown option %q", opt)
		}
	}
	return cfg, nil
}

// alignedSize rounds n up to the 4-byte granularity WebGPU requires for buffer sizes and copies.
func alignedSize(n int) uint64 {
	//nolint:gosec // G115: n is non-negative.
	return (uint64(n) + 3) &^ 3
}

// dispatchSize converts a global size in work-items to a workgroup count for a shader compiled
// with workgroup size wg.
func dispatchSize(global []int, wg [3]int) ([3]uint32, error) {
	if len(global) > 3 {
		return [3]uint32{}, errors.Wrapf(device.ErrEnqueue, "webgpu: global size %v has more than 3 dimensions", global)
	}
	groups := [3]uint32{1, 1, 1}
	for d, g := range global {
		if g%wg[d] != 0 {
			return [3]uint32{}, errors.Wrapf(device.ErrEnqueue, "webgpu: workgroup size %v does not divide global size %v",
				wg, global)
		}
		//nolint:gosec // G115: validated positive by CheckLaunch.
		groups[d] = uint32(g / wg[d])
	}
	for d := len(global); d < 3; d++ {
		if wg[d] != 1 {
			return [3]uint32{}, errors.Wrapf(device.ErrEnqueue, "webgpu: workgroup size %v has no global dimension %d", wg, d)
		}
	}
	return groups, nil
}

// countBindings returns the number of storage buffers a rendered shader binds, excluding vars.
func countBindings(source string) int {
	return strings.Count(source, "var<storage, read_write>")
}

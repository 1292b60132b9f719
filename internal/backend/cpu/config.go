package cpu

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/device"
	"github.com/storm-ml/storm/internal/parallel"
)

// Config controls the emulator.
type Config struct {
	// Parallel runs the work-groups of one launch concurrently.
	Parallel parallel.Config

	// HasLocal enables cooperative work-group reductions in generated kernels.
	HasLocal bool

	// SupportsFloat4 enables float4 vectorized kernels.
	SupportsFloat4 bool

	// MaxMemory caps the bytes held by live buffers. 0 means unlimited.
	MaxMemory uint64
}

// DefaultConfig emulates a GPU-like device using every CPU.
func DefaultConfig() Config {
	par := parallel.DefaultConfig()
	par.MinChunkSize = 1
	return Config{
		Parallel:       par,
		HasLocal:       true,
		SupportsFloat4: true,
	}
}

// ParseConfig reads a comma separated option list on top of DefaultConfig:
//
//	workers=N   number of goroutines executing work-groups (1 disables parallelism)
//	nolocal     no work-group reductions
//	novec       no float4 vectorization
//	maxmem=SIZE memory cap, e.g. "512MiB"
func ParseConfig(config string) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range strings.Split(config, ",") {
		opt = strings.TrimSpace(opt)
		key, value, _ := strings.Cut(opt, "=")
		switch key {
		case "":
		case "workers":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return cfg, errors.Wrapf(device.ErrInitialization, "cpu: invalid workers %q", value)
			}
			cfg.Parallel.NumWorkers = n
			cfg.Parallel.Enabled = n > 1
		case "nolocal":
			cfg.HasLocal = false
		case "novec":
			cfg.SupportsFloat4 = false
		case "maxmem":
			n, err := humanize.ParseBytes(value)
			if err != nil {
				return cfg, errors.Wrapf(device.ErrInitialization, "cpu: invalid maxmem %q: %v", value, err)
			}
			cfg.MaxMemory = n
		default:
			return cfg, errors.Wrapf(device.ErrInitialization, "cpu: unknown option %q", opt)
		}
	}
	return cfg, nil
}

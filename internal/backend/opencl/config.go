// Package opencl implements a device on an OpenCL runtime through cgo.
//
// The real implementation needs the "opencl" build tag, cgo and an OpenCL ICD loader; without them
// the backend registers but fails to open with device.ErrInitialization.
//
// Copies to the device are non-blocking: the source is staged in C memory that stays in the pending
// table until Synchronize finishes the queue. Copies to the host block.
package opencl

import (
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/device"
	clrender "github.com/storm-ml/storm/internal/renderer/opencl"
)

// Name is the registered backend name.
const Name = "opencl"

// Config selects the OpenCL device.
type Config struct {
	// Index is the position of the device among all matching devices of all platforms.
	Index int

	// AllTypes considers every device type, not only GPUs.
	AllTypes bool

	// BuildOptions are passed to the OpenCL compiler.
	BuildOptions string

	// MaxMemory caps the bytes held by live buffers. 0 means unlimited.
	MaxMemory uint64
}

// DefaultConfig opens the first GPU.
func DefaultConfig() Config {
	return Config{}
}

// ParseConfig reads a comma separated option list on top of DefaultConfig:
//
//	N or device=N  device index
//	all            include non-GPU devices such as CPU runtimes
//	fastmath       compile with -cl-fast-relaxed-math
//	maxmem=SIZE    memory cap, e.g. "4GiB"
func ParseConfig(config string) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range strings.Split(config, ",") {
		opt = strings.TrimSpace(opt)
		key, value, hasValue := strings.Cut(opt, "=")
		if !hasValue {
			if n, err := strconv.Atoi(key); err == nil {
				key, value = "device", strconv.Itoa(n)
			}
		}
		switch key {
		case "":
		case "device":
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return cfg, errors.Wrapf(device.ErrInitialization, "opencl: invalid device index %q", value)
			}
			cfg.Index = n
		case "all":
			cfg.AllTypes = true
		case "fastmath":
			cfg.BuildOptions = "-cl-fast-relaxed-math"
		case "maxmem":
			n, err := humanize.ParseBytes(value)
			if err != nil {
				return cfg, errors.Wrapf(device.ErrInitialization, "opencl: invalid maxmem %q: %v", value, err)
			}
			cfg.MaxMemory = n
		default:
			return cfg, errors.Wrapf(device.ErrInitialization, "opencl: unknown option %q", opt)
		}
	}
	return cfg, nil
}

// checkSignature rejects launches that would leave kernel arguments of a previous launch bound, and
// launches of local-memory kernels with a work-group size other than the declared one.
func checkSignature(name string, sig clrender.Signature, numBufs int, local, args []int) error {
	if numBufs != sig.Buffers {
		return errors.Wrapf(device.ErrEnqueue, "opencl: %s takes %d buffers, got %d", name, sig.Buffers, numBufs)
	}
	if len(args) != sig.Ints {
		return errors.Wrapf(device.ErrEnqueue, "opencl: %s takes %d int args, got %d", name, sig.Ints, len(args))
	}
	if sig.LocalSize == ([3]int{}) {
		return nil
	}
	if local == nil {
		return errors.Wrapf(device.ErrEnqueue, "opencl: %s needs local size %v", name, sig.LocalSize)
	}
	for d := range sig.LocalSize {
		l := 1
		if d < len(local) {
			l = local[d]
		}
		if l != sig.LocalSize[d] {
			return errors.Wrapf(device.ErrEnqueue, "opencl: %s needs local size %v, got %v", name, sig.LocalSize, local)
		}
	}
	return nil
}

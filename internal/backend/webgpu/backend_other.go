//go:build !windows

package webgpu

import (
	"github.com/pkg/errors"

	"github.com/storm-ml/storm/internal/device"
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

// Open always fails: the WebGPU driver is only wired on windows.
func Open(Config) (device.Device, error) {
	return nil, errors.Wrap(device.ErrInitialization, "webgpu: not supported on this platform")
}

// IsAvailable reports whether a WebGPU adapter can be opened.
func IsAvailable() bool { return false }

//go:build !opencl || !cgo

package opencl

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

// Open always fails: the OpenCL driver needs the opencl build tag and cgo.
func Open(Config) (device.Device, error) {
	return nil, errors.Wrap(device.ErrInitialization, "opencl: built without the opencl tag")
}

// IsAvailable reports whether an OpenCL device can be opened.
func IsAvailable() bool { return false }

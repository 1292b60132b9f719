package device

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Constructor opens a device from the backend-specific part of a configuration string.
type Constructor func(config string) (Device, error)

var (
	registryMu    sync.RWMutex
	constructors  = make(map[string]Constructor)
	defaultConfig string
)

// Preference is the order in which Open tries backends when the configuration names none.
var Preference = []string{"opencl", "webgpu", "cpu"}

// EnvDevice is the environment variable that overrides the device configuration.
const EnvDevice = "STORM_DEVICE"

// Register makes a backend available under name. Backends call it from init.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	constructors[name] = constructor
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// SetDefaultConfig sets the configuration used by Default when the environment variable is not set.
// Format is "<backend>:<config>" or "<backend>". It has no effect once Default has opened its device.
func SetDefaultConfig(config string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	defaultConfig = config
}

// Config returns the configuration string Default uses: $STORM_DEVICE, then the one given to
// SetDefaultConfig.
func Config() string {
	if config, found := os.LookupEnv(EnvDevice); found {
		return config
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	return defaultConfig
}

// ParseConfig splits "<backend>:<config>".
func ParseConfig(config string) (name, backendConfig string) {
	name, backendConfig, _ = strings.Cut(config, ":")
	return name, backendConfig
}

// Open constructs a device from config. An empty backend name tries the backends in Preference
// order and returns the first that initializes.
func Open(config string) (Device, error) {
	name, backendConfig := ParseConfig(config)
	if name != "" {
		registryMu.RLock()
		constructor, ok := constructors[name]
		registryMu.RUnlock()
		if !ok {
			return nil, errors.Wrapf(ErrUnknownDevice, "%q (registered: %v)", name, Backends())
		}
		return constructor(backendConfig)
	}

	var errs []string
	for _, candidate := range Preference {
		registryMu.RLock()
		constructor, ok := constructors[candidate]
		registryMu.RUnlock()
		if !ok {
			continue
		}
		dev, err := constructor(backendConfig)
		if err == nil {
			klog.V(1).Infof("device: selected %s", candidate)
			return dev, nil
		}
		klog.V(1).Infof("device: %s unavailable: %v", candidate, err)
		errs = append(errs, err.Error())
	}
	if len(errs) == 0 {
		return nil, errors.Wrap(ErrUnknownDevice, "no backend registered")
	}
	return nil, errors.Wrapf(ErrInitialization, "no backend could be opened: %s", strings.Join(errs, "; "))
}

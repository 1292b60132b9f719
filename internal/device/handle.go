package device

import (
	"sync"
)

var defaultDevice = sync.OnceValues(func() (Device, error) {
	return Open(Config())
})

// Default returns the process-wide device, opening it on first use from Config.
// Every caller observes the same device, or the same initialization error.
func Default() (Device, error) {
	return defaultDevice()
}

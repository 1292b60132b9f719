package device

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error kinds. Backend errors wrap exactly one of these; test with errors.Is.
var (
	// ErrInitialization means no platform, device, context or queue could be obtained.
	ErrInitialization = errors.New("device initialization failed")

	// ErrCompile means kernel source was rejected by the driver.
	ErrCompile = errors.New("kernel compilation failed")

	// ErrEnqueue means a launch, allocation or argument binding was rejected.
	ErrEnqueue = errors.New("enqueue failed")

	// ErrTransfer means a host/device copy failed or sizes did not match.
	ErrTransfer = errors.New("transfer failed")

	// ErrReleased means a buffer or program was used after Release.
	ErrReleased = errors.New("resource already released")

	// ErrUnknownDevice means no backend is registered under the requested name.
	ErrUnknownDevice = errors.New("unknown device")
)

// CompileError carries the driver's build diagnostic verbatim.
type CompileError struct {
	Name string
	Log  string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s: %s:\n%s", ErrCompile, e.Name, e.Log)
}

// Unwrap makes errors.Is(err, ErrCompile) hold.
func (e *CompileError) Unwrap() error {
	return ErrCompile
}

// WithKind marks err with one of the error kinds. errors.Is and errors.As match both the kind and
// anything err wraps.
func WithKind(kind, err error) error {
	return fmt.Errorf("%w: %w", kind, err)
}

package device

import (
	"github.com/pkg/errors"
)

// CheckLaunch validates launch geometry: global has one to three positive dimensions and local,
// when given, has the same rank, positive sizes, and divides global evenly in every dimension.
func CheckLaunch(global, local []int) error {
	if len(global) == 0 || len(global) > 3 {
		return errors.Wrapf(ErrEnqueue, "global size must have 1 to 3 dimensions, got %v", global)
	}
	for _, g := range global {
		if g <= 0 {
			return errors.Wrapf(ErrEnqueue, "global size %v has a non-positive dimension", global)
		}
	}
	if local == nil {
		return nil
	}
	if len(local) != len(global) {
		return errors.Wrapf(ErrEnqueue, "local size %v and global size %v differ in rank", local, global)
	}
	for i, l := range local {
		if l <= 0 {
			return errors.Wrapf(ErrEnqueue, "local size %v has a non-positive dimension", local)
		}
		if global[i]%l != 0 {
			return errors.Wrapf(ErrEnqueue, "local size %v does not divide global size %v", local, global)
		}
	}
	return nil
}

// CheckBuffers verifies that every buffer belongs to dev and has not been released.
func CheckBuffers(dev Device, bufs []Buffer, released func(Buffer) bool) error {
	for i, b := range bufs {
		if b == nil {
			return errors.Wrapf(ErrEnqueue, "buffer %d is nil", i)
		}
		if b.Device() != dev {
			return errors.Wrapf(ErrEnqueue, "buffer %d belongs to device %s", i, b.Device().Name())
		}
		if released != nil && released(b) {
			return errors.Wrapf(ErrReleased, "buffer %d", i)
		}
	}
	return nil
}

// Elements returns the product of dims.
func Elements(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

package gwmsg

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the taxonomy signalled across component boundaries.
var (
	// ErrTransport covers socket closed, TLS errors, malformed frames. Never
	// surfaced to driver callers; it always triggers a reconnect.
	ErrTransport = errors.New("gwmsg: transport error")

	// ErrTimeout is surfaced to send-and-wait callers when a wait is exceeded.
	ErrTimeout = errors.New("gwmsg: timeout")

	// ErrNotFound covers an unknown device id or MAC address.
	ErrNotFound = errors.New("gwmsg: not found")

	// ErrIllegalState covers an operation disallowed in the current device
	// state, e.g. set-value on a non-reactive module.
	ErrIllegalState = errors.New("gwmsg: illegal state")

	// ErrCapacity covers a full Context Pool or Output Queue.
	ErrCapacity = errors.New("gwmsg: capacity exceeded")

	// ErrFatal covers an adapter that has become unusable.
	ErrFatal = errors.New("gwmsg: fatal")
)

// DeviceError wraps ErrNotFound/ErrIllegalState with the device id involved.
type DeviceError struct {
	Device DeviceID
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewDeviceError wraps err with the device id that produced it.
func NewDeviceError(device DeviceID, err error) *DeviceError {
	return &DeviceError{Device: device, Err: err}
}

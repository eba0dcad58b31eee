package device

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrIllegalState is returned when an action is attempted while the
	// device or the observatory cannot accept it.
	ErrIllegalState = errors.New("illegal state")

	ErrNotConnected = fmt.Errorf("%w: device not connected", ErrIllegalState)

	// ErrInvalidArgument is returned by local validation, before any call is
	// made to the bridge.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnsupported is returned when the device lacks the capability an
	// action needs.
	ErrUnsupported = errors.New("not supported by device")
)

// TimeoutError is returned by Action.Await when the device did not reach
// the expected state in time.
type TimeoutError struct {
	Device    string
	Operation string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s did not complete within %s", e.Device, e.Operation, e.After)
}

// InvalidArgument builds an error matching ErrInvalidArgument.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// Unsupported builds an error matching ErrUnsupported.
func Unsupported(device, op string) error {
	return fmt.Errorf("%s: %s: %w", device, op, ErrUnsupported)
}

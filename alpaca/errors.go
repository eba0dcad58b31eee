package alpaca

import (
	"errors"
	"fmt"
)

// ErrorCode is the numeric ErrorNumber of an Alpaca response.
type ErrorCode int

const (
	ErrorNotImplemented       ErrorCode = 0x400
	ErrorInvalidValue         ErrorCode = 0x401
	ErrorValueNotSet          ErrorCode = 0x402
	ErrorNotConnected         ErrorCode = 0x407
	ErrorInvalidWhileParked   ErrorCode = 0x408
	ErrorInvalidWhileSlaved   ErrorCode = 0x409
	ErrorSettings             ErrorCode = 0x40A
	ErrorInvalidOperation     ErrorCode = 0x40B
	ErrorActionNotImplemented ErrorCode = 0x40C
	ErrorItemNotPresent       ErrorCode = 0x40D
	ErrorUnspecified          ErrorCode = 0x4FF

	// Codes from here up are reserved for driver specific errors.
	ErrorDriverBase ErrorCode = 0x500
)

var errorMessages = map[ErrorCode]string{
	ErrorNotImplemented:       "Method not implemented",
	ErrorInvalidValue:         "Invalid value",
	ErrorValueNotSet:          "Value not set",
	ErrorNotConnected:         "Not connected",
	ErrorInvalidWhileParked:   "Invalid while parked",
	ErrorInvalidWhileSlaved:   "Invalid while slaved",
	ErrorSettings:             "Settings related error",
	ErrorInvalidOperation:     "Invalid operation",
	ErrorActionNotImplemented: "Action not implemented",
	ErrorItemNotPresent:       "Item not present in the ASCOM cache",
	ErrorUnspecified:          "Unspecified error",
}

// String returns the canonical message for the code.
func (c ErrorCode) String() string {
	if c >= ErrorDriverBase {
		return fmt.Sprintf("ASCOM Driver Error 0x%x", int(c))
	}
	if msg, ok := errorMessages[c]; ok {
		return fmt.Sprintf("ASCOM Error: %s (0x%X)", msg, int(c))
	}
	return fmt.Sprintf("ASCOM Error: Unknown error (0x%x)", int(c))
}

// IsDriverError reports whether the code is outside the documented range.
func (c ErrorCode) IsDriverError() bool {
	return c >= ErrorDriverBase
}

// ErrDeviceUnavailable matches every failure where the bridge gave no usable
// response.
var ErrDeviceUnavailable = errors.New("device unavailable")

// ProtocolError is a nonzero ErrorNumber returned by the bridge.
type ProtocolError struct {
	Op      string
	Code    ErrorCode
	Message string
}

func (e *ProtocolError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	} else {
		msg = fmt.Sprintf("%s (0x%X)", msg, int(e.Code))
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

// UnavailableError wraps a transport level failure.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrDeviceUnavailable, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrDeviceUnavailable
}

// CodeOf extracts the protocol error code from err, if any.
func CodeOf(err error) (ErrorCode, bool) {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return perr.Code, true
	}
	return 0, false
}

// IsCode reports whether err is a ProtocolError with the given code.
func IsCode(err error, code ErrorCode) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

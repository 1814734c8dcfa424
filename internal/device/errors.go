package device

import (
	"errors"
	"fmt"

	"github.com/conoscope-control/conoctl/internal/codec"
	"github.com/conoscope-control/conoctl/internal/model"
)

// Protocol-level errors. They are surfaced immediately and never retried.
var (
	ErrMalformedResponse   = codec.ErrMalformedResponse
	ErrIncompatibleVersion = errors.New("INCOMPATIBLE_VERSION")
	ErrSessionClosed       = errors.New("SESSION_CLOSED")
	ErrSequenceActive      = errors.New("SEQUENCE_ACTIVE")
	ErrUnavailable         = errors.New("UNAVAILABLE")
	ErrBusy                = errors.New("BUSY")
	ErrTimeout             = errors.New("TIMEOUT")
)

// Classes of device-reported failures, used to pick transport status codes.
var (
	ErrInvalidParameter = errors.New("INVALID_PARAMETER")
	ErrInvalidState     = errors.New("INVALID_STATE")
	ErrNotImplemented   = errors.New("NOT_IMPLEMENTED")
	ErrDeviceFailure    = errors.New("DEVICE_FAILURE")
)

// Code is a device error code. The code space is opaque: values are reported
// verbatim and the names below are only used for logging.
type Code int

// Codes the device is known to report.
const (
	CodeOk Code = iota
	CodeFailed
	CodeViFailed
	CodeInvalidParameter
	CodeInvalidState
	CodeNotImplemented
	CodeFailedMaxRetry
	CodeAborted
	CodeTimeout
	CodeInvalidConfiguration
)

var codeNames = map[Code]string{
	CodeOk:                   "Ok",
	CodeFailed:               "Failed",
	CodeViFailed:             "ViFailed",
	CodeInvalidParameter:     "InvalidParameter",
	CodeInvalidState:         "InvalidState",
	CodeNotImplemented:       "NotImplemented",
	CodeFailedMaxRetry:       "FailedMaxRetry",
	CodeAborted:              "Aborted",
	CodeTimeout:              "Timeout",
	CodeInvalidConfiguration: "InvalidConfiguration",
}

// codeClasses maps known codes to a failure class. Unknown codes fall back to
// ErrDeviceFailure.
var codeClasses = map[Code]error{
	CodeInvalidParameter:     ErrInvalidParameter,
	CodeInvalidConfiguration: ErrInvalidParameter,
	CodeInvalidState:         ErrInvalidState,
	CodeNotImplemented:       ErrNotImplemented,
	CodeTimeout:              ErrTimeout,
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error lets a Code be used as an errors.Is target.
func (c Code) Error() string {
	return c.String()
}

// Class returns the failure class of a code.
func (c Code) Class() error {
	if c == CodeOk {
		return nil
	}
	if cls, ok := codeClasses[c]; ok {
		return cls
	}
	return ErrDeviceFailure
}

// DeviceError carries a non-zero CommandResult as a Go error, preserving the
// device's code and message verbatim.
type DeviceError struct {
	Command Command
	Code    Code
	Message string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s failed: %s (%d): %s", e.Command, e.Code, int(e.Code), e.Message)
}

// Unwrap returns the failure class so callers can errors.Is against it.
func (e *DeviceError) Unwrap() error {
	return e.Code.Class()
}

// Is matches a bare Code target.
func (e *DeviceError) Is(target error) bool {
	if c, ok := target.(Code); ok {
		return e.Code == c
	}
	return false
}

// AsError converts a failed result into a *DeviceError; successful results yield nil.
func AsError(cmd Command, result model.CommandResult) error {
	if result.OK() {
		return nil
	}
	return &DeviceError{
		Command: cmd,
		Code:    Code(result.ErrorCode),
		Message: result.Message,
	}
}

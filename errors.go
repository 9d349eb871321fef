package hwcodec

import (
	"errors"
	"fmt"
)

// ErrorCode is the failure taxonomy shared by every layer of the module.
//
// An ErrorCode is an error itself, so it may be used as a sentinel:
//
//	if errors.Is(err, hwcodec.ErrQueueFull) { ... }
type ErrorCode uint

const (
	ErrorCodeUndefined = ErrorCode(iota)
	ErrorCodeDeviceUnavailable
	ErrorCodeUnsupportedDriver
	ErrorCodeUnsupportedConfig
	ErrorCodeOutOfDeviceMemory
	ErrorCodeQueueFull
	ErrorCodeBufferBusy
	ErrorCodeMalformedUnit
	ErrorCodeInvalidState
	ErrorCodeHardwareError
	ErrorCodeDeviceLost
	EndOfErrorCode
)

var (
	ErrDeviceUnavailable error = ErrorCodeDeviceUnavailable
	ErrUnsupportedDriver error = ErrorCodeUnsupportedDriver
	ErrUnsupportedConfig error = ErrorCodeUnsupportedConfig
	ErrOutOfDeviceMemory error = ErrorCodeOutOfDeviceMemory
	ErrQueueFull         error = ErrorCodeQueueFull
	ErrBufferBusy        error = ErrorCodeBufferBusy
	ErrMalformedUnit     error = ErrorCodeMalformedUnit
	ErrInvalidState      error = ErrorCodeInvalidState
	ErrHardwareError     error = ErrorCodeHardwareError
	ErrDeviceLost        error = ErrorCodeDeviceLost
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeUndefined:
		return "<undefined>"
	case ErrorCodeDeviceUnavailable:
		return "device_unavailable"
	case ErrorCodeUnsupportedDriver:
		return "unsupported_driver"
	case ErrorCodeUnsupportedConfig:
		return "unsupported_config"
	case ErrorCodeOutOfDeviceMemory:
		return "out_of_device_memory"
	case ErrorCodeQueueFull:
		return "queue_full"
	case ErrorCodeBufferBusy:
		return "buffer_busy"
	case ErrorCodeMalformedUnit:
		return "malformed_unit"
	case ErrorCodeInvalidState:
		return "invalid_state"
	case ErrorCodeHardwareError:
		return "hardware_error"
	case ErrorCodeDeviceLost:
		return "device_lost"
	}
	return fmt.Sprintf("unexpected_error_code_%d", uint(c))
}

func (c ErrorCode) Error() string {
	return c.String()
}

// Fatal reports whether the error ends the session it happened in.
func (c ErrorCode) Fatal() bool {
	switch c {
	case ErrorCodeHardwareError, ErrorCodeDeviceLost:
		return true
	}
	return false
}

// Error is an ErrorCode with details attached.
type Error struct {
	Code ErrorCode
	Err  error
}

var _ error = (*Error)(nil)

// NewError returns an error of the given code; format and args are
// interpreted by fmt.Errorf, so %w is allowed.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code: code,
		Err:  fmt.Errorf(format, args...),
	}
}

// WrapError returns nil if err is nil, err itself if it already
// carries a code, and err tagged with code otherwise.
func WrapError(code ErrorCode, err error) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != ErrorCodeUndefined {
		return err
	}
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

// CodeOf returns the outermost ErrorCode found in the chain of err,
// or ErrorCodeUndefined if there is none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUndefined
	}
	var code ErrorCode
	if errors.As(err, &code) {
		return code
	}
	return ErrorCodeUndefined
}

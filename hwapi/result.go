// Package hwapi is the flat surface of the module: objects are
// referred to by 64-bit handles, enumerations are small integers and
// every call returns a Result. It is what the C library and the
// session host process expose.
package hwapi

import (
	"errors"
	"fmt"
	"io"

	"github.com/xaionaro-go/hwcodec"
)

// Result is zero on success, positive for the statuses that are not
// errors and negative for errors.
type Result int32

const (
	ResultOK             = Result(0)
	ResultNotReady       = Result(1)
	ResultDrained        = Result(2)
	ResultBufferTooSmall = Result(3)

	ResultDeviceUnavailable = Result(-1)
	ResultUnsupportedDriver = Result(-2)
	ResultUnsupportedConfig = Result(-3)
	ResultOutOfDeviceMemory = Result(-4)
	ResultQueueFull         = Result(-5)
	ResultBufferBusy        = Result(-6)
	ResultMalformedUnit     = Result(-7)
	ResultInvalidState      = Result(-8)
	ResultHardwareError     = Result(-9)
	ResultDeviceLost        = Result(-10)
	ResultInvalidArgument   = Result(-11)
	ResultInternalError     = Result(-100)
)

var codeResults = map[hwcodec.ErrorCode]Result{
	hwcodec.ErrorCodeDeviceUnavailable: ResultDeviceUnavailable,
	hwcodec.ErrorCodeUnsupportedDriver: ResultUnsupportedDriver,
	hwcodec.ErrorCodeUnsupportedConfig: ResultUnsupportedConfig,
	hwcodec.ErrorCodeOutOfDeviceMemory: ResultOutOfDeviceMemory,
	hwcodec.ErrorCodeQueueFull:         ResultQueueFull,
	hwcodec.ErrorCodeBufferBusy:        ResultBufferBusy,
	hwcodec.ErrorCodeMalformedUnit:     ResultMalformedUnit,
	hwcodec.ErrorCodeInvalidState:      ResultInvalidState,
	hwcodec.ErrorCodeHardwareError:     ResultHardwareError,
	hwcodec.ErrorCodeDeviceLost:        ResultDeviceLost,
}

// ErrInvalidArgument is reported as ResultInvalidArgument.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrBufferTooSmall is reported as ResultBufferTooSmall.
var ErrBufferTooSmall = errors.New("the output buffer is too small")

// ResultOf maps an error to its Result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, io.EOF):
		return ResultDrained
	case errors.Is(err, ErrBufferTooSmall):
		return ResultBufferTooSmall
	case errors.Is(err, ErrInvalidArgument):
		return ResultInvalidArgument
	}
	if r, ok := codeResults[hwcodec.CodeOf(err)]; ok {
		return r
	}
	return ResultInternalError
}

// OK reports whether the call succeeded (statuses included).
func (r Result) OK() bool {
	return r >= 0
}

// Err is the inverse of ResultOf: it returns nil for ResultOK and
// ResultNotReady, io.EOF for ResultDrained and a sentinel otherwise.
func (r Result) Err() error {
	switch r {
	case ResultOK, ResultNotReady:
		return nil
	case ResultDrained:
		return io.EOF
	case ResultBufferTooSmall:
		return ErrBufferTooSmall
	case ResultInvalidArgument:
		return ErrInvalidArgument
	}
	for code, result := range codeResults {
		if result == r {
			return code
		}
	}
	return fmt.Errorf("internal error (result %d)", int32(r))
}

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultNotReady:
		return "not_ready"
	case ResultDrained:
		return "drained"
	case ResultBufferTooSmall:
		return "buffer_too_small"
	case ResultInvalidArgument:
		return "invalid_argument"
	case ResultInternalError:
		return "internal_error"
	}
	for code, result := range codeResults {
		if result == r {
			return code.String()
		}
	}
	return fmt.Sprintf("unexpected_result_%d", int32(r))
}

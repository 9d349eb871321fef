// Command libhwcodec is the C library of the module:
//
//	go build -buildmode=c-shared -o libhwcodec.so ./cmd/libhwcodec
//
// Every function returns an int32_t result (see hwapi.Result): zero on
// success, a positive status or a negative error code. Outputs are
// written through pointers. hwcodec_last_error describes the last
// failure.
package main

/*
#include <stdint.h>
#include <stddef.h>

typedef struct {
	uint32_t codec;
	uint32_t width;
	uint32_t height;
	uint32_t pixel_format;
	uint32_t rate_control_mode;
	uint64_t bitrate;
	uint32_t quality;
	int32_t  qp_min;
	int32_t  qp_max;
	uint32_t frame_rate_num;
	uint32_t frame_rate_den;
	uint32_t gop_length;
	uint32_t max_b_frames;
	uint32_t preset;
	uint32_t queue_depth;
	uint32_t output_pixel_format;
	uint32_t output_width;
	uint32_t output_height;
} hwcodec_params;

typedef struct {
	size_t   size;
	int64_t  pts;
	uint32_t type;
} hwcodec_packet_info;
*/
import "C"

import (
	"context"
	"os"
	"unsafe"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/xaionaro-go/hwcodec/driver/drivers"
	"github.com/xaionaro-go/hwcodec/hwapi"
	"github.com/xaionaro-go/xsync"
)

const EnvKeyLogLevel = "HWCODEC_LOG_LEVEL"

var (
	libLocker xsync.Mutex
	lib       *hwapi.Library
	libCtx    = newContext()
)

func newContext() context.Context {
	loggerLevel := logger.LevelWarning
	if s := os.Getenv(EnvKeyLogLevel); s != "" {
		_ = loggerLevel.Set(s)
	}
	l := logrus.Default().WithLevel(loggerLevel)
	return logger.CtxWithLogger(context.Background(), l)
}

func library() *hwapi.Library {
	return xsync.DoR1(xsync.WithNoLogging(libCtx, true), &libLocker, func() *hwapi.Library {
		return lib
	})
}

// notInitialized is returned by every call made before hwcodec_init.
const notInitialized = C.int32_t(hwapi.ResultInvalidState)

func result(r hwapi.Result) C.int32_t {
	return C.int32_t(r)
}

func goBytes(ptr unsafe.Pointer, size C.size_t) []byte {
	if ptr == nil || size == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), int(size))
}

func goParams(p *C.hwcodec_params) hwapi.CodecParams {
	return hwapi.CodecParams{
		Codec:           uint32(p.codec),
		Width:           uint32(p.width),
		Height:          uint32(p.height),
		PixelFormat:     uint32(p.pixel_format),
		RateControlMode: hwapi.RateControlMode(p.rate_control_mode),
		Bitrate:         uint64(p.bitrate),
		Quality:         uint32(p.quality),
		QPMin:           int32(p.qp_min),
		QPMax:           int32(p.qp_max),
		FrameRateNum:    uint32(p.frame_rate_num),
		FrameRateDen:    uint32(p.frame_rate_den),
		GOPLength:       uint32(p.gop_length),
		MaxBFrames:      uint32(p.max_b_frames),
		Preset:          uint32(p.preset),
		QueueDepth:      uint32(p.queue_depth),

		OutputPixelFormat: uint32(p.output_pixel_format),
		OutputWidth:       uint32(p.output_width),
		OutputHeight:      uint32(p.output_height),
	}
}

// hwcodec_init initializes the driver named driverName ("libav",
// "emulated"; NULL is the default one).
//
//export hwcodec_init
func hwcodec_init(driverName *C.char) C.int32_t {
	name := drivers.Default
	if driverName != nil {
		name = C.GoString(driverName)
	}
	drv, err := drivers.New(name)
	if err != nil {
		logger.Errorf(libCtx, "%v", err)
		return result(hwapi.ResultInvalidArgument)
	}
	return xsync.DoR1(libCtx, &libLocker, func() C.int32_t {
		if lib != nil {
			return result(hwapi.ResultInvalidState)
		}
		l, err := hwapi.New(libCtx, drv)
		if err != nil {
			logger.Errorf(libCtx, "unable to initialize %s: %v", name, err)
			return result(hwapi.ResultOf(err))
		}
		lib = l
		return result(hwapi.ResultOK)
	})
}

// hwcodec_shutdown destroys everything; hwcodec_init may be called
// again afterwards.
//
//export hwcodec_shutdown
func hwcodec_shutdown() C.int32_t {
	l := xsync.DoR1(libCtx, &libLocker, func() *hwapi.Library {
		l := lib
		lib = nil
		return l
	})
	if l == nil {
		return notInitialized
	}
	r := l.Close(libCtx)
	belt.Flush(libCtx)
	return result(r)
}

// hwcodec_last_error copies the NUL-terminated description of the last
// failure into buf; *size is set to the required size.
//
//export hwcodec_last_error
func hwcodec_last_error(buf *C.char, size *C.size_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	msg := l.LastError(libCtx)
	need := C.size_t(len(msg) + 1)
	capacity := *size
	*size = need
	if buf == nil || capacity < need {
		return result(hwapi.ResultBufferTooSmall)
	}
	dst := goBytes(unsafe.Pointer(buf), need)
	copy(dst, msg)
	dst[len(msg)] = 0
	return result(hwapi.ResultOK)
}

//export hwcodec_device_count
func hwcodec_device_count(count *C.int32_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	n, r := l.DeviceCount(libCtx)
	*count = C.int32_t(n)
	return result(r)
}

//export hwcodec_device_open
func hwcodec_device_open(ordinal C.int32_t, dev *C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	h, r := l.OpenDevice(libCtx, int(ordinal))
	*dev = C.uint64_t(h)
	return result(r)
}

//export hwcodec_device_close
func hwcodec_device_close(dev C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.CloseDevice(libCtx, uint64(dev)))
}

//export hwcodec_buffer_acquire
func hwcodec_buffer_acquire(dev C.uint64_t, format, width, height C.uint32_t, buf *C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	h, r := l.BufferAcquire(libCtx, uint64(dev), uint32(format), uint32(width), uint32(height))
	*buf = C.uint64_t(h)
	return result(r)
}

//export hwcodec_buffer_size
func hwcodec_buffer_size(dev, buf C.uint64_t, size *C.size_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	n, r := l.BufferSize(libCtx, uint64(dev), uint64(buf))
	*size = C.size_t(n)
	return result(r)
}

//export hwcodec_buffer_upload
func hwcodec_buffer_upload(dev, buf C.uint64_t, src unsafe.Pointer, size C.size_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.BufferUpload(libCtx, uint64(dev), uint64(buf), goBytes(src, size)))
}

// hwcodec_buffer_download copies the picture into dst; *size is the
// capacity of dst on input and the picture size on output.
//
//export hwcodec_buffer_download
func hwcodec_buffer_download(dev, buf C.uint64_t, dst unsafe.Pointer, size *C.size_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	n, r := l.BufferDownload(libCtx, uint64(dev), uint64(buf), goBytes(dst, *size))
	*size = C.size_t(n)
	return result(r)
}

//export hwcodec_buffer_retain
func hwcodec_buffer_retain(dev, buf C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.BufferRetain(libCtx, uint64(dev), uint64(buf)))
}

//export hwcodec_buffer_release
func hwcodec_buffer_release(dev, buf C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.BufferRelease(libCtx, uint64(dev), uint64(buf)))
}

//export hwcodec_encoder_create
func hwcodec_encoder_create(dev C.uint64_t, params *C.hwcodec_params, enc *C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	if params == nil {
		return result(hwapi.ResultInvalidArgument)
	}
	h, r := l.CreateEncoder(libCtx, uint64(dev), goParams(params))
	*enc = C.uint64_t(h)
	return result(r)
}

//export hwcodec_encoder_start
func hwcodec_encoder_start(enc C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.EncoderStart(libCtx, uint64(enc)))
}

//export hwcodec_encoder_submit
func hwcodec_encoder_submit(enc, buf C.uint64_t, pts C.int64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.EncoderSubmit(libCtx, uint64(enc), uint64(buf), int64(pts)))
}

// hwcodec_encoder_retrieve copies the next unit into dst of capacity
// size. On the buffer_too_small result info->size is the required
// capacity and the unit is returned by the next call.
//
//export hwcodec_encoder_retrieve
func hwcodec_encoder_retrieve(enc C.uint64_t, dst unsafe.Pointer, size C.size_t, info *C.hwcodec_packet_info) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	p, r := l.EncoderRetrieve(libCtx, uint64(enc), goBytes(dst, size))
	if info != nil {
		info.size = C.size_t(p.Size)
		info.pts = C.int64_t(p.PTS)
		info._type = C.uint32_t(p.Type)
	}
	return result(r)
}

//export hwcodec_encoder_flush
func hwcodec_encoder_flush(enc C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.EncoderFlush(libCtx, uint64(enc)))
}

//export hwcodec_encoder_request_key_frame
func hwcodec_encoder_request_key_frame(enc C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.EncoderRequestKeyFrame(libCtx, uint64(enc)))
}

//export hwcodec_encoder_set_rate_control
func hwcodec_encoder_set_rate_control(enc C.uint64_t, params *C.hwcodec_params) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	if params == nil {
		return result(hwapi.ResultInvalidArgument)
	}
	return result(l.EncoderSetRateControl(libCtx, uint64(enc), goParams(params)))
}

//export hwcodec_decoder_create
func hwcodec_decoder_create(dev C.uint64_t, params *C.hwcodec_params, dec *C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	if params == nil {
		return result(hwapi.ResultInvalidArgument)
	}
	h, r := l.CreateDecoder(libCtx, uint64(dev), goParams(params))
	*dec = C.uint64_t(h)
	return result(r)
}

//export hwcodec_decoder_start
func hwcodec_decoder_start(dec C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.DecoderStart(libCtx, uint64(dec)))
}

// hwcodec_decoder_submit copies the payload; complete is zero for a
// fragment of a unit.
//
//export hwcodec_decoder_submit
func hwcodec_decoder_submit(dec C.uint64_t, payload unsafe.Pointer, size C.size_t, pts C.int64_t, complete C.int32_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.DecoderSubmit(libCtx, uint64(dec), goBytes(payload, size), int64(pts), complete != 0))
}

//export hwcodec_decoder_retrieve
func hwcodec_decoder_retrieve(dec C.uint64_t, buf *C.uint64_t, pts *C.int64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	h, framePTS, r := l.DecoderRetrieve(libCtx, uint64(dec))
	*buf = C.uint64_t(h)
	*pts = C.int64_t(framePTS)
	return result(r)
}

//export hwcodec_decoder_flush
func hwcodec_decoder_flush(dec C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.DecoderFlush(libCtx, uint64(dec)))
}

//export hwcodec_session_state
func hwcodec_session_state(session C.uint64_t, state *C.uint32_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	s, r := l.SessionState(libCtx, uint64(session))
	*state = C.uint32_t(s)
	return result(r)
}

//export hwcodec_session_close
func hwcodec_session_close(session C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.SessionClose(libCtx, uint64(session)))
}

//export hwcodec_session_destroy
func hwcodec_session_destroy(session C.uint64_t) C.int32_t {
	l := library()
	if l == nil {
		return notInitialized
	}
	return result(l.SessionDestroy(libCtx, uint64(session)))
}

func main() {}

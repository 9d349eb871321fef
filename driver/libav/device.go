//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/xsync"
)

// Capabilities is what the NVENC/NVDEC generations supported by
// MinDriverMajorVersion have in common. withEncoder is false on
// devices without an NVENC engine.
func Capabilities(withEncoder bool) driver.Capabilities {
	yuv := []hwcodec.PixelFormat{hwcodec.PixelFormatNV12, hwcodec.PixelFormatYUV420P}
	yuvHDR := []hwcodec.PixelFormat{hwcodec.PixelFormatNV12, hwcodec.PixelFormatP010, hwcodec.PixelFormatYUV420P}
	rgb := []hwcodec.PixelFormat{hwcodec.PixelFormatRGBA, hwcodec.PixelFormatBGRA}
	caps := driver.Capabilities{
		Codecs: map[hwcodec.Codec]driver.CodecCapabilities{
			hwcodec.CodecH264: {
				Encode: withEncoder, Decode: true,
				MinWidth: 146, MinHeight: 50,
				MaxWidth: 4096, MaxHeight: 4096,
				PixelFormats:       yuv,
				MaxBFrames:         4,
				MaxReferenceCount:  16,
				OutputPixelFormats: rgb,
			},
			hwcodec.CodecHEVC: {
				Encode: withEncoder, Decode: true,
				MinWidth: 130, MinHeight: 34,
				MaxWidth: 8192, MaxHeight: 8192,
				PixelFormats:       yuvHDR,
				MaxBFrames:         4,
				MaxReferenceCount:  16,
				OutputPixelFormats: rgb,
			},
		},
		MaxQueueDepth:  32,
		PitchAlignment: 256,
	}
	if withEncoder {
		caps.MaxEncodeSessions = 8
	}
	return caps
}

type framesKey struct {
	format hwcodec.PixelFormat
	width  uint32
	height uint32
}

type Device struct {
	info     driver.Info
	caps     driver.Capabilities
	hwDevice *astiav.HardwareDeviceContext
	closer   astikit.Closer

	currentDepth atomic.Int32
	lost         atomic.Bool
	closed       atomic.Bool
	encoders     atomic.Int32

	framesLocker xsync.Mutex
	frames       map[framesKey]*astiav.HardwareFramesContext
}

var _ driver.Device = (*Device)(nil)

func newDevice(
	ctx context.Context,
	info driver.Info,
	withEncoder bool,
) (_ret *Device, _err error) {
	dev := &Device{
		info:   info,
		caps:   Capabilities(withEncoder),
		frames: map[framesKey]*astiav.HardwareFramesContext{},
	}
	defer func() {
		if _err != nil {
			_ = dev.closer.Close()
		}
	}()
	hwDevice, err := astiav.CreateHardwareDeviceContext(
		astiav.HardwareDeviceTypeCUDA,
		strconv.Itoa(info.Ordinal),
		nil,
		0,
	)
	if err != nil {
		return nil, hwcodec.WrapError(hwcodec.ErrorCodeDeviceUnavailable, fmt.Errorf("unable to create a CUDA context on device %d: %w", info.Ordinal, err))
	}
	dev.hwDevice = hwDevice
	dev.closer.Add(hwDevice.Free)
	logger.Debugf(ctx, "opened %s (NVENC: %t)", info, withEncoder)
	return dev, nil
}

func (dev *Device) Info() driver.Info {
	return dev.info
}

func (dev *Device) Capabilities() driver.Capabilities {
	return dev.caps
}

// PushCurrent only tracks the nesting: libavcodec pushes the CUDA
// context of hwDevice around every call by itself.
func (dev *Device) PushCurrent() error {
	if err := dev.checkOpen(); err != nil {
		return err
	}
	dev.currentDepth.Add(1)
	return nil
}

func (dev *Device) PopCurrent() error {
	for {
		depth := dev.currentDepth.Load()
		if depth <= 0 {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "device %d is not current", dev.info.Ordinal)
		}
		if dev.currentDepth.CompareAndSwap(depth, depth-1) {
			return nil
		}
	}
}

func (dev *Device) checkOpen() error {
	if err := dev.Err(); err != nil {
		return err
	}
	if dev.closed.Load() {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "device %d is closed", dev.info.Ordinal)
	}
	return nil
}

func (dev *Device) checkCurrent() error {
	if err := dev.checkOpen(); err != nil {
		return err
	}
	if dev.currentDepth.Load() <= 0 {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "device %d is not current", dev.info.Ordinal)
	}
	return nil
}

func (dev *Device) Err() error {
	if dev.lost.Load() {
		return hwcodec.NewError(hwcodec.ErrorCodeDeviceLost, "device %d is lost", dev.info.Ordinal)
	}
	return nil
}

func (dev *Device) isClosed() bool {
	return dev.closed.Load()
}

// hardwareError classifies a failed libav call: if NVML no longer
// sees a healthy device, the device is considered lost.
func (dev *Device) hardwareError(ctx context.Context, err error) error {
	nvDev, ret := nvml.DeviceGetHandleByIndex(dev.info.Ordinal)
	if ret == nvml.SUCCESS {
		_, ret = nvDev.GetMemoryInfo()
	}
	if ret == nvml.ERROR_GPU_IS_LOST || ret == nvml.ERROR_NOT_FOUND {
		logger.Errorf(ctx, "device %d is lost: %s", dev.info.Ordinal, nvml.ErrorString(ret))
		dev.lost.Store(true)
		return hwcodec.WrapError(hwcodec.ErrorCodeDeviceLost, err)
	}
	return hwcodec.WrapError(hwcodec.ErrorCodeHardwareError, err)
}

// framesContext returns the pool of CUDA surfaces of the layout,
// creating it on the first use.
func (dev *Device) framesContext(
	ctx context.Context,
	format hwcodec.PixelFormat,
	width, height uint32,
) (*astiav.HardwareFramesContext, error) {
	return xsync.DoR2(ctx, &dev.framesLocker, func() (*astiav.HardwareFramesContext, error) {
		key := framesKey{format: format, width: width, height: height}
		if frames := dev.frames[key]; frames != nil {
			return frames, nil
		}
		swFormat, err := pixelFormatToAstiav(format)
		if err != nil {
			return nil, err
		}
		frames := astiav.AllocHardwareFramesContext(dev.hwDevice)
		if frames == nil {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeOutOfDeviceMemory, "unable to allocate a frames context")
		}
		frames.SetHardwarePixelFormat(astiav.PixelFormatCuda)
		frames.SetSoftwarePixelFormat(swFormat)
		frames.SetWidth(int(width))
		frames.SetHeight(int(height))
		if err := frames.Initialize(); err != nil {
			frames.Free()
			return nil, hwcodec.WrapError(hwcodec.ErrorCodeOutOfDeviceMemory, fmt.Errorf("unable to initialize a frames context for %s %dx%d: %w", format, width, height, err))
		}
		dev.frames[key] = frames
		dev.closer.Add(frames.Free)
		return frames, nil
	})
}

func (dev *Device) Allocate(
	ctx context.Context,
	layout driver.Layout,
) (_ret driver.Memory, _err error) {
	logger.Tracef(ctx, "Allocate(%s)", layout)
	defer func() { logger.Tracef(ctx, "/Allocate(%s): %v", layout, _err) }()
	if err := dev.checkCurrent(); err != nil {
		return nil, err
	}
	if layout.Width == 0 || layout.Height == 0 {
		return nil, fmt.Errorf("invalid size %dx%d", layout.Width, layout.Height)
	}
	switch layout.Location {
	case driver.LocationDevice:
		return dev.allocateDevice(ctx, layout)
	case driver.LocationHost:
		return allocateHost(layout)
	}
	return nil, fmt.Errorf("invalid memory location %s", layout.Location)
}

func (dev *Device) NewEncoder(
	ctx context.Context,
	cfg hwcodec.CodecConfig,
) (_ret driver.Encoder, _err error) {
	logger.Tracef(ctx, "NewEncoder(%s)", cfg)
	defer func() { logger.Tracef(ctx, "/NewEncoder(%s): %v", cfg, _err) }()
	if err := dev.checkCurrent(); err != nil {
		return nil, err
	}
	if err := dev.caps.CheckEncode(cfg); err != nil {
		return nil, err
	}
	if dev.encoders.Add(1) > int32(dev.caps.MaxEncodeSessions) {
		dev.encoders.Add(-1)
		return nil, hwcodec.NewError(hwcodec.ErrorCodeOutOfDeviceMemory, "the limit of %d encode sessions is reached", dev.caps.MaxEncodeSessions)
	}
	enc, err := newEncoder(ctx, dev, cfg)
	if err != nil {
		dev.encoders.Add(-1)
		return nil, err
	}
	return enc, nil
}

func (dev *Device) NewDecoder(
	ctx context.Context,
	cfg hwcodec.CodecConfig,
) (_ret driver.Decoder, _err error) {
	logger.Tracef(ctx, "NewDecoder(%s)", cfg)
	defer func() { logger.Tracef(ctx, "/NewDecoder(%s): %v", cfg, _err) }()
	if err := dev.checkCurrent(); err != nil {
		return nil, err
	}
	if err := dev.caps.CheckDecode(cfg); err != nil {
		return nil, err
	}
	return newDecoder(ctx, dev, cfg)
}

func (dev *Device) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close(device %d)", dev.info.Ordinal)
	defer func() { logger.Tracef(ctx, "/Close(device %d): %v", dev.info.Ordinal, _err) }()
	if dev.closed.Swap(true) {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "device %d is already closed", dev.info.Ordinal)
	}
	return dev.closer.Close()
}

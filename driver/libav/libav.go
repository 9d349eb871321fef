//go:build with_libav
// +build with_libav

// Package libav drives NVIDIA GPUs through libavcodec: NVENC for
// encoding, NVDEC (cuvid) for decoding, CUDA hardware frames for the
// device memory. Devices are enumerated with NVML.
package libav

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/asticode/go-astiav"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/xsync"
)

const (
	DriverName = "libav"

	// MinDriverMajorVersion is the oldest NVIDIA driver branch the
	// NVENC/NVDEC API of the linked libavcodec works with.
	MinDriverMajorVersion = 520
)

type Driver struct {
	locker      xsync.Mutex
	initialized bool
	opened      map[int]*Device
}

var _ driver.Driver = (*Driver)(nil)

func New() *Driver {
	return &Driver{
		opened: map[int]*Device{},
	}
}

func (d *Driver) Name() string {
	return DriverName
}

func nvmlError(op string, ret nvml.Return) error {
	return fmt.Errorf("%s: %s", op, nvml.ErrorString(ret))
}

func (d *Driver) Init(ctx context.Context) error {
	return xsync.DoR1(ctx, &d.locker, func() error {
		if d.initialized {
			return fmt.Errorf("already initialized")
		}
		if ret := nvml.Init(); ret != nvml.SUCCESS {
			return hwcodec.WrapError(hwcodec.ErrorCodeUnsupportedDriver, nvmlError("unable to initialize NVML", ret))
		}
		if logger.FromCtx(ctx).Level() >= logger.LevelDebug {
			astiav.SetLogLevel(astiav.LogLevelDebug)
		}
		d.initialized = true
		return nil
	})
}

func (d *Driver) Deinit(ctx context.Context) error {
	return xsync.DoR1(ctx, &d.locker, func() error {
		if !d.initialized {
			return fmt.Errorf("not initialized")
		}
		d.initialized = false
		for ordinal, dev := range d.opened {
			if !dev.isClosed() {
				logger.Warnf(ctx, "device %d is still open at deinitialization", ordinal)
			}
		}
		if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
			return nvmlError("unable to shut NVML down", ret)
		}
		return nil
	})
}

func (d *Driver) Devices(ctx context.Context) ([]driver.Info, error) {
	return xsync.DoR2(ctx, &d.locker, func() ([]driver.Info, error) {
		if !d.initialized {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the driver is not initialized")
		}
		count, ret := nvml.DeviceGetCount()
		if ret != nvml.SUCCESS {
			return nil, nvmlError("unable to get the count of devices", ret)
		}
		result := make([]driver.Info, 0, count)
		for ordinal := 0; ordinal < count; ordinal++ {
			info, err := deviceInfo(ordinal)
			if err != nil {
				logger.Warnf(ctx, "unable to query device %d: %v", ordinal, err)
				info = driver.Info{Ordinal: ordinal}
			}
			result = append(result, info)
		}
		return result, nil
	})
}

func deviceInfo(ordinal int) (driver.Info, error) {
	info := driver.Info{Ordinal: ordinal}
	dev, ret := nvml.DeviceGetHandleByIndex(ordinal)
	if ret != nvml.SUCCESS {
		return info, nvmlError("unable to get the device handle", ret)
	}
	if info.Name, ret = dev.GetName(); ret != nvml.SUCCESS {
		return info, nvmlError("unable to get the device name", ret)
	}
	if mem, ret := dev.GetMemoryInfo(); ret == nvml.SUCCESS {
		info.MemoryTotal = mem.Total
	}
	if version, ret := nvml.SystemGetDriverVersion(); ret == nvml.SUCCESS {
		info.DriverVersion = version
	}
	info.Available = true
	if mode, ret := dev.GetComputeMode(); ret == nvml.SUCCESS && mode == nvml.COMPUTEMODE_PROHIBITED {
		info.Available = false
	}
	return info, nil
}

// encoderCapacity is the share (in percent) of the NVENC engine that
// is still free; zero means the device has no encoder at all or it
// is fully booked.
func encoderCapacity(ordinal int) int {
	dev, ret := nvml.DeviceGetHandleByIndex(ordinal)
	if ret != nvml.SUCCESS {
		return 0
	}
	capacity, ret := dev.GetEncoderCapacity(nvml.ENCODER_QUERY_H264)
	if ret != nvml.SUCCESS {
		return 0
	}
	return capacity
}

func driverMajorVersion(version string) (int, error) {
	major, _, _ := strings.Cut(version, ".")
	return strconv.Atoi(major)
}

func (d *Driver) Open(ctx context.Context, ordinal int) (_ret driver.Device, _err error) {
	logger.Tracef(ctx, "Open(%d)", ordinal)
	defer func() { logger.Tracef(ctx, "/Open(%d): %v", ordinal, _err) }()
	return xsync.DoR2(ctx, &d.locker, func() (driver.Device, error) {
		if !d.initialized {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the driver is not initialized")
		}
		count, ret := nvml.DeviceGetCount()
		if ret != nvml.SUCCESS {
			return nil, hwcodec.WrapError(hwcodec.ErrorCodeDeviceUnavailable, nvmlError("unable to get the count of devices", ret))
		}
		if ordinal < 0 || ordinal >= count {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeDeviceUnavailable, "no device with ordinal %d", ordinal)
		}
		info, err := deviceInfo(ordinal)
		if err != nil {
			return nil, hwcodec.WrapError(hwcodec.ErrorCodeDeviceUnavailable, err)
		}
		if !info.Available {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeDeviceUnavailable, "device %d is not available", ordinal)
		}
		major, err := driverMajorVersion(info.DriverVersion)
		if err != nil {
			return nil, hwcodec.WrapError(hwcodec.ErrorCodeUnsupportedDriver, fmt.Errorf("unable to parse driver version '%s': %w", info.DriverVersion, err))
		}
		if major < MinDriverMajorVersion {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedDriver, "driver version %s is below %d", info.DriverVersion, MinDriverMajorVersion)
		}
		if prev := d.opened[ordinal]; prev != nil && !prev.isClosed() {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeDeviceUnavailable, "device %d is already open", ordinal)
		}
		dev, err := newDevice(ctx, info, encoderCapacity(ordinal) > 0)
		if err != nil {
			return nil, err
		}
		d.opened[ordinal] = dev
		return dev, nil
	})
}

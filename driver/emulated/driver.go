// Package emulated is an in-process model of GPU codec hardware. It
// keeps the properties the session layer has to cope with: work is
// asynchronous and serialized per device, memory is finite, encoders
// emit B-frames in coded order and devices may get lost.
package emulated

import (
	"context"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/xsync"
)

const (
	DriverName = "emulated"

	// MinDriverVersion is the oldest driver version sessions can be
	// opened with.
	MinDriverVersion = 520
)

type Config struct {
	Devices []DeviceConfig

	// Synchronous makes the execution streams run the work inline,
	// so every fence is signaled when the call returns.
	Synchronous bool
}

type DeviceConfig struct {
	Name          string
	MemoryBudget  uint64
	DriverVersion uint32
	Unavailable   bool

	// Capabilities are DefaultCapabilities() if left zero.
	Capabilities driver.Capabilities

	// Latency is added to every work item in the asynchronous mode.
	Latency time.Duration
}

func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		Name:          "Emulated GPU",
		MemoryBudget:  1 << 30,
		DriverVersion: 550,
	}
}

func DefaultCapabilities() driver.Capabilities {
	yuv := []hwcodec.PixelFormat{hwcodec.PixelFormatNV12, hwcodec.PixelFormatYUV420P}
	yuvHDR := []hwcodec.PixelFormat{hwcodec.PixelFormatNV12, hwcodec.PixelFormatP010, hwcodec.PixelFormatYUV420P}
	rgb := []hwcodec.PixelFormat{hwcodec.PixelFormatRGBA, hwcodec.PixelFormatBGRA}
	return driver.Capabilities{
		Codecs: map[hwcodec.Codec]driver.CodecCapabilities{
			hwcodec.CodecH264: {
				Encode: true, Decode: true,
				MinWidth: 16, MinHeight: 16,
				MaxWidth: 4096, MaxHeight: 4096,
				PixelFormats:       yuv,
				MaxBFrames:         4,
				MaxReferenceCount:  16,
				OutputPixelFormats: rgb,
			},
			hwcodec.CodecHEVC: {
				Encode: true, Decode: true,
				MinWidth: 16, MinHeight: 16,
				MaxWidth: 8192, MaxHeight: 8192,
				PixelFormats:       yuvHDR,
				MaxBFrames:         4,
				MaxReferenceCount:  16,
				OutputPixelFormats: rgb,
			},
			hwcodec.CodecAV1: {
				Decode:   true,
				MinWidth: 16, MinHeight: 16,
				MaxWidth: 8192, MaxHeight: 8192,
				PixelFormats:       yuvHDR,
				MaxReferenceCount:  8,
				OutputPixelFormats: rgb,
			},
		},
		MaxQueueDepth:     16,
		MaxEncodeSessions: 8,
		PitchAlignment:    256,
	}
}

type Driver struct {
	Config Config

	locker      xsync.Mutex
	initialized bool
	opened      map[int]*Device
}

var _ driver.Driver = (*Driver)(nil)

func New(cfg Config) *Driver {
	return &Driver{
		Config: cfg,
		opened: map[int]*Device{},
	}
}

// NewSingle is a driver with one default device.
func NewSingle(synchronous bool) *Driver {
	return New(Config{
		Devices:     []DeviceConfig{DefaultDeviceConfig()},
		Synchronous: synchronous,
	})
}

func (d *Driver) Name() string {
	return DriverName
}

func (d *Driver) Init(ctx context.Context) error {
	return xsync.DoR1(ctx, &d.locker, func() error {
		if d.initialized {
			return fmt.Errorf("already initialized")
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
		return nil
	})
}

func (d *Driver) Devices(ctx context.Context) ([]driver.Info, error) {
	return xsync.DoR2(ctx, &d.locker, func() ([]driver.Info, error) {
		if !d.initialized {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the driver is not initialized")
		}
		result := make([]driver.Info, 0, len(d.Config.Devices))
		for ordinal, cfg := range d.Config.Devices {
			result = append(result, deviceInfo(ordinal, cfg))
		}
		return result, nil
	})
}

func deviceInfo(ordinal int, cfg DeviceConfig) driver.Info {
	return driver.Info{
		Ordinal:       ordinal,
		Name:          cfg.Name,
		DriverVersion: fmt.Sprintf("%d", cfg.DriverVersion),
		MemoryTotal:   cfg.MemoryBudget,
		Available:     !cfg.Unavailable,
	}
}

func (d *Driver) Open(ctx context.Context, ordinal int) (_ret driver.Device, _err error) {
	logger.Tracef(ctx, "Open(%d)", ordinal)
	defer func() { logger.Tracef(ctx, "/Open(%d): %v", ordinal, _err) }()
	return xsync.DoR2(ctx, &d.locker, func() (driver.Device, error) {
		if !d.initialized {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the driver is not initialized")
		}
		if ordinal < 0 || ordinal >= len(d.Config.Devices) {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeDeviceUnavailable, "no device with ordinal %d", ordinal)
		}
		cfg := d.Config.Devices[ordinal]
		if cfg.Unavailable {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeDeviceUnavailable, "device %d is not available", ordinal)
		}
		if cfg.DriverVersion < MinDriverVersion {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedDriver, "driver version %d is below %d", cfg.DriverVersion, MinDriverVersion)
		}
		if prev := d.opened[ordinal]; prev != nil && !prev.isClosed() {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeDeviceUnavailable, "device %d is already open", ordinal)
		}
		dev := newDevice(ctx, ordinal, cfg, d.Config.Synchronous)
		d.opened[ordinal] = dev
		return dev, nil
	})
}

// Device returns the last device opened with the ordinal, so that
// faults may be injected into it.
func (d *Driver) Device(ctx context.Context, ordinal int) *Device {
	return xsync.DoR1(ctx, &d.locker, func() *Device {
		return d.opened[ordinal]
	})
}

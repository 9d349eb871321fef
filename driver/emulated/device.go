package emulated

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/xsync"
)

type Device struct {
	ordinal int
	config  DeviceConfig
	caps    driver.Capabilities
	stream  *stream

	currentDepth atomic.Int32
	lost         atomic.Bool
	closed       atomic.Bool
	faults       atomic.Int32
	encoders     atomic.Int32

	memoryLocker xsync.Mutex
	memoryUsed   uint64
	allocations  int
}

var _ driver.Device = (*Device)(nil)

func newDevice(
	ctx context.Context,
	ordinal int,
	cfg DeviceConfig,
	synchronous bool,
) *Device {
	dev := &Device{
		ordinal: ordinal,
		config:  cfg,
		caps:    cfg.Capabilities,
	}
	if dev.caps.Codecs == nil {
		dev.caps = DefaultCapabilities()
	}
	dev.stream = newStream(ctx, dev, synchronous, cfg.Latency)
	return dev
}

func (dev *Device) Info() driver.Info {
	return deviceInfo(dev.ordinal, dev.config)
}

func (dev *Device) Capabilities() driver.Capabilities {
	return dev.caps
}

func (dev *Device) PushCurrent() error {
	if err := dev.Err(); err != nil {
		return err
	}
	if dev.closed.Load() {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "device %d is closed", dev.ordinal)
	}
	dev.currentDepth.Add(1)
	return nil
}

func (dev *Device) PopCurrent() error {
	for {
		depth := dev.currentDepth.Load()
		if depth <= 0 {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "device %d is not current", dev.ordinal)
		}
		if dev.currentDepth.CompareAndSwap(depth, depth-1) {
			return nil
		}
	}
}

func (dev *Device) IsCurrent() bool {
	return dev.currentDepth.Load() > 0
}

func (dev *Device) checkCurrent() error {
	if err := dev.Err(); err != nil {
		return err
	}
	if dev.closed.Load() {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "device %d is closed", dev.ordinal)
	}
	if !dev.IsCurrent() {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "device %d is not current", dev.ordinal)
	}
	return nil
}

func (dev *Device) Err() error {
	if dev.lost.Load() {
		return hwcodec.NewError(hwcodec.ErrorCodeDeviceLost, "device %d is lost", dev.ordinal)
	}
	return nil
}

func (dev *Device) isClosed() bool {
	return dev.closed.Load()
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
	if layout.Location == driver.LocationUndefined || layout.Location >= driver.EndOfLocation {
		return nil, fmt.Errorf("invalid memory location %s", layout.Location)
	}
	if layout.Width == 0 || layout.Height == 0 {
		return nil, fmt.Errorf("invalid size %dx%d", layout.Width, layout.Height)
	}
	pitch := dev.caps.AlignPitch(layout.Width * layout.Format.BytesPerSample())
	size := layout.Format.PlaneSize(pitch, layout.Height)
	if layout.Location == driver.LocationDevice {
		err := xsync.DoR1(ctx, &dev.memoryLocker, func() error {
			if dev.memoryUsed+size > dev.config.MemoryBudget {
				return hwcodec.NewError(hwcodec.ErrorCodeOutOfDeviceMemory,
					"unable to allocate %d bytes: %d of %d are used", size, dev.memoryUsed, dev.config.MemoryBudget)
			}
			dev.memoryUsed += size
			dev.allocations++
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return &memory{
		device: dev,
		layout: layout,
		pitch:  pitch,
		data:   make([]byte, size),
	}, nil
}

func (dev *Device) release(ctx context.Context, m *memory) {
	if m.layout.Location != driver.LocationDevice {
		return
	}
	dev.memoryLocker.Do(ctx, func() {
		dev.memoryUsed -= uint64(len(m.data))
		dev.allocations--
	})
}

// MemoryUsed returns the amount of device memory allocated and not freed.
func (dev *Device) MemoryUsed(ctx context.Context) (uint64, int) {
	dev.memoryLocker.ManualLock(ctx)
	defer dev.memoryLocker.ManualUnlock(ctx)
	return dev.memoryUsed, dev.allocations
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
	return newEncoder(dev, cfg), nil
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
	return newDecoder(dev, cfg), nil
}

func (dev *Device) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close(device %d)", dev.ordinal)
	defer func() { logger.Tracef(ctx, "/Close(device %d): %v", dev.ordinal, _err) }()
	if dev.closed.Swap(true) {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "device %d is already closed", dev.ordinal)
	}
	dev.stream.Close(ctx)
	if used, count := dev.MemoryUsed(ctx); count > 0 {
		logger.Warnf(ctx, "device %d is closed with %d allocations (%d bytes) not freed", dev.ordinal, count, used)
	}
	return nil
}

// InjectDeviceLoss emulates a driver reset: every queued and future
// operation fails with DeviceLost.
func (dev *Device) InjectDeviceLoss(ctx context.Context) {
	logger.Debugf(ctx, "injecting a loss of device %d", dev.ordinal)
	dev.lost.Store(true)
	dev.stream.failPending(ctx, dev.Err())
}

// InjectFault makes the next executed work item fail with HardwareError.
func (dev *Device) InjectFault(ctx context.Context) {
	logger.Debugf(ctx, "injecting a fault into device %d", dev.ordinal)
	dev.faults.Add(1)
}

func (dev *Device) takeInjectedFault() error {
	for {
		n := dev.faults.Load()
		if n <= 0 {
			return nil
		}
		if dev.faults.CompareAndSwap(n, n-1) {
			return hwcodec.NewError(hwcodec.ErrorCodeHardwareError, "an injected fault on device %d", dev.ordinal)
		}
	}
}

//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
)

func pixelFormatToAstiav(pf hwcodec.PixelFormat) (astiav.PixelFormat, error) {
	switch pf {
	case hwcodec.PixelFormatNV12:
		return astiav.PixelFormatNv12, nil
	case hwcodec.PixelFormatP010:
		return astiav.PixelFormatP010Le, nil
	case hwcodec.PixelFormatYUV420P:
		return astiav.PixelFormatYuv420P, nil
	case hwcodec.PixelFormatRGBA:
		return astiav.PixelFormatRgba, nil
	case hwcodec.PixelFormatBGRA:
		return astiav.PixelFormatBgra, nil
	}
	return astiav.PixelFormatNone, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "pixel format %s is not supported", pf)
}

// memory is a single picture: a CUDA surface from the frames context
// of its layout, or a frame in host memory.
type memory struct {
	device *Device
	layout driver.Layout
	frame  *astiav.Frame
}

var _ driver.Memory = (*memory)(nil)

func (dev *Device) allocateDevice(ctx context.Context, layout driver.Layout) (*memory, error) {
	frames, err := dev.framesContext(ctx, layout.Format, layout.Width, layout.Height)
	if err != nil {
		return nil, err
	}
	f := astiav.AllocFrame()
	if err := f.AllocHardwareBuffer(frames); err != nil {
		f.Free()
		return nil, hwcodec.WrapError(hwcodec.ErrorCodeOutOfDeviceMemory, fmt.Errorf("unable to allocate a %s surface: %w", layout, err))
	}
	return &memory{device: dev, layout: layout, frame: f}, nil
}

func allocateHost(layout driver.Layout) (*memory, error) {
	f, err := newSoftwareFrame(layout)
	if err != nil {
		return nil, err
	}
	return &memory{layout: layout, frame: f}, nil
}

func newSoftwareFrame(layout driver.Layout) (*astiav.Frame, error) {
	format, err := pixelFormatToAstiav(layout.Format)
	if err != nil {
		return nil, err
	}
	f := astiav.AllocFrame()
	f.SetWidth(int(layout.Width))
	f.SetHeight(int(layout.Height))
	f.SetPixelFormat(format)
	if err := f.AllocBuffer(0); err != nil {
		f.Free()
		return nil, fmt.Errorf("unable to allocate a %s frame: %w", layout, err)
	}
	return f, nil
}

func (m *memory) Layout() driver.Layout {
	return m.layout
}

func (m *memory) Pitch() uint32 {
	return uint32(m.frame.Linesize()[0])
}

func (m *memory) Size() uint64 {
	return m.layout.Format.PlaneSize(m.Pitch(), m.layout.Height)
}

func (m *memory) isDevice() bool {
	return m.layout.Location == driver.LocationDevice
}

func (m *memory) Upload(ctx context.Context, src []byte) error {
	if uint64(len(src)) < driver.PackedSize(m.layout) {
		return fmt.Errorf("%d bytes is not enough for %s", len(src), m.layout)
	}
	if !m.isDevice() {
		return m.frame.Data().SetBytes(src, 1)
	}
	staging, err := newSoftwareFrame(m.layout)
	if err != nil {
		return err
	}
	defer staging.Free()
	if err := staging.Data().SetBytes(src, 1); err != nil {
		return err
	}
	if err := staging.TransferHardwareData(m.frame); err != nil {
		return m.device.hardwareError(ctx, fmt.Errorf("unable to upload to %s: %w", m.layout, err))
	}
	return nil
}

func (m *memory) Download(ctx context.Context, dst []byte) error {
	size := driver.PackedSize(m.layout)
	if uint64(len(dst)) < size {
		return hwcodec.NewError(hwcodec.ErrorCodeBufferTooSmall, "%d bytes is not enough for %s", len(dst), m.layout)
	}
	src := m.frame
	if m.isDevice() {
		staging, err := newSoftwareFrame(m.layout)
		if err != nil {
			return err
		}
		defer staging.Free()
		if err := m.frame.TransferHardwareData(staging); err != nil {
			return m.device.hardwareError(ctx, fmt.Errorf("unable to download from %s: %w", m.layout, err))
		}
		src = staging
	}
	b, err := src.Data().Bytes(1)
	if err != nil {
		return err
	}
	copy(dst, b[:size])
	return nil
}

// copyFrom writes a decoded CUDA frame into the surface.
func (m *memory) copyFrom(ctx context.Context, decoded *astiav.Frame) error {
	staging, err := newSoftwareFrame(m.layout)
	if err != nil {
		return err
	}
	defer staging.Free()
	if err := decoded.TransferHardwareData(staging); err != nil {
		return fmt.Errorf("unable to download the decoded picture: %w", err)
	}
	return m.setSoftware(staging)
}

// setSoftware copies a host frame of the same layout into the memory.
func (m *memory) setSoftware(f *astiav.Frame) error {
	if !m.isDevice() {
		b, err := f.Data().Bytes(1)
		if err != nil {
			return err
		}
		return m.frame.Data().SetBytes(b, 1)
	}
	if err := f.TransferHardwareData(m.frame); err != nil {
		return fmt.Errorf("unable to upload the decoded picture: %w", err)
	}
	return nil
}

func (m *memory) Free(ctx context.Context) error {
	if m.frame == nil {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "%s is already freed", m.layout)
	}
	m.frame.Free()
	m.frame = nil
	return nil
}

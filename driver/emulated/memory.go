package emulated

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
)

type memory struct {
	device *Device
	layout driver.Layout
	pitch  uint32
	data   []byte
	freed  atomic.Bool
}

var _ driver.Memory = (*memory)(nil)

func (m *memory) Layout() driver.Layout {
	return m.layout
}

func (m *memory) Pitch() uint32 {
	return m.pitch
}

func (m *memory) Size() uint64 {
	return uint64(len(m.data))
}

func (m *memory) check(ctx context.Context) error {
	if m.freed.Load() {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the memory is freed")
	}
	if m.layout.Location == driver.LocationHost {
		return nil
	}
	return m.device.checkCurrent()
}

func (m *memory) Upload(ctx context.Context, src []byte) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if uint64(len(src)) != driver.PackedSize(m.layout) {
		return fmt.Errorf("expected %d bytes, received %d", driver.PackedSize(m.layout), len(src))
	}
	driver.CopyPlanes(m.data, driver.Planes(m.layout, m.pitch), src, driver.Planes(m.layout, 0))
	return nil
}

func (m *memory) Download(ctx context.Context, dst []byte) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	if uint64(len(dst)) != driver.PackedSize(m.layout) {
		return fmt.Errorf("expected a buffer of %d bytes, received %d", driver.PackedSize(m.layout), len(dst))
	}
	driver.CopyPlanes(dst, driver.Planes(m.layout, 0), m.data, driver.Planes(m.layout, m.pitch))
	return nil
}

func (m *memory) Free(ctx context.Context) error {
	if m.freed.Swap(true) {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the memory is already freed")
	}
	m.device.release(ctx, m)
	m.data = nil
	return nil
}

// fill writes value into every byte; it is what the emulated
// decoder outputs.
func (m *memory) fill(value byte) {
	for i := range m.data {
		m.data[i] = value
	}
}

// firstByte is what the emulated encoder "compresses" a picture to.
func (m *memory) firstByte() byte {
	if len(m.data) == 0 {
		return 0
	}
	return m.data[0]
}

func asMemory(in driver.Memory) (*memory, error) {
	m, ok := in.(*memory)
	if !ok || m == nil {
		return nil, fmt.Errorf("the memory of type %T is not allocated by the emulated driver", in)
	}
	return m, nil
}

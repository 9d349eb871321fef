// Package driver is the boundary between the session manager and a
// vendor's codec SDK.
//
// A Driver enumerates and opens devices. A Device is an opened GPU
// with its own execution stream: every asynchronous call returns a
// Fence and the work behind it is executed in submission order
// together with the work of the other sessions of the same device.
//
// All methods of Device, Memory, Encoder and Decoder that touch the
// hardware must be called while the device is current, see
// Device.PushCurrent.
package driver

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/hwcodec"
)

type Driver interface {
	Name() string

	// Init and Deinit bracket the use of the SDK by the process; they
	// are called by Runtime, not directly.
	Init(ctx context.Context) error
	Deinit(ctx context.Context) error

	Devices(ctx context.Context) ([]Info, error)
	Open(ctx context.Context, ordinal int) (Device, error)
}

type Info struct {
	Ordinal       int    `json:"ordinal"`
	Name          string `json:"name"`
	DriverVersion string `json:"driver_version,omitempty"`
	MemoryTotal   uint64 `json:"memory_total,omitempty"`
	Available     bool   `json:"available"`
}

func (i Info) String() string {
	return fmt.Sprintf("#%d %s", i.Ordinal, i.Name)
}

type Device interface {
	Info() Info
	Capabilities() Capabilities

	// PushCurrent binds the device's context to the calling OS thread;
	// PopCurrent restores the previous binding.
	PushCurrent() error
	PopCurrent() error

	Allocate(ctx context.Context, layout Layout) (Memory, error)
	NewEncoder(ctx context.Context, cfg hwcodec.CodecConfig) (Encoder, error)
	NewDecoder(ctx context.Context, cfg hwcodec.CodecConfig) (Decoder, error)

	// Err returns a DeviceLost error once the device is gone
	// (reset, removal); it never recovers.
	Err() error

	Close(ctx context.Context) error
}

type Location uint

const (
	LocationUndefined = Location(iota)
	LocationDevice
	LocationHost
	EndOfLocation
)

func (l Location) String() string {
	switch l {
	case LocationUndefined:
		return "<undefined>"
	case LocationDevice:
		return "device"
	case LocationHost:
		return "host"
	}
	return fmt.Sprintf("unexpected_location_%d", uint(l))
}

type Layout struct {
	Location Location
	Format   hwcodec.PixelFormat
	Width    uint32
	Height   uint32
}

func (l Layout) String() string {
	return fmt.Sprintf("%s:%s:%dx%d", l.Location, l.Format, l.Width, l.Height)
}

// Memory is a picture-sized allocation, either in device memory or
// in pinned host memory.
type Memory interface {
	Layout() Layout
	Pitch() uint32
	Size() uint64

	// Upload copies a tightly packed picture into the allocation;
	// Download does the opposite.
	Upload(ctx context.Context, src []byte) error
	Download(ctx context.Context, dst []byte) error

	Free(ctx context.Context) error
}

// PackedSize is the size of a tightly packed picture of the layout.
func PackedSize(l Layout) uint64 {
	return l.Format.PlaneSize(l.Width*l.Format.BytesPerSample(), l.Height)
}

type EncodeInput struct {
	Surface  Memory
	PTS      int64
	Tag      uint64
	ForceKey bool
}

type Packet struct {
	Payload     []byte
	PTS         int64
	Tag         uint64
	Key         bool
	EndOfStream bool
}

type Encoder interface {
	// Submit queues a picture; the returned fence signals when the
	// hardware no longer reads Surface.
	Submit(ctx context.Context, in EncodeInput) (Fence, error)

	// Poll returns the next packet in coded order, or nil if none is
	// ready yet.
	Poll(ctx context.Context) (*Packet, error)

	// Drain makes the hardware emit everything it holds followed by
	// a packet with EndOfStream set.
	Drain(ctx context.Context) error

	SetRateControl(ctx context.Context, rc hwcodec.RateControl, qp *hwcodec.QPRange) error
	Close(ctx context.Context) error
}

// UnitInfo is what the hardware parser tells about a bitstream unit.
type UnitInfo struct {
	PTS  int64
	Type hwcodec.UnitType

	// Reference is true if later units may predict from this one.
	Reference bool

	// References are the PTS of the units this one predicts from.
	References []int64

	Width  uint32
	Height uint32
}

type DecodeInput struct {
	Payload    []byte
	Info       UnitInfo
	Target     Memory
	References []Memory
	Tag        uint64
}

type Picture struct {
	Tag         uint64
	PTS         int64
	EndOfStream bool
}

type Decoder interface {
	Parse(ctx context.Context, payload []byte) (UnitInfo, error)

	// Submit queues a unit; the returned fence signals when Target is
	// written.
	Submit(ctx context.Context, in DecodeInput) (Fence, error)

	// Poll returns the next decoded picture in decode order, or nil.
	Poll(ctx context.Context) (*Picture, error)

	Drain(ctx context.Context) error
	Close(ctx context.Context) error
}

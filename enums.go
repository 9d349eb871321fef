package hwcodec

import (
	"fmt"
	"strings"
)

type Codec uint

const (
	CodecUndefined = Codec(iota)
	CodecH264
	CodecHEVC
	CodecAV1
	EndOfCodec
)

func (c Codec) String() string {
	switch c {
	case CodecUndefined:
		return "<undefined>"
	case CodecH264:
		return "h264"
	case CodecHEVC:
		return "hevc"
	case CodecAV1:
		return "av1"
	}
	return fmt.Sprintf("unexpected_codec_id_%d", uint(c))
}

func (c Codec) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Codec) UnmarshalText(b []byte) error {
	if c == nil {
		return fmt.Errorf("Codec is nil")
	}
	s := strings.ToLower(string(b))
	for cmp := CodecUndefined; cmp < EndOfCodec; cmp++ {
		if cmp.String() == s {
			*c = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the Codec: '%s'", s)
}

type PixelFormat uint

const (
	PixelFormatUndefined = PixelFormat(iota)
	PixelFormatNV12
	PixelFormatP010
	PixelFormatYUV420P
	PixelFormatRGBA
	PixelFormatBGRA
	EndOfPixelFormat
)

func (pf PixelFormat) String() string {
	switch pf {
	case PixelFormatUndefined:
		return "<undefined>"
	case PixelFormatNV12:
		return "nv12"
	case PixelFormatP010:
		return "p010"
	case PixelFormatYUV420P:
		return "yuv420p"
	case PixelFormatRGBA:
		return "rgba"
	case PixelFormatBGRA:
		return "bgra"
	}
	return fmt.Sprintf("unexpected_pixel_format_%d", uint(pf))
}

func (pf PixelFormat) MarshalText() ([]byte, error) {
	return []byte(pf.String()), nil
}

func (pf *PixelFormat) UnmarshalText(b []byte) error {
	if pf == nil {
		return fmt.Errorf("PixelFormat is nil")
	}
	s := strings.ToLower(string(b))
	for cmp := PixelFormatUndefined; cmp < EndOfPixelFormat; cmp++ {
		if cmp.String() == s {
			*pf = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the PixelFormat: '%s'", s)
}

// BytesPerSample is the size of one luma sample.
func (pf PixelFormat) BytesPerSample() uint32 {
	switch pf {
	case PixelFormatP010:
		return 2
	case PixelFormatRGBA, PixelFormatBGRA:
		return 4
	}
	return 1
}

// PlaneSize returns the amount of bytes a picture of the given height
// takes with the given pitch (the stride of the first plane).
func (pf PixelFormat) PlaneSize(pitch, height uint32) uint64 {
	switch pf {
	case PixelFormatNV12, PixelFormatP010:
		return uint64(pitch) * uint64(height) * 3 / 2
	case PixelFormatYUV420P:
		return uint64(pitch)*uint64(height) + 2*uint64(pitch/2)*uint64((height+1)/2)
	}
	return uint64(pitch) * uint64(height)
}

// Preset is the speed/quality tier, P1 is the fastest one.
type Preset uint

const (
	PresetUndefined = Preset(iota)
	PresetP1
	PresetP2
	PresetP3
	PresetP4
	PresetP5
	PresetP6
	PresetP7
	EndOfPreset
)

func (p Preset) String() string {
	switch {
	case p == PresetUndefined:
		return "<undefined>"
	case p < EndOfPreset:
		return fmt.Sprintf("p%d", uint(p))
	}
	return fmt.Sprintf("unexpected_preset_%d", uint(p))
}

func (p Preset) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Preset) UnmarshalText(b []byte) error {
	if p == nil {
		return fmt.Errorf("Preset is nil")
	}
	s := strings.ToLower(string(b))
	for cmp := PresetUndefined; cmp < EndOfPreset; cmp++ {
		if cmp.String() == s {
			*p = cmp
			return nil
		}
	}
	return fmt.Errorf("unknown value of the Preset: '%s'", s)
}

type UnitType uint

const (
	UnitTypeUndefined = UnitType(iota)
	UnitTypeKey
	UnitTypeDelta
	EndOfUnitType
)

func (t UnitType) String() string {
	switch t {
	case UnitTypeUndefined:
		return "<undefined>"
	case UnitTypeKey:
		return "key"
	case UnitTypeDelta:
		return "delta"
	}
	return fmt.Sprintf("unexpected_unit_type_%d", uint(t))
}

// State is the lifecycle stage of a session:
//
//	Idle -> Configured -> Running -> Draining -> Closed
//
// and any stage may end in Closed on a fatal error.
type State uint

const (
	StateIdle = State(iota)
	StateConfigured
	StateRunning
	StateDraining
	StateClosed
	EndOfState
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("unexpected_state_%d", uint(s))
}

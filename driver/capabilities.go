package driver

import (
	"slices"

	"github.com/xaionaro-go/hwcodec"
)

type CodecCapabilities struct {
	Encode            bool
	Decode            bool
	MinWidth          uint32
	MinHeight         uint32
	MaxWidth          uint32
	MaxHeight         uint32
	PixelFormats      []hwcodec.PixelFormat
	MaxBFrames        uint32
	MaxReferenceCount uint32

	// OutputPixelFormats are the formats a decoder can convert the
	// decoded pictures to (see hwcodec.OutputFormat).
	OutputPixelFormats []hwcodec.PixelFormat
}

type Capabilities struct {
	Codecs            map[hwcodec.Codec]CodecCapabilities
	MaxQueueDepth     uint32
	MaxEncodeSessions uint32
	PitchAlignment    uint32
}

func (c Capabilities) Codec(codec hwcodec.Codec) (CodecCapabilities, bool) {
	caps, ok := c.Codecs[codec]
	return caps, ok
}

func (c Capabilities) CheckEncode(cfg hwcodec.CodecConfig) error {
	caps, ok := c.Codecs[cfg.Codec]
	if !ok || !caps.Encode {
		return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "encoding %s is not supported by the device", cfg.Codec)
	}
	if cfg.MaxBFrames > caps.MaxBFrames {
		return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "%d B-frames requested, while the device supports up to %d", cfg.MaxBFrames, caps.MaxBFrames)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return c.check(caps, cfg)
}

func (c Capabilities) CheckDecode(cfg hwcodec.CodecConfig) error {
	caps, ok := c.Codecs[cfg.Codec]
	if !ok || !caps.Decode {
		return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "decoding %s is not supported by the device", cfg.Codec)
	}
	if err := cfg.ValidateDecode(); err != nil {
		return err
	}
	if out := cfg.Output; out != nil {
		if !slices.Contains(caps.OutputPixelFormats, out.PixelFormat) {
			return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "the %s decoder cannot output %s", cfg.Codec, out.PixelFormat)
		}
		if out.Width > caps.MaxWidth || out.Height > caps.MaxHeight {
			return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "output size %dx%d is above %dx%d", out.Width, out.Height, caps.MaxWidth, caps.MaxHeight)
		}
	}
	return c.check(caps, cfg)
}

func (c Capabilities) check(caps CodecCapabilities, cfg hwcodec.CodecConfig) error {
	if cfg.Width < caps.MinWidth || cfg.Height < caps.MinHeight ||
		cfg.Width > caps.MaxWidth || cfg.Height > caps.MaxHeight {
		return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig,
			"resolution %dx%d is outside of [%dx%d, %dx%d]",
			cfg.Width, cfg.Height, caps.MinWidth, caps.MinHeight, caps.MaxWidth, caps.MaxHeight,
		)
	}
	if cfg.Width%2 != 0 || cfg.Height%2 != 0 {
		return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "resolution %dx%d is not even", cfg.Width, cfg.Height)
	}
	if !slices.Contains(caps.PixelFormats, cfg.PixelFormat) {
		return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "pixel format %s is not supported for %s", cfg.PixelFormat, cfg.Codec)
	}
	if cfg.QueueDepth > c.MaxQueueDepth {
		return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "queue depth %d is above the hardware maximum %d", cfg.QueueDepth, c.MaxQueueDepth)
	}
	return nil
}

// QueueDepth returns the queue depth a session gets: the requested
// one, or the hardware maximum if none is requested.
func (c Capabilities) QueueDepth(requested uint32) uint32 {
	if requested == 0 || requested > c.MaxQueueDepth {
		return c.MaxQueueDepth
	}
	return requested
}

// AlignPitch rounds a row size up to the pitch alignment.
func (c Capabilities) AlignPitch(rowSize uint32) uint32 {
	a := c.PitchAlignment
	if a <= 1 {
		return rowSize
	}
	return (rowSize + a - 1) / a * a
}

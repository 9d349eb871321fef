package hwapi

import (
	"fmt"

	"github.com/xaionaro-go/hwcodec"
)

type RateControlMode uint32

const (
	RateControlModeUndefined = RateControlMode(iota)
	RateControlModeConstantBitrate
	RateControlModeConstantQuality
	EndOfRateControlMode
)

// CodecParams is the flat form of hwcodec.CodecConfig. The enumeration
// fields carry the integer values of hwcodec.Codec, hwcodec.PixelFormat
// and hwcodec.Preset. QPMin or QPMax below zero means no QP range;
// OutputPixelFormat zero means no output conversion.
type CodecParams struct {
	Codec           uint32          `json:"codec"`
	Width           uint32          `json:"width"`
	Height          uint32          `json:"height"`
	PixelFormat     uint32          `json:"pixel_format"`
	RateControlMode RateControlMode `json:"rate_control_mode"`
	Bitrate         uint64          `json:"bitrate"`
	Quality         uint32          `json:"quality"`
	QPMin           int32           `json:"qp_min"`
	QPMax           int32           `json:"qp_max"`
	FrameRateNum    uint32          `json:"frame_rate_num"`
	FrameRateDen    uint32          `json:"frame_rate_den"`
	GOPLength       uint32          `json:"gop_length"`
	MaxBFrames      uint32          `json:"max_b_frames"`
	Preset          uint32          `json:"preset"`
	QueueDepth      uint32          `json:"queue_depth"`

	OutputPixelFormat uint32 `json:"output_pixel_format"`
	OutputWidth       uint32 `json:"output_width"`
	OutputHeight      uint32 `json:"output_height"`
}

// Config converts the params; only the enumerations and the rate
// control are checked here, the rest is validated by the session.
func (p CodecParams) Config() (hwcodec.CodecConfig, error) {
	cfg := hwcodec.CodecConfig{
		Codec:       hwcodec.Codec(p.Codec),
		Width:       p.Width,
		Height:      p.Height,
		PixelFormat: hwcodec.PixelFormat(p.PixelFormat),
		FrameRate:   hwcodec.Rational{Num: p.FrameRateNum, Den: p.FrameRateDen},
		GOPLength:   p.GOPLength,
		MaxBFrames:  p.MaxBFrames,
		Preset:      hwcodec.Preset(p.Preset),
		QueueDepth:  p.QueueDepth,
	}
	if cfg.Codec >= hwcodec.EndOfCodec {
		return cfg, fmt.Errorf("%w: codec %d", ErrInvalidArgument, p.Codec)
	}
	if cfg.PixelFormat >= hwcodec.EndOfPixelFormat {
		return cfg, fmt.Errorf("%w: pixel format %d", ErrInvalidArgument, p.PixelFormat)
	}
	if cfg.Preset >= hwcodec.EndOfPreset {
		return cfg, fmt.Errorf("%w: preset %d", ErrInvalidArgument, p.Preset)
	}
	rc, err := p.rateControl()
	if err != nil {
		return cfg, err
	}
	cfg.RateControl = rc
	if p.QPMin >= 0 && p.QPMax >= 0 {
		if p.QPMin > hwcodec.QPMax || p.QPMax > hwcodec.QPMax {
			return cfg, fmt.Errorf("%w: QP range [%d, %d]", ErrInvalidArgument, p.QPMin, p.QPMax)
		}
		cfg.QPRange = &hwcodec.QPRange{Min: uint8(p.QPMin), Max: uint8(p.QPMax)}
	}
	if p.OutputPixelFormat != 0 {
		if p.OutputPixelFormat >= uint32(hwcodec.EndOfPixelFormat) {
			return cfg, fmt.Errorf("%w: output pixel format %d", ErrInvalidArgument, p.OutputPixelFormat)
		}
		cfg.Output = &hwcodec.OutputFormat{
			PixelFormat: hwcodec.PixelFormat(p.OutputPixelFormat),
			Width:       p.OutputWidth,
			Height:      p.OutputHeight,
		}
	}
	return cfg, nil
}

func (p CodecParams) rateControl() (hwcodec.RateControl, error) {
	switch p.RateControlMode {
	case RateControlModeUndefined:
		return nil, nil
	case RateControlModeConstantBitrate:
		return hwcodec.RateControlConstantBitrate(p.Bitrate), nil
	case RateControlModeConstantQuality:
		if p.Quality > hwcodec.QPMax {
			return nil, fmt.Errorf("%w: quality %d", ErrInvalidArgument, p.Quality)
		}
		return hwcodec.RateControlConstantQuality(p.Quality), nil
	}
	return nil, fmt.Errorf("%w: rate control mode %d", ErrInvalidArgument, p.RateControlMode)
}

// ParamsFromConfig is the inverse of CodecParams.Config.
func ParamsFromConfig(cfg hwcodec.CodecConfig) CodecParams {
	p := CodecParams{
		Codec:        uint32(cfg.Codec),
		Width:        cfg.Width,
		Height:       cfg.Height,
		PixelFormat:  uint32(cfg.PixelFormat),
		QPMin:        -1,
		QPMax:        -1,
		FrameRateNum: cfg.FrameRate.Num,
		FrameRateDen: cfg.FrameRate.Den,
		GOPLength:    cfg.GOPLength,
		MaxBFrames:   cfg.MaxBFrames,
		Preset:       uint32(cfg.Preset),
		QueueDepth:   cfg.QueueDepth,
	}
	switch rc := cfg.RateControl.(type) {
	case hwcodec.RateControlConstantBitrate:
		p.RateControlMode = RateControlModeConstantBitrate
		p.Bitrate = uint64(rc)
	case hwcodec.RateControlConstantQuality:
		p.RateControlMode = RateControlModeConstantQuality
		p.Quality = uint32(rc)
	}
	if cfg.QPRange != nil {
		p.QPMin = int32(cfg.QPRange.Min)
		p.QPMax = int32(cfg.QPRange.Max)
	}
	if out := cfg.Output; out != nil {
		p.OutputPixelFormat = uint32(out.PixelFormat)
		p.OutputWidth = out.Width
		p.OutputHeight = out.Height
	}
	return p
}

package hwcodec

import (
	"encoding/json"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"
)

const (
	QPMin = 0
	QPMax = 51
)

// CodecConfig is the set of parameters an encoder or decoder session
// is configured with. A session keeps its own copy, so a config is
// effectively immutable once it is accepted.
//
// CustomOptions carries driver-specific typed options and is not
// serialized.
type CodecConfig struct {
	Codec         Codec         `json:"codec,omitempty"         yaml:"codec,omitempty"`
	Width         uint32        `json:"width,omitempty"         yaml:"width,omitempty"`
	Height        uint32        `json:"height,omitempty"        yaml:"height,omitempty"`
	PixelFormat   PixelFormat   `json:"pixel_format,omitempty"  yaml:"pixel_format,omitempty"`
	RateControl   RateControl   `json:"rate_control,omitempty"  yaml:"rate_control,omitempty"`
	QPRange       *QPRange      `json:"qp_range,omitempty"      yaml:"qp_range,omitempty"`
	FrameRate     Rational      `json:"frame_rate"              yaml:"frame_rate"`
	GOPLength     uint32        `json:"gop_length,omitempty"    yaml:"gop_length,omitempty"`
	MaxBFrames    uint32        `json:"max_b_frames,omitempty"  yaml:"max_b_frames,omitempty"`
	Preset        Preset        `json:"preset,omitempty"        yaml:"preset,omitempty"`
	QueueDepth    uint32        `json:"queue_depth,omitempty"   yaml:"queue_depth,omitempty"`
	Output        *OutputFormat `json:"output,omitempty"        yaml:"output,omitempty"`
	CustomOptions CustomOptions `json:"-"                       yaml:"-"`
}

// OutputFormat asks a decoder to convert the decoded pictures before
// handing them out. Zero Width or Height keeps the coded size.
type OutputFormat struct {
	PixelFormat PixelFormat `json:"pixel_format"     yaml:"pixel_format"`
	Width       uint32      `json:"width,omitempty"  yaml:"width,omitempty"`
	Height      uint32      `json:"height,omitempty" yaml:"height,omitempty"`
}

func (f OutputFormat) String() string {
	return fmt.Sprintf("%s %dx%d", f.PixelFormat, f.Width, f.Height)
}

// DecodedFormat is the pixel format and the size of the pictures a
// decoder configured with cfg returns.
func (cfg CodecConfig) DecodedFormat() (PixelFormat, uint32, uint32) {
	if cfg.Output == nil {
		return cfg.PixelFormat, cfg.Width, cfg.Height
	}
	width, height := cfg.Output.Width, cfg.Output.Height
	if width == 0 || height == 0 {
		width, height = cfg.Width, cfg.Height
	}
	return cfg.Output.PixelFormat, width, height
}

func (cfg CodecConfig) GetCustomOptions() CustomOptions {
	return cfg.CustomOptions
}

// Validate checks the intrinsic consistency of an encoder config.
// Checking it against what a particular device can do is the driver's
// business.
func (cfg CodecConfig) Validate() error {
	if err := cfg.ValidateDecode(); err != nil {
		return err
	}
	if cfg.RateControl == nil {
		return NewError(ErrorCodeUnsupportedConfig, "rate control is not set")
	}
	if err := cfg.RateControl.validate(); err != nil {
		return NewError(ErrorCodeUnsupportedConfig, "invalid rate control %s: %w", cfg.RateControl.typeName(), err)
	}
	if cfg.QPRange != nil {
		if err := cfg.QPRange.Validate(); err != nil {
			return NewError(ErrorCodeUnsupportedConfig, "invalid QP range: %w", err)
		}
	}
	if cfg.FrameRate.Num == 0 || cfg.FrameRate.Den == 0 {
		return NewError(ErrorCodeUnsupportedConfig, "invalid frame rate %s", cfg.FrameRate)
	}
	if cfg.GOPLength == 0 {
		return NewError(ErrorCodeUnsupportedConfig, "GOP length must be positive")
	}
	if cfg.MaxBFrames >= cfg.GOPLength {
		return NewError(ErrorCodeUnsupportedConfig, "max B-frames (%d) must be less than the GOP length (%d)", cfg.MaxBFrames, cfg.GOPLength)
	}
	if cfg.Preset >= EndOfPreset {
		return NewError(ErrorCodeUnsupportedConfig, "invalid preset %d", uint(cfg.Preset))
	}
	return nil
}

// ValidateDecode checks the subset of the config a decoder uses: the
// codec, the maximal resolution, the coded pixel format and the
// optional output conversion. For a decoder MaxBFrames is the reorder
// depth of the stream.
func (cfg CodecConfig) ValidateDecode() error {
	if cfg.Codec == CodecUndefined || cfg.Codec >= EndOfCodec {
		return NewError(ErrorCodeUnsupportedConfig, "codec is not set")
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return NewError(ErrorCodeUnsupportedConfig, "invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.PixelFormat == PixelFormatUndefined || cfg.PixelFormat >= EndOfPixelFormat {
		return NewError(ErrorCodeUnsupportedConfig, "pixel format is not set")
	}
	if out := cfg.Output; out != nil {
		if out.PixelFormat == PixelFormatUndefined || out.PixelFormat >= EndOfPixelFormat {
			return NewError(ErrorCodeUnsupportedConfig, "output pixel format is not set")
		}
		if (out.Width == 0) != (out.Height == 0) {
			return NewError(ErrorCodeUnsupportedConfig, "output size %dx%d is incomplete", out.Width, out.Height)
		}
	}
	return nil
}

func (cfg CodecConfig) String() string {
	return fmt.Sprintf("%s %dx%d %s @%s", cfg.Codec, cfg.Width, cfg.Height, cfg.PixelFormat, cfg.FrameRate)
}

func (cfg *CodecConfig) UnmarshalJSON(b []byte) error {
	type plain CodecConfig
	aux := struct {
		*plain
		RateControl rateControlSerializable `json:"rate_control,omitempty"`
	}{
		plain: (*plain)(cfg),
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return fmt.Errorf("unable to un-JSON-ize: %w", err)
	}
	rc, err := aux.RateControl.Convert()
	if err != nil {
		return fmt.Errorf("unable to convert the 'rate_control' field: %w", err)
	}
	cfg.RateControl = rc
	return nil
}

// MarshalYAML and UnmarshalYAML go through the JSON representation,
// so both encodings share one set of rules.
func (cfg CodecConfig) MarshalYAML() ([]byte, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to JSON-ize: %w", err)
	}
	m := map[string]any{}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unable to unmarshal the JSON into a map: %w", err)
	}
	return yaml.Marshal(m)
}

func (cfg *CodecConfig) UnmarshalYAML(b []byte) error {
	m := map[string]any{}
	if err := yaml.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("unable to unmarshal CodecConfig bytes to a map: %w", err)
	}
	jb, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("unable to remarshal the map to JSON: %w", err)
	}
	if err := json.Unmarshal(jb, cfg); err != nil {
		return fmt.Errorf("unable to un-JSON-ize: %w", err)
	}
	return nil
}

type QPRange struct {
	Min uint8 `json:"min" yaml:"min"`
	Max uint8 `json:"max" yaml:"max"`
}

func (r QPRange) Validate() error {
	if r.Max > QPMax {
		return fmt.Errorf("max QP %d is above %d", r.Max, QPMax)
	}
	if r.Min > r.Max {
		return fmt.Errorf("min QP %d is above max QP %d", r.Min, r.Max)
	}
	return nil
}

type Rational struct {
	Num uint32 `json:"num" yaml:"num"`
	Den uint32 `json:"den" yaml:"den"`
}

func (r Rational) Float64() float64 {
	if r.Den == 0 {
		return math.NaN()
	}
	return float64(r.Num) / float64(r.Den)
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// RateControl is either RateControlConstantBitrate or
// RateControlConstantQuality.
type RateControl interface {
	rateControl()
	typeName() string
	validate() error
	serializable() rateControlSerializable
}

type rateControlSetter interface {
	RateControl
	setValues(rateControlSerializable) error
}

type RateControlConstantBitrate uint64

func (RateControlConstantBitrate) typeName() string {
	return "constant_bitrate"
}

func (RateControlConstantBitrate) rateControl() {}

func (rc RateControlConstantBitrate) validate() error {
	if rc == 0 {
		return fmt.Errorf("bitrate must be positive")
	}
	return nil
}

func (rc RateControlConstantBitrate) serializable() rateControlSerializable {
	return rateControlSerializable{
		"type":    rc.typeName(),
		"bitrate": uint64(rc),
	}
}

func (rc RateControlConstantBitrate) MarshalJSON() ([]byte, error) {
	return json.Marshal(rc.serializable())
}

func (rc *RateControlConstantBitrate) setValues(in rateControlSerializable) error {
	bitrate, err := toUint64(in["bitrate"])
	if err != nil {
		return fmt.Errorf("invalid value using key 'bitrate' in %#+v: %w", in, err)
	}
	*rc = RateControlConstantBitrate(bitrate)
	return nil
}

// RateControlConstantQuality is a quantizer in [QPMin, QPMax]; lower is better.
type RateControlConstantQuality uint8

func (RateControlConstantQuality) typeName() string {
	return "constant_quality"
}

func (RateControlConstantQuality) rateControl() {}

func (rc RateControlConstantQuality) validate() error {
	if rc > QPMax {
		return fmt.Errorf("quality %d is above %d", uint8(rc), QPMax)
	}
	return nil
}

func (rc RateControlConstantQuality) serializable() rateControlSerializable {
	return rateControlSerializable{
		"type":    rc.typeName(),
		"quality": uint(rc),
	}
}

func (rc RateControlConstantQuality) MarshalJSON() ([]byte, error) {
	return json.Marshal(rc.serializable())
}

func (rc *RateControlConstantQuality) setValues(in rateControlSerializable) error {
	quality, err := toUint64(in["quality"])
	if err != nil {
		return fmt.Errorf("invalid value using key 'quality' in %#+v: %w", in, err)
	}
	if quality > math.MaxUint8 {
		return fmt.Errorf("quality %d is out of range", quality)
	}
	*rc = RateControlConstantQuality(quality)
	return nil
}

type rateControlSerializable map[string]any

func (rateControlSerializable) rateControl() {}

func (rc rateControlSerializable) typeName() string {
	result, _ := rc["type"].(string)
	return result
}

func (rc rateControlSerializable) validate() error {
	return fmt.Errorf("rate control is not converted")
}

func (rc rateControlSerializable) serializable() rateControlSerializable {
	return rc
}

func (rc rateControlSerializable) Convert() (RateControl, error) {
	typeName, ok := rc["type"].(string)
	if !ok {
		return nil, nil
	}

	var r rateControlSetter
	for _, sample := range []rateControlSetter{
		ptr(RateControlConstantBitrate(0)),
		ptr(RateControlConstantQuality(0)),
	} {
		if sample.typeName() == typeName {
			r = sample
			break
		}
	}
	if r == nil {
		return nil, fmt.Errorf("unknown type '%s'", typeName)
	}

	if err := r.setValues(rc); err != nil {
		return nil, fmt.Errorf("unable to convert the value (rc): %w", err)
	}
	switch r := r.(type) {
	case *RateControlConstantBitrate:
		return *r, nil
	case *RateControlConstantQuality:
		return *r, nil
	}
	return nil, fmt.Errorf("unexpected rate control %T", r)
}

func toUint64(v any) (uint64, error) {
	switch v := v.(type) {
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative value %d", v)
		}
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative value %d", v)
		}
		return uint64(v), nil
	case uint:
		return uint64(v), nil
	case uint64:
		return v, nil
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, fmt.Errorf("not a non-negative integer: %v", v)
		}
		return uint64(v), nil
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, err
		}
		return toUint64(i)
	case nil:
		return 0, fmt.Errorf("the value is not set")
	}
	return 0, fmt.Errorf("unexpected type %T", v)
}

func ptr[T any](in T) *T {
	return &in
}

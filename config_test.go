package hwcodec

import (
	"encoding/json"
	"testing"

	"github.com/goccy/go-yaml"
	"github.com/stretchr/testify/require"
)

func sampleConfig() CodecConfig {
	return CodecConfig{
		Codec:       CodecHEVC,
		Width:       1920,
		Height:      1080,
		PixelFormat: PixelFormatP010,
		RateControl: RateControlConstantQuality(28),
		QPRange:     &QPRange{Min: 10, Max: 40},
		FrameRate:   Rational{Num: 30000, Den: 1001},
		GOPLength:   60,
		MaxBFrames:  2,
		Preset:      PresetP5,
		QueueDepth:  8,
	}
}

func TestConfigMarshalUnmarshal(t *testing.T) {
	for _, rc := range []RateControl{
		RateControlConstantQuality(28),
		RateControlConstantBitrate(6_000_000),
	} {
		cfg := sampleConfig()
		cfg.RateControl = rc

		t.Run("yaml/"+rc.typeName(), func(t *testing.T) {
			b, err := yaml.Marshal(cfg)
			require.NoError(t, err)

			var cfgDup CodecConfig
			require.NoError(t, yaml.Unmarshal(b, &cfgDup), string(b))
			require.Equal(t, cfg, cfgDup)
		})

		t.Run("json/"+rc.typeName(), func(t *testing.T) {
			b, err := json.Marshal(cfg)
			require.NoError(t, err)

			var cfgDup CodecConfig
			require.NoError(t, json.Unmarshal(b, &cfgDup), string(b))
			require.Equal(t, cfg, cfgDup)
		})
	}
}

func TestConfigUnmarshalYAML(t *testing.T) {
	var cfg CodecConfig
	err := yaml.Unmarshal([]byte(`
codec: h264
width: 1280
height: 720
pixel_format: nv12
rate_control:
  type: constant_bitrate
  bitrate: 4000000
frame_rate:
  num: 60
  den: 1
gop_length: 120
preset: p3
`), &cfg)
	require.NoError(t, err)
	require.Equal(t, CodecH264, cfg.Codec)
	require.Equal(t, PixelFormatNV12, cfg.PixelFormat)
	require.Equal(t, RateControlConstantBitrate(4_000_000), cfg.RateControl)
	require.Equal(t, PresetP3, cfg.Preset)
	require.NoError(t, cfg.Validate())

	err = yaml.Unmarshal([]byte("rate_control:\n  type: lossless\n"), &cfg)
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*CodecConfig)
		encode bool
		decode bool
	}{
		{
			name:   "valid",
			modify: func(*CodecConfig) {},
			encode: true,
			decode: true,
		},
		{
			name:   "no_codec",
			modify: func(cfg *CodecConfig) { cfg.Codec = CodecUndefined },
		},
		{
			name:   "zero_height",
			modify: func(cfg *CodecConfig) { cfg.Height = 0 },
		},
		{
			name:   "no_pixel_format",
			modify: func(cfg *CodecConfig) { cfg.PixelFormat = PixelFormatUndefined },
		},
		{
			name:   "no_rate_control",
			modify: func(cfg *CodecConfig) { cfg.RateControl = nil },
			decode: true,
		},
		{
			name:   "zero_bitrate",
			modify: func(cfg *CodecConfig) { cfg.RateControl = RateControlConstantBitrate(0) },
			decode: true,
		},
		{
			name:   "quality_above_max",
			modify: func(cfg *CodecConfig) { cfg.RateControl = RateControlConstantQuality(QPMax + 1) },
			decode: true,
		},
		{
			name:   "inverted_qp_range",
			modify: func(cfg *CodecConfig) { cfg.QPRange = &QPRange{Min: 30, Max: 20} },
			decode: true,
		},
		{
			name:   "no_frame_rate",
			modify: func(cfg *CodecConfig) { cfg.FrameRate = Rational{} },
			decode: true,
		},
		{
			name:   "no_gop",
			modify: func(cfg *CodecConfig) { cfg.GOPLength = 0 },
			decode: true,
		},
		{
			name:   "b_frames_fill_gop",
			modify: func(cfg *CodecConfig) { cfg.MaxBFrames = cfg.GOPLength },
			decode: true,
		},
		{
			name:   "output_without_format",
			modify: func(cfg *CodecConfig) { cfg.Output = &OutputFormat{Width: 640, Height: 360} },
		},
		{
			name: "output_half_size",
			modify: func(cfg *CodecConfig) {
				cfg.Output = &OutputFormat{PixelFormat: PixelFormatRGBA, Width: 640}
			},
		},
		{
			name: "output",
			modify: func(cfg *CodecConfig) {
				cfg.Output = &OutputFormat{PixelFormat: PixelFormatRGBA, Width: 640, Height: 360}
			},
			encode: true,
			decode: true,
		},
		{
			name:   "unknown_preset",
			modify: func(cfg *CodecConfig) { cfg.Preset = EndOfPreset },
			decode: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := sampleConfig()
			tc.modify(&cfg)
			if tc.encode {
				require.NoError(t, cfg.Validate())
			} else {
				require.ErrorIs(t, cfg.Validate(), ErrUnsupportedConfig)
			}
			if tc.decode {
				require.NoError(t, cfg.ValidateDecode())
			} else {
				require.ErrorIs(t, cfg.ValidateDecode(), ErrUnsupportedConfig)
			}
		})
	}
}

func TestDecodedFormat(t *testing.T) {
	cfg := sampleConfig()
	format, width, height := cfg.DecodedFormat()
	require.Equal(t, PixelFormatP010, format)
	require.Equal(t, [2]uint32{1920, 1080}, [2]uint32{width, height})

	cfg.Output = &OutputFormat{PixelFormat: PixelFormatBGRA}
	format, width, height = cfg.DecodedFormat()
	require.Equal(t, PixelFormatBGRA, format)
	require.Equal(t, [2]uint32{1920, 1080}, [2]uint32{width, height})

	cfg.Output.Width, cfg.Output.Height = 640, 360
	_, width, height = cfg.DecodedFormat()
	require.Equal(t, [2]uint32{640, 360}, [2]uint32{width, height})
}

func TestCustomOptions(t *testing.T) {
	type someOption struct{ Value int }
	opts := CustomOptions{
		DriverOption{Key: "tune", Value: "ull"},
		someOption{Value: 3},
		DriverOption{Key: "rc-lookahead", Value: "0"},
	}
	v, ok := GetCustomOption[someOption](opts)
	require.True(t, ok)
	require.Equal(t, 3, v.Value)

	_, ok = GetCustomOption[string](opts)
	require.False(t, ok)

	require.Equal(t, []DriverOption{
		{Key: "tune", Value: "ull"},
		{Key: "rc-lookahead", Value: "0"},
	}, GetDriverOptions(opts))
}

func TestRateControlConvert(t *testing.T) {
	var _ RateControl = RateControlConstantBitrate(0)
	var _ RateControl = RateControlConstantQuality(0)

	rc, err := rateControlSerializable{"type": "constant_bitrate", "bitrate": 1_500_000}.Convert()
	require.NoError(t, err)
	require.Equal(t, RateControlConstantBitrate(1_500_000), rc)

	rc, err = rateControlSerializable{"type": "constant_quality", "quality": float64(23)}.Convert()
	require.NoError(t, err)
	require.Equal(t, RateControlConstantQuality(23), rc)

	rc, err = rateControlSerializable{}.Convert()
	require.NoError(t, err)
	require.Nil(t, rc)

	_, err = rateControlSerializable{"type": "constant_quality", "quality": 300}.Convert()
	require.Error(t, err)
}

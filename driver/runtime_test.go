package driver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec"
)

type countingDriver struct {
	inits   int
	deinits int
	initErr error
}

func (d *countingDriver) Name() string { return "counting" }

func (d *countingDriver) Init(context.Context) error {
	if d.initErr != nil {
		return d.initErr
	}
	d.inits++
	return nil
}

func (d *countingDriver) Deinit(context.Context) error {
	d.deinits++
	return nil
}

func (d *countingDriver) Devices(context.Context) ([]Info, error) { return nil, nil }

func (d *countingDriver) Open(context.Context, int) (Device, error) {
	return nil, hwcodec.ErrDeviceUnavailable
}

func TestRuntimeRefCount(t *testing.T) {
	ctx := context.Background()
	drv := &countingDriver{}

	rt0, err := Acquire(ctx, drv)
	require.NoError(t, err)
	rt1, err := Acquire(ctx, drv)
	require.NoError(t, err)
	require.Same(t, rt0, rt1)
	require.Equal(t, 1, drv.inits)
	require.Equal(t, 2, rt0.RefCount(ctx))

	require.NoError(t, rt0.Release(ctx))
	require.Equal(t, 0, drv.deinits)
	require.NoError(t, rt1.Release(ctx))
	require.Equal(t, 1, drv.deinits)

	err = rt1.Release(ctx)
	require.ErrorIs(t, err, hwcodec.ErrInvalidState)

	rt2, err := Acquire(ctx, drv)
	require.NoError(t, err)
	require.NotSame(t, rt0, rt2)
	require.Equal(t, 2, drv.inits)
	require.NoError(t, rt2.Release(ctx))
}

func TestRuntimeInitFailure(t *testing.T) {
	ctx := context.Background()
	drv := &countingDriver{initErr: errors.New("no driver")}

	_, err := Acquire(ctx, drv)
	require.ErrorIs(t, err, hwcodec.ErrUnsupportedDriver)
}

func TestFence(t *testing.T) {
	f := NewFence()
	require.False(t, Signaled(f))
	require.NoError(t, f.Err())

	f.Signal(hwcodec.ErrHardwareError)
	f.Signal(nil)
	require.True(t, Signaled(f))
	require.ErrorIs(t, Wait(context.Background(), f), hwcodec.ErrHardwareError)
	require.True(t, Signaled(nil))
}

func TestCapabilitiesCheck(t *testing.T) {
	caps := Capabilities{
		Codecs: map[hwcodec.Codec]CodecCapabilities{
			hwcodec.CodecH264: {
				Encode: true, Decode: true,
				MinWidth: 16, MinHeight: 16, MaxWidth: 4096, MaxHeight: 4096,
				PixelFormats: []hwcodec.PixelFormat{hwcodec.PixelFormatNV12},
				MaxBFrames:   2,
			},
			hwcodec.CodecAV1: {Decode: true, MinWidth: 16, MinHeight: 16, MaxWidth: 8192, MaxHeight: 8192,
				PixelFormats: []hwcodec.PixelFormat{hwcodec.PixelFormatNV12}},
		},
		MaxQueueDepth: 8,
	}
	valid := hwcodec.CodecConfig{
		Codec:       hwcodec.CodecH264,
		Width:       1920,
		Height:      1080,
		PixelFormat: hwcodec.PixelFormatNV12,
		RateControl: hwcodec.RateControlConstantBitrate(4_000_000),
		FrameRate:   hwcodec.Rational{Num: 30, Den: 1},
		GOPLength:   30,
	}
	require.NoError(t, caps.CheckEncode(valid))
	require.NoError(t, caps.CheckDecode(valid))

	for name, mutate := range map[string]func(*hwcodec.CodecConfig){
		"too_big":        func(cfg *hwcodec.CodecConfig) { cfg.Width = 8192 },
		"odd":            func(cfg *hwcodec.CodecConfig) { cfg.Height = 1081 },
		"pixel_format":   func(cfg *hwcodec.CodecConfig) { cfg.PixelFormat = hwcodec.PixelFormatRGBA },
		"b_frames":       func(cfg *hwcodec.CodecConfig) { cfg.MaxBFrames = 3 },
		"queue_depth":    func(cfg *hwcodec.CodecConfig) { cfg.QueueDepth = 9 },
		"encode_av1":     func(cfg *hwcodec.CodecConfig) { cfg.Codec = hwcodec.CodecAV1 },
		"unknown_codec":  func(cfg *hwcodec.CodecConfig) { cfg.Codec = hwcodec.CodecHEVC },
		"no_ratecontrol": func(cfg *hwcodec.CodecConfig) { cfg.RateControl = nil },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			mutate(&cfg)
			require.ErrorIs(t, caps.CheckEncode(cfg), hwcodec.ErrUnsupportedConfig)
		})
	}

	require.Equal(t, uint32(8), caps.QueueDepth(0))
	require.Equal(t, uint32(3), caps.QueueDepth(3))
}

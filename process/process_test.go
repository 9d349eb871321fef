package process

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver/drivers"
)

func TestInProcessRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	host, err := Run(ctx, Options{
		Driver:    drivers.NameEmulated,
		NoForking: true,
	})
	require.NoError(t, err)

	devices, err := host.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	dev, err := host.OpenDevice(ctx, devices[0].Ordinal)
	require.NoError(t, err)

	cfg := hwcodec.CodecConfig{
		Codec:       hwcodec.CodecHEVC,
		Width:       32,
		Height:      16,
		PixelFormat: hwcodec.PixelFormatNV12,
		RateControl: hwcodec.RateControlConstantBitrate(500_000),
		FrameRate:   hwcodec.Rational{Num: 25, Den: 1},
		GOPLength:   10,
	}
	enc, err := host.CreateEncoder(ctx, dev, cfg)
	require.NoError(t, err)
	require.NoError(t, host.EncoderStart(ctx, enc))
	require.NoError(t, host.EncoderSetRateControl(ctx, enc, hwcodec.RateControlConstantQuality(30), nil))

	const frameCount = 3
	var buffers []uint64
	for pts := int64(0); pts < frameCount; pts++ {
		buf, size, err := host.BufferAcquire(ctx, dev, cfg.PixelFormat, cfg.Width, cfg.Height)
		require.NoError(t, err)
		frame := make([]byte, size)
		for i := range frame {
			frame[i] = byte(0x10 + pts)
		}
		require.NoError(t, host.BufferUpload(ctx, dev, buf, frame))
		require.NoError(t, host.EncoderSubmit(ctx, enc, buf, pts))
		buffers = append(buffers, buf)
	}
	require.NoError(t, host.EncoderFlush(ctx, enc))

	var units []*hwcodec.BitstreamUnit
	for {
		unit, err := host.EncoderRetrieve(ctx, enc)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if unit == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		units = append(units, unit)
	}
	require.Len(t, units, frameCount)
	require.True(t, units[0].IsKey())
	for _, buf := range buffers {
		require.NoError(t, host.BufferRelease(ctx, dev, buf))
	}
	require.NoError(t, host.SessionDestroy(ctx, enc))

	dec, err := host.CreateDecoder(ctx, dev, cfg)
	require.NoError(t, err)
	require.NoError(t, host.DecoderStart(ctx, dec))
	for _, unit := range units {
		require.NoError(t, host.DecoderSubmit(ctx, dec, *unit))
	}
	require.NoError(t, host.DecoderFlush(ctx, dec))

	var pts int64
	for {
		buf, framePTS, ok, err := host.DecoderRetrieve(ctx, dec)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		require.Equal(t, pts, framePTS)
		data, err := host.BufferDownload(ctx, dev, buf)
		require.NoError(t, err)
		require.Equal(t, byte(0x10+pts), data[0])
		require.NoError(t, host.BufferRelease(ctx, dev, buf))
		pts++
	}
	require.Equal(t, int64(frameCount), pts)

	state, err := host.SessionState(ctx, dec)
	require.NoError(t, err)
	require.Equal(t, hwcodec.StateClosed, state)
	require.NoError(t, host.SessionDestroy(ctx, dec))

	err = host.SessionDestroy(ctx, dec)
	require.ErrorIs(t, err, hwcodec.ErrInvalidState)

	require.NoError(t, host.CloseDevice(ctx, dev))
	require.NoError(t, host.Kill(ctx))
	require.NoError(t, host.Wait(ctx))
}

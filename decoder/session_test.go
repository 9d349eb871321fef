package decoder

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/bufferpool"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/driver/emulated"
	"github.com/xaionaro-go/hwcodec/encoder"
)

func newTestDevice(t *testing.T, cfg emulated.Config) (*device.Context, *emulated.Device) {
	ctx := context.Background()
	if len(cfg.Devices) == 0 {
		cfg.Devices = []emulated.DeviceConfig{emulated.DefaultDeviceConfig()}
	}
	drv := emulated.New(cfg)
	require.NoError(t, drv.Init(ctx))
	dev, err := device.Open(ctx, drv, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_ = dev.Close(closeCtx)
		_ = drv.Deinit(ctx)
	})
	return dev, drv.Device(ctx, 0)
}

func testConfig(maxB uint32) hwcodec.CodecConfig {
	return hwcodec.CodecConfig{
		Codec:       hwcodec.CodecH264,
		Width:       64,
		Height:      48,
		PixelFormat: hwcodec.PixelFormatNV12,
		MaxBFrames:  maxB,
	}
}

func newRunningSession(t *testing.T, dev *device.Context, cfg hwcodec.CodecConfig) *Session {
	ctx := context.Background()
	s, err := New(ctx, dev)
	require.NoError(t, err)
	require.NoError(t, s.Configure(ctx, cfg))
	require.NoError(t, s.Start(ctx))
	require.Equal(t, hwcodec.StateRunning, s.State())
	return s
}

func testUnit(frameType emulated.FrameType, pts int64, fill byte, refs ...int64) hwcodec.BitstreamUnit {
	return hwcodec.BitstreamUnit{
		Payload: emulated.BuildUnit(emulated.UnitHeader{
			Codec:      hwcodec.CodecH264,
			FrameType:  frameType,
			Fill:       fill,
			PTS:        pts,
			Width:      64,
			Height:     48,
			BodySize:   100,
			References: refs,
		}),
		PTS:      pts,
		Type:     frameType.UnitType(),
		Complete: true,
	}
}

func firstByte(t *testing.T, pool *bufferpool.Pool, buf *bufferpool.FrameBuffer) byte {
	data := make([]byte, buf.PackedSize())
	require.NoError(t, pool.Download(context.Background(), buf, data))
	return data[0]
}

// retrieveUntilDrained flushes the session if it is running and
// collects the frames until the end of the stream, releasing them.
func retrieveUntilDrained(t *testing.T, s *Session) (ptss []int64, fills []byte) {
	ctx := context.Background()
	if s.State() == hwcodec.StateRunning {
		require.NoError(t, s.Flush(ctx))
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		frame, err := s.RetrieveFrame(ctx)
		if err == io.EOF {
			require.Equal(t, hwcodec.StateClosed, s.State())
			return
		}
		require.NoError(t, err)
		if frame == nil {
			require.True(t, time.Now().Before(deadline), "timed out")
			time.Sleep(time.Millisecond)
			continue
		}
		ptss = append(ptss, frame.PTS)
		fills = append(fills, firstByte(t, s.pool, frame.Buffer))
		require.NoError(t, s.pool.Release(ctx, frame.Buffer))
	}
}

func TestPresentationOrder(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t, emulated.Config{Synchronous: true})
	s := newRunningSession(t, dev, testConfig(1))

	// decode order: I0 P2 B1
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeI, 0, 10)))
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 2, 12, 0)))
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeB, 1, 11, 0, 2)))

	ptss, fills := retrieveUntilDrained(t, s)
	require.Equal(t, []int64{0, 1, 2}, ptss)
	require.Equal(t, []byte{10, 11, 12}, fills)
	require.Equal(t, 0, dev.Pool().Stats(ctx).Leased)
}

func TestPresentationOrderSubmission(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t, emulated.Config{Synchronous: true})
	s := newRunningSession(t, dev, testConfig(1))

	// submission order: I0 B1 P2, B1 waits for its forward anchor
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeI, 0, 10)))
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeB, 1, 11, 0, 2)))
	require.Len(t, s.pending, 1)
	require.Equal(t, int64(1), s.pending[0].Info.PTS)

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 2, 12, 0)))
	require.Empty(t, s.pending)

	ptss, fills := retrieveUntilDrained(t, s)
	require.Equal(t, []int64{0, 1, 2}, ptss)
	require.Equal(t, []byte{10, 11, 12}, fills)
	require.Equal(t, 0, dev.Pool().Stats(ctx).Leased)
}

func TestMinimalQueueDepthWithPendingUnit(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t, emulated.Config{Synchronous: true})
	cfg := testConfig(1)
	cfg.QueueDepth = 2
	s := newRunningSession(t, dev, cfg)

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeI, 0, 10)))
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeB, 1, 11, 0, 2)))
	require.ErrorIs(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 2, 12, 0)), hwcodec.ErrQueueFull)

	// the queue is full of units that cannot precede frame 0
	frame, err := s.RetrieveFrame(ctx)
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, int64(0), frame.PTS)
	require.NoError(t, dev.Pool().Release(ctx, frame.Buffer))

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 2, 12, 0)))
	ptss, fills := retrieveUntilDrained(t, s)
	require.Equal(t, []int64{1, 2}, ptss)
	require.Equal(t, []byte{11, 12}, fills)
	require.Equal(t, uint64(0), s.Stats().UnitsDropped)
}

func TestReferenceOutlivesCallerRelease(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t, emulated.Config{Synchronous: true})
	pool := dev.Pool()
	s := newRunningSession(t, dev, testConfig(0))

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeI, 0, 10)))
	frame, err := s.RetrieveFrame(ctx)
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, int64(0), frame.PTS)

	require.NoError(t, pool.Release(ctx, frame.Buffer))
	require.ErrorIs(t, pool.Release(ctx, frame.Buffer), hwcodec.ErrInvalidState)

	ref := s.refs[0]
	require.NotNil(t, ref)
	require.Equal(t, byte(10), firstByte(t, pool, ref))

	fresh, err := pool.Acquire(ctx, s.outputLayout())
	require.NoError(t, err)
	require.False(t, fresh.Memory() == ref.Memory())
	require.NoError(t, pool.Release(ctx, fresh))

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 1, 11, 0)))
	ptss, fills := retrieveUntilDrained(t, s)
	require.Equal(t, []int64{1}, ptss)
	require.Equal(t, []byte{11}, fills)
	require.Equal(t, 0, pool.Stats(ctx).Leased)
}

func TestReorderWindow(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t, emulated.Config{Synchronous: true})
	s := newRunningSession(t, dev, testConfig(1))

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeI, 0, 10)))
	frame, err := s.RetrieveFrame(ctx)
	require.NoError(t, err)
	require.Nil(t, frame, "a B-frame may still precede the frame 0")

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 2, 12, 0)))
	frame, err = s.RetrieveFrame(ctx)
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, int64(0), frame.PTS)
	require.NoError(t, dev.Pool().Release(ctx, frame.Buffer))

	frame, err = s.RetrieveFrame(ctx)
	require.NoError(t, err)
	require.Nil(t, frame)

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeB, 1, 11, 0, 2)))
	frame, err = s.RetrieveFrame(ctx)
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, int64(1), frame.PTS)
	require.NoError(t, dev.Pool().Release(ctx, frame.Buffer))

	ptss, _ := retrieveUntilDrained(t, s)
	require.Equal(t, []int64{2}, ptss)
}

func TestPartialUnits(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t, emulated.Config{Synchronous: true})
	s := newRunningSession(t, dev, testConfig(0))

	unit := testUnit(emulated.FrameTypeI, 0, 7)
	payload := unit.Payload
	third := len(payload) / 3
	for _, part := range [][]byte{payload[:third], payload[third : 2*third]} {
		require.NoError(t, s.SubmitUnit(ctx, hwcodec.BitstreamUnit{Payload: part, PTS: 0}))
		frame, err := s.RetrieveFrame(ctx)
		require.NoError(t, err)
		require.Nil(t, frame)
	}
	require.NoError(t, s.SubmitUnit(ctx, hwcodec.BitstreamUnit{Payload: payload[2*third:], PTS: 0, Complete: true}))

	frame, err := s.RetrieveFrame(ctx)
	require.NoError(t, err)
	require.NotNil(t, frame)
	require.Equal(t, int64(0), frame.PTS)
	require.Equal(t, byte(7), firstByte(t, dev.Pool(), frame.Buffer))
	require.NoError(t, dev.Pool().Release(ctx, frame.Buffer))

	stats := s.Stats()
	require.Equal(t, uint64(2), stats.FragmentsSubmitted)
	require.Equal(t, uint64(1), stats.UnitsSubmitted)
	require.Equal(t, uint64(len(payload)), stats.BytesIn)

	ptss, _ := retrieveUntilDrained(t, s)
	require.Empty(t, ptss)
}

func TestMalformedUnits(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t, emulated.Config{Synchronous: true})
	s := newRunningSession(t, dev, testConfig(0))

	hevc := testUnit(emulated.FrameTypeI, 0, 1)
	hevc.Payload = emulated.BuildUnit(emulated.UnitHeader{
		Codec:     hwcodec.CodecHEVC,
		FrameType: emulated.FrameTypeI,
		PTS:       0,
		Width:     64,
		Height:    48,
	})
	tooLarge := testUnit(emulated.FrameTypeI, 0, 1)
	tooLarge.Payload = emulated.BuildUnit(emulated.UnitHeader{
		Codec:     hwcodec.CodecH264,
		FrameType: emulated.FrameTypeI,
		PTS:       0,
		Width:     128,
		Height:    48,
	})

	for name, unit := range map[string]hwcodec.BitstreamUnit{
		"garbage":         {Payload: []byte("definitely not a unit"), Complete: true},
		"empty":           {Complete: true},
		"delta_first":     testUnit(emulated.FrameTypeP, 1, 1, 0),
		"codec_mismatch":  hevc,
		"larger_than_cfg": tooLarge,
	} {
		t.Run(name, func(t *testing.T) {
			err := s.SubmitUnit(ctx, unit)
			require.ErrorIs(t, err, hwcodec.ErrMalformedUnit)
			require.Equal(t, hwcodec.StateRunning, s.State())
		})
	}

	// a garbage completion discards the fragments it is joined with
	good := testUnit(emulated.FrameTypeI, 0, 3)
	require.NoError(t, s.SubmitUnit(ctx, hwcodec.BitstreamUnit{Payload: good.Payload[:10]}))
	require.ErrorIs(t, s.SubmitUnit(ctx, hwcodec.BitstreamUnit{Payload: []byte{1, 2, 3}, Complete: true}), hwcodec.ErrMalformedUnit)
	require.NoError(t, s.SubmitUnit(ctx, good))

	// the unit 0 is already queued
	require.ErrorIs(t, s.SubmitUnit(ctx, good), hwcodec.ErrMalformedUnit)
	// a reference outside of the current group of pictures
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeI, 10, 4)))
	require.ErrorIs(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 11, 5, 0)), hwcodec.ErrMalformedUnit)

	ptss, fills := retrieveUntilDrained(t, s)
	require.Equal(t, []int64{0, 10}, ptss)
	require.Equal(t, []byte{3, 4}, fills)
	require.Equal(t, uint64(8), s.Stats().MalformedRejections)
}

func TestQueueFull(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t, emulated.Config{Synchronous: true})
	cfg := testConfig(0)
	cfg.QueueDepth = 2
	s := newRunningSession(t, dev, cfg)

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeI, 0, 1)))
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 1, 2, 0)))
	leased := dev.Pool().Stats(ctx).Leased
	require.ErrorIs(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 2, 3, 1)), hwcodec.ErrQueueFull)
	require.Equal(t, leased, dev.Pool().Stats(ctx).Leased)
	require.Equal(t, uint64(1), s.Stats().QueueFullRejections)

	frame, err := s.RetrieveFrame(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), frame.PTS)
	require.NoError(t, dev.Pool().Release(ctx, frame.Buffer))
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 2, 3, 1)))

	ptss, fills := retrieveUntilDrained(t, s)
	require.Equal(t, []int64{1, 2}, ptss)
	require.Equal(t, []byte{2, 3}, fills)
}

func TestUnsupportedConfig(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t, emulated.Config{Synchronous: true})

	av1 := testConfig(0)
	av1.Codec = hwcodec.CodecAV1
	av1.PixelFormat = hwcodec.PixelFormatNV12

	for name, cfg := range map[string]hwcodec.CodecConfig{
		"no_codec":        {Width: 64, Height: 48, PixelFormat: hwcodec.PixelFormatNV12},
		"rgba":            func() hwcodec.CodecConfig { c := testConfig(0); c.PixelFormat = hwcodec.PixelFormatRGBA; return c }(),
		"queue_too_short": func() hwcodec.CodecConfig { c := testConfig(2); c.QueueDepth = 2; return c }(),
		"output_nv12": func() hwcodec.CodecConfig {
			c := testConfig(0)
			c.Output = &hwcodec.OutputFormat{PixelFormat: hwcodec.PixelFormatNV12}
			return c
		}(),
	} {
		t.Run(name, func(t *testing.T) {
			s, err := New(ctx, dev)
			require.NoError(t, err)
			require.ErrorIs(t, s.Configure(ctx, cfg), hwcodec.ErrUnsupportedConfig)
			require.Equal(t, hwcodec.StateIdle, s.State())
			require.NoError(t, s.CloseCtx(ctx))
		})
	}

	// AV1 is decode-only on the emulated device
	s, err := New(ctx, dev)
	require.NoError(t, err)
	require.NoError(t, s.Configure(ctx, av1))
	require.NoError(t, s.CloseCtx(ctx))
}

func TestConvertedOutput(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t, emulated.Config{Synchronous: true})
	pool := dev.Pool()
	cfg := testConfig(0)
	cfg.Output = &hwcodec.OutputFormat{
		PixelFormat: hwcodec.PixelFormatBGRA,
		Width:       32,
		Height:      24,
	}
	s := newRunningSession(t, dev, cfg)

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeI, 0, 128)))
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 1, 128, 0)))
	require.NoError(t, s.Flush(ctx))

	var ptss []int64
	for {
		frame, err := s.RetrieveFrame(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NotNil(t, frame)
		ptss = append(ptss, frame.PTS)

		layout := frame.Buffer.Layout()
		require.Equal(t, hwcodec.PixelFormatBGRA, layout.Format)
		require.Equal(t, uint32(32), layout.Width)
		require.Equal(t, uint32(24), layout.Height)

		data := make([]byte, frame.Buffer.PackedSize())
		require.Len(t, data, 32*24*4)
		require.NoError(t, pool.Download(ctx, frame.Buffer, data))
		for off := 0; off < len(data); off += 4 {
			require.Equal(t, []byte{128, 128, 128, 255}, data[off:off+4], "pixel %d", off/4)
		}
		require.NoError(t, pool.Release(ctx, frame.Buffer))
	}
	require.Equal(t, []int64{0, 1}, ptss)
	require.Equal(t, 0, pool.Stats(ctx).Leased)
}

func TestMissingReferenceDropped(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t, emulated.Config{Synchronous: true})
	s := newRunningSession(t, dev, testConfig(0))

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeI, 0, 1)))
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 2, 2, 1)))

	ptss, _ := retrieveUntilDrained(t, s)
	require.Equal(t, []int64{0}, ptss)
	require.Equal(t, uint64(1), s.Stats().UnitsDropped)
	require.Equal(t, 0, dev.Pool().Stats(ctx).Leased)
}

func TestDeviceLost(t *testing.T) {
	ctx := context.Background()
	dev, hw := newTestDevice(t, emulated.Config{Synchronous: true})
	s := newRunningSession(t, dev, testConfig(0))

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeI, 0, 1)))
	hw.InjectDeviceLoss(ctx)

	require.ErrorIs(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 1, 1, 0)), hwcodec.ErrDeviceLost)
	require.Equal(t, hwcodec.StateClosed, s.State())
	_, err := s.RetrieveFrame(ctx)
	require.ErrorIs(t, err, hwcodec.ErrDeviceLost)
	require.ErrorIs(t, s.Flush(ctx), hwcodec.ErrDeviceLost)
	require.Equal(t, 0, dev.Pool().Stats(ctx).Leased)
}

func TestHardwareFault(t *testing.T) {
	ctx := context.Background()
	dev, hw := newTestDevice(t, emulated.Config{Synchronous: true})
	s := newRunningSession(t, dev, testConfig(0))

	hw.InjectFault(ctx)
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeI, 0, 1)))

	_, err := s.RetrieveFrame(ctx)
	require.ErrorIs(t, err, hwcodec.ErrHardwareError)
	require.Equal(t, hwcodec.StateClosed, s.State())

	_, err = s.RetrieveFrame(ctx)
	require.ErrorIs(t, err, hwcodec.ErrInvalidState)
	require.NoError(t, dev.Err())
	require.Equal(t, 0, dev.Pool().Stats(ctx).Leased)
}

func TestAsynchronous(t *testing.T) {
	ctx := context.Background()
	devCfg := emulated.DefaultDeviceConfig()
	devCfg.Latency = time.Millisecond
	dev, _ := newTestDevice(t, emulated.Config{Devices: []emulated.DeviceConfig{devCfg}})
	s := newRunningSession(t, dev, testConfig(1))

	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeI, 0, 10)))
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 2, 12, 0)))
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeB, 1, 11, 0, 2)))
	require.NoError(t, s.SubmitUnit(ctx, testUnit(emulated.FrameTypeP, 3, 13, 2)))

	ptss, fills := retrieveUntilDrained(t, s)
	require.Equal(t, []int64{0, 1, 2, 3}, ptss)
	require.Equal(t, []byte{10, 11, 12, 13}, fills)
}

func TestLoopback(t *testing.T) {
	ctx := context.Background()
	dev, _ := newTestDevice(t, emulated.Config{Synchronous: true})
	pool := dev.Pool()

	encCfg := hwcodec.CodecConfig{
		Codec:       hwcodec.CodecH264,
		Width:       64,
		Height:      48,
		PixelFormat: hwcodec.PixelFormatNV12,
		RateControl: hwcodec.RateControlConstantQuality(23),
		FrameRate:   hwcodec.Rational{Num: 30, Den: 1},
		GOPLength:   10,
		MaxBFrames:  2,
	}
	enc, err := encoder.New(ctx, dev)
	require.NoError(t, err)
	require.NoError(t, enc.Configure(ctx, encCfg))
	require.NoError(t, enc.Start(ctx))
	s := newRunningSession(t, dev, testConfig(2))

	src, err := pool.Acquire(ctx, driver.Layout{
		Location: driver.LocationDevice,
		Format:   encCfg.PixelFormat,
		Width:    encCfg.Width,
		Height:   encCfg.Height,
	})
	require.NoError(t, err)
	data := make([]byte, src.PackedSize())

	const frameCount = 30
	var units []*hwcodec.BitstreamUnit
	for pts := int64(0); pts < frameCount; pts++ {
		for i := range data {
			data[i] = byte(pts + 1)
		}
		require.NoError(t, pool.Upload(ctx, src, data))
		require.NoError(t, enc.SubmitFrame(ctx, src, pts))
		for {
			unit, err := enc.RetrievePacket(ctx)
			require.NoError(t, err)
			if unit == nil {
				break
			}
			units = append(units, unit)
		}
	}
	require.NoError(t, enc.Flush(ctx))
	for {
		unit, err := enc.RetrievePacket(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.NotNil(t, unit)
		units = append(units, unit)
	}
	require.NoError(t, pool.Release(ctx, src))
	require.Len(t, units, frameCount)

	var ptss []int64
	var fills []byte
	for _, unit := range units {
		for {
			err := s.SubmitUnit(ctx, *unit)
			if err == nil {
				break
			}
			require.ErrorIs(t, err, hwcodec.ErrQueueFull)
			frame, err := s.RetrieveFrame(ctx)
			require.NoError(t, err)
			require.NotNil(t, frame)
			ptss = append(ptss, frame.PTS)
			fills = append(fills, firstByte(t, pool, frame.Buffer))
			require.NoError(t, pool.Release(ctx, frame.Buffer))
		}
	}
	morePTSs, moreFills := retrieveUntilDrained(t, s)
	ptss = append(ptss, morePTSs...)
	fills = append(fills, moreFills...)

	require.Len(t, ptss, frameCount)
	for idx := range ptss {
		require.Equal(t, int64(idx), ptss[idx])
		require.Equal(t, byte(idx+1), fills[idx])
	}
	require.Equal(t, uint64(frameCount), s.Stats().FramesRetrieved)
	require.Equal(t, 0, pool.Stats(ctx).Leased)
}

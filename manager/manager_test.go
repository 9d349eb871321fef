package manager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/bufferpool"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/driver/emulated"
)

func encoderConfig() hwcodec.CodecConfig {
	return hwcodec.CodecConfig{
		Codec:       hwcodec.CodecH264,
		Width:       320,
		Height:      240,
		PixelFormat: hwcodec.PixelFormatNV12,
		RateControl: hwcodec.RateControlConstantBitrate(1_000_000),
		FrameRate:   hwcodec.Rational{Num: 25, Den: 1},
		GOPLength:   25,
		MaxBFrames:  2,
		Preset:      hwcodec.PresetP1,
	}
}

func newTestManager(t *testing.T, cfg emulated.Config) (*Manager, *emulated.Driver) {
	if len(cfg.Devices) == 0 {
		cfg.Devices = []emulated.DeviceConfig{emulated.DefaultDeviceConfig()}
	}
	drv := emulated.New(cfg)
	m, err := New(context.Background(), drv, Options{
		PoolOptions: []bufferpool.Option{bufferpool.OptionMaxFree(4)},
	})
	require.NoError(t, err)
	return m, drv
}

func TestOpenDeviceTwice(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, emulated.Config{Synchronous: true})
	defer func() { require.NoError(t, m.Close(ctx)) }()

	dev, err := m.OpenDevice(ctx, 0)
	require.NoError(t, err)
	_, err = m.OpenDevice(ctx, 0)
	require.ErrorIs(t, err, hwcodec.ErrInvalidState)

	got, ok := m.Device(ctx, 0)
	require.True(t, ok)
	require.Same(t, dev, got)

	_, err = m.OpenDevice(ctx, 5)
	require.ErrorIs(t, err, hwcodec.ErrDeviceUnavailable)
}

func TestDestroyPolicy(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, emulated.Config{Synchronous: true})
	defer func() { require.NoError(t, m.Close(ctx)) }()

	dev, err := m.OpenDevice(ctx, 0)
	require.NoError(t, err)
	cfg := encoderConfig()
	enc, err := m.CreateEncoder(ctx, dev, cfg)
	require.NoError(t, err)
	require.Equal(t, hwcodec.StateConfigured, enc.State())

	// hard fail: a session that is not Closed is never destroyed
	require.ErrorIs(t, m.Destroy(ctx, enc), hwcodec.ErrInvalidState)
	require.NoError(t, enc.Start(ctx))

	buf, err := dev.Pool().Acquire(ctx, driver.Layout{
		Location: driver.LocationDevice,
		Format:   cfg.PixelFormat,
		Width:    cfg.Width,
		Height:   cfg.Height,
	})
	require.NoError(t, err)
	require.NoError(t, enc.SubmitFrame(ctx, buf, 0))

	require.ErrorIs(t, m.Destroy(ctx, enc), hwcodec.ErrInvalidState)
	require.ErrorIs(t, m.DestroyDevice(ctx, dev), hwcodec.ErrInvalidState)
	require.Equal(t, hwcodec.StateRunning, enc.State())

	units, err := enc.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, units, 1)
	require.Equal(t, hwcodec.StateClosed, enc.State())

	require.NoError(t, m.Destroy(ctx, enc))
	require.ErrorIs(t, m.Destroy(ctx, enc), hwcodec.ErrInvalidState)
	require.NoError(t, m.DestroyDevice(ctx, dev))

	// everything derived from the destroyed context fails the same way
	_, err = enc.RetrievePacket(ctx)
	require.ErrorIs(t, err, hwcodec.ErrInvalidState)
	require.ErrorIs(t, enc.SubmitFrame(ctx, buf, 1), hwcodec.ErrInvalidState)
	require.ErrorIs(t, dev.Pool().Release(ctx, buf), hwcodec.ErrInvalidState)
	_, err = dev.Pool().Lookup(ctx, buf.Handle())
	require.ErrorIs(t, err, hwcodec.ErrInvalidState)
	_, err = dev.Pool().Acquire(ctx, buf.Layout())
	require.ErrorIs(t, err, hwcodec.ErrInvalidState)
	require.ErrorIs(t, dev.Do(ctx, func(driver.Device) error { return nil }), hwcodec.ErrInvalidState)
	_, err = m.CreateEncoder(ctx, dev, cfg)
	require.ErrorIs(t, err, hwcodec.ErrInvalidState)
	require.ErrorIs(t, m.DestroyDevice(ctx, dev), hwcodec.ErrInvalidState)

	// the ordinal may be opened again
	dev2, err := m.OpenDevice(ctx, 0)
	require.NoError(t, err)
	require.NotSame(t, dev, dev2)
}

func TestCreateUnsupported(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, emulated.Config{Synchronous: true})
	defer func() { require.NoError(t, m.Close(ctx)) }()

	dev, err := m.OpenDevice(ctx, 0)
	require.NoError(t, err)

	cfg := encoderConfig()
	cfg.Codec = hwcodec.CodecAV1
	_, err = m.CreateEncoder(ctx, dev, cfg)
	require.ErrorIs(t, err, hwcodec.ErrUnsupportedConfig)
	require.Empty(t, m.Sessions(ctx, dev))

	dec, err := m.CreateDecoder(ctx, dev, cfg)
	require.NoError(t, err)
	require.Equal(t, hwcodec.SessionKindDecoder, dec.Kind())
	require.Len(t, m.Sessions(ctx, dev), 1)

	require.NoError(t, dec.CloseCtx(ctx))
	require.NoError(t, m.Destroy(ctx, dec))
	require.NoError(t, m.DestroyDevice(ctx, dev))
}

func TestDestroyDeviceAfterLoss(t *testing.T) {
	ctx := context.Background()
	m, drv := newTestManager(t, emulated.Config{Synchronous: true})
	defer func() { require.NoError(t, m.Close(ctx)) }()

	dev, err := m.OpenDevice(ctx, 0)
	require.NoError(t, err)
	enc, err := m.CreateEncoder(ctx, dev, encoderConfig())
	require.NoError(t, err)
	require.NoError(t, enc.Start(ctx))

	drv.Device(ctx, 0).InjectDeviceLoss(ctx)
	require.NoError(t, m.DestroyDevice(ctx, dev))
	require.Equal(t, hwcodec.StateClosed, enc.State())
	require.ErrorIs(t, enc.Flush(ctx), hwcodec.ErrDeviceLost)
	require.ErrorIs(t, m.Destroy(ctx, enc), hwcodec.ErrInvalidState)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	m, drv := newTestManager(t, emulated.Config{Synchronous: true})

	dev, err := m.OpenDevice(ctx, 0)
	require.NoError(t, err)
	cfg := encoderConfig()
	enc, err := m.CreateEncoder(ctx, dev, cfg)
	require.NoError(t, err)
	require.NoError(t, enc.Start(ctx))
	buf, err := dev.Pool().Acquire(ctx, driver.Layout{
		Location: driver.LocationDevice,
		Format:   cfg.PixelFormat,
		Width:    cfg.Width,
		Height:   cfg.Height,
	})
	require.NoError(t, err)
	require.NoError(t, enc.SubmitFrame(ctx, buf, 0))
	require.NoError(t, enc.SubmitFrame(ctx, buf, 1))
	dec, err := m.CreateDecoder(ctx, dev, cfg)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	require.Equal(t, hwcodec.StateClosed, enc.State())
	require.Equal(t, hwcodec.StateClosed, dec.State())

	_, err = drv.Devices(ctx)
	require.ErrorIs(t, err, hwcodec.ErrInvalidState, "the driver is to be deinitialized")
	_, err = m.OpenDevice(ctx, 0)
	require.ErrorIs(t, err, hwcodec.ErrInvalidState)
	require.ErrorIs(t, m.Close(ctx), hwcodec.ErrInvalidState)
}

func TestSharedRuntime(t *testing.T) {
	ctx := context.Background()
	m0, drv := newTestManager(t, emulated.Config{Synchronous: true})
	m1, err := New(ctx, drv, Options{})
	require.NoError(t, err)
	require.Equal(t, 2, m0.runtime.RefCount(ctx))

	require.NoError(t, m0.Close(ctx))
	infos, err := m1.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)

	require.NoError(t, m1.Close(ctx))
	_, err = drv.Devices(ctx)
	require.Error(t, err)
}

func TestProbe(t *testing.T) {
	ctx := context.Background()
	unavailable := emulated.DefaultDeviceConfig()
	unavailable.Unavailable = true
	tooOld := emulated.DefaultDeviceConfig()
	tooOld.DriverVersion = emulated.MinDriverVersion - 1
	m, _ := newTestManager(t, emulated.Config{
		Devices: []emulated.DeviceConfig{
			emulated.DefaultDeviceConfig(),
			unavailable,
			tooOld,
			emulated.DefaultDeviceConfig(),
		},
	})
	defer func() { require.NoError(t, m.Close(ctx)) }()

	// a device opened by the caller is probed in place and stays open
	dev3, err := m.OpenDevice(ctx, 3)
	require.NoError(t, err)

	results, err := m.Probe(ctx, encoderConfig())
	require.NoError(t, err)
	require.Len(t, results, 4)
	require.True(t, results[0].Usable(), results[0].String())
	require.ErrorIs(t, results[1].EncodeErr, hwcodec.ErrDeviceUnavailable)
	require.ErrorIs(t, results[2].EncodeErr, hwcodec.ErrUnsupportedDriver)
	require.True(t, results[3].Usable(), results[3].String())

	_, ok := m.Device(ctx, 0)
	require.False(t, ok)
	got, ok := m.Device(ctx, 3)
	require.True(t, ok)
	require.Same(t, dev3, got)
	require.Empty(t, m.Sessions(ctx, dev3))

	av1 := encoderConfig()
	av1.Codec = hwcodec.CodecAV1
	results, err = m.Probe(ctx, av1)
	require.NoError(t, err)
	require.ErrorIs(t, results[0].EncodeErr, hwcodec.ErrUnsupportedConfig)
	require.False(t, results[0].Usable())
}

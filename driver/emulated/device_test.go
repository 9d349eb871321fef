package emulated

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
)

func testConfig(gop, maxB uint32) hwcodec.CodecConfig {
	return hwcodec.CodecConfig{
		Codec:       hwcodec.CodecH264,
		Width:       64,
		Height:      48,
		PixelFormat: hwcodec.PixelFormatNV12,
		RateControl: hwcodec.RateControlConstantBitrate(8 * 30 * 1000),
		FrameRate:   hwcodec.Rational{Num: 30, Den: 1},
		GOPLength:   gop,
		MaxBFrames:  maxB,
	}
}

func openDevice(t *testing.T, cfg Config) (*Driver, *Device) {
	ctx := context.Background()
	drv := New(cfg)
	require.NoError(t, drv.Init(ctx))
	dev, err := drv.Open(ctx, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = dev.Close(ctx)
		_ = drv.Deinit(ctx)
	})
	return drv, dev.(*Device)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	old := DefaultDeviceConfig()
	old.DriverVersion = MinDriverVersion - 1
	unavailable := DefaultDeviceConfig()
	unavailable.Unavailable = true
	drv := New(Config{Devices: []DeviceConfig{DefaultDeviceConfig(), old, unavailable}})

	_, err := drv.Open(ctx, 0)
	require.ErrorIs(t, err, hwcodec.ErrInvalidState)

	require.NoError(t, drv.Init(ctx))
	defer drv.Deinit(ctx)

	infos, err := drv.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	require.False(t, infos[2].Available)

	_, err = drv.Open(ctx, 1)
	require.ErrorIs(t, err, hwcodec.ErrUnsupportedDriver)
	_, err = drv.Open(ctx, 2)
	require.ErrorIs(t, err, hwcodec.ErrDeviceUnavailable)
	_, err = drv.Open(ctx, 3)
	require.ErrorIs(t, err, hwcodec.ErrDeviceUnavailable)

	dev, err := drv.Open(ctx, 0)
	require.NoError(t, err)
	_, err = drv.Open(ctx, 0)
	require.ErrorIs(t, err, hwcodec.ErrDeviceUnavailable)
	require.NoError(t, dev.Close(ctx))
}

func TestCurrentDiscipline(t *testing.T) {
	ctx := context.Background()
	_, dev := openDevice(t, Config{Devices: []DeviceConfig{DefaultDeviceConfig()}, Synchronous: true})

	layout := driver.Layout{Location: driver.LocationDevice, Format: hwcodec.PixelFormatNV12, Width: 64, Height: 48}
	_, err := dev.Allocate(ctx, layout)
	require.ErrorIs(t, err, hwcodec.ErrInvalidState)
	require.ErrorIs(t, dev.PopCurrent(), hwcodec.ErrInvalidState)

	require.NoError(t, dev.PushCurrent())
	mem, err := dev.Allocate(ctx, layout)
	require.NoError(t, err)
	require.Equal(t, uint32(256), mem.Pitch())
	require.NoError(t, mem.Free(ctx))
	require.NoError(t, dev.PopCurrent())
}

func TestMemoryBudget(t *testing.T) {
	ctx := context.Background()
	devCfg := DefaultDeviceConfig()
	devCfg.MemoryBudget = 256 * 48 * 3 / 2 * 2
	_, dev := openDevice(t, Config{Devices: []DeviceConfig{devCfg}, Synchronous: true})
	require.NoError(t, dev.PushCurrent())
	defer dev.PopCurrent()

	layout := driver.Layout{Location: driver.LocationDevice, Format: hwcodec.PixelFormatNV12, Width: 64, Height: 48}
	m0, err := dev.Allocate(ctx, layout)
	require.NoError(t, err)
	m1, err := dev.Allocate(ctx, layout)
	require.NoError(t, err)
	_, err = dev.Allocate(ctx, layout)
	require.ErrorIs(t, err, hwcodec.ErrOutOfDeviceMemory)

	host, err := dev.Allocate(ctx, driver.Layout{Location: driver.LocationHost, Format: hwcodec.PixelFormatNV12, Width: 64, Height: 48})
	require.NoError(t, err)
	require.NoError(t, host.Free(ctx))

	require.NoError(t, m0.Free(ctx))
	require.ErrorIs(t, m0.Free(ctx), hwcodec.ErrInvalidState)
	_, err = dev.Allocate(ctx, layout)
	require.NoError(t, err)

	used, count := dev.MemoryUsed(ctx)
	require.Equal(t, 2, count)
	require.Equal(t, devCfg.MemoryBudget, used)
	require.NoError(t, m1.Free(ctx))
}

func TestMemoryUploadDownload(t *testing.T) {
	ctx := context.Background()
	_, dev := openDevice(t, Config{Devices: []DeviceConfig{DefaultDeviceConfig()}, Synchronous: true})
	require.NoError(t, dev.PushCurrent())
	defer dev.PopCurrent()

	for _, pf := range []hwcodec.PixelFormat{hwcodec.PixelFormatNV12, hwcodec.PixelFormatYUV420P, hwcodec.PixelFormatRGBA} {
		t.Run(pf.String(), func(t *testing.T) {
			layout := driver.Layout{Location: driver.LocationDevice, Format: pf, Width: 20, Height: 10}
			mem, err := dev.Allocate(ctx, layout)
			require.NoError(t, err)
			defer mem.Free(ctx)

			src := make([]byte, driver.PackedSize(layout))
			for i := range src {
				src[i] = byte(i)
			}
			require.NoError(t, mem.Upload(ctx, src))
			dst := make([]byte, len(src))
			require.NoError(t, mem.Download(ctx, dst))
			require.Equal(t, src, dst)

			require.Error(t, mem.Upload(ctx, src[1:]))
		})
	}
}

func upload(t *testing.T, dev *Device, cfg hwcodec.CodecConfig, fill byte) driver.Memory {
	ctx := context.Background()
	layout := driver.Layout{Location: driver.LocationDevice, Format: cfg.PixelFormat, Width: cfg.Width, Height: cfg.Height}
	mem, err := dev.Allocate(ctx, layout)
	require.NoError(t, err)
	src := make([]byte, driver.PackedSize(layout))
	for i := range src {
		src[i] = fill
	}
	require.NoError(t, mem.Upload(ctx, src))
	return mem
}

func pollAll(t *testing.T, enc driver.Encoder) []*driver.Packet {
	var result []*driver.Packet
	for {
		pkt, err := enc.Poll(context.Background())
		require.NoError(t, err)
		if pkt == nil {
			return result
		}
		result = append(result, pkt)
	}
}

func TestEncoderFrameTypes(t *testing.T) {
	ctx := context.Background()
	_, dev := openDevice(t, Config{Devices: []DeviceConfig{DefaultDeviceConfig()}, Synchronous: true})
	require.NoError(t, dev.PushCurrent())
	defer dev.PopCurrent()

	cfg := testConfig(6, 2)
	enc, err := dev.NewEncoder(ctx, cfg)
	require.NoError(t, err)
	defer enc.Close(ctx)

	mem := upload(t, dev, cfg, 7)
	defer mem.Free(ctx)
	for i := 0; i < 8; i++ {
		fence, err := enc.Submit(ctx, driver.EncodeInput{Surface: mem, PTS: int64(i), Tag: uint64(100 + i)})
		require.NoError(t, err)
		require.True(t, driver.Signaled(fence))
		require.NoError(t, fence.Err())
	}
	require.NoError(t, enc.Drain(ctx))

	type coded struct {
		PTS  int64
		Type FrameType
		Refs []int64
	}
	var got []coded
	var eos bool
	for _, pkt := range pollAll(t, enc) {
		if pkt.EndOfStream {
			eos = true
			continue
		}
		h, err := ParseUnitHeader(pkt.Payload)
		require.NoError(t, err)
		require.Equal(t, uint64(100+h.PTS), pkt.Tag)
		require.Equal(t, byte(7), h.Fill)
		require.Equal(t, h.FrameType == FrameTypeI, pkt.Key)
		got = append(got, coded{PTS: h.PTS, Type: h.FrameType, Refs: h.References})
	}
	require.True(t, eos)

	// display: I0 B1 B2 P3 B4 B5 | I6 B7(->P at drain)
	require.Equal(t, []coded{
		{0, FrameTypeI, nil},
		{3, FrameTypeP, []int64{0}},
		{1, FrameTypeB, []int64{0, 3}},
		{2, FrameTypeB, []int64{0, 3}},
		{4, FrameTypeP, []int64{3}},
		{5, FrameTypeP, []int64{4}},
		{6, FrameTypeI, nil},
		{7, FrameTypeP, []int64{6}},
	}, got)
}

func TestEncoderForceKeyAndRateControl(t *testing.T) {
	ctx := context.Background()
	_, dev := openDevice(t, Config{Devices: []DeviceConfig{DefaultDeviceConfig()}, Synchronous: true})
	require.NoError(t, dev.PushCurrent())
	defer dev.PopCurrent()

	cfg := testConfig(30, 0)
	enc, err := dev.NewEncoder(ctx, cfg)
	require.NoError(t, err)
	defer enc.Close(ctx)
	mem := upload(t, dev, cfg, 1)
	defer mem.Free(ctx)

	_, err = enc.Submit(ctx, driver.EncodeInput{Surface: mem, PTS: 0})
	require.NoError(t, err)
	_, err = enc.Submit(ctx, driver.EncodeInput{Surface: mem, PTS: 1})
	require.NoError(t, err)
	require.NoError(t, enc.SetRateControl(ctx, hwcodec.RateControlConstantBitrate(2*8*30*1000), nil))
	_, err = enc.Submit(ctx, driver.EncodeInput{Surface: mem, PTS: 2})
	require.NoError(t, err)
	_, err = enc.Submit(ctx, driver.EncodeInput{Surface: mem, PTS: 3, ForceKey: true})
	require.NoError(t, err)

	pkts := pollAll(t, enc)
	require.Len(t, pkts, 4)
	require.True(t, pkts[0].Key)
	require.False(t, pkts[1].Key)
	require.False(t, pkts[2].Key)
	require.True(t, pkts[3].Key)
	require.Len(t, pkts[1].Payload, 1000)
	require.Len(t, pkts[2].Payload, 2000)
	require.Len(t, pkts[3].Payload, 8000)
}

func TestEncoderSessionLimit(t *testing.T) {
	ctx := context.Background()
	devCfg := DefaultDeviceConfig()
	devCfg.Capabilities = DefaultCapabilities()
	devCfg.Capabilities.MaxEncodeSessions = 1
	_, dev := openDevice(t, Config{Devices: []DeviceConfig{devCfg}, Synchronous: true})
	require.NoError(t, dev.PushCurrent())
	defer dev.PopCurrent()

	enc, err := dev.NewEncoder(ctx, testConfig(30, 0))
	require.NoError(t, err)
	_, err = dev.NewEncoder(ctx, testConfig(30, 0))
	require.ErrorIs(t, err, hwcodec.ErrOutOfDeviceMemory)
	require.NoError(t, enc.Close(ctx))
	enc, err = dev.NewEncoder(ctx, testConfig(30, 0))
	require.NoError(t, err)
	require.NoError(t, enc.Close(ctx))
}

func TestDecoderFillsTarget(t *testing.T) {
	ctx := context.Background()
	_, dev := openDevice(t, Config{Devices: []DeviceConfig{DefaultDeviceConfig()}, Synchronous: true})
	require.NoError(t, dev.PushCurrent())
	defer dev.PopCurrent()

	cfg := testConfig(30, 0)
	dec, err := dev.NewDecoder(ctx, cfg)
	require.NoError(t, err)
	defer dec.Close(ctx)

	unit := BuildUnit(UnitHeader{Codec: hwcodec.CodecH264, FrameType: FrameTypeI, Fill: 0x5a, PTS: 10, Width: 64, Height: 48})
	info, err := dec.Parse(ctx, unit)
	require.NoError(t, err)
	require.Equal(t, hwcodec.UnitTypeKey, info.Type)
	require.True(t, info.Reference)

	_, err = dec.Parse(ctx, BuildUnit(UnitHeader{Codec: hwcodec.CodecHEVC, FrameType: FrameTypeI}))
	require.ErrorIs(t, err, hwcodec.ErrMalformedUnit)

	target := upload(t, dev, cfg, 0)
	defer target.Free(ctx)
	fence, err := dec.Submit(ctx, driver.DecodeInput{Payload: unit, Info: info, Target: target, Tag: 5})
	require.NoError(t, err)
	require.NoError(t, driver.Wait(ctx, fence))

	pic, err := dec.Poll(ctx)
	require.NoError(t, err)
	require.Equal(t, &driver.Picture{Tag: 5, PTS: 10}, pic)

	dst := make([]byte, driver.PackedSize(target.Layout()))
	require.NoError(t, target.Download(ctx, dst))
	for _, b := range dst {
		require.Equal(t, byte(0x5a), b)
	}

	missingRef := BuildUnit(UnitHeader{Codec: hwcodec.CodecH264, FrameType: FrameTypeP, PTS: 11, Width: 64, Height: 48, References: []int64{10}})
	info, err = dec.Parse(ctx, missingRef)
	require.NoError(t, err)
	fence, err = dec.Submit(ctx, driver.DecodeInput{Payload: missingRef, Info: info, Target: target})
	require.NoError(t, err)
	require.ErrorIs(t, driver.Wait(ctx, fence), hwcodec.ErrHardwareError)
	_, err = dec.Poll(ctx)
	require.ErrorIs(t, err, hwcodec.ErrHardwareError)
}

func TestDeviceLoss(t *testing.T) {
	ctx := context.Background()
	devCfg := DefaultDeviceConfig()
	devCfg.Latency = time.Hour
	_, dev := openDevice(t, Config{Devices: []DeviceConfig{devCfg}})
	require.NoError(t, dev.PushCurrent())

	cfg := testConfig(30, 0)
	enc, err := dev.NewEncoder(ctx, cfg)
	require.NoError(t, err)
	mem := upload(t, dev, cfg, 1)

	// the first item sleeps in the stream, the second one stays queued
	_, err = enc.Submit(ctx, driver.EncodeInput{Surface: mem, PTS: 0})
	require.NoError(t, err)
	fence, err := enc.Submit(ctx, driver.EncodeInput{Surface: mem, PTS: 1})
	require.NoError(t, err)

	dev.InjectDeviceLoss(ctx)
	require.Eventually(t, func() bool { return driver.Signaled(fence) }, time.Second, time.Millisecond)
	require.ErrorIs(t, fence.Err(), hwcodec.ErrDeviceLost)
	_, err = enc.Poll(ctx)
	require.ErrorIs(t, err, hwcodec.ErrDeviceLost)
	require.ErrorIs(t, dev.PushCurrent(), hwcodec.ErrDeviceLost)
	require.ErrorIs(t, dev.Err(), hwcodec.ErrDeviceLost)
	require.NoError(t, dev.PopCurrent())
}

func TestInjectedFault(t *testing.T) {
	ctx := context.Background()
	_, dev := openDevice(t, Config{Devices: []DeviceConfig{DefaultDeviceConfig()}, Synchronous: true})
	require.NoError(t, dev.PushCurrent())
	defer dev.PopCurrent()

	cfg := testConfig(30, 0)
	enc, err := dev.NewEncoder(ctx, cfg)
	require.NoError(t, err)
	defer enc.Close(ctx)
	mem := upload(t, dev, cfg, 1)
	defer mem.Free(ctx)

	dev.InjectFault(ctx)
	fence, err := enc.Submit(ctx, driver.EncodeInput{Surface: mem, PTS: 0})
	require.NoError(t, err)
	require.ErrorIs(t, fence.Err(), hwcodec.ErrHardwareError)
	_, err = enc.Poll(ctx)
	require.ErrorIs(t, err, hwcodec.ErrHardwareError)
	_, err = enc.Submit(ctx, driver.EncodeInput{Surface: mem, PTS: 1})
	require.ErrorIs(t, err, hwcodec.ErrHardwareError)
}

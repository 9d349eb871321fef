//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/xsync"
)

func encoderName(codec hwcodec.Codec) (string, error) {
	switch codec {
	case hwcodec.CodecH264:
		return "h264_nvenc", nil
	case hwcodec.CodecHEVC:
		return "hevc_nvenc", nil
	case hwcodec.CodecAV1:
		return "av1_nvenc", nil
	}
	return "", hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "no NVENC encoder for %s", codec)
}

type encoder struct {
	device       *Device
	cfg          hwcodec.CodecConfig
	codec        *astiav.Codec
	codecContext *astiav.CodecContext
	packet       *astiav.Packet
	closer       astikit.Closer

	locker  xsync.Mutex
	tags    map[int64]uint64
	fences  map[int64]*driver.BasicFence
	ready   []*driver.Packet
	drained bool
	closed  bool
}

var _ driver.Encoder = (*encoder)(nil)

func encoderOptions(cfg hwcodec.CodecConfig) (*astiav.Dictionary, error) {
	options := astiav.NewDictionary()
	set := func(key, value string) error {
		if err := options.Set(key, value, 0); err != nil {
			return fmt.Errorf("unable to set option '%s' to '%s': %w", key, value, err)
		}
		return nil
	}
	values := [][2]string{
		{"forced-idr", "1"},
		{"zerolatency", "1"},
	}
	if cfg.Preset != hwcodec.PresetUndefined {
		values = append(values, [2]string{"preset", cfg.Preset.String()})
	}
	switch rc := cfg.RateControl.(type) {
	case hwcodec.RateControlConstantBitrate:
		values = append(values, [2]string{"rc", "cbr"})
	case hwcodec.RateControlConstantQuality:
		values = append(values,
			[2]string{"rc", "vbr"},
			[2]string{"cq", strconv.Itoa(int(rc))},
		)
	}
	if cfg.QPRange != nil {
		values = append(values,
			[2]string{"qmin", strconv.Itoa(int(cfg.QPRange.Min))},
			[2]string{"qmax", strconv.Itoa(int(cfg.QPRange.Max))},
		)
	}
	for _, opt := range hwcodec.GetDriverOptions(cfg.CustomOptions) {
		values = append(values, [2]string{opt.Key, opt.Value})
	}
	for _, kv := range values {
		if err := set(kv[0], kv[1]); err != nil {
			options.Free()
			return nil, err
		}
	}
	return options, nil
}

func newEncoder(
	ctx context.Context,
	dev *Device,
	cfg hwcodec.CodecConfig,
) (_ret *encoder, _err error) {
	e := &encoder{
		device: dev,
		cfg:    cfg,
		tags:   map[int64]uint64{},
		fences: map[int64]*driver.BasicFence{},
	}
	defer func() {
		if _err != nil {
			_ = e.closer.Close()
		}
	}()

	name, err := encoderName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	e.codec = astiav.FindEncoderByName(name)
	if e.codec == nil {
		return nil, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "libavcodec is built without %s", name)
	}
	e.codecContext = astiav.AllocCodecContext(e.codec)
	if e.codecContext == nil {
		return nil, fmt.Errorf("unable to allocate codec context")
	}
	e.closer.Add(e.codecContext.Free)

	frames, err := dev.framesContext(ctx, cfg.PixelFormat, cfg.Width, cfg.Height)
	if err != nil {
		return nil, err
	}
	e.codecContext.SetHardwareFramesContext(frames)
	e.codecContext.SetPixelFormat(astiav.PixelFormatCuda)
	e.codecContext.SetWidth(int(cfg.Width))
	e.codecContext.SetHeight(int(cfg.Height))
	e.codecContext.SetFramerate(astiav.NewRational(int(cfg.FrameRate.Num), int(cfg.FrameRate.Den)))
	e.codecContext.SetTimeBase(astiav.NewRational(int(cfg.FrameRate.Den), int(cfg.FrameRate.Num)))
	e.codecContext.SetGopSize(int(cfg.GOPLength))
	e.codecContext.SetMaxBFrames(int(cfg.MaxBFrames))
	if bitrate, ok := cfg.RateControl.(hwcodec.RateControlConstantBitrate); ok {
		e.codecContext.SetBitRate(int64(bitrate))
	}

	options, err := encoderOptions(cfg)
	if err != nil {
		return nil, err
	}
	defer options.Free()
	if err := e.codecContext.Open(e.codec, options); err != nil {
		return nil, hwcodec.WrapError(hwcodec.ErrorCodeUnsupportedConfig, fmt.Errorf("unable to open %s: %w", name, err))
	}

	e.packet = astiav.AllocPacket()
	e.closer.Add(e.packet.Free)
	logger.Debugf(ctx, "opened %s for %s", name, cfg)
	return e, nil
}

func (e *encoder) Submit(
	ctx context.Context,
	in driver.EncodeInput,
) (_ret driver.Fence, _err error) {
	logger.Tracef(ctx, "Submit(%d)", in.PTS)
	defer func() { logger.Tracef(ctx, "/Submit(%d): %v", in.PTS, _err) }()
	surface, ok := in.Surface.(*memory)
	if !ok {
		return nil, fmt.Errorf("the surface of type %T is not allocated by this driver", in.Surface)
	}
	return xsync.DoR2(ctx, &e.locker, func() (driver.Fence, error) {
		if e.closed || e.drained {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the encoder does not accept frames")
		}
		if _, ok := e.fences[in.PTS]; ok {
			return nil, fmt.Errorf("a frame with PTS %d is already queued", in.PTS)
		}

		f := astiav.AllocFrame()
		defer f.Free()
		if surface.isDevice() {
			if err := f.Ref(surface.frame); err != nil {
				return nil, fmt.Errorf("unable to reference the surface: %w", err)
			}
		} else {
			staging, err := e.device.allocateDevice(ctx, surface.layout)
			if err != nil {
				return nil, err
			}
			defer staging.frame.Free()
			if err := surface.frame.TransferHardwareData(staging.frame); err != nil {
				return nil, e.device.hardwareError(ctx, fmt.Errorf("unable to upload the frame %d: %w", in.PTS, err))
			}
			if err := f.Ref(staging.frame); err != nil {
				return nil, fmt.Errorf("unable to reference the staging surface: %w", err)
			}
		}
		f.SetPts(in.PTS)
		if in.ForceKey {
			f.SetFlags(f.Flags().Add(astiav.FrameFlagKey))
			f.SetPictureType(astiav.PictureTypeI)
		}

		err := e.codecContext.SendFrame(f)
		if errors.Is(err, astiav.ErrEagain) {
			if err := e.receiveLocked(ctx); err != nil {
				return nil, err
			}
			err = e.codecContext.SendFrame(f)
		}
		if err != nil {
			return nil, e.device.hardwareError(ctx, fmt.Errorf("unable to send the frame %d: %w", in.PTS, err))
		}

		// NVENC keeps the surface mapped until the frame is coded
		fence := driver.NewFence()
		e.fences[in.PTS] = fence
		e.tags[in.PTS] = in.Tag
		return fence, nil
	})
}

// receiveLocked moves every packet libavcodec has ready to e.ready.
func (e *encoder) receiveLocked(ctx context.Context) error {
	for !e.drained {
		err := e.codecContext.ReceivePacket(e.packet)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEagain):
			return nil
		case errors.Is(err, astiav.ErrEof):
			e.drained = true
			for pts, fence := range e.fences {
				fence.Signal(nil)
				delete(e.fences, pts)
			}
			e.ready = append(e.ready, &driver.Packet{EndOfStream: true})
			return nil
		default:
			return e.device.hardwareError(ctx, fmt.Errorf("unable to receive a packet: %w", err))
		}

		pts := e.packet.Pts()
		tag, ok := e.tags[pts]
		if !ok {
			e.packet.Unref()
			return fmt.Errorf("the encoder returned a packet with unknown PTS %d", pts)
		}
		delete(e.tags, pts)
		if fence := e.fences[pts]; fence != nil {
			fence.Signal(nil)
			delete(e.fences, pts)
		}
		e.ready = append(e.ready, &driver.Packet{
			Payload: append([]byte(nil), e.packet.Data()...),
			PTS:     pts,
			Tag:     tag,
			Key:     e.packet.Flags().Has(astiav.PacketFlagKey),
		})
		e.packet.Unref()
	}
	return nil
}

func (e *encoder) Poll(ctx context.Context) (*driver.Packet, error) {
	return xsync.DoR2(ctx, &e.locker, func() (*driver.Packet, error) {
		if e.closed {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the encoder is closed")
		}
		if err := e.receiveLocked(ctx); err != nil {
			return nil, err
		}
		if len(e.ready) == 0 {
			return nil, nil
		}
		pkt := e.ready[0]
		e.ready = e.ready[1:]
		return pkt, nil
	})
}

func (e *encoder) Drain(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Drain")
	defer func() { logger.Tracef(ctx, "/Drain: %v", _err) }()
	return xsync.DoR1(ctx, &e.locker, func() error {
		if e.closed {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the encoder is closed")
		}
		if err := e.codecContext.SendFrame(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return e.device.hardwareError(ctx, fmt.Errorf("unable to start draining: %w", err))
		}
		return nil
	})
}

// SetRateControl reconfigures NVENC in place; switching between the
// rate control modes requires a new session.
func (e *encoder) SetRateControl(
	ctx context.Context,
	rc hwcodec.RateControl,
	qp *hwcodec.QPRange,
) (_err error) {
	logger.Tracef(ctx, "SetRateControl(%v, %v)", rc, qp)
	defer func() { logger.Tracef(ctx, "/SetRateControl(%v, %v): %v", rc, qp, _err) }()
	return xsync.DoR1(ctx, &e.locker, func() error {
		if !sameQPRange(qp, e.cfg.QPRange) {
			return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "NVENC cannot change the QP range of a running session")
		}
		switch rc := rc.(type) {
		case hwcodec.RateControlConstantBitrate:
			if _, ok := e.cfg.RateControl.(hwcodec.RateControlConstantBitrate); !ok {
				return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "unable to switch a running session to constant bitrate")
			}
			e.codecContext.SetBitRate(int64(rc))
		case hwcodec.RateControlConstantQuality:
			if _, ok := e.cfg.RateControl.(hwcodec.RateControlConstantQuality); !ok {
				return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "unable to switch a running session to constant quality")
			}
			if err := e.codecContext.PrivateData().Options().Set("cq", strconv.Itoa(int(rc)), 0); err != nil {
				return hwcodec.WrapError(hwcodec.ErrorCodeUnsupportedConfig, fmt.Errorf("unable to set the quality: %w", err))
			}
		default:
			return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "unexpected rate control %T", rc)
		}
		e.cfg.RateControl = rc
		return nil
	})
}

func sameQPRange(a, b *hwcodec.QPRange) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (e *encoder) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close")
	defer func() { logger.Tracef(ctx, "/Close: %v", _err) }()
	return xsync.DoR1(ctx, &e.locker, func() error {
		if e.closed {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the encoder is already closed")
		}
		e.closed = true
		for pts, fence := range e.fences {
			fence.Signal(hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the encoder is closed"))
			delete(e.fences, pts)
		}
		e.device.encoders.Add(-1)
		return e.closer.Close()
	})
}

package emulated

import (
	"context"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/xsync"
)

type encoderFrame struct {
	PTS      int64
	Tag      uint64
	Fill     byte
	ForceKey bool
}

type encoder struct {
	device *Device
	cfg    hwcodec.CodecConfig

	locker      xsync.Mutex
	rateControl hwcodec.RateControl
	qpRange     *hwcodec.QPRange
	index       uint64
	gopStart    uint64
	lastAnchor  int64
	held        []encoderFrame
	output      []*driver.Packet
	fault       error
	draining    bool
	closed      bool
}

var _ driver.Encoder = (*encoder)(nil)

func newEncoder(dev *Device, cfg hwcodec.CodecConfig) *encoder {
	return &encoder{
		device:      dev,
		cfg:         cfg,
		rateControl: cfg.RateControl,
		qpRange:     cfg.QPRange,
	}
}

func (e *encoder) checkLocked() error {
	if e.closed {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the encoder is closed")
	}
	if e.fault != nil {
		return e.fault
	}
	return e.device.checkCurrent()
}

// executableLocked is checked by the work items: a faulted or closed
// encoder does not process the work queued before.
func (e *encoder) executableLocked() error {
	if e.closed {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the encoder is closed")
	}
	return e.fault
}

func (e *encoder) setFault(ctx context.Context, err error) {
	e.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		if e.fault == nil {
			e.fault = hwcodec.WrapError(hwcodec.ErrorCodeHardwareError, err)
		}
	})
}

func (e *encoder) Submit(
	ctx context.Context,
	in driver.EncodeInput,
) (_ret driver.Fence, _err error) {
	logger.Tracef(ctx, "Submit(pts:%d, tag:%d)", in.PTS, in.Tag)
	defer func() { logger.Tracef(ctx, "/Submit(pts:%d, tag:%d): %v", in.PTS, in.Tag, _err) }()
	surface, err := asMemory(in.Surface)
	if err != nil {
		return nil, err
	}
	if l := surface.Layout(); l.Width != e.cfg.Width || l.Height != e.cfg.Height || l.Format != e.cfg.PixelFormat {
		return nil, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "the surface %s does not match the encoder config %s", l, e.cfg)
	}
	err = xsync.DoR1(ctx, &e.locker, func() error {
		if err := e.checkLocked(); err != nil {
			return err
		}
		if e.draining {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the encoder is draining")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e.device.stream.Enqueue(ctx, func() error {
		frame := encoderFrame{
			PTS:      in.PTS,
			Tag:      in.Tag,
			Fill:     surface.firstByte(),
			ForceKey: in.ForceKey,
		}
		return xsync.DoR1(xsync.WithNoLogging(ctx, true), &e.locker, func() error {
			if err := e.executableLocked(); err != nil {
				return err
			}
			e.encodeLocked(frame)
			return nil
		})
	}, func(err error) {
		e.setFault(ctx, err)
	}), nil
}

func (e *encoder) encodeLocked(f encoderFrame) {
	gop := uint64(e.cfg.GOPLength)
	pos := e.index - e.gopStart
	maxB := uint64(e.cfg.MaxBFrames)
	switch {
	case e.index == 0 || f.ForceKey || pos%gop == 0:
		e.flushHeldLocked()
		e.gopStart = e.index
		e.emitLocked(FrameTypeI, f, nil)
		e.lastAnchor = f.PTS
	case maxB > 0 && pos%(maxB+1) != 0:
		e.held = append(e.held, f)
	default:
		prevAnchor := e.lastAnchor
		e.emitLocked(FrameTypeP, f, []int64{prevAnchor})
		e.lastAnchor = f.PTS
		for _, b := range e.held {
			e.emitLocked(FrameTypeB, b, []int64{prevAnchor, f.PTS})
		}
		e.held = e.held[:0]
	}
	e.index++
}

// flushHeldLocked codes the frames waiting for a forward anchor as
// P-frames, since a GOP is closed.
func (e *encoder) flushHeldLocked() {
	for _, f := range e.held {
		e.emitLocked(FrameTypeP, f, []int64{e.lastAnchor})
		e.lastAnchor = f.PTS
	}
	e.held = e.held[:0]
}

func (e *encoder) emitLocked(t FrameType, f encoderFrame, refs []int64) {
	h := UnitHeader{
		Codec:      e.cfg.Codec,
		FrameType:  t,
		Fill:       f.Fill,
		PTS:        f.PTS,
		Width:      e.cfg.Width,
		Height:     e.cfg.Height,
		References: refs,
	}
	size := e.payloadSizeLocked(t)
	if hs := uint64(h.Size()); size > hs {
		h.BodySize = uint32(size - hs)
	}
	e.output = append(e.output, &driver.Packet{
		Payload: BuildUnit(h),
		PTS:     f.PTS,
		Tag:     f.Tag,
		Key:     t == FrameTypeI,
	})
}

// payloadSizeLocked is how many bytes a frame is spent according to
// the rate control.
func (e *encoder) payloadSizeLocked(t FrameType) uint64 {
	var size uint64
	switch rc := e.rateControl.(type) {
	case hwcodec.RateControlConstantBitrate:
		size = uint64(rc) * uint64(e.cfg.FrameRate.Den) / 8 / uint64(e.cfg.FrameRate.Num)
	case hwcodec.RateControlConstantQuality:
		q := uint64(rc)
		if e.qpRange != nil {
			q = min(max(q, uint64(e.qpRange.Min)), uint64(e.qpRange.Max))
		}
		size = uint64(e.cfg.Width) * uint64(e.cfg.Height) * (hwcodec.QPMax + 1 - q) / ((hwcodec.QPMax + 1) * 16)
	}
	switch t {
	case FrameTypeI:
		size *= 4
	case FrameTypeB:
		size /= 2
	}
	return size
}

func (e *encoder) Poll(ctx context.Context) (*driver.Packet, error) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &e.locker, func() (*driver.Packet, error) {
		if err := e.checkLocked(); err != nil {
			return nil, err
		}
		if len(e.output) == 0 {
			return nil, nil
		}
		pkt := e.output[0]
		e.output[0] = nil
		e.output = e.output[1:]
		return pkt, nil
	})
}

func (e *encoder) Drain(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Drain")
	defer func() { logger.Tracef(ctx, "/Drain: %v", _err) }()
	err := xsync.DoR1(ctx, &e.locker, func() error {
		if err := e.checkLocked(); err != nil {
			return err
		}
		if e.draining {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the encoder is already draining")
		}
		e.draining = true
		return nil
	})
	if err != nil {
		return err
	}
	e.device.stream.Enqueue(ctx, func() error {
		return xsync.DoR1(xsync.WithNoLogging(ctx, true), &e.locker, func() error {
			if err := e.executableLocked(); err != nil {
				return err
			}
			e.flushHeldLocked()
			e.output = append(e.output, &driver.Packet{EndOfStream: true})
			return nil
		})
	}, func(err error) {
		e.setFault(ctx, err)
	})
	return nil
}

func (e *encoder) SetRateControl(
	ctx context.Context,
	rc hwcodec.RateControl,
	qp *hwcodec.QPRange,
) (_err error) {
	logger.Tracef(ctx, "SetRateControl(%#+v, %v)", rc, qp)
	defer func() { logger.Tracef(ctx, "/SetRateControl(%#+v, %v): %v", rc, qp, _err) }()
	return xsync.DoR1(ctx, &e.locker, func() error {
		if err := e.checkLocked(); err != nil {
			return err
		}
		e.rateControl = rc
		e.qpRange = qp
		return nil
	})
}

func (e *encoder) Close(ctx context.Context) error {
	closed := xsync.DoR1(ctx, &e.locker, func() bool {
		if e.closed {
			return false
		}
		e.closed = true
		e.held = nil
		e.output = nil
		return true
	})
	if !closed {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the encoder is already closed")
	}
	e.device.encoders.Add(-1)
	return nil
}

// Package encoder implements hardware encoder sessions.
//
// A session accepts frame buffers and returns bitstream units in the
// order the frames were submitted, whatever the order the hardware
// codes them in.
package encoder

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/bufferpool"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/internal"
	"github.com/xaionaro-go/xsync"
)

type inFlightFrame struct {
	Tag   uint64
	PTS   int64
	Fence *driver.BasicFence
	Unit  *hwcodec.BitstreamUnit
}

type Session struct {
	device *device.Context
	pool   *bufferpool.Pool
	state  atomic.Uint32
	stats  statistics

	locker       xsync.Mutex
	cfg          hwcodec.CodecConfig
	hw           driver.Encoder
	queueDepth   uint32
	nextTag      uint64
	inFlight     []*inFlightFrame
	keyRequested bool
	endOfStream  bool
	closeErr     error
}

var _ hwcodec.Session = (*Session)(nil)

// New creates an Idle session on the device.
func New(
	ctx context.Context,
	dev *device.Context,
) (_ret *Session, _err error) {
	logger.Tracef(ctx, "New(%s)", dev)
	defer func() { logger.Tracef(ctx, "/New(%s): %v", dev, _err) }()
	s := &Session{
		device: dev,
		pool:   dev.Pool(),
	}
	if err := device.Attach(ctx, dev, s); err != nil {
		return nil, err
	}
	internal.WarnIfLeaked(ctx, s, "an encoder session", func(s *Session) bool {
		return s.State() == hwcodec.StateClosed
	})
	return s, nil
}

func (s *Session) Kind() hwcodec.SessionKind {
	return hwcodec.SessionKindEncoder
}

func (s *Session) State() hwcodec.State {
	return hwcodec.State(s.state.Load())
}

func (s *Session) setStateLocked(ctx context.Context, state hwcodec.State) {
	prev := hwcodec.State(s.state.Swap(uint32(state)))
	logger.Debugf(ctx, "encoder session: %s -> %s", prev, state)
	s.device.Notify(ctx)
}

func (s *Session) Device() *device.Context {
	return s.device
}

func (s *Session) Config() hwcodec.CodecConfig {
	return xsync.DoR1(context.Background(), &s.locker, func() hwcodec.CodecConfig {
		return s.cfg
	})
}

// QueueDepth is the maximum number of frames submitted and not
// retrieved yet.
func (s *Session) QueueDepth() uint32 {
	return xsync.DoR1(context.Background(), &s.locker, func() uint32 {
		return s.queueDepth
	})
}

func (s *Session) Stats() Statistics {
	return s.stats.Convert()
}

func (s *Session) String() string {
	return fmt.Sprintf("encoder(%s)", s.device)
}

// checkLocked verifies the session may be used and is in one of the
// given states.
func (s *Session) checkLocked(ctx context.Context, states ...hwcodec.State) error {
	if s.State() == hwcodec.StateClosed {
		if s.closeErr != nil {
			return s.closeErr
		}
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the session is closed")
	}
	if err := s.device.Err(); err != nil {
		return s.failLocked(ctx, err)
	}
	cur := s.State()
	for _, state := range states {
		if cur == state {
			return nil
		}
	}
	return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the session is %s, expected one of %v", cur, states)
}

// failLocked closes the session after a fatal error and returns the
// error to report to the caller. After a device loss every further
// call reports DeviceLost; after any other fatal error it is
// InvalidState.
func (s *Session) failLocked(ctx context.Context, err error) error {
	lost := s.device.Err()
	if lost != nil && hwcodec.CodeOf(lost) == hwcodec.ErrorCodeDeviceLost {
		err = lost
		s.closeErr = lost
	} else {
		err = hwcodec.WrapError(hwcodec.ErrorCodeHardwareError, err)
		s.closeErr = hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the session is closed after a failure: %v", err)
	}
	logger.Errorf(ctx, "%s failed: %v", s, err)
	s.releaseLocked(ctx, lost != nil)
	return err
}

func (s *Session) releaseLocked(ctx context.Context, deviceLost bool) {
	if s.hw != nil {
		var err error
		if deviceLost {
			err = s.hw.Close(ctx)
		} else {
			err = s.device.Do(ctx, func(driver.Device) error {
				return s.hw.Close(ctx)
			})
		}
		if err != nil {
			logger.Debugf(ctx, "unable to close the hardware encoder: %v", err)
		}
		s.hw = nil
	}
	for _, f := range s.inFlight {
		f.Fence.Signal(hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the session is closed"))
	}
	s.inFlight = nil
	s.setStateLocked(ctx, hwcodec.StateClosed)
}

// isFatal tells the errors that end the session from the errors about
// a particular call.
func isFatal(err error) bool {
	switch hwcodec.CodeOf(err) {
	case hwcodec.ErrorCodeUndefined:
		return true
	}
	return hwcodec.CodeOf(err).Fatal()
}

// Configure validates the config against the device capabilities and
// opens the hardware encoder: Idle -> Configured.
func (s *Session) Configure(
	ctx context.Context,
	cfg hwcodec.CodecConfig,
) (_err error) {
	logger.Tracef(ctx, "Configure(%s)", cfg)
	defer func() { logger.Tracef(ctx, "/Configure(%s): %v", cfg, _err) }()
	return xsync.DoR1(ctx, &s.locker, func() error {
		if err := s.checkLocked(ctx, hwcodec.StateIdle); err != nil {
			return err
		}
		caps := s.device.Capabilities()
		if err := caps.CheckEncode(cfg); err != nil {
			return err
		}
		depth := caps.QueueDepth(cfg.QueueDepth)
		if depth <= cfg.MaxBFrames {
			return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "the queue depth %d must exceed the B-frame depth %d", depth, cfg.MaxBFrames)
		}
		var hw driver.Encoder
		err := s.device.Do(ctx, func(dev driver.Device) error {
			var err error
			hw, err = dev.NewEncoder(ctx, cfg)
			return err
		})
		if err != nil {
			if hwcodec.CodeOf(err) == hwcodec.ErrorCodeDeviceLost {
				return s.failLocked(ctx, err)
			}
			return fmt.Errorf("unable to initialize the hardware encoder: %w", err)
		}
		s.cfg = cfg
		s.hw = hw
		s.queueDepth = depth
		s.setStateLocked(ctx, hwcodec.StateConfigured)
		return nil
	})
}

// Start makes the session accept frames: Configured -> Running.
func (s *Session) Start(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Start")
	defer func() { logger.Tracef(ctx, "/Start: %v", _err) }()
	return xsync.DoR1(ctx, &s.locker, func() error {
		if err := s.checkLocked(ctx, hwcodec.StateConfigured); err != nil {
			return err
		}
		s.setStateLocked(ctx, hwcodec.StateRunning)
		return nil
	})
}

// SubmitFrame queues the buffer for encoding. The buffer stays busy
// (it cannot be released or submitted again) until the hardware has
// read it. ErrQueueFull is returned, with no side effects, when the
// queue depth is reached.
func (s *Session) SubmitFrame(
	ctx context.Context,
	buf *bufferpool.FrameBuffer,
	pts int64,
) (_err error) {
	logger.Tracef(ctx, "SubmitFrame(%s, %d)", buf, pts)
	defer func() { logger.Tracef(ctx, "/SubmitFrame(%s, %d): %v", buf, pts, _err) }()
	return xsync.DoR1(ctx, &s.locker, func() error {
		return s.submitFrameLocked(ctx, buf, pts)
	})
}

func (s *Session) submitFrameLocked(
	ctx context.Context,
	buf *bufferpool.FrameBuffer,
	pts int64,
) error {
	if err := s.checkLocked(ctx, hwcodec.StateRunning); err != nil {
		return err
	}
	if uint32(len(s.inFlight)) >= s.queueDepth {
		s.stats.QueueFullRejections.Add(1)
		return hwcodec.NewError(hwcodec.ErrorCodeQueueFull, "%d frames are in flight", len(s.inFlight))
	}
	if l := buf.Layout(); l.Width != s.cfg.Width || l.Height != s.cfg.Height || l.Format != s.cfg.PixelFormat {
		return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "the buffer %s does not match the session config %s", l, s.cfg)
	}

	fence := driver.NewFence()
	if err := s.pool.Lend(ctx, buf, fence); err != nil {
		return err
	}

	tag := s.nextTag
	in := driver.EncodeInput{
		Surface:  buf.Memory(),
		PTS:      pts,
		Tag:      tag,
		ForceKey: s.keyRequested,
	}
	var hwFence driver.Fence
	err := s.device.Do(ctx, func(driver.Device) error {
		var err error
		hwFence, err = s.hw.Submit(ctx, in)
		return err
	})
	if err != nil {
		fence.Signal(err)
		if isFatal(err) {
			return s.failLocked(ctx, err)
		}
		return err
	}
	driver.Forward(ctx, hwFence, fence)

	s.nextTag++
	s.keyRequested = false
	s.inFlight = append(s.inFlight, &inFlightFrame{
		Tag:   tag,
		PTS:   pts,
		Fence: fence,
	})
	s.stats.FramesSubmitted.Add(1)
	return nil
}

// RetrievePacket returns the next unit in submission order; it never
// blocks: (nil, nil) means nothing is ready yet. A draining session
// returns hwcodec.ErrDrained (io.EOF) after its last unit and becomes
// Closed.
func (s *Session) RetrievePacket(
	ctx context.Context,
) (_ret *hwcodec.BitstreamUnit, _err error) {
	logger.Tracef(ctx, "RetrievePacket")
	defer func() { logger.Tracef(ctx, "/RetrievePacket: %v %v", _ret, _err) }()
	return xsync.DoR2(ctx, &s.locker, func() (*hwcodec.BitstreamUnit, error) {
		return s.retrievePacketLocked(ctx)
	})
}

func (s *Session) retrievePacketLocked(
	ctx context.Context,
) (*hwcodec.BitstreamUnit, error) {
	if err := s.checkLocked(ctx, hwcodec.StateRunning, hwcodec.StateDraining); err != nil {
		return nil, err
	}
	for _, f := range s.inFlight {
		if driver.Signaled(f.Fence) && f.Fence.Err() != nil {
			return nil, s.failLocked(ctx, fmt.Errorf("frame %d failed: %w", f.PTS, f.Fence.Err()))
		}
	}
	if err := s.pollLocked(ctx); err != nil {
		return nil, s.failLocked(ctx, err)
	}

	if len(s.inFlight) > 0 && s.inFlight[0].Unit != nil {
		f := s.inFlight[0]
		s.inFlight[0] = nil
		s.inFlight = s.inFlight[1:]
		s.stats.PacketsRetrieved.Add(1)
		s.stats.BytesOut.Add(uint64(len(f.Unit.Payload)))
		if f.Unit.IsKey() {
			s.stats.KeyPackets.Add(1)
		}
		return f.Unit, nil
	}

	if s.State() == hwcodec.StateDraining && s.endOfStream && len(s.inFlight) == 0 {
		logger.Debugf(ctx, "%s is drained", s)
		s.releaseLocked(ctx, false)
		return nil, io.EOF
	}
	return nil, nil
}

// pollLocked moves every packet the hardware has ready to its frame.
func (s *Session) pollLocked(ctx context.Context) error {
	return s.device.Do(ctx, func(driver.Device) error {
		for {
			pkt, err := s.hw.Poll(ctx)
			if err != nil {
				return err
			}
			if pkt == nil {
				return nil
			}
			if pkt.EndOfStream {
				s.endOfStream = true
				continue
			}
			f := s.findLocked(pkt.Tag)
			if f == nil {
				return fmt.Errorf("the hardware returned a packet with unknown tag %d (pts %d)", pkt.Tag, pkt.PTS)
			}
			if f.Unit != nil {
				return fmt.Errorf("the hardware returned two packets for the frame %d", f.PTS)
			}
			unitType := hwcodec.UnitTypeDelta
			if pkt.Key {
				unitType = hwcodec.UnitTypeKey
			}
			f.Unit = &hwcodec.BitstreamUnit{
				Payload:  pkt.Payload,
				PTS:      f.PTS,
				Type:     unitType,
				Complete: true,
			}
		}
	})
}

func (s *Session) findLocked(tag uint64) *inFlightFrame {
	if len(s.inFlight) == 0 {
		return nil
	}
	// tags are consecutive in s.inFlight
	idx := tag - s.inFlight[0].Tag
	if tag < s.inFlight[0].Tag || idx >= uint64(len(s.inFlight)) {
		return nil
	}
	return s.inFlight[idx]
}

// Flush stops accepting frames: Running -> Draining. The remaining
// units are still to be retrieved.
func (s *Session) Flush(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Flush")
	defer func() { logger.Tracef(ctx, "/Flush: %v", _err) }()
	return xsync.DoR1(ctx, &s.locker, func() error {
		if err := s.checkLocked(ctx, hwcodec.StateRunning); err != nil {
			return err
		}
		err := s.device.Do(ctx, func(driver.Device) error {
			return s.hw.Drain(ctx)
		})
		if err != nil {
			return s.failLocked(ctx, err)
		}
		s.setStateLocked(ctx, hwcodec.StateDraining)
		return nil
	})
}

// RequestKeyFrame makes the next submitted frame a key unit.
func (s *Session) RequestKeyFrame(ctx context.Context) error {
	return xsync.DoR1(ctx, &s.locker, func() error {
		if err := s.checkLocked(ctx, hwcodec.StateConfigured, hwcodec.StateRunning); err != nil {
			return err
		}
		s.keyRequested = true
		return nil
	})
}

// SetRateControl changes the bitrate or the quality on the fly.
func (s *Session) SetRateControl(
	ctx context.Context,
	rc hwcodec.RateControl,
	qp *hwcodec.QPRange,
) (_err error) {
	logger.Tracef(ctx, "SetRateControl(%#+v, %v)", rc, qp)
	defer func() { logger.Tracef(ctx, "/SetRateControl(%#+v, %v): %v", rc, qp, _err) }()
	return xsync.DoR1(ctx, &s.locker, func() error {
		if err := s.checkLocked(ctx, hwcodec.StateConfigured, hwcodec.StateRunning); err != nil {
			return err
		}
		cfg := s.cfg
		cfg.RateControl = rc
		cfg.QPRange = qp
		if err := s.device.Capabilities().CheckEncode(cfg); err != nil {
			return err
		}
		err := s.device.Do(ctx, func(driver.Device) error {
			return s.hw.SetRateControl(ctx, rc, qp)
		})
		if err != nil {
			if isFatal(err) {
				return s.failLocked(ctx, err)
			}
			return err
		}
		s.cfg = cfg
		return nil
	})
}

// CloseCtx closes a session that has nothing in flight (Idle or
// Configured). A Running session has to be flushed and drained.
func (s *Session) CloseCtx(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close")
	defer func() { logger.Tracef(ctx, "/Close: %v", _err) }()
	return xsync.DoR1(ctx, &s.locker, func() error {
		switch s.State() {
		case hwcodec.StateClosed:
			return nil
		case hwcodec.StateIdle, hwcodec.StateConfigured:
			s.releaseLocked(ctx, s.device.Err() != nil)
			return nil
		}
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "unable to close a %s session, flush and drain it first", s.State())
	})
}

func (s *Session) Close() error {
	return s.CloseCtx(context.TODO())
}

// Package decoder implements hardware decoder sessions.
//
// A session accepts bitstream units in decode order (possibly split
// into several partial units) and returns decoded frames in
// presentation order. It resolves the reference dependencies of the
// units itself: a unit is handed to the hardware only once every
// picture it predicts from is decoded or being decoded.
package decoder

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync/atomic"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/bufferpool"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/internal"
	"github.com/xaionaro-go/xsync"
)

// unit is a complete unit accepted by the session. Fence is nil until
// the unit is dispatched to the hardware.
type unit struct {
	Tag     uint64
	Payload []byte
	Info    driver.UnitInfo
	Target  *bufferpool.FrameBuffer
	Fence   driver.Fence
}

type Session struct {
	device *device.Context
	pool   *bufferpool.Pool
	state  atomic.Uint32
	stats  statistics

	locker     xsync.Mutex
	cfg        hwcodec.CodecConfig
	hw         driver.Decoder
	queueDepth uint32
	maxRefs    uint32
	partial    []byte
	nextTag    uint64
	sawKey     bool
	lastKeyPTS int64

	// pending units wait for their references, inFlight ones are
	// dispatched, decoded ones wait to be emitted in PTS order.
	pending  []*unit
	inFlight []*unit
	decoded  reorderQueue

	// refs is the reference picture set: PTS -> the picture units may
	// predict from. Each entry is a lease of its own, shared with the
	// frame handed out by RetrieveFrame.
	refs map[int64]*bufferpool.FrameBuffer

	endOfStream bool
	closeErr    error
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
		refs:   map[int64]*bufferpool.FrameBuffer{},
	}
	if err := device.Attach(ctx, dev, s); err != nil {
		return nil, err
	}
	internal.WarnIfLeaked(ctx, s, "a decoder session", func(s *Session) bool {
		return s.State() == hwcodec.StateClosed
	})
	return s, nil
}

func (s *Session) Kind() hwcodec.SessionKind {
	return hwcodec.SessionKindDecoder
}

func (s *Session) State() hwcodec.State {
	return hwcodec.State(s.state.Load())
}

func (s *Session) setStateLocked(ctx context.Context, state hwcodec.State) {
	prev := hwcodec.State(s.state.Swap(uint32(state)))
	logger.Debugf(ctx, "decoder session: %s -> %s", prev, state)
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

// QueueDepth is the maximum number of complete units submitted and
// not retrieved as frames yet.
func (s *Session) QueueDepth() uint32 {
	return xsync.DoR1(context.Background(), &s.locker, func() uint32 {
		return s.queueDepth
	})
}

func (s *Session) Stats() Statistics {
	return s.stats.Convert()
}

func (s *Session) String() string {
	return fmt.Sprintf("decoder(%s)", s.device)
}

// outputLayout is the layout of the returned frames: the coded one,
// or the one of the output converter.
func (s *Session) outputLayout() driver.Layout {
	format, width, height := s.cfg.DecodedFormat()
	return driver.Layout{
		Location: driver.LocationDevice,
		Format:   format,
		Width:    width,
		Height:   height,
	}
}

func (s *Session) occupancyLocked() int {
	return len(s.pending) + len(s.inFlight) + len(s.decoded)
}

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

// failLocked closes the session after a fatal error, see
// encoder.Session for the reporting rules.
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

// releaseLocked closes the hardware decoder and returns every buffer
// the session holds to the pool.
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
			logger.Debugf(ctx, "unable to close the hardware decoder: %v", err)
		}
		s.hw = nil
	}

	var bufs []*bufferpool.FrameBuffer
	for _, u := range s.pending {
		bufs = append(bufs, u.Target)
	}
	for _, u := range s.inFlight {
		bufs = append(bufs, u.Target)
	}
	for _, f := range s.decoded {
		bufs = append(bufs, f.Buffer)
	}
	for _, pts := range slices.Sorted(maps.Keys(s.refs)) {
		bufs = append(bufs, s.refs[pts])
	}
	s.pending, s.inFlight, s.decoded = nil, nil, nil
	s.refs = map[int64]*bufferpool.FrameBuffer{}
	s.partial = nil

	for _, buf := range bufs {
		err := s.pool.Release(ctx, buf)
		if errors.Is(err, hwcodec.ErrBufferBusy) {
			// the hardware may still be writing it, the closed decoder
			// fails the rest of the queue soon
			if err := s.pool.Wait(ctx, buf); err != nil {
				logger.Debugf(ctx, "waiting for %s: %v", buf, err)
			}
			err = s.pool.Release(ctx, buf)
		}
		if err != nil {
			logger.Warnf(ctx, "unable to release %s: %v", buf, err)
		}
	}
	s.setStateLocked(ctx, hwcodec.StateClosed)
}

func isFatal(err error) bool {
	switch hwcodec.CodeOf(err) {
	case hwcodec.ErrorCodeUndefined:
		return true
	}
	return hwcodec.CodeOf(err).Fatal()
}

// Configure validates the config against the device capabilities and
// opens the hardware decoder: Idle -> Configured. Width and Height are
// the maximal picture size of the stream; MaxBFrames is its reorder
// depth.
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
		if err := caps.CheckDecode(cfg); err != nil {
			return err
		}
		codecCaps, _ := caps.Codec(cfg.Codec)
		depth := caps.QueueDepth(cfg.QueueDepth)
		if depth <= cfg.MaxBFrames {
			return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "the queue depth %d must exceed the reorder depth %d", depth, cfg.MaxBFrames)
		}
		var hw driver.Decoder
		err := s.device.Do(ctx, func(dev driver.Device) error {
			var err error
			hw, err = dev.NewDecoder(ctx, cfg)
			return err
		})
		if err != nil {
			if hwcodec.CodeOf(err) == hwcodec.ErrorCodeDeviceLost {
				return s.failLocked(ctx, err)
			}
			return fmt.Errorf("unable to initialize the hardware decoder: %w", err)
		}
		s.cfg = cfg
		s.hw = hw
		s.queueDepth = depth
		s.maxRefs = codecCaps.MaxReferenceCount
		s.setStateLocked(ctx, hwcodec.StateConfigured)
		return nil
	})
}

// Start makes the session accept units: Configured -> Running.
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

// maxPartialSize limits the accumulated size of an unfinished unit.
func (s *Session) maxPartialSize() int {
	return int(s.cfg.PixelFormat.PlaneSize(s.cfg.Width*s.cfg.PixelFormat.BytesPerSample(), s.cfg.Height)) + 1<<20
}

// SubmitUnit accepts a bitstream unit. A unit with Complete unset is a
// fragment: it is accumulated until a complete one arrives. A rejected
// unit (ErrQueueFull, ErrMalformedUnit, ErrOutOfDeviceMemory) changes
// nothing except that a malformed unit also discards the accumulated
// fragments it was joined with.
func (s *Session) SubmitUnit(
	ctx context.Context,
	in hwcodec.BitstreamUnit,
) (_err error) {
	logger.Tracef(ctx, "SubmitUnit(%s)", &in)
	defer func() { logger.Tracef(ctx, "/SubmitUnit(%s): %v", &in, _err) }()
	return xsync.DoR1(ctx, &s.locker, func() error {
		return s.submitUnitLocked(ctx, in)
	})
}

func (s *Session) submitUnitLocked(
	ctx context.Context,
	in hwcodec.BitstreamUnit,
) error {
	if err := s.checkLocked(ctx, hwcodec.StateRunning); err != nil {
		return err
	}

	if !in.Complete {
		if len(s.partial)+len(in.Payload) > s.maxPartialSize() {
			s.partial = nil
			s.stats.MalformedRejections.Add(1)
			return hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "the partial unit exceeds %d bytes", s.maxPartialSize())
		}
		s.partial = append(s.partial, in.Payload...)
		s.stats.FragmentsSubmitted.Add(1)
		s.stats.BytesIn.Add(uint64(len(in.Payload)))
		return nil
	}

	if s.occupancyLocked() >= int(s.queueDepth) {
		s.stats.QueueFullRejections.Add(1)
		return hwcodec.NewError(hwcodec.ErrorCodeQueueFull, "%d units are queued", s.occupancyLocked())
	}

	payload := in.Payload
	if len(s.partial) > 0 {
		payload = append(slices.Clip(s.partial), in.Payload...)
	}

	info, err := s.hw.Parse(ctx, payload)
	if err == nil {
		err = s.validateLocked(info)
	}
	if err != nil {
		s.partial = nil
		s.stats.MalformedRejections.Add(1)
		return hwcodec.WrapError(hwcodec.ErrorCodeMalformedUnit, err)
	}

	target, err := s.pool.Acquire(ctx, s.outputLayout())
	if err != nil {
		if isFatal(err) {
			return s.failLocked(ctx, err)
		}
		return err
	}
	s.partial = nil

	if info.Type == hwcodec.UnitTypeKey {
		s.sawKey = true
		s.lastKeyPTS = info.PTS
	}
	s.pending = append(s.pending, &unit{
		Tag:     s.nextTag,
		Payload: payload,
		Info:    info,
		Target:  target,
	})
	s.nextTag++
	s.stats.UnitsSubmitted.Add(1)
	s.stats.BytesIn.Add(uint64(len(in.Payload)))

	if err := s.dispatchLocked(ctx); err != nil {
		return s.failLocked(ctx, err)
	}
	return nil
}

func (s *Session) validateLocked(info driver.UnitInfo) error {
	if info.Width > s.cfg.Width || info.Height > s.cfg.Height {
		return fmt.Errorf("the unit %d is %dx%d, while the session is configured for up to %dx%d", info.PTS, info.Width, info.Height, s.cfg.Width, s.cfg.Height)
	}
	if s.knownLocked(info.PTS) {
		return fmt.Errorf("a unit with PTS %d is already queued", info.PTS)
	}
	switch info.Type {
	case hwcodec.UnitTypeKey:
		if len(info.References) > 0 {
			return fmt.Errorf("the key unit %d has references", info.PTS)
		}
	case hwcodec.UnitTypeDelta:
		if !s.sawKey {
			return fmt.Errorf("the stream starts with the delta unit %d, expected a key unit", info.PTS)
		}
		for _, ref := range info.References {
			if ref < s.lastKeyPTS || ref == info.PTS {
				return fmt.Errorf("the unit %d references %d which is outside of the current group of pictures (started at %d)", info.PTS, ref, s.lastKeyPTS)
			}
		}
	default:
		return fmt.Errorf("unexpected unit type %s", info.Type)
	}
	return nil
}

func (s *Session) knownLocked(pts int64) bool {
	if _, ok := s.refs[pts]; ok {
		return true
	}
	for _, u := range s.pending {
		if u.Info.PTS == pts {
			return true
		}
	}
	for _, u := range s.inFlight {
		if u.Info.PTS == pts {
			return true
		}
	}
	for _, f := range s.decoded {
		if f.PTS == pts {
			return true
		}
	}
	return false
}

// dispatchLocked submits to the hardware every pending unit whose
// references are all in the reference set, in submission order.
func (s *Session) dispatchLocked(ctx context.Context) error {
	for {
		idx := slices.IndexFunc(s.pending, s.resolvedLocked)
		if idx < 0 {
			return nil
		}
		u := s.pending[idx]
		s.pending = slices.Delete(s.pending, idx, idx+1)
		if err := s.submitLocked(ctx, u); err != nil {
			return err
		}
	}
}

func (s *Session) resolvedLocked(u *unit) bool {
	for _, ref := range u.Info.References {
		if _, ok := s.refs[ref]; !ok {
			return false
		}
	}
	return true
}

func (s *Session) submitLocked(ctx context.Context, u *unit) error {
	refs := make([]driver.Memory, 0, len(u.Info.References))
	for _, ref := range u.Info.References {
		refs = append(refs, s.refs[ref].Memory())
	}
	in := driver.DecodeInput{
		Payload:    u.Payload,
		Info:       u.Info,
		Target:     u.Target.Memory(),
		References: refs,
		Tag:        u.Tag,
	}
	// the unit is tracked before the hardware call so that releaseLocked
	// finds its buffer whatever happens
	s.inFlight = append(s.inFlight, u)
	err := s.device.Do(ctx, func(driver.Device) error {
		var err error
		u.Fence, err = s.hw.Submit(ctx, in)
		return err
	})
	if err != nil {
		return fmt.Errorf("unable to submit the unit %d: %w", u.Info.PTS, err)
	}
	if err := s.pool.Lend(ctx, u.Target, u.Fence); err != nil {
		return fmt.Errorf("unable to lend the target of the unit %d: %w", u.Info.PTS, err)
	}
	u.Payload = nil

	if u.Info.Reference {
		ref, err := s.pool.Share(ctx, u.Target)
		if err != nil {
			return fmt.Errorf("unable to keep the reference %d: %w", u.Info.PTS, err)
		}
		s.refs[u.Info.PTS] = ref
		s.trimReferencesLocked(ctx)
	}
	return nil
}

// trimReferencesLocked retires the references of the previous groups of
// pictures and keeps the reference set within the hardware limit.
// References still needed by queued units are kept anyway.
func (s *Session) trimReferencesLocked(ctx context.Context) {
	needed := map[int64]struct{}{}
	for _, queue := range [][]*unit{s.pending, s.inFlight} {
		for _, u := range queue {
			for _, ref := range u.Info.References {
				needed[ref] = struct{}{}
			}
		}
	}

	ptss := slices.Sorted(maps.Keys(s.refs))
	for _, pts := range ptss {
		if pts >= s.lastKeyPTS {
			break
		}
		if _, ok := needed[pts]; ok {
			continue
		}
		s.retireLocked(ctx, pts)
	}

	ptss = slices.Sorted(maps.Keys(s.refs))
	for _, pts := range ptss {
		if s.maxRefs == 0 || uint32(len(s.refs)) <= s.maxRefs {
			return
		}
		if _, ok := needed[pts]; ok {
			continue
		}
		s.retireLocked(ctx, pts)
	}
	if s.maxRefs > 0 && uint32(len(s.refs)) > s.maxRefs {
		logger.Warnf(ctx, "%s keeps %d references, above the hardware limit %d", s, len(s.refs), s.maxRefs)
	}
}

func (s *Session) retireLocked(ctx context.Context, pts int64) {
	buf := s.refs[pts]
	delete(s.refs, pts)
	logger.Tracef(ctx, "retiring the reference %d", pts)
	s.releaseQuietLocked(ctx, buf)
}

// releaseQuietLocked releases a lease nobody else may hold or lend.
func (s *Session) releaseQuietLocked(ctx context.Context, buf *bufferpool.FrameBuffer) {
	if err := s.pool.Release(ctx, buf); err != nil {
		logger.Warnf(ctx, "unable to release %s: %v", buf, err)
	}
}

// RetrieveFrame returns the next frame in presentation order; it never
// blocks: (nil, nil) means nothing is ready yet. The caller owns one
// reference to the returned buffer. A draining session returns
// hwcodec.ErrDrained (io.EOF) after its last frame and becomes Closed.
func (s *Session) RetrieveFrame(
	ctx context.Context,
) (_ret *Frame, _err error) {
	logger.Tracef(ctx, "RetrieveFrame")
	defer func() { logger.Tracef(ctx, "/RetrieveFrame: %v %v", _ret, _err) }()
	return xsync.DoR2(ctx, &s.locker, func() (*Frame, error) {
		return s.retrieveFrameLocked(ctx)
	})
}

func (s *Session) retrieveFrameLocked(
	ctx context.Context,
) (*Frame, error) {
	if err := s.checkLocked(ctx, hwcodec.StateRunning, hwcodec.StateDraining); err != nil {
		return nil, err
	}
	for _, u := range s.inFlight {
		if u.Fence != nil && driver.Signaled(u.Fence) && u.Fence.Err() != nil {
			return nil, s.failLocked(ctx, fmt.Errorf("unit %d failed: %w", u.Info.PTS, u.Fence.Err()))
		}
	}
	if err := s.pollLocked(ctx); err != nil {
		return nil, s.failLocked(ctx, err)
	}

	if f := s.emittableLocked(); f != nil {
		heap.Pop(&s.decoded)
		s.stats.FramesRetrieved.Add(1)
		return f, nil
	}

	if s.State() == hwcodec.StateDraining && s.endOfStream && s.occupancyLocked() == 0 {
		logger.Debugf(ctx, "%s is drained", s)
		s.releaseLocked(ctx, false)
		return nil, io.EOF
	}
	return nil, nil
}

// emittableLocked returns the decoded frame to emit next, if any. A
// frame is emitted once no queued unit may precede it: no undecoded
// unit has a lower PTS and either the stream is draining or more units
// than the reorder depth are queued (decoded or not), so no unit still
// to come may precede it.
func (s *Session) emittableLocked() *Frame {
	f := s.decoded.Peek()
	if f == nil {
		return nil
	}
	for _, u := range s.pending {
		if u.Info.PTS < f.PTS {
			return nil
		}
	}
	for _, u := range s.inFlight {
		if u.Info.PTS < f.PTS {
			return nil
		}
	}
	if s.State() == hwcodec.StateDraining || uint32(s.occupancyLocked()) > s.cfg.MaxBFrames {
		return f
	}
	return nil
}

// pollLocked moves every picture the hardware has decoded to the
// reorder queue.
func (s *Session) pollLocked(ctx context.Context) error {
	return s.device.Do(ctx, func(driver.Device) error {
		for {
			pic, err := s.hw.Poll(ctx)
			if err != nil {
				return err
			}
			if pic == nil {
				return nil
			}
			if pic.EndOfStream {
				s.endOfStream = true
				continue
			}
			idx := slices.IndexFunc(s.inFlight, func(u *unit) bool { return u.Tag == pic.Tag })
			if idx < 0 {
				return fmt.Errorf("the hardware returned a picture with unknown tag %d (pts %d)", pic.Tag, pic.PTS)
			}
			u := s.inFlight[idx]
			s.inFlight = slices.Delete(s.inFlight, idx, idx+1)
			internal.Assert(ctx, pic.PTS == u.Info.PTS, pic.PTS, u.Info.PTS)
			heap.Push(&s.decoded, &Frame{
				PTS:    u.Info.PTS,
				Buffer: u.Target,
			})
		}
	})
}

// Flush stops accepting units: Running -> Draining. Fragments of an
// unfinished unit are discarded, as are the units whose references
// never arrived; the rest is still to be retrieved.
func (s *Session) Flush(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Flush")
	defer func() { logger.Tracef(ctx, "/Flush: %v", _err) }()
	return xsync.DoR1(ctx, &s.locker, func() error {
		if err := s.checkLocked(ctx, hwcodec.StateRunning); err != nil {
			return err
		}
		if len(s.partial) > 0 {
			logger.Warnf(ctx, "%s: discarding an unfinished unit of %d bytes", s, len(s.partial))
			s.partial = nil
		}
		if err := s.dispatchLocked(ctx); err != nil {
			return s.failLocked(ctx, err)
		}
		for _, u := range s.pending {
			logger.Warnf(ctx, "%s: dropping the unit %d, its references %v never arrived", s, u.Info.PTS, u.Info.References)
			s.stats.UnitsDropped.Add(1)
			s.releaseQuietLocked(ctx, u.Target)
		}
		s.pending = nil
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

// CloseCtx closes a session that has nothing queued (Idle or
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

package hwapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/bufferpool"
	"github.com/xaionaro-go/hwcodec/decoder"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/encoder"
	"github.com/xaionaro-go/hwcodec/handle"
	"github.com/xaionaro-go/hwcodec/manager"
	"github.com/xaionaro-go/xsync"
)

type encoderEntry struct {
	device  handle.Handle
	session *encoder.Session

	// held is a unit that did not fit into the caller's buffer.
	held *hwcodec.BitstreamUnit
}

type decoderEntry struct {
	device  handle.Handle
	session *decoder.Session
}

// Library is the handle-based facade over a manager.Manager. All the
// methods are safe for concurrent use.
type Library struct {
	manager *manager.Manager

	locker   xsync.Mutex
	devices  *handle.Table[*device.Context]
	encoders *handle.Table[*encoderEntry]
	decoders *handle.Table[*decoderEntry]
	lastErr  error
	closed   bool
}

// New initializes the driver and returns a library over it.
func New(ctx context.Context, drv driver.Driver) (*Library, error) {
	m, err := manager.New(ctx, drv, manager.Options{})
	if err != nil {
		return nil, err
	}
	return &Library{
		manager:  m,
		devices:  handle.NewTable[*device.Context](handle.OwnerDevice),
		encoders: handle.NewTable[*encoderEntry](handle.OwnerEncoder),
		decoders: handle.NewTable[*decoderEntry](handle.OwnerDecoder),
	}, nil
}

// result records the error (if any) for LastError and converts it.
func (l *Library) result(ctx context.Context, op string, err error) Result {
	r := ResultOf(err)
	if r < 0 {
		logger.Debugf(ctx, "%s: %v", op, err)
		l.locker.Do(xsync.WithNoLogging(ctx, true), func() {
			l.lastErr = fmt.Errorf("%s: %w", op, err)
		})
	}
	return r
}

// LastError returns the message of the last failed call.
func (l *Library) LastError(ctx context.Context) string {
	return xsync.DoR1(ctx, &l.locker, func() string {
		if l.lastErr == nil {
			return ""
		}
		return l.lastErr.Error()
	})
}

func staleHandle(h handle.Handle, err error) error {
	return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "invalid handle %s: %w", h, err)
}

func (l *Library) checkLocked() error {
	if l.closed {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the library is closed")
	}
	return nil
}

func (l *Library) device(ctx context.Context, raw uint64) (*device.Context, error) {
	h := handle.Unpack(raw)
	return xsync.DoR2(ctx, &l.locker, func() (*device.Context, error) {
		if err := l.checkLocked(); err != nil {
			return nil, err
		}
		dev, err := l.devices.Get(h)
		if err != nil {
			return nil, staleHandle(h, err)
		}
		return dev, nil
	})
}

func (l *Library) encoder(ctx context.Context, raw uint64) (*encoderEntry, error) {
	h := handle.Unpack(raw)
	return xsync.DoR2(ctx, &l.locker, func() (*encoderEntry, error) {
		if err := l.checkLocked(); err != nil {
			return nil, err
		}
		e, err := l.encoders.Get(h)
		if err != nil {
			return nil, staleHandle(h, err)
		}
		return e, nil
	})
}

func (l *Library) decoder(ctx context.Context, raw uint64) (*decoderEntry, error) {
	h := handle.Unpack(raw)
	return xsync.DoR2(ctx, &l.locker, func() (*decoderEntry, error) {
		if err := l.checkLocked(); err != nil {
			return nil, err
		}
		e, err := l.decoders.Get(h)
		if err != nil {
			return nil, staleHandle(h, err)
		}
		return e, nil
	})
}

func (l *Library) buffer(ctx context.Context, rawDevice, rawBuffer uint64) (*bufferpool.Pool, *bufferpool.FrameBuffer, error) {
	dev, err := l.device(ctx, rawDevice)
	if err != nil {
		return nil, nil, err
	}
	pool := dev.Pool()
	buf, err := pool.Lookup(ctx, handle.Unpack(rawBuffer))
	if err != nil {
		return nil, nil, err
	}
	return pool, buf, nil
}

func (l *Library) DeviceCount(ctx context.Context) (int, Result) {
	infos, err := l.manager.Devices(ctx)
	return len(infos), l.result(ctx, "DeviceCount", err)
}

func (l *Library) DeviceInfo(ctx context.Context, ordinal int) (driver.Info, Result) {
	infos, err := l.manager.Devices(ctx)
	if err == nil && (ordinal < 0 || ordinal >= len(infos)) {
		err = hwcodec.NewError(hwcodec.ErrorCodeDeviceUnavailable, "no device with ordinal %d", ordinal)
	}
	if err != nil {
		return driver.Info{}, l.result(ctx, "DeviceInfo", err)
	}
	return infos[ordinal], ResultOK
}

func (l *Library) OpenDevice(ctx context.Context, ordinal int) (uint64, Result) {
	dev, err := l.manager.OpenDevice(ctx, ordinal)
	if err != nil {
		return 0, l.result(ctx, "OpenDevice", err)
	}
	h, err := xsync.DoR2(ctx, &l.locker, func() (handle.Handle, error) {
		if err := l.checkLocked(); err != nil {
			return handle.Nil, err
		}
		return l.devices.Insert(dev), nil
	})
	if err != nil {
		return 0, l.result(ctx, "OpenDevice", err)
	}
	return h.Pack(), ResultOK
}

// CloseDevice destroys the device context; it fails with
// ResultInvalidState while any of its sessions is not Closed. The
// handles of the device, of its sessions and of its buffers are
// invalid afterwards.
func (l *Library) CloseDevice(ctx context.Context, rawDevice uint64) Result {
	dev, err := l.device(ctx, rawDevice)
	if err != nil {
		return l.result(ctx, "CloseDevice", err)
	}
	if err := l.manager.DestroyDevice(ctx, dev); err != nil {
		return l.result(ctx, "CloseDevice", err)
	}
	devHandle := handle.Unpack(rawDevice)
	l.locker.Do(ctx, func() {
		if _, err := l.devices.Remove(devHandle); err != nil {
			logger.Errorf(ctx, "unable to forget %s: %v", devHandle, err)
		}
		var encoders, decoders []handle.Handle
		l.encoders.Range(func(h handle.Handle, e *encoderEntry) bool {
			if e.device == devHandle {
				encoders = append(encoders, h)
			}
			return true
		})
		l.decoders.Range(func(h handle.Handle, e *decoderEntry) bool {
			if e.device == devHandle {
				decoders = append(decoders, h)
			}
			return true
		})
		for _, h := range encoders {
			_, _ = l.encoders.Remove(h)
		}
		for _, h := range decoders {
			_, _ = l.decoders.Remove(h)
		}
	})
	return ResultOK
}

func (l *Library) BufferAcquire(
	ctx context.Context,
	rawDevice uint64,
	format uint32,
	width, height uint32,
) (uint64, Result) {
	dev, err := l.device(ctx, rawDevice)
	if err != nil {
		return 0, l.result(ctx, "BufferAcquire", err)
	}
	if hwcodec.PixelFormat(format) == hwcodec.PixelFormatUndefined || hwcodec.PixelFormat(format) >= hwcodec.EndOfPixelFormat || width == 0 || height == 0 {
		return 0, l.result(ctx, "BufferAcquire", fmt.Errorf("%w: %d:%dx%d", ErrInvalidArgument, format, width, height))
	}
	buf, err := dev.Pool().Acquire(ctx, driver.Layout{
		Location: driver.LocationDevice,
		Format:   hwcodec.PixelFormat(format),
		Width:    width,
		Height:   height,
	})
	if err != nil {
		return 0, l.result(ctx, "BufferAcquire", err)
	}
	return buf.Handle().Pack(), ResultOK
}

// BufferSize is the size of the tightly packed picture of the buffer,
// the size Upload expects and Download produces.
func (l *Library) BufferSize(ctx context.Context, rawDevice, rawBuffer uint64) (int, Result) {
	_, buf, err := l.buffer(ctx, rawDevice, rawBuffer)
	if err != nil {
		return 0, l.result(ctx, "BufferSize", err)
	}
	return int(buf.PackedSize()), ResultOK
}

func (l *Library) BufferUpload(ctx context.Context, rawDevice, rawBuffer uint64, src []byte) Result {
	pool, buf, err := l.buffer(ctx, rawDevice, rawBuffer)
	if err == nil {
		err = pool.Upload(ctx, buf, src)
	}
	return l.result(ctx, "BufferUpload", err)
}

// BufferDownload copies the picture to dst; if dst is too small
// ResultBufferTooSmall is returned together with the required size.
func (l *Library) BufferDownload(ctx context.Context, rawDevice, rawBuffer uint64, dst []byte) (int, Result) {
	pool, buf, err := l.buffer(ctx, rawDevice, rawBuffer)
	if err != nil {
		return 0, l.result(ctx, "BufferDownload", err)
	}
	size := int(buf.PackedSize())
	if len(dst) < size {
		return size, ResultBufferTooSmall
	}
	if err := pool.Download(ctx, buf, dst[:size]); err != nil {
		return 0, l.result(ctx, "BufferDownload", err)
	}
	return size, ResultOK
}

func (l *Library) BufferRetain(ctx context.Context, rawDevice, rawBuffer uint64) Result {
	pool, buf, err := l.buffer(ctx, rawDevice, rawBuffer)
	if err == nil {
		err = pool.Retain(ctx, buf)
	}
	return l.result(ctx, "BufferRetain", err)
}

func (l *Library) BufferRelease(ctx context.Context, rawDevice, rawBuffer uint64) Result {
	pool, buf, err := l.buffer(ctx, rawDevice, rawBuffer)
	if err == nil {
		err = pool.Release(ctx, buf)
	}
	return l.result(ctx, "BufferRelease", err)
}

// CreateEncoder returns a Configured encoder session.
func (l *Library) CreateEncoder(ctx context.Context, rawDevice uint64, params CodecParams) (uint64, Result) {
	dev, err := l.device(ctx, rawDevice)
	if err != nil {
		return 0, l.result(ctx, "CreateEncoder", err)
	}
	cfg, err := params.Config()
	if err != nil {
		return 0, l.result(ctx, "CreateEncoder", err)
	}
	s, err := l.manager.CreateEncoder(ctx, dev, cfg)
	if err != nil {
		return 0, l.result(ctx, "CreateEncoder", err)
	}
	h := xsync.DoR1(ctx, &l.locker, func() handle.Handle {
		return l.encoders.Insert(&encoderEntry{
			device:  handle.Unpack(rawDevice),
			session: s,
		})
	})
	return h.Pack(), ResultOK
}

func (l *Library) EncoderStart(ctx context.Context, raw uint64) Result {
	e, err := l.encoder(ctx, raw)
	if err == nil {
		err = e.session.Start(ctx)
	}
	return l.result(ctx, "EncoderStart", err)
}

func (l *Library) EncoderSubmit(ctx context.Context, raw uint64, rawBuffer uint64, pts int64) Result {
	e, err := l.encoder(ctx, raw)
	if err != nil {
		return l.result(ctx, "EncoderSubmit", err)
	}
	buf, err := e.session.Device().Pool().Lookup(ctx, handle.Unpack(rawBuffer))
	if err == nil {
		err = e.session.SubmitFrame(ctx, buf, pts)
	}
	return l.result(ctx, "EncoderSubmit", err)
}

// PacketInfo describes a unit returned by EncoderRetrieve.
type PacketInfo struct {
	Size int              `json:"size"`
	PTS  int64            `json:"pts"`
	Type hwcodec.UnitType `json:"type"`
}

// EncoderRetrieve copies the next unit into dst. With ResultNotReady
// and ResultDrained nothing is copied. With ResultBufferTooSmall the
// unit is kept for the next call and info.Size is the required size.
func (l *Library) EncoderRetrieve(ctx context.Context, raw uint64, dst []byte) (PacketInfo, Result) {
	e, err := l.encoder(ctx, raw)
	if err != nil {
		return PacketInfo{}, l.result(ctx, "EncoderRetrieve", err)
	}
	unit := xsync.DoR1(ctx, &l.locker, func() *hwcodec.BitstreamUnit {
		u := e.held
		e.held = nil
		return u
	})
	if unit == nil {
		unit, err = e.session.RetrievePacket(ctx)
		switch {
		case err != nil:
			return PacketInfo{}, l.result(ctx, "EncoderRetrieve", err)
		case unit == nil:
			return PacketInfo{}, ResultNotReady
		}
	}
	info := PacketInfo{
		Size: len(unit.Payload),
		PTS:  unit.PTS,
		Type: unit.Type,
	}
	if len(dst) < len(unit.Payload) {
		l.locker.Do(ctx, func() {
			e.held = unit
		})
		return info, ResultBufferTooSmall
	}
	copy(dst, unit.Payload)
	return info, ResultOK
}

func (l *Library) EncoderFlush(ctx context.Context, raw uint64) Result {
	e, err := l.encoder(ctx, raw)
	if err == nil {
		err = e.session.Flush(ctx)
	}
	return l.result(ctx, "EncoderFlush", err)
}

func (l *Library) EncoderRequestKeyFrame(ctx context.Context, raw uint64) Result {
	e, err := l.encoder(ctx, raw)
	if err == nil {
		err = e.session.RequestKeyFrame(ctx)
	}
	return l.result(ctx, "EncoderRequestKeyFrame", err)
}

// EncoderSetRateControl changes the rate control; only the rate
// control and the QP range fields of params are used.
func (l *Library) EncoderSetRateControl(ctx context.Context, raw uint64, params CodecParams) Result {
	e, err := l.encoder(ctx, raw)
	if err != nil {
		return l.result(ctx, "EncoderSetRateControl", err)
	}
	cfg, err := params.Config()
	if err == nil {
		err = e.session.SetRateControl(ctx, cfg.RateControl, cfg.QPRange)
	}
	return l.result(ctx, "EncoderSetRateControl", err)
}

func (l *Library) CreateDecoder(ctx context.Context, rawDevice uint64, params CodecParams) (uint64, Result) {
	dev, err := l.device(ctx, rawDevice)
	if err != nil {
		return 0, l.result(ctx, "CreateDecoder", err)
	}
	cfg, err := params.Config()
	if err != nil {
		return 0, l.result(ctx, "CreateDecoder", err)
	}
	s, err := l.manager.CreateDecoder(ctx, dev, cfg)
	if err != nil {
		return 0, l.result(ctx, "CreateDecoder", err)
	}
	h := xsync.DoR1(ctx, &l.locker, func() handle.Handle {
		return l.decoders.Insert(&decoderEntry{
			device:  handle.Unpack(rawDevice),
			session: s,
		})
	})
	return h.Pack(), ResultOK
}

func (l *Library) DecoderStart(ctx context.Context, raw uint64) Result {
	e, err := l.decoder(ctx, raw)
	if err == nil {
		err = e.session.Start(ctx)
	}
	return l.result(ctx, "DecoderStart", err)
}

// DecoderSubmit copies payload; complete is false for a fragment of a
// unit.
func (l *Library) DecoderSubmit(ctx context.Context, raw uint64, payload []byte, pts int64, complete bool) Result {
	e, err := l.decoder(ctx, raw)
	if err == nil {
		err = e.session.SubmitUnit(ctx, hwcodec.BitstreamUnit{
			Payload:  append([]byte(nil), payload...),
			PTS:      pts,
			Complete: complete,
		})
	}
	return l.result(ctx, "DecoderSubmit", err)
}

// DecoderRetrieve returns the handle of the next frame buffer (in the
// pool of the session's device) and its PTS. The caller releases the
// buffer with BufferRelease.
func (l *Library) DecoderRetrieve(ctx context.Context, raw uint64) (uint64, int64, Result) {
	e, err := l.decoder(ctx, raw)
	if err != nil {
		return 0, 0, l.result(ctx, "DecoderRetrieve", err)
	}
	frame, err := e.session.RetrieveFrame(ctx)
	switch {
	case err != nil:
		return 0, 0, l.result(ctx, "DecoderRetrieve", err)
	case frame == nil:
		return 0, 0, ResultNotReady
	}
	return frame.Buffer.Handle().Pack(), frame.PTS, ResultOK
}

func (l *Library) DecoderFlush(ctx context.Context, raw uint64) Result {
	e, err := l.decoder(ctx, raw)
	if err == nil {
		err = e.session.Flush(ctx)
	}
	return l.result(ctx, "DecoderFlush", err)
}

func (l *Library) session(ctx context.Context, raw uint64) (hwcodec.Session, error) {
	switch handle.Unpack(raw).Owner {
	case handle.OwnerEncoder:
		e, err := l.encoder(ctx, raw)
		if err != nil {
			return nil, err
		}
		return e.session, nil
	case handle.OwnerDecoder:
		e, err := l.decoder(ctx, raw)
		if err != nil {
			return nil, err
		}
		return e.session, nil
	}
	return nil, fmt.Errorf("%w: %s is not a session handle", ErrInvalidArgument, handle.Unpack(raw))
}

func (l *Library) SessionState(ctx context.Context, raw uint64) (hwcodec.State, Result) {
	s, err := l.session(ctx, raw)
	if err != nil {
		return hwcodec.StateClosed, l.result(ctx, "SessionState", err)
	}
	return s.State(), ResultOK
}

// SessionClose closes an Idle or Configured session.
func (l *Library) SessionClose(ctx context.Context, raw uint64) Result {
	s, err := l.session(ctx, raw)
	if err == nil {
		err = s.CloseCtx(ctx)
	}
	return l.result(ctx, "SessionClose", err)
}

// SessionDestroy destroys a Closed session and invalidates its handle.
func (l *Library) SessionDestroy(ctx context.Context, raw uint64) Result {
	s, err := l.session(ctx, raw)
	if err != nil {
		return l.result(ctx, "SessionDestroy", err)
	}
	if err := l.manager.Destroy(ctx, s); err != nil {
		return l.result(ctx, "SessionDestroy", err)
	}
	h := handle.Unpack(raw)
	l.locker.Do(ctx, func() {
		switch h.Owner {
		case handle.OwnerEncoder:
			_, err = l.encoders.Remove(h)
		case handle.OwnerDecoder:
			_, err = l.decoders.Remove(h)
		}
	})
	if err != nil {
		logger.Errorf(ctx, "unable to forget %s: %v", h, err)
	}
	return ResultOK
}

// Close tears the whole library down, see manager.Manager.Close.
func (l *Library) Close(ctx context.Context) Result {
	alreadyClosed := xsync.DoR1(ctx, &l.locker, func() bool {
		if l.closed {
			return true
		}
		l.closed = true
		l.devices = handle.NewTable[*device.Context](handle.OwnerDevice)
		l.encoders = handle.NewTable[*encoderEntry](handle.OwnerEncoder)
		l.decoders = handle.NewTable[*decoderEntry](handle.OwnerDecoder)
		return false
	})
	if alreadyClosed {
		return l.result(ctx, "Close", errors.New("already closed"))
	}
	return l.result(ctx, "Close", l.manager.Close(ctx))
}

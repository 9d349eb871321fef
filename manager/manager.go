// Package manager is the entry point of the module: it owns the
// driver runtime, the device contexts and the sessions created on
// them, and tears them down in order.
//
// A session may only be destroyed when it is Closed: an Idle or a
// Configured session is closed with CloseCtx, a Running one has to be
// flushed and drained first. The manager never flushes a session on
// the caller's behalf, except in Close.
package manager

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/davecgh/go-spew/spew"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/bufferpool"
	"github.com/xaionaro-go/hwcodec/decoder"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/encoder"
	"github.com/xaionaro-go/xsync"
)

type Options struct {
	// PoolOptions are applied to the buffer pool of every device.
	PoolOptions []bufferpool.Option
}

type deviceEntry struct {
	context  *device.Context
	sessions map[hwcodec.Session]struct{}
}

type Manager struct {
	runtime *driver.Runtime
	options Options

	locker  xsync.Mutex
	devices map[int]*deviceEntry
	closed  bool
}

// New initializes the driver (or takes one more reference to its
// already initialized runtime).
func New(
	ctx context.Context,
	drv driver.Driver,
	opts Options,
) (_ret *Manager, _err error) {
	logger.Tracef(ctx, "New(%s)", drv.Name())
	defer func() { logger.Tracef(ctx, "/New(%s): %v", drv.Name(), _err) }()
	rt, err := driver.Acquire(ctx, drv)
	if err != nil {
		return nil, err
	}
	return &Manager{
		runtime: rt,
		options: opts,
		devices: map[int]*deviceEntry{},
	}, nil
}

func (m *Manager) Driver() driver.Driver {
	return m.runtime.Driver
}

// Devices lists the devices the driver sees, opened or not.
func (m *Manager) Devices(ctx context.Context) ([]driver.Info, error) {
	if err := xsync.DoR1(ctx, &m.locker, m.checkLocked); err != nil {
		return nil, err
	}
	return m.runtime.Driver.Devices(ctx)
}

func (m *Manager) checkLocked() error {
	if m.closed {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the manager is closed")
	}
	return nil
}

// OpenDevice opens the device context of the ordinal. There is at
// most one context per ordinal: opening an already opened ordinal
// fails with InvalidState.
func (m *Manager) OpenDevice(
	ctx context.Context,
	ordinal int,
) (_ret *device.Context, _err error) {
	logger.Tracef(ctx, "OpenDevice(%d)", ordinal)
	defer func() { logger.Tracef(ctx, "/OpenDevice(%d): %v", ordinal, _err) }()
	return xsync.DoR2(ctx, &m.locker, func() (*device.Context, error) {
		if err := m.checkLocked(); err != nil {
			return nil, err
		}
		if _, ok := m.devices[ordinal]; ok {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "device %d is already open", ordinal)
		}
		dev, err := device.Open(ctx, m.runtime.Driver, ordinal, m.options.PoolOptions...)
		if err != nil {
			return nil, err
		}
		m.devices[ordinal] = &deviceEntry{
			context:  dev,
			sessions: map[hwcodec.Session]struct{}{},
		}
		return dev, nil
	})
}

// Device returns the opened context of the ordinal, if any.
func (m *Manager) Device(ctx context.Context, ordinal int) (*device.Context, bool) {
	return xsync.DoR2(ctx, &m.locker, func() (*device.Context, bool) {
		e, ok := m.devices[ordinal]
		if !ok {
			return nil, false
		}
		return e.context, true
	})
}

func (m *Manager) entryLocked(dev *device.Context) (*deviceEntry, error) {
	if err := m.checkLocked(); err != nil {
		return nil, err
	}
	if dev == nil {
		return nil, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "no device context")
	}
	e, ok := m.devices[dev.Ordinal()]
	if !ok || e.context != dev {
		return nil, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "%s is not managed (destroyed?)", dev)
	}
	return e, nil
}

// CreateEncoder returns a Configured encoder session.
func (m *Manager) CreateEncoder(
	ctx context.Context,
	dev *device.Context,
	cfg hwcodec.CodecConfig,
) (_ret *encoder.Session, _err error) {
	logger.Tracef(ctx, "CreateEncoder(%s, %s)", dev, cfg)
	defer func() { logger.Tracef(ctx, "/CreateEncoder(%s, %s): %v", dev, cfg, _err) }()
	logger.Tracef(ctx, "encoder config: %s", spew.Sdump(cfg))
	return xsync.DoR2(ctx, &m.locker, func() (*encoder.Session, error) {
		e, err := m.entryLocked(dev)
		if err != nil {
			return nil, err
		}
		s, err := encoder.New(ctx, dev)
		if err != nil {
			return nil, err
		}
		if err := s.Configure(ctx, cfg); err != nil {
			m.discard(ctx, dev, s)
			return nil, err
		}
		e.sessions[s] = struct{}{}
		return s, nil
	})
}

// CreateDecoder returns a Configured decoder session.
func (m *Manager) CreateDecoder(
	ctx context.Context,
	dev *device.Context,
	cfg hwcodec.CodecConfig,
) (_ret *decoder.Session, _err error) {
	logger.Tracef(ctx, "CreateDecoder(%s, %s)", dev, cfg)
	defer func() { logger.Tracef(ctx, "/CreateDecoder(%s, %s): %v", dev, cfg, _err) }()
	logger.Tracef(ctx, "decoder config: %s", spew.Sdump(cfg))
	return xsync.DoR2(ctx, &m.locker, func() (*decoder.Session, error) {
		e, err := m.entryLocked(dev)
		if err != nil {
			return nil, err
		}
		s, err := decoder.New(ctx, dev)
		if err != nil {
			return nil, err
		}
		if err := s.Configure(ctx, cfg); err != nil {
			m.discard(ctx, dev, s)
			return nil, err
		}
		e.sessions[s] = struct{}{}
		return s, nil
	})
}

// discard closes and forgets a session that failed to configure.
func (m *Manager) discard(ctx context.Context, dev *device.Context, s hwcodec.Session) {
	if err := s.CloseCtx(ctx); err != nil {
		logger.Debugf(ctx, "unable to close the discarded session: %v", err)
	}
	dev.Detach(ctx, s)
}

// Sessions returns the sessions of the device that are not destroyed
// yet.
func (m *Manager) Sessions(ctx context.Context, dev *device.Context) []hwcodec.Session {
	return xsync.DoR1(ctx, &m.locker, func() []hwcodec.Session {
		e, err := m.entryLocked(dev)
		if err != nil {
			return nil
		}
		return slices.Collect(maps.Keys(e.sessions))
	})
}

// Destroy forgets a Closed session; any other state is InvalidState.
func (m *Manager) Destroy(
	ctx context.Context,
	s hwcodec.Session,
) (_err error) {
	logger.Tracef(ctx, "Destroy(%s)", s)
	defer func() { logger.Tracef(ctx, "/Destroy(%s): %v", s, _err) }()
	return xsync.DoR1(ctx, &m.locker, func() error {
		if err := m.checkLocked(); err != nil {
			return err
		}
		for _, e := range m.devices {
			if _, ok := e.sessions[s]; !ok {
				continue
			}
			if state := s.State(); state != hwcodec.StateClosed {
				return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "unable to destroy a %s session, close it first", state)
			}
			delete(e.sessions, s)
			e.context.Detach(ctx, s)
			return nil
		}
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the session is not managed (already destroyed?)")
	})
}

// DestroyDevice destroys the device context together with its Closed
// sessions. It fails with InvalidState while any of the sessions is
// not Closed. Every object derived from the context (sessions,
// buffers) fails with InvalidState afterwards.
func (m *Manager) DestroyDevice(
	ctx context.Context,
	dev *device.Context,
) (_err error) {
	logger.Tracef(ctx, "DestroyDevice(%s)", dev)
	defer func() { logger.Tracef(ctx, "/DestroyDevice(%s): %v", dev, _err) }()
	return xsync.DoR1(ctx, &m.locker, func() error {
		e, err := m.entryLocked(dev)
		if err != nil {
			return err
		}
		if err := dev.Err(); hwcodec.CodeOf(err) == hwcodec.ErrorCodeDeviceLost {
			// the sessions learn about the loss on their next call
			for s := range e.sessions {
				_ = s.Flush(ctx)
			}
		}
		for s := range e.sessions {
			if state := s.State(); state != hwcodec.StateClosed {
				return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "%s has a %s %s session", dev, state, s.Kind())
			}
		}
		if err := dev.Destroy(ctx); err != nil {
			return err
		}
		delete(m.devices, dev.Ordinal())
		return nil
	})
}

// Close tears everything down: Running sessions are flushed and
// drained, every session is closed, then the device contexts and the
// driver runtime are released. It goes on after errors and returns
// all of them.
func (m *Manager) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close")
	defer func() { logger.Tracef(ctx, "/Close: %v", _err) }()
	return xsync.DoR1(ctx, &m.locker, func() error {
		if m.closed {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the manager is already closed")
		}
		m.closed = true

		var mErr *multierror.Error
		for _, ordinal := range slices.Sorted(maps.Keys(m.devices)) {
			e := m.devices[ordinal]
			for s := range e.sessions {
				if err := shutdownSession(ctx, s); err != nil {
					mErr = multierror.Append(mErr, fmt.Errorf("unable to close a %s session on %s: %w", s.Kind(), e.context, err))
				}
			}
			if err := e.context.Destroy(ctx); err != nil {
				mErr = multierror.Append(mErr, fmt.Errorf("unable to destroy %s: %w", e.context, err))
			}
			delete(m.devices, ordinal)
		}
		if err := m.runtime.Release(ctx); err != nil {
			mErr = multierror.Append(mErr, err)
		}
		return mErr.ErrorOrNil()
	})
}

// shutdownSession brings a session of any state to Closed, releasing
// whatever it still outputs.
func shutdownSession(ctx context.Context, s hwcodec.Session) error {
	switch s.State() {
	case hwcodec.StateClosed:
		return nil
	case hwcodec.StateIdle, hwcodec.StateConfigured:
		return s.CloseCtx(ctx)
	}
	logger.Warnf(ctx, "draining a %s %s session on close", s.State(), s.Kind())
	switch s := s.(type) {
	case *encoder.Session:
		_, err := s.Drain(ctx)
		return err
	case *decoder.Session:
		frames, err := s.Drain(ctx)
		pool := s.Device().Pool()
		for _, f := range frames {
			if rErr := pool.Release(ctx, f.Buffer); rErr != nil {
				logger.Debugf(ctx, "unable to release %s: %v", f, rErr)
			}
		}
		return err
	}
	return fmt.Errorf("unexpected session type %T", s)
}

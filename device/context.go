// Package device implements the device context: the one owner of an
// opened GPU, its execution stream and its buffer pool.
package device

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync/atomic"
	"weak"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/bufferpool"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/xsync"
)

// Dependent is an object (a session) that must be Closed before the
// context may be closed.
type Dependent interface {
	State() hwcodec.State
}

type Context struct {
	ordinal int
	device  driver.Device
	pool    *bufferpool.Pool

	// locker makes "push current, call the hardware, pop current"
	// atomic.
	locker xsync.Mutex

	// dependents are referenced weakly, so that an abandoned session
	// may still be garbage collected (and reported as leaked)
	dependentsLocker xsync.Mutex
	dependents       map[uintptr]func() Dependent
	changed          chan struct{}

	lostErr atomic.Pointer[error]
	closing atomic.Bool
	closed  atomic.Bool
}

var _ bufferpool.Executor = (*Context)(nil)

func Open(
	ctx context.Context,
	drv driver.Driver,
	ordinal int,
	poolOpts ...bufferpool.Option,
) (_ret *Context, _err error) {
	logger.Tracef(ctx, "Open(%d)", ordinal)
	defer func() { logger.Tracef(ctx, "/Open(%d): %v", ordinal, _err) }()

	dev, err := drv.Open(ctx, ordinal)
	if err != nil {
		return nil, hwcodec.WrapError(hwcodec.ErrorCodeDeviceUnavailable, fmt.Errorf("unable to open device %d: %w", ordinal, err))
	}
	c := &Context{
		ordinal:    ordinal,
		device:     dev,
		dependents: map[uintptr]func() Dependent{},
		changed:    make(chan struct{}),
	}
	c.pool = bufferpool.New(c, poolOpts...)
	logger.Debugf(ctx, "opened device %s", dev.Info())
	return c, nil
}

func (c *Context) Ordinal() int {
	return c.ordinal
}

func (c *Context) Info() driver.Info {
	return c.device.Info()
}

func (c *Context) Capabilities() driver.Capabilities {
	return c.device.Capabilities()
}

func (c *Context) Pool() *bufferpool.Pool {
	return c.pool
}

func (c *Context) String() string {
	return fmt.Sprintf("device#%d", c.ordinal)
}

// Err returns DeviceLost if the device is lost and InvalidState if the
// context is closed.
func (c *Context) Err() error {
	if err := c.lostErr.Load(); err != nil {
		return *err
	}
	if err := c.device.Err(); err != nil {
		c.markLost(context.Background(), err)
		return *c.lostErr.Load()
	}
	if c.closed.Load() {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "%s is closed", c)
	}
	return nil
}

// Do runs fn with the device current on the calling OS thread. No
// other Do of the same context runs at the same time.
func (c *Context) Do(
	ctx context.Context,
	fn func(driver.Device) error,
) error {
	if err := c.Err(); err != nil {
		return err
	}
	err := xsync.DoR1(xsync.WithNoLogging(ctx, true), &c.locker, func() (_err error) {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := c.device.PushCurrent(); err != nil {
			return fmt.Errorf("unable to make %s current: %w", c, err)
		}
		defer func() {
			if err := c.device.PopCurrent(); err != nil {
				logger.Errorf(ctx, "unable to pop %s: %v", c, err)
				if _err == nil {
					_err = err
				}
			}
		}()
		return fn(c.device)
	})
	if err == nil {
		return nil
	}
	if lostErr := c.device.Err(); lostErr != nil || hwcodec.CodeOf(err) == hwcodec.ErrorCodeDeviceLost {
		if lostErr == nil {
			lostErr = err
		}
		c.markLost(ctx, lostErr)
	}
	return err
}

func (c *Context) markLost(ctx context.Context, err error) {
	err = hwcodec.WrapError(hwcodec.ErrorCodeDeviceLost, err)
	if !c.lostErr.CompareAndSwap(nil, &err) {
		return
	}
	logger.Errorf(ctx, "%s is lost: %v", c, err)
	c.pool.DeviceLost(ctx, err)
	c.Notify(ctx)
}

func dependentKey(dep Dependent) uintptr {
	return reflect.ValueOf(dep).Pointer()
}

// Attach registers a dependent of c; it fails once the context is
// closing or lost. The context does not keep the dependent alive: one
// that is garbage collected stops counting.
func Attach[T any, P interface {
	*T
	Dependent
}](ctx context.Context, c *Context, dep P) error {
	ref := weak.Make((*T)(dep))
	return xsync.DoR1(ctx, &c.dependentsLocker, func() error {
		if c.closing.Load() || c.closed.Load() {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "%s is closing", c)
		}
		if err := c.lostErr.Load(); err != nil {
			return *err
		}
		c.dependents[dependentKey(dep)] = func() Dependent {
			obj := ref.Value()
			if obj == nil {
				return nil
			}
			return P(obj)
		}
		return nil
	})
}

func (c *Context) Detach(ctx context.Context, dep Dependent) {
	c.dependentsLocker.Do(ctx, func() {
		delete(c.dependents, dependentKey(dep))
		c.notifyLocked()
	})
}

// Dependents returns the attached dependents that are still alive.
func (c *Context) Dependents(ctx context.Context) []Dependent {
	return xsync.DoR1(ctx, &c.dependentsLocker, func() []Dependent {
		return c.liveDependentsLocked()
	})
}

// liveDependentsLocked forgets the collected dependents and returns
// the rest.
func (c *Context) liveDependentsLocked() []Dependent {
	result := make([]Dependent, 0, len(c.dependents))
	for key, get := range c.dependents {
		dep := get()
		if dep == nil {
			delete(c.dependents, key)
			continue
		}
		result = append(result, dep)
	}
	return result
}

// Notify is to be called by dependents after they change their state.
func (c *Context) Notify(ctx context.Context) {
	c.dependentsLocker.Do(xsync.WithNoLogging(ctx, true), func() {
		c.notifyLocked()
	})
}

func (c *Context) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Context) openDependents(ctx context.Context) (int, <-chan struct{}) {
	var (
		count   int
		changed <-chan struct{}
	)
	c.dependentsLocker.Do(xsync.WithNoLogging(ctx, true), func() {
		for _, dep := range c.liveDependentsLocked() {
			if dep.State() != hwcodec.StateClosed {
				count++
			}
		}
		changed = c.changed
	})
	return count, changed
}

// Close waits until every dependent is Closed (or ctx is done) and
// then releases the buffer pool and the device.
func (c *Context) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close(%s)", c)
	defer func() { logger.Tracef(ctx, "/Close(%s): %v", c, _err) }()
	if c.closing.Swap(true) {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "%s is already closing", c)
	}
	for {
		count, changed := c.openDependents(ctx)
		if count == 0 {
			break
		}
		logger.Debugf(ctx, "%s: waiting for %d sessions to close", c, count)
		select {
		case <-ctx.Done():
			c.closing.Store(false)
			return ctx.Err()
		case <-changed:
		}
	}
	return c.destroy(ctx)
}

// Destroy is the non-blocking Close: it fails with InvalidState while
// any dependent is not Closed.
func (c *Context) Destroy(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Destroy(%s)", c)
	defer func() { logger.Tracef(ctx, "/Destroy(%s): %v", c, _err) }()
	if c.closing.Swap(true) {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "%s is already closing", c)
	}
	if count, _ := c.openDependents(ctx); count > 0 {
		c.closing.Store(false)
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "%s has %d sessions that are not closed", c, count)
	}
	return c.destroy(ctx)
}

func (c *Context) destroy(ctx context.Context) error {
	var mErr *multierror.Error
	if err := c.pool.Close(ctx); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("unable to close the buffer pool: %w", err))
	}
	c.closed.Store(true)
	c.dependentsLocker.Do(ctx, func() {
		c.dependents = map[uintptr]func() Dependent{}
		c.notifyLocked()
	})
	if err := c.device.Close(ctx); err != nil {
		mErr = multierror.Append(mErr, fmt.Errorf("unable to close the device: %w", err))
	}
	return mErr.ErrorOrNil()
}

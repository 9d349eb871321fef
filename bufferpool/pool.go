// Package bufferpool recycles picture-sized GPU allocations.
//
// Allocations are kept in a free list keyed by their layout (location,
// pixel format, size); they are never reshaped. A buffer may be lent
// to at most one in-flight hardware operation at a time and cannot be
// released while that operation is pending.
package bufferpool

import (
	"context"
	"fmt"
	"io"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/handle"
	"github.com/xaionaro-go/xsync"
)

const DefaultMaxFree = 32

// Executor runs fn with the device made current. It is implemented
// by device.Context.
type Executor interface {
	Do(ctx context.Context, fn func(driver.Device) error) error
}

type Pool struct {
	executor Executor
	maxFree  int

	locker   xsync.Mutex
	leased   *handle.Table[*FrameBuffer]
	free     map[driver.Layout][]*allocation
	lostErr  error
	closed   bool
	counters counters
}

type counters struct {
	Allocated      int
	AllocatedBytes uint64
	Acquired       uint64
	Reused         uint64
}

type Stats struct {
	Allocated      int
	AllocatedBytes uint64
	Free           int
	Leased         int
	Acquired       uint64
	Reused         uint64
}

type Option func(*Pool)

// OptionMaxFree limits how many free buffers of one layout are kept;
// the extra ones are freed on release.
func OptionMaxFree(n int) Option {
	return func(p *Pool) {
		p.maxFree = n
	}
}

func New(executor Executor, opts ...Option) *Pool {
	p := &Pool{
		executor: executor,
		maxFree:  DefaultMaxFree,
		leased:   handle.NewTable[*FrameBuffer](handle.OwnerBufferPool),
		free:     map[driver.Layout][]*allocation{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) checkUsableLocked() error {
	if p.closed {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the buffer pool is closed")
	}
	if p.lostErr != nil {
		return p.lostErr
	}
	return nil
}

func (p *Pool) validateLocked(buf *FrameBuffer) error {
	if buf == nil {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the buffer is nil")
	}
	if buf.pool != p {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the buffer %s belongs to another pool", buf)
	}
	cur, err := p.leased.Get(buf.handle)
	if err != nil || cur != buf {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the buffer %s is already released", buf)
	}
	return nil
}

func (p *Pool) leaseLocked(a *allocation) *FrameBuffer {
	buf := &FrameBuffer{
		pool:       p,
		allocation: a,
		refs:       1,
	}
	a.leases++
	buf.handle = p.leased.Insert(buf)
	return buf
}

// Acquire returns a buffer with a reference count of one.
func (p *Pool) Acquire(
	ctx context.Context,
	layout driver.Layout,
) (_ret *FrameBuffer, _err error) {
	logger.Tracef(ctx, "Acquire(%s)", layout)
	defer func() { logger.Tracef(ctx, "/Acquire(%s): %v %v", layout, _ret, _err) }()

	buf, err := xsync.DoR2(ctx, &p.locker, func() (*FrameBuffer, error) {
		if err := p.checkUsableLocked(); err != nil {
			return nil, err
		}
		free := p.free[layout]
		if len(free) == 0 {
			return nil, nil
		}
		a := free[len(free)-1]
		p.free[layout] = free[:len(free)-1]
		p.counters.Reused++
		p.counters.Acquired++
		return p.leaseLocked(a), nil
	})
	if err != nil || buf != nil {
		return buf, err
	}

	var mem driver.Memory
	err = p.executor.Do(ctx, func(dev driver.Device) error {
		var err error
		mem, err = dev.Allocate(ctx, layout)
		return err
	})
	if err != nil {
		return nil, hwcodec.WrapError(hwcodec.ErrorCodeOutOfDeviceMemory, fmt.Errorf("unable to allocate %s: %w", layout, err))
	}

	a := &allocation{Layout: layout, Memory: mem}
	buf, err = xsync.DoR2(ctx, &p.locker, func() (*FrameBuffer, error) {
		if err := p.checkUsableLocked(); err != nil {
			return nil, err
		}
		p.counters.Allocated++
		p.counters.AllocatedBytes += mem.Size()
		p.counters.Acquired++
		return p.leaseLocked(a), nil
	})
	if err != nil {
		p.freeAllocations(ctx, []*allocation{a})
		return nil, err
	}
	return buf, nil
}

func (p *Pool) Retain(ctx context.Context, buf *FrameBuffer) error {
	return xsync.DoR1(ctx, &p.locker, func() error {
		if err := p.validateLocked(buf); err != nil {
			return err
		}
		buf.refs++
		return nil
	})
}

// Share returns a new lease over the allocation of buf, with its own
// handle and reference count. Releasing either lease does not affect
// the other one; the allocation is pooled once both are released.
func (p *Pool) Share(ctx context.Context, buf *FrameBuffer) (*FrameBuffer, error) {
	return xsync.DoR2(ctx, &p.locker, func() (*FrameBuffer, error) {
		if err := p.validateLocked(buf); err != nil {
			return nil, err
		}
		if err := p.checkUsableLocked(); err != nil {
			return nil, err
		}
		return p.leaseLocked(buf.allocation), nil
	})
}

// Release drops a reference; the last one returns the buffer to the
// free list. A buffer lent to a pending hardware operation cannot be
// released, ErrBufferBusy is returned and nothing changes.
func (p *Pool) Release(
	ctx context.Context,
	buf *FrameBuffer,
) (_err error) {
	logger.Tracef(ctx, "Release(%s)", buf)
	defer func() { logger.Tracef(ctx, "/Release(%s): %v", buf, _err) }()

	var toFree []*allocation
	err := xsync.DoR1(ctx, &p.locker, func() error {
		if err := p.validateLocked(buf); err != nil {
			return err
		}
		if p.lostErr == nil && !driver.Signaled(buf.fence) {
			return hwcodec.NewError(hwcodec.ErrorCodeBufferBusy, "the buffer %s is in use by the hardware", buf)
		}
		buf.refs--
		if buf.refs > 0 {
			return nil
		}
		if _, err := p.leased.Remove(buf.handle); err != nil {
			return fmt.Errorf("internal error: unable to remove %s: %w", buf, err)
		}
		buf.fence = nil
		a := buf.allocation
		a.leases--
		if a.leases > 0 {
			return nil
		}
		free := p.free[a.Layout]
		if a.Invalidated || p.lostErr != nil || p.closed || len(free) >= p.maxFree {
			toFree = append(toFree, a)
			return nil
		}
		p.free[a.Layout] = append(free, a)
		return nil
	})
	if err != nil {
		return err
	}
	p.freeAllocations(ctx, toFree)
	return nil
}

// Lend marks the buffer as used by the hardware operation behind the
// fence.
func (p *Pool) Lend(
	ctx context.Context,
	buf *FrameBuffer,
	fence driver.Fence,
) error {
	return xsync.DoR1(ctx, &p.locker, func() error {
		if err := p.validateLocked(buf); err != nil {
			return err
		}
		if err := p.checkUsableLocked(); err != nil {
			return err
		}
		if !driver.Signaled(buf.fence) {
			return hwcodec.NewError(hwcodec.ErrorCodeBufferBusy, "the buffer %s is already in use by the hardware", buf)
		}
		buf.fence = fence
		return nil
	})
}

// CheckIdle returns ErrBufferBusy if the buffer is lent to a pending
// operation.
func (p *Pool) CheckIdle(ctx context.Context, buf *FrameBuffer) error {
	return xsync.DoR1(ctx, &p.locker, func() error {
		if err := p.validateLocked(buf); err != nil {
			return err
		}
		if !driver.Signaled(buf.fence) {
			return hwcodec.NewError(hwcodec.ErrorCodeBufferBusy, "the buffer %s is in use by the hardware", buf)
		}
		return nil
	})
}

// Wait blocks until the operation the buffer is lent to completes.
func (p *Pool) Wait(ctx context.Context, buf *FrameBuffer) error {
	fence, err := xsync.DoR2(ctx, &p.locker, func() (driver.Fence, error) {
		if err := p.validateLocked(buf); err != nil {
			return nil, err
		}
		return buf.fence, nil
	})
	if err != nil {
		return err
	}
	return driver.Wait(ctx, fence)
}

func (p *Pool) RefCount(ctx context.Context, buf *FrameBuffer) (int, error) {
	return xsync.DoR2(ctx, &p.locker, func() (int, error) {
		if err := p.validateLocked(buf); err != nil {
			return 0, err
		}
		return buf.refs, nil
	})
}

// Lookup resolves a handle previously returned by FrameBuffer.Handle.
func (p *Pool) Lookup(ctx context.Context, h handle.Handle) (*FrameBuffer, error) {
	return xsync.DoR2(ctx, &p.locker, func() (*FrameBuffer, error) {
		buf, err := p.leased.Get(h)
		if err != nil {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "%w", err)
		}
		return buf, nil
	})
}

// Invalidate drops the free buffers of the layout and makes the leased
// ones be freed instead of pooled when released. It is used when the
// format of a stream changes.
func (p *Pool) Invalidate(ctx context.Context, layout driver.Layout) {
	p.invalidate(ctx, func(l driver.Layout) bool { return l == layout })
}

func (p *Pool) InvalidateAll(ctx context.Context) {
	p.invalidate(ctx, func(driver.Layout) bool { return true })
}

func (p *Pool) invalidate(ctx context.Context, match func(driver.Layout) bool) {
	toFree := xsync.DoR1(ctx, &p.locker, func() []*allocation {
		return p.invalidateLocked(match)
	})
	p.freeAllocations(ctx, toFree)
}

func (p *Pool) invalidateLocked(match func(driver.Layout) bool) []*allocation {
	var toFree []*allocation
	for layout, free := range p.free {
		if !match(layout) {
			continue
		}
		toFree = append(toFree, free...)
		delete(p.free, layout)
	}
	p.leased.Range(func(_ handle.Handle, buf *FrameBuffer) bool {
		if match(buf.allocation.Layout) {
			buf.allocation.Invalidated = true
		}
		return true
	})
	return toFree
}

// DeviceLost makes every further acquisition fail with err (which is
// expected to be a DeviceLost error). Leased buffers may still be
// released.
func (p *Pool) DeviceLost(ctx context.Context, err error) {
	logger.Debugf(ctx, "DeviceLost: %v", err)
	toFree := xsync.DoR1(ctx, &p.locker, func() []*allocation {
		if p.lostErr != nil {
			return nil
		}
		p.lostErr = hwcodec.WrapError(hwcodec.ErrorCodeDeviceLost, err)
		return p.invalidateLocked(func(driver.Layout) bool { return true })
	})
	p.freeAllocations(ctx, toFree)
}

func (p *Pool) freeAllocations(ctx context.Context, allocs []*allocation) {
	if len(allocs) == 0 {
		return
	}
	lost := xsync.DoR1(ctx, &p.locker, func() bool {
		for _, a := range allocs {
			p.counters.Allocated--
			p.counters.AllocatedBytes -= a.Memory.Size()
		}
		return p.lostErr != nil
	})
	if lost {
		// the device context is gone; only the host-side bookkeeping is left to release
		for _, a := range allocs {
			if err := a.Memory.Free(ctx); err != nil {
				logger.Debugf(ctx, "unable to free %s: %v", a.Layout, err)
			}
		}
		return
	}
	err := p.executor.Do(ctx, func(dev driver.Device) error {
		var mErr *multierror.Error
		for _, a := range allocs {
			if err := a.Memory.Free(ctx); err != nil {
				mErr = multierror.Append(mErr, fmt.Errorf("unable to free %s: %w", a.Layout, err))
			}
		}
		return mErr.ErrorOrNil()
	})
	if err != nil {
		logger.Errorf(ctx, "unable to free %d buffers: %v", len(allocs), err)
	}
}

// Close frees every allocation, including the leased ones: their
// handles become invalid.
func (p *Pool) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close")
	defer func() { logger.Tracef(ctx, "/Close: %v", _err) }()
	var (
		toFree []*allocation
		leased int
		err    error
	)
	p.locker.Do(ctx, func() {
		if p.closed {
			err = hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the buffer pool is already closed")
			return
		}
		p.closed = true
		for _, free := range p.free {
			toFree = append(toFree, free...)
		}
		p.free = map[driver.Layout][]*allocation{}
		seen := map[*allocation]struct{}{}
		p.leased.Range(func(h handle.Handle, buf *FrameBuffer) bool {
			leased++
			if _, ok := seen[buf.allocation]; ok {
				return true
			}
			seen[buf.allocation] = struct{}{}
			toFree = append(toFree, buf.allocation)
			return true
		})
		p.leased = handle.NewTable[*FrameBuffer](handle.OwnerBufferPool)
	})
	if err != nil {
		return err
	}
	if leased > 0 {
		logger.Warnf(ctx, "the buffer pool is closed with %d buffers still leased", leased)
	}
	p.freeAllocations(ctx, toFree)
	return nil
}

func (p *Pool) Stats(ctx context.Context) Stats {
	return xsync.DoR1(ctx, &p.locker, func() Stats {
		free := 0
		for _, list := range p.free {
			free += len(list)
		}
		return Stats{
			Allocated:      p.counters.Allocated,
			AllocatedBytes: p.counters.AllocatedBytes,
			Free:           free,
			Leased:         p.leased.Len(),
			Acquired:       p.counters.Acquired,
			Reused:         p.counters.Reused,
		}
	})
}

// Upload copies a tightly packed picture into the buffer.
func (p *Pool) Upload(ctx context.Context, buf *FrameBuffer, src []byte) error {
	if err := p.CheckIdle(ctx, buf); err != nil {
		return err
	}
	return p.executor.Do(ctx, func(driver.Device) error {
		return buf.allocation.Memory.Upload(ctx, src)
	})
}

// Download copies the picture out of the buffer, tightly packed.
func (p *Pool) Download(ctx context.Context, buf *FrameBuffer, dst []byte) error {
	if err := p.CheckIdle(ctx, buf); err != nil {
		return err
	}
	return p.executor.Do(ctx, func(driver.Device) error {
		return buf.allocation.Memory.Download(ctx, dst)
	})
}

// Dump writes the planes of the picture to w one after another; it is
// a debugging aid to inspect pictures with raw video viewers.
func (p *Pool) Dump(ctx context.Context, buf *FrameBuffer, w io.Writer) error {
	if err := p.CheckIdle(ctx, buf); err != nil {
		return err
	}
	data := make([]byte, buf.PackedSize())
	if err := p.Download(ctx, buf, data); err != nil {
		return fmt.Errorf("unable to download %s: %w", buf, err)
	}
	for idx, plane := range driver.Planes(buf.Layout(), 0) {
		end := plane.Offset + uint64(plane.Pitch)*uint64(plane.Rows)
		if _, err := w.Write(data[plane.Offset:end]); err != nil {
			return fmt.Errorf("unable to write plane #%d: %w", idx, err)
		}
	}
	return nil
}

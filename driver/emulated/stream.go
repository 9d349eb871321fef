package emulated

import (
	"context"
	"time"

	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xsync"
)

type work struct {
	Run    func() error
	OnFail func(error)
	Fence  *driver.BasicFence
}

func (w *work) fail(err error) {
	if w.OnFail != nil {
		w.OnFail(err)
	}
	w.Fence.Signal(err)
}

// stream executes work items one by one in the order they were
// enqueued, the way a GPU execution stream does.
type stream struct {
	device      *Device
	synchronous bool
	latency     time.Duration

	locker  xsync.Mutex
	items   []*work
	closed  bool
	wakeup  chan struct{}
	closeCh chan struct{}
	doneCh  chan struct{}
}

func newStream(ctx context.Context, dev *Device, synchronous bool, latency time.Duration) *stream {
	s := &stream{
		device:      dev,
		synchronous: synchronous,
		latency:     latency,
		wakeup:      make(chan struct{}, 1),
		closeCh:     make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	if synchronous {
		close(s.doneCh)
		return s
	}
	observability.Go(ctx, func(ctx context.Context) {
		defer close(s.doneCh)
		s.loop(ctx)
	})
	return s
}

// Enqueue schedules run; if the work cannot be executed (the device
// is lost, a fault is injected, the stream is closed) onFail is called
// instead.
func (s *stream) Enqueue(
	ctx context.Context,
	run func() error,
	onFail func(error),
) *driver.BasicFence {
	w := &work{Run: run, OnFail: onFail, Fence: driver.NewFence()}
	if s.synchronous {
		if s.isClosed(ctx) {
			w.fail(hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the stream is closed"))
			return w.Fence
		}
		s.execute(w)
		return w.Fence
	}
	accepted := xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.locker, func() bool {
		if s.closed {
			return false
		}
		s.items = append(s.items, w)
		return true
	})
	if !accepted {
		w.fail(hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the stream is closed"))
		return w.Fence
	}
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
	return w.Fence
}

func (s *stream) isClosed(ctx context.Context) bool {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.locker, func() bool {
		return s.closed
	})
}

func (s *stream) pop(ctx context.Context) *work {
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.locker, func() *work {
		if len(s.items) == 0 {
			return nil
		}
		w := s.items[0]
		s.items[0] = nil
		s.items = s.items[1:]
		return w
	})
}

func (s *stream) loop(ctx context.Context) {
	for {
		select {
		case <-s.closeCh:
			s.failPending(ctx, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the stream is closed"))
			return
		case <-s.wakeup:
		}
		for {
			w := s.pop(ctx)
			if w == nil {
				break
			}
			if s.latency > 0 {
				select {
				case <-time.After(s.latency):
				case <-s.closeCh:
					w.fail(hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the stream is closed"))
					s.failPending(ctx, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the stream is closed"))
					return
				}
			}
			s.execute(w)
		}
	}
}

func (s *stream) execute(w *work) {
	if err := s.device.Err(); err != nil {
		w.fail(err)
		return
	}
	if err := s.device.takeInjectedFault(); err != nil {
		w.fail(err)
		return
	}
	w.Fence.Signal(w.Run())
}

func (s *stream) failPending(ctx context.Context, err error) {
	items := xsync.DoR1(xsync.WithNoLogging(ctx, true), &s.locker, func() []*work {
		items := s.items
		s.items = nil
		return items
	})
	for _, w := range items {
		w.fail(err)
	}
}

func (s *stream) Close(ctx context.Context) {
	first := xsync.DoR1(ctx, &s.locker, func() bool {
		if s.closed {
			return false
		}
		s.closed = true
		return true
	})
	if !first {
		return
	}
	close(s.closeCh)
	<-s.doneCh
	s.failPending(ctx, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the stream is closed"))
}

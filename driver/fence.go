package driver

import (
	"context"
	"sync"

	"github.com/xaionaro-go/observability"
)

type Fence interface {
	Done() <-chan struct{}

	// Err is meaningful only after Done is closed.
	Err() error
}

// Signaled reports whether the fence has completed, without blocking.
// A nil fence is considered signaled.
func Signaled(f Fence) bool {
	if f == nil {
		return true
	}
	select {
	case <-f.Done():
		return true
	default:
		return false
	}
}

func Wait(ctx context.Context, f Fence) error {
	if f == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.Done():
		return f.Err()
	}
}

type BasicFence struct {
	once sync.Once
	done chan struct{}
	err  error
}

var _ Fence = (*BasicFence)(nil)

func NewFence() *BasicFence {
	return &BasicFence{done: make(chan struct{})}
}

// SignaledFence returns a fence that is already completed with err.
func SignaledFence(err error) *BasicFence {
	f := NewFence()
	f.Signal(err)
	return f
}

func (f *BasicFence) Done() <-chan struct{} {
	return f.done
}

func (f *BasicFence) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Signal completes the fence; only the first call has an effect.
func (f *BasicFence) Signal(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Forward signals to with the result of from once from completes.
func Forward(ctx context.Context, from Fence, to *BasicFence) {
	if from == nil {
		to.Signal(nil)
		return
	}
	if Signaled(from) {
		to.Signal(from.Err())
		return
	}
	observability.Go(ctx, func(ctx context.Context) {
		select {
		case <-from.Done():
			to.Signal(from.Err())
		case <-to.Done():
		}
	})
}

package bufferpool

import (
	"fmt"

	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/handle"
)

type allocation struct {
	Layout      driver.Layout
	Memory      driver.Memory
	Invalidated bool

	// leases is the number of live FrameBuffers over the allocation;
	// guarded by pool.locker
	leases int
}

// FrameBuffer is a lease of a pooled picture allocation. Every
// Acquire (and Share) produces a new FrameBuffer, so a FrameBuffer
// (and its handle) becomes invalid once its last reference is
// released, even if the allocation behind it is already reused. The
// allocation returns to the pool only when all its leases are gone.
type FrameBuffer struct {
	pool       *Pool
	handle     handle.Handle
	allocation *allocation

	// guarded by pool.locker
	refs  int
	fence driver.Fence
}

func (buf *FrameBuffer) Handle() handle.Handle {
	return buf.handle
}

func (buf *FrameBuffer) Layout() driver.Layout {
	return buf.allocation.Layout
}

func (buf *FrameBuffer) Pitch() uint32 {
	return buf.allocation.Memory.Pitch()
}

// Memory is the allocation itself, to be passed to the driver.
func (buf *FrameBuffer) Memory() driver.Memory {
	return buf.allocation.Memory
}

// PackedSize is the size of the picture without the pitch padding.
func (buf *FrameBuffer) PackedSize() uint64 {
	return driver.PackedSize(buf.allocation.Layout)
}

func (buf *FrameBuffer) String() string {
	if buf == nil {
		return "null"
	}
	return fmt.Sprintf("%s(%s)", buf.handle, buf.allocation.Layout)
}

package decoder

import (
	"container/heap"
	"fmt"

	"github.com/xaionaro-go/hwcodec/bufferpool"
)

// Frame is a decoded picture; the receiver owns one reference to
// Buffer and has to release it to the pool.
type Frame struct {
	PTS    int64
	Buffer *bufferpool.FrameBuffer
}

func (f *Frame) String() string {
	if f == nil {
		return "null"
	}
	return fmt.Sprintf("frame{pts:%d buffer:%s}", f.PTS, f.Buffer)
}

// reorderQueue is a min-heap of decoded frames by PTS.
type reorderQueue []*Frame

var _ heap.Interface = (*reorderQueue)(nil)

func (q reorderQueue) Len() int           { return len(q) }
func (q reorderQueue) Less(i, j int) bool { return q[i].PTS < q[j].PTS }
func (q reorderQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *reorderQueue) Push(x any) {
	*q = append(*q, x.(*Frame))
}

func (q *reorderQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func (q reorderQueue) Peek() *Frame {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

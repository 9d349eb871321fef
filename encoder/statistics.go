package encoder

import (
	"sync/atomic"
)

type Statistics struct {
	FramesSubmitted     uint64 `json:"frames_submitted"`
	PacketsRetrieved    uint64 `json:"packets_retrieved"`
	KeyPackets          uint64 `json:"key_packets"`
	BytesOut            uint64 `json:"bytes_out"`
	QueueFullRejections uint64 `json:"queue_full_rejections"`
}

type statistics struct {
	FramesSubmitted     atomic.Uint64
	PacketsRetrieved    atomic.Uint64
	KeyPackets          atomic.Uint64
	BytesOut            atomic.Uint64
	QueueFullRejections atomic.Uint64
}

func (stats *statistics) Convert() Statistics {
	return Statistics{
		FramesSubmitted:     stats.FramesSubmitted.Load(),
		PacketsRetrieved:    stats.PacketsRetrieved.Load(),
		KeyPackets:          stats.KeyPackets.Load(),
		BytesOut:            stats.BytesOut.Load(),
		QueueFullRejections: stats.QueueFullRejections.Load(),
	}
}

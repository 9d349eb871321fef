package decoder

import (
	"sync/atomic"
)

type Statistics struct {
	UnitsSubmitted      uint64 `json:"units_submitted"`
	FragmentsSubmitted  uint64 `json:"fragments_submitted"`
	BytesIn             uint64 `json:"bytes_in"`
	FramesRetrieved     uint64 `json:"frames_retrieved"`
	UnitsDropped        uint64 `json:"units_dropped"`
	MalformedRejections uint64 `json:"malformed_rejections"`
	QueueFullRejections uint64 `json:"queue_full_rejections"`
}

type statistics struct {
	UnitsSubmitted      atomic.Uint64
	FragmentsSubmitted  atomic.Uint64
	BytesIn             atomic.Uint64
	FramesRetrieved     atomic.Uint64
	UnitsDropped        atomic.Uint64
	MalformedRejections atomic.Uint64
	QueueFullRejections atomic.Uint64
}

func (stats *statistics) Convert() Statistics {
	return Statistics{
		UnitsSubmitted:      stats.UnitsSubmitted.Load(),
		FragmentsSubmitted:  stats.FragmentsSubmitted.Load(),
		BytesIn:             stats.BytesIn.Load(),
		FramesRetrieved:     stats.FramesRetrieved.Load(),
		UnitsDropped:        stats.UnitsDropped.Load(),
		MalformedRejections: stats.MalformedRejections.Load(),
		QueueFullRejections: stats.QueueFullRejections.Load(),
	}
}

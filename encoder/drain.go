package encoder

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
)

// DrainPollInterval is how often Drain polls a session that has
// nothing ready.
var DrainPollInterval = time.Millisecond

// Drain flushes the session if it is Running and blocks until the end
// of the stream, returning the units retrieved on the way. The
// session is Closed afterwards unless an error is returned.
func (s *Session) Drain(ctx context.Context) (_ret []*hwcodec.BitstreamUnit, _err error) {
	logger.Tracef(ctx, "Drain")
	defer func() { logger.Tracef(ctx, "/Drain: %d units, %v", len(_ret), _err) }()
	if s.State() == hwcodec.StateRunning {
		if err := s.Flush(ctx); err != nil {
			return nil, err
		}
	}
	ticker := time.NewTicker(DrainPollInterval)
	defer ticker.Stop()
	var result []*hwcodec.BitstreamUnit
	for {
		unit, err := s.RetrievePacket(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return result, nil
		case err != nil:
			return result, err
		case unit != nil:
			result = append(result, unit)
			continue
		}
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-ticker.C:
		}
	}
}

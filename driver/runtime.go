package driver

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/xsync"
)

// Runtime is the process-wide initialization of a Driver. The SDK is
// initialized on the first Acquire and deinitialized on the last
// Release.
type Runtime struct {
	Driver Driver
	refs   int
}

var (
	runtimesLocker xsync.Mutex
	runtimes       = map[Driver]*Runtime{}
)

func Acquire(
	ctx context.Context,
	drv Driver,
) (_ret *Runtime, _err error) {
	logger.Tracef(ctx, "Acquire(%s)", drv.Name())
	defer func() { logger.Tracef(ctx, "/Acquire(%s): %v", drv.Name(), _err) }()
	return xsync.DoR2(ctx, &runtimesLocker, func() (*Runtime, error) {
		rt := runtimes[drv]
		if rt == nil {
			logger.Debugf(ctx, "initializing driver %s", drv.Name())
			if err := drv.Init(ctx); err != nil {
				return nil, hwcodec.WrapError(hwcodec.ErrorCodeUnsupportedDriver, fmt.Errorf("unable to initialize driver %s: %w", drv.Name(), err))
			}
			rt = &Runtime{Driver: drv}
			runtimes[drv] = rt
		}
		rt.refs++
		return rt, nil
	})
}

func (rt *Runtime) Release(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Release(%s)", rt.Driver.Name())
	defer func() { logger.Tracef(ctx, "/Release(%s): %v", rt.Driver.Name(), _err) }()
	return xsync.DoR1(ctx, &runtimesLocker, func() error {
		if rt.refs <= 0 || runtimes[rt.Driver] != rt {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "driver %s runtime is released more times than acquired", rt.Driver.Name())
		}
		rt.refs--
		if rt.refs > 0 {
			return nil
		}
		delete(runtimes, rt.Driver)
		logger.Debugf(ctx, "deinitializing driver %s", rt.Driver.Name())
		if err := rt.Driver.Deinit(ctx); err != nil {
			return fmt.Errorf("unable to deinitialize driver %s: %w", rt.Driver.Name(), err)
		}
		return nil
	})
}

func (rt *Runtime) RefCount(ctx context.Context) int {
	return xsync.DoR1(ctx, &runtimesLocker, func() int {
		return rt.refs
	})
}

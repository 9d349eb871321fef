// Package internal has helpers shared by the session packages.
package internal

import (
	"context"
	"runtime"

	"github.com/facebookincubator/go-belt/tool/logger"
)

// Assert panics (through the logger, so the message reaches the log
// sinks) if an internal invariant does not hold.
func Assert(
	ctx context.Context,
	mustBeTrue bool,
	extraArgs ...any,
) {
	if mustBeTrue {
		return
	}
	if len(extraArgs) == 0 {
		logger.Panic(ctx, "assertion failed")
		return
	}
	logger.Panic(ctx, append([]any{"assertion failed:"}, extraArgs...)...)
}

// WarnIfLeaked logs an error if obj is garbage collected while
// isClosed reports false.
func WarnIfLeaked[T any](
	ctx context.Context,
	obj *T,
	what string,
	isClosed func(*T) bool,
) {
	runtime.SetFinalizer(obj, func(obj *T) {
		if !isClosed(obj) {
			logger.Errorf(ctx, "%s is garbage collected without being closed", what)
		}
	})
}

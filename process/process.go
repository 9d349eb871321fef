// Package process runs the session manager in a child process (the
// session host) and connects to it over gRPC, so a crash in a vendor
// driver does not take the application down.
//
// The child is the same binary: importing this package makes the
// binary serve as a session host when EnvKeyIsSessionHost is set.
package process

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec/driver/drivers"
	"github.com/xaionaro-go/hwcodec/process/client"
)

const (
	EnvKeyIsSessionHost = "HWCODEC_SESSION_HOST"
	EnvKeyDriver        = "HWCODEC_DRIVER"
	EnvKeyLogLevel      = "LOG_LEVEL"
)

// ReturnedData is what the child prints to its stdout once it listens.
type ReturnedData struct {
	ListenAddr string `json:"listen_addr"`
}

type Options struct {
	// Driver is a name known to package drivers.
	Driver string

	// NoForking serves in the current process instead of a child.
	NoForking bool

	// LogLevel of the host; the level of the context's logger if
	// undefined.
	LogLevel logger.Level
}

type Host struct {
	*client.Client
	Cmd *exec.Cmd

	done    chan struct{}
	exitErr error
}

func newHost(c *client.Client, cmd *exec.Cmd) *Host {
	return &Host{
		Client: c,
		Cmd:    cmd,
		done:   make(chan struct{}),
	}
}

// exited is called once, when the host is stopped.
func (h *Host) exited(err error) {
	h.exitErr = err
	close(h.done)
}

// Run starts a session host and connects to it.
func Run(
	ctx context.Context,
	opts Options,
) (_ret *Host, _err error) {
	logger.Debugf(ctx, "Run(%#+v)", opts)
	defer func() { logger.Debugf(ctx, "/Run(%#+v): %v", opts, _err) }()
	if opts.Driver == "" {
		opts.Driver = drivers.Default
	}
	if opts.LogLevel == logger.LevelUndefined {
		opts.LogLevel = logger.FromCtx(ctx).Level()
	}
	var (
		h   *Host
		err error
	)
	if opts.NoForking {
		h, err = runInProcess(ctx, opts)
	} else {
		h, err = runChild(ctx, opts)
	}
	if err != nil {
		return nil, err
	}
	if err := h.Client.SetLoggingLevel(ctx, opts.LogLevel); err != nil {
		_ = h.Kill(ctx)
		return nil, fmt.Errorf("unable to set the logging level to %s: %w", opts.LogLevel, err)
	}
	return h, nil
}

// Kill asks the host to close everything and stop.
func (h *Host) Kill(ctx context.Context) error {
	err := h.Client.Die(ctx)
	if cErr := h.Client.Close(); err == nil {
		err = cErr
	}
	return err
}

// Wait returns when the host is stopped.
func (h *Host) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

package process

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/xaionaro-go/hwcodec/driver/drivers"
	"github.com/xaionaro-go/hwcodec/process/server"
)

func init() {
	if os.Getenv(EnvKeyIsSessionHost) == "" {
		return
	}

	loggingLevelStr := os.Getenv(EnvKeyLogLevel)

	var loggerLevel logger.Level
	err := loggerLevel.Set(loggingLevelStr)
	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()
	logger.Default = func() logger.Logger {
		return l
	}
	belt.Default = func() *belt.Belt {
		return belt.CtxBelt(ctx)
	}
	defer belt.Flush(ctx)
	if err != nil {
		logger.Errorf(ctx, "unable to parse logging level '%s': %v", loggingLevelStr, err)
	}
	logger.Debugf(ctx, "logging level: %s", loggerLevel)

	exitCode := 0
	err = runSessionHost(ctx, os.Getenv(EnvKeyDriver), func(ctx context.Context, addr net.Addr) error {
		d := ReturnedData{
			ListenAddr: addr.String(),
		}
		b, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("unable to serialize %#+v: %w", d, err)
		}
		fmt.Fprintf(os.Stdout, "%s\n", b)
		return nil
	})
	if err != nil {
		logger.Errorf(ctx, "the session host failed: %v", err)
		exitCode = 1
	}
	belt.Flush(ctx)
	os.Exit(exitCode)
}

func runSessionHost(
	ctx context.Context,
	driverName string,
	reportListener func(context.Context, net.Addr) error,
) error {
	drv, err := drivers.New(driverName)
	if err != nil {
		return err
	}
	srv, err := server.NewServer(ctx, drv)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	defer listener.Close()

	if err := reportListener(ctx, listener.Addr()); err != nil {
		return fmt.Errorf("unable to report the listener: %w", err)
	}

	err = srv.Serve(ctx, listener)
	if err != nil {
		return fmt.Errorf("unable to serve: %w", err)
	}
	return nil
}

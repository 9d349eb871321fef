package process

import (
	"context"
	"fmt"
	"net"

	"github.com/xaionaro-go/hwcodec/process/client"
	"github.com/xaionaro-go/observability"
)

func runInProcess(
	ctx context.Context,
	opts Options,
) (*Host, error) {
	errCh := make(chan error, 1)
	addrCh := make(chan net.Addr, 1)
	stopped := make(chan struct{})
	var serveErr error
	observability.Go(ctx, func(ctx context.Context) {
		defer close(stopped)
		serveErr = runSessionHost(ctx, opts.Driver, func(ctx context.Context, addr net.Addr) error {
			addrCh <- addr
			return nil
		})
		if serveErr != nil {
			errCh <- serveErr
		}
	})

	select {
	case addr := <-addrCh:
		c, err := client.New(addr.String())
		if err != nil {
			return nil, err
		}
		h := newHost(c, nil)
		observability.Go(ctx, func(ctx context.Context) {
			<-stopped
			h.exited(serveErr)
		})
		return h, nil
	case err := <-errCh:
		return nil, fmt.Errorf("unable to initialize a server: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

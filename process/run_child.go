package process

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	child_process_manager "github.com/AgustinSRG/go-child-process-manager"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec/process/client"
	"github.com/xaionaro-go/observability"
)

var (
	childProcessManagerOnce sync.Once
	childProcessManagerErr  error
)

// initChildProcessManager makes the children die together with the
// current process.
func initChildProcessManager() error {
	childProcessManagerOnce.Do(func() {
		childProcessManagerErr = child_process_manager.InitializeChildProcessManager()
	})
	return childProcessManagerErr
}

func runChild(
	ctx context.Context,
	opts Options,
) (_ *Host, _err error) {
	if err := initChildProcessManager(); err != nil {
		return nil, fmt.Errorf("unable to initialize the child process manager: %w", err)
	}

	execPath, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("unable to get the path of the executable: %w", err)
	}

	cmd := exec.Command(execPath)
	cmd.Env = append(
		os.Environ(),
		EnvKeyIsSessionHost+"=1",
		EnvKeyDriver+"="+opts.Driver,
		EnvKeyLogLevel+"="+opts.LogLevel.String(),
	)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("unable to get the stdout of the child: %w", err)
	}
	if err := child_process_manager.ConfigureCommand(cmd); err != nil {
		return nil, fmt.Errorf("unable to configure the child command: %w", err)
	}
	logger.Debugf(ctx, "starting %s as a session host", execPath)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unable to start the session host: %w", err)
	}
	defer func() {
		if _err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
	}()
	if err := child_process_manager.AddChildProcess(cmd.Process); err != nil {
		return nil, fmt.Errorf("unable to register the child process: %w", err)
	}

	type result struct {
		data ReturnedData
		err  error
	}
	resultCh := make(chan result, 1)
	observability.Go(ctx, func(ctx context.Context) {
		line, err := bufio.NewReader(stdout).ReadBytes('\n')
		if err != nil {
			resultCh <- result{err: fmt.Errorf("unable to read the output of the session host: %w", err)}
			return
		}
		var d ReturnedData
		if err := json.Unmarshal(line, &d); err != nil {
			resultCh <- result{err: fmt.Errorf("unable to parse '%s': %w", line, err)}
			return
		}
		resultCh <- result{data: d}
	})

	var r result
	select {
	case r = <-resultCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	logger.Debugf(ctx, "the session host listens at %s", r.data.ListenAddr)

	c, err := client.New(r.data.ListenAddr)
	if err != nil {
		return nil, err
	}
	h := newHost(c, cmd)
	observability.Go(ctx, func(ctx context.Context) {
		h.exited(cmd.Wait())
	})
	return h, nil
}

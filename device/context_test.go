package device

import (
	"context"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/driver/emulated"
	"github.com/xaionaro-go/hwcodec/internal"
)

type fakeSession struct {
	state atomic.Uint32
	name  string
}

func (s *fakeSession) State() hwcodec.State {
	return hwcodec.State(s.state.Load())
}

func openTestContext(t *testing.T) (*Context, *emulated.Driver) {
	ctx := context.Background()
	drv := emulated.NewSingle(true)
	require.NoError(t, drv.Init(ctx))
	t.Cleanup(func() { _ = drv.Deinit(ctx) })
	c, err := Open(ctx, drv, 0)
	require.NoError(t, err)
	return c, drv
}

func TestOpenFailures(t *testing.T) {
	ctx := context.Background()
	drv := emulated.NewSingle(true)
	require.NoError(t, drv.Init(ctx))
	defer drv.Deinit(ctx)

	_, err := Open(ctx, drv, 1)
	require.ErrorIs(t, err, hwcodec.ErrDeviceUnavailable)
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	c, drv := openTestContext(t)
	dev := drv.Device(ctx, 0)

	err := c.Do(ctx, func(d driver.Device) error {
		require.True(t, dev.IsCurrent())
		return nil
	})
	require.NoError(t, err)
	require.False(t, dev.IsCurrent())

	require.NoError(t, c.Close(ctx))
	require.ErrorIs(t, c.Do(ctx, func(driver.Device) error { return nil }), hwcodec.ErrInvalidState)
	require.ErrorIs(t, c.Close(ctx), hwcodec.ErrInvalidState)
}

func TestDeviceLoss(t *testing.T) {
	ctx := context.Background()
	c, drv := openTestContext(t)
	defer c.Close(ctx)

	buf, err := c.Pool().Acquire(ctx, driver.Layout{
		Location: driver.LocationDevice,
		Format:   hwcodec.PixelFormatNV12,
		Width:    32,
		Height:   32,
	})
	require.NoError(t, err)

	drv.Device(ctx, 0).InjectDeviceLoss(ctx)

	err = c.Do(ctx, func(driver.Device) error { return nil })
	require.ErrorIs(t, err, hwcodec.ErrDeviceLost)
	require.ErrorIs(t, c.Err(), hwcodec.ErrDeviceLost)
	require.ErrorIs(t, Attach(ctx, c, &fakeSession{}), hwcodec.ErrDeviceLost)

	_, err = c.Pool().Acquire(ctx, buf.Layout())
	require.ErrorIs(t, err, hwcodec.ErrDeviceLost)
	require.NoError(t, c.Pool().Release(ctx, buf))
}

func TestCloseWaitsForDependents(t *testing.T) {
	ctx := context.Background()
	c, _ := openTestContext(t)

	session := &fakeSession{}
	session.state.Store(uint32(hwcodec.StateRunning))
	require.NoError(t, Attach(ctx, c, session))

	require.ErrorIs(t, c.Destroy(ctx), hwcodec.ErrInvalidState)

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, c.Close(timeoutCtx), context.DeadlineExceeded)
	require.NoError(t, c.Err())

	closed := make(chan error, 1)
	go func() {
		closed <- c.Close(ctx)
	}()

	select {
	case err := <-closed:
		t.Fatalf("Close returned while a session is running: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	require.ErrorIs(t, Attach(ctx, c, &fakeSession{}), hwcodec.ErrInvalidState)

	session.state.Store(uint32(hwcodec.StateClosed))
	c.Notify(ctx)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the session is closed")
	}
	require.ErrorIs(t, c.Err(), hwcodec.ErrInvalidState)
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	c, _ := openTestContext(t)

	session := &fakeSession{}
	session.state.Store(uint32(hwcodec.StateConfigured))
	require.NoError(t, Attach(ctx, c, session))
	require.ErrorIs(t, c.Destroy(ctx), hwcodec.ErrInvalidState)
	require.NoError(t, c.Err())

	c.Detach(ctx, session)
	require.Empty(t, c.Dependents(ctx))
	require.NoError(t, c.Destroy(ctx))
}

func TestAbandonedDependent(t *testing.T) {
	ctx := context.Background()
	c, _ := openTestContext(t)

	leaked := make(chan string, 1)
	func() {
		session := &fakeSession{name: "abandoned"}
		session.state.Store(uint32(hwcodec.StateRunning))
		require.NoError(t, Attach(ctx, c, session))
		internal.WarnIfLeaked(ctx, session, "a test session", func(s *fakeSession) bool {
			leaked <- s.name
			return s.State() == hwcodec.StateClosed
		})
	}()
	require.Len(t, c.Dependents(ctx), 1)

	require.Eventually(t, func() bool {
		runtime.GC()
		select {
		case name := <-leaked:
			require.Equal(t, "abandoned", name)
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	require.Empty(t, c.Dependents(ctx))
	require.NoError(t, c.Destroy(ctx))
}

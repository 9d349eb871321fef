//go:build !with_libav
// +build !with_libav

package libav

import (
	"context"

	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
)

const DriverName = "libav"

// Driver is a placeholder that fails to initialize; build with the
// with_libav tag to get the real one.
type Driver struct{}

var _ driver.Driver = (*Driver)(nil)

func New() *Driver {
	return &Driver{}
}

func (*Driver) Name() string {
	return DriverName
}

func (*Driver) Init(context.Context) error {
	return hwcodec.NewError(hwcodec.ErrorCodeUnsupportedDriver, "not compiled with libav support")
}

func (*Driver) Deinit(context.Context) error {
	return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "not compiled with libav support")
}

func (*Driver) Devices(context.Context) ([]driver.Info, error) {
	return nil, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedDriver, "not compiled with libav support")
}

func (*Driver) Open(context.Context, int) (driver.Device, error) {
	return nil, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedDriver, "not compiled with libav support")
}

// Package drivers picks a driver implementation by name.
package drivers

import (
	"fmt"
	"strings"

	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/driver/emulated"
	"github.com/xaionaro-go/hwcodec/driver/libav"
)

const (
	NameEmulated = "emulated"
	NameLibav    = "libav"
)

// Default is libav; without the with_libav build tag its Init fails
// with UnsupportedDriver.
const Default = NameLibav

func Names() []string {
	return []string{NameEmulated, NameLibav}
}

func New(name string) (driver.Driver, error) {
	switch strings.ToLower(name) {
	case NameEmulated:
		return emulated.NewSingle(false), nil
	case NameLibav, "":
		return libav.New(), nil
	}
	return nil, fmt.Errorf("unknown driver '%s', known drivers: %s", name, strings.Join(Names(), ", "))
}

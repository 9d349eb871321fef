package main

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver/drivers"
	"github.com/xaionaro-go/hwcodec/manager"
)

func probe(ctx context.Context, driverName string, cfg hwcodec.CodecConfig) (_err error) {
	drv, err := drivers.New(driverName)
	if err != nil {
		return err
	}
	m, err := manager.New(ctx, drv, manager.Options{})
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(ctx); err != nil && _err == nil {
			_err = err
		}
	}()

	results, err := m.Probe(ctx, cfg)
	if err != nil {
		return err
	}
	usable := 0
	for _, r := range results {
		fmt.Println(r)
		if r.Usable() {
			usable++
		}
	}
	if usable == 0 {
		return fmt.Errorf("none of %d devices can do %s", len(results), cfg)
	}
	return nil
}

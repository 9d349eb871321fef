package manager

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/device"
	"github.com/xaionaro-go/hwcodec/driver"
	"golang.org/x/sync/errgroup"
)

type ProbeResult struct {
	Info      driver.Info `json:"info"`
	EncodeErr error       `json:"-"`
	DecodeErr error       `json:"-"`
}

// Usable reports whether the device both encoded and decoded a frame.
func (r ProbeResult) Usable() bool {
	return r.EncodeErr == nil && r.DecodeErr == nil
}

func (r ProbeResult) String() string {
	if r.Usable() {
		return fmt.Sprintf("%s: ok", r.Info)
	}
	return fmt.Sprintf("%s: encode: %v; decode: %v", r.Info, r.EncodeErr, r.DecodeErr)
}

// Probe checks every device of the driver with cfg: it encodes one
// frame and decodes it back. Devices that are not opened by the
// manager are opened for the time of the check. Probing runs on all
// devices in parallel.
func (m *Manager) Probe(
	ctx context.Context,
	cfg hwcodec.CodecConfig,
) (_ret []ProbeResult, _err error) {
	logger.Tracef(ctx, "Probe(%s)", cfg)
	defer func() { logger.Tracef(ctx, "/Probe(%s): %v", cfg, _err) }()

	infos, err := m.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to list the devices: %w", err)
	}
	results := make([]ProbeResult, len(infos))
	var g errgroup.Group
	for idx, info := range infos {
		results[idx].Info = info
		if !info.Available {
			results[idx].EncodeErr = hwcodec.NewError(hwcodec.ErrorCodeDeviceUnavailable, "%s is not available", info)
			results[idx].DecodeErr = results[idx].EncodeErr
			continue
		}
		g.Go(func() error {
			results[idx].EncodeErr, results[idx].DecodeErr = m.probeDevice(ctx, info.Ordinal, cfg)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (m *Manager) probeDevice(
	ctx context.Context,
	ordinal int,
	cfg hwcodec.CodecConfig,
) (encodeErr, decodeErr error) {
	dev, ok := m.Device(ctx, ordinal)
	if !ok {
		var err error
		dev, err = m.OpenDevice(ctx, ordinal)
		if err != nil {
			return err, err
		}
		defer func() {
			if err := m.DestroyDevice(ctx, dev); err != nil {
				logger.Errorf(ctx, "unable to destroy %s after probing: %v", dev, err)
			}
		}()
	}

	unit, err := m.probeEncode(ctx, dev, cfg)
	if err != nil {
		return err, fmt.Errorf("not checked: nothing to decode")
	}
	return nil, m.probeDecode(ctx, dev, cfg, unit)
}

func (m *Manager) probeEncode(
	ctx context.Context,
	dev *device.Context,
	cfg hwcodec.CodecConfig,
) (_ret *hwcodec.BitstreamUnit, _err error) {
	s, err := m.CreateEncoder(ctx, dev, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := shutdownSession(ctx, s); err != nil {
			logger.Debugf(ctx, "unable to shut the probing encoder down: %v", err)
		}
		if err := m.Destroy(ctx, s); err != nil {
			_err = multierror.Append(_err, err).ErrorOrNil()
		}
	}()
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	pool := dev.Pool()
	buf, err := pool.Acquire(ctx, driver.Layout{
		Location: driver.LocationDevice,
		Format:   cfg.PixelFormat,
		Width:    cfg.Width,
		Height:   cfg.Height,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := pool.Wait(ctx, buf); err != nil {
			logger.Debugf(ctx, "waiting for %s: %v", buf, err)
		}
		if err := pool.Release(ctx, buf); err != nil {
			_err = multierror.Append(_err, err).ErrorOrNil()
		}
	}()
	gray := make([]byte, buf.PackedSize())
	for i := range gray {
		gray[i] = 0x80
	}
	if err := pool.Upload(ctx, buf, gray); err != nil {
		return nil, err
	}
	if err := s.SubmitFrame(ctx, buf, 0); err != nil {
		return nil, err
	}
	units, err := s.Drain(ctx)
	if err != nil {
		return nil, err
	}
	if len(units) != 1 || !units[0].IsKey() {
		return nil, hwcodec.NewError(hwcodec.ErrorCodeHardwareError, "expected one key unit, got %v", units)
	}
	return units[0], nil
}

func (m *Manager) probeDecode(
	ctx context.Context,
	dev *device.Context,
	cfg hwcodec.CodecConfig,
	unit *hwcodec.BitstreamUnit,
) (_err error) {
	cfg.MaxBFrames = 0
	s, err := m.CreateDecoder(ctx, dev, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownSession(ctx, s); err != nil {
			logger.Debugf(ctx, "unable to shut the probing decoder down: %v", err)
		}
		if err := m.Destroy(ctx, s); err != nil {
			_err = multierror.Append(_err, err).ErrorOrNil()
		}
	}()
	if err := s.Start(ctx); err != nil {
		return err
	}
	if err := s.SubmitUnit(ctx, *unit); err != nil {
		return err
	}
	frames, err := s.Drain(ctx)
	for _, f := range frames {
		if err := dev.Pool().Release(ctx, f.Buffer); err != nil {
			return err
		}
	}
	if err != nil {
		return err
	}
	if len(frames) != 1 || frames[0].PTS != unit.PTS {
		return hwcodec.NewError(hwcodec.ErrorCodeHardwareError, "expected one frame with PTS %d, got %v", unit.PTS, frames)
	}
	return nil
}

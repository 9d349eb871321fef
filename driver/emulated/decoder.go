package emulated

import (
	"bytes"
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/xsync"
)

type decoder struct {
	device *Device
	cfg    hwcodec.CodecConfig

	locker   xsync.Mutex
	output   []*driver.Picture
	fault    error
	draining bool
	closed   bool
}

var _ driver.Decoder = (*decoder)(nil)

func newDecoder(dev *Device, cfg hwcodec.CodecConfig) *decoder {
	return &decoder{
		device: dev,
		cfg:    cfg,
	}
}

func (d *decoder) checkLocked() error {
	if d.closed {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the decoder is closed")
	}
	if d.fault != nil {
		return d.fault
	}
	return d.device.checkCurrent()
}

func (d *decoder) executableLocked() error {
	if d.closed {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the decoder is closed")
	}
	return d.fault
}

func (d *decoder) setFault(ctx context.Context, err error) {
	d.locker.Do(xsync.WithNoLogging(ctx, true), func() {
		if d.fault == nil {
			d.fault = hwcodec.WrapError(hwcodec.ErrorCodeHardwareError, err)
		}
	})
}

func (d *decoder) Parse(
	ctx context.Context,
	payload []byte,
) (driver.UnitInfo, error) {
	h, err := ParseUnitHeader(payload)
	if err != nil {
		return driver.UnitInfo{}, err
	}
	if h.Codec != d.cfg.Codec {
		return driver.UnitInfo{}, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "the unit is %s, while the decoder is %s", h.Codec, d.cfg.Codec)
	}
	return driver.UnitInfo{
		PTS:        h.PTS,
		Type:       h.FrameType.UnitType(),
		Reference:  h.FrameType != FrameTypeB,
		References: h.References,
		Width:      h.Width,
		Height:     h.Height,
	}, nil
}

func (d *decoder) Submit(
	ctx context.Context,
	in driver.DecodeInput,
) (_ret driver.Fence, _err error) {
	logger.Tracef(ctx, "Submit(pts:%d, tag:%d)", in.Info.PTS, in.Tag)
	defer func() { logger.Tracef(ctx, "/Submit(pts:%d, tag:%d): %v", in.Info.PTS, in.Tag, _err) }()
	target, err := asMemory(in.Target)
	if err != nil {
		return nil, err
	}
	refs := make([]*memory, 0, len(in.References))
	for _, ref := range in.References {
		m, err := asMemory(ref)
		if err != nil {
			return nil, err
		}
		refs = append(refs, m)
	}
	err = xsync.DoR1(ctx, &d.locker, func() error {
		if err := d.checkLocked(); err != nil {
			return err
		}
		if d.draining {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the decoder is draining")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.device.stream.Enqueue(ctx, func() error {
		if err := xsync.DoR1(xsync.WithNoLogging(ctx, true), &d.locker, d.executableLocked); err != nil {
			return err
		}
		h, err := ParseUnitHeader(in.Payload)
		if err != nil {
			d.setFault(ctx, err)
			return err
		}
		if len(refs) != len(h.References) {
			err := hwcodec.NewError(hwcodec.ErrorCodeHardwareError, "the unit %d has %d references, %d are provided", h.PTS, len(h.References), len(refs))
			d.setFault(ctx, err)
			return err
		}
		for _, ref := range refs {
			if ref.freed.Load() {
				err := hwcodec.NewError(hwcodec.ErrorCodeHardwareError, "a reference of the unit %d is freed", h.PTS)
				d.setFault(ctx, err)
				return err
			}
		}
		if err := d.writePicture(h, target); err != nil {
			d.setFault(ctx, err)
			return err
		}
		d.locker.Do(xsync.WithNoLogging(ctx, true), func() {
			d.output = append(d.output, &driver.Picture{
				Tag: in.Tag,
				PTS: h.PTS,
			})
		})
		return nil
	}, func(err error) {
		d.setFault(ctx, err)
	}), nil
}

// writePicture writes the decoded picture of the unit into target, through
// the output converter if one is configured.
func (d *decoder) writePicture(h UnitHeader, target *memory) error {
	if d.cfg.Output == nil {
		target.fill(h.Fill)
		return nil
	}
	coded := driver.Layout{
		Location: driver.LocationHost,
		Format:   d.cfg.PixelFormat,
		Width:    h.Width,
		Height:   h.Height,
	}
	picture := bytes.Repeat([]byte{h.Fill}, int(driver.PackedSize(coded)))
	if err := driver.ConvertPicture(target.data, target.layout, target.pitch, picture, coded, 0); err != nil {
		return hwcodec.WrapError(hwcodec.ErrorCodeHardwareError, fmt.Errorf("unable to convert the picture %d: %w", h.PTS, err))
	}
	return nil
}

func (d *decoder) Poll(ctx context.Context) (*driver.Picture, error) {
	return xsync.DoR2(xsync.WithNoLogging(ctx, true), &d.locker, func() (*driver.Picture, error) {
		if err := d.checkLocked(); err != nil {
			return nil, err
		}
		if len(d.output) == 0 {
			return nil, nil
		}
		pic := d.output[0]
		d.output[0] = nil
		d.output = d.output[1:]
		return pic, nil
	})
}

func (d *decoder) Drain(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Drain")
	defer func() { logger.Tracef(ctx, "/Drain: %v", _err) }()
	err := xsync.DoR1(ctx, &d.locker, func() error {
		if err := d.checkLocked(); err != nil {
			return err
		}
		if d.draining {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the decoder is already draining")
		}
		d.draining = true
		return nil
	})
	if err != nil {
		return err
	}
	d.device.stream.Enqueue(ctx, func() error {
		return xsync.DoR1(xsync.WithNoLogging(ctx, true), &d.locker, func() error {
			if err := d.executableLocked(); err != nil {
				return err
			}
			d.output = append(d.output, &driver.Picture{EndOfStream: true})
			return nil
		})
	}, func(err error) {
		d.setFault(ctx, err)
	})
	return nil
}

func (d *decoder) Close(ctx context.Context) error {
	closed := xsync.DoR1(ctx, &d.locker, func() bool {
		if d.closed {
			return false
		}
		d.closed = true
		d.output = nil
		return true
	})
	if !closed {
		return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the decoder is already closed")
	}
	return nil
}

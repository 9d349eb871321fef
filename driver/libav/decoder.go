//go:build with_libav
// +build with_libav

package libav

import (
	"context"
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"
	"github.com/asticode/go-astikit"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/xsync"
)

func codecIDToAstiav(codec hwcodec.Codec) (astiav.CodecID, error) {
	switch codec {
	case hwcodec.CodecH264:
		return astiav.CodecIDH264, nil
	case hwcodec.CodecHEVC:
		return astiav.CodecIDHevc, nil
	case hwcodec.CodecAV1:
		return astiav.CodecIDAv1, nil
	}
	return astiav.CodecIDNone, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "unexpected codec %s", codec)
}

type pendingPicture struct {
	target *memory
	tag    uint64
	fence  *driver.BasicFence
}

// decoder is a libavcodec decoder with the NVDEC hwaccel. Pictures
// come out of libavcodec in presentation order; each one is copied
// into the target of the unit with the same PTS.
type decoder struct {
	device              *Device
	cfg                 hwcodec.CodecConfig
	codec               *astiav.Codec
	codecContext        *astiav.CodecContext
	hardwarePixelFormat astiav.PixelFormat
	packet              *astiav.Packet
	frame               *astiav.Frame
	closer              astikit.Closer

	// scaler converts the pictures when cfg.Output is set
	scaler *astiav.SoftwareScaleContext

	locker  xsync.Mutex
	pending map[int64]pendingPicture
	ready   []*driver.Picture
	drained bool
	closed  bool
}

var _ driver.Decoder = (*decoder)(nil)

func newDecoder(
	ctx context.Context,
	dev *Device,
	cfg hwcodec.CodecConfig,
) (_ret *decoder, _err error) {
	d := &decoder{
		device:              dev,
		cfg:                 cfg,
		hardwarePixelFormat: astiav.PixelFormatNone,
		pending:             map[int64]pendingPicture{},
	}
	defer func() {
		if _err != nil {
			_ = d.closer.Close()
		}
	}()

	codecID, err := codecIDToAstiav(cfg.Codec)
	if err != nil {
		return nil, err
	}
	d.codec = astiav.FindDecoder(codecID)
	if d.codec == nil {
		return nil, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "libavcodec is built without a %s decoder", cfg.Codec)
	}
	for _, p := range d.codec.HardwareConfigs() {
		if p.MethodFlags().Has(astiav.CodecHardwareConfigMethodFlagHwDeviceCtx) && p.HardwareDeviceType() == astiav.HardwareDeviceTypeCUDA {
			d.hardwarePixelFormat = p.PixelFormat()
			break
		}
	}
	if d.hardwarePixelFormat == astiav.PixelFormatNone {
		return nil, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "the %s decoder has no CUDA support", d.codec.Name())
	}

	d.codecContext = astiav.AllocCodecContext(d.codec)
	if d.codecContext == nil {
		return nil, fmt.Errorf("unable to allocate codec context")
	}
	d.closer.Add(d.codecContext.Free)
	d.codecContext.SetWidth(int(cfg.Width))
	d.codecContext.SetHeight(int(cfg.Height))
	d.codecContext.SetHardwareDeviceContext(dev.hwDevice)
	d.codecContext.SetPixelFormatCallback(func(pfs []astiav.PixelFormat) astiav.PixelFormat {
		for _, pf := range pfs {
			if pf == d.hardwarePixelFormat {
				return pf
			}
		}
		logger.Errorf(ctx, "the decoder does not offer %s", d.hardwarePixelFormat)
		return astiav.PixelFormatNone
	})

	var options *astiav.Dictionary
	if opts := hwcodec.GetDriverOptions(cfg.CustomOptions); len(opts) > 0 {
		options = astiav.NewDictionary()
		defer options.Free()
		for _, opt := range opts {
			if err := options.Set(opt.Key, opt.Value, 0); err != nil {
				return nil, fmt.Errorf("unable to set option '%s': %w", opt.Key, err)
			}
		}
	}
	if err := d.codecContext.Open(d.codec, options); err != nil {
		return nil, hwcodec.WrapError(hwcodec.ErrorCodeUnsupportedConfig, fmt.Errorf("unable to open the %s decoder: %w", d.codec.Name(), err))
	}

	d.packet = astiav.AllocPacket()
	d.closer.Add(d.packet.Free)
	d.frame = astiav.AllocFrame()
	d.closer.Add(d.frame.Free)
	return d, nil
}

// Parse tells the kind of the unit from its NAL headers. The
// reference pictures are tracked by libavcodec itself, so References
// is always empty.
func (d *decoder) Parse(ctx context.Context, payload []byte) (driver.UnitInfo, error) {
	s, err := summarizeAnnexB(d.cfg.Codec, payload)
	if err != nil {
		return driver.UnitInfo{}, err
	}
	info := driver.UnitInfo{
		Type:      hwcodec.UnitTypeDelta,
		Reference: s.Reference,
	}
	if s.Key {
		info.Type = hwcodec.UnitTypeKey
	}
	return info, nil
}

func (d *decoder) Submit(
	ctx context.Context,
	in driver.DecodeInput,
) (_ret driver.Fence, _err error) {
	logger.Tracef(ctx, "Submit(%d)", in.Info.PTS)
	defer func() { logger.Tracef(ctx, "/Submit(%d): %v", in.Info.PTS, _err) }()
	target, ok := in.Target.(*memory)
	if !ok {
		return nil, fmt.Errorf("the target of type %T is not allocated by this driver", in.Target)
	}
	return xsync.DoR2(ctx, &d.locker, func() (driver.Fence, error) {
		if d.closed || d.drained {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the decoder does not accept units")
		}
		if err := d.packet.FromData(in.Payload); err != nil {
			return nil, fmt.Errorf("unable to fill a packet: %w", err)
		}
		defer d.packet.Unref()
		d.packet.SetPts(in.Info.PTS)
		if in.Info.Type == hwcodec.UnitTypeKey {
			d.packet.SetFlags(d.packet.Flags().Add(astiav.PacketFlagKey))
		}

		err := d.codecContext.SendPacket(d.packet)
		if errors.Is(err, astiav.ErrEagain) {
			if err := d.receiveLocked(ctx); err != nil {
				return nil, err
			}
			err = d.codecContext.SendPacket(d.packet)
		}
		if err != nil {
			if errors.Is(err, astiav.ErrInvaliddata) {
				return nil, hwcodec.WrapError(hwcodec.ErrorCodeMalformedUnit, fmt.Errorf("the unit %d is rejected: %w", in.Info.PTS, err))
			}
			return nil, d.device.hardwareError(ctx, fmt.Errorf("unable to send the unit %d: %w", in.Info.PTS, err))
		}

		fence := driver.NewFence()
		d.pending[in.Info.PTS] = pendingPicture{
			target: target,
			tag:    in.Tag,
			fence:  fence,
		}
		if err := d.receiveLocked(ctx); err != nil {
			return nil, err
		}
		return fence, nil
	})
}

// receiveLocked copies every picture libavcodec has ready into its
// target and queues it to d.ready.
func (d *decoder) receiveLocked(ctx context.Context) error {
	for !d.drained {
		err := d.codecContext.ReceiveFrame(d.frame)
		switch {
		case err == nil:
		case errors.Is(err, astiav.ErrEagain):
			return nil
		case errors.Is(err, astiav.ErrEof):
			d.drained = true
			for pts, p := range d.pending {
				logger.Warnf(ctx, "the unit %d produced no picture", pts)
				p.fence.Signal(hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "the unit %d produced no picture", pts))
				delete(d.pending, pts)
			}
			d.ready = append(d.ready, &driver.Picture{EndOfStream: true})
			return nil
		default:
			return d.device.hardwareError(ctx, fmt.Errorf("unable to receive a picture: %w", err))
		}

		pts := d.frame.Pts()
		p, ok := d.pending[pts]
		if !ok {
			d.frame.Unref()
			logger.Warnf(ctx, "dropping a picture with unknown PTS %d", pts)
			continue
		}
		delete(d.pending, pts)
		err = d.writePicture(ctx, p.target, d.frame)
		d.frame.Unref()
		if err != nil {
			err = d.device.hardwareError(ctx, err)
		}
		p.fence.Signal(err)
		d.ready = append(d.ready, &driver.Picture{Tag: p.tag, PTS: pts})
	}
	return nil
}

// writePicture copies a decoded CUDA frame into target, converting it
// with swscale if an output format is configured.
func (d *decoder) writePicture(ctx context.Context, target *memory, decoded *astiav.Frame) error {
	if d.cfg.Output == nil {
		return target.copyFrom(ctx, decoded)
	}
	coded := astiav.AllocFrame()
	defer coded.Free()
	if err := decoded.TransferHardwareData(coded); err != nil {
		return fmt.Errorf("unable to download the decoded picture: %w", err)
	}
	converted, err := newSoftwareFrame(driver.Layout{
		Location: driver.LocationHost,
		Format:   target.layout.Format,
		Width:    target.layout.Width,
		Height:   target.layout.Height,
	})
	if err != nil {
		return err
	}
	defer converted.Free()
	scaler, err := d.scalerFor(coded, converted)
	if err != nil {
		return err
	}
	if err := scaler.ScaleFrame(coded, converted); err != nil {
		return fmt.Errorf("unable to convert the decoded picture: %w", err)
	}
	return target.setSoftware(converted)
}

// scalerFor returns a scaler from src to dst, re-creating it when the
// coded format or size changes.
func (d *decoder) scalerFor(src, dst *astiav.Frame) (*astiav.SoftwareScaleContext, error) {
	if s := d.scaler; s != nil &&
		s.SourceWidth() == src.Width() && s.SourceHeight() == src.Height() &&
		s.SourcePixelFormat() == src.PixelFormat() &&
		s.DestinationPixelFormat() == dst.PixelFormat() {
		return s, nil
	}
	d.freeScaler()
	s, err := astiav.CreateSoftwareScaleContext(
		src.Width(), src.Height(), src.PixelFormat(),
		dst.Width(), dst.Height(), dst.PixelFormat(),
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to create a software scale context: %w", err)
	}
	d.scaler = s
	return s, nil
}

func (d *decoder) freeScaler() {
	if d.scaler != nil {
		d.scaler.Free()
		d.scaler = nil
	}
}

func (d *decoder) Poll(ctx context.Context) (*driver.Picture, error) {
	return xsync.DoR2(ctx, &d.locker, func() (*driver.Picture, error) {
		if d.closed {
			return nil, hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the decoder is closed")
		}
		if err := d.receiveLocked(ctx); err != nil {
			return nil, err
		}
		if len(d.ready) == 0 {
			return nil, nil
		}
		pic := d.ready[0]
		d.ready = d.ready[1:]
		return pic, nil
	})
}

func (d *decoder) Drain(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Drain")
	defer func() { logger.Tracef(ctx, "/Drain: %v", _err) }()
	return xsync.DoR1(ctx, &d.locker, func() error {
		if d.closed {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the decoder is closed")
		}
		if err := d.codecContext.SendPacket(nil); err != nil && !errors.Is(err, astiav.ErrEof) {
			return d.device.hardwareError(ctx, fmt.Errorf("unable to start draining: %w", err))
		}
		return nil
	})
}

func (d *decoder) Close(ctx context.Context) (_err error) {
	logger.Tracef(ctx, "Close")
	defer func() { logger.Tracef(ctx, "/Close: %v", _err) }()
	return xsync.DoR1(ctx, &d.locker, func() error {
		if d.closed {
			return hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the decoder is already closed")
		}
		d.closed = true
		for pts, p := range d.pending {
			p.fence.Signal(hwcodec.NewError(hwcodec.ErrorCodeInvalidState, "the decoder is closed"))
			delete(d.pending, pts)
		}
		d.freeScaler()
		return d.closer.Close()
	})
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/bitstream/flv"
	"github.com/xaionaro-go/hwcodec/process"
)

const retrievePollInterval = time.Millisecond

// loopback encodes synthetic frames into an FLV file, then decodes
// the file back.
func loopback(
	ctx context.Context,
	opts process.Options,
	ordinal int,
	cfg hwcodec.CodecConfig,
	frameCount int,
	outputPath string,
) (_err error) {
	host, err := process.Run(ctx, opts)
	if err != nil {
		return fmt.Errorf("unable to start the session host: %w", err)
	}
	defer func() {
		var mErr *multierror.Error
		mErr = multierror.Append(mErr, _err)
		if err := host.Kill(ctx); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to stop the session host: %w", err))
		}
		if err := host.Wait(ctx); err != nil {
			logger.Debugf(ctx, "the session host exited: %v", err)
		}
		_err = mErr.ErrorOrNil()
	}()

	dev, err := host.OpenDevice(ctx, ordinal)
	if err != nil {
		return fmt.Errorf("unable to open device %d: %w", ordinal, err)
	}
	defer func() {
		if err := host.CloseDevice(ctx, dev); err != nil {
			logger.Errorf(ctx, "unable to close device %d: %v", ordinal, err)
		}
	}()

	l := &loop{host: host, dev: dev, cfg: cfg}
	encoded, err := l.encode(ctx, frameCount, outputPath)
	if err != nil {
		return fmt.Errorf("unable to encode: %w", err)
	}
	decoded, err := l.decode(ctx, outputPath)
	if err != nil {
		return fmt.Errorf("unable to decode: %w", err)
	}
	fmt.Printf("frames: %d, units: %d (%d bytes), decoded: %d\n", frameCount, encoded.units, encoded.bytes, decoded)
	if decoded != frameCount {
		return fmt.Errorf("%d frames were encoded, but %d were decoded", frameCount, decoded)
	}
	return nil
}

type loop struct {
	host *process.Host
	dev  uint64
	cfg  hwcodec.CodecConfig

	// lent are buffers submitted to the encoder and not yet released
	lent []uint64
}

type encodeResult struct {
	units int
	bytes int
}

func fillPicture(frame []byte, pts int64, width int) {
	for i := range frame {
		frame[i] = byte(i%width + int(pts)*4)
	}
}

func (l *loop) encode(ctx context.Context, frameCount int, outputPath string) (_ret encodeResult, _err error) {
	logger.Tracef(ctx, "encode")
	defer func() { logger.Tracef(ctx, "/encode: %v", _err) }()

	f, err := os.Create(outputPath)
	if err != nil {
		return encodeResult{}, fmt.Errorf("unable to create '%s': %w", outputPath, err)
	}
	defer f.Close()
	w, err := flv.NewWriter(f, l.cfg.Codec, l.cfg.FrameRate)
	if err != nil {
		return encodeResult{}, err
	}

	enc, err := l.host.CreateEncoder(ctx, l.dev, l.cfg)
	if err != nil {
		return encodeResult{}, err
	}
	defer func() {
		if err := l.host.SessionDestroy(ctx, enc); err != nil {
			logger.Errorf(ctx, "unable to destroy the encoder: %v", err)
		}
	}()
	if err := l.host.EncoderStart(ctx, enc); err != nil {
		return encodeResult{}, err
	}

	var result encodeResult
	collect := func(untilDrained bool) error {
		for {
			unit, err := l.host.EncoderRetrieve(ctx, enc)
			if errors.Is(err, hwcodec.ErrDrained) {
				return nil
			}
			if err != nil {
				return err
			}
			if unit == nil {
				l.releaseLent(ctx)
				if !untilDrained {
					return nil
				}
				time.Sleep(retrievePollInterval)
				continue
			}
			result.units++
			result.bytes += len(unit.Payload)
			if err := w.WriteUnit(ctx, unit); err != nil {
				return err
			}
		}
	}

	for pts := int64(0); pts < int64(frameCount); pts++ {
		buf, size, err := l.host.BufferAcquire(ctx, l.dev, l.cfg.PixelFormat, l.cfg.Width, l.cfg.Height)
		if err != nil {
			return result, fmt.Errorf("unable to acquire a buffer for frame %d: %w", pts, err)
		}
		frame := make([]byte, size)
		fillPicture(frame, pts, int(l.cfg.Width))
		if err := l.host.BufferUpload(ctx, l.dev, buf, frame); err != nil {
			return result, err
		}
		for {
			err := l.host.EncoderSubmit(ctx, enc, buf, pts)
			if !errors.Is(err, hwcodec.ErrQueueFull) {
				if err != nil {
					return result, fmt.Errorf("unable to submit frame %d: %w", pts, err)
				}
				break
			}
			if err := collect(false); err != nil {
				return result, err
			}
			time.Sleep(retrievePollInterval)
		}
		l.lent = append(l.lent, buf)
		if err := collect(false); err != nil {
			return result, err
		}
	}
	if err := l.host.EncoderFlush(ctx, enc); err != nil {
		return result, err
	}
	if err := collect(true); err != nil {
		return result, err
	}
	l.releaseLent(ctx)
	if len(l.lent) > 0 {
		logger.Warnf(ctx, "%d buffers are still busy after draining", len(l.lent))
	}
	return result, nil
}

// releaseLent releases the buffers the encoder is done with.
func (l *loop) releaseLent(ctx context.Context) {
	kept := l.lent[:0]
	for _, buf := range l.lent {
		err := l.host.BufferRelease(ctx, l.dev, buf)
		switch {
		case err == nil:
		case errors.Is(err, hwcodec.ErrBufferBusy):
			kept = append(kept, buf)
		default:
			logger.Warnf(ctx, "unable to release buffer %X: %v", buf, err)
		}
	}
	l.lent = kept
}

func (l *loop) decode(ctx context.Context, inputPath string) (_ret int, _err error) {
	logger.Tracef(ctx, "decode")
	defer func() { logger.Tracef(ctx, "/decode: %d %v", _ret, _err) }()

	f, err := os.Open(inputPath)
	if err != nil {
		return 0, fmt.Errorf("unable to open '%s': %w", inputPath, err)
	}
	defer f.Close()
	r, err := flv.NewReader(f, l.cfg.FrameRate)
	if err != nil {
		return 0, err
	}

	dec, err := l.host.CreateDecoder(ctx, l.dev, l.cfg)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := l.host.SessionDestroy(ctx, dec); err != nil {
			logger.Errorf(ctx, "unable to destroy the decoder: %v", err)
		}
	}()
	if err := l.host.DecoderStart(ctx, dec); err != nil {
		return 0, err
	}

	decoded := 0
	lastPTS := int64(-1)
	collect := func(untilDrained bool) error {
		for {
			buf, pts, ok, err := l.host.DecoderRetrieve(ctx, dec)
			if errors.Is(err, hwcodec.ErrDrained) {
				return nil
			}
			if err != nil {
				return err
			}
			if !ok {
				if !untilDrained {
					return nil
				}
				time.Sleep(retrievePollInterval)
				continue
			}
			if pts <= lastPTS {
				logger.Warnf(ctx, "frame %d came after frame %d", pts, lastPTS)
			}
			lastPTS = pts
			decoded++
			if err := l.host.BufferRelease(ctx, l.dev, buf); err != nil {
				return fmt.Errorf("unable to release the frame %d: %w", pts, err)
			}
		}
	}

	for {
		unit, codec, err := r.ReadUnit(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return decoded, err
		}
		if codec != l.cfg.Codec {
			return decoded, fmt.Errorf("the file contains %s, expected %s", codec, l.cfg.Codec)
		}
		for {
			err := l.host.DecoderSubmit(ctx, dec, *unit)
			if !errors.Is(err, hwcodec.ErrQueueFull) {
				if err != nil {
					return decoded, fmt.Errorf("unable to submit the unit %d: %w", unit.PTS, err)
				}
				break
			}
			if err := collect(false); err != nil {
				return decoded, err
			}
			time.Sleep(retrievePollInterval)
		}
		if err := collect(false); err != nil {
			return decoded, err
		}
	}
	if err := l.host.DecoderFlush(ctx, dec); err != nil {
		return decoded, err
	}
	if err := collect(true); err != nil {
		return decoded, err
	}
	return decoded, nil
}

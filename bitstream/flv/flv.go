// Package flv stores encoded units as FLV video tags and reads them
// back.
//
// The tag timestamp is the PTS converted to milliseconds with the
// stream frame rate. Payloads are stored as they come from the
// encoder; no decoder configuration record is written.
package flv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	goflv "github.com/yutopp/go-flv"
	"github.com/yutopp/go-flv/tag"
)

const (
	codecIDHEVC = tag.CodecID(12)
	codecIDAV1  = tag.CodecID(13)
)

func codecID(codec hwcodec.Codec) (tag.CodecID, error) {
	switch codec {
	case hwcodec.CodecH264:
		return tag.CodecIDAVC, nil
	case hwcodec.CodecHEVC:
		return codecIDHEVC, nil
	case hwcodec.CodecAV1:
		return codecIDAV1, nil
	}
	return 0, fmt.Errorf("codec %s cannot be stored in FLV", codec)
}

func codecFromID(id tag.CodecID) (hwcodec.Codec, error) {
	switch id {
	case tag.CodecIDAVC:
		return hwcodec.CodecH264, nil
	case codecIDHEVC:
		return hwcodec.CodecHEVC, nil
	case codecIDAV1:
		return hwcodec.CodecAV1, nil
	}
	return hwcodec.CodecUndefined, fmt.Errorf("unexpected FLV video codec ID %d", id)
}

func ptsToMillis(pts int64, rate hwcodec.Rational) uint32 {
	return uint32(pts * 1000 * int64(rate.Den) / int64(rate.Num))
}

func millisToPTS(ts uint32, rate hwcodec.Rational) int64 {
	num := int64(ts) * int64(rate.Num)
	den := 1000 * int64(rate.Den)
	return (num + den/2) / den
}

type Writer struct {
	encoder   *goflv.Encoder
	codecID   tag.CodecID
	frameRate hwcodec.Rational
	tagCount  uint64
}

// NewWriter writes the FLV header to w.
func NewWriter(w io.Writer, codec hwcodec.Codec, frameRate hwcodec.Rational) (*Writer, error) {
	id, err := codecID(codec)
	if err != nil {
		return nil, err
	}
	if frameRate.Num == 0 || frameRate.Den == 0 {
		return nil, fmt.Errorf("invalid frame rate %s", frameRate)
	}
	enc, err := goflv.NewEncoder(w, goflv.FlagsVideo)
	if err != nil {
		return nil, fmt.Errorf("unable to write the FLV header: %w", err)
	}
	return &Writer{
		encoder:   enc,
		codecID:   id,
		frameRate: frameRate,
	}, nil
}

// WriteUnit writes one complete unit as a video tag.
func (w *Writer) WriteUnit(ctx context.Context, unit *hwcodec.BitstreamUnit) error {
	if !unit.Complete {
		return fmt.Errorf("unable to store an incomplete unit %s", unit)
	}
	frameType := tag.FrameTypeInterFrame
	if unit.IsKey() {
		frameType = tag.FrameTypeKeyFrame
	}
	ts := ptsToMillis(unit.PTS, w.frameRate)
	logger.Tracef(ctx, "FLV tag #%d: %s at %dms", w.tagCount, unit, ts)
	err := w.encoder.Encode(&tag.FlvTag{
		TagType:   tag.TagTypeVideo,
		Timestamp: ts,
		Data: &tag.VideoData{
			FrameType:     frameType,
			CodecID:       w.codecID,
			AVCPacketType: tag.AVCPacketTypeNALU,
			Data:          bytes.NewReader(unit.Payload),
		},
	})
	if err != nil {
		return fmt.Errorf("unable to write the FLV tag of %s: %w", unit, err)
	}
	w.tagCount++
	return nil
}

type Reader struct {
	decoder   *goflv.Decoder
	frameRate hwcodec.Rational
}

// NewReader reads the FLV header from r.
func NewReader(r io.Reader, frameRate hwcodec.Rational) (*Reader, error) {
	if frameRate.Num == 0 || frameRate.Den == 0 {
		return nil, fmt.Errorf("invalid frame rate %s", frameRate)
	}
	dec, err := goflv.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read the FLV header: %w", err)
	}
	return &Reader{
		decoder:   dec,
		frameRate: frameRate,
	}, nil
}

// ReadUnit returns the next video unit and its codec; non-video tags
// are skipped. It returns io.EOF at the end of the stream.
func (r *Reader) ReadUnit(ctx context.Context) (*hwcodec.BitstreamUnit, hwcodec.Codec, error) {
	for {
		var flvTag tag.FlvTag
		if err := r.decoder.Decode(&flvTag); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, hwcodec.CodecUndefined, io.EOF
			}
			return nil, hwcodec.CodecUndefined, fmt.Errorf("unable to read an FLV tag: %w", err)
		}
		unit, codec, err := r.unitFromTag(&flvTag)
		if err != nil {
			return nil, hwcodec.CodecUndefined, err
		}
		if unit == nil {
			logger.Debugf(ctx, "skipping an FLV tag of type %d", flvTag.TagType)
			continue
		}
		return unit, codec, nil
	}
}

func (r *Reader) unitFromTag(flvTag *tag.FlvTag) (*hwcodec.BitstreamUnit, hwcodec.Codec, error) {
	video, ok := flvTag.Data.(*tag.VideoData)
	if !ok {
		return nil, hwcodec.CodecUndefined, nil
	}
	codec, err := codecFromID(video.CodecID)
	if err != nil {
		return nil, hwcodec.CodecUndefined, err
	}
	payload, err := io.ReadAll(video.Data)
	if err != nil {
		return nil, hwcodec.CodecUndefined, fmt.Errorf("unable to read the video tag payload: %w", err)
	}
	unitType := hwcodec.UnitTypeDelta
	if video.FrameType == tag.FrameTypeKeyFrame {
		unitType = hwcodec.UnitTypeKey
	}
	return &hwcodec.BitstreamUnit{
		Payload:  payload,
		PTS:      millisToPTS(flvTag.Timestamp, r.frameRate),
		Type:     unitType,
		Complete: true,
	}, codec, nil
}

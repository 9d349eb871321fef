package flv

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec"
)

func TestWriteRead(t *testing.T) {
	ctx := context.Background()
	rate := hwcodec.Rational{Num: 30, Den: 1}

	var units []*hwcodec.BitstreamUnit
	for pts := int64(0); pts < 10; pts++ {
		unitType := hwcodec.UnitTypeDelta
		if pts%5 == 0 {
			unitType = hwcodec.UnitTypeKey
		}
		units = append(units, &hwcodec.BitstreamUnit{
			Payload:  bytes.Repeat([]byte{byte(pts)}, int(10+pts)),
			PTS:      pts,
			Type:     unitType,
			Complete: true,
		})
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf, hwcodec.CodecHEVC, rate)
	require.NoError(t, err)
	for _, unit := range units {
		require.NoError(t, w.WriteUnit(ctx, unit))
	}
	require.Error(t, w.WriteUnit(ctx, &hwcodec.BitstreamUnit{PTS: 10}))

	r, err := NewReader(&buf, rate)
	require.NoError(t, err)
	for _, want := range units {
		got, codec, err := r.ReadUnit(ctx)
		require.NoError(t, err)
		require.Equal(t, hwcodec.CodecHEVC, codec)
		require.Equal(t, want, got)
	}
	_, _, err = r.ReadUnit(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestUnsupported(t *testing.T) {
	_, err := NewWriter(io.Discard, hwcodec.CodecUndefined, hwcodec.Rational{Num: 25, Den: 1})
	require.Error(t, err)
	_, err = NewWriter(io.Discard, hwcodec.CodecH264, hwcodec.Rational{})
	require.Error(t, err)
}

func TestTimestamps(t *testing.T) {
	for _, rate := range []hwcodec.Rational{{Num: 30, Den: 1}, {Num: 30000, Den: 1001}, {Num: 60, Den: 1}, {Num: 25, Den: 1}} {
		for pts := int64(0); pts < 1000; pts++ {
			require.Equal(t, pts, millisToPTS(ptsToMillis(pts, rate), rate), "rate %s pts %d", rate, pts)
		}
	}
}

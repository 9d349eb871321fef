package emulated

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec"
)

func TestUnitBuildParse(t *testing.T) {
	h := UnitHeader{
		Codec:      hwcodec.CodecHEVC,
		FrameType:  FrameTypeB,
		Fill:       0x42,
		PTS:        -7,
		Width:      1280,
		Height:     720,
		BodySize:   100,
		References: []int64{-8, 3},
	}
	b := BuildUnit(h)
	require.Len(t, b, h.Size()+100)

	parsed, err := ParseUnitHeader(b)
	require.NoError(t, err)
	require.Equal(t, h, parsed)
}

func TestUnitParseMalformed(t *testing.T) {
	valid := BuildUnit(UnitHeader{
		Codec:      hwcodec.CodecH264,
		FrameType:  FrameTypeP,
		PTS:        1,
		Width:      64,
		Height:     64,
		BodySize:   10,
		References: []int64{0},
	})

	for name, b := range map[string][]byte{
		"empty":     nil,
		"truncated": valid[:len(valid)-1],
		"extended":  append(append([]byte{}, valid...), 0),
		"magic":     append([]byte("XWCU"), valid[4:]...),
		"corrupted": func() []byte {
			c := append([]byte{}, valid...)
			c[9] ^= 0xff
			return c
		}(),
		"i_with_refs": BuildUnit(UnitHeader{FrameType: FrameTypeI, References: []int64{1}}),
		"bad_type":    BuildUnit(UnitHeader{FrameType: FrameType('X')}),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseUnitHeader(b)
			require.ErrorIs(t, err, hwcodec.ErrMalformedUnit)
		})
	}
}

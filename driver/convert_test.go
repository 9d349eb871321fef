package driver

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/hwcodec"
)

// uniformYUV builds a picture with the same Y, Cb and Cr everywhere.
func uniformYUV(l Layout, pitch uint32, y, cb, cr byte) []byte {
	planes := Planes(l, pitch)
	buf := make([]byte, planesEnd(planes))
	set := func(off uint64, v byte) {
		if l.Format == hwcodec.PixelFormatP010 {
			buf[off+1] = v
			return
		}
		buf[off] = v
	}
	step := uint64(l.Format.BytesPerSample())
	for row := uint64(0); row < uint64(planes[0].Rows); row++ {
		for x := uint64(0); x < uint64(l.Width); x++ {
			set(planes[0].Offset+row*uint64(planes[0].Pitch)+x*step, y)
		}
	}
	for row := uint64(0); row < uint64(planes[1].Rows); row++ {
		for x := uint64(0); x < uint64(l.Width+1)/2; x++ {
			if l.Format == hwcodec.PixelFormatYUV420P {
				buf[planes[1].Offset+row*uint64(planes[1].Pitch)+x] = cb
				buf[planes[2].Offset+row*uint64(planes[2].Pitch)+x] = cr
				continue
			}
			set(planes[1].Offset+row*uint64(planes[1].Pitch)+2*x*step, cb)
			set(planes[1].Offset+row*uint64(planes[1].Pitch)+(2*x+1)*step, cr)
		}
	}
	return buf
}

func TestConvertPicture(t *testing.T) {
	for _, srcFormat := range []hwcodec.PixelFormat{
		hwcodec.PixelFormatNV12,
		hwcodec.PixelFormatP010,
		hwcodec.PixelFormatYUV420P,
	} {
		for _, tc := range []struct {
			name     string
			format   hwcodec.PixelFormat
			width    uint32
			height   uint32
			pitch    uint32
			expected [4]byte
		}{
			{name: "rgba", format: hwcodec.PixelFormatRGBA, width: 8, height: 6, expected: [4]byte{229, 77, 128, 255}},
			{name: "bgra", format: hwcodec.PixelFormatBGRA, width: 8, height: 6, expected: [4]byte{128, 77, 229, 255}},
			{name: "rgba_scaled", format: hwcodec.PixelFormatRGBA, width: 3, height: 2, pitch: 16, expected: [4]byte{229, 77, 128, 255}},
			{name: "bgra_scaled", format: hwcodec.PixelFormatBGRA, width: 16, height: 12, expected: [4]byte{128, 77, 229, 255}},
		} {
			t.Run(srcFormat.String()+"/"+tc.name, func(t *testing.T) {
				srcLayout := Layout{Location: LocationHost, Format: srcFormat, Width: 8, Height: 6}
				src := uniformYUV(srcLayout, 32, 128, 128, 200)

				dstLayout := Layout{Location: LocationHost, Format: tc.format, Width: tc.width, Height: tc.height}
				pitch := tc.pitch
				if pitch == 0 {
					pitch = tc.width * 4
				}
				dst := make([]byte, pitch*tc.height)
				require.NoError(t, ConvertPicture(dst, dstLayout, tc.pitch, src, srcLayout, 32))

				for y := uint32(0); y < tc.height; y++ {
					for x := uint32(0); x < tc.width; x++ {
						off := y*pitch + x*4
						for c := range tc.expected {
							require.InDelta(t, tc.expected[c], dst[off+uint32(c)], 1, "pixel %d,%d channel %d", x, y, c)
						}
					}
					for off := y*pitch + tc.width*4; off < (y+1)*pitch; off++ {
						require.Zero(t, dst[off], "padding of row %d", y)
					}
				}
			})
		}
	}
}

func TestConvertPictureUnsupported(t *testing.T) {
	nv12 := Layout{Format: hwcodec.PixelFormatNV12, Width: 4, Height: 4}
	rgba := Layout{Format: hwcodec.PixelFormatRGBA, Width: 4, Height: 4}
	src := make([]byte, PackedSize(nv12))
	dst := make([]byte, PackedSize(rgba))

	require.ErrorIs(t, ConvertPicture(dst, nv12, 0, src, nv12, 0), hwcodec.ErrUnsupportedConfig)
	require.ErrorIs(t, ConvertPicture(dst, rgba, 0, dst, rgba, 0), hwcodec.ErrUnsupportedConfig)
	require.Error(t, ConvertPicture(dst[:10], rgba, 0, src, nv12, 0))
	require.Error(t, ConvertPicture(dst, rgba, 0, src[:10], nv12, 0))
}

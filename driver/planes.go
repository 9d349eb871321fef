package driver

import (
	"github.com/xaionaro-go/hwcodec"
)

// Plane describes one plane of a picture within a linear buffer.
type Plane struct {
	Offset  uint64
	Pitch   uint32
	RowSize uint32
	Rows    uint32
}

// Planes returns the planes of a picture stored with the given pitch
// (of the first plane); pitch zero means tightly packed.
func Planes(l Layout, pitch uint32) []Plane {
	rowSize := l.Width * l.Format.BytesPerSample()
	if pitch == 0 {
		pitch = rowSize
	}
	luma := Plane{Pitch: pitch, RowSize: rowSize, Rows: l.Height}
	lumaSize := uint64(pitch) * uint64(l.Height)
	chromaRows := (l.Height + 1) / 2
	switch l.Format {
	case hwcodec.PixelFormatNV12, hwcodec.PixelFormatP010:
		return []Plane{
			luma,
			{Offset: lumaSize, Pitch: pitch, RowSize: rowSize, Rows: l.Height / 2},
		}
	case hwcodec.PixelFormatYUV420P:
		chroma := Plane{Pitch: pitch / 2, RowSize: rowSize / 2, Rows: chromaRows}
		u, v := chroma, chroma
		u.Offset = lumaSize
		v.Offset = lumaSize + uint64(chroma.Pitch)*uint64(chromaRows)
		return []Plane{luma, u, v}
	}
	return []Plane{luma}
}

// CopyPlanes copies the visible rows of every plane.
func CopyPlanes(dst []byte, dstPlanes []Plane, src []byte, srcPlanes []Plane) {
	for i := range dstPlanes {
		d, s := dstPlanes[i], srcPlanes[i]
		for row := uint32(0); row < d.Rows; row++ {
			dOff := d.Offset + uint64(row)*uint64(d.Pitch)
			sOff := s.Offset + uint64(row)*uint64(s.Pitch)
			copy(dst[dOff:dOff+uint64(d.RowSize)], src[sOff:sOff+uint64(s.RowSize)])
		}
	}
}

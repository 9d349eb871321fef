package driver

import (
	"fmt"
	"image"

	"github.com/xaionaro-go/hwcodec"
	"golang.org/x/image/draw"
)

// ConvertPicture converts a YUV picture (NV12, P010 or YUV420P) into
// an RGBA or BGRA one, scaling it to the size of dstLayout. Pitch zero
// means tightly packed rows.
func ConvertPicture(
	dst []byte, dstLayout Layout, dstPitch uint32,
	src []byte, srcLayout Layout, srcPitch uint32,
) error {
	in, err := toYCbCr(src, srcLayout, srcPitch)
	if err != nil {
		return err
	}
	out, err := toRGBA(dst, dstLayout, dstPitch)
	if err != nil {
		return err
	}
	if in.Rect.Size() == out.Rect.Size() {
		draw.Draw(out, out.Rect, in, image.Point{}, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(out, out.Rect, in, in.Rect, draw.Src, nil)
	}
	if dstLayout.Format == hwcodec.PixelFormatBGRA {
		for y := 0; y < out.Rect.Dy(); y++ {
			row := out.Pix[y*out.Stride : y*out.Stride+out.Rect.Dx()*4]
			for x := 0; x < len(row); x += 4 {
				row[x], row[x+2] = row[x+2], row[x]
			}
		}
	}
	return nil
}

func planesEnd(planes []Plane) uint64 {
	var end uint64
	for _, p := range planes {
		if p.Rows == 0 {
			continue
		}
		end = max(end, p.Offset+uint64(p.Pitch)*uint64(p.Rows-1)+uint64(p.RowSize))
	}
	return end
}

func toYCbCr(src []byte, l Layout, pitch uint32) (*image.YCbCr, error) {
	planes := Planes(l, pitch)
	if end := planesEnd(planes); uint64(len(src)) < end {
		return nil, fmt.Errorf("%d bytes is not enough for %s (%d)", len(src), l, end)
	}
	w, h := int(l.Width), int(l.Height)
	img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)

	// P010 keeps a sample in the upper 10 bits of a little-endian
	// word, so its high byte is the 8-bit value
	var step, high int
	switch l.Format {
	case hwcodec.PixelFormatNV12, hwcodec.PixelFormatYUV420P:
		step, high = 1, 0
	case hwcodec.PixelFormatP010:
		step, high = 2, 1
	default:
		return nil, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "unable to convert from %s", l.Format)
	}

	luma := planes[0]
	for y := 0; y < h; y++ {
		row := src[luma.Offset+uint64(y)*uint64(luma.Pitch):]
		for x := 0; x < w; x++ {
			img.Y[y*img.YStride+x] = row[x*step+high]
		}
	}

	cw, ch := (w+1)/2, min((h+1)/2, int(planes[1].Rows))
	for y := 0; y < ch; y++ {
		cb, cr := img.Cb[y*img.CStride:], img.Cr[y*img.CStride:]
		u := src[planes[1].Offset+uint64(y)*uint64(planes[1].Pitch):]
		if l.Format == hwcodec.PixelFormatYUV420P {
			v := src[planes[2].Offset+uint64(y)*uint64(planes[2].Pitch):]
			copy(cb[:cw], u)
			copy(cr[:cw], v)
			continue
		}
		for x := 0; x < cw; x++ {
			cb[x] = u[2*x*step+high]
			cr[x] = u[(2*x+1)*step+high]
		}
	}
	return img, nil
}

func toRGBA(dst []byte, l Layout, pitch uint32) (*image.RGBA, error) {
	switch l.Format {
	case hwcodec.PixelFormatRGBA, hwcodec.PixelFormatBGRA:
	default:
		return nil, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "unable to convert to %s", l.Format)
	}
	if pitch == 0 {
		pitch = l.Width * 4
	}
	end := planesEnd(Planes(l, pitch))
	if uint64(len(dst)) < end {
		return nil, fmt.Errorf("%d bytes is not enough for %s (%d)", len(dst), l, end)
	}
	return &image.RGBA{
		Pix:    dst[:end],
		Stride: int(pitch),
		Rect:   image.Rect(0, 0, int(l.Width), int(l.Height)),
	}, nil
}

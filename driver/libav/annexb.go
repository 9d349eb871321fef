package libav

import (
	"github.com/xaionaro-go/hwcodec"
)

// splitNALUnits returns the NAL units of an Annex-B byte stream,
// without the start codes. Bytes before the first start code are
// ignored.
func splitNALUnits(payload []byte) [][]byte {
	var (
		units [][]byte
		start = -1
	)
	for i := 0; i+2 < len(payload); {
		if payload[i] != 0 || payload[i+1] != 0 || payload[i+2] != 1 {
			i++
			continue
		}
		if start >= 0 {
			end := i
			if end > start && payload[end-1] == 0 {
				end--
			}
			units = append(units, payload[start:end])
		}
		i += 3
		start = i
	}
	if start >= 0 && start < len(payload) {
		units = append(units, payload[start:])
	}
	return units
}

type annexBSummary struct {
	Key       bool
	Reference bool
}

// summarizeAnnexB tells whether a complete access unit is a random
// access point and whether later units may predict from it.
func summarizeAnnexB(codec hwcodec.Codec, payload []byte) (annexBSummary, error) {
	nals := splitNALUnits(payload)
	if len(nals) == 0 {
		return annexBSummary{}, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "no Annex-B start code in a %d-byte unit", len(payload))
	}

	var (
		s        annexBSummary
		hasSlice bool
	)
	for _, nal := range nals {
		if len(nal) == 0 {
			continue
		}
		switch codec {
		case hwcodec.CodecH264:
			if nal[0]&0x80 != 0 {
				return annexBSummary{}, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "forbidden_zero_bit is set")
			}
			nalType := nal[0] & 0x1f
			if nalType < 1 || nalType > 5 {
				continue
			}
			hasSlice = true
			if nalType == 5 {
				s.Key = true
			}
			if nal[0]&0x60 != 0 {
				s.Reference = true
			}
		case hwcodec.CodecHEVC:
			if len(nal) < 2 {
				return annexBSummary{}, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "truncated HEVC NAL header")
			}
			if nal[0]&0x80 != 0 {
				return annexBSummary{}, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "forbidden_zero_bit is set")
			}
			nalType := (nal[0] >> 1) & 0x3f
			if nalType > 31 {
				continue
			}
			hasSlice = true
			switch {
			case nalType >= 16 && nalType <= 23:
				s.Key = true
				s.Reference = true
			case nalType <= 14 && nalType%2 == 0:
				// sub-layer non-reference picture
			default:
				s.Reference = true
			}
		default:
			return annexBSummary{}, hwcodec.NewError(hwcodec.ErrorCodeUnsupportedConfig, "%s is not an Annex-B codec", codec)
		}
	}
	if !hasSlice {
		return annexBSummary{}, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "the unit has no slice data")
	}
	return s, nil
}

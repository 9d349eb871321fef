package emulated

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/xaionaro-go/hwcodec"
)

// An emulated elementary unit is a header followed by BodySize filler
// bytes:
//
//	magic[4] version:u8 codec:u8 frame_type:u8 fill:u8
//	pts:i64 width:u32 height:u32 body_size:u32
//	ref_count:u8 refs:i64[ref_count] crc32:u32
//
// All integers are big endian; the CRC covers everything before it.
var unitMagic = [4]byte{'H', 'W', 'C', 'U'}

const (
	unitVersion       = 1
	unitFixedSize     = 4 + 4 + 8 + 4 + 4 + 4 + 1
	unitMaxReferences = 16
)

type FrameType uint8

const (
	FrameTypeI = FrameType('I')
	FrameTypeP = FrameType('P')
	FrameTypeB = FrameType('B')
)

func (t FrameType) String() string {
	switch t {
	case FrameTypeI, FrameTypeP, FrameTypeB:
		return string(rune(t))
	}
	return fmt.Sprintf("unexpected_frame_type_%d", uint8(t))
}

func (t FrameType) UnitType() hwcodec.UnitType {
	if t == FrameTypeI {
		return hwcodec.UnitTypeKey
	}
	return hwcodec.UnitTypeDelta
}

type UnitHeader struct {
	Codec      hwcodec.Codec
	FrameType  FrameType
	Fill       byte
	PTS        int64
	Width      uint32
	Height     uint32
	BodySize   uint32
	References []int64
}

func (h UnitHeader) Size() int {
	return unitFixedSize + 8*len(h.References) + 4
}

// BuildUnit serializes the header and appends the body.
func BuildUnit(h UnitHeader) []byte {
	if len(h.References) > unitMaxReferences {
		panic(fmt.Errorf("too many references: %d", len(h.References)))
	}
	buf := bytes.NewBuffer(make([]byte, 0, h.Size()+int(h.BodySize)))
	buf.Write(unitMagic[:])
	buf.WriteByte(unitVersion)
	buf.WriteByte(byte(h.Codec))
	buf.WriteByte(byte(h.FrameType))
	buf.WriteByte(h.Fill)
	_ = binary.Write(buf, binary.BigEndian, h.PTS)
	_ = binary.Write(buf, binary.BigEndian, h.Width)
	_ = binary.Write(buf, binary.BigEndian, h.Height)
	_ = binary.Write(buf, binary.BigEndian, h.BodySize)
	buf.WriteByte(byte(len(h.References)))
	for _, ref := range h.References {
		_ = binary.Write(buf, binary.BigEndian, ref)
	}
	_ = binary.Write(buf, binary.BigEndian, crc32.ChecksumIEEE(buf.Bytes()))
	buf.Write(bytes.Repeat([]byte{h.Fill}, int(h.BodySize)))
	return buf.Bytes()
}

// ParseUnitHeader parses and verifies a whole unit.
func ParseUnitHeader(b []byte) (UnitHeader, error) {
	var h UnitHeader
	if len(b) < unitFixedSize+4 {
		return h, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "the unit is too short: %d bytes", len(b))
	}
	if !bytes.Equal(b[:4], unitMagic[:]) {
		return h, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "invalid magic %X", b[:4])
	}
	if b[4] != unitVersion {
		return h, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "unsupported unit version %d", b[4])
	}
	h.Codec = hwcodec.Codec(b[5])
	h.FrameType = FrameType(b[6])
	h.Fill = b[7]
	h.PTS = int64(binary.BigEndian.Uint64(b[8:]))
	h.Width = binary.BigEndian.Uint32(b[16:])
	h.Height = binary.BigEndian.Uint32(b[20:])
	h.BodySize = binary.BigEndian.Uint32(b[24:])
	refCount := int(b[28])
	if refCount > unitMaxReferences {
		return h, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "too many references: %d", refCount)
	}
	headerSize := unitFixedSize + 8*refCount
	if len(b) < headerSize+4 {
		return h, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "the unit is truncated within the header")
	}
	for i := 0; i < refCount; i++ {
		h.References = append(h.References, int64(binary.BigEndian.Uint64(b[unitFixedSize+8*i:])))
	}
	crc := binary.BigEndian.Uint32(b[headerSize:])
	if crc != crc32.ChecksumIEEE(b[:headerSize]) {
		return h, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "header checksum mismatch")
	}
	switch h.FrameType {
	case FrameTypeI:
		if refCount != 0 {
			return h, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "an I-frame with references")
		}
	case FrameTypeP, FrameTypeB:
	default:
		return h, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "invalid frame type %d", uint8(h.FrameType))
	}
	if got, expected := len(b), h.Size()+int(h.BodySize); got != expected {
		return h, hwcodec.NewError(hwcodec.ErrorCodeMalformedUnit, "the unit is %d bytes, expected %d", got, expected)
	}
	return h, nil
}

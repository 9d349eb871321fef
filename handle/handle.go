// Package handle implements opaque identifiers that name the object
// they refer to, the owner that created it and the incarnation of the
// slot, so that a stale or foreign handle is detected instead of
// silently reaching another object.
package handle

import (
	"fmt"
)

type Owner uint16

const (
	OwnerUndefined = Owner(iota)
	OwnerDevice
	OwnerBufferPool
	OwnerEncoder
	OwnerDecoder
	EndOfOwner
)

func (o Owner) String() string {
	switch o {
	case OwnerUndefined:
		return "<undefined>"
	case OwnerDevice:
		return "device"
	case OwnerBufferPool:
		return "buffer_pool"
	case OwnerEncoder:
		return "encoder"
	case OwnerDecoder:
		return "decoder"
	}
	return fmt.Sprintf("unexpected_owner_%d", uint(o))
}

// Handle packs into 64 bits as owner:16 | generation:16 | slot:32.
type Handle struct {
	Owner      Owner
	Generation uint16
	Slot       uint32
}

var Nil = Handle{}

func (h Handle) IsNil() bool {
	return h == Nil
}

func (h Handle) Pack() uint64 {
	return uint64(h.Owner)<<48 | uint64(h.Generation)<<32 | uint64(h.Slot)
}

func Unpack(v uint64) Handle {
	return Handle{
		Owner:      Owner(v >> 48),
		Generation: uint16(v >> 32),
		Slot:       uint32(v),
	}
}

func (h Handle) String() string {
	return fmt.Sprintf("%s#%d.%d", h.Owner, h.Slot, h.Generation)
}

package hwcodec

import (
	"fmt"
)

// BitstreamUnit is one encoded access unit. Ownership of Payload
// moves to the receiver.
type BitstreamUnit struct {
	Payload []byte
	PTS     int64
	Type    UnitType

	// Complete is false for a fragment of a unit; fragments are
	// joined with the following units until a Complete one arrives.
	Complete bool
}

func (u *BitstreamUnit) IsKey() bool {
	return u.Type == UnitTypeKey
}

func (u *BitstreamUnit) String() string {
	if u == nil {
		return "null"
	}
	return fmt.Sprintf("unit{pts:%d type:%s size:%d complete:%t}", u.PTS, u.Type, len(u.Payload), u.Complete)
}

// Package hwcodec contains the types shared by the hardware codec
// session manager: codec configuration, bitstream units, session
// states and the error taxonomy.
//
// The sessions themselves live in the encoder and decoder packages and
// are created through the manager package.
package hwcodec

import (
	"context"
	"io"
)

type SessionKind uint

const (
	SessionKindUndefined = SessionKind(iota)
	SessionKindEncoder
	SessionKindDecoder
	EndOfSessionKind
)

func (k SessionKind) String() string {
	switch k {
	case SessionKindUndefined:
		return "<undefined>"
	case SessionKindEncoder:
		return "encoder"
	case SessionKindDecoder:
		return "decoder"
	}
	return "unexpected_session_kind"
}

// Session is what encoder and decoder sessions have in common.
type Session interface {
	io.Closer
	Kind() SessionKind
	State() State
	Config() CodecConfig

	// Flush stops accepting input; the remaining output may still be
	// retrieved until the end-of-stream marker.
	Flush(context.Context) error

	// CloseCtx moves an Idle or Configured session to Closed.
	CloseCtx(context.Context) error
}

// ErrDrained is returned by the retrieve operations after the last
// output of a draining session. It is io.EOF, so the usual reading
// loops terminate on it.
var ErrDrained = io.EOF

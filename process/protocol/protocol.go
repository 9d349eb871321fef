// Package protocol declares the gRPC service of the session host: the
// method names, the messages and the JSON codec they travel with.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/hwapi"
	"google.golang.org/grpc/encoding"
)

const ServiceName = "hwcodec.SessionHost"

const (
	MethodSetLoggingLevel        = "SetLoggingLevel"
	MethodDie                    = "Die"
	MethodDevices                = "Devices"
	MethodOpenDevice             = "OpenDevice"
	MethodCloseDevice            = "CloseDevice"
	MethodBufferAcquire          = "BufferAcquire"
	MethodBufferUpload           = "BufferUpload"
	MethodBufferDownload         = "BufferDownload"
	MethodBufferRelease          = "BufferRelease"
	MethodCreateEncoder          = "CreateEncoder"
	MethodEncoderStart           = "EncoderStart"
	MethodEncoderSubmit          = "EncoderSubmit"
	MethodEncoderRetrieve        = "EncoderRetrieve"
	MethodEncoderFlush           = "EncoderFlush"
	MethodEncoderRequestKeyFrame = "EncoderRequestKeyFrame"
	MethodEncoderSetRateControl  = "EncoderSetRateControl"
	MethodCreateDecoder          = "CreateDecoder"
	MethodDecoderStart           = "DecoderStart"
	MethodDecoderSubmit          = "DecoderSubmit"
	MethodDecoderRetrieve        = "DecoderRetrieve"
	MethodDecoderFlush           = "DecoderFlush"
	MethodSessionState           = "SessionState"
	MethodSessionClose           = "SessionClose"
	MethodSessionDestroy         = "SessionDestroy"
)

// FullMethod is the path a client invokes.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Request carries the arguments of every method; each method reads
// only the fields it needs.
type Request struct {
	Level    logger.Level       `json:"level,omitempty"`
	Ordinal  int                `json:"ordinal,omitempty"`
	Device   uint64             `json:"device,omitempty"`
	Session  uint64             `json:"session,omitempty"`
	Buffer   uint64             `json:"buffer,omitempty"`
	Params   *hwapi.CodecParams `json:"params,omitempty"`
	Format   uint32             `json:"format,omitempty"`
	Width    uint32             `json:"width,omitempty"`
	Height   uint32             `json:"height,omitempty"`
	PTS      int64              `json:"pts,omitempty"`
	Data     []byte             `json:"data,omitempty"`
	Complete bool               `json:"complete,omitempty"`
	Capacity int                `json:"capacity,omitempty"`
}

// Reply carries the Result of the call and its outputs. Error is the
// message of the failure when Result is negative.
type Reply struct {
	Result  hwapi.Result     `json:"result"`
	Error   string           `json:"error,omitempty"`
	Handle  uint64           `json:"handle,omitempty"`
	Devices []driver.Info    `json:"devices,omitempty"`
	PTS     int64            `json:"pts,omitempty"`
	Type    hwcodec.UnitType `json:"type,omitempty"`
	Size    int              `json:"size,omitempty"`
	Data    []byte           `json:"data,omitempty"`
	State   hwcodec.State    `json:"state,omitempty"`
}

// Err converts the reply to the error of the call: nil for ResultOK
// and ResultNotReady, io.EOF for ResultDrained.
func (r *Reply) Err() error {
	err := r.Result.Err()
	if err == nil || r.Error == "" {
		return err
	}
	return fmt.Errorf("%w (remote: %s)", err, r.Error)
}

// CodecName is the content subtype of the service.
const CodecName = "json"

type codec struct{}

var _ encoding.Codec = codec{}

func init() {
	encoding.RegisterCodec(codec{})
}

func (codec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (codec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}

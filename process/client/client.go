// Package client talks to a session host started by package process.
//
// The client mirrors hwapi.Library, but returns Go errors: a negative
// result becomes an error matching the hwcodec sentinels, ResultDrained
// becomes io.EOF.
package client

import (
	"context"
	"fmt"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/hwapi"
	"github.com/xaionaro-go/hwcodec/process/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultRetrieveCapacity is the first guess of the size of an encoded
// unit; bigger units cost one more round trip.
const DefaultRetrieveCapacity = 1 << 20

type Client struct {
	Target string
	conn   *grpc.ClientConn
}

func New(target string) (*Client, error) {
	conn, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(protocol.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize a gRPC client: %w", err)
	}
	return &Client{Target: target, conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(
	ctx context.Context,
	method string,
	req *protocol.Request,
) (*protocol.Reply, error) {
	reply := &protocol.Reply{}
	if err := c.conn.Invoke(ctx, protocol.FullMethod(method), req, reply); err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	return reply, nil
}

// do is call for the methods whose reply carries only the result.
func (c *Client) do(ctx context.Context, method string, req *protocol.Request) error {
	reply, err := c.call(ctx, method, req)
	if err != nil {
		return err
	}
	return reply.Err()
}

func (c *Client) SetLoggingLevel(ctx context.Context, level logger.Level) error {
	return c.do(ctx, protocol.MethodSetLoggingLevel, &protocol.Request{Level: level})
}

// Die closes the remote library and stops the host.
func (c *Client) Die(ctx context.Context) (_err error) {
	logger.Debugf(ctx, "Die(ctx)")
	defer func() { logger.Debugf(ctx, "/Die(ctx): %v", _err) }()
	return c.do(ctx, protocol.MethodDie, &protocol.Request{})
}

func (c *Client) Devices(ctx context.Context) ([]driver.Info, error) {
	reply, err := c.call(ctx, protocol.MethodDevices, &protocol.Request{})
	if err != nil {
		return nil, err
	}
	return reply.Devices, reply.Err()
}

func (c *Client) OpenDevice(ctx context.Context, ordinal int) (uint64, error) {
	reply, err := c.call(ctx, protocol.MethodOpenDevice, &protocol.Request{Ordinal: ordinal})
	if err != nil {
		return 0, err
	}
	return reply.Handle, reply.Err()
}

func (c *Client) CloseDevice(ctx context.Context, dev uint64) error {
	return c.do(ctx, protocol.MethodCloseDevice, &protocol.Request{Device: dev})
}

// BufferAcquire returns the handle of a device buffer and the size of
// its packed picture.
func (c *Client) BufferAcquire(
	ctx context.Context,
	dev uint64,
	format hwcodec.PixelFormat,
	width, height uint32,
) (uint64, int, error) {
	reply, err := c.call(ctx, protocol.MethodBufferAcquire, &protocol.Request{
		Device: dev,
		Format: uint32(format),
		Width:  width,
		Height: height,
	})
	if err != nil {
		return 0, 0, err
	}
	return reply.Handle, reply.Size, reply.Err()
}

func (c *Client) BufferUpload(ctx context.Context, dev, buf uint64, data []byte) error {
	return c.do(ctx, protocol.MethodBufferUpload, &protocol.Request{Device: dev, Buffer: buf, Data: data})
}

func (c *Client) BufferDownload(ctx context.Context, dev, buf uint64) ([]byte, error) {
	reply, err := c.call(ctx, protocol.MethodBufferDownload, &protocol.Request{Device: dev, Buffer: buf})
	if err != nil {
		return nil, err
	}
	return reply.Data, reply.Err()
}

func (c *Client) BufferRelease(ctx context.Context, dev, buf uint64) error {
	return c.do(ctx, protocol.MethodBufferRelease, &protocol.Request{Device: dev, Buffer: buf})
}

func (c *Client) CreateEncoder(ctx context.Context, dev uint64, cfg hwcodec.CodecConfig) (uint64, error) {
	params := hwapi.ParamsFromConfig(cfg)
	reply, err := c.call(ctx, protocol.MethodCreateEncoder, &protocol.Request{Device: dev, Params: &params})
	if err != nil {
		return 0, err
	}
	return reply.Handle, reply.Err()
}

func (c *Client) EncoderStart(ctx context.Context, enc uint64) error {
	return c.do(ctx, protocol.MethodEncoderStart, &protocol.Request{Session: enc})
}

func (c *Client) EncoderSubmit(ctx context.Context, enc, buf uint64, pts int64) error {
	return c.do(ctx, protocol.MethodEncoderSubmit, &protocol.Request{Session: enc, Buffer: buf, PTS: pts})
}

// EncoderRetrieve returns the next unit, (nil, nil) if none is ready
// and io.EOF once the encoder is drained.
func (c *Client) EncoderRetrieve(ctx context.Context, enc uint64) (*hwcodec.BitstreamUnit, error) {
	capacity := DefaultRetrieveCapacity
	for {
		reply, err := c.call(ctx, protocol.MethodEncoderRetrieve, &protocol.Request{Session: enc, Capacity: capacity})
		if err != nil {
			return nil, err
		}
		switch reply.Result {
		case hwapi.ResultOK:
			return &hwcodec.BitstreamUnit{
				Payload:  reply.Data,
				PTS:      reply.PTS,
				Type:     reply.Type,
				Complete: true,
			}, nil
		case hwapi.ResultNotReady:
			return nil, nil
		case hwapi.ResultBufferTooSmall:
			if reply.Size <= capacity {
				return nil, fmt.Errorf("internal error: the host asked for %d bytes while %d were offered", reply.Size, capacity)
			}
			capacity = reply.Size
			continue
		}
		return nil, reply.Err()
	}
}

func (c *Client) EncoderFlush(ctx context.Context, enc uint64) error {
	return c.do(ctx, protocol.MethodEncoderFlush, &protocol.Request{Session: enc})
}

func (c *Client) EncoderRequestKeyFrame(ctx context.Context, enc uint64) error {
	return c.do(ctx, protocol.MethodEncoderRequestKeyFrame, &protocol.Request{Session: enc})
}

func (c *Client) EncoderSetRateControl(
	ctx context.Context,
	enc uint64,
	rc hwcodec.RateControl,
	qp *hwcodec.QPRange,
) error {
	params := hwapi.ParamsFromConfig(hwcodec.CodecConfig{RateControl: rc, QPRange: qp})
	return c.do(ctx, protocol.MethodEncoderSetRateControl, &protocol.Request{Session: enc, Params: &params})
}

func (c *Client) CreateDecoder(ctx context.Context, dev uint64, cfg hwcodec.CodecConfig) (uint64, error) {
	params := hwapi.ParamsFromConfig(cfg)
	reply, err := c.call(ctx, protocol.MethodCreateDecoder, &protocol.Request{Device: dev, Params: &params})
	if err != nil {
		return 0, err
	}
	return reply.Handle, reply.Err()
}

func (c *Client) DecoderStart(ctx context.Context, dec uint64) error {
	return c.do(ctx, protocol.MethodDecoderStart, &protocol.Request{Session: dec})
}

func (c *Client) DecoderSubmit(ctx context.Context, dec uint64, unit hwcodec.BitstreamUnit) error {
	return c.do(ctx, protocol.MethodDecoderSubmit, &protocol.Request{
		Session:  dec,
		Data:     unit.Payload,
		PTS:      unit.PTS,
		Complete: unit.Complete,
	})
}

// DecoderRetrieve returns the buffer handle and the PTS of the next
// frame; ok is false if no frame is ready. The buffer belongs to the
// caller, see BufferRelease.
func (c *Client) DecoderRetrieve(ctx context.Context, dec uint64) (buf uint64, pts int64, ok bool, _ error) {
	reply, err := c.call(ctx, protocol.MethodDecoderRetrieve, &protocol.Request{Session: dec})
	if err != nil {
		return 0, 0, false, err
	}
	if err := reply.Err(); err != nil {
		return 0, 0, false, err
	}
	return reply.Handle, reply.PTS, reply.Result == hwapi.ResultOK, nil
}

func (c *Client) DecoderFlush(ctx context.Context, dec uint64) error {
	return c.do(ctx, protocol.MethodDecoderFlush, &protocol.Request{Session: dec})
}

func (c *Client) SessionState(ctx context.Context, session uint64) (hwcodec.State, error) {
	reply, err := c.call(ctx, protocol.MethodSessionState, &protocol.Request{Session: session})
	if err != nil {
		return hwcodec.StateClosed, err
	}
	return reply.State, reply.Err()
}

func (c *Client) SessionClose(ctx context.Context, session uint64) error {
	return c.do(ctx, protocol.MethodSessionClose, &protocol.Request{Session: session})
}

func (c *Client) SessionDestroy(ctx context.Context, session uint64) error {
	return c.do(ctx, protocol.MethodSessionDestroy, &protocol.Request{Session: session})
}

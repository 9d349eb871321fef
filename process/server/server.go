// Package server exposes a hwapi.Library over gRPC.
package server

import (
	"context"
	"fmt"
	"net"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/hwcodec/driver"
	"github.com/xaionaro-go/hwcodec/hwapi"
	"github.com/xaionaro-go/hwcodec/process/protocol"
	"github.com/xaionaro-go/observability"
	"github.com/xaionaro-go/xcontext"
	"github.com/xaionaro-go/xsync"
	"google.golang.org/grpc"
)

type GRPCServer struct {
	GRPCServer *grpc.Server
	IsStarted  bool
	Library    *hwapi.Library

	BeltLocker xsync.Mutex
	Belt       *belt.Belt
}

// NewServer initializes the driver and prepares (but does not start)
// a gRPC server for it.
func NewServer(ctx context.Context, drv driver.Driver) (*GRPCServer, error) {
	lib, err := hwapi.New(ctx, drv)
	if err != nil {
		return nil, fmt.Errorf("unable to initialize the library with driver %s: %w", drv.Name(), err)
	}
	srv := &GRPCServer{
		GRPCServer: grpc.NewServer(),
		Library:    lib,
	}
	srv.GRPCServer.RegisterService(&serviceDesc, srv)
	return srv, nil
}

// Serve blocks until the server is stopped (see Die).
func (srv *GRPCServer) Serve(
	ctx context.Context,
	listener net.Listener,
) error {
	if srv.IsStarted {
		panic("this GRPC server was already started at least once")
	}
	srv.IsStarted = true
	srv.Belt = belt.CtxBelt(ctx)
	logger.FromBelt(srv.Belt).Debugf("srv.GRPCServer.Serve")
	return srv.GRPCServer.Serve(listener)
}

func (srv *GRPCServer) belt() *belt.Belt {
	ctx := context.TODO()
	return xsync.DoR1(xsync.WithNoLogging(ctx, true), &srv.BeltLocker, func() *belt.Belt {
		return srv.Belt
	})
}

// ctx gives a request the server's logger; sessions outlive requests,
// so the request cancellation is not propagated.
func (srv *GRPCServer) ctx(ctx context.Context) context.Context {
	ctx = xcontext.DetachDone(ctx)
	ctx = belt.CtxWithBelt(ctx, srv.belt())
	ctx = xsync.WithNoLogging(ctx, true)
	return ctx
}

func (srv *GRPCServer) reply(ctx context.Context, r hwapi.Result) *protocol.Reply {
	reply := &protocol.Reply{Result: r}
	if r < 0 {
		reply.Error = srv.Library.LastError(ctx)
	}
	return reply
}

func (srv *GRPCServer) setLoggingLevel(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	logger.Debugf(ctx, "SetLoggingLevel: %s", req.Level)
	srv.BeltLocker.Do(ctx, func() {
		l := logger.FromBelt(srv.Belt).WithLevel(req.Level)
		srv.Belt = srv.Belt.WithTool(logger.ToolID, l)
	})
	return &protocol.Reply{}, nil
}

// die closes the library and stops the server once the reply is sent.
func (srv *GRPCServer) die(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	logger.Debugf(ctx, "Die")
	reply := srv.reply(ctx, srv.Library.Close(ctx))
	observability.Go(ctx, func(ctx context.Context) {
		srv.GRPCServer.GracefulStop()
	})
	return reply, nil
}

func (srv *GRPCServer) devices(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	count, r := srv.Library.DeviceCount(ctx)
	reply := srv.reply(ctx, r)
	for ordinal := 0; r == hwapi.ResultOK && ordinal < count; ordinal++ {
		var info driver.Info
		info, r = srv.Library.DeviceInfo(ctx, ordinal)
		reply.Devices = append(reply.Devices, info)
	}
	if r != hwapi.ResultOK {
		return srv.reply(ctx, r), nil
	}
	return reply, nil
}

func (srv *GRPCServer) openDevice(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	h, r := srv.Library.OpenDevice(ctx, req.Ordinal)
	reply := srv.reply(ctx, r)
	reply.Handle = h
	return reply, nil
}

func (srv *GRPCServer) closeDevice(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	return srv.reply(ctx, srv.Library.CloseDevice(ctx, req.Device)), nil
}

func (srv *GRPCServer) bufferAcquire(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	h, r := srv.Library.BufferAcquire(ctx, req.Device, req.Format, req.Width, req.Height)
	reply := srv.reply(ctx, r)
	reply.Handle = h
	if r == hwapi.ResultOK {
		reply.Size, _ = srv.Library.BufferSize(ctx, req.Device, h)
	}
	return reply, nil
}

func (srv *GRPCServer) bufferUpload(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	return srv.reply(ctx, srv.Library.BufferUpload(ctx, req.Device, req.Buffer, req.Data)), nil
}

func (srv *GRPCServer) bufferDownload(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	size, r := srv.Library.BufferSize(ctx, req.Device, req.Buffer)
	if r != hwapi.ResultOK {
		return srv.reply(ctx, r), nil
	}
	data := make([]byte, size)
	n, r := srv.Library.BufferDownload(ctx, req.Device, req.Buffer, data)
	reply := srv.reply(ctx, r)
	reply.Size = n
	if r == hwapi.ResultOK {
		reply.Data = data[:n]
	}
	return reply, nil
}

func (srv *GRPCServer) bufferRelease(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	return srv.reply(ctx, srv.Library.BufferRelease(ctx, req.Device, req.Buffer)), nil
}

func (srv *GRPCServer) createEncoder(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	if req.Params == nil {
		return &protocol.Reply{Result: hwapi.ResultInvalidArgument, Error: "no codec params"}, nil
	}
	h, r := srv.Library.CreateEncoder(ctx, req.Device, *req.Params)
	reply := srv.reply(ctx, r)
	reply.Handle = h
	return reply, nil
}

func (srv *GRPCServer) encoderStart(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	return srv.reply(ctx, srv.Library.EncoderStart(ctx, req.Session)), nil
}

func (srv *GRPCServer) encoderSubmit(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	return srv.reply(ctx, srv.Library.EncoderSubmit(ctx, req.Session, req.Buffer, req.PTS)), nil
}

// encoderRetrieve sends at most Capacity bytes; a bigger unit is kept
// by the library and reported with ResultBufferTooSmall.
func (srv *GRPCServer) encoderRetrieve(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	dst := make([]byte, req.Capacity)
	info, r := srv.Library.EncoderRetrieve(ctx, req.Session, dst)
	reply := srv.reply(ctx, r)
	reply.Size, reply.PTS, reply.Type = info.Size, info.PTS, info.Type
	if r == hwapi.ResultOK {
		reply.Data = dst[:info.Size]
	}
	return reply, nil
}

func (srv *GRPCServer) encoderFlush(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	return srv.reply(ctx, srv.Library.EncoderFlush(ctx, req.Session)), nil
}

func (srv *GRPCServer) encoderRequestKeyFrame(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	return srv.reply(ctx, srv.Library.EncoderRequestKeyFrame(ctx, req.Session)), nil
}

func (srv *GRPCServer) encoderSetRateControl(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	if req.Params == nil {
		return &protocol.Reply{Result: hwapi.ResultInvalidArgument, Error: "no codec params"}, nil
	}
	return srv.reply(ctx, srv.Library.EncoderSetRateControl(ctx, req.Session, *req.Params)), nil
}

func (srv *GRPCServer) createDecoder(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	if req.Params == nil {
		return &protocol.Reply{Result: hwapi.ResultInvalidArgument, Error: "no codec params"}, nil
	}
	h, r := srv.Library.CreateDecoder(ctx, req.Device, *req.Params)
	reply := srv.reply(ctx, r)
	reply.Handle = h
	return reply, nil
}

func (srv *GRPCServer) decoderStart(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	return srv.reply(ctx, srv.Library.DecoderStart(ctx, req.Session)), nil
}

func (srv *GRPCServer) decoderSubmit(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	return srv.reply(ctx, srv.Library.DecoderSubmit(ctx, req.Session, req.Data, req.PTS, req.Complete)), nil
}

func (srv *GRPCServer) decoderRetrieve(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	h, pts, r := srv.Library.DecoderRetrieve(ctx, req.Session)
	reply := srv.reply(ctx, r)
	reply.Handle, reply.PTS = h, pts
	return reply, nil
}

func (srv *GRPCServer) decoderFlush(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	return srv.reply(ctx, srv.Library.DecoderFlush(ctx, req.Session)), nil
}

func (srv *GRPCServer) sessionState(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	state, r := srv.Library.SessionState(ctx, req.Session)
	reply := srv.reply(ctx, r)
	reply.State = state
	return reply, nil
}

func (srv *GRPCServer) sessionClose(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	return srv.reply(ctx, srv.Library.SessionClose(ctx, req.Session)), nil
}

func (srv *GRPCServer) sessionDestroy(ctx context.Context, req *protocol.Request) (*protocol.Reply, error) {
	return srv.reply(ctx, srv.Library.SessionDestroy(ctx, req.Session)), nil
}

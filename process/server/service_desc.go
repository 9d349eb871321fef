package server

import (
	"context"

	"github.com/xaionaro-go/hwcodec/process/protocol"
	"google.golang.org/grpc"
)

type handlerFunc func(srv *GRPCServer, ctx context.Context, req *protocol.Request) (*protocol.Reply, error)

var serviceDesc = grpc.ServiceDesc{
	ServiceName: protocol.ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(protocol.MethodSetLoggingLevel, (*GRPCServer).setLoggingLevel),
		unary(protocol.MethodDie, (*GRPCServer).die),
		unary(protocol.MethodDevices, (*GRPCServer).devices),
		unary(protocol.MethodOpenDevice, (*GRPCServer).openDevice),
		unary(protocol.MethodCloseDevice, (*GRPCServer).closeDevice),
		unary(protocol.MethodBufferAcquire, (*GRPCServer).bufferAcquire),
		unary(protocol.MethodBufferUpload, (*GRPCServer).bufferUpload),
		unary(protocol.MethodBufferDownload, (*GRPCServer).bufferDownload),
		unary(protocol.MethodBufferRelease, (*GRPCServer).bufferRelease),
		unary(protocol.MethodCreateEncoder, (*GRPCServer).createEncoder),
		unary(protocol.MethodEncoderStart, (*GRPCServer).encoderStart),
		unary(protocol.MethodEncoderSubmit, (*GRPCServer).encoderSubmit),
		unary(protocol.MethodEncoderRetrieve, (*GRPCServer).encoderRetrieve),
		unary(protocol.MethodEncoderFlush, (*GRPCServer).encoderFlush),
		unary(protocol.MethodEncoderRequestKeyFrame, (*GRPCServer).encoderRequestKeyFrame),
		unary(protocol.MethodEncoderSetRateControl, (*GRPCServer).encoderSetRateControl),
		unary(protocol.MethodCreateDecoder, (*GRPCServer).createDecoder),
		unary(protocol.MethodDecoderStart, (*GRPCServer).decoderStart),
		unary(protocol.MethodDecoderSubmit, (*GRPCServer).decoderSubmit),
		unary(protocol.MethodDecoderRetrieve, (*GRPCServer).decoderRetrieve),
		unary(protocol.MethodDecoderFlush, (*GRPCServer).decoderFlush),
		unary(protocol.MethodSessionState, (*GRPCServer).sessionState),
		unary(protocol.MethodSessionClose, (*GRPCServer).sessionClose),
		unary(protocol.MethodSessionDestroy, (*GRPCServer).sessionDestroy),
	},
	Metadata: "hwcodec/session_host",
}

func unary(method string, fn handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(
			srv any,
			ctx context.Context,
			dec func(any) error,
			interceptor grpc.UnaryServerInterceptor,
		) (any, error) {
			req := &protocol.Request{}
			if err := dec(req); err != nil {
				return nil, err
			}
			s := srv.(*GRPCServer)
			call := func(ctx context.Context, req any) (any, error) {
				return fn(s, s.ctx(ctx), req.(*protocol.Request))
			}
			if interceptor == nil {
				return call(ctx, req)
			}
			return interceptor(ctx, req, &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: protocol.FullMethod(method),
			}, call)
		},
	}
}

package grpcclient

import (
	"context"

	"github.com/getpup/backfill-orchestrator/client"
	"google.golang.org/grpc"
)

// Register serves impl as the client service on s. Any client.Client works, which lets a
// process expose an in-memory backend or proxy another transport.
func Register(s grpc.ServiceRegistrar, impl client.Client) {
	s.RegisterService(&serviceDesc, impl)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*client.Client)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PrepareBackfill", Handler: unaryHandler("PrepareBackfill", client.Client.PrepareBackfill)},
		{MethodName: "GetNextBatchRange", Handler: unaryHandler("GetNextBatchRange", client.Client.GetNextBatchRange)},
		{MethodName: "RunBatch", Handler: unaryHandler("RunBatch", client.Client.RunBatch)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "backfill/v1/client_service",
}

func unaryHandler[Req, Resp any](method string, call func(client.Client, context.Context, Req) (Resp, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method

	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		impl := srv.(client.Client)

		if interceptor == nil {
			return call(impl, ctx, *in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(impl, ctx, *req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

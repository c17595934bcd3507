package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "dlqueue.v1.DownloadQueue"

// Messages are protobuf well-known types; payload fields follow the JSON
// names of pkg/types.
//
//	Enqueue        Struct(request)                  -> Struct{accepted}
//	Status         Empty                            -> Struct(StatusReply)
//	ClearPending   Empty                            -> Empty
//	ClearFinished  Struct{with_records}             -> Empty
//	RemoveFinished Struct{download_id,with_records} -> Struct{removed}
//	Cancel         Struct{target}                   -> Struct{cancelled}
type DownloadQueueServer interface {
	Enqueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ClearPending(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	ClearFinished(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	RemoveFinished(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Cancel(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp proto.Message](name string, newReq func() Req, call func(DownloadQueueServer, context.Context, Req) (Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DownloadQueueServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DownloadQueueServer), ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newEmpty() *emptypb.Empty     { return &emptypb.Empty{} }

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DownloadQueueServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Enqueue", newStruct, DownloadQueueServer.Enqueue),
		unary("Status", newEmpty, DownloadQueueServer.Status),
		unary("ClearPending", newEmpty, DownloadQueueServer.ClearPending),
		unary("ClearFinished", newStruct, DownloadQueueServer.ClearFinished),
		unary("RemoveFinished", newStruct, DownloadQueueServer.RemoveFinished),
		unary("Cancel", newStruct, DownloadQueueServer.Cancel),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dlqueue/v1/queue.proto",
}

// RegisterDownloadQueueServer registers srv on s.
func RegisterDownloadQueueServer(s grpc.ServiceRegistrar, srv DownloadQueueServer) {
	s.RegisterService(&serviceDesc, srv)
}

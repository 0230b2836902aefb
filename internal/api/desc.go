package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.SyncService"

// SyncServer is the server API for chatsync.v1.SyncService. Requests and
// responses are google.protobuf.Struct values.
type SyncServer interface {
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Connect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Disconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetTyping(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetPresence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPresence(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryCall func(SyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(SyncServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(SyncServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SyncServer).Watch(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes chatsync.v1.SyncService for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Login", SyncServer.Login),
		unary("Logout", SyncServer.Logout),
		unary("Connect", SyncServer.Connect),
		unary("Disconnect", SyncServer.Disconnect),
		unary("SendMessage", SyncServer.SendMessage),
		unary("MarkRead", SyncServer.MarkRead),
		unary("SetTyping", SyncServer.SetTyping),
		unary("SetPresence", SyncServer.SetPresence),
		unary("DeleteMessage", SyncServer.DeleteMessage),
		unary("RetryMessage", SyncServer.RetryMessage),
		unary("SyncConversation", SyncServer.SyncConversation),
		unary("GetConversation", SyncServer.GetConversation),
		unary("ListConversations", SyncServer.ListConversations),
		unary("GetPresence", SyncServer.GetPresence),
		unary("GetStatus", SyncServer.GetStatus),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "chatsync/v1/sync.proto",
}

// RegisterSyncServiceServer registers srv on s.
func RegisterSyncServiceServer(s grpc.ServiceRegistrar, srv SyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}

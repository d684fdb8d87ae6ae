package control

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service exposed by the supervisor daemon
const ServiceName = "hsu.supervisor.v1.SupervisorService"

const (
	methodStart   = "Start"
	methodStop    = "Stop"
	methodRestart = "Restart"
	methodStatus  = "Status"
)

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// supervisorServiceServer is the server-side shape of the service. Requests
// are empty; responses carry the status snapshot and, for rejected or failed
// commands, error_type and error.
type supervisorServiceServer interface {
	Start(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Stop(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Restart(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

type unaryCall func(srv supervisorServiceServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(supervisorServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod(method),
		}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(supervisorServiceServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*supervisorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: methodStart,
			Handler: unaryHandler(methodStart, func(srv supervisorServiceServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
				return srv.Start(ctx, in)
			}),
		},
		{
			MethodName: methodStop,
			Handler: unaryHandler(methodStop, func(srv supervisorServiceServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
				return srv.Stop(ctx, in)
			}),
		},
		{
			MethodName: methodRestart,
			Handler: unaryHandler(methodRestart, func(srv supervisorServiceServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
				return srv.Restart(ctx, in)
			}),
		},
		{
			MethodName: methodStatus,
			Handler: unaryHandler(methodStatus, func(srv supervisorServiceServer, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
				return srv.Status(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hsu/supervisor/v1/supervisor.proto",
}

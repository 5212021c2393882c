package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sensorhub.v1.Readings"

// Full method names.
const (
	LatestMethod  = "/" + ServiceName + "/Latest"
	HistoryMethod = "/" + ServiceName + "/History"
)

// ReadingsServer is the server API for the Readings service. Requests are
// Structs with optional device_id and limit fields.
type ReadingsServer interface {
	Latest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	History(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error)
}

// ReadingsServiceDesc describes the Readings service for grpc.Server.
var ReadingsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReadingsServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Latest", Handler: latestHandler},
		{MethodName: "History", Handler: historyHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sensorhub/v1/readings.proto",
}

// RegisterReadingsServer registers srv on s.
func RegisterReadingsServer(s grpc.ServiceRegistrar, srv ReadingsServer) {
	s.RegisterService(&ReadingsServiceDesc, srv)
}

func latestHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReadingsServer).Latest(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LatestMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReadingsServer).Latest(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func historyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReadingsServer).History(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: HistoryMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReadingsServer).History(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

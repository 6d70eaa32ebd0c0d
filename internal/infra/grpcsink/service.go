// internal/infra/grpcsink/service.go
//
// Package grpcsink carries execution log writes between service instances over
// gRPC. Messages are google.protobuf.Struct values holding the JSON form of the
// domain types, so no generated code is needed.
package grpcsink

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName        = "execlog.v1.ExecutionLogs"
	InsertMethod       = "/" + ServiceName + "/Insert"
	CloseRunningMethod = "/" + ServiceName + "/CloseRunning"
)

// LogIngestServer is the server side of the ExecutionLogs service.
type LogIngestServer interface {
	Insert(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	CloseRunning(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
}

// ServiceDesc describes the ExecutionLogs service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LogIngestServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Insert", Handler: insertHandler},
		{MethodName: "CloseRunning", Handler: closeRunningHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "execlog/v1/execution_logs.proto",
}

// Register adds srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv LogIngestServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func insertHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LogIngestServer).Insert(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InsertMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LogIngestServer).Insert(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func closeRunningHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LogIngestServer).CloseRunning(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CloseRunningMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LogIngestServer).CloseRunning(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// toStruct converts v to a Struct through its JSON encoding.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("failed to convert %T to struct: %w", v, err)
	}
	return s, nil
}

// fromStruct decodes s into dst through its JSON encoding.
func fromStruct(s *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal struct: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode %T: %w", dst, err)
	}
	return nil
}

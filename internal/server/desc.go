package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "extraction.v1.JobService"

// Full method names.
const (
	MethodSubmitJob  = "/" + ServiceName + "/SubmitJob"
	MethodStartJob   = "/" + ServiceName + "/StartJob"
	MethodGetJob     = "/" + ServiceName + "/GetJob"
	MethodListJobs   = "/" + ServiceName + "/ListJobs"
	MethodDeleteJob  = "/" + ServiceName + "/DeleteJob"
	MethodExportJobs = "/" + ServiceName + "/ExportJobs"
)

// JobServiceServer is served under ServiceName. Messages are well-known
// protobuf types, so no generated code is involved.
type JobServiceServer interface {
	// SubmitJob runs a job to completion. Request fields: filename,
	// target_id, metadata (object), content (base64, optional upload).
	SubmitJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	// StartJob records the job and returns it while it is processing.
	StartJob(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetJob(ctx context.Context, id *wrapperspb.StringValue) (*structpb.Struct, error)
	// ListJobs lists jobs for a filename, or every job when empty.
	ListJobs(ctx context.Context, filename *wrapperspb.StringValue) (*structpb.ListValue, error)
	DeleteJob(ctx context.Context, id *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	ExportJobs(ctx context.Context, filename *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
}

func unaryHandler[T proto.Message](newReq func() T, fullMethod string, call func(JobServiceServer, context.Context, T) (proto.Message, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(JobServiceServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(T))
		})
	}
}

func newStruct() *structpb.Struct        { return &structpb.Struct{} }
func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }

// JobServiceDesc describes the service for grpc.Server.RegisterService.
var JobServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitJob", Handler: unaryHandler(newStruct, MethodSubmitJob,
			func(s JobServiceServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
				return s.SubmitJob(ctx, in)
			})},
		{MethodName: "StartJob", Handler: unaryHandler(newStruct, MethodStartJob,
			func(s JobServiceServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
				return s.StartJob(ctx, in)
			})},
		{MethodName: "GetJob", Handler: unaryHandler(newString, MethodGetJob,
			func(s JobServiceServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
				return s.GetJob(ctx, in)
			})},
		{MethodName: "ListJobs", Handler: unaryHandler(newString, MethodListJobs,
			func(s JobServiceServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
				return s.ListJobs(ctx, in)
			})},
		{MethodName: "DeleteJob", Handler: unaryHandler(newString, MethodDeleteJob,
			func(s JobServiceServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
				return s.DeleteJob(ctx, in)
			})},
		{MethodName: "ExportJobs", Handler: unaryHandler(newString, MethodExportJobs,
			func(s JobServiceServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
				return s.ExportJobs(ctx, in)
			})},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterJobServiceServer registers srv on s.
func RegisterJobServiceServer(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&JobServiceDesc, srv)
}

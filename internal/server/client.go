package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joseph-ayodele/extraction-bench/internal/entity"
)

// SubmitRequest is the client-side form of a SubmitJob/StartJob request.
type SubmitRequest struct {
	Filename string
	TargetID string
	Metadata json.RawMessage
	Content  []byte
}

// Client calls JobService over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) SubmitJob(ctx context.Context, req SubmitRequest, opts ...grpc.CallOption) (*entity.ProcessingJob, error) {
	return c.submit(ctx, MethodSubmitJob, req, opts...)
}

func (c *Client) StartJob(ctx context.Context, req SubmitRequest, opts ...grpc.CallOption) (*entity.ProcessingJob, error) {
	return c.submit(ctx, MethodStartJob, req, opts...)
}

func (c *Client) submit(ctx context.Context, method string, req SubmitRequest, opts ...grpc.CallOption) (*entity.ProcessingJob, error) {
	fields := map[string]any{
		"filename":  req.Filename,
		"target_id": req.TargetID,
	}
	if len(req.Metadata) > 0 {
		var md any
		if err := json.Unmarshal(req.Metadata, &md); err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
		fields["metadata"] = md
	}
	if len(req.Content) > 0 {
		fields["content"] = base64.StdEncoding.EncodeToString(req.Content)
	}
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return JobFromStruct(out)
}

func (c *Client) GetJob(ctx context.Context, id string, opts ...grpc.CallOption) (*entity.ProcessingJob, error) {
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, MethodGetJob, wrapperspb.String(id), out, opts...); err != nil {
		return nil, err
	}
	return JobFromStruct(out)
}

func (c *Client) ListJobs(ctx context.Context, filename string, opts ...grpc.CallOption) ([]*entity.ProcessingJob, error) {
	out := &structpb.ListValue{}
	if err := c.cc.Invoke(ctx, MethodListJobs, wrapperspb.String(filename), out, opts...); err != nil {
		return nil, err
	}
	jobs := make([]*entity.ProcessingJob, 0, len(out.GetValues()))
	for _, v := range out.GetValues() {
		job, err := JobFromStruct(v.GetStructValue())
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (c *Client) DeleteJob(ctx context.Context, id string, opts ...grpc.CallOption) (bool, error) {
	out := &wrapperspb.BoolValue{}
	if err := c.cc.Invoke(ctx, MethodDeleteJob, wrapperspb.String(id), out, opts...); err != nil {
		return false, err
	}
	return out.GetValue(), nil
}

func (c *Client) ExportJobs(ctx context.Context, filename string, opts ...grpc.CallOption) ([]byte, error) {
	out := &wrapperspb.BytesValue{}
	if err := c.cc.Invoke(ctx, MethodExportJobs, wrapperspb.String(filename), out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}

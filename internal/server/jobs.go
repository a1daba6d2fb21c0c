package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joseph-ayodele/extraction-bench/internal/common"
	"github.com/joseph-ayodele/extraction-bench/internal/entity"
	"github.com/joseph-ayodele/extraction-bench/internal/orchestrator"
)

// Jobs is the orchestrator surface the service needs.
type Jobs interface {
	SubmitJob(ctx context.Context, req orchestrator.Request) (*entity.ProcessingJob, error)
	GetJob(ctx context.Context, id string) (*entity.ProcessingJob, error)
	ListJobsForFilename(ctx context.Context, filename string) ([]*entity.ProcessingJob, error)
	ListAllJobs(ctx context.Context) ([]*entity.ProcessingJob, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
}

// Starter records a job and runs it in the background.
type Starter interface {
	Enqueue(ctx context.Context, req orchestrator.Request) (*entity.ProcessingJob, error)
}

// Uploader stores document bytes sent with a request.
type Uploader interface {
	Save(ctx context.Context, filename string, data []byte) error
}

// Exporter renders job history as a workbook.
type Exporter interface {
	ExportJobsXLSX(ctx context.Context, filename string) ([]byte, error)
}

type JobServer struct {
	jobs     Jobs
	starter  Starter
	uploader Uploader
	exporter Exporter
	logger   *slog.Logger
}

func NewJobServer(jobs Jobs, starter Starter, uploader Uploader, exporter Exporter, logger *slog.Logger) *JobServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobServer{jobs: jobs, starter: starter, uploader: uploader, exporter: exporter, logger: logger}
}

func (s *JobServer) SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := s.prepare(ctx, in)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	job, err := s.jobs.SubmitJob(ctx, req)
	if err != nil {
		if job != nil {
			s.logger.Warn("jobs.submit.failed", "job_id", job.ID, "status", job.Status, "error", err)
			return nil, common.ToStatus(fmt.Errorf("job %s: %w", job.ID, err))
		}
		return nil, common.ToStatus(err)
	}
	return JobToStruct(job)
}

func (s *JobServer) StartJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.starter == nil {
		return nil, common.InternalError("background execution is not configured")
	}
	req, err := s.prepare(ctx, in)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	job, err := s.starter.Enqueue(ctx, req)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return JobToStruct(job)
}

func (s *JobServer) GetJob(ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := strings.TrimSpace(in.GetValue())
	if id == "" {
		return nil, common.InvalidArgumentError("job id is required")
	}
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return JobToStruct(job)
}

func (s *JobServer) ListJobs(ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
	var (
		jobs []*entity.ProcessingJob
		err  error
	)
	if filename := strings.TrimSpace(in.GetValue()); filename != "" {
		jobs, err = s.jobs.ListJobsForFilename(ctx, filename)
	} else {
		jobs, err = s.jobs.ListAllJobs(ctx)
	}
	if err != nil {
		return nil, common.ToStatus(err)
	}
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(jobs))}
	for _, j := range jobs {
		st, err := JobToStruct(j)
		if err != nil {
			return nil, err
		}
		out.Values = append(out.Values, structpb.NewStructValue(st))
	}
	return out, nil
}

func (s *JobServer) DeleteJob(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	id := strings.TrimSpace(in.GetValue())
	if id == "" {
		return nil, common.InvalidArgumentError("job id is required")
	}
	ok, err := s.jobs.DeleteJob(ctx, id)
	if err != nil {
		return nil, common.ToStatus(err)
	}
	return wrapperspb.Bool(ok), nil
}

func (s *JobServer) ExportJobs(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s.exporter == nil {
		return nil, common.InternalError("export is not configured")
	}
	xlsx, err := s.exporter.ExportJobsXLSX(ctx, strings.TrimSpace(in.GetValue()))
	if err != nil {
		s.logger.Error("export.xlsx.failed", "error", err)
		return nil, common.ToStatus(err)
	}
	return wrapperspb.Bytes(xlsx), nil
}

// prepare decodes the request struct and stores any uploaded content.
func (s *JobServer) prepare(ctx context.Context, in *structpb.Struct) (orchestrator.Request, error) {
	fields := in.GetFields()
	req := orchestrator.Request{
		Filename: strings.TrimSpace(fields["filename"].GetStringValue()),
		TargetID: strings.TrimSpace(fields["target_id"].GetStringValue()),
	}
	if md, ok := fields["metadata"]; ok && md.GetStructValue() != nil {
		raw, err := md.GetStructValue().MarshalJSON()
		if err != nil {
			return req, common.NewValidationError("metadata", nil, "must be an object")
		}
		req.Metadata = raw
	} else if ok && md.GetKind() != nil {
		if _, isNull := md.GetKind().(*structpb.Value_NullValue); !isNull {
			return req, common.NewValidationError("metadata", md.AsInterface(), "must be an object")
		}
	}

	if c, ok := fields["content"]; ok && c.GetStringValue() != "" {
		if s.uploader == nil {
			return req, common.NewValidationError("content", nil, "uploads are not accepted")
		}
		if err := common.NewValidator().Field("filename", req.Filename, common.Required, common.BaseName).Error(); err != nil {
			return req, err
		}
		data, err := base64.StdEncoding.DecodeString(c.GetStringValue())
		if err != nil {
			return req, common.NewValidationError("content", nil, "must be base64")
		}
		if err := s.uploader.Save(ctx, req.Filename, data); err != nil {
			return req, err
		}
	}
	return req, nil
}

// JobToStruct renders a job with the same field names as its JSON form.
func JobToStruct(job *entity.ProcessingJob) (*structpb.Struct, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return nil, common.InternalErrorf("encode job: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, common.InternalErrorf("encode job: %v", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, common.InternalErrorf("encode job: %v", err)
	}
	return st, nil
}

// JobFromStruct is the inverse of JobToStruct.
func JobFromStruct(st *structpb.Struct) (*entity.ProcessingJob, error) {
	b, err := st.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var job entity.ProcessingJob
	if err := json.Unmarshal(b, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

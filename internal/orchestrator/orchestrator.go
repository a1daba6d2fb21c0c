package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/common"
	"github.com/joseph-ayodele/extraction-bench/internal/entity"
	"github.com/joseph-ayodele/extraction-bench/internal/extract"
	"github.com/joseph-ayodele/extraction-bench/internal/files"
	"github.com/joseph-ayodele/extraction-bench/internal/poller"
	"github.com/joseph-ayodele/extraction-bench/internal/repository"
	"github.com/joseph-ayodele/extraction-bench/internal/targets"
)

// Request asks for one document to be extracted by one target.
type Request struct {
	Filename string
	TargetID string
	Metadata json.RawMessage
}

// AdapterSource hands out the protocol adapter for a target.
type AdapterSource interface {
	AdapterFor(t *targets.Target) (extract.Adapter, error)
}

// Recorder observes job transitions.
type Recorder interface {
	JobStarted(targetID string)
	JobFinished(job *entity.ProcessingJob, out *poller.Outcome)
}

// Notifier announces terminal jobs.
type Notifier interface {
	JobFinished(ctx context.Context, job *entity.ProcessingJob) error
}

// Run is a job that has been validated and recorded as processing but not
// yet executed.
type Run struct {
	Job         *entity.ProcessingJob
	target      *targets.Target
	adapter     extract.Adapter
	contentType string
}

// Orchestrator drives a job through processing -> completed | failed | timeout.
// It never retries at its own layer.
type Orchestrator struct {
	store    repository.ResultStore
	docs     files.Source
	targets  targets.Resolver
	adapters AdapterSource
	logger   *slog.Logger

	recorder Recorder
	notifier Notifier
	now      func() time.Time
}

type Option func(*Orchestrator)

func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func New(store repository.ResultStore, docs files.Source, resolver targets.Resolver, adapters AdapterSource, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:    store,
		docs:     docs,
		targets:  resolver,
		adapters: adapters,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SubmitJob runs a job to a terminal state. Timeouts are returned as a job
// with a nil error. On failure the persisted failed record is returned along
// with the error.
func (o *Orchestrator) SubmitJob(ctx context.Context, req Request) (*entity.ProcessingJob, error) {
	run, err := o.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, run)
}

// Begin validates req and writes the initial processing record. Validation
// failures return before anything is written.
func (o *Orchestrator) Begin(ctx context.Context, req Request) (*Run, error) {
	v := common.NewValidator().
		Field("filename", req.Filename, common.Required, common.BaseName).
		Field("target_id", req.TargetID, common.Required)
	if err := v.Error(); err != nil {
		return nil, err
	}

	target, err := o.targets.Resolve(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}
	contentType, err := extract.ContentTypeFor(req.Filename)
	if err != nil {
		return nil, err
	}
	if err := target.ValidateMetadata(req.Metadata); err != nil {
		return nil, err
	}
	adapter, err := o.adapters.AdapterFor(target)
	if err != nil {
		return nil, err
	}

	job := &entity.ProcessingJob{
		ID:             uuid.NewString(),
		Filename:       req.Filename,
		TargetID:       target.ID,
		CallerMetadata: compactMetadata(req.Metadata),
		Status:         constants.JobStatusProcessing,
		CreatedAt:      o.now(),
	}
	if err := o.store.Upsert(ctx, job); err != nil {
		o.logger.Error("orchestrator.begin.persist_error", "filename", req.Filename, "target_id", target.ID, "error", err)
		return nil, fmt.Errorf("record job: %w", err)
	}
	if o.recorder != nil {
		o.recorder.JobStarted(target.ID)
	}
	o.logger.Info("orchestrator.job.started", "job_id", job.ID, "filename", job.Filename, "target_id", job.TargetID, "protocol", adapter.Kind())

	return &Run{Job: job.Clone(), target: target, adapter: adapter, contentType: contentType}, nil
}

// Execute reads the document, submits it and waits for the back-end.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) (*entity.ProcessingJob, error) {
	job := run.Job
	logger := o.logger.With("job_id", job.ID, "target_id", job.TargetID)

	data, err := o.docs.ReadDocument(ctx, job.Filename)
	if err != nil {
		logger.Warn("orchestrator.read.error", "filename", job.Filename, "error", err)
		return o.fail(ctx, job, nil, fmt.Errorf("read document: %w", err))
	}

	doc := extract.Document{
		Filename:    job.Filename,
		ContentType: run.contentType,
		Bytes:       data,
		Metadata:    job.CallerMetadata,
	}
	handle, err := run.adapter.Submit(ctx, doc)
	if err != nil {
		logger.Warn("orchestrator.submit.error", "error", err)
		return o.fail(ctx, job, nil, fmt.Errorf("submit to %s: %w", job.TargetID, err))
	}

	out := run.adapter.AwaitCompletion(ctx, handle)
	logger.Debug("orchestrator.await.outcome", "outcome", out.Kind, "attempts", out.Attempts, "transport_errors", out.TransportErrors)

	switch out.Kind {
	case poller.OutcomeDone:
		job.Finish(constants.JobStatusCompleted, out.Payload, "", o.now())
		return job, o.persistTerminal(ctx, job, &out)
	case poller.OutcomeTimeout:
		job.Finish(constants.JobStatusTimeout, timeoutInfo(out), "", o.now())
		return job, o.persistTerminal(ctx, job, &out)
	case poller.OutcomeFailed:
		return o.fail(ctx, job, &out, out.Err())
	default:
		cause := out.Err()
		if cause == nil {
			cause = context.Canceled
		}
		return o.fail(ctx, job, &out, fmt.Errorf("job canceled: %w", cause))
	}
}

func (o *Orchestrator) GetJob(ctx context.Context, id string) (*entity.ProcessingJob, error) {
	return o.store.Get(ctx, id)
}

func (o *Orchestrator) ListJobsForFilename(ctx context.Context, filename string) ([]*entity.ProcessingJob, error) {
	return o.store.ListByFilename(ctx, filename)
}

func (o *Orchestrator) ListAllJobs(ctx context.Context) ([]*entity.ProcessingJob, error) {
	return o.store.ListAll(ctx)
}

// DeleteJob reports whether a record was removed.
func (o *Orchestrator) DeleteJob(ctx context.Context, id string) (bool, error) {
	ok, err := o.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	o.logger.Info("orchestrator.job.deleted", "job_id", id, "existed", ok)
	return ok, nil
}

func (o *Orchestrator) fail(ctx context.Context, job *entity.ProcessingJob, out *poller.Outcome, cause error) (*entity.ProcessingJob, error) {
	job.Finish(constants.JobStatusFailed, nil, cause.Error(), o.now())
	if err := o.persistTerminal(ctx, job, out); err != nil {
		return job, errors.Join(cause, err)
	}
	return job, cause
}

// persistTerminal writes the terminal record even when ctx is already
// canceled, then reports it.
func (o *Orchestrator) persistTerminal(ctx context.Context, job *entity.ProcessingJob, out *poller.Outcome) error {
	wctx := context.WithoutCancel(ctx)
	if err := o.store.Upsert(wctx, job); err != nil {
		o.logger.Error("orchestrator.finish.persist_error", "job_id", job.ID, "status", job.Status, "error", err)
		return fmt.Errorf("record %s job: %w", job.Status, err)
	}
	o.logger.Info("orchestrator.job.finished",
		"job_id", job.ID,
		"target_id", job.TargetID,
		"status", job.Status,
		"duration_ms", job.DurationMs,
	)
	if o.recorder != nil {
		o.recorder.JobFinished(job, out)
	}
	if o.notifier != nil {
		if err := o.notifier.JobFinished(wctx, job); err != nil {
			o.logger.Warn("orchestrator.notify.error", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

type timeoutDetails struct {
	Attempts        int    `json:"attempts"`
	TransportErrors int    `json:"transport_errors"`
	LastError       string `json:"last_error,omitempty"`
}

func timeoutInfo(out poller.Outcome) json.RawMessage {
	d := timeoutDetails{Attempts: out.Attempts, TransportErrors: out.TransportErrors}
	if out.LastError != nil {
		d.LastError = out.LastError.Error()
	}
	b, _ := json.Marshal(d)
	return b
}

func compactMetadata(raw json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/common"
	"github.com/joseph-ayodele/extraction-bench/internal/entity"
)

const jobsTable = "processing_jobs"

var jobColumns = []string{
	"id", "filename", "target_id", "caller_metadata", "status",
	"result_payload", "error_message", "created_at", "completed_at", "duration_ms",
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS processing_jobs (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		target_id TEXT NOT NULL,
		caller_metadata TEXT,
		status TEXT NOT NULL,
		result_payload TEXT,
		error_message TEXT,
		created_at BIGINT NOT NULL,
		completed_at BIGINT,
		duration_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS processing_jobs_filename_created_at ON processing_jobs (filename, created_at)`,
}

// SQLStore keeps jobs in a single SQL table. Each mutation is one statement.
type SQLStore struct {
	drv     *entsql.Driver
	dialect string
	closers []func()
	logger  *slog.Logger
}

// NewSQLStore wraps an open driver and applies the schema.
func NewSQLStore(ctx context.Context, drv *entsql.Driver, logger *slog.Logger, closers ...func()) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLStore{drv: drv, dialect: drv.Dialect(), closers: closers, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if err := s.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			s.logger.Error("sqlstore.migrate.error", "dialect", s.dialect, "error", err)
			return fmt.Errorf("%w: apply schema: %v", common.ErrDatabase, err)
		}
	}
	return nil
}

func (s *SQLStore) Upsert(ctx context.Context, job *entity.ProcessingJob) error {
	if err := validateJob(job); err != nil {
		return err
	}
	var completedAt any
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.UnixMilli()
	}
	var errMsg any
	if job.ErrorMessage != nil {
		errMsg = *job.ErrorMessage
	}

	query, args := entsql.Dialect(s.dialect).
		Insert(jobsTable).
		Columns(jobColumns...).
		Values(
			job.ID, job.Filename, job.TargetID, rawOrNil(job.CallerMetadata), string(job.Status),
			rawOrNil(job.ResultPayload), errMsg, job.CreatedAt.UnixMilli(), completedAt, job.DurationMs,
		).
		OnConflict(entsql.ConflictColumns("id"), entsql.ResolveWithNewValues()).
		Query()

	if err := s.drv.Exec(ctx, query, args, nil); err != nil {
		s.logger.Error("sqlstore.upsert.error", "job_id", job.ID, "error", err)
		return fmt.Errorf("%w: upsert job %s: %v", common.ErrDatabase, job.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*entity.ProcessingJob, error) {
	jobs, err := s.query(ctx, entsql.EQ("id", id))
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}
	return jobs[0], nil
}

func (s *SQLStore) ListByFilename(ctx context.Context, filename string) ([]*entity.ProcessingJob, error) {
	return s.query(ctx, entsql.EQ("filename", filename))
}

func (s *SQLStore) ListAll(ctx context.Context) ([]*entity.ProcessingJob, error) {
	return s.query(ctx, nil)
}

func (s *SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	query, args := entsql.Dialect(s.dialect).
		Delete(jobsTable).
		Where(entsql.EQ("id", id)).
		Query()

	var res entsql.Result
	if err := s.drv.Exec(ctx, query, args, &res); err != nil {
		return false, fmt.Errorf("%w: delete job %s: %v", common.ErrDatabase, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: delete job %s: %v", common.ErrDatabase, id, err)
	}
	return n > 0, nil
}

func (s *SQLStore) Close() error {
	err := s.drv.Close()
	for _, c := range s.closers {
		c()
	}
	return err
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.drv.DB().PingContext(ctx)
}

func (s *SQLStore) query(ctx context.Context, where *entsql.Predicate) ([]*entity.ProcessingJob, error) {
	sel := entsql.Dialect(s.dialect).
		Select(jobColumns...).
		From(entsql.Table(jobsTable))
	if where != nil {
		sel = sel.Where(where)
	}
	sel = sel.OrderExprFunc(func(b *entsql.Builder) {
		b.Ident("created_at").WriteString(" DESC, ").Ident("id").WriteString(" DESC")
	})
	query, args := sel.Query()

	var rows entsql.Rows
	if err := s.drv.Query(ctx, query, args, &rows); err != nil {
		return nil, fmt.Errorf("%w: query jobs: %v", common.ErrDatabase, err)
	}
	defer rows.Close()

	var jobs []*entity.ProcessingJob
	for rows.Next() {
		job, err := scanJob(&rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate jobs: %v", common.ErrDatabase, err)
	}
	return jobs, nil
}

func scanJob(rows *entsql.Rows) (*entity.ProcessingJob, error) {
	var (
		job                     entity.ProcessingJob
		status                  string
		metadata, payload, emsg entsql.NullString
		createdAt               int64
		completedAt             entsql.NullInt64
	)
	if err := rows.Scan(
		&job.ID, &job.Filename, &job.TargetID, &metadata, &status,
		&payload, &emsg, &createdAt, &completedAt, &job.DurationMs,
	); err != nil {
		return nil, fmt.Errorf("%w: scan job: %v", common.ErrDatabase, err)
	}
	job.Status = constants.JobStatus(status)
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	if metadata.Valid {
		job.CallerMetadata = json.RawMessage(metadata.String)
	}
	if payload.Valid {
		job.ResultPayload = json.RawMessage(payload.String)
	}
	if emsg.Valid {
		msg := emsg.String
		job.ErrorMessage = &msg
	}
	if completedAt.Valid {
		at := time.UnixMilli(completedAt.Int64).UTC()
		job.CompletedAt = &at
	}
	return &job, nil
}

func rawOrNil(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

package async

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/joseph-ayodele/extraction-bench/internal/entity"
	"github.com/joseph-ayodele/extraction-bench/internal/orchestrator"
)

// ErrClosed is returned by Enqueue once Shutdown has started.
var ErrClosed = errors.New("queue is shutting down")

// Runner is the part of the orchestrator the queue drives.
type Runner interface {
	Begin(ctx context.Context, req orchestrator.Request) (*orchestrator.Run, error)
	Execute(ctx context.Context, run *orchestrator.Run) (*entity.ProcessingJob, error)
}

// Queue records jobs synchronously and executes them on a worker pool.
type Queue struct {
	runner  Runner
	logger  *slog.Logger
	workers int
	timeout time.Duration

	ch   chan *orchestrator.Run
	wg   sync.WaitGroup
	once sync.Once

	// base is canceled when a shutdown deadline passes.
	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

type Option func(*Queue)

func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan *orchestrator.Run, n)
		}
	}
}

// WithJobTimeout bounds each execution; zero leaves jobs to the poll budget.
func WithJobTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.timeout = d
		}
	}
}

func New(runner Runner, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		runner:  runner,
		logger:  logger,
		workers: 4,
		timeout: 15 * time.Minute,
		ch:      make(chan *orchestrator.Run, 256),
	}
	for _, o := range opts {
		o(q)
	}
	q.base, q.cancel = context.WithCancel(context.Background())
	q.start()
	return q
}

func (q *Queue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Debug("worker started", "worker_id", workerID)
				for run := range q.ch {
					q.execute(workerID, run)
				}
				q.logger.Debug("worker stopped", "worker_id", workerID)
			}(i + 1)
		}
	})
}

func (q *Queue) execute(workerID int, run *orchestrator.Run) {
	ctx := q.base
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	job, err := q.runner.Execute(ctx, run)
	if err != nil {
		q.logger.Error("job failed", "worker_id", workerID, "job_id", run.Job.ID, "error", err)
		return
	}
	q.logger.Info("job finished", "worker_id", workerID, "job_id", job.ID, "status", job.Status)
}

// Enqueue writes the processing record and hands the job to a worker. The
// returned record is already visible to GetJob.
func (q *Queue) Enqueue(ctx context.Context, req orchestrator.Request) (*entity.ProcessingJob, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.logger.Warn("cannot enqueue: queue is shutting down", "filename", req.Filename)
		return nil, ErrClosed
	}

	run, err := q.runner.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	snapshot := run.Job.Clone()

	select {
	case q.ch <- run:
		q.logger.Info("queued job", "job_id", snapshot.ID, "filename", snapshot.Filename, "target_id", snapshot.TargetID)
	default:
		q.logger.Warn("queue full, applying backpressure", "job_id", snapshot.ID)
		select {
		case q.ch <- run:
		case <-ctx.Done():
			// The record exists; finish it so it does not stay processing.
			if _, err := q.runner.Execute(ctx, run); err != nil {
				q.logger.Error("job failed", "job_id", run.Job.ID, "error", err)
			}
			return snapshot, ctx.Err()
		}
	}
	return snapshot, nil
}

// Shutdown stops intake and waits for workers. When ctx expires first,
// running jobs are canceled and recorded as failed.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context, canceling running jobs")
		q.cancel()
		<-done
	case <-done:
		q.logger.Info("queue drained, shutdown complete")
	}
	q.cancel()
}

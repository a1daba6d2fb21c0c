package async

import (
	"context"
	"log/slog"

	"github.com/joseph-ayodele/extraction-bench/internal/entity"
	"github.com/joseph-ayodele/extraction-bench/internal/orchestrator"
)

// Enqueuer accepts jobs for background execution.
type Enqueuer interface {
	Enqueue(ctx context.Context, req orchestrator.Request) (*entity.ProcessingJob, error)
}

// Feed enqueues one job per target for every filename received, until names
// is closed or ctx is done. It returns the number of jobs enqueued.
func Feed(ctx context.Context, names <-chan string, targetIDs []string, q Enqueuer, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	n := 0
	for {
		select {
		case <-ctx.Done():
			return n
		case name, ok := <-names:
			if !ok {
				return n
			}
			for _, targetID := range targetIDs {
				job, err := q.Enqueue(ctx, orchestrator.Request{Filename: name, TargetID: targetID})
				if err != nil {
					logger.Warn("feed.enqueue.failed", "filename", name, "target_id", targetID, "error", err)
					continue
				}
				n++
				logger.Info("feed.enqueued", "job_id", job.ID, "filename", name, "target_id", targetID)
			}
		}
	}
}

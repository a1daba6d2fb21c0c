package repository

import (
	"context"
	"sort"

	"github.com/joseph-ayodele/extraction-bench/internal/entity"
)

// ResultStore persists processing jobs.
type ResultStore interface {
	// Upsert inserts or fully replaces the record with job.ID.
	Upsert(ctx context.Context, job *entity.ProcessingJob) error
	// Get returns common.ErrNotFound (wrapped) when id is unknown.
	Get(ctx context.Context, id string) (*entity.ProcessingJob, error)
	// ListByFilename returns every job for filename, newest first.
	ListByFilename(ctx context.Context, filename string) ([]*entity.ProcessingJob, error)
	// ListAll returns every job, newest first.
	ListAll(ctx context.Context) ([]*entity.ProcessingJob, error)
	// Delete reports whether a record existed.
	Delete(ctx context.Context, id string) (bool, error)
	Close() error
}

func sortNewestFirst(jobs []*entity.ProcessingJob) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
}

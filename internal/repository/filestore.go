package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/common"
	"github.com/joseph-ayodele/extraction-bench/internal/entity"
)

const (
	jobsDir   = "jobs"
	indexFile = "index.json"
)

// FileStore keeps one JSON file per job plus a filename index. Every write
// goes through a temp file and a rename; mutations hold a single writer lock.
type FileStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	index map[string][]string // filename -> job ids, newest first
}

// OpenFileStore prepares dir and loads the filename index.
func OpenFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, jobsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	s := &FileStore{dir: dir, logger: logger, index: map[string][]string{}}

	raw, err := os.ReadFile(s.indexPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read index: %w", err)
	default:
		if err := json.Unmarshal(raw, &s.index); err != nil {
			return nil, fmt.Errorf("decode index %s: %w", s.indexPath(), err)
		}
	}
	logger.Info("filestore.opened", "dir", dir, "filenames", len(s.index))
	return s, nil
}

func (s *FileStore) Upsert(ctx context.Context, job *entity.ProcessingJob) error {
	if err := validateJob(job); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(s.jobPath(job.ID), data); err != nil {
		return fmt.Errorf("write job %s: %w", job.ID, err)
	}

	next := s.copyIndex()
	pruneID(next, job.ID)
	next[job.Filename] = append([]string{job.ID}, next[job.Filename]...)
	if err := s.saveIndex(next); err != nil {
		return err
	}
	s.logger.Debug("filestore.upsert", "job_id", job.ID, "status", job.Status)
	return nil
}

func (s *FileStore) Get(_ context.Context, id string) (*entity.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(id)
}

func (s *FileStore) ListByFilename(_ context.Context, filename string) ([]*entity.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.index[filename]
	jobs := make([]*entity.ProcessingJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.read(id)
		if errors.Is(err, common.ErrNotFound) {
			s.logger.Warn("filestore.index.dangling", "filename", filename, "job_id", id)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sortNewestFirst(jobs)
	return jobs, nil
}

func (s *FileStore) ListAll(_ context.Context) ([]*entity.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.dir, jobsDir))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	jobs := make([]*entity.ProcessingJob, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		job, err := s.read(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sortNewestFirst(jobs)
	return jobs, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) (bool, error) {
	if !validID(id) {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.jobPath(id))
	existed := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove job %s: %w", id, err)
	}

	next := s.copyIndex()
	if pruneID(next, id) || existed {
		if err := s.saveIndex(next); err != nil {
			return existed, err
		}
	}
	s.logger.Debug("filestore.delete", "job_id", id, "existed", existed)
	return existed, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) read(id string) (*entity.ProcessingJob, error) {
	if !validID(id) {
		return nil, fmt.Errorf("job %q: %w", id, common.ErrNotFound)
	}
	raw, err := os.ReadFile(s.jobPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("job %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	var job entity.ProcessingJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// saveIndex persists next and only then makes it the live index.
func (s *FileStore) saveIndex(next map[string][]string) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := writeFileAtomic(s.indexPath(), data); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	s.index = next
	return nil
}

func (s *FileStore) copyIndex() map[string][]string {
	out := make(map[string][]string, len(s.index))
	for k, v := range s.index {
		out[k] = slices.Clone(v)
	}
	return out
}

// pruneID removes id from every bucket, dropping buckets left empty.
func pruneID(index map[string][]string, id string) bool {
	changed := false
	for name, ids := range index {
		kept := slices.DeleteFunc(ids, func(x string) bool { return x == id })
		if len(kept) == len(ids) {
			continue
		}
		changed = true
		if len(kept) == 0 {
			delete(index, name)
		} else {
			index[name] = kept
		}
	}
	return changed
}

func (s *FileStore) jobPath(id string) string {
	return filepath.Join(s.dir, jobsDir, id+".json")
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.dir, indexFile)
}

func validID(id string) bool {
	return common.BaseName("id", id) == nil && common.Required("id", id) == nil
}

func validateJob(job *entity.ProcessingJob) error {
	if job == nil {
		return common.NewValidationError("job", nil, "is required")
	}
	if err := common.NewValidator().
		Field("id", job.ID, common.Required, common.BaseName).
		Field("filename", job.Filename, common.Required).
		Error(); err != nil {
		return err
	}
	if !slices.Contains(constants.JobStatuses, string(job.Status)) {
		return common.NewValidationError("status", job.Status, "is not a known job status")
	}
	// completed_at is set exactly when the job reached a terminal status.
	if job.Status.Terminal() != (job.CompletedAt != nil) {
		return common.NewValidationError("completed_at", job.CompletedAt, fmt.Sprintf("does not match status %q", job.Status))
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

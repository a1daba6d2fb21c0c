package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/common"
	"github.com/joseph-ayodele/extraction-bench/internal/entity"
	"github.com/joseph-ayodele/extraction-bench/internal/files"
	"github.com/joseph-ayodele/extraction-bench/internal/orchestrator"
	"github.com/joseph-ayodele/extraction-bench/internal/server"
)

type memJobs struct {
	mu   sync.Mutex
	jobs []*entity.ProcessingJob
}

func (m *memJobs) SubmitJob(_ context.Context, req orchestrator.Request) (*entity.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	job := &entity.ProcessingJob{ID: "job-" + req.Filename, Filename: req.Filename, TargetID: req.TargetID, CallerMetadata: req.Metadata, CreatedAt: now}
	job.Finish(constants.JobStatusCompleted, json.RawMessage(`{"total":42}`), "", now)
	m.jobs = append(m.jobs, job)
	return job.Clone(), nil
}

func (m *memJobs) GetJob(_ context.Context, id string) (*entity.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			return j.Clone(), nil
		}
	}
	return nil, common.ErrNotFound
}

func (m *memJobs) ListJobsForFilename(ctx context.Context, filename string) ([]*entity.ProcessingJob, error) {
	all, _ := m.ListAllJobs(ctx)
	var out []*entity.ProcessingJob
	for _, j := range all {
		if j.Filename == filename {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memJobs) ListAllJobs(context.Context) ([]*entity.ProcessingJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entity.ProcessingJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Clone())
	}
	return out, nil
}

func (m *memJobs) DeleteJob(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, j := range m.jobs {
		if j.ID == id {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

type staticExporter struct{}

func (staticExporter) ExportJobsXLSX(context.Context, string) ([]byte, error) {
	return []byte("PK\x03\x04"), nil
}

func bufDialer(t *testing.T, uploadDir string) Dialer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	docs := files.NewDirSource(uploadDir, logger)
	server.RegisterJobServiceServer(srv, server.NewJobServer(&memJobs{}, nil, docs, staticExporter{}, logger))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	return func(string) (grpc.ClientConnInterface, io.Closer, error) {
		conn, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, err
		}
		return conn, conn, nil
	}
}

func run(t *testing.T, dial Dialer, args ...string) (string, error) {
	t.Helper()
	root := BuildCLI(dial)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSubmitUploadThenQuery(t *testing.T) {
	uploads := t.TempDir()
	dial := bufDialer(t, uploads)

	local := filepath.Join(t.TempDir(), "inv-001.pdf")
	require.NoError(t, os.WriteFile(local, []byte("%PDF-1.7"), 0o600))

	out, err := run(t, dial, "submit", "--upload", local, "--target", "acme", "--metadata", `{"customer":"c-9"}`)
	require.NoError(t, err)
	var job entity.ProcessingJob
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, "job-inv-001.pdf", job.ID)
	assert.Equal(t, constants.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"customer":"c-9"}`, string(job.CallerMetadata))

	saved, err := os.ReadFile(filepath.Join(uploads, "inv-001.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(saved))

	out, err = run(t, dial, "get", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "completed"`)

	out, err = run(t, dial, "list", "--filename", "inv-001.pdf")
	require.NoError(t, err)
	var jobs []entity.ProcessingJob
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	assert.Len(t, jobs, 1)

	out, err = run(t, dial, "list", "--filename", "nope.pdf")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)

	out, err = run(t, dial, "delete", job.ID)
	require.NoError(t, err)
	assert.Equal(t, "deleted job-inv-001.pdf\n", out)

	out, err = run(t, dial, "delete", job.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "not found")

	_, err = run(t, dial, "get", job.ID)
	assert.Error(t, err)
}

func TestSubmitValidation(t *testing.T) {
	dial := bufDialer(t, t.TempDir())

	_, err := run(t, dial, "submit", "--filename", "a.pdf")
	assert.Error(t, err, "target flag is required")

	_, err = run(t, dial, "submit", "--target", "acme")
	assert.True(t, common.IsValidation(err))

	_, err = run(t, dial, "submit", "--filename", "a.pdf", "--target", "acme", "--metadata", "{nope")
	assert.True(t, common.IsValidation(err))
}

func TestExportWritesWorkbook(t *testing.T) {
	dial := bufDialer(t, t.TempDir())
	dest := filepath.Join(t.TempDir(), "out.xlsx")

	out, err := run(t, dial, "export", "--out", dest)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+dest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, []byte("PK\x03\x04"), data)
}

func TestFilesListsUploadDir(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b.png", "a.pdf", ".hidden.pdf", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o600))
	}

	out, err := run(t, nil, "files", "--dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "a.pdf\nb.png\n", out)
}

func TestPollPolicyFromConfig(t *testing.T) {
	p := PollPolicy(common.PollConfig{MaxAttempts: 5, BaseDelay: time.Second, RampAfter: 2, Step: time.Second, MaxDelay: 3 * time.Second})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 3*time.Second, p.Delay(10))
}

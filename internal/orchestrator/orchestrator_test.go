package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/common"
	"github.com/joseph-ayodele/extraction-bench/internal/entity"
	"github.com/joseph-ayodele/extraction-bench/internal/extract"
	"github.com/joseph-ayodele/extraction-bench/internal/extract/registry"
	"github.com/joseph-ayodele/extraction-bench/internal/files"
	"github.com/joseph-ayodele/extraction-bench/internal/poller"
	"github.com/joseph-ayodele/extraction-bench/internal/repository"
	"github.com/joseph-ayodele/extraction-bench/internal/targets"
	"github.com/joseph-ayodele/extraction-bench/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fixture struct {
	orch     *Orchestrator
	store    repository.ResultStore
	recorder *fakeRecorder
	notifier *fakeNotifier
}

func newFixture(t *testing.T, backend http.Handler, attempts int, extra ...*targets.Target) *fixture {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	uploads := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "inv-001.pdf"), []byte("%PDF-1.7"), 0o600))

	store, err := repository.OpenFileStore(t.TempDir(), discard())
	require.NoError(t, err)

	acme := &targets.Target{
		ID:       "acme",
		Protocol: constants.ProtocolTaskPoll,
		BaseURL:  srv.URL,
		Timeout:  2 * time.Second,
		Upload:   constants.UploadMultipart,
		Poll:     poller.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond},
	}
	strict, err := (&targets.Target{ID: "strict", Protocol: constants.ProtocolTaskPoll, BaseURL: srv.URL}).WithSchema(map[string]any{
		"type":     "object",
		"required": []any{"customer"},
	})
	require.NoError(t, err)
	resolver := targets.NewRegistry(append([]*targets.Target{acme, strict}, extra...)...)

	p := poller.New(discard(), poller.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))
	adapters := registry.New(discard(), p, transport.NewClient(nil, discard()))

	f := &fixture{store: store, recorder: &fakeRecorder{}, notifier: &fakeNotifier{}}
	f.orch = New(store, files.NewDirSource(uploads, discard()), resolver, adapters, discard(),
		WithRecorder(f.recorder), WithNotifier(f.notifier))
	return f
}

// taskBackend answers status with the given sequence, repeating the last one.
func taskBackend(statuses ...string) http.Handler {
	var polls atomic.Int32
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tasks":
			_, _ = w.Write([]byte(`{"task_id":"t-1"}`))
		case r.URL.Path == "/tasks/t-1":
			i := int(polls.Add(1)) - 1
			if i >= len(statuses) {
				i = len(statuses) - 1
			}
			_, _ = w.Write([]byte(`{"status":"` + statuses[i] + `"}`))
		case r.URL.Path == "/tasks/t-1/result":
			_, _ = w.Write([]byte(`{"total":42.0}`))
		default:
			http.NotFound(w, r)
		}
	})
}

func TestSubmitJobCompletes(t *testing.T) {
	f := newFixture(t, taskBackend("processing", "processing", "completed"), 10)
	ctx := context.Background()

	job, err := f.orch.SubmitJob(ctx, Request{Filename: "inv-001.pdf", TargetID: "acme", Metadata: json.RawMessage(`{ "customer": "ACME" }`)})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"total":42.0}`, string(job.ResultPayload))
	assert.Nil(t, job.ErrorMessage)
	require.NotNil(t, job.CompletedAt)
	assert.False(t, job.CompletedAt.Before(job.CreatedAt))

	jobs, err := f.orch.ListJobsForFilename(ctx, "inv-001.pdf")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, constants.JobStatusCompleted, jobs[0].Status)
	assert.Equal(t, `{"customer":"ACME"}`, string(jobs[0].CallerMetadata))

	assert.Equal(t, []string{"acme"}, f.recorder.started())
	assert.Equal(t, []constants.JobStatus{constants.JobStatusCompleted}, f.recorder.finished())
	assert.Equal(t, []string{job.ID}, f.notifier.ids())
}

func TestSubmitJobTimesOutWithoutError(t *testing.T) {
	f := newFixture(t, taskBackend("processing"), 3)

	job, err := f.orch.SubmitJob(context.Background(), Request{Filename: "inv-001.pdf", TargetID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusTimeout, job.Status)
	assert.Nil(t, job.ErrorMessage)

	var info timeoutDetails
	require.NoError(t, json.Unmarshal(job.ResultPayload, &info))
	assert.Equal(t, 3, info.Attempts)

	stored, err := f.orch.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusTimeout, stored.Status)
}

func TestSubmitJobProviderFailure(t *testing.T) {
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"id":"t-1"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"failed","error":"blurry"}`))
	})
	f := newFixture(t, backend, 5)

	job, err := f.orch.SubmitJob(context.Background(), Request{Filename: "inv-001.pdf", TargetID: "acme"})
	var perr *poller.ProviderError
	require.ErrorAs(t, err, &perr)
	require.NotNil(t, job)
	assert.Equal(t, constants.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "blurry")
	assert.Nil(t, job.ResultPayload)
}

func TestSubmitJobSubmitErrorIsNotRetried(t *testing.T) {
	var posts atomic.Int32
	backend := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	f := newFixture(t, backend, 5)

	job, err := f.orch.SubmitJob(context.Background(), Request{Filename: "inv-001.pdf", TargetID: "acme"})
	var uerr *transport.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, int32(1), posts.Load())
	assert.Equal(t, constants.JobStatusFailed, job.Status)
}

func TestMissingDocumentLeavesFailedRecord(t *testing.T) {
	f := newFixture(t, taskBackend("completed"), 3)
	ctx := context.Background()

	_, err := f.orch.SubmitJob(ctx, Request{Filename: "missing.pdf", TargetID: "acme"})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrNotFound)

	jobs, err := f.orch.ListJobsForFilename(ctx, "missing.pdf")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, constants.JobStatusFailed, jobs[0].Status)
	require.NotNil(t, jobs[0].ErrorMessage)
	assert.Contains(t, *jobs[0].ErrorMessage, "missing.pdf")
}

func TestValidationFailuresCreateNoRecord(t *testing.T) {
	f := newFixture(t, taskBackend("completed"), 3)
	ctx := context.Background()

	cases := []struct {
		name  string
		req   Request
		check func(t *testing.T, err error)
	}{
		{"unknown target", Request{Filename: "inv-001.pdf", TargetID: "ghost"}, func(t *testing.T, err error) {
			assert.ErrorIs(t, err, common.ErrNotFound)
		}},
		{"unsupported extension", Request{Filename: "notes.txt", TargetID: "acme"}, func(t *testing.T, err error) {
			assert.True(t, common.IsValidation(err))
		}},
		{"metadata schema", Request{Filename: "inv-001.pdf", TargetID: "strict", Metadata: json.RawMessage(`{"x":1}`)}, func(t *testing.T, err error) {
			assert.True(t, common.IsValidation(err))
		}},
		{"path in filename", Request{Filename: "../inv-001.pdf", TargetID: "acme"}, func(t *testing.T, err error) {
			assert.True(t, common.IsValidation(err))
		}},
		{"missing target", Request{Filename: "inv-001.pdf"}, func(t *testing.T, err error) {
			assert.True(t, common.IsValidation(err))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.orch.SubmitJob(ctx, tc.req)
			require.Error(t, err)
			tc.check(t, err)
		})
	}

	all, err := f.orch.ListAllJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, f.recorder.started())
}

func TestBeginRecordIsVisibleBeforeExecute(t *testing.T) {
	f := newFixture(t, taskBackend("completed"), 3)
	ctx := context.Background()

	run, err := f.orch.Begin(ctx, Request{Filename: "inv-001.pdf", TargetID: "acme"})
	require.NoError(t, err)

	seen, err := f.orch.GetJob(ctx, run.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusProcessing, seen.Status)
	assert.Nil(t, seen.CompletedAt)

	job, err := f.orch.Execute(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, job.Status)
}

type stuckAdapter struct{ submitted chan struct{} }

func (a *stuckAdapter) Kind() constants.Protocol { return constants.ProtocolTaskPoll }

func (a *stuckAdapter) Submit(context.Context, extract.Document) (extract.Handle, error) {
	close(a.submitted)
	return extract.Handle{ID: "x"}, nil
}

func (a *stuckAdapter) AwaitCompletion(ctx context.Context, _ extract.Handle) poller.Outcome {
	<-ctx.Done()
	return poller.Outcome{Kind: poller.OutcomeCanceled, LastError: ctx.Err()}
}

type fixedAdapters struct{ a extract.Adapter }

func (f fixedAdapters) AdapterFor(*targets.Target) (extract.Adapter, error) { return f.a, nil }

func TestCancellationPersistsFailedRecord(t *testing.T) {
	uploads := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(uploads, "inv-001.pdf"), []byte("%PDF"), 0o600))
	store, err := repository.OpenFileStore(t.TempDir(), discard())
	require.NoError(t, err)

	adapter := &stuckAdapter{submitted: make(chan struct{})}
	orch := New(store, files.NewDirSource(uploads, discard()),
		targets.NewRegistry(&targets.Target{ID: "acme", Protocol: constants.ProtocolTaskPoll}),
		fixedAdapters{adapter}, discard())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-adapter.submitted
		cancel()
	}()

	job, err := orch.SubmitJob(ctx, Request{Filename: "inv-001.pdf", TargetID: "acme"})
	assert.ErrorIs(t, err, context.Canceled)

	stored, gerr := store.Get(context.Background(), job.ID)
	require.NoError(t, gerr)
	assert.Equal(t, constants.JobStatusFailed, stored.Status)
}

func TestDeleteJob(t *testing.T) {
	f := newFixture(t, taskBackend("completed"), 3)
	ctx := context.Background()

	job, err := f.orch.SubmitJob(ctx, Request{Filename: "inv-001.pdf", TargetID: "acme"})
	require.NoError(t, err)

	ok, err := f.orch.DeleteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.orch.DeleteJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.orch.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

type fakeRecorder struct {
	mu      sync.Mutex
	starts  []string
	endings []constants.JobStatus
}

func (r *fakeRecorder) JobStarted(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, targetID)
}

func (r *fakeRecorder) JobFinished(job *entity.ProcessingJob, _ *poller.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.endings = append(r.endings, job.Status)
}

func (r *fakeRecorder) started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.starts...)
}

func (r *fakeRecorder) finished() []constants.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]constants.JobStatus(nil), r.endings...)
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs []string
}

func (n *fakeNotifier) JobFinished(_ context.Context, job *entity.ProcessingJob) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job.ID)
	return nil
}

func (n *fakeNotifier) ids() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.jobs...)
}

package events

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/entity"
)

func TestSubjectPerStatus(t *testing.T) {
	p := NewPublisher(nil, "extraction.jobs", nil)
	assert.Equal(t, "extraction.jobs.completed", p.Subject(string(constants.JobStatusCompleted)))
	assert.Equal(t, "extraction.jobs.timeout", p.Subject(string(constants.JobStatusTimeout)))
}

// Requires a reachable server, e.g. NATS_TEST_URL=nats://127.0.0.1:4222.
func TestPublishRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}
	p, err := Connect(url, "extraction.test."+uuid.NewString()[:8], nil)
	require.NoError(t, err)
	defer p.Close()

	got := make(chan *entity.ProcessingJob, 1)
	sub, err := p.Subscribe(func(_ context.Context, job *entity.ProcessingJob) { got <- job })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, p.nc.Flush())

	job := &entity.ProcessingJob{ID: uuid.NewString(), Filename: "inv-001.pdf", TargetID: "acme", Status: constants.JobStatusCompleted}
	require.NoError(t, p.JobFinished(context.Background(), job))

	select {
	case j := <-got:
		assert.Equal(t, job.ID, j.ID)
		assert.Equal(t, constants.JobStatusCompleted, j.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
}

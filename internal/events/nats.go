package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/joseph-ayodele/extraction-bench/internal/entity"
)

// Publisher announces terminal jobs on <subject>.<status>.
type Publisher struct {
	nc      *nats.Conn
	subject string
	logger  *slog.Logger
}

// Connect dials NATS with unlimited reconnects.
func Connect(url, subject string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("extraction-bench"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	logger.Info("nats connected", "url", nc.ConnectedUrl(), "subject", subject)
	return NewPublisher(nc, subject, logger), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(nc *nats.Conn, subject string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, subject: subject, logger: logger}
}

// Subject returns the subject used for a given status.
func (p *Publisher) Subject(status string) string {
	return p.subject + "." + status
}

func (p *Publisher) JobFinished(_ context.Context, job *entity.ProcessingJob) error {
	b, err := json.Marshal(job)
	if err != nil {
		return err
	}
	subject := p.Subject(string(job.Status))
	if err := p.nc.Publish(subject, b); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("events.published", "subject", subject, "job_id", job.ID)
	return nil
}

// Subscribe delivers decoded jobs from every status subject.
func (p *Publisher) Subscribe(handler func(ctx context.Context, job *entity.ProcessingJob)) (*nats.Subscription, error) {
	return p.nc.Subscribe(p.subject+".*", func(msg *nats.Msg) {
		var job entity.ProcessingJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			p.logger.Warn("events.decode_error", "subject", msg.Subject, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		handler(ctx, &job)
	})
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

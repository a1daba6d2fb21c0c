package taskpoll

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/extract"
	"github.com/joseph-ayodele/extraction-bench/internal/poller"
	"github.com/joseph-ayodele/extraction-bench/internal/transport"
)

// Config is a Task-Poll back-end.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	Upload  constants.UploadMode
	Policy  poller.Policy
}

// Client submits documents as tasks and polls the task until it settles.
type Client struct {
	cfg    Config
	http   *transport.Client
	poller *poller.Poller
	logger *slog.Logger
}

func New(cfg Config, httpClient *transport.Client, p *poller.Poller, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if p == nil {
		p = poller.New(logger)
	}
	if cfg.Upload == "" {
		cfg.Upload = constants.UploadMultipart
	}
	return &Client{cfg: cfg, http: httpClient, poller: p, logger: logger.With("protocol", constants.ProtocolTaskPoll)}
}

func (c *Client) Kind() constants.Protocol { return constants.ProtocolTaskPoll }

type taskStatus struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

func (c *Client) Submit(ctx context.Context, doc extract.Document) (extract.Handle, error) {
	start := time.Now()
	req := transport.Request{
		Method:  http.MethodPost,
		URL:     transport.JoinURL(c.cfg.BaseURL, "tasks"),
		Headers: c.headers(),
		Timeout: c.cfg.Timeout,
	}

	switch c.cfg.Upload {
	case constants.UploadBinary:
		req.Body = bytes.NewReader(doc.Bytes)
		req.Headers["Content-Type"] = doc.ContentType
		req.Headers["X-Filename"] = doc.Filename
	default:
		body, contentType, err := multipartBody(doc)
		if err != nil {
			return extract.Handle{}, err
		}
		req.Body = body
		req.Headers["Content-Type"] = contentType
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		c.logger.Error("taskpoll.submit.error", "filename", doc.Filename, "error", err)
		return extract.Handle{}, fmt.Errorf("submit task: %w", err)
	}
	id, err := extract.PickID(resp.Body, "task_id", "id")
	if err != nil {
		return extract.Handle{}, err
	}
	c.logger.Info("taskpoll.submit.ok", "task_id", id, "filename", doc.Filename, "elapsed_ms", time.Since(start).Milliseconds())
	return extract.Handle{ID: id}, nil
}

func (c *Client) AwaitCompletion(ctx context.Context, h extract.Handle) poller.Outcome {
	statusURL := transport.JoinURL(c.cfg.BaseURL, "tasks", h.ID)
	resultURL := transport.JoinURL(c.cfg.BaseURL, "tasks", h.ID, "result")

	out := c.poller.Poll(ctx, c.cfg.Policy, func(ctx context.Context, attempt int) (poller.Check, error) {
		var st taskStatus
		if _, err := c.http.GetJSON(ctx, statusURL, c.headers(), c.cfg.Timeout, &st); err != nil {
			return poller.Check{}, err
		}
		switch strings.ToLower(st.Status) {
		case "completed":
			resp, err := c.http.GetJSON(ctx, resultURL, c.headers(), c.cfg.Timeout, nil)
			if err != nil {
				return poller.Check{}, fmt.Errorf("fetch result: %w", err)
			}
			payload, err := extract.CompactPayload(resp.Body)
			if err != nil {
				return poller.Check{}, err
			}
			return poller.Done(payload), nil
		case "failed":
			if st.Error == "" {
				return poller.Failed("task failed"), nil
			}
			return poller.Failed(st.Error), nil
		default:
			c.logger.Debug("taskpoll.status", "task_id", h.ID, "status", st.Status, "attempt", attempt)
			return poller.Pending(), nil
		}
	})

	c.logger.Info("taskpoll.await.done", "task_id", h.ID, "outcome", out.Kind, "attempts", out.Attempts, "elapsed_ms", out.Elapsed.Milliseconds())
	return out
}

func (c *Client) headers() map[string]string {
	h := map[string]string{}
	if c.cfg.Token != "" {
		h["Authorization"] = "Bearer " + c.cfg.Token
	}
	return h
}

func multipartBody(doc extract.Document) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, doc.Filename))
	hdr.Set("Content-Type", doc.ContentType)
	part, err := w.CreatePart(hdr)
	if err != nil {
		return nil, "", fmt.Errorf("create multipart part: %w", err)
	}
	if _, err := part.Write(doc.Bytes); err != nil {
		return nil, "", fmt.Errorf("write multipart part: %w", err)
	}
	if len(doc.Metadata) > 0 {
		if err := w.WriteField("metadata", string(doc.Metadata)); err != nil {
			return nil, "", fmt.Errorf("write metadata field: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

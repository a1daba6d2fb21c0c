package txpoll

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/extract"
	"github.com/joseph-ayodele/extraction-bench/internal/poller"
	"github.com/joseph-ayodele/extraction-bench/internal/transport"
)

// Transaction states reported by the back-end.
const (
	StateCreated = "CREATED"
	StateRunning = "RUNNING"
	StateDone    = "DONE"
	StateFailed  = "FAILED"
)

// Config is a Transaction-Poll back-end.
type Config struct {
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
	Features []string
	Policy   poller.Policy
}

// Client opens a transaction per document and polls it until it settles.
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
	return &Client{cfg: cfg, http: httpClient, poller: p, logger: logger.With("protocol", constants.ProtocolTransactionPoll)}
}

func (c *Client) Kind() constants.Protocol { return constants.ProtocolTransactionPoll }

type submitDocument struct {
	Content  string `json:"content"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename"`
}

type submitRequest struct {
	Document submitDocument `json:"document"`
	Features []string       `json:"features,omitempty"`
	Metadata any            `json:"metadata,omitempty"`
}

type txStatus struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *Client) Submit(ctx context.Context, doc extract.Document) (extract.Handle, error) {
	start := time.Now()
	body := submitRequest{
		Document: submitDocument{
			Content:  base64.StdEncoding.EncodeToString(doc.Bytes),
			MimeType: doc.ContentType,
			Filename: doc.Filename,
		},
		Features: c.cfg.Features,
	}
	if len(doc.Metadata) > 0 {
		body.Metadata = doc.Metadata
	}

	resp, err := c.http.SendJSON(ctx, transport.JoinURL(c.cfg.BaseURL, "transactions"), body, c.headers(), c.cfg.Timeout)
	if err != nil {
		c.logger.Error("txpoll.submit.error", "filename", doc.Filename, "error", err)
		return extract.Handle{}, fmt.Errorf("open transaction: %w", err)
	}
	id, err := extract.PickID(resp.Body, "transaction_id", "transactionId")
	if err != nil {
		return extract.Handle{}, err
	}
	c.logger.Info("txpoll.submit.ok", "transaction_id", id, "filename", doc.Filename, "elapsed_ms", time.Since(start).Milliseconds())
	return extract.Handle{ID: id}, nil
}

func (c *Client) AwaitCompletion(ctx context.Context, h extract.Handle) poller.Outcome {
	statusURL := transport.JoinURL(c.cfg.BaseURL, "transactions", h.ID)
	resultURL := transport.JoinURL(c.cfg.BaseURL, "transactions", h.ID, "result")

	out := c.poller.Poll(ctx, c.cfg.Policy, func(ctx context.Context, attempt int) (poller.Check, error) {
		var st txStatus
		if _, err := c.http.GetJSON(ctx, statusURL, c.headers(), c.cfg.Timeout, &st); err != nil {
			return poller.Check{}, err
		}
		switch strings.ToUpper(st.Status) {
		case StateDone:
			resp, err := c.http.GetJSON(ctx, resultURL, c.headers(), c.cfg.Timeout, nil)
			if err != nil {
				return poller.Check{}, fmt.Errorf("fetch result: %w", err)
			}
			payload, err := extract.CompactPayload(resp.Body)
			if err != nil {
				return poller.Check{}, err
			}
			return poller.Done(payload), nil
		case StateFailed:
			if st.Message == "" {
				return poller.Failed("transaction failed"), nil
			}
			return poller.Failed(st.Message), nil
		case StateCreated, StateRunning:
			return poller.Pending(), nil
		default:
			c.logger.Warn("txpoll.status.unknown", "transaction_id", h.ID, "status", st.Status, "attempt", attempt)
			return poller.Pending(), nil
		}
	})

	c.logger.Info("txpoll.await.done", "transaction_id", h.ID, "outcome", out.Kind, "attempts", out.Attempts, "elapsed_ms", out.Elapsed.Milliseconds())
	return out
}

func (c *Client) headers() map[string]string {
	h := map[string]string{}
	if c.cfg.APIKey != "" {
		h["X-API-Key"] = c.cfg.APIKey
	}
	return h
}

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxErrorBody bounds how much of an upstream error body is kept.
const maxErrorBody = 2048

// UpstreamError is a non-2xx response from a back-end.
type UpstreamError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *UpstreamError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.Body == "" {
		return "upstream " + status
	}
	return fmt.Sprintf("upstream %s: %s", status, e.Body)
}

// Request describes one HTTP call to a back-end.
type Request struct {
	Method  string
	URL     string
	Body    io.Reader
	Headers map[string]string
	// Timeout bounds this call only; zero leaves ctx untouched.
	Timeout time.Duration
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode  int
	ContentType string
	Header      http.Header
	Body        []byte
}

// Client sends requests to extraction back-ends with per-call timeouts and
// uniform error folding.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{http: httpClient, logger: logger}
}

// Do sends req and returns the body of a 2xx response. Non-2xx responses are
// returned as *UpstreamError carrying the status line and body text.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	reqID := uuid.New().String()
	start := time.Now()

	hreq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, req.Body)
	if err != nil {
		c.logger.Error("http.build_request_error", "req_id", reqID, "error", err)
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	c.logger.Debug("http.request", "req_id", reqID, "method", req.Method, "url", req.URL)

	resp, err := c.http.Do(hreq)
	if err != nil {
		c.logger.Warn("http.send_error", "req_id", reqID, "url", req.URL, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Warn("http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		body := strings.TrimSpace(string(raw))
		if len(body) > maxErrorBody {
			cut := maxErrorBody
			for cut > 0 && !utf8.RuneStart(body[cut]) {
				cut--
			}
			body = body[:cut]
		}
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Status: resp.Status, Body: body}
	}
	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Header:      resp.Header,
		Body:        raw,
	}, nil
}

// SendJSON posts body encoded as JSON and returns the raw 2xx response.
func (c *Client) SendJSON(ctx context.Context, url string, body any, headers map[string]string, timeout time.Duration) (*Response, error) {
	bs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	h := map[string]string{"Content-Type": "application/json", "Accept": "application/json"}
	for k, v := range headers {
		h[k] = v
	}
	return c.Do(ctx, Request{Method: http.MethodPost, URL: url, Body: bytes.NewReader(bs), Headers: h, Timeout: timeout})
}

// GetJSON fetches url and decodes a JSON body into out (when non-nil).
func (c *Client) GetJSON(ctx context.Context, url string, headers map[string]string, timeout time.Duration, out any) (*Response, error) {
	h := map[string]string{"Accept": "application/json"}
	for k, v := range headers {
		h[k] = v
	}
	resp, err := c.Do(ctx, Request{Method: http.MethodGet, URL: url, Headers: h, Timeout: timeout})
	if err != nil {
		return nil, err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp, fmt.Errorf("decode %s: %w", url, err)
		}
	}
	return resp, nil
}

// JoinURL appends path segments to base without doubling slashes.
func JoinURL(base string, segments ...string) string {
	u := strings.TrimRight(base, "/")
	for _, s := range segments {
		u += "/" + strings.Trim(s, "/")
	}
	return u
}

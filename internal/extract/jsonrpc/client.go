package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/extract"
	"github.com/joseph-ayodele/extraction-bench/internal/poller"
	"github.com/joseph-ayodele/extraction-bench/internal/transport"
)

const (
	ProtocolVersion = "2024-11-05"
	SessionHeader   = "Mcp-Session-Id"

	maxInitTimeout = 30 * time.Second
)

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Config is a JSON-RPC tool server.
type Config struct {
	BaseURL string
	Token   string
	Tool    string
	Timeout time.Duration
}

// Client calls one tool on a JSON-RPC server over a single long-lived
// session. The tool answers synchronously, so Submit does the work.
type Client struct {
	cfg    Config
	http   *transport.Client
	poller *poller.Poller
	logger *slog.Logger

	mu        sync.Mutex
	ready     bool
	sessionID string
	nextID    atomic.Int64
}

func New(cfg Config, httpClient *transport.Client, p *poller.Poller, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if p == nil {
		p = poller.New(logger)
	}
	return &Client{cfg: cfg, http: httpClient, poller: p, logger: logger.With("protocol", constants.ProtocolJSONRPC)}
}

func (c *Client) Kind() constants.Protocol { return constants.ProtocolJSONRPC }

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type response struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResult struct {
	Content           []contentItem   `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent"`
	IsError           bool            `json:"isError"`
}

// Session returns the server-assigned session id, if any.
func (c *Client) Session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) Submit(ctx context.Context, doc extract.Document) (extract.Handle, error) {
	session, err := c.ensureSession(ctx)
	if err != nil {
		return extract.Handle{}, err
	}

	args := map[string]any{
		"document":  doc.Bytes, // encoding/json emits []byte as base64
		"mime_type": doc.ContentType,
		"filename":  doc.Filename,
	}
	if len(doc.Metadata) > 0 {
		args["metadata"] = doc.Metadata
	}

	start := time.Now()
	id := c.nextID.Add(1)
	raw, _, err := c.call(ctx, session, &id, "tools/call", map[string]any{"name": c.cfg.Tool, "arguments": args}, c.cfg.Timeout)
	if err != nil {
		c.logger.Error("jsonrpc.tools_call.error", "tool", c.cfg.Tool, "filename", doc.Filename, "error", err)
		var uerr *transport.UpstreamError
		if session != "" && errors.As(err, &uerr) && uerr.StatusCode == http.StatusNotFound {
			c.dropSession(session)
		}
		return extract.Handle{}, fmt.Errorf("call tool %s: %w", c.cfg.Tool, err)
	}

	h := extract.Handle{ID: strconv.FormatInt(id, 10)}
	var tr toolResult
	if err := json.Unmarshal(raw, &tr); err != nil {
		return extract.Handle{}, fmt.Errorf("decode tool result: %w", err)
	}
	if tr.IsError {
		h.Failure = firstText(tr.Content)
		if h.Failure == "" {
			h.Failure = "tool reported an error"
		}
		c.logger.Warn("jsonrpc.tools_call.tool_error", "tool", c.cfg.Tool, "reason", h.Failure)
		return h, nil
	}
	h.Result, err = toolPayload(tr)
	if err != nil {
		return extract.Handle{}, err
	}
	c.logger.Info("jsonrpc.tools_call.ok", "tool", c.cfg.Tool, "filename", doc.Filename, "elapsed_ms", time.Since(start).Milliseconds())
	return h, nil
}

// AwaitCompletion reads the answer Submit already received.
func (c *Client) AwaitCompletion(ctx context.Context, h extract.Handle) poller.Outcome {
	return c.poller.Poll(ctx, poller.Once(), func(context.Context, int) (poller.Check, error) {
		switch {
		case h.Failure != "":
			return poller.Failed(h.Failure), nil
		case len(h.Result) > 0:
			return poller.Done(h.Result), nil
		default:
			return poller.Failed("tool returned no result"), nil
		}
	})
}

// ensureSession negotiates a session once and returns its id.
func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return c.sessionID, nil
	}

	initTimeout := c.cfg.Timeout / 2
	if initTimeout <= 0 || initTimeout > maxInitTimeout {
		initTimeout = maxInitTimeout
	}

	id := c.nextID.Add(1)
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]string{"name": "extraction-bench", "version": "1.0.0"},
	}
	_, hdr, err := c.call(ctx, "", &id, "initialize", params, initTimeout)
	if err != nil {
		return "", fmt.Errorf("initialize session: %w", err)
	}
	session := hdr.Get(SessionHeader)

	if _, _, err := c.call(ctx, session, nil, "notifications/initialized", nil, initTimeout); err != nil && !errors.Is(err, ErrEmptyEnvelope) {
		return "", fmt.Errorf("confirm session: %w", err)
	}
	c.sessionID = session
	c.ready = true
	c.logger.Info("jsonrpc.session.ready", "session_id", session, "base_url", c.cfg.BaseURL)
	return session, nil
}

// dropSession forgets a session the server no longer recognizes so the next
// Submit negotiates a new one.
func (c *Client) dropSession(session string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID != session {
		return
	}
	c.ready = false
	c.sessionID = ""
	c.logger.Warn("jsonrpc.session.expired", "session_id", session, "base_url", c.cfg.BaseURL)
}

// call posts one JSON-RPC message. Notifications (id == nil) do not expect
// a result; an empty body comes back as ErrEmptyEnvelope.
func (c *Client) call(ctx context.Context, session string, id *int64, method string, params any, timeout time.Duration) (json.RawMessage, http.Header, error) {
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, nil, fmt.Errorf("encode %s: %w", method, err)
	}
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json, text/event-stream",
	}
	if c.cfg.Token != "" {
		headers["Authorization"] = "Bearer " + c.cfg.Token
	}
	if session != "" {
		headers[SessionHeader] = session
	}

	resp, err := c.http.Do(ctx, transport.Request{
		Method:  http.MethodPost,
		URL:     c.cfg.BaseURL,
		Body:    bytes.NewReader(body),
		Headers: headers,
		Timeout: timeout,
	})
	if err != nil {
		return nil, nil, err
	}

	env, err := ParseEnvelope(resp.ContentType, resp.Body)
	if err != nil {
		return nil, resp.Header, err
	}
	if id == nil {
		return nil, resp.Header, nil
	}
	msg, err := pickResponse(env, *id)
	if err != nil {
		return nil, resp.Header, err
	}
	if msg.Error != nil {
		return nil, resp.Header, msg.Error
	}
	return msg.Result, resp.Header, nil
}

// pickResponse finds the reply to id among the envelope's messages. Server
// notifications and replies to other requests are skipped.
func pickResponse(env Envelope, id int64) (*response, error) {
	want := strconv.FormatInt(id, 10)
	for _, m := range env.Messages() {
		var r response
		if err := json.Unmarshal(m, &r); err != nil {
			continue
		}
		if r.Result == nil && r.Error == nil {
			continue
		}
		if string(bytes.Trim(r.ID, `"`)) == want {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("jsonrpc: no response for request %d", id)
}

func firstText(items []contentItem) string {
	for _, it := range items {
		if it.Type == "text" && it.Text != "" {
			return it.Text
		}
	}
	return ""
}

// toolPayload prefers structuredContent, else the first text item: JSON text
// is kept as is, anything else is wrapped as {"text": ...}.
func toolPayload(tr toolResult) (json.RawMessage, error) {
	if sc := bytes.TrimSpace(tr.StructuredContent); len(sc) > 0 && !bytes.Equal(sc, []byte("null")) {
		return extract.CompactPayload(sc)
	}
	text := firstText(tr.Content)
	if text == "" {
		return nil, errors.New("tool result has no structured or text content")
	}
	if p, err := extract.CompactPayload([]byte(text)); err == nil {
		return p, nil
	}
	wrapped, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return nil, err
	}
	return wrapped, nil
}

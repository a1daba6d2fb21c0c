package jsonrpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joseph-ayodele/extraction-bench/internal/extract"
	"github.com/joseph-ayodele/extraction-bench/internal/poller"
	"github.com/joseph-ayodele/extraction-bench/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type rpcIn struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// fakeServer answers initialize and delegates tools/call to onCall.
type fakeServer struct {
	t        *testing.T
	sse      bool
	inits    atomic.Int32
	mu       sync.Mutex
	sessions []string
	onCall   func(args map[string]any) string // returns the JSON result object
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var in rpcIn
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&in))

	f.mu.Lock()
	f.sessions = append(f.sessions, r.Header.Get(SessionHeader))
	f.mu.Unlock()

	var result string
	switch in.Method {
	case "initialize":
		f.inits.Add(1)
		w.Header().Set(SessionHeader, "sess-1")
		result = `{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"fake"}}`
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
		return
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		require.NoError(f.t, json.Unmarshal(in.Params, &p))
		assert.Equal(f.t, "extract_invoice", p.Name)
		result = f.onCall(p.Arguments)
	default:
		result = ""
	}

	msg := fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"result":%s}`, in.ID, result)
	if result == "" {
		msg = fmt.Sprintf(`{"jsonrpc":"2.0","id":%s,"error":{"code":-32601,"message":"method not found"}}`, in.ID)
	}
	if f.sse {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprintf(w, "event: message\ndata: {\"jsonrpc\":\"2.0\",\"method\":\"notifications/progress\"}\n\nevent: message\ndata: %s\n\n", msg)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(msg))
}

func newClient(url string) *Client {
	return New(Config{BaseURL: url, Tool: "extract_invoice", Timeout: 5 * time.Second},
		transport.NewClient(nil, discard()), poller.New(discard()), discard())
}

var doc = extract.Document{Filename: "inv-001.pdf", ContentType: "application/pdf", Bytes: []byte("%PDF"), Metadata: json.RawMessage(`{"customer":"ACME"}`)}

func TestSubmitStructuredContentOverSSE(t *testing.T) {
	f := &fakeServer{t: t, sse: true, onCall: func(args map[string]any) string {
		raw, err := base64.StdEncoding.DecodeString(args["document"].(string))
		require.NoError(t, err)
		assert.Equal(t, "%PDF", string(raw))
		assert.Equal(t, "application/pdf", args["mime_type"])
		assert.Equal(t, "inv-001.pdf", args["filename"])
		assert.Equal(t, map[string]any{"customer": "ACME"}, args["metadata"])
		return `{"content":[{"type":"text","text":"ignored"}],"structuredContent":{"total":42.0}}`
	}}
	srv := httptest.NewServer(f)
	defer srv.Close()

	c := newClient(srv.URL)
	h, err := c.Submit(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", c.Session())

	out := c.AwaitCompletion(context.Background(), h)
	require.Equal(t, poller.OutcomeDone, out.Kind)
	assert.Equal(t, 1, out.Attempts)
	assert.JSONEq(t, `{"total":42.0}`, string(out.Payload))
}

func TestSessionIsReused(t *testing.T) {
	f := &fakeServer{t: t, onCall: func(map[string]any) string {
		return `{"content":[{"type":"text","text":"{\"total\":1}"}]}`
	}}
	srv := httptest.NewServer(f)
	defer srv.Close()

	c := newClient(srv.URL)
	for i := 0; i < 3; i++ {
		h, err := c.Submit(context.Background(), doc)
		require.NoError(t, err)
		assert.JSONEq(t, `{"total":1}`, string(h.Result))
	}
	assert.Equal(t, int32(1), f.inits.Load())

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "", f.sessions[0], "initialize carries no session")
	for _, s := range f.sessions[1:] {
		assert.Equal(t, "sess-1", s)
	}
}

func TestSubmitWrapsPlainText(t *testing.T) {
	f := &fakeServer{t: t, onCall: func(map[string]any) string {
		return `{"content":[{"type":"text","text":"Total: 42"}]}`
	}}
	srv := httptest.NewServer(f)
	defer srv.Close()

	h, err := newClient(srv.URL).Submit(context.Background(), doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"Total: 42"}`, string(h.Result))
}

func TestToolErrorIsProviderFailure(t *testing.T) {
	f := &fakeServer{t: t, onCall: func(map[string]any) string {
		return `{"isError":true,"content":[{"type":"text","text":"unsupported layout"}]}`
	}}
	srv := httptest.NewServer(f)
	defer srv.Close()

	c := newClient(srv.URL)
	h, err := c.Submit(context.Background(), doc)
	require.NoError(t, err)

	out := c.AwaitCompletion(context.Background(), h)
	assert.Equal(t, poller.OutcomeFailed, out.Kind)
	assert.Equal(t, "unsupported layout", out.Reason)
}

func TestRPCErrorIsReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in rpcIn
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.Method == "notifications/initialized" {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if in.Method == "initialize" {
			_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{}}`, in.ID)
			return
		}
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"error":{"code":-32602,"message":"unknown tool"}}`, in.ID)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Submit(context.Background(), doc)
	var rerr *RPCError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, -32602, rerr.Code)
	assert.Equal(t, "unknown tool", rerr.Message)
}

func TestInitializeFailureSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newClient(srv.URL).Submit(context.Background(), doc)
	var uerr *transport.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusUnauthorized, uerr.StatusCode)
}

// expiringServer hands out a new session per initialize and can forget the
// current one, answering 404 for it afterwards.
type expiringServer struct {
	mu      sync.Mutex
	inits   int
	current string
	calls   []string
}

func (s *expiringServer) forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = ""
}

func (s *expiringServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var in rpcIn
	_ = json.NewDecoder(r.Body).Decode(&in)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch in.Method {
	case "initialize":
		s.inits++
		s.current = fmt.Sprintf("sess-%d", s.inits)
		w.Header().Set(SessionHeader, s.current)
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{}}`, in.ID)
	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)
	default:
		got := r.Header.Get(SessionHeader)
		s.calls = append(s.calls, got)
		if got == "" || got != s.current {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"structuredContent":{"total":7}}}`, in.ID)
	}
}

func TestExpiredSessionIsRenegotiated(t *testing.T) {
	s := &expiringServer{}
	srv := httptest.NewServer(s)
	defer srv.Close()
	c := newClient(srv.URL)

	_, err := c.Submit(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", c.Session())

	s.forget()
	_, err = c.Submit(context.Background(), doc)
	var uerr *transport.UpstreamError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, http.StatusNotFound, uerr.StatusCode)
	assert.Equal(t, "", c.Session())

	h, err := c.Submit(context.Background(), doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":7}`, string(h.Result))
	assert.Equal(t, "sess-2", c.Session())

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 2, s.inits)
	assert.Equal(t, []string{"sess-1", "sess-1", "sess-2"}, s.calls)
}

func TestInitializeUsesHalfTheCallTimeout(t *testing.T) {
	var slowInit atomic.Bool
	slowInit.Store(true)
	wait := func(r *http.Request, d time.Duration) {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
		}
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in rpcIn
		_ = json.NewDecoder(r.Body).Decode(&in)
		switch in.Method {
		case "initialize":
			if slowInit.Load() {
				wait(r, 300*time.Millisecond)
			}
			_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{}}`, in.ID)
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
		default:
			wait(r, 300*time.Millisecond)
			_, _ = fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":{"structuredContent":{"total":1}}}`, in.ID)
		}
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Tool: "extract_invoice", Timeout: 400 * time.Millisecond},
		transport.NewClient(nil, discard()), poller.New(discard()), discard())

	start := time.Now()
	_, err := c.Submit(context.Background(), doc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initialize session")
	assert.Less(t, time.Since(start), 300*time.Millisecond)

	// The tool call itself gets the full timeout.
	slowInit.Store(false)
	h, err := c.Submit(context.Background(), doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":1}`, string(h.Result))
}

package registry

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/extract"
	"github.com/joseph-ayodele/extraction-bench/internal/extract/jsonrpc"
	"github.com/joseph-ayodele/extraction-bench/internal/extract/taskpoll"
	"github.com/joseph-ayodele/extraction-bench/internal/extract/txpoll"
	"github.com/joseph-ayodele/extraction-bench/internal/poller"
	"github.com/joseph-ayodele/extraction-bench/internal/targets"
	"github.com/joseph-ayodele/extraction-bench/internal/transport"
)

// Registry builds one adapter per target and keeps it for the life of the
// process, so JSON-RPC sessions are reused across jobs.
type Registry struct {
	logger *slog.Logger
	poller *poller.Poller
	http   *transport.Client

	mu       sync.Mutex
	adapters map[string]extract.Adapter
}

func New(logger *slog.Logger, p *poller.Poller, httpClient *transport.Client) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if p == nil {
		p = poller.New(logger)
	}
	if httpClient == nil {
		httpClient = transport.NewClient(nil, logger)
	}
	return &Registry{logger: logger, poller: p, http: httpClient, adapters: make(map[string]extract.Adapter)}
}

// AdapterFor returns the cached adapter for t, building it on first use.
func (r *Registry) AdapterFor(t *targets.Target) (extract.Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[t.ID]; ok {
		return a, nil
	}

	logger := r.logger.With("target_id", t.ID)
	var a extract.Adapter
	switch t.Protocol {
	case constants.ProtocolTaskPoll:
		a = taskpoll.New(taskpoll.Config{
			BaseURL: t.BaseURL,
			Token:   t.Credential,
			Timeout: t.Timeout,
			Upload:  t.Upload,
			Policy:  t.Poll,
		}, r.http, r.poller, logger)
	case constants.ProtocolTransactionPoll:
		a = txpoll.New(txpoll.Config{
			BaseURL:  t.BaseURL,
			APIKey:   t.Credential,
			Timeout:  t.Timeout,
			Features: t.Features,
			Policy:   t.Poll,
		}, r.http, r.poller, logger)
	case constants.ProtocolJSONRPC:
		a = jsonrpc.New(jsonrpc.Config{
			BaseURL: t.BaseURL,
			Token:   t.Credential,
			Tool:    t.Tool,
			Timeout: t.Timeout,
		}, r.http, r.poller, logger)
	default:
		return nil, fmt.Errorf("target %s: unsupported protocol %q", t.ID, t.Protocol)
	}

	r.adapters[t.ID] = a
	r.logger.Debug("registry.adapter.created", "target_id", t.ID, "protocol", t.Protocol)
	return a, nil
}

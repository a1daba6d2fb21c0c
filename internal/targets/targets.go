package targets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/common"
	"github.com/joseph-ayodele/extraction-bench/internal/poller"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

const defaultTimeout = 60 * time.Second

// Target is a resolved extraction back-end.
type Target struct {
	ID         string
	Protocol   constants.Protocol
	BaseURL    string
	Credential string
	Timeout    time.Duration
	Upload     constants.UploadMode
	Features   []string
	Tool       string
	Poll       poller.Policy

	schema *jsonschema.Schema
}

// ValidateMetadata checks caller metadata against the target's schema.
// Targets without a schema accept anything that is valid JSON (or empty).
func (t *Target) ValidateMetadata(raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		if t.schema == nil {
			return nil
		}
		raw = json.RawMessage("{}")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return common.NewValidationError("metadata", string(raw), "must be valid JSON")
	}
	if t.schema == nil {
		return nil
	}
	if err := t.schema.Validate(v); err != nil {
		return common.NewValidationError("metadata", string(raw), err.Error())
	}
	return nil
}

// HasSchema reports whether caller metadata is constrained.
func (t *Target) HasSchema() bool { return t.schema != nil }

// Resolver looks up a target by id.
type Resolver interface {
	Resolve(ctx context.Context, targetID string) (*Target, error)
}

type fileTarget struct {
	ID             string         `yaml:"id"`
	Protocol       string         `yaml:"protocol"`
	BaseURL        string         `yaml:"base_url"`
	Credential     string         `yaml:"credential"`
	CredentialEnv  string         `yaml:"credential_env"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	Upload         string         `yaml:"upload"`
	Features       []string       `yaml:"features"`
	Tool           string         `yaml:"tool"`
	MetadataSchema map[string]any `yaml:"metadata_schema"`
	Poll           *filePoll      `yaml:"poll"`
}

type filePoll struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
	RampAfter   int    `yaml:"ramp_after"`
	Step        string `yaml:"step"`
	MaxDelay    string `yaml:"max_delay"`
}

type file struct {
	Targets []fileTarget `yaml:"targets"`
}

// Registry is an in-memory Resolver loaded from YAML.
type Registry struct {
	mu      sync.RWMutex
	targets map[string]*Target
	logger  *slog.Logger
}

// LoadFile reads a targets YAML file. Poll overrides are merged over defaults.
func LoadFile(path string, defaults poller.Policy, logger *slog.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return Parse(data, defaults, logger)
}

// Parse decodes targets YAML.
func Parse(data []byte, defaults poller.Policy, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse targets: %w", err)
	}

	r := &Registry{targets: make(map[string]*Target, len(f.Targets)), logger: logger}
	for i, ft := range f.Targets {
		t, err := ft.build(defaults)
		if err != nil {
			return nil, fmt.Errorf("target[%d] %q: %w", i, ft.ID, err)
		}
		if _, dup := r.targets[t.ID]; dup {
			return nil, fmt.Errorf("target[%d]: duplicate id %q", i, t.ID)
		}
		r.targets[t.ID] = t
		logger.Info("targets.loaded", "target_id", t.ID, "protocol", t.Protocol, "base_url", t.BaseURL, "has_schema", t.HasSchema(), "poll_budget", t.Poll.Budget())
	}
	return r, nil
}

// NewRegistry builds a Registry from already-resolved targets.
func NewRegistry(ts ...*Target) *Registry {
	r := &Registry{targets: make(map[string]*Target, len(ts)), logger: slog.Default()}
	for _, t := range ts {
		r.targets[t.ID] = t
	}
	return r
}

func (r *Registry) Resolve(_ context.Context, targetID string) (*Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[targetID]
	if !ok {
		return nil, fmt.Errorf("target %q: %w", targetID, common.ErrNotFound)
	}
	return t, nil
}

// IDs returns every configured target id, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.targets))
	for id := range r.targets {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (ft fileTarget) build(defaults poller.Policy) (*Target, error) {
	v := common.NewValidator().
		Field("id", ft.ID, common.Required).
		Field("base_url", ft.BaseURL, common.Required)
	if !slices.Contains(constants.Protocols, ft.Protocol) {
		v.Field("protocol", ft.Protocol, func(field string, value interface{}) *common.ValidationError {
			return common.NewValidationError(field, value, "must be one of "+strings.Join(constants.Protocols, ", "))
		})
	}
	if err := v.Error(); err != nil {
		return nil, err
	}

	t := &Target{
		ID:         ft.ID,
		Protocol:   constants.Protocol(ft.Protocol),
		BaseURL:    strings.TrimRight(ft.BaseURL, "/"),
		Credential: ft.Credential,
		Timeout:    time.Duration(ft.TimeoutSeconds) * time.Second,
		Upload:     constants.UploadMode(ft.Upload),
		Features:   ft.Features,
		Tool:       ft.Tool,
		Poll:       defaults,
	}
	if ft.CredentialEnv != "" {
		t.Credential = os.Getenv(ft.CredentialEnv)
	}
	if t.Timeout <= 0 {
		t.Timeout = defaultTimeout
	}
	switch t.Upload {
	case "":
		t.Upload = constants.UploadMultipart
	case constants.UploadMultipart, constants.UploadBinary:
	default:
		return nil, common.NewValidationError("upload", ft.Upload, "must be multipart or binary")
	}
	if t.Protocol == constants.ProtocolJSONRPC && t.Tool == "" {
		return nil, common.NewValidationError("tool", ft.Tool, "is required for jsonrpc_tool targets")
	}

	if ft.Poll != nil {
		o, err := ft.Poll.policy()
		if err != nil {
			return nil, err
		}
		t.Poll = defaults.Merge(o)
	}

	if ft.MetadataSchema != nil {
		s, err := compileSchema(t.ID, ft.MetadataSchema)
		if err != nil {
			return nil, err
		}
		t.schema = s
	}
	return t, nil
}

func (fp filePoll) policy() (poller.Policy, error) {
	p := poller.Policy{MaxAttempts: fp.MaxAttempts, RampAfter: fp.RampAfter}
	for _, d := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"poll.base_delay", fp.BaseDelay, &p.BaseDelay},
		{"poll.step", fp.Step, &p.Step},
		{"poll.max_delay", fp.MaxDelay, &p.MaxDelay},
	} {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return p, common.NewValidationError(d.name, d.raw, "must be a duration such as 3s")
		}
		*d.dst = parsed
	}
	return p, nil
}

// compileSchema compiles a JSON schema given as a decoded map.
func compileSchema(targetID string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata_schema: %w", err)
	}
	name := targetID + ".metadata.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add metadata_schema: %w", err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile metadata_schema: %w", err)
	}
	return s, nil
}

// WithSchema attaches a compiled metadata schema to t.
func (t *Target) WithSchema(schemaMap map[string]any) (*Target, error) {
	s, err := compileSchema(t.ID, schemaMap)
	if err != nil {
		return nil, err
	}
	t.schema = s
	return t, nil
}

package targets

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/common"
	"github.com/joseph-ayodele/extraction-bench/internal/poller"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
targets:
  - id: acme-tasks
    protocol: task_poll
    base_url: http://localhost:9001/api/
    credential_env: ACME_TOKEN
    timeout_seconds: 20
    upload: binary
    poll:
      max_attempts: 5
      base_delay: 1s
  - id: ledger-tx
    protocol: transaction_poll
    base_url: http://localhost:9002
    credential: k-123
    features: [line_items, totals]
  - id: mcp-invoice
    protocol: jsonrpc_tool
    base_url: http://localhost:9003/mcp
    tool: extract_invoice
    metadata_schema:
      type: object
      required: [customer]
      properties:
        customer: {type: string}
`

func TestParseTargets(t *testing.T) {
	t.Setenv("ACME_TOKEN", "tok")
	r, err := Parse([]byte(sampleYAML), poller.DefaultPolicy(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme-tasks", "ledger-tx", "mcp-invoice"}, r.IDs())

	acme, err := r.Resolve(context.Background(), "acme-tasks")
	require.NoError(t, err)
	assert.Equal(t, constants.ProtocolTaskPoll, acme.Protocol)
	assert.Equal(t, "http://localhost:9001/api", acme.BaseURL)
	assert.Equal(t, "tok", acme.Credential)
	assert.Equal(t, 20*time.Second, acme.Timeout)
	assert.Equal(t, constants.UploadBinary, acme.Upload)
	assert.Equal(t, 5, acme.Poll.MaxAttempts)
	assert.Equal(t, time.Second, acme.Poll.BaseDelay)
	assert.Equal(t, 10*time.Second, acme.Poll.MaxDelay)

	tx, err := r.Resolve(context.Background(), "ledger-tx")
	require.NoError(t, err)
	assert.Equal(t, defaultTimeout, tx.Timeout)
	assert.Equal(t, constants.UploadMultipart, tx.Upload)
	assert.Equal(t, []string{"line_items", "totals"}, tx.Features)
	assert.Equal(t, poller.DefaultPolicy(), tx.Poll)
}

func TestResolveUnknownTarget(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestParseRejectsInvalidTargets(t *testing.T) {
	cases := map[string]string{
		"unknown protocol": "targets:\n  - id: x\n    protocol: smtp\n    base_url: http://h\n",
		"missing base_url": "targets:\n  - id: x\n    protocol: task_poll\n",
		"tool required":    "targets:\n  - id: x\n    protocol: jsonrpc_tool\n    base_url: http://h\n",
		"bad upload":       "targets:\n  - id: x\n    protocol: task_poll\n    base_url: http://h\n    upload: ftp\n",
		"bad duration":     "targets:\n  - id: x\n    protocol: task_poll\n    base_url: http://h\n    poll: {step: soon}\n",
		"duplicate id":     "targets:\n  - {id: x, protocol: task_poll, base_url: http://h}\n  - {id: x, protocol: task_poll, base_url: http://h}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), poller.DefaultPolicy(), nil)
			assert.Error(t, err)
		})
	}
}

func TestValidateMetadata(t *testing.T) {
	r, err := Parse([]byte(sampleYAML), poller.DefaultPolicy(), nil)
	require.NoError(t, err)
	mcp, err := r.Resolve(context.Background(), "mcp-invoice")
	require.NoError(t, err)
	require.True(t, mcp.HasSchema())

	assert.NoError(t, mcp.ValidateMetadata(json.RawMessage(`{"customer":"ACME"}`)))

	err = mcp.ValidateMetadata(json.RawMessage(`{"customer":7}`))
	assert.True(t, common.IsValidation(err))

	err = mcp.ValidateMetadata(nil)
	assert.True(t, common.IsValidation(err), "missing required field")

	tx, err := r.Resolve(context.Background(), "ledger-tx")
	require.NoError(t, err)
	assert.NoError(t, tx.ValidateMetadata(nil))
	assert.NoError(t, tx.ValidateMetadata(json.RawMessage(`{"anything":[1,2]}`)))
	assert.True(t, common.IsValidation(tx.ValidateMetadata(json.RawMessage(`{not json`))))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o600))

	r, err := LoadFile(path, poller.DefaultPolicy(), nil)
	require.NoError(t, err)
	assert.Len(t, r.IDs(), 3)

	_, err = LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), poller.DefaultPolicy(), nil)
	assert.Error(t, err)
}

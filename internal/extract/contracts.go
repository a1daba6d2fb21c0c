package extract

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/joseph-ayodele/extraction-bench/constants"
	"github.com/joseph-ayodele/extraction-bench/internal/common"
	"github.com/joseph-ayodele/extraction-bench/internal/poller"
)

// Adapter speaks one back-end's submit/poll/fetch protocol.
type Adapter interface {
	Kind() constants.Protocol
	// Submit hands the document to the back-end. It is never retried.
	Submit(ctx context.Context, doc Document) (Handle, error)
	// AwaitCompletion drives the back-end to a terminal outcome.
	AwaitCompletion(ctx context.Context, h Handle) poller.Outcome
}

// Document is one upload as sent to a back-end.
type Document struct {
	Filename    string
	ContentType string
	Bytes       []byte
	Metadata    json.RawMessage
}

// Handle correlates a submission with later status calls. Only the adapter
// that produced it can interpret it.
type Handle struct {
	ID string
	// Result is set when the back-end answered synchronously.
	Result json.RawMessage
	// Failure is set when a synchronous answer was a declared failure.
	Failure string
}

// ContentTypeFor maps a filename extension to the MIME type declared on
// submission.
func ContentTypeFor(filename string) (string, error) {
	ext := filepath.Ext(filename)
	ct := constants.MapExtToContentType(ext)
	if ct == "" {
		return "", common.NewValidationError("filename", filename, "unsupported file extension "+constants.NormalizeExt(ext))
	}
	return ct, nil
}

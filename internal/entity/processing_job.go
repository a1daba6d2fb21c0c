package entity

import (
	"encoding/json"
	"time"

	"github.com/joseph-ayodele/extraction-bench/constants"
)

// ProcessingJob is the durable lifecycle record of one extraction request.
type ProcessingJob struct {
	ID             string              `json:"id"`
	Filename       string              `json:"filename"`
	TargetID       string              `json:"target_id"`
	CallerMetadata json.RawMessage     `json:"caller_metadata,omitempty"`
	Status         constants.JobStatus `json:"status"`
	ResultPayload  json.RawMessage     `json:"result_payload,omitempty"`
	ErrorMessage   *string             `json:"error_message,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	DurationMs     int64               `json:"duration_ms"`
}

// Clone returns a deep copy so callers can't mutate stored state.
func (j *ProcessingJob) Clone() *ProcessingJob {
	if j == nil {
		return nil
	}
	c := *j
	c.CallerMetadata = cloneRaw(j.CallerMetadata)
	c.ResultPayload = cloneRaw(j.ResultPayload)
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		c.ErrorMessage = &msg
	}
	if j.CompletedAt != nil {
		at := *j.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

// Finish moves the record into a terminal status, stamping completion time
// and duration. Fields belonging to other terminal states are cleared.
func (j *ProcessingJob) Finish(status constants.JobStatus, payload json.RawMessage, errMsg string, at time.Time) {
	if at.Before(j.CreatedAt) {
		at = j.CreatedAt
	}
	j.Status = status
	j.ResultPayload = nil
	j.ErrorMessage = nil
	switch status {
	case constants.JobStatusCompleted, constants.JobStatusTimeout:
		j.ResultPayload = payload
	case constants.JobStatusFailed:
		j.ErrorMessage = &errMsg
	}
	j.CompletedAt = &at
	j.DurationMs = at.Sub(j.CreatedAt).Milliseconds()
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

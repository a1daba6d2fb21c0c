package jsonrpc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"
)

// Envelope is a decoded HTTP response body: either a single JSON object or
// a stream of server-sent event frames.
type Envelope interface {
	// Messages returns every JSON-RPC message carried, in order.
	Messages() []json.RawMessage
}

// PlainEnvelope is an application/json body.
type PlainEnvelope struct {
	Message json.RawMessage
}

func (e PlainEnvelope) Messages() []json.RawMessage { return []json.RawMessage{e.Message} }

// Frame is one server-sent event.
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// SSEEnvelope is a text/event-stream body.
type SSEEnvelope struct {
	Frames []Frame
}

func (e SSEEnvelope) Messages() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(e.Frames))
	for _, f := range e.Frames {
		data := bytes.TrimSpace(f.Data)
		if len(data) == 0 || !json.Valid(data) {
			continue
		}
		out = append(out, json.RawMessage(data))
	}
	return out
}

// ErrEmptyEnvelope is returned for bodies that carry no JSON-RPC message.
var ErrEmptyEnvelope = errors.New("jsonrpc: empty response body")

// ParseEnvelope decodes body according to its content type. Bodies that start
// with an SSE field are treated as event streams whatever the header says.
func ParseEnvelope(contentType string, body []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, ErrEmptyEnvelope
	}
	if isEventStream(contentType) || bytes.HasPrefix(trimmed, []byte("event:")) || bytes.HasPrefix(trimmed, []byte("data:")) {
		frames, err := parseFrames(body)
		if err != nil {
			return nil, err
		}
		if len(frames) == 0 {
			return nil, ErrEmptyEnvelope
		}
		return SSEEnvelope{Frames: frames}, nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("jsonrpc: response is neither JSON nor an event stream")
	}
	return PlainEnvelope{Message: json.RawMessage(trimmed)}, nil
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && strings.EqualFold(mt, "text/event-stream")
}

// parseFrames splits an event stream on blank lines. Multiple data lines in
// one frame are joined with newlines.
func parseFrames(body []byte) ([]Frame, error) {
	var (
		frames []Frame
		cur    Frame
		data   [][]byte
		open   bool
	)
	flush := func() {
		if open {
			cur.Data = bytes.Join(data, []byte("\n"))
			frames = append(frames, cur)
		}
		cur, data, open = Frame{}, nil, false
	}

	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			flush()
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			cur.Event, open = value, true
		case "id":
			cur.ID, open = value, true
		case "data":
			data, open = append(data, []byte(value)), true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("jsonrpc: read event stream: %w", err)
	}
	flush()
	return frames, nil
}

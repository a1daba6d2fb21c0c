package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// PickID returns the first non-empty identifier found under keys in a JSON
// object. Numeric ids are rendered in decimal.
func PickID(body []byte, keys ...string) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", fmt.Errorf("decode submission response: %w", err)
	}
	for _, k := range keys {
		raw, ok := obj[k]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && strings.TrimSpace(s) != "" {
			return s, nil
		}
		var n json.Number
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&n); err == nil && n != "" {
			if i, err := n.Int64(); err == nil {
				return strconv.FormatInt(i, 10), nil
			}
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("submission response has none of %v", keys)
}

// CompactPayload validates raw as JSON and strips insignificant whitespace.
func CompactPayload(raw []byte) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("result is not JSON: %w", err)
	}
	return buf.Bytes(), nil
}

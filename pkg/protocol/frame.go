// Package protocol reassembles the backend's text-framed streaming output
// into discrete frames. Both the request-scoped turn stream and the live
// event channel use the same framing: UTF-8 blocks separated by a blank
// line, each block carrying an optional `event:` line and one or more
// `data:` lines (bare lines count as data).
package protocol

import (
	"encoding/json"
	"strings"
)

// DefaultEvent is the event name assumed for blocks without an `event:` line.
const DefaultEvent = "message"

// Frame is one reassembled (event, data) unit from the stream.
type Frame struct {
	Event string
	Data  string
}

// JSON attempts to parse the frame data as a JSON object. Payloads are
// either JSON objects or raw strings; on parse failure callers fall back
// to the raw string.
func (f Frame) JSON() (map[string]any, bool) {
	trimmed := strings.TrimSpace(f.Data)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil, false
	}
	return m, true
}

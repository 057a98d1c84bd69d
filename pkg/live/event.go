// Package live consumes the secondary, sequence-numbered event channel
// for one in-flight turn: fine-grained agent activity (tool calls,
// thinking deltas) keyed by item id so repeated deltas merge instead of
// duplicating. The channel reconnects with a fixed backoff schedule and
// resumes from the last recorded sequence number.
package live

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

// Event is a normalized agent activity record.
type Event struct {
	ID          string
	Title       string
	Summary     string
	Detail      string
	Kind        string
	Significant bool
	Time        time.Time
	ItemID      string
	Method      string
	Seq         int64
	// Delta marks a streaming fragment whose Detail appends to the
	// existing item instead of replacing it.
	Delta bool
}

// heartbeat event/method names refresh the staleness clock and are
// dropped before normalization.
func isHeartbeat(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "heartbeat", "ping", "keepalive":
		return true
	}
	return false
}

// FromFrame normalizes one live-channel frame. The second return is
// false for heartbeats and empty frames, which carry no activity.
func FromFrame(f protocol.Frame, now time.Time) (Event, bool) {
	if isHeartbeat(f.Event) {
		return Event{}, false
	}
	payload, ok := f.JSON()
	if !ok {
		raw := strings.TrimSpace(f.Data)
		if raw == "" {
			return Event{}, false
		}
		// Raw-string fallback: protocol errors are never fatal.
		ev := Event{
			ID:     uuid.NewString(),
			Kind:   "raw",
			Title:  f.Event,
			Detail: raw,
			Time:   now,
		}
		ev.ItemID = ev.ID
		return ev, true
	}
	return FromPayload(payload, now)
}

// FromPayload normalizes a decoded live-event payload.
func FromPayload(m map[string]any, now time.Time) (Event, bool) {
	method := str(m, "method")
	if isHeartbeat(method) || isHeartbeat(str(m, "type")) {
		return Event{}, false
	}

	ev := Event{
		ID:          str(m, "id"),
		Title:       str(m, "title"),
		Summary:     str(m, "summary"),
		Detail:      str(m, "detail"),
		Kind:        str(m, "kind"),
		Method:      method,
		Seq:         num(m, "seq"),
		Significant: boolField(m, "significant") || boolField(m, "is_significant"),
		Delta:       boolField(m, "delta") || strings.HasSuffix(method, ".delta"),
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.ItemID = str(m, "item_id")
	if ev.ItemID == "" {
		ev.ItemID = str(m, "itemId")
	}
	if ev.ItemID == "" {
		ev.ItemID = ev.ID
	}
	if ev.Kind == "" {
		ev.Kind = kindFromMethod(method)
	}
	if ev.Title == "" {
		ev.Title = ev.Method
	}
	if ev.Title == "" {
		ev.Title = ev.Kind
	}
	if ms := num(m, "time"); ms > 0 {
		ev.Time = time.UnixMilli(ms)
	} else {
		ev.Time = now
	}
	return ev, true
}

func kindFromMethod(method string) string {
	switch {
	case method == "":
		return "event"
	case strings.Contains(method, "thinking"):
		return "thinking"
	case strings.Contains(method, "tool"):
		return "tool"
	default:
		return "event"
	}
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func num(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func boolField(m map[string]any, key string) bool {
	b, _ := m[key].(bool)
	return b
}

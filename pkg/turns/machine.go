package turns

import (
	"strings"

	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

// State is the pure, copyable part of a turn that the transition table
// operates on. Streaming tracks whether token text is still being
// accumulated (cleared on interruption).
type State struct {
	Status     Status
	StatusText string
	StreamText string
	Streaming  bool
}

// EffectKind enumerates the side effects a transition may request.
type EffectKind int

const (
	// EffectAttachLive bootstraps the live event channel once the
	// server-assigned (thread, turn) identity is known.
	EffectAttachLive EffectKind = iota
	// EffectEmitEvent forwards an activity frame to the live event
	// normalizer.
	EffectEmitEvent
	// EffectApplyUpdate hands a structured result payload to the sink,
	// which decides whether it finalizes the draft and whether the
	// payload echoes this turn's own id (marker clearing).
	EffectApplyUpdate
	// EffectClearMarker deletes the durable pending-turn marker.
	EffectClearMarker
	// EffectFinalizeText flushes the accumulated stream text into the
	// turn's finalized message.
	EffectFinalizeText
	// EffectRaiseError surfaces a terminal application error to the
	// caller.
	EffectRaiseError
)

// Effect is one side effect requested by a transition. Fields are used
// per kind: Thread/TurnID/Agent for EffectAttachLive, Frame for
// EffectEmitEvent, Payload for EffectApplyUpdate, Text for
// EffectFinalizeText and EffectRaiseError.
type Effect struct {
	Kind    EffectKind
	Thread  string
	TurnID  string
	Agent   string
	Frame   protocol.Frame
	Payload map[string]any
	Text    string
}

type transition func(State, protocol.Frame) (State, []Effect)

// transitions is keyed by event name, case-sensitive. Unknown names fall
// through to the generic event handler for forward compatibility.
var transitions = map[string]transition{
	"status":      onStatus,
	"token":       onToken,
	"turn":        onTurn,
	"event":       onEvent,
	"app-server":  onEvent,
	"update":      onUpdate,
	"error":       onError,
	"interrupted": onInterrupted,
	"done":        onDone,
	"finish":      onDone,
}

// Apply runs one frame through the transition table. Frames arriving
// after a terminal state are no-ops.
func Apply(st State, f protocol.Frame) (State, []Effect) {
	if st.Status.Terminal() {
		return st, nil
	}
	tr, ok := transitions[f.Event]
	if !ok {
		tr = onEvent
	}
	return tr(st, f)
}

func promote(st State) State {
	if st.Status == StatusQueued {
		st.Status = StatusRunning
	}
	return st
}

func onStatus(st State, f protocol.Frame) (State, []Effect) {
	st = promote(st)
	st.StatusText = strings.TrimSpace(f.Data)
	return st, nil
}

func onToken(st State, f protocol.Frame) (State, []Effect) {
	if f.Data == "" {
		return st, nil
	}
	st = promote(st)
	st.Streaming = true
	st.StreamText += f.Data
	if st.StatusText == "" || st.StatusText == StatusTextQueued {
		st.StatusText = StatusTextResponding
	}
	return st, nil
}

func onTurn(st State, f protocol.Frame) (State, []Effect) {
	// Side channel only: bootstrap the live channel, no turn-text event.
	payload, ok := f.JSON()
	if !ok {
		return st, nil
	}
	eff := Effect{
		Kind:   EffectAttachLive,
		Thread: stringField(payload, "thread_id"),
		TurnID: stringField(payload, "turn_id"),
		Agent:  stringField(payload, "agent"),
	}
	if eff.Thread == "" || eff.TurnID == "" {
		return st, nil
	}
	return st, []Effect{eff}
}

func onEvent(st State, f protocol.Frame) (State, []Effect) {
	st = promote(st)
	return st, []Effect{{Kind: EffectEmitEvent, Frame: f}}
}

func onUpdate(st State, f protocol.Frame) (State, []Effect) {
	payload, ok := f.JSON()
	if !ok {
		return st, nil
	}
	return st, []Effect{{Kind: EffectApplyUpdate, Payload: payload}}
}

func onError(st State, f protocol.Frame) (State, []Effect) {
	st.Status = StatusError
	st.Streaming = false
	msg := errorMessage(f)
	st.StatusText = msg
	return st, []Effect{
		{Kind: EffectClearMarker},
		{Kind: EffectRaiseError, Text: msg},
	}
}

func onInterrupted(st State, _ protocol.Frame) (State, []Effect) {
	st.Status = StatusInterrupted
	st.Streaming = false
	return st, []Effect{{Kind: EffectClearMarker}}
}

func onDone(st State, _ protocol.Frame) (State, []Effect) {
	st.Status = StatusDone
	st.Streaming = false
	return st, []Effect{
		{Kind: EffectFinalizeText, Text: st.StreamText},
		{Kind: EffectClearMarker},
	}
}

// errorMessage prefers a `detail` field, then an `error` field, then the
// raw frame data, then a generic failure message.
func errorMessage(f protocol.Frame) string {
	if payload, ok := f.JSON(); ok {
		if s := stringField(payload, "detail"); s != "" {
			return s
		}
		if s := stringField(payload, "error"); s != "" {
			return s
		}
	}
	if s := strings.TrimSpace(f.Data); s != "" {
		return s
	}
	return StatusTextFailed
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

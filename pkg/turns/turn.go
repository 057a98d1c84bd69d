// Package turns drives the per-turn state machine for one request-scoped
// agent stream. Frames dispatch through a pure transition table; all side
// effects (live channel attachment, marker bookkeeping, event fan-out)
// are returned as effect values and applied by the caller's sink, keeping
// the state machine testable without network or storage.
package turns

import (
	"strings"

	"github.com/google/uuid"
)

// Status is the lifecycle state of one turn.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusDone
	StatusError
	StatusInterrupted
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further frames may change the turn.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError || s == StatusInterrupted
}

// Status text placeholders. StatusTextQueued is the initial placeholder a
// token frame is allowed to overwrite with StatusTextResponding.
const (
	StatusTextQueued     = "Waiting for agent..."
	StatusTextResponding = "Responding..."
	StatusTextRecovering = "Recovering previous turn..."
	StatusTextFailed     = "Turn failed"
	StatusTextCanceled   = "Canceled"
)

// Turn is one request/response cycle of agent work. ClientTurnID is a
// client-generated idempotency key created before the request is sent;
// ThreadID/TurnID are server-assigned and become known mid-stream.
type Turn struct {
	ClientTurnID string
	Agent        string
	ThreadID     string
	TurnID       string
	Status       Status
	StreamText   string
	StatusText   string
	FinalText    string
}

// NewTurn mints a turn in the Queued state with a fresh client turn id.
func NewTurn(agent string) *Turn {
	return &Turn{
		ClientTurnID: uuid.NewString(),
		Agent:        strings.TrimSpace(agent),
		Status:       StatusQueued,
		StatusText:   StatusTextQueued,
	}
}

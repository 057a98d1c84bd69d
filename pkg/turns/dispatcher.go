package turns

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

// ErrTurnFailed marks a terminal `error` frame from the backend. It is
// the one terminal transition re-raised to the caller so the failure can
// be surfaced; interruption is a clean cancellation and is not.
var ErrTurnFailed = errors.New("turn failed")

// Sink receives the side effects of the turn state machine. The
// dispatcher owns all Turn mutation; the sink only sees effects.
type Sink interface {
	// AttachLive is invoked once the server-assigned identity is known.
	AttachLive(threadID, turnID, agent string)
	// EmitEvent forwards an activity frame to the live event normalizer.
	EmitEvent(f protocol.Frame)
	// ApplyUpdate hands over a structured result payload. The sink
	// decides whether it carries a final response and whether it echoes
	// this turn's client id.
	ApplyUpdate(payload map[string]any)
	// ClearMarker deletes the durable pending-turn marker.
	ClearMarker()
	// FinalizeText flushes the accumulated stream text exactly once.
	FinalizeText(text string)
}

// NopSink discards all effects. Useful for tests and for replaying a
// stream without side channels.
type NopSink struct{}

func (NopSink) AttachLive(string, string, string) {}
func (NopSink) EmitEvent(protocol.Frame)          {}
func (NopSink) ApplyUpdate(map[string]any)        {}
func (NopSink) ClearMarker()                      {}
func (NopSink) FinalizeText(string)               {}

// Dispatcher consumes the frame stream of one request-scoped turn and
// drives its state machine.
type Dispatcher struct {
	turn  *Turn
	sink  Sink
	state State
}

func NewDispatcher(turn *Turn, sink Sink) (*Dispatcher, error) {
	if turn == nil {
		return nil, errors.New("turn is nil")
	}
	if sink == nil {
		sink = NopSink{}
	}
	return &Dispatcher{
		turn: turn,
		sink: sink,
		state: State{
			Status:     turn.Status,
			StatusText: turn.StatusText,
			StreamText: turn.StreamText,
		},
	}, nil
}

// State returns a copy of the current machine state.
func (d *Dispatcher) State() State {
	if d == nil {
		return State{}
	}
	return d.state
}

// HandleFrame applies one frame. It returns a wrapped ErrTurnFailed when
// the frame was a terminal application error; all other frames, including
// unknown and malformed ones, are handled without error.
func (d *Dispatcher) HandleFrame(f protocol.Frame) error {
	if d == nil || d.turn == nil {
		return errors.New("dispatcher is not initialized")
	}
	next, effects := Apply(d.state, f)
	d.state = next
	d.turn.Status = next.Status
	d.turn.StatusText = next.StatusText
	d.turn.StreamText = next.StreamText

	var raised error
	for _, eff := range effects {
		switch eff.Kind {
		case EffectAttachLive:
			d.turn.ThreadID = eff.Thread
			d.turn.TurnID = eff.TurnID
			if eff.Agent != "" {
				d.turn.Agent = eff.Agent
			}
			d.sink.AttachLive(eff.Thread, eff.TurnID, eff.Agent)
		case EffectEmitEvent:
			d.sink.EmitEvent(eff.Frame)
		case EffectApplyUpdate:
			d.sink.ApplyUpdate(eff.Payload)
		case EffectClearMarker:
			d.sink.ClearMarker()
		case EffectFinalizeText:
			d.turn.FinalText = eff.Text
			d.sink.FinalizeText(eff.Text)
		case EffectRaiseError:
			raised = errors.Wrap(ErrTurnFailed, eff.Text)
		}
	}
	if raised != nil {
		log.Debug().
			Str("component", "turns").
			Str("client_turn_id", d.turn.ClientTurnID).
			Str("message", d.state.StatusText).
			Msg("turn ended with error frame")
	}
	return raised
}

// Run reads frames from the request-scoped stream until it ends, the
// context is cancelled, or an error frame arrives. A clean end of stream
// with no terminal frame leaves the turn in its last state; callers may
// treat that as an interrupted transport.
func (d *Dispatcher) Run(ctx context.Context, r io.Reader) error {
	if d == nil {
		return errors.New("dispatcher is not initialized")
	}
	return protocol.ReadFrames(ctx, r, d.HandleFrame)
}

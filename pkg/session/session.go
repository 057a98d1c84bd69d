package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/agentdeck/pkg/client"
	"github.com/go-go-golems/agentdeck/pkg/kvstore"
	"github.com/go-go-golems/agentdeck/pkg/live"
	"github.com/go-go-golems/agentdeck/pkg/protocol"
	"github.com/go-go-golems/agentdeck/pkg/recovery"
	"github.com/go-go-golems/agentdeck/pkg/turns"
)

// Config wires a Session. Client, Store, and Surface are required.
type Config struct {
	Client   *client.Client
	Store    kvstore.Store
	Surface  string
	Agent    string
	ThreadID string
	Bus      *Bus

	// Live-channel knobs; zero values pick the defaults.
	Transport    live.Transport
	Scheduler    live.Scheduler
	Clock        func() time.Time
	Schedule     []time.Duration
	Staleness    time.Duration
	PollInterval time.Duration
}

// TurnUpdate is the bus payload published whenever a turn changes.
type TurnUpdate struct {
	ClientTurnID string `json:"client_turn_id"`
	ThreadID     string `json:"thread_id,omitempty"`
	TurnID       string `json:"turn_id,omitempty"`
	Agent        string `json:"agent,omitempty"`
	Status       string `json:"status"`
	StatusText   string `json:"status_text,omitempty"`
	StreamText   string `json:"stream_text,omitempty"`
	FinalText    string `json:"final_text,omitempty"`
}

// EventUpdate is the bus payload for one normalized live event.
type EventUpdate struct {
	ID          string `json:"id"`
	ItemID      string `json:"item_id"`
	Kind        string `json:"kind"`
	Title       string `json:"title,omitempty"`
	Summary     string `json:"summary,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Significant bool   `json:"significant,omitempty"`
	Seq         int64  `json:"seq,omitempty"`
}

// Session runs turns for one chat surface. At most one turn is in
// flight; starting a new turn supersedes the old one.
type Session struct {
	client   *client.Client
	surface  string
	agent    string
	threadID string
	bus      *Bus
	ownsBus  bool
	markers  *recovery.MarkerStore
	channel  *live.Channel
	poller   *recovery.Poller
	clock    func() time.Time

	mu     sync.Mutex
	turn   *turns.Turn
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(cfg Config) (*Session, error) {
	if cfg.Client == nil {
		return nil, errors.New("session: client is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: store is nil")
	}
	surface := strings.TrimSpace(cfg.Surface)
	if surface == "" {
		return nil, errors.New("session: empty surface")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	markers, err := recovery.NewMarkerStore(cfg.Store, surface)
	if err != nil {
		return nil, err
	}
	cursors, err := recovery.NewCursorStore(cfg.Store, surface)
	if err != nil {
		return nil, err
	}
	poller, err := recovery.NewPoller(cfg.Client, cfg.PollInterval)
	if err != nil {
		return nil, err
	}
	transport := cfg.Transport
	if transport == nil {
		transport = &live.SSETransport{Client: cfg.Client}
	}
	bus := cfg.Bus
	ownsBus := false
	if bus == nil {
		bus = NewChannelBus()
		ownsBus = true
	}

	s := &Session{
		client:   cfg.Client,
		surface:  surface,
		agent:    strings.TrimSpace(cfg.Agent),
		threadID: strings.TrimSpace(cfg.ThreadID),
		bus:      bus,
		ownsBus:  ownsBus,
		markers:  markers,
		poller:   poller,
		clock:    cfg.Clock,
	}
	s.channel, err = live.NewChannel(live.ChannelConfig{
		Transport: transport,
		Cursors:   cursors,
		Scheduler: cfg.Scheduler,
		Clock:     cfg.Clock,
		Schedule:  cfg.Schedule,
		Staleness: cfg.Staleness,
		OnEvent:   s.publishEvent,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// StartTurn submits a prompt. The pending-turn marker is written before
// the request goes out, so a crash mid-request is recoverable. The frame
// stream is consumed in the background; use Wait for the outcome.
func (s *Session) StartTurn(ctx context.Context, prompt string) (*turns.Turn, error) {
	if s == nil {
		return nil, errors.New("session is not initialized")
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, errors.New("session: empty prompt")
	}

	// The run context covers the stream request itself, so Cancel and a
	// superseding StartTurn abort an in-flight or blocked read, not just
	// the gaps between reads.
	runCtx, cancel := context.WithCancel(ctx)
	group := &errgroup.Group{}
	s.mu.Lock()
	if s.cancel != nil {
		// One in-flight turn per surface; the newcomer wins.
		log.Debug().Str("component", "session").Str("surface", s.surface).Msg("superseding in-flight turn")
		s.cancel()
		s.channel.Detach()
	}
	turn := turns.NewTurn(s.agent)
	turn.ThreadID = s.threadID
	s.turn = turn
	s.cancel = cancel
	s.group = group
	s.mu.Unlock()
	s.channel.Reset()

	s.markers.Save(runCtx, recovery.PendingTurnMarker{
		ClientTurnID: turn.ClientTurnID,
		Message:      prompt,
		StartedAtMs:  s.clock().UnixMilli(),
		Target:       turn.Agent,
	})

	body, err := s.client.StartTurn(runCtx, client.StartTurnRequest{
		Prompt:       prompt,
		Agent:        turn.Agent,
		ClientTurnID: turn.ClientTurnID,
		ThreadID:     s.threadID,
		Surface:      s.surface,
	})
	if err != nil {
		cancel()
		s.mu.Lock()
		current := s.turn == turn
		if current {
			s.cancel = nil
		}
		s.mu.Unlock()
		if runCtx.Err() != nil {
			// Aborted before the stream opened; the marker stays so the
			// next run can reconcile whatever the server did with it.
			s.interruptLocal(turn)
			return nil, err
		}
		if current {
			s.markers.Clear(ctx)
		}
		s.mu.Lock()
		turn.Status = turns.StatusError
		turn.StatusText = turns.StatusTextFailed
		s.mu.Unlock()
		s.publishTurn(turn)
		return nil, err
	}
	s.publishTurn(turn)

	sink := &sessionSink{s: s, ctx: runCtx, turn: turn}
	dispatcher, err := turns.NewDispatcher(turn, sink)
	if err != nil {
		cancel()
		_ = body.Close()
		return nil, err
	}

	snapshot := *turn
	group.Go(func() error {
		defer func() { _ = body.Close() }()
		err := protocol.ReadFrames(runCtx, body, func(f protocol.Frame) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			return dispatcher.HandleFrame(f)
		})
		if runCtx.Err() != nil {
			// Caller-initiated abort: tear down quietly. The server may
			// still finish the turn; the marker stays for the next run.
			s.interruptLocal(turn)
			return nil
		}
		s.publishTurn(turn)
		if err != nil {
			return err
		}
		// Stream ended without a terminal frame: the turn may still be
		// running server-side, so fall back to the recovery poll.
		s.mu.Lock()
		terminal := turn.Status.Terminal()
		s.mu.Unlock()
		if terminal {
			return nil
		}
		log.Debug().
			Str("component", "session").
			Str("client_turn_id", turn.ClientTurnID).
			Msg("stream ended without terminal frame; polling")
		if err := s.poll(runCtx, turn); err != nil {
			return err
		}
		if runCtx.Err() != nil {
			s.interruptLocal(turn)
		}
		return nil
	})
	return &snapshot, nil
}

// Recover reconciles a pending-turn marker left by a previous process.
// It returns nil when there is nothing to recover; otherwise the
// recovered turn resolves in the background.
func (s *Session) Recover(ctx context.Context) (*turns.Turn, error) {
	if s == nil {
		return nil, errors.New("session is not initialized")
	}
	marker := s.markers.Load(ctx)
	if marker == nil {
		return nil, nil
	}
	log.Debug().
		Str("component", "session").
		Str("client_turn_id", marker.ClientTurnID).
		Msg("recovering pending turn")

	runCtx, cancel := context.WithCancel(ctx)
	group := &errgroup.Group{}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel
	s.group = group
	turn := &turns.Turn{
		ClientTurnID: marker.ClientTurnID,
		Agent:        s.agent,
		Status:       turns.StatusRunning,
		StatusText:   turns.StatusTextRecovering,
	}
	if marker.Target != "" {
		turn.Agent = marker.Target
	}
	s.turn = turn
	s.mu.Unlock()
	s.channel.Reset()
	s.publishTurn(turn)

	snapshot := *turn
	group.Go(func() error {
		if err := s.poll(runCtx, turn); err != nil {
			return err
		}
		if runCtx.Err() != nil {
			s.interruptLocal(turn)
		}
		return nil
	})
	return &snapshot, nil
}

// Wait blocks until the current turn's background work finishes and
// returns its error, if any.
func (s *Session) Wait() error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Cancel aborts the in-flight turn's stream and poll. The server may
// still finish the turn; the marker stays until a terminal state is
// observed.
func (s *Session) Cancel() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()
}

// Turn returns a snapshot of the current turn, or nil.
func (s *Session) Turn() *turns.Turn {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turn == nil {
		return nil
	}
	cp := *s.turn
	return &cp
}

// Events returns the accumulated live events for the current turn.
func (s *Session) Events() []live.Event {
	if s == nil {
		return nil
	}
	return s.channel.Events()
}

// Stale reports whether the live channel went quiet past its staleness
// window.
func (s *Session) Stale() bool {
	if s == nil {
		return false
	}
	return s.channel.Stale()
}

func (s *Session) Close() error {
	s.Cancel()
	s.channel.Detach()
	if s.ownsBus {
		return s.bus.Close()
	}
	return nil
}

// poll drives the active-state fallback until the turn resolves.
func (s *Session) poll(ctx context.Context, turn *turns.Turn) error {
	err := s.poller.Run(ctx, turn.ClientTurnID, recovery.PollCallbacks{
		OnCurrent: func(target client.LiveTarget) {
			s.mu.Lock()
			turn.ThreadID = target.ThreadID
			turn.TurnID = target.TurnID
			if target.Agent != "" {
				turn.Agent = target.Agent
			}
			s.mu.Unlock()
			s.channel.Attach(ctx, target)
			s.publishTurn(turn)
		},
		OnResult: func(result client.LastResult) {
			s.finalize(ctx, turn, result)
		},
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// interruptLocal marks a caller-aborted turn interrupted without
// consulting the server. A turn that already reached a terminal state
// keeps it; a superseded turn leaves the live channel alone, since the
// newcomer has already reset it for its own use.
func (s *Session) interruptLocal(turn *turns.Turn) {
	s.mu.Lock()
	if !turn.Status.Terminal() {
		turn.Status = turns.StatusInterrupted
		turn.StatusText = turns.StatusTextCanceled
	}
	current := s.turn == turn
	s.mu.Unlock()
	if current {
		s.channel.MarkTerminal()
	}
	s.publishTurn(turn)
}

// finalize applies a poll-observed terminal result.
func (s *Session) finalize(ctx context.Context, turn *turns.Turn, result client.LastResult) {
	s.mu.Lock()
	switch result.Status {
	case "ok":
		turn.Status = turns.StatusDone
		turn.StatusText = ""
		if text := finalTextFromPayload(result.Response); text != "" {
			turn.FinalText = text
		} else if result.Message != "" {
			turn.FinalText = result.Message
		}
	case "interrupted":
		turn.Status = turns.StatusInterrupted
		turn.StatusText = result.Message
	default:
		turn.Status = turns.StatusError
		if result.Message != "" {
			turn.StatusText = result.Message
		} else {
			turn.StatusText = turns.StatusTextFailed
		}
	}
	s.mu.Unlock()

	s.markers.Clear(ctx)
	s.channel.MarkTerminal()
	s.publishTurn(turn)
}

func (s *Session) publishTurn(turn *turns.Turn) {
	s.mu.Lock()
	update := TurnUpdate{
		ClientTurnID: turn.ClientTurnID,
		ThreadID:     turn.ThreadID,
		TurnID:       turn.TurnID,
		Agent:        turn.Agent,
		Status:       turn.Status.String(),
		StatusText:   turn.StatusText,
		StreamText:   turn.StreamText,
		FinalText:    turn.FinalText,
	}
	s.mu.Unlock()
	s.bus.Publish(TurnTopic(s.surface), update)
}

func (s *Session) publishEvent(e live.Event) {
	s.bus.Publish(EventTopic(s.surface), EventUpdate{
		ID:          e.ID,
		ItemID:      e.ItemID,
		Kind:        e.Kind,
		Title:       e.Title,
		Summary:     e.Summary,
		Detail:      e.Detail,
		Significant: e.Significant,
		Seq:         e.Seq,
	})
}

// sessionSink translates dispatcher effects into session side effects.
type sessionSink struct {
	s    *Session
	ctx  context.Context
	turn *turns.Turn
}

func (k *sessionSink) AttachLive(threadID, turnID, agent string) {
	k.s.channel.Attach(k.ctx, client.LiveTarget{
		ThreadID: threadID,
		TurnID:   turnID,
		Agent:    agent,
	})
}

func (k *sessionSink) EmitEvent(f protocol.Frame) {
	if ev, ok := live.FromFrame(f, k.s.clock()); ok {
		k.s.channel.Ingest(ev)
	}
}

func (k *sessionSink) ApplyUpdate(payload map[string]any) {
	if !echoesTurn(payload, k.turn.ClientTurnID) {
		return
	}
	if text := finalTextFromPayload(payload); text != "" {
		// Sink callbacks run under the session mutex held by the frame
		// handler, so the turn may be written directly.
		k.turn.FinalText = text
	}
	k.s.markers.Clear(k.ctx)
}

func (k *sessionSink) ClearMarker() {
	k.s.markers.Clear(k.ctx)
	k.s.channel.MarkTerminal()
}

func (k *sessionSink) FinalizeText(string) {}

// echoesTurn reports whether an update payload names this turn's client
// id. Updates for other turns (stale broadcasts) are ignored.
func echoesTurn(payload map[string]any, clientTurnID string) bool {
	for _, key := range []string{"client_turn_id", "clientTurnId"} {
		if v, ok := payload[key].(string); ok {
			return v == clientTurnID
		}
	}
	if req, ok := payload["request"].(map[string]any); ok {
		return echoesTurn(req, clientTurnID)
	}
	return false
}

// finalTextFromPayload digs the final response text out of a structured
// update or last-result payload.
func finalTextFromPayload(m map[string]any) string {
	if m == nil {
		return ""
	}
	for _, key := range []string{"response", "draft", "message", "text"} {
		switch v := m[key].(type) {
		case string:
			if t := strings.TrimSpace(v); t != "" {
				return t
			}
		case map[string]any:
			if t := finalTextFromPayload(v); t != "" {
				return t
			}
		}
	}
	return ""
}

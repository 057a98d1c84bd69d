package recovery

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentdeck/pkg/client"
)

// DefaultPollInterval is how often the recovery poller asks the backend
// for the state of a pending turn.
const DefaultPollInterval = time.Second

// ActiveStateClient is the slice of the backend client the poller needs.
type ActiveStateClient interface {
	ActiveState(ctx context.Context, clientTurnID string) (*client.ActiveState, error)
}

// PollCallbacks receive poll outcomes. OnCurrent fires once per distinct
// live identity (the live channel attaches; polling continues in the
// background as a fallback). OnResult fires once with the terminal result
// and ends the poll loop.
type PollCallbacks struct {
	OnCurrent func(target client.LiveTarget)
	OnResult  func(result client.LastResult)
}

// Poller reconciles a pending-turn marker with server-side state.
// Transient request failures are retried on the next tick, never
// surfaced; only context cancellation stops an unresolved poll.
type Poller struct {
	client   ActiveStateClient
	interval time.Duration
}

func NewPoller(c ActiveStateClient, interval time.Duration) (*Poller, error) {
	if c == nil {
		return nil, errors.New("poller: client is nil")
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{client: c, interval: interval}, nil
}

// Run polls until the backend reports a terminal result or ctx is
// cancelled. The first tick happens immediately.
func (p *Poller) Run(ctx context.Context, clientTurnID string, cb PollCallbacks) error {
	if p == nil || p.client == nil {
		return errors.New("poller is not initialized")
	}
	clientTurnID = strings.TrimSpace(clientTurnID)
	if clientTurnID == "" {
		return errors.New("poller: missing client turn id")
	}

	plog := log.With().
		Str("component", "recovery").
		Str("client_turn_id", clientTurnID).
		Logger()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	seenTarget := ""
	for {
		state, err := p.client.ActiveState(ctx, clientTurnID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			plog.Debug().Err(err).Msg("active-state poll failed; retrying")
		} else if state != nil {
			if state.LastResult != nil {
				plog.Debug().Str("status", state.LastResult.Status).Msg("poll observed terminal result")
				if cb.OnResult != nil {
					cb.OnResult(*state.LastResult)
				}
				return nil
			}
			if cur := state.Current; cur != nil && cur.ThreadID != "" && cur.TurnID != "" {
				key := cur.ThreadID + "/" + cur.TurnID
				if key != seenTarget {
					seenTarget = key
					plog.Debug().Str("thread_id", cur.ThreadID).Str("turn_id", cur.TurnID).Msg("poll observed live turn")
					if cb.OnCurrent != nil {
						cb.OnCurrent(client.LiveTarget{
							ThreadID: cur.ThreadID,
							TurnID:   cur.TurnID,
							Agent:    cur.Agent,
						})
					}
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

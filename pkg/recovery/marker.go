// Package recovery holds the durable client-side record of an in-flight
// turn and the logic to reconcile it with server-side state after a
// reload: the pending-turn marker, the live-channel sequence cursors, and
// the active-state poller.
package recovery

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentdeck/pkg/kvstore"
)

const markerKeyPrefix = "pending-turn:"

// PendingTurnMarker is the durable record of an in-flight turn. Created
// the instant a turn request is issued, deleted the instant a terminal
// status is observed by any path. At most one marker exists per surface.
type PendingTurnMarker struct {
	ClientTurnID string `json:"clientTurnId"`
	Message      string `json:"message"`
	StartedAtMs  int64  `json:"startedAtMs"`
	Target       string `json:"target,omitempty"`
}

// MarkerStore persists the pending-turn marker for one chat surface under
// a single fixed key. All operations are best-effort: storage failures
// are swallowed, never returned, so a broken disk degrades recovery, not
// turns.
type MarkerStore struct {
	store   kvstore.Store
	surface string
}

func NewMarkerStore(store kvstore.Store, surface string) (*MarkerStore, error) {
	if store == nil {
		return nil, errors.New("marker store: kv store is nil")
	}
	surface = strings.TrimSpace(surface)
	if surface == "" {
		return nil, errors.New("marker store: empty surface")
	}
	return &MarkerStore{store: store, surface: surface}, nil
}

func (m *MarkerStore) key() string {
	return markerKeyPrefix + m.surface
}

func (m *MarkerStore) Save(ctx context.Context, marker PendingTurnMarker) {
	if m == nil || m.store == nil {
		return
	}
	raw, err := json.Marshal(marker)
	if err != nil {
		log.Debug().Str("component", "recovery").Err(err).Msg("marker marshal failed; skipping save")
		return
	}
	if err := m.store.Set(ctx, m.key(), string(raw)); err != nil {
		log.Debug().Str("component", "recovery").Err(err).Msg("marker save failed")
	}
}

// Load returns the marker or nil. A marker cleared out from under a
// concurrent reader simply reads as nil ("turn already finished").
func (m *MarkerStore) Load(ctx context.Context) *PendingTurnMarker {
	if m == nil || m.store == nil {
		return nil
	}
	raw, ok, err := m.store.Get(ctx, m.key())
	if err != nil {
		log.Debug().Str("component", "recovery").Err(err).Msg("marker load failed")
		return nil
	}
	if !ok {
		return nil
	}
	var marker PendingTurnMarker
	if err := json.Unmarshal([]byte(raw), &marker); err != nil {
		log.Debug().Str("component", "recovery").Err(err).Msg("marker unmarshal failed; clearing")
		m.Clear(ctx)
		return nil
	}
	if marker.ClientTurnID == "" {
		return nil
	}
	return &marker
}

func (m *MarkerStore) Clear(ctx context.Context) {
	if m == nil || m.store == nil {
		return
	}
	if err := m.store.Delete(ctx, m.key()); err != nil {
		log.Debug().Str("component", "recovery").Err(err).Msg("marker clear failed")
	}
}

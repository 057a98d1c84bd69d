package recovery

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentdeck/pkg/kvstore"
)

const cursorKeyPrefix = "cursor:"

// CursorStore records the last delivered live-event sequence number per
// (surface, runId). A cursor only advances, never rolls back, and is
// written before the corresponding event counts as delivered: resume is
// at-least-once, never at-most-once.
type CursorStore struct {
	store   kvstore.Store
	surface string

	mu    sync.Mutex
	cache map[string]int64
}

func NewCursorStore(store kvstore.Store, surface string) (*CursorStore, error) {
	if store == nil {
		return nil, errors.New("cursor store: kv store is nil")
	}
	surface = strings.TrimSpace(surface)
	if surface == "" {
		return nil, errors.New("cursor store: empty surface")
	}
	return &CursorStore{
		store:   store,
		surface: surface,
		cache:   map[string]int64{},
	}, nil
}

func (c *CursorStore) key(runID string) string {
	return cursorKeyPrefix + c.surface + ":" + runID
}

// Last returns the highest sequence number recorded for the run, or 0.
func (c *CursorStore) Last(ctx context.Context, runID string) int64 {
	if c == nil || c.store == nil {
		return 0
	}
	c.mu.Lock()
	if v, ok := c.cache[runID]; ok {
		c.mu.Unlock()
		return v
	}
	c.mu.Unlock()

	raw, ok, err := c.store.Get(ctx, c.key(runID))
	if err != nil {
		log.Debug().Str("component", "recovery").Err(err).Str("run_id", runID).Msg("cursor load failed")
		return 0
	}
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	c.mu.Lock()
	if cached, ok := c.cache[runID]; !ok || v > cached {
		c.cache[runID] = v
	}
	v = c.cache[runID]
	c.mu.Unlock()
	return v
}

// Advance records seq if it is greater than the current cursor and
// returns the effective cursor value. Duplicates and reordered sequence
// numbers never move the cursor backwards.
func (c *CursorStore) Advance(ctx context.Context, runID string, seq int64) int64 {
	if c == nil || c.store == nil {
		return 0
	}
	current := c.Last(ctx, runID)
	if seq <= current {
		return current
	}
	c.mu.Lock()
	c.cache[runID] = seq
	c.mu.Unlock()
	if err := c.store.Set(ctx, c.key(runID), strconv.FormatInt(seq, 10)); err != nil {
		// Best effort: the in-memory cursor still advanced, so delivery
		// continues; only resume-after-restart loses precision.
		log.Debug().Str("component", "recovery").Err(err).Str("run_id", runID).Msg("cursor persist failed")
	}
	return seq
}

package live

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentdeck/pkg/client"
	"github.com/go-go-golems/agentdeck/pkg/recovery"
)

// DefaultStaleness is how long the channel may go without any frame
// (heartbeats included) before Stale reports true.
const DefaultStaleness = 45 * time.Second

// ChannelConfig wires a Channel. Transport and Cursors are required;
// everything else has working defaults.
type ChannelConfig struct {
	Transport Transport
	Cursors   *recovery.CursorStore
	Scheduler Scheduler
	Clock     func() time.Time
	Schedule  []time.Duration
	Staleness time.Duration
	// OnEvent fires after the event is recorded and its sequence cursor
	// persisted, with the merged accumulator entry.
	OnEvent func(Event)
}

// Channel consumes the live event stream for one turn. It survives
// connection loss by reconnecting on a fixed backoff schedule, resuming
// after the last recorded sequence number, and stops for good once the
// turn is observed terminal.
type Channel struct {
	transport Transport
	cursors   *recovery.CursorStore
	sched     Scheduler
	clock     func() time.Time
	staleness time.Duration
	onEvent   func(Event)
	backoff   *Backoff
	acc       *Accumulator

	mu          sync.Mutex
	ctx         context.Context
	target      client.LiveTarget
	runID       string
	attached    bool
	terminal    bool
	gen         int
	cancelRead  context.CancelFunc
	cancelTimer func()
	lastFrame   time.Time
}

func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Transport == nil {
		return nil, errors.New("live channel: transport is nil")
	}
	if cfg.Cursors == nil {
		return nil, errors.New("live channel: cursor store is nil")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = SystemScheduler
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = DefaultStaleness
	}
	return &Channel{
		transport: cfg.Transport,
		cursors:   cfg.Cursors,
		sched:     cfg.Scheduler,
		clock:     cfg.Clock,
		staleness: cfg.Staleness,
		onEvent:   cfg.OnEvent,
		backoff:   NewBackoff(cfg.Schedule...),
		acc:       NewAccumulator(),
	}, nil
}

// RunID keys the sequence cursor for a target.
func RunID(target client.LiveTarget) string {
	return target.ThreadID + ":" + target.TurnID
}

// Attach starts consuming events for the target. Attaching to the same
// target again is a no-op; a different target detaches the old one
// first. Attach after MarkTerminal does nothing.
func (c *Channel) Attach(ctx context.Context, target client.LiveTarget) {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.terminal {
		c.mu.Unlock()
		return
	}
	if c.attached && c.target == target {
		c.mu.Unlock()
		return
	}
	c.stopLocked()
	c.ctx = ctx
	c.target = target
	c.runID = RunID(target)
	c.attached = true
	c.lastFrame = c.clock()
	gen := c.gen
	c.mu.Unlock()

	log.Debug().
		Str("component", "live").
		Str("thread_id", target.ThreadID).
		Str("turn_id", target.TurnID).
		Msg("live channel attached")
	go c.connect(gen)
}

// Detach stops consumption and any pending reconnect. Idempotent. The
// accumulated events stay readable.
func (c *Channel) Detach() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stopLocked()
	c.mu.Unlock()
}

// MarkTerminal records that the turn reached a terminal state: any
// pending reconnect timer is cancelled and no further reconnect will
// ever be scheduled. A still-open connection drains until the server
// closes it, so trailing events are not lost.
func (c *Channel) MarkTerminal() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.terminal = true
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
	}
	c.mu.Unlock()
}

// Reset prepares the channel for a fresh turn: it detaches, clears the
// terminal latch, rewinds the backoff ladder, and drops the accumulated
// events of the previous turn.
func (c *Channel) Reset() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.stopLocked()
	c.terminal = false
	c.backoff.Reset()
	c.mu.Unlock()
	c.acc.Reset()
}

// Terminal reports whether MarkTerminal was called.
func (c *Channel) Terminal() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminal
}

// Stale reports whether the channel is attached, not terminal, and has
// not seen any frame (heartbeats count) within the staleness window.
func (c *Channel) Stale() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached || c.terminal {
		return false
	}
	return c.clock().Sub(c.lastFrame) > c.staleness
}

// Ingest records an event that arrived outside the live connection,
// such as on the request-scoped turn stream. It merges by item id like
// any other delivery and refreshes the staleness clock, but does not
// move the sequence cursor; only live-connection frames do that.
func (c *Channel) Ingest(ev Event) Event {
	if c == nil {
		return ev
	}
	c.mu.Lock()
	c.lastFrame = c.clock()
	c.mu.Unlock()
	stored, _ := c.acc.Add(ev)
	if c.onEvent != nil {
		c.onEvent(stored)
	}
	return stored
}

// Events returns the accumulated events in first-seen order.
func (c *Channel) Events() []Event {
	if c == nil {
		return nil
	}
	return c.acc.List()
}

// stopLocked tears down the read loop and pending timer. Callers hold
// c.mu. Bumping gen makes in-flight goroutines from the old attachment
// inert.
func (c *Channel) stopLocked() {
	c.gen++
	c.attached = false
	if c.cancelTimer != nil {
		c.cancelTimer()
		c.cancelTimer = nil
	}
	if c.cancelRead != nil {
		c.cancelRead()
		c.cancelRead = nil
	}
}

func (c *Channel) connect(gen int) {
	c.mu.Lock()
	if gen != c.gen || !c.attached || c.terminal {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()
	c.cancelRead = cancel
	target := c.target
	runID := c.runID
	c.mu.Unlock()

	after := c.cursors.Last(ctx, runID)
	src, err := c.transport.Open(ctx, target, after)
	if err != nil {
		log.Debug().
			Str("component", "live").
			Err(err).
			Str("turn_id", target.TurnID).
			Msg("live channel open failed")
		c.scheduleReconnect(gen)
		return
	}
	c.mu.Lock()
	c.backoff.Reset()
	c.mu.Unlock()

	for {
		f, err := src.Next()
		if err != nil {
			_ = src.Close()
			if ctx.Err() != nil {
				return
			}
			log.Debug().
				Str("component", "live").
				Err(err).
				Str("turn_id", target.TurnID).
				Msg("live channel dropped")
			c.scheduleReconnect(gen)
			return
		}

		now := c.clock()
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			_ = src.Close()
			return
		}
		c.lastFrame = now
		c.mu.Unlock()

		ev, ok := FromFrame(f, now)
		if !ok {
			continue
		}
		seq := ev.Seq
		if seq <= 0 {
			seq = c.cursors.Last(ctx, runID) + 1
		}
		// The cursor moves before the event is forwarded: a crash right
		// here loses a delivery downstream but never replays past data
		// as if it were new. At-least-once is guaranteed by the server
		// replaying from "after", duplicate-tolerance by the item merge.
		c.cursors.Advance(ctx, runID, seq)
		ev.Seq = seq
		stored, _ := c.acc.Add(ev)
		if c.onEvent != nil {
			c.onEvent(stored)
		}
	}
}

func (c *Channel) scheduleReconnect(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || !c.attached || c.terminal {
		return
	}
	d := c.backoff.Next()
	log.Debug().
		Str("component", "live").
		Dur("delay", d).
		Str("turn_id", c.target.TurnID).
		Msg("live channel reconnect scheduled")
	c.cancelTimer = c.sched.AfterFunc(d, func() {
		c.mu.Lock()
		ok := gen == c.gen && c.attached && !c.terminal
		if ok {
			c.cancelTimer = nil
		}
		c.mu.Unlock()
		if ok {
			c.connect(gen)
		}
	})
}

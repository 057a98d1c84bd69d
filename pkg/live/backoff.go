package live

import "time"

// DefaultSchedule is the reconnect delay ladder; the last entry repeats
// for every further consecutive failure.
var DefaultSchedule = []time.Duration{
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
}

// Backoff walks a fixed increasing schedule. Not safe for concurrent use;
// the channel serializes access.
type Backoff struct {
	schedule []time.Duration
	attempt  int
}

func NewBackoff(schedule ...time.Duration) *Backoff {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	return &Backoff{schedule: append([]time.Duration(nil), schedule...)}
}

// Next returns the delay for the current attempt and advances the
// counter, capping at the schedule's final entry.
func (b *Backoff) Next() time.Duration {
	if b == nil || len(b.schedule) == 0 {
		return 0
	}
	idx := b.attempt
	if idx >= len(b.schedule) {
		idx = len(b.schedule) - 1
	}
	b.attempt++
	return b.schedule[idx]
}

// Reset rewinds the ladder after a successful connection open.
func (b *Backoff) Reset() {
	if b != nil {
		b.attempt = 0
	}
}

// Attempt reports how many consecutive failures have been seen.
func (b *Backoff) Attempt() int {
	if b == nil {
		return 0
	}
	return b.attempt
}

// Scheduler abstracts delayed execution so reconnect timing is testable
// without real timers. AfterFunc returns a cancel function; cancelling
// after the callback fired is a no-op.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
}

type systemScheduler struct{}

func (systemScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// SystemScheduler uses real timers.
var SystemScheduler Scheduler = systemScheduler{}

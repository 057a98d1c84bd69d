package live

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/agentdeck/pkg/client"
	"github.com/go-go-golems/agentdeck/pkg/kvstore"
	"github.com/go-go-golems/agentdeck/pkg/protocol"
	"github.com/go-go-golems/agentdeck/pkg/recovery"
)

type sourceItem struct {
	frame protocol.Frame
	err   error
}

type fakeSource struct {
	ch chan sourceItem
}

func newFakeSource(frames ...protocol.Frame) *fakeSource {
	s := &fakeSource{ch: make(chan sourceItem, len(frames)+1)}
	for _, f := range frames {
		s.ch <- sourceItem{frame: f}
	}
	return s
}

func (s *fakeSource) Next() (protocol.Frame, error) {
	it, ok := <-s.ch
	if !ok {
		return protocol.Frame{}, errors.New("connection dropped")
	}
	if it.err != nil {
		return protocol.Frame{}, it.err
	}
	return it.frame, nil
}

func (s *fakeSource) Close() error { return nil }

type openRec struct {
	target client.LiveTarget
	after  int64
}

type fakeTransport struct {
	mu    sync.Mutex
	opens []openRec
	// nil entries mean the open attempt fails; an exhausted script also
	// fails.
	steps []*fakeSource
}

func (t *fakeTransport) Open(_ context.Context, target client.LiveTarget, after int64) (FrameSource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens = append(t.opens, openRec{target: target, after: after})
	if len(t.steps) == 0 {
		return nil, errors.New("no backend")
	}
	s := t.steps[0]
	t.steps = t.steps[1:]
	if s == nil {
		return nil, errors.New("connect refused")
	}
	return s, nil
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opens)
}

func (t *fakeTransport) openAt(i int) openRec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens[i]
}

type fakeTimer struct {
	delay     time.Duration
	fn        func()
	cancelled bool
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: fn}
	s.timers = append(s.timers, t)
	return func() {
		s.mu.Lock()
		t.cancelled = true
		s.mu.Unlock()
	}
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *fakeScheduler) fire(i int) {
	s.mu.Lock()
	t := s.timers[i]
	cancelled := t.cancelled
	s.mu.Unlock()
	if !cancelled {
		t.fn()
	}
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.timers))
	for i, t := range s.timers {
		out[i] = t.delay
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func jsonFrame(data string) protocol.Frame {
	return protocol.Frame{Event: protocol.DefaultEvent, Data: data}
}

func newTestChannel(t *testing.T, tr Transport, sched Scheduler, clock func() time.Time, onEvent func(Event)) (*Channel, *recovery.CursorStore) {
	t.Helper()
	cursors, err := recovery.NewCursorStore(kvstore.NewMemoryStore(), "tui")
	require.NoError(t, err)
	ch, err := NewChannel(ChannelConfig{
		Transport: tr,
		Cursors:   cursors,
		Scheduler: sched,
		Clock:     clock,
		OnEvent:   onEvent,
	})
	require.NoError(t, err)
	t.Cleanup(ch.Detach)
	return ch, cursors
}

func TestChannel_DeliversAdvancesCursorAndResumes(t *testing.T) {
	first := newFakeSource(
		jsonFrame(`{"item_id":"i1","seq":1,"title":"read file"}`),
		jsonFrame(`{"item_id":"i2","seq":2,"title":"run tests"}`),
	)
	close(first.ch)
	tr := &fakeTransport{steps: []*fakeSource{first}}
	sched := &fakeScheduler{}

	var mu sync.Mutex
	var seen []Event
	ch, cursors := newTestChannel(t, tr, sched, time.Now, func(e Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	})
	target := client.LiveTarget{ThreadID: "t1", TurnID: "u1", Agent: "codex"}
	ch.Attach(context.Background(), target)

	require.Eventually(t, func() bool { return sched.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, tr.openCount())
	require.Zero(t, tr.openAt(0).after, "first open starts from the beginning")
	require.EqualValues(t, 2, cursors.Last(context.Background(), RunID(target)))

	// Reconnect replays seq 2 and continues; the duplicate must merge,
	// a seq-less event gets the next cursor value.
	second := newFakeSource(
		jsonFrame(`{"item_id":"i2","seq":2,"title":"run tests"}`),
		jsonFrame(`{"item_id":"i3","seq":3,"title":"apply patch"}`),
		jsonFrame(`{"item_id":"i4","title":"summarize"}`),
	)
	close(second.ch)
	tr.mu.Lock()
	tr.steps = []*fakeSource{second}
	tr.mu.Unlock()
	sched.fire(0)

	require.Equal(t, 2, tr.openCount())
	require.EqualValues(t, 2, tr.openAt(1).after, "resume picks up after the last cursor")
	require.EqualValues(t, 4, cursors.Last(context.Background(), RunID(target)))

	items := ch.Events()
	require.Len(t, items, 4)
	ids := []string{items[0].ItemID, items[1].ItemID, items[2].ItemID, items[3].ItemID}
	require.Equal(t, []string{"i1", "i2", "i3", "i4"}, ids)
	require.EqualValues(t, 4, items[3].Seq)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 5, "replayed duplicate is still forwarded, merged")
}

func TestChannel_BackoffScheduleCapAndReset(t *testing.T) {
	tr := &fakeTransport{steps: []*fakeSource{nil, nil, nil, nil, nil, nil}}
	sched := &fakeScheduler{}
	ch, _ := newTestChannel(t, tr, sched, time.Now, nil)
	ch.Attach(context.Background(), client.LiveTarget{ThreadID: "t1", TurnID: "u1"})

	require.Eventually(t, func() bool { return sched.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	for i := 0; i < 5; i++ {
		sched.fire(i)
	}
	require.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}, sched.delays(), "schedule walks up then repeats the cap")

	// A successful open resets the ladder; the next drop starts over.
	ok := newFakeSource()
	close(ok.ch)
	tr.mu.Lock()
	tr.steps = []*fakeSource{ok}
	tr.mu.Unlock()
	sched.fire(5)

	delays := sched.delays()
	require.Len(t, delays, 7)
	require.Equal(t, 500*time.Millisecond, delays[6])
}

func TestChannel_MarkTerminalCancelsPendingReconnect(t *testing.T) {
	tr := &fakeTransport{}
	sched := &fakeScheduler{}
	ch, _ := newTestChannel(t, tr, sched, time.Now, nil)
	ch.Attach(context.Background(), client.LiveTarget{ThreadID: "t1", TurnID: "u1"})

	require.Eventually(t, func() bool { return sched.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, tr.openCount())

	ch.MarkTerminal()
	sched.mu.Lock()
	cancelled := sched.timers[0].cancelled
	sched.mu.Unlock()
	require.True(t, cancelled, "terminal state cancels the pending reconnect")

	sched.fire(0)
	require.Equal(t, 1, tr.openCount(), "no reconnect after terminal")
	require.True(t, ch.Terminal())

	ch.Attach(context.Background(), client.LiveTarget{ThreadID: "t2", TurnID: "u2"})
	require.Equal(t, 1, tr.openCount(), "attach after terminal is ignored")

	// A reset rearms the channel for the next turn.
	ch.Reset()
	require.False(t, ch.Terminal())
	ch.Attach(context.Background(), client.LiveTarget{ThreadID: "t2", TurnID: "u2"})
	require.Eventually(t, func() bool { return tr.openCount() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestChannel_StaleAndHeartbeatRefresh(t *testing.T) {
	src := &fakeSource{ch: make(chan sourceItem, 1)}
	t.Cleanup(func() { close(src.ch) })
	tr := &fakeTransport{steps: []*fakeSource{src}}
	sched := &fakeScheduler{}
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	cursors, err := recovery.NewCursorStore(kvstore.NewMemoryStore(), "tui")
	require.NoError(t, err)
	ch, err := NewChannel(ChannelConfig{
		Transport: tr,
		Cursors:   cursors,
		Scheduler: sched,
		Clock:     clock.Now,
		Staleness: 10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(ch.Detach)

	ch.Attach(context.Background(), client.LiveTarget{ThreadID: "t1", TurnID: "u1"})
	require.Eventually(t, func() bool { return tr.openCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.False(t, ch.Stale())

	clock.Advance(11 * time.Second)
	require.True(t, ch.Stale())

	// A heartbeat carries no event but refreshes the clock.
	src.ch <- sourceItem{frame: protocol.Frame{Event: "heartbeat", Data: "{}"}}
	require.Eventually(t, func() bool { return !ch.Stale() }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, ch.Events())

	clock.Advance(11 * time.Second)
	require.True(t, ch.Stale())
	ch.MarkTerminal()
	require.False(t, ch.Stale(), "terminal channels are never stale")
}

func TestChannel_AttachIsIdempotentPerTarget(t *testing.T) {
	srcA := &fakeSource{ch: make(chan sourceItem)}
	srcB := &fakeSource{ch: make(chan sourceItem)}
	t.Cleanup(func() { close(srcA.ch); close(srcB.ch) })
	tr := &fakeTransport{steps: []*fakeSource{srcA, srcB}}
	sched := &fakeScheduler{}
	ch, _ := newTestChannel(t, tr, sched, time.Now, nil)

	a := client.LiveTarget{ThreadID: "t1", TurnID: "u1"}
	ch.Attach(context.Background(), a)
	require.Eventually(t, func() bool { return tr.openCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	ch.Attach(context.Background(), a)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, tr.openCount(), "re-attaching the same target is a no-op")

	ch.Attach(context.Background(), client.LiveTarget{ThreadID: "t1", TurnID: "u2"})
	require.Eventually(t, func() bool { return tr.openCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "u2", tr.openAt(1).target.TurnID)
}

package live

import "sync"

// Accumulator collects normalized events in arrival order, merging
// repeated deliveries of the same logical item. Duplicates after a
// reconnect are expected (delivery is at-least-once) and must collapse
// into one entry.
type Accumulator struct {
	mu    sync.Mutex
	items []Event
	index map[string]int
}

func NewAccumulator() *Accumulator {
	return &Accumulator{index: map[string]int{}}
}

// Add inserts or merges the event and returns the stored value plus
// whether it merged into an existing item.
func (a *Accumulator) Add(e Event) (Event, bool) {
	if a == nil {
		return e, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx, ok := a.index[e.ItemID]; ok {
		merged := mergeEvents(a.items[idx], e)
		a.items[idx] = merged
		return merged, true
	}
	a.index[e.ItemID] = len(a.items)
	a.items = append(a.items, e)
	return e, false
}

// Reset drops all accumulated items.
func (a *Accumulator) Reset() {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.items = nil
	a.index = map[string]int{}
	a.mu.Unlock()
}

// List returns a snapshot of the accumulated events in first-seen order.
func (a *Accumulator) List() []Event {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Event, len(a.items))
	copy(out, a.items)
	return out
}

func (a *Accumulator) Len() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items)
}

// mergeEvents folds a repeat delivery into the existing item. Newer
// non-empty fields win; delta details append; a duplicate of an already
// recorded sequence number changes nothing textual but never loses the
// significant flag or the max sequence.
func mergeEvents(cur, next Event) Event {
	out := cur
	if next.Title != "" {
		out.Title = next.Title
	}
	if next.Summary != "" {
		out.Summary = next.Summary
	}
	if next.Kind != "" {
		out.Kind = next.Kind
	}
	if next.Method != "" {
		out.Method = next.Method
	}
	switch {
	case next.Delta && next.Detail != "" && next.Seq > cur.Seq:
		out.Detail = cur.Detail + next.Detail
	case next.Delta:
		// Replayed delta (seq not beyond what we saw): drop the text to
		// avoid double-appending after a reconnect.
	case next.Detail != "":
		out.Detail = next.Detail
	}
	out.Significant = cur.Significant || next.Significant
	if next.Seq > out.Seq {
		out.Seq = next.Seq
	}
	if next.Time.After(out.Time) {
		out.Time = next.Time
	}
	return out
}

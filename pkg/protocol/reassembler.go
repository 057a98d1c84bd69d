package protocol

import (
	"strings"

	"github.com/rs/zerolog/log"
)

const escapedNewline = `\n`

// Reassembler turns raw text chunks, split arbitrarily by the underlying
// transport, into complete frames. Frames are never invented, reordered,
// or dropped; the last partial block is retained until the next chunk.
//
// Some upstream proxies convert literal newlines inside the stream into
// the two-character sequence `\n` without touching the framing newlines.
// If the buffer accumulates a `\n` sequence before any real line break
// arrives, the reassembler flips into repair mode for the rest of the
// stream and rewrites every `\n` that precedes `event:`, `data:` or
// another `\n` into a real newline. The switch is one-way and the rewrite
// is idempotent, so re-running it over already-repaired text is safe.
type Reassembler struct {
	buf     string
	decided bool
	repair  bool
}

func NewReassembler() *Reassembler {
	return &Reassembler{}
}

// RepairMode reports whether the escaped-newline rewrite is active.
func (r *Reassembler) RepairMode() bool {
	return r != nil && r.repair
}

// Push appends a chunk to the buffer and returns all frames completed by
// it, in order. It never fails; malformed blocks (no data lines) are
// skipped silently.
func (r *Reassembler) Push(chunk string) []Frame {
	if r == nil {
		return nil
	}
	r.buf += chunk
	if !r.decided {
		if strings.ContainsRune(r.buf, '\n') {
			r.decided = true
		} else if strings.Contains(r.buf, escapedNewline) {
			r.decided = true
			r.repair = true
			log.Debug().Str("component", "protocol").Msg("no real newline before escaped one; enabling repair mode for this stream")
		}
	}
	if r.repair {
		// Re-run over the whole pending buffer: a trailing `\n` whose
		// follower has not arrived yet gets picked up on the next push.
		r.buf = repairEscapedNewlines(r.buf, false)
	}

	blocks := strings.Split(r.buf, "\n\n")
	r.buf = blocks[len(blocks)-1]

	var frames []Frame
	for _, block := range blocks[:len(blocks)-1] {
		if f, ok := parseBlock(block); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

// Flush parses whatever remains in the buffer as final blocks. Call once
// when the underlying stream ends. In repair mode a `\n` dangling at the
// very end of the stream is resolved here, since no follower can arrive
// anymore.
func (r *Reassembler) Flush() []Frame {
	if r == nil || r.buf == "" {
		return nil
	}
	rest := r.buf
	r.buf = ""
	if r.repair {
		rest = repairEscapedNewlines(rest, true)
	}
	var frames []Frame
	for _, block := range strings.Split(rest, "\n\n") {
		if f, ok := parseBlock(block); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func parseBlock(block string) (Frame, bool) {
	event := ""
	var data []string
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimLeft(strings.TrimPrefix(line, "data:"), " \t"))
		case line != "":
			data = append(data, line)
		}
	}
	if len(data) == 0 {
		return Frame{}, false
	}
	if event == "" {
		event = DefaultEvent
	}
	return Frame{Event: event, Data: strings.Join(data, "\n")}, true
}

func repairEscapedNewlines(s string, atEnd bool) string {
	if !strings.Contains(s, escapedNewline) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] == '\\' && i+1 < len(s) && s[i+1] == 'n' {
			rest := s[i+2:]
			if strings.HasPrefix(rest, "event:") || strings.HasPrefix(rest, "data:") || strings.HasPrefix(rest, escapedNewline) ||
				(atEnd && rest == "") {
				b.WriteByte('\n')
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

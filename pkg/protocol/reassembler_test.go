package protocol

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func collect(r *Reassembler, chunks ...string) []Frame {
	var out []Frame
	for _, c := range chunks {
		out = append(out, r.Push(c)...)
	}
	out = append(out, r.Flush()...)
	return out
}

func TestReassembler_SplitInvariance(t *testing.T) {
	stream := "event: status\ndata: booting\n\n" +
		"event: token\ndata: Hello\ndata: World\n\n" +
		"bare line block\n\n" +
		"event: done\ndata: {}\n\n"

	want := collect(NewReassembler(), stream)
	require.Equal(t, []Frame{
		{Event: "status", Data: "booting"},
		{Event: "token", Data: "Hello\nWorld"},
		{Event: "message", Data: "bare line block"},
		{Event: "done", Data: "{}"},
	}, want)

	// Every single split point, including mid-line, mid-block and exactly
	// at block boundaries, must yield the same frame list.
	for i := 0; i <= len(stream); i++ {
		got := collect(NewReassembler(), stream[:i], stream[i:])
		require.Equal(t, want, got, "split at %d", i)
	}

	// One byte at a time.
	r := NewReassembler()
	var got []Frame
	for i := 0; i < len(stream); i++ {
		got = append(got, r.Push(stream[i:i+1])...)
	}
	got = append(got, r.Flush()...)
	require.Equal(t, want, got)
}

func TestReassembler_HappyPathTwoReads(t *testing.T) {
	r := NewReassembler()
	first := r.Push("event: token\ndata: Hel")
	require.Empty(t, first)
	second := r.Push("lo\n\nevent: done\ndata: {}\n\n")
	require.Equal(t, []Frame{
		{Event: "token", Data: "Hello"},
		{Event: "done", Data: "{}"},
	}, second)
	require.Empty(t, r.Flush())
}

func TestReassembler_MalformedBlocksSkipped(t *testing.T) {
	r := NewReassembler()
	frames := r.Push("event: status\n\nevent: token\ndata: hi\n\n\n\n")
	require.Equal(t, []Frame{{Event: "token", Data: "hi"}}, frames)
}

func TestReassembler_RepairMode(t *testing.T) {
	// An upstream proxy flattened the block's newlines into literal
	// backslash-n before any real newline arrived.
	r := NewReassembler()
	frames := r.Push(`event: token\ndata: hi\n\n`)
	require.True(t, r.RepairMode())
	frames = append(frames, r.Push(`event: done\ndata: {}\n\n`)...)
	frames = append(frames, r.Flush()...)
	require.Equal(t, []Frame{
		{Event: "token", Data: "hi"},
		{Event: "done", Data: "{}"},
	}, frames)
}

func TestReassembler_RepairLeavesUnrelatedEscapesAlone(t *testing.T) {
	r := NewReassembler()
	frames := r.Push(`data: path is C:\nope\ndata: next\n\n`)
	require.True(t, r.RepairMode())
	frames = append(frames, r.Flush()...)
	// `\n` before "ope" precedes neither event:, data: nor another `\n`,
	// so it stays literal.
	require.Equal(t, []Frame{{Event: "message", Data: `path is C:\nope` + "\nnext"}}, frames)
}

func TestReassembler_RepairIsIdempotent(t *testing.T) {
	broken := `event: token\ndata: a\n\nevent: done\ndata: {}\n\n`
	repaired := repairEscapedNewlines(broken, true)
	require.Equal(t, repaired, repairEscapedNewlines(repaired, true))

	// A stream that already contains real newlines never flips into
	// repair mode, even if a later chunk carries a literal backslash-n.
	r := NewReassembler()
	frames := r.Push("event: token\n")
	frames = append(frames, r.Push(`data: literal \n stays`+"\n\n")...)
	require.False(t, r.RepairMode())
	require.Equal(t, []Frame{{Event: "token", Data: `literal \n stays`}}, frames)
}

func TestReassembler_NoDecisionWithoutEvidence(t *testing.T) {
	r := NewReassembler()
	require.Empty(t, r.Push("event: tok"))
	require.False(t, r.RepairMode())
	frames := r.Push("en\ndata: x\n\n")
	require.Equal(t, []Frame{{Event: "token", Data: "x"}}, frames)
}

func TestFrame_JSON(t *testing.T) {
	m, ok := Frame{Data: `{"thread_id":"t1"}`}.JSON()
	require.True(t, ok)
	require.Equal(t, "t1", m["thread_id"])

	_, ok = Frame{Data: "plain text"}.JSON()
	require.False(t, ok)
	_, ok = Frame{Data: `{"broken":`}.JSON()
	require.False(t, ok)
}

type scriptedReader struct {
	chunks []string
}

func (s *scriptedReader) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, s.chunks[0])
	if n < len(s.chunks[0]) {
		s.chunks[0] = s.chunks[0][n:]
	} else {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func TestReadFrames(t *testing.T) {
	r := &scriptedReader{chunks: []string{
		"event: token\ndata: Hel",
		"lo\n\nevent: done\ndata: {}\n\n",
	}}
	var got []Frame
	err := ReadFrames(context.Background(), r, func(f Frame) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []Frame{
		{Event: "token", Data: "Hello"},
		{Event: "done", Data: "{}"},
	}, got)
}

func TestReadFrames_FlushesTrailingBlock(t *testing.T) {
	var got []Frame
	err := ReadFrames(context.Background(), strings.NewReader("event: token\ndata: tail"), func(f Frame) error {
		got = append(got, f)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []Frame{{Event: "token", Data: "tail"}}, got)
}

func TestReadFrames_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ReadFrames(ctx, strings.NewReader("data: x\n\n"), func(Frame) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

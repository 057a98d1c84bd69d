package live

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/agentdeck/pkg/client"
	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

func TestSSETransport_StreamsAndResumes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/events", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "t1", r.URL.Query().Get("thread_id"))
		require.Equal(t, "u1", r.URL.Query().Get("turn_id"))
		require.Equal(t, "7", r.URL.Query().Get("after"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("event: message\ndata: {\"item_id\":\"a\",\"seq\":8}\n\n"))
		_, _ = w.Write([]byte("event: heartbeat\ndata: {}\n\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := client.New(srv.URL)
	require.NoError(t, err)
	tr := &SSETransport{Client: c}
	src, err := tr.Open(context.Background(), client.LiveTarget{ThreadID: "t1", TurnID: "u1"}, 7)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	f, err := src.Next()
	require.NoError(t, err)
	require.Equal(t, protocol.DefaultEvent, f.Event)
	require.Contains(t, f.Data, `"item_id":"a"`)

	f, err = src.Next()
	require.NoError(t, err)
	require.Equal(t, "heartbeat", f.Event)

	_, err = src.Next()
	require.True(t, errors.Is(err, io.EOF))
}

// failingBody yields one chunk with a read error attached to it, the way
// a connection reset surfaces mid-stream.
type failingBody struct {
	data string
	err  error
	read bool
}

func (b *failingBody) Read(p []byte) (int, error) {
	if b.read {
		return 0, b.err
	}
	b.read = true
	return copy(p, b.data), b.err
}

func (b *failingBody) Close() error { return nil }

func TestSSESource_ReadErrorSurfacesAfterDrain(t *testing.T) {
	src := &sseSource{body: &failingBody{
		data: "event: message\ndata: {\"item_id\":\"a\",\"seq\":1}\n\n",
		err:  errors.New("connection reset"),
	}}

	f, err := src.Next()
	require.NoError(t, err, "frames buffered alongside the error drain first")
	require.Equal(t, protocol.DefaultEvent, f.Event)
	require.Contains(t, f.Data, `"item_id":"a"`)

	_, err = src.Next()
	require.Error(t, err)
	require.NotErrorIs(t, err, io.EOF, "a transport failure is not a clean close")
	require.Contains(t, err.Error(), "connection reset")
}

func TestWSTransport_EnvelopesAndClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "t1", r.URL.Query().Get("thread_id"))
		require.Equal(t, "3", r.URL.Query().Get("after"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer func() { _ = conn.Close() }()

		// Envelope with an envelope-level seq the payload lacks.
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"event":"message","data":"{\"item_id\":\"a\",\"title\":\"read\"}","seq":4}`)))
		// Envelope with empty data: skipped.
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"event":"heartbeat","data":""}`)))
		// Bare payload without envelope.
		require.NoError(t, conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"item_id":"b","seq":5}`)))

		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}))
	t.Cleanup(srv.Close)

	c, err := client.New(srv.URL)
	require.NoError(t, err)
	tr := &WSTransport{Client: c}
	src, err := tr.Open(context.Background(), client.LiveTarget{ThreadID: "t1", TurnID: "u1"}, 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	f, err := src.Next()
	require.NoError(t, err)
	require.Equal(t, protocol.DefaultEvent, f.Event)
	require.Contains(t, f.Data, `"seq":4`, "envelope seq is folded into the payload")
	require.Contains(t, f.Data, `"item_id":"a"`)

	f, err = src.Next()
	require.NoError(t, err)
	require.Contains(t, f.Data, `"item_id":"b"`)

	_, err = src.Next()
	require.True(t, errors.Is(err, io.EOF), "normal close reads as end of stream")
}

package live

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/agentdeck/pkg/client"
	"github.com/go-go-golems/agentdeck/pkg/protocol"
)

// FrameSource yields frames from one open connection. Next blocks until a
// frame arrives, the peer closes the stream (io.EOF), or the connection
// fails. Close releases the underlying connection.
type FrameSource interface {
	Next() (protocol.Frame, error)
	Close() error
}

// Transport opens a live event connection for a turn, resuming after the
// given sequence number.
type Transport interface {
	Open(ctx context.Context, target client.LiveTarget, after int64) (FrameSource, error)
}

// SSETransport reads the text-framed event stream over plain HTTP.
type SSETransport struct {
	Client *client.Client
}

func (t *SSETransport) Open(ctx context.Context, target client.LiveTarget, after int64) (FrameSource, error) {
	if t == nil || t.Client == nil {
		return nil, errors.New("sse transport: no client configured")
	}
	body, err := t.Client.OpenLiveStream(ctx, target, after)
	if err != nil {
		return nil, err
	}
	return &sseSource{body: body}, nil
}

type sseSource struct {
	body    io.ReadCloser
	re      protocol.Reassembler
	pending []protocol.Frame
	buf     [4096]byte
	done    bool
	err     error
}

func (s *sseSource) Next() (protocol.Frame, error) {
	for {
		if len(s.pending) > 0 {
			f := s.pending[0]
			s.pending = s.pending[1:]
			return f, nil
		}
		if s.done {
			// A transport failure surfaces only after the frames that
			// arrived with it have been drained.
			if s.err != nil {
				return protocol.Frame{}, s.err
			}
			return protocol.Frame{}, io.EOF
		}
		n, err := s.body.Read(s.buf[:])
		if n > 0 {
			s.pending = append(s.pending, s.re.Push(string(s.buf[:n]))...)
		}
		if err != nil {
			s.done = true
			s.pending = append(s.pending, s.re.Flush()...)
			if !errors.Is(err, io.EOF) {
				s.err = errors.Wrap(err, "live stream read")
			}
		}
	}
}

func (s *sseSource) Close() error {
	return s.body.Close()
}

// WSTransport carries frames as JSON envelopes over a websocket.
type WSTransport struct {
	Client *client.Client
	Dialer *websocket.Dialer
}

type wsEnvelope struct {
	Event string `json:"event"`
	Data  string `json:"data"`
	Seq   int64  `json:"seq,omitempty"`
}

func (t *WSTransport) Open(ctx context.Context, target client.LiveTarget, after int64) (FrameSource, error) {
	if t == nil || t.Client == nil {
		return nil, errors.New("ws transport: no client configured")
	}
	u := t.Client.LiveWebSocketURL(target, after)
	d := t.Dialer
	if d == nil {
		d = websocket.DefaultDialer
	}
	conn, _, err := d.DialContext(ctx, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "live websocket dial")
	}
	return &wsSource{conn: conn}, nil
}

type wsSource struct {
	conn *websocket.Conn
}

func (s *wsSource) Next() (protocol.Frame, error) {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return protocol.Frame{}, io.EOF
			}
			return protocol.Frame{}, errors.Wrap(err, "live websocket read")
		}
		var env wsEnvelope
		if err := json.Unmarshal(msg, &env); err != nil || (env.Event == "" && env.Data == "") {
			// Tolerate bare payloads without an envelope.
			env = wsEnvelope{Event: protocol.DefaultEvent, Data: string(msg)}
		}
		if strings.TrimSpace(env.Data) == "" {
			continue
		}
		if env.Event == "" {
			env.Event = protocol.DefaultEvent
		}
		if env.Seq > 0 {
			// Envelope-level sequence numbers win over a payload without
			// one, so resume bookkeeping never regresses to assigned seqs.
			var payload map[string]any
			if json.Unmarshal([]byte(env.Data), &payload) == nil && payload != nil {
				if _, ok := payload["seq"]; !ok {
					payload["seq"] = env.Seq
					if raw, err := json.Marshal(payload); err == nil {
						env.Data = string(raw)
					}
				}
			}
		}
		return protocol.Frame{Event: env.Event, Data: env.Data}, nil
	}
}

func (s *wsSource) Close() error {
	return s.conn.Close()
}

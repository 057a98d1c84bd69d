// Package client talks to the agent backend over HTTP: it opens the
// request-scoped turn stream, the live event stream, and the active-state
// recovery endpoint. The backend's internals are opaque; only its wire
// behavior is consumed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	chatPath        = "/api/chat"
	activeStatePath = "/api/turns/active"
	liveEventsPath  = "/api/events"
	liveEventsWS    = "/api/events/ws"
)

// StartTurnRequest is the body of a turn submission. ClientTurnID is the
// idempotency key minted before the request goes out.
type StartTurnRequest struct {
	Prompt       string `json:"prompt"`
	Agent        string `json:"agent,omitempty"`
	ClientTurnID string `json:"client_turn_id"`
	ThreadID     string `json:"thread_id,omitempty"`
	Surface      string `json:"surface,omitempty"`
}

// LiveTarget identifies one in-flight turn on the live channel.
type LiveTarget struct {
	ThreadID string
	TurnID   string
	Agent    string
}

// ActiveTurn describes the backend's view of an in-flight turn.
type ActiveTurn struct {
	ThreadID string `json:"thread_id"`
	TurnID   string `json:"turn_id"`
	Agent    string `json:"agent"`
}

// LastResult is the backend's terminal record for a finished turn.
// Status is one of ok, error, interrupted.
type LastResult struct {
	Status   string         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Response map[string]any `json:"response,omitempty"`
}

// ActiveState is the recovery endpoint payload.
type ActiveState struct {
	Current    *ActiveTurn `json:"current,omitempty"`
	LastResult *LastResult `json:"last_result,omitempty"`
}

// Client issues requests against one backend base URL. The zero timeout
// on the streaming client is deliberate; streams live until cancelled.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("client: empty base URL")
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 0},
	}, nil
}

// BaseURL returns the configured backend address.
func (c *Client) BaseURL() string {
	if c == nil {
		return ""
	}
	return c.baseURL
}

// StartTurn submits a prompt and returns the request-scoped frame stream.
// The caller owns the body and aborts it by cancelling ctx.
func (c *Client) StartTurn(ctx context.Context, req StartTurnRequest) (io.ReadCloser, error) {
	if c == nil {
		return nil, errors.New("client is nil")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("client: empty prompt")
	}
	if strings.TrimSpace(req.ClientTurnID) == "" {
		return nil, errors.New("client: missing client turn id")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "client: marshal turn request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "client: build turn request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")
	httpReq.Header.Set("Idempotency-Key", req.ClientTurnID)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "client: open turn stream")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Errorf("client: turn stream returned status %d", resp.StatusCode)
	}
	log.Debug().
		Str("component", "client").
		Str("client_turn_id", req.ClientTurnID).
		Msg("turn stream open")
	return resp.Body, nil
}

// OpenLiveStream opens the secondary event stream for one turn, resuming
// after the given sequence number when after > 0.
func (c *Client) OpenLiveStream(ctx context.Context, target LiveTarget, after int64) (io.ReadCloser, error) {
	if c == nil {
		return nil, errors.New("client is nil")
	}
	u := c.baseURL + liveEventsPath + "?" + liveQuery(target, after)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "client: build live request")
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "client: open live stream")
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Errorf("client: live stream returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// LiveWebSocketURL returns the ws:// or wss:// endpoint for the same
// target, for the WebSocket live transport.
func (c *Client) LiveWebSocketURL(target LiveTarget, after int64) string {
	if c == nil {
		return ""
	}
	u := c.baseURL + liveEventsWS + "?" + liveQuery(target, after)
	if strings.HasPrefix(u, "https://") {
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return "ws://" + strings.TrimPrefix(u, "http://")
}

// ActiveState polls the recovery endpoint for a client turn id.
func (c *Client) ActiveState(ctx context.Context, clientTurnID string) (*ActiveState, error) {
	if c == nil {
		return nil, errors.New("client is nil")
	}
	if strings.TrimSpace(clientTurnID) == "" {
		return nil, errors.New("client: missing client turn id")
	}
	u := c.baseURL + activeStatePath + "?client_turn_id=" + url.QueryEscape(clientTurnID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "client: build active-state request")
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "client: active-state request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("client: active-state returned status %d", resp.StatusCode)
	}
	var state ActiveState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, errors.Wrap(err, "client: decode active state")
	}
	return &state, nil
}

func liveQuery(target LiveTarget, after int64) string {
	q := url.Values{}
	q.Set("thread_id", target.ThreadID)
	q.Set("turn_id", target.TurnID)
	if target.Agent != "" {
		q.Set("agent", target.Agent)
	}
	if after > 0 {
		q.Set("after", strconv.FormatInt(after, 10))
	}
	return q.Encode()
}

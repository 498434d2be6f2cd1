// Package kmsrpc is the wire client for the KMS engine: JSON-RPC 2.0 over
// WebSocket with server-originated notifications for ICE candidates and
// endpoint lifecycle.
package kmsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/atyenoria/nkmedia/internal/backend"
	"github.com/atyenoria/nkmedia/internal/backend/kms"
	"github.com/atyenoria/nkmedia/internal/media"
)

type request struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      int64          `json:"id,omitempty"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// notification is the payload of onEvent frames.
type notification struct {
	Event     string           `json:"event"`
	SessionID string           `json:"session_id"`
	Candidate *media.Candidate `json:"candidate,omitempty"`
	Detail    map[string]any   `json:"detail,omitempty"`
}

// EventHandler receives engine notifications.
type EventHandler func(ev backend.EngineEvent)

// StateHandler observes connection liveness.
type StateHandler func(up bool)

// Client is one KMS connection.
type Client struct {
	ws      *websocket.Conn
	onEvent EventHandler
	onState StateHandler

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan response
	closed  bool
}

// Dial connects to the engine and starts the read pump.
func Dial(ctx context.Context, url string, onEvent EventHandler, onState StateHandler) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial kms: %w", err)
	}
	c := &Client{
		ws:      ws,
		onEvent: onEvent,
		onState: onState,
		pending: make(map[int64]chan response),
	}
	go c.readLoop()
	if onState != nil {
		onState(true)
	}
	return c, nil
}

func (c *Client) readLoop() {
	defer c.teardown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var res response
		if err := json.Unmarshal(data, &res); err != nil {
			continue
		}
		if res.Method == "onEvent" {
			var n notification
			if err := json.Unmarshal(res.Params, &n); err != nil {
				continue
			}
			if c.onEvent != nil {
				c.onEvent(backend.EngineEvent{
					Kind:      n.Event,
					SessionID: n.SessionID,
					Candidate: n.Candidate,
					Detail:    n.Detail,
				})
			}
			continue
		}
		c.mu.Lock()
		ch := c.pending[res.ID]
		delete(c.pending, res.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- res
		}
	}
}

func (c *Client) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.ws.Close()
	if c.onState != nil {
		c.onState(false)
	}
	slog.Warn("[KMSRPC] Connection lost")
}

// Close drops the connection.
func (c *Client) Close() {
	c.teardown()
}

func (c *Client) invoke(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("kms connection closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("kms connection closed")
		}
		if res.Error != nil {
			return nil, fmt.Errorf("kms: %s", res.Error.Message)
		}
		return res.Result, nil
	}
}

type sdpResult struct {
	SDP string `json:"sdp"`
}

func (c *Client) sdpCall(ctx context.Context, method string, params map[string]any) (media.Payload, error) {
	raw, err := c.invoke(ctx, method, params)
	if err != nil {
		return media.Payload{}, err
	}
	var res sdpResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return media.Payload{}, err
	}
	return media.Payload{SDP: res.SDP, SDPType: media.SDPTypeWebRTC, TrickleICE: true}, nil
}

// --- kms.Client ---

func (c *Client) CreateEndpoint(ctx context.Context, sessionID string) error {
	_, err := c.invoke(ctx, "createEndpoint", map[string]any{"session_id": sessionID})
	return err
}

func (c *Client) ProcessOffer(ctx context.Context, sessionID string, offer media.Payload) (media.Payload, error) {
	return c.sdpCall(ctx, "processOffer", map[string]any{
		"session_id": sessionID,
		"sdp":        offer.SDP,
	})
}

func (c *Client) GenerateOffer(ctx context.Context, sessionID string) (media.Payload, error) {
	return c.sdpCall(ctx, "generateOffer", map[string]any{"session_id": sessionID})
}

func (c *Client) ProcessAnswer(ctx context.Context, sessionID string, answer media.Payload) error {
	_, err := c.invoke(ctx, "processAnswer", map[string]any{
		"session_id": sessionID,
		"sdp":        answer.SDP,
	})
	return err
}

func (c *Client) AddCandidate(ctx context.Context, sessionID string, cand media.Candidate) error {
	_, err := c.invoke(ctx, "addIceCandidate", map[string]any{
		"session_id":    sessionID,
		"candidate":     cand.Candidate,
		"sdpMid":        cand.MID,
		"sdpMLineIndex": cand.MLineIdx,
	})
	return err
}

func (c *Client) Connect(ctx context.Context, sessionID, publisherID string) error {
	_, err := c.invoke(ctx, "connect", map[string]any{
		"session_id": sessionID,
		"source":     publisherID,
	})
	return err
}

func (c *Client) Release(ctx context.Context, sessionID string) error {
	_, err := c.invoke(ctx, "release", map[string]any{"session_id": sessionID})
	return err
}

var _ kms.Client = (*Client)(nil)

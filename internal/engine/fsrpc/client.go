// Package fsrpc is the wire client for the FS engine's control socket: a
// JSON command channel over WebSocket plus an event stream for channel
// notifications (parked, bridged, hangup, conference info).
package fsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/atyenoria/nkmedia/internal/backend"
	"github.com/atyenoria/nkmedia/internal/backend/fs"
	"github.com/atyenoria/nkmedia/internal/media"
)

// request is one command frame.
type request struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// response is the engine's reply frame.
type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// eventFrame is an unsolicited channel notification.
type eventFrame struct {
	Event     string         `json:"event"`
	SessionID string         `json:"session_id"`
	PeerID    string         `json:"peer_id,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// EventHandler receives engine events.
type EventHandler func(ev backend.EngineEvent)

// StateHandler observes connection liveness.
type StateHandler func(up bool)

// Client is one FS control connection.
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

// Dial connects to the engine control socket and starts the read pump.
func Dial(ctx context.Context, url string, onEvent EventHandler, onState StateHandler) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial fs control: %w", err)
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
		var ev eventFrame
		if err := json.Unmarshal(data, &ev); err == nil && ev.Event != "" {
			if c.onEvent != nil {
				c.onEvent(backend.EngineEvent{
					Kind:      ev.Event,
					SessionID: ev.SessionID,
					PeerID:    ev.PeerID,
					Detail:    ev.Detail,
				})
			}
			continue
		}
		var res response
		if err := json.Unmarshal(data, &res); err != nil || res.ID == 0 {
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
	slog.Warn("[FSRPC] Control connection lost")
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
		return nil, fmt.Errorf("fs control closed")
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.ws.WriteJSON(request{ID: id, Method: method, Params: params})
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
			return nil, fmt.Errorf("fs control closed")
		}
		if res.Error != "" {
			return nil, fmt.Errorf("fs: %s", res.Error)
		}
		return res.Result, nil
	}
}

// --- fs.Client ---

func (c *Client) Transfer(ctx context.Context, sessionID, dest string) error {
	_, err := c.invoke(ctx, "transfer", map[string]any{
		"session_id": sessionID,
		"dest":       dest,
	})
	return err
}

func (c *Client) Bridge(ctx context.Context, sessionID, peerID string) error {
	_, err := c.invoke(ctx, "bridge", map[string]any{
		"session_id": sessionID,
		"peer_id":    peerID,
	})
	return err
}

func (c *Client) ConfLayout(ctx context.Context, roomID, layout string) error {
	_, err := c.invoke(ctx, "conf_layout", map[string]any{
		"room_id": roomID,
		"layout":  layout,
	})
	return err
}

func (c *Client) Hangup(ctx context.Context, sessionID string) error {
	_, err := c.invoke(ctx, "hangup", map[string]any{
		"session_id": sessionID,
	})
	return err
}

var _ fs.Client = (*Client)(nil)

// --- fs.Module ---

// sdpResult is the engine's reply to start_in / start_out.
type sdpResult struct {
	SDP string `json:"sdp"`
}

// Module returns the signaling-module view for one SDP flavor: the
// engine's verto module answers webrtc SDP, its sip module answers rtp.
func (c *Client) Module(t media.SDPType) fs.Module {
	return &module{client: c, sdpType: t}
}

type module struct {
	client  *Client
	sdpType media.SDPType
}

func (m *module) method(op string) string {
	if m.sdpType == media.SDPTypeRTP {
		return "sip_" + op
	}
	return "verto_" + op
}

func (m *module) StartIn(ctx context.Context, sessionID string, offer media.Payload) (media.Payload, error) {
	raw, err := m.client.invoke(ctx, m.method("start_in"), map[string]any{
		"session_id": sessionID,
		"sdp":        offer.SDP,
	})
	if err != nil {
		return media.Payload{}, err
	}
	var res sdpResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return media.Payload{}, err
	}
	return media.Payload{SDP: res.SDP, SDPType: m.sdpType}, nil
}

func (m *module) StartOut(ctx context.Context, sessionID string) (media.Payload, error) {
	raw, err := m.client.invoke(ctx, m.method("start_out"), map[string]any{
		"session_id": sessionID,
	})
	if err != nil {
		return media.Payload{}, err
	}
	var res sdpResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return media.Payload{}, err
	}
	return media.Payload{SDP: res.SDP, SDPType: m.sdpType}, nil
}

var _ fs.Module = (*module)(nil)

// Package fs is the conferencing-engine adapter. Media operations are
// expressed as inline dialplan transfers ("park", "echo",
// "conference:ROOM@TYPE") followed by awaiting the engine's parked or
// bridged event; MCU layout changes run as online conference commands.
package fs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atyenoria/nkmedia/internal/backend"
	"github.com/atyenoria/nkmedia/internal/errcode"
	"github.com/atyenoria/nkmedia/internal/media"
)

// parkedWait bounds the wait for the engine to confirm a neutral media
// state before a new operation proceeds.
const parkedWait = 2 * time.Second

// DefaultRoomType is the conference profile used when the caller names a
// room without a type.
const DefaultRoomType = "video-mcu-stereo"

// Client is the engine command connection. The transport behind it (event
// socket, container RPC) lives outside the core.
type Client interface {
	// Transfer moves the channel through an inline dialplan extension.
	Transfer(ctx context.Context, sessionID, dest string) error

	// Bridge connects two existing channels on the engine.
	Bridge(ctx context.Context, sessionID, peerID string) error

	// ConfLayout applies a layout to a running conference.
	ConfLayout(ctx context.Context, roomID, layout string) error

	// Hangup drops the channel.
	Hangup(ctx context.Context, sessionID string) error
}

// Module is the engine-side signaling path used to push SDP in and out of
// the engine. The webrtc flavor goes through the engine's Verto module,
// the rtp flavor through its SIP module.
type Module interface {
	// StartIn answers an externally supplied offer and returns the
	// engine's SDP answer.
	StartIn(ctx context.Context, sessionID string, offer media.Payload) (media.Payload, error)

	// StartOut makes the engine generate an SDP offer.
	StartOut(ctx context.Context, sessionID string) (media.Payload, error)
}

// Config wires the adapter to one engine instance.
type Config struct {
	Name   string // engine instance name, defaults to "fs"
	Client Client
	WebRTC Module // offer/answer path for sdp_type webrtc
	RTP    Module // offer/answer path for sdp_type rtp
}

// Adapter implements backend.Adapter for the conferencing engine.
type Adapter struct {
	cfg Config
}

// New creates the adapter.
func New(cfg Config) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "fs"
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Supports(t backend.SessionType) bool {
	switch t {
	case backend.TypePark, backend.TypeEcho, backend.TypeMCU, backend.TypeBridge, backend.TypeCall:
		return true
	}
	return false
}

// AcceptsTrickle is false: the engine needs complete SDP, so trickle
// offers are held and aggregated before start.
func (a *Adapter) AcceptsTrickle() bool { return false }

func (a *Adapter) Init(s backend.Session) (backend.Instance, error) {
	return &instance{
		adapter:   a,
		session:   s,
		parkedCh:  make(chan struct{}, 1),
		bridgedCh: make(chan string, 1),
	}, nil
}

type instance struct {
	adapter *Adapter
	session backend.Session

	mu        sync.Mutex
	inBridge  bool
	waiting   string // "parked" or "bridged" while an op awaits the engine
	parkedCh  chan struct{}
	bridgedCh chan string
	stopped   bool
}

func (i *instance) client() Client { return i.adapter.cfg.Client }

func (i *instance) module(t media.SDPType) Module {
	if t == media.SDPTypeRTP {
		return i.adapter.cfg.RTP
	}
	return i.adapter.cfg.WebRTC
}

// Start sets up the channel (answering the offer or generating one) and
// drives it into the media state for the session type.
func (i *instance) Start(ctx context.Context, t backend.SessionType) (*backend.Result, error) {
	ops := &backend.ExtOps{}

	if offer := i.session.Offer(); offer != nil {
		answer, err := i.module(offer.SDPType).StartIn(ctx, i.session.ID(), *offer)
		if err != nil {
			return nil, errcode.Backend("fs_answer_error")
		}
		ops.Answer = &answer
	} else {
		sdpType := media.SDPTypeWebRTC
		if v, _ := i.session.TypeExt()["sdp_type"].(string); v != "" {
			sdpType = media.SDPType(v)
		}
		offer, err := i.module(sdpType).StartOut(ctx, i.session.ID())
		if err != nil {
			return nil, errcode.Backend("fs_start_error")
		}
		ops.Offer = &offer
	}

	if err := i.applyType(ctx, t, i.session.TypeExt(), ops); err != nil {
		return nil, err
	}
	return &backend.Result{Ops: ops}, nil
}

// applyType issues the transfer/bridge for the session type and waits for
// the engine confirmation.
func (i *instance) applyType(ctx context.Context, t backend.SessionType, ext map[string]any, ops *backend.ExtOps) error {
	switch t {
	case backend.TypePark, backend.TypeCall:
		if err := i.transferAndWait(ctx, "park", "parked"); err != nil {
			return err
		}
	case backend.TypeEcho:
		if err := i.transferAndWait(ctx, "echo", "parked"); err != nil {
			return err
		}
	case backend.TypeMCU:
		roomID, _ := ext["room_id"].(string)
		if roomID == "" {
			return errcode.Backend("fs_conference_error")
		}
		roomType, _ := ext["room_type"].(string)
		if roomType == "" {
			roomType = DefaultRoomType
		}
		dest := fmt.Sprintf("conference:%s@%s", roomID, roomType)
		if err := i.transferAndWait(ctx, dest, "parked"); err != nil {
			return err
		}
		if ops.TypeExt == nil {
			ops.TypeExt = map[string]any{}
		}
		ops.TypeExt["room_id"] = roomID
		ops.TypeExt["room_type"] = roomType
	case backend.TypeBridge:
		peerID, _ := ext["peer_id"].(string)
		if peerID == "" {
			return errcode.Backend("fs_peer_not_found")
		}
		if err := i.bridgeAndWait(ctx, peerID); err != nil {
			return err
		}
	default:
		return backend.ErrContinue
	}
	ops.Type = t
	return nil
}

func (i *instance) transferAndWait(ctx context.Context, dest, confirm string) error {
	i.mu.Lock()
	i.waiting = confirm
	i.inBridge = false
	drain(i.parkedCh)
	i.mu.Unlock()

	if err := i.client().Transfer(ctx, i.session.ID(), dest); err != nil {
		return errcode.Backend("fs_transfer_error")
	}

	timer := time.NewTimer(parkedWait)
	defer timer.Stop()
	select {
	case <-i.parkedCh:
		return nil
	case <-ctx.Done():
		return errcode.Backend("fs_park_timeout")
	case <-timer.C:
		return errcode.Backend("fs_park_timeout")
	}
}

func (i *instance) bridgeAndWait(ctx context.Context, peerID string) error {
	i.mu.Lock()
	i.waiting = "bridged"
	i.mu.Unlock()

	if err := i.client().Bridge(ctx, i.session.ID(), peerID); err != nil {
		return errcode.Backend("fs_bridge_error")
	}

	timer := time.NewTimer(parkedWait)
	defer timer.Stop()
	select {
	case <-i.bridgedCh:
		i.mu.Lock()
		i.inBridge = true
		i.mu.Unlock()
		return nil
	case <-ctx.Done():
		return errcode.Backend("fs_bridge_error")
	case <-timer.C:
		return errcode.Backend("fs_bridge_error")
	}
}

func (i *instance) SetOffer(ctx context.Context, offer *media.Payload) (*backend.Result, error) {
	answer, err := i.module(offer.SDPType).StartIn(ctx, i.session.ID(), *offer)
	if err != nil {
		return nil, errcode.Backend("fs_answer_error")
	}
	return &backend.Result{Ops: &backend.ExtOps{Answer: &answer}}, nil
}

// SetAnswer accepts the remote answer for an engine-generated offer. The
// engine side completed negotiation when the module delivered the offer;
// there is nothing to push back.
func (i *instance) SetAnswer(ctx context.Context, answer *media.Payload) (*backend.Result, error) {
	return &backend.Result{}, nil
}

func (i *instance) Update(ctx context.Context, kind backend.UpdateKind, opts map[string]any) (*backend.Result, error) {
	switch kind {
	case backend.UpdateSessionType:
		t, _ := opts["session_type"].(string)
		ops := &backend.ExtOps{}
		ext := i.session.TypeExt()
		for k, v := range opts {
			if k != "session_type" {
				if ext == nil {
					ext = map[string]any{}
				}
				ext[k] = v
			}
		}
		if backend.SessionType(t) == backend.TypeBridge {
			if ops.TypeExt == nil {
				ops.TypeExt = map[string]any{}
			}
			ops.TypeExt["park_after_bridge"] = true
		}
		if err := i.applyType(ctx, backend.SessionType(t), ext, ops); err != nil {
			return nil, err
		}
		return &backend.Result{Ops: ops}, nil
	case backend.UpdateMCULayout:
		layout, _ := opts["mcu_layout"].(string)
		roomID, _ := i.session.TypeExt()["room_id"].(string)
		if layout == "" || roomID == "" {
			return nil, errcode.Backend("fs_layout_unknown")
		}
		if err := i.client().ConfLayout(ctx, roomID, layout); err != nil {
			return nil, errcode.Backend("fs_conference_error")
		}
		ext := i.session.TypeExt()
		ext["mcu_layout"] = layout
		return &backend.Result{Ops: &backend.ExtOps{TypeExt: ext}}, nil
	default:
		return nil, backend.ErrContinue
	}
}

// Candidate passes every candidate down the chain: the adapter does not
// accept trickle, so the session folds candidates into the offer before
// start, and candidates arriving after that hold are not used.
func (i *instance) Candidate(ctx context.Context, c media.Candidate) error {
	return backend.ErrContinue
}

func (i *instance) Stop(ctx context.Context, reason string) {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return
	}
	i.stopped = true
	i.mu.Unlock()

	if err := i.client().Hangup(ctx, i.session.ID()); err != nil {
		slog.Debug("[FS] Hangup on stop failed", "session_id", i.session.ID(), "error", err)
	}
}

// HandleEngineEvent consumes asynchronous engine notifications. An
// unexpected park while bridged resets the session to park; a channel
// hangup is a hard failure that stops the session.
func (i *instance) HandleEngineEvent(ev backend.EngineEvent) {
	switch ev.Kind {
	case "parked":
		i.mu.Lock()
		waiting := i.waiting == "parked"
		if waiting {
			i.waiting = ""
		}
		inBridge := i.inBridge
		i.mu.Unlock()
		if waiting {
			signal(i.parkedCh)
			return
		}
		if inBridge {
			i.mu.Lock()
			i.inBridge = false
			i.mu.Unlock()
			i.session.ApplyOps(backend.ExtOps{Type: backend.TypePark, TypeExt: map[string]any{}})
		}
	case "bridged":
		i.mu.Lock()
		waiting := i.waiting == "bridged"
		if waiting {
			i.waiting = ""
		}
		i.mu.Unlock()
		if waiting {
			select {
			case i.bridgedCh <- ev.PeerID:
			default:
			}
		}
	case "hangup", "channel_stop":
		i.session.Stop("fs_channel_stop")
	case "mcu_info":
		ext := i.session.TypeExt()
		if ext == nil {
			ext = map[string]any{}
		}
		for k, v := range ev.Detail {
			ext[k] = v
		}
		i.session.ApplyOps(backend.ExtOps{TypeExt: ext})
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

var _ backend.Adapter = (*Adapter)(nil)

// Package kms is the WebRTC media-engine adapter. The engine is fully
// asynchronous: offers and answers can be generated at any time and ICE
// candidates stream in both directions. Client-side candidates are
// buffered by the session until the endpoint exists.
package kms

import (
	"context"
	"sync"

	"github.com/atyenoria/nkmedia/internal/backend"
	"github.com/atyenoria/nkmedia/internal/errcode"
	"github.com/atyenoria/nkmedia/internal/media"
)

// Client is the engine RPC connection (JSON-RPC over WebSocket behind an
// interface; the transport lives outside the core).
type Client interface {
	// CreateEndpoint allocates a WebRTC endpoint for the session.
	CreateEndpoint(ctx context.Context, sessionID string) error

	// ProcessOffer feeds the remote offer and returns the engine answer.
	ProcessOffer(ctx context.Context, sessionID string, offer media.Payload) (media.Payload, error)

	// GenerateOffer asks the engine for an SDP offer.
	GenerateOffer(ctx context.Context, sessionID string) (media.Payload, error)

	// ProcessAnswer completes negotiation for a generated offer.
	ProcessAnswer(ctx context.Context, sessionID string, answer media.Payload) error

	// AddCandidate streams one client candidate to the endpoint.
	AddCandidate(ctx context.Context, sessionID string, c media.Candidate) error

	// Connect subscribes the session's endpoint to a publisher endpoint.
	Connect(ctx context.Context, sessionID, publisherID string) error

	// Release frees the endpoint.
	Release(ctx context.Context, sessionID string) error
}

// Rooms tracks SFU membership for publish/listen sessions. Implemented by
// the room registry; nil disables membership tracking.
type Rooms interface {
	Join(service, roomID, sessionID, role string) error
	Leave(roomID, sessionID string)
	PublisherIn(roomID, publisherID string) bool
}

// Config wires the adapter to one engine instance.
type Config struct {
	Name   string // engine instance name, defaults to "kms"
	Client Client
	Rooms  Rooms
}

// Adapter implements backend.Adapter for the WebRTC engine.
type Adapter struct {
	cfg Config
}

// New creates the adapter.
func New(cfg Config) *Adapter {
	if cfg.Name == "" {
		cfg.Name = "kms"
	}
	return &Adapter{cfg: cfg}
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Supports(t backend.SessionType) bool {
	switch t {
	case backend.TypeProxy, backend.TypePublish, backend.TypeListen, backend.TypeEcho, backend.TypePark:
		return true
	}
	return false
}

// AcceptsTrickle is true: candidates stream to the endpoint as they come.
func (a *Adapter) AcceptsTrickle() bool { return true }

func (a *Adapter) Init(s backend.Session) (backend.Instance, error) {
	return &instance{adapter: a, session: s}, nil
}

type instance struct {
	adapter *Adapter
	session backend.Session

	mu      sync.Mutex
	roomID  string
	stopped bool
}

func (i *instance) client() Client { return i.adapter.cfg.Client }

func (i *instance) Start(ctx context.Context, t backend.SessionType) (*backend.Result, error) {
	if err := i.client().CreateEndpoint(ctx, i.session.ID()); err != nil {
		return nil, errcode.Backend("kms_endpoint_error")
	}

	ops := &backend.ExtOps{CandidateReady: true}

	if offer := i.session.Offer(); offer != nil {
		answer, err := i.client().ProcessOffer(ctx, i.session.ID(), *offer)
		if err != nil {
			return nil, errcode.Backend("kms_offer_error")
		}
		ops.Answer = &answer
	} else {
		offer, err := i.client().GenerateOffer(ctx, i.session.ID())
		if err != nil {
			return nil, errcode.Backend("kms_offer_error")
		}
		ops.Offer = &offer
	}

	switch t {
	case backend.TypePublish:
		if err := i.joinRoom(t); err != nil {
			return nil, err
		}
	case backend.TypeListen:
		if err := i.connectPublisher(ctx); err != nil {
			return nil, err
		}
	}

	ops.Type = t
	return &backend.Result{Ops: ops}, nil
}

func (i *instance) joinRoom(t backend.SessionType) error {
	rooms := i.adapter.cfg.Rooms
	if rooms == nil {
		return nil
	}
	roomID, _ := i.session.TypeExt()["room_id"].(string)
	if roomID == "" {
		return errcode.Backend("kms_room_error")
	}
	role := "publisher"
	if t == backend.TypeListen {
		role = "listener"
	}
	if err := rooms.Join(i.session.Service(), roomID, i.session.ID(), role); err != nil {
		return errcode.Backend("kms_room_error")
	}
	i.mu.Lock()
	i.roomID = roomID
	i.mu.Unlock()
	return nil
}

func (i *instance) connectPublisher(ctx context.Context) error {
	publisherID, _ := i.session.TypeExt()["publisher_id"].(string)
	if publisherID == "" {
		return errcode.Backend("kms_publisher_unknown")
	}
	if rooms := i.adapter.cfg.Rooms; rooms != nil {
		roomID, _ := i.session.TypeExt()["room_id"].(string)
		if roomID != "" && !rooms.PublisherIn(roomID, publisherID) {
			return errcode.Backend("kms_publisher_unknown")
		}
		if err := i.joinRoom(backend.TypeListen); err != nil {
			return err
		}
	}
	if err := i.client().Connect(ctx, i.session.ID(), publisherID); err != nil {
		return errcode.Backend("kms_connect_error")
	}
	return nil
}

func (i *instance) SetOffer(ctx context.Context, offer *media.Payload) (*backend.Result, error) {
	answer, err := i.client().ProcessOffer(ctx, i.session.ID(), *offer)
	if err != nil {
		return nil, errcode.Backend("kms_offer_error")
	}
	return &backend.Result{Ops: &backend.ExtOps{Answer: &answer, CandidateReady: true}}, nil
}

func (i *instance) SetAnswer(ctx context.Context, answer *media.Payload) (*backend.Result, error) {
	if err := i.client().ProcessAnswer(ctx, i.session.ID(), *answer); err != nil {
		return nil, errcode.Backend("kms_answer_error")
	}
	return &backend.Result{}, nil
}

// Update switches the stream a listener consumes (listen_switch), merges
// media options into type_ext (media), and passes anything else down the
// chain.
func (i *instance) Update(ctx context.Context, kind backend.UpdateKind, opts map[string]any) (*backend.Result, error) {
	switch kind {
	case backend.UpdateListenSwitch:
		publisherID, _ := opts["publisher_id"].(string)
		if publisherID == "" {
			return nil, errcode.Backend("kms_publisher_unknown")
		}
		if err := i.client().Connect(ctx, i.session.ID(), publisherID); err != nil {
			return nil, errcode.Backend("kms_connect_error")
		}
		ext := i.session.TypeExt()
		if ext == nil {
			ext = map[string]any{}
		}
		ext["publisher_id"] = publisherID
		return &backend.Result{Ops: &backend.ExtOps{TypeExt: ext}}, nil
	case backend.UpdateMedia:
		// Media constraint changes are applied engine-side; attributes
		// ride along in type_ext.
		ext := i.session.TypeExt()
		if ext == nil {
			ext = map[string]any{}
		}
		for k, v := range opts {
			ext[k] = v
		}
		return &backend.Result{Ops: &backend.ExtOps{TypeExt: ext}}, nil
	default:
		return nil, backend.ErrContinue
	}
}

func (i *instance) Candidate(ctx context.Context, c media.Candidate) error {
	if c.End {
		return nil
	}
	if err := i.client().AddCandidate(ctx, i.session.ID(), c); err != nil {
		return errcode.Backend("kms_candidate_error")
	}
	return nil
}

func (i *instance) Stop(ctx context.Context, reason string) {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return
	}
	i.stopped = true
	roomID := i.roomID
	i.mu.Unlock()

	if roomID != "" && i.adapter.cfg.Rooms != nil {
		i.adapter.cfg.Rooms.Leave(roomID, i.session.ID())
	}
	_ = i.client().Release(ctx, i.session.ID())
}

// HandleEngineEvent reacts to endpoint-level notifications. Remote
// candidates are surfaced by the session itself before reaching here.
func (i *instance) HandleEngineEvent(ev backend.EngineEvent) {
	switch ev.Kind {
	case "hangup", "endpoint_released":
		i.session.Stop("kms_session_lost")
	}
}

var _ backend.Adapter = (*Adapter)(nil)

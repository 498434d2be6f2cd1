// Package backend defines the contract between the session core and the
// media engines. Each engine (FS, KMS) ships an Adapter; the p2p adapter
// covers sessions with no media backend at all.
package backend

import (
	"context"
	"errors"

	"github.com/atyenoria/nkmedia/internal/media"
)

// SessionType enumerates the media operations a session can run.
type SessionType string

const (
	TypeP2P     SessionType = "p2p"
	TypeProxy   SessionType = "proxy"
	TypePark    SessionType = "park"
	TypeEcho    SessionType = "echo"
	TypeMCU     SessionType = "mcu"
	TypeBridge  SessionType = "bridge"
	TypePublish SessionType = "publish"
	TypeListen  SessionType = "listen"
	TypeCall    SessionType = "call"
)

// UpdateKind enumerates online session mutations.
type UpdateKind string

const (
	UpdateSessionType  UpdateKind = "session_type"
	UpdateMedia        UpdateKind = "media"
	UpdateMCULayout    UpdateKind = "mcu_layout"
	UpdateListenSwitch UpdateKind = "listen_switch"
)

// ErrContinue is the explicit pass variant: an adapter in the handler chain
// returns it to let the next handler take the operation.
var ErrContinue = errors.New("backend: continue")

// ExtOps is an adapter's request to mutate session attributes atomically
// with the operation's reply. The session applies ExtOps before emitting
// any outbound event.
type ExtOps struct {
	Offer   *media.Payload
	Answer  *media.Payload
	Type    SessionType
	TypeExt map[string]any

	// CandidateReady reports that the engine can now accept trickle
	// candidates; the session flushes its buffer in arrival order.
	CandidateReady bool
}

// Result is the successful outcome of an adapter operation.
type Result struct {
	Reply any
	Ops   *ExtOps
}

// EngineEvent is an asynchronous notification from a media engine about
// one session's channel.
type EngineEvent struct {
	Kind      string // "parked", "bridged", "hangup", "mcu_info", "candidate", "media_ready"
	SessionID string
	PeerID    string
	Candidate *media.Candidate
	Detail    map[string]any
}

// Session is the view of a media session an adapter instance operates on.
// Implemented by internal/session; kept narrow so backends never reach
// into session internals.
type Session interface {
	ID() string
	Service() string
	Type() SessionType
	TypeExt() map[string]any
	Offer() *media.Payload
	Answer() *media.Payload

	// ApplyOps mutates session attributes outside a synchronous adapter
	// reply (KMS generates offers and answers at any time).
	ApplyOps(ops ExtOps)

	// EmitCandidate surfaces a remote-side trickle candidate to the
	// session's observers.
	EmitCandidate(c media.Candidate)

	// Stop tears the session down with the given reason. Used for hard
	// engine failures (channel stop, disconnection).
	Stop(reason string)
}

// Adapter is a per-engine plugin. Init creates the per-session instance
// holding whatever engine-side state the session needs.
type Adapter interface {
	Name() string
	Supports(t SessionType) bool
	Init(s Session) (Instance, error)
}

// Instance runs one session's media operations against its engine. Methods
// that return an error may return ErrContinue to pass the operation down
// the handler chain.
type Instance interface {
	// Start launches media for the given type. For sessions created with
	// an external offer the instance answers it; otherwise it generates
	// an offer.
	Start(ctx context.Context, t SessionType) (*Result, error)

	SetOffer(ctx context.Context, offer *media.Payload) (*Result, error)
	SetAnswer(ctx context.Context, answer *media.Payload) (*Result, error)
	Update(ctx context.Context, kind UpdateKind, opts map[string]any) (*Result, error)

	// Candidate forwards one trickle candidate (or the end sentinel) to
	// the engine. Only called once the instance reported CandidateReady, or,
	// for an adapter that does not accept trickle, once the session's start
	// hold has folded the buffered candidates into the offer.
	Candidate(ctx context.Context, c media.Candidate) error

	// Stop releases engine resources. Idempotent.
	Stop(ctx context.Context, reason string)

	// HandleEngineEvent processes an asynchronous engine notification for
	// this session.
	HandleEngineEvent(ev EngineEvent)
}

// Chain iterates an ordered handler list until one produces a non-pass
// result. Used wherever the core composes pluggable callback modules.
func Chain[T any](handlers []func() (T, error)) (T, error) {
	var zero T
	var lastErr error = ErrContinue
	for _, h := range handlers {
		v, err := h()
		if !errors.Is(err, ErrContinue) {
			return v, err
		}
		lastErr = err
	}
	return zero, lastErr
}

package fabric

import (
	"fmt"
	"sync"
)

// Lifetime is the liveness handle attached to every Link. A subject that
// holds an observer entry watches the entry's lifetime; when the lifetime
// ends the registry notifies the subject so it can tear the relationship
// down from its side.
type Lifetime struct {
	mu    sync.Mutex
	done  chan struct{}
	ended bool
}

// NewLifetime returns a live lifetime handle.
func NewLifetime() *Lifetime {
	return &Lifetime{done: make(chan struct{})}
}

// End marks the lifetime as ended. Safe to call multiple times.
func (l *Lifetime) End() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ended {
		l.ended = true
		close(l.done)
	}
}

// Done returns a channel closed when the lifetime ends.
func (l *Lifetime) Done() <-chan struct{} {
	return l.done
}

// Alive reports whether the lifetime has not yet ended.
func (l *Lifetime) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.ended
}

// Link identifies one party of an observer relationship. The concrete
// variants below are the identity tokens the core recognizes.
type Link interface {
	// Key returns the registration key the link is stored under.
	// Keys are unique per subject; Add with an existing key updates that
	// entry's role and payload and keeps its original watch.
	Key() string

	// Class names the kind of party behind the link ("session", "call",
	// "sip_in", "sip_out", "verto", "api").
	Class() string

	// Lifetime returns the liveness handle for this link.
	Lifetime() *Lifetime
}

// EventSink is implemented by links that want lifecycle events delivered
// directly (fire-and-forget, non-blocking from the subject's view).
type EventSink interface {
	Deliver(ev any)
}

// SessionLink identifies a media session.
type SessionLink struct {
	ID   string
	Life *Lifetime
}

func (l SessionLink) Key() string         { return "session:" + l.ID }
func (l SessionLink) Class() string       { return "session" }
func (l SessionLink) Lifetime() *Lifetime { return l.Life }

// CallLink identifies an invite coordinator.
type CallLink struct {
	ID   string
	Life *Lifetime
}

func (l CallLink) Key() string         { return "call:" + l.ID }
func (l CallLink) Class() string       { return "call" }
func (l CallLink) Lifetime() *Lifetime { return l.Life }

// SIPInLink identifies an inbound SIP transaction plus its dialog.
// The request handle is the registration key; CANCEL and BYE both find
// the leg through the dialog handle (the SIP Call-ID).
type SIPInLink struct {
	ReqHandle    string
	DialogHandle string
	Life         *Lifetime
}

func (l SIPInLink) Key() string         { return "sip_in:" + l.ReqHandle }
func (l SIPInLink) Class() string       { return "sip_in" }
func (l SIPInLink) Lifetime() *Lifetime { return l.Life }

// SIPOutLink identifies an outbound SIP leg by destination URI.
type SIPOutLink struct {
	DestURI string
	Life    *Lifetime
}

func (l SIPOutLink) Key() string         { return "sip_out:" + l.DestURI }
func (l SIPOutLink) Class() string       { return "sip_out" }
func (l SIPOutLink) Lifetime() *Lifetime { return l.Life }

// VertoLink identifies a Verto endpoint call. CallID is chosen by the
// endpoint and preserved by the core for responses.
type VertoLink struct {
	ConnID string
	CallID string
	Life   *Lifetime
	Sink   func(ev any)
}

func (l VertoLink) Key() string         { return fmt.Sprintf("verto:%s:%s", l.ConnID, l.CallID) }
func (l VertoLink) Class() string       { return "verto" }
func (l VertoLink) Lifetime() *Lifetime { return l.Life }

func (l VertoLink) Deliver(ev any) {
	if l.Sink != nil {
		l.Sink(ev)
	}
}

// APILink identifies an external API client session.
type APILink struct {
	ClientID string
	Life     *Lifetime
	Sink     func(ev any)
}

func (l APILink) Key() string         { return "api:" + l.ClientID }
func (l APILink) Class() string       { return "api" }
func (l APILink) Lifetime() *Lifetime { return l.Life }

func (l APILink) Deliver(ev any) {
	if l.Sink != nil {
		l.Sink(ev)
	}
}

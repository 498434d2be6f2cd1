// Package p2p is the backend-less adapter: both offer and answer come from
// signaling peers and the core simply forwards them.
package p2p

import (
	"context"

	"github.com/atyenoria/nkmedia/internal/backend"
	"github.com/atyenoria/nkmedia/internal/errcode"
	"github.com/atyenoria/nkmedia/internal/media"
)

// Adapter implements backend.Adapter for sessions with no media engine.
type Adapter struct{}

// New creates the p2p adapter.
func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return "p2p" }

func (a *Adapter) Supports(t backend.SessionType) bool {
	// Type call falls back to pure signaling forwarding when no engine
	// claims it: the answer arrives from the winning out-leg.
	return t == backend.TypeP2P || t == backend.TypeCall
}

// AcceptsTrickle is true: candidates relay to the remote peer untouched.
func (a *Adapter) AcceptsTrickle() bool { return true }

func (a *Adapter) Init(s backend.Session) (backend.Instance, error) {
	return &instance{session: s}, nil
}

type instance struct {
	session backend.Session
}

// Start does no media work; the answer must arrive from the remote
// signaling peer. Candidates can relay immediately.
func (i *instance) Start(ctx context.Context, t backend.SessionType) (*backend.Result, error) {
	return &backend.Result{Ops: &backend.ExtOps{CandidateReady: true}}, nil
}

func (i *instance) SetOffer(ctx context.Context, offer *media.Payload) (*backend.Result, error) {
	return &backend.Result{}, nil
}

func (i *instance) SetAnswer(ctx context.Context, answer *media.Payload) (*backend.Result, error) {
	return &backend.Result{}, nil
}

func (i *instance) Update(ctx context.Context, kind backend.UpdateKind, opts map[string]any) (*backend.Result, error) {
	return nil, errcode.New(errcode.KindSessionError)
}

func (i *instance) Candidate(ctx context.Context, c media.Candidate) error {
	i.session.EmitCandidate(c)
	return nil
}

func (i *instance) Stop(ctx context.Context, reason string) {}

func (i *instance) HandleEngineEvent(ev backend.EngineEvent) {}

var _ backend.Adapter = (*Adapter)(nil)

// Package session implements the per-leg media state machine. A session
// owns exactly one SDP offer/answer pair, one backend operation, and the
// set of observers it must notify on every transition.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/atyenoria/nkmedia/internal/backend"
	"github.com/atyenoria/nkmedia/internal/errcode"
	"github.com/atyenoria/nkmedia/internal/event"
	"github.com/atyenoria/nkmedia/internal/fabric"
	"github.com/atyenoria/nkmedia/internal/media"
)

const (
	// DefaultWaitTimeout bounds how long a session may sit without an offer.
	DefaultWaitTimeout = 60 * time.Second
	// DefaultReadyTimeout bounds how long a session may wait for an answer.
	DefaultReadyTimeout = 180 * time.Second
	// stopGrace is the delivery window between the final stop event and
	// the terminal state.
	stopGrace = 100 * time.Millisecond
	// trickleWait bounds the hold on a trickle offer before start resumes
	// with whatever candidates arrived.
	trickleWait = 3 * time.Second
	// opTimeout bounds every synchronous backend operation.
	opTimeout = 5 * time.Second
)

// ErrNotYet is returned by the blocking getters when the timeout elapses
// before the value exists.
var ErrNotYet = errors.New("session: not yet")

// Config parameterizes session start.
type Config struct {
	Service string
	Type    backend.SessionType
	TypeExt map[string]any

	// Backend selects the engine adapter by name; empty picks the default
	// for the session type.
	Backend string

	// Offer, when present, makes this an answering session.
	Offer *media.Payload

	// Register adds an initial observer before any event is emitted.
	Register     fabric.Link
	RegisterRole string

	// MasterPeer links this session (type call) to the session that must
	// receive its answer.
	MasterPeer string

	// Peer carries the peer session id for type bridge/listen starts.
	Peer string

	WaitTimeout  time.Duration
	ReadyTimeout time.Duration
}

// Session is one media leg. All exported methods are safe for concurrent
// use; state mutations serialize through the session's mutex.
type Session struct {
	id      string
	service string
	mgr     *Manager

	mu      sync.Mutex
	state   State
	typ     backend.SessionType
	typeExt map[string]any

	adapter backend.Adapter
	inst    backend.Instance

	offer    *media.Payload
	answer   *media.Payload
	offerCh  chan struct{}
	answerCh chan struct{}

	candidates []media.Candidate
	candReady  bool
	candEnd    bool
	candEndCh  chan struct{}

	masterPeer string
	slavePeer  string
	unsubPeer  func()

	life       *fabric.Lifetime
	done       chan struct{}
	stopReason string

	waitTimer  *time.Timer
	readyTimer *time.Timer
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Service returns the logical tenant the session belongs to.
func (s *Session) Service() string { return s.service }

// Type returns the current session type.
func (s *Session) Type() backend.SessionType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typ
}

// TypeExt returns a copy of the type-specific attributes.
func (s *Session) TypeExt() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyExt(s.typeExt)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Link returns the identity token other entities register to observe this
// session; its lifetime ends when the session stops.
func (s *Session) Link() fabric.SessionLink {
	return fabric.SessionLink{ID: s.id, Life: s.life}
}

// Offer returns the current offer, nil if unset.
func (s *Session) Offer() *media.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offer
}

// Answer returns the current answer, nil if unset.
func (s *Session) Answer() *media.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer
}

// GetOffer blocks until the offer exists or the timeout elapses.
func (s *Session) GetOffer(timeout time.Duration) (*media.Payload, error) {
	return s.await(s.offerCh, timeout, func() *media.Payload { return s.offer })
}

// GetAnswer blocks until the answer exists or the timeout elapses.
func (s *Session) GetAnswer(timeout time.Duration) (*media.Payload, error) {
	return s.await(s.answerCh, timeout, func() *media.Payload { return s.answer })
}

func (s *Session) await(ch chan struct{}, timeout time.Duration, get func() *media.Payload) (*media.Payload, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		return get(), nil
	case <-s.done:
		return nil, errcode.New(errcode.KindSessionError)
	case <-timer.C:
		return nil, ErrNotYet
	}
}

// Info is the queryable snapshot returned to API clients.
type Info struct {
	ID         string              `json:"session_id"`
	Service    string              `json:"srv_id"`
	Type       backend.SessionType `json:"type"`
	TypeExt    map[string]any      `json:"type_ext,omitempty"`
	Backend    string              `json:"backend,omitempty"`
	State      string              `json:"state"`
	HasOffer   bool                `json:"has_offer"`
	HasAnswer  bool                `json:"has_answer"`
	MasterPeer string              `json:"master_peer,omitempty"`
	SlavePeer  string              `json:"slave_peer,omitempty"`
}

// GetInfo returns the session snapshot.
func (s *Session) GetInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := ""
	if s.adapter != nil {
		name = s.adapter.Name()
	}
	return Info{
		ID:         s.id,
		Service:    s.service,
		Type:       s.typ,
		TypeExt:    copyExt(s.typeExt),
		Backend:    name,
		State:      s.state.String(),
		HasOffer:   s.offer != nil,
		HasAnswer:  s.answer != nil,
		MasterPeer: s.masterPeer,
		SlavePeer:  s.slavePeer,
	}
}

// --- Offer / answer ---

// SetOffer installs an externally supplied offer. Only valid while the
// session is waiting for one.
func (s *Session) SetOffer(offer *media.Payload) error {
	s.mu.Lock()
	if s.state.IsTerminal() || s.state == StateStopping {
		s.mu.Unlock()
		return errcode.New(errcode.KindSessionError)
	}
	if s.offer != nil {
		s.mu.Unlock()
		return errcode.New(errcode.KindSessionError)
	}
	inst := s.inst
	s.mu.Unlock()

	if inst != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		res, err := inst.SetOffer(ctx, offer)
		if err != nil && !errors.Is(err, backend.ErrContinue) {
			return err
		}
		if res != nil && res.Ops != nil {
			s.ApplyOps(*res.Ops)
		}
	}

	s.setOffer(offer)
	return nil
}

func (s *Session) setOffer(offer *media.Payload) {
	s.mu.Lock()
	if s.offer != nil {
		s.mu.Unlock()
		return
	}
	s.offer = offer
	if s.state == StateNew || s.state == StateWaitOffer {
		s.state = StateWaitAnswer
	}
	if s.waitTimer != nil {
		s.waitTimer.Stop()
	}
	close(s.offerCh)
	s.mu.Unlock()
}

// SetAnswer installs the remote answer. A duplicate answer is rejected with
// already_answered; the session is not stopped.
func (s *Session) SetAnswer(answer *media.Payload) error {
	s.mu.Lock()
	if s.state.IsTerminal() || s.state == StateStopping {
		s.mu.Unlock()
		return errcode.New(errcode.KindSessionError)
	}
	if s.answer != nil {
		s.mu.Unlock()
		return errcode.New(errcode.KindAlreadyAnswered)
	}
	if s.offer == nil {
		s.mu.Unlock()
		return errcode.New(errcode.KindSessionError)
	}
	inst := s.inst
	s.mu.Unlock()

	if inst != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		res, err := inst.SetAnswer(ctx, answer)
		if err != nil && !errors.Is(err, backend.ErrContinue) {
			s.Stop(backendReason(err))
			return err
		}
		if res != nil && res.Ops != nil {
			if res.Ops.Answer != nil {
				answer = res.Ops.Answer
			}
			ops := *res.Ops
			ops.Answer = nil
			s.ApplyOps(ops)
		}
	}

	s.setAnswer(answer)
	return nil
}

// setAnswer records the answer, emits the single answer event, and moves
// the session to ready. Propagates to the master peer for type call.
func (s *Session) setAnswer(answer *media.Payload) {
	s.mu.Lock()
	if s.answer != nil || s.state.IsTerminal() || s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	s.answer = answer
	s.state = StateReady
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	master := s.masterPeer
	close(s.answerCh)
	s.mu.Unlock()

	s.emit(event.TagAnswer, map[string]any{"answer": answer})

	if master != "" {
		if peer, err := s.mgr.Get(master); err == nil {
			if err := peer.SetAnswer(answer); err != nil && !errcode.Is(err, errcode.KindAlreadyAnswered) {
				slog.Warn("[Session] Master answer propagation failed",
					"session_id", s.id,
					"master_peer", master,
					"error", err,
				)
			}
		}
	}
}

// --- Update ---

// Update transitions the backend operation online. Failures return to the
// caller; the session is not stopped.
func (s *Session) Update(kind backend.UpdateKind, opts map[string]any) error {
	s.mu.Lock()
	if s.state.IsTerminal() || s.state == StateStopping {
		s.mu.Unlock()
		return errcode.New(errcode.KindSessionError)
	}
	inst := s.inst
	s.mu.Unlock()

	if inst == nil {
		return errcode.New(errcode.KindSessionError)
	}

	if kind == backend.UpdateSessionType {
		if t, _ := opts["session_type"].(string); t == string(backend.TypeBridge) {
			return s.updateBridge(opts)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	res, err := inst.Update(ctx, kind, opts)
	if errors.Is(err, backend.ErrContinue) {
		return errcode.New(errcode.KindUnknownCommand)
	}
	if err != nil {
		return err
	}
	if res != nil && res.Ops != nil {
		s.ApplyOps(*res.Ops)
	}
	return nil
}

// updateBridge connects this leg to an existing peer session. The caller
// leg owns the bridge lifecycle; the peer side is an observer only.
func (s *Session) updateBridge(opts map[string]any) error {
	peerID, _ := opts["peer_id"].(string)
	if peerID == "" || peerID == s.id {
		return errcode.New(errcode.KindSessionError)
	}
	peer, err := s.mgr.Get(peerID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	res, err := s.inst.Update(ctx, backend.UpdateSessionType, opts)
	if err != nil && !errors.Is(err, backend.ErrContinue) {
		return err
	}
	if res != nil && res.Ops != nil {
		s.ApplyOps(*res.Ops)
	}

	s.mu.Lock()
	s.slavePeer = peerID
	s.mu.Unlock()
	s.applyBridge(peerID)
	peer.peerBridged(s.id)
	return nil
}

// peerBridged is the passive side of bridge setup: record the master link
// and surface the type change.
func (s *Session) peerBridged(peerID string) {
	s.mu.Lock()
	s.masterPeer = peerID
	s.mu.Unlock()
	s.applyBridge(peerID)
}

func (s *Session) applyBridge(peerID string) {
	s.ApplyOps(backend.ExtOps{
		Type: backend.TypeBridge,
		TypeExt: map[string]any{
			"peer_id":           peerID,
			"park_after_bridge": true,
		},
	})
	s.watchBridgePeer(peerID)
}

// watchBridgePeer subscribes to the peer's stop; the surviving leg resets
// to park.
func (s *Session) watchBridgePeer(peerID string) {
	unsub := s.mgr.bus.Subscribe(s.service, event.SubclassSession, peerID, func(ev event.Event) {
		if ev.Tag == event.TagStop {
			s.revertToPark()
		}
	}, nil)
	s.mu.Lock()
	if s.unsubPeer != nil {
		s.unsubPeer()
	}
	s.unsubPeer = unsub
	s.mu.Unlock()
}

// revertToPark returns a bridged leg to the neutral park state. Invoked
// when the bridge peer stops or the engine reports an unexpected park.
func (s *Session) revertToPark() {
	s.mu.Lock()
	if s.typ != backend.TypeBridge || s.state.IsTerminal() || s.state == StateStopping {
		s.mu.Unlock()
		return
	}
	if s.unsubPeer != nil {
		s.unsubPeer()
		s.unsubPeer = nil
	}
	s.masterPeer = ""
	s.slavePeer = ""
	inst := s.inst
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	res, err := inst.Update(ctx, backend.UpdateSessionType, map[string]any{
		"session_type": string(backend.TypePark),
	})
	if err != nil && !errors.Is(err, backend.ErrContinue) {
		slog.Warn("[Session] Park revert failed", "session_id", s.id, "error", err)
		return
	}
	ops := backend.ExtOps{Type: backend.TypePark, TypeExt: map[string]any{}}
	if res != nil && res.Ops != nil && res.Ops.Type != "" {
		ops = *res.Ops
	}
	s.ApplyOps(ops)
}

// --- Candidates ---

// Candidate buffers or forwards one trickle-ICE candidate. The end
// sentinel is idempotent.
func (s *Session) Candidate(c media.Candidate) error {
	s.mu.Lock()
	if s.state.IsTerminal() || s.state == StateStopping {
		s.mu.Unlock()
		return errcode.New(errcode.KindSessionError)
	}
	if c.End {
		if s.candEnd {
			s.mu.Unlock()
			return nil
		}
		s.candEnd = true
		close(s.candEndCh)
	}
	if !s.candReady {
		s.candidates = append(s.candidates, c)
		s.mu.Unlock()
		return nil
	}
	inst := s.inst
	s.mu.Unlock()

	if inst == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	return inst.Candidate(ctx, c)
}

// flushCandidates forwards the buffer in arrival order once the backend
// reports readiness.
func (s *Session) flushCandidates() {
	s.mu.Lock()
	if s.candReady {
		s.mu.Unlock()
		return
	}
	s.candReady = true
	buffered := s.candidates
	s.candidates = nil
	inst := s.inst
	s.mu.Unlock()

	if inst == nil {
		return
	}
	for _, c := range buffered {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if err := inst.Candidate(ctx, c); err != nil && !errors.Is(err, backend.ErrContinue) {
			slog.Warn("[Session] Buffered candidate rejected", "session_id", s.id, "error", err)
		}
		cancel()
	}
}

// --- Observers ---

// Register adds an observer under the given role (empty role uses the link
// class). Delegates to the fabric.
func (s *Session) Register(role string, link fabric.Link, payload any) {
	s.mgr.registry.Add(s.id, role, link, payload)
}

// Unregister removes an observer by key.
func (s *Session) Unregister(key string) {
	s.mgr.registry.Remove(s.id, key)
}

func (s *Session) observerDown(entry fabric.Entry) {
	reason := ReasonRegisteredStop
	switch entry.Role {
	case "callee":
		reason = ReasonCalleeStop
	case "master_peer":
		reason = ReasonMasterPeerStop
	default:
		if entry.Link.Class() == "session" {
			reason = ReasonSessionStop
		}
	}
	s.Stop(reason)
}

// --- Backend plumbing ---

// ApplyOps applies an adapter's attribute mutations atomically and emits
// updated_type when the type changed. Satisfies backend.Session.
func (s *Session) ApplyOps(ops backend.ExtOps) {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	typeChanged := false
	if ops.Type != "" && ops.Type != s.typ {
		if s.typ == backend.TypeBridge {
			// Leaving bridge dissolves the pair links.
			s.masterPeer = ""
			s.slavePeer = ""
			if s.unsubPeer != nil {
				s.unsubPeer()
				s.unsubPeer = nil
			}
		}
		s.typ = ops.Type
		typeChanged = true
	}
	if ops.TypeExt != nil {
		s.typeExt = copyExt(ops.TypeExt)
	}
	typ := s.typ
	ext := copyExt(s.typeExt)
	s.mu.Unlock()

	if ops.Offer != nil {
		s.setOffer(ops.Offer)
	}
	if ops.Answer != nil {
		s.setAnswer(ops.Answer)
	}
	if ops.CandidateReady {
		s.flushCandidates()
	}
	if typeChanged {
		s.emit(event.TagUpdatedType, map[string]any{"type": typ, "type_ext": ext})
	}
}

// EmitCandidate surfaces a remote-side trickle candidate to observers.
// Satisfies backend.Session.
func (s *Session) EmitCandidate(c media.Candidate) {
	s.emit(event.TagCandidate, map[string]any{"candidate": c})
}

// HandleEngineEvent routes an asynchronous engine notification into the
// session's adapter instance.
func (s *Session) HandleEngineEvent(ev backend.EngineEvent) {
	s.mu.Lock()
	inst := s.inst
	terminal := s.state.IsTerminal()
	s.mu.Unlock()
	if inst == nil || terminal {
		return
	}
	if ev.Kind == "candidate" && ev.Candidate != nil {
		s.emit(event.TagCandidate, map[string]any{"candidate": ev.Candidate})
	}
	inst.HandleEngineEvent(ev)
}

// --- Stop ---

// Stop tears the session down. Idempotent: exactly one stop event is
// emitted, then the terminal state follows after the delivery grace.
func (s *Session) Stop(reason string) {
	s.mu.Lock()
	if s.state == StateStopping || s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.stopReason = reason
	if s.waitTimer != nil {
		s.waitTimer.Stop()
	}
	if s.readyTimer != nil {
		s.readyTimer.Stop()
	}
	if s.unsubPeer != nil {
		s.unsubPeer()
		s.unsubPeer = nil
	}
	inst := s.inst
	s.mu.Unlock()

	slog.Info("[Session] Stopping", "session_id", s.id, "reason", reason)

	if inst != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		inst.Stop(ctx, reason)
		cancel()
	}

	// The stop event doubles as the non-blocking bridge_stop cast: a
	// bridged peer watches this session's stop topic and reverts to park.
	s.emit(event.TagStop, map[string]any{"reason": reason})

	time.AfterFunc(stopGrace, s.finalize)
}

func (s *Session) finalize() {
	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.mu.Unlock()

	close(s.done)
	s.life.End()
	s.mgr.registry.DropSubject(s.id)
	s.mgr.remove(s.id)
}

// Done returns a channel closed when the session reaches its terminal
// state.
func (s *Session) Done() <-chan struct{} { return s.done }

// StopReason returns the reason of the stop event, empty while running.
func (s *Session) StopReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopReason
}

func (s *Session) emit(tag event.Tag, payload map[string]any) {
	s.mgr.bus.Publish(event.Event{
		Service:  s.service,
		Subclass: event.SubclassSession,
		ObjID:    s.id,
		Tag:      tag,
		Payload:  payload,
	})
}

func backendReason(err error) string {
	if k := errcode.KindOf(err); k == errcode.KindBackendError {
		return err.Error()
	}
	return string(errcode.KindBackendError)
}

func copyExt(ext map[string]any) map[string]any {
	if ext == nil {
		return nil
	}
	out := make(map[string]any, len(ext))
	for k, v := range ext {
		out[k] = v
	}
	return out
}

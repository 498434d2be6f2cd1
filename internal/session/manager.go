package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atyenoria/nkmedia/internal/backend"
	"github.com/atyenoria/nkmedia/internal/errcode"
	"github.com/atyenoria/nkmedia/internal/event"
	"github.com/atyenoria/nkmedia/internal/fabric"
	"github.com/atyenoria/nkmedia/internal/media"
)

// Stats receives session lifecycle counters. Implemented by the metrics
// package; nil disables accounting.
type Stats interface {
	SessionStarted(service string, t backend.SessionType)
	SessionStopped(service string, t backend.SessionType, reason string)
}

// Manager owns the session registry and backend adapter selection.
type Manager struct {
	registry *fabric.Registry
	bus      *event.Bus
	adapters []backend.Adapter
	stats    Stats

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. Adapters are consulted in order;
// the first one supporting the session type wins (the explicit backend
// name takes precedence).
func NewManager(registry *fabric.Registry, bus *event.Bus, stats Stats, adapters ...backend.Adapter) *Manager {
	return &Manager{
		registry: registry,
		bus:      bus,
		adapters: adapters,
		stats:    stats,
		sessions: make(map[string]*Session),
	}
}

// SetAdapters replaces the adapter list. Used by the composition root
// when adapters depend on components built after the manager.
func (m *Manager) SetAdapters(adapters ...backend.Adapter) {
	m.adapters = adapters
}

// Bus exposes the event bus for collaborators wired through the manager.
func (m *Manager) Bus() *event.Bus { return m.bus }

// Registry exposes the observer fabric.
func (m *Manager) Registry() *fabric.Registry { return m.registry }

// Start creates a session per the config, runs backend setup, and returns
// the live session. If an offer was supplied and the backend can answer,
// the answer event is emitted before Start returns.
func (m *Manager) Start(cfg Config) (*Session, error) {
	if cfg.Type == "" {
		return nil, errcode.New(errcode.KindSessionError)
	}

	adapter := m.pickAdapter(cfg)
	if adapter == nil {
		return nil, errcode.New(errcode.KindSessionError)
	}

	s := &Session{
		id:         uuid.New().String(),
		service:    cfg.Service,
		mgr:        m,
		state:      StateNew,
		typ:        cfg.Type,
		typeExt:    copyExt(cfg.TypeExt),
		adapter:    adapter,
		masterPeer: cfg.MasterPeer,
		offerCh:    make(chan struct{}),
		answerCh:   make(chan struct{}),
		candEndCh:  make(chan struct{}),
		life:       fabric.NewLifetime(),
		done:       make(chan struct{}),
	}
	if cfg.Peer != "" {
		if s.typeExt == nil {
			s.typeExt = map[string]any{}
		}
		s.typeExt["peer_id"] = cfg.Peer
	}

	inst, err := adapter.Init(s)
	if err != nil {
		return nil, err
	}
	s.inst = inst

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.registry.OnDown(s.id, func(subject string, entry fabric.Entry) {
		s.observerDown(entry)
	})
	if cfg.Register != nil {
		m.registry.Add(s.id, cfg.RegisterRole, cfg.Register, nil)
	}
	if cfg.MasterPeer != "" {
		if master, err := m.Get(cfg.MasterPeer); err == nil {
			m.registry.Add(s.id, "master_peer", master.Link(), nil)
		}
	}

	m.armTimers(s, cfg)

	if m.stats != nil {
		m.stats.SessionStarted(s.service, cfg.Type)
	}

	if err := m.startMedia(s, cfg, adapter); err != nil {
		s.Stop(backendReason(err))
		return nil, err
	}

	slog.Info("[Session] Started",
		"session_id", s.id,
		"service", s.service,
		"type", cfg.Type,
		"backend", adapter.Name(),
	)
	return s, nil
}

func (m *Manager) armTimers(s *Session, cfg Config) {
	wait := cfg.WaitTimeout
	if wait <= 0 {
		wait = DefaultWaitTimeout
	}
	ready := cfg.ReadyTimeout
	if ready <= 0 {
		ready = DefaultReadyTimeout
	}
	s.mu.Lock()
	s.waitTimer = time.AfterFunc(wait, func() {
		if s.Offer() == nil {
			s.Stop(ReasonTimeout)
		}
	})
	s.readyTimer = time.AfterFunc(ready, func() {
		if s.Answer() == nil {
			s.Stop(ReasonTimeout)
		}
	})
	s.mu.Unlock()
}

// startMedia runs the backend start path. A trickle offer against an
// engine that needs complete SDP holds the start until end-of-candidates
// or the bounded deadline, then resumes with the aggregated SDP.
func (m *Manager) startMedia(s *Session, cfg Config, adapter backend.Adapter) error {
	offer := cfg.Offer
	if offer != nil && offer.TrickleICE && !acceptsTrickle(adapter) {
		offer = m.holdForCandidates(s, offer)
	}
	if offer != nil {
		s.setOffer(offer)
	} else {
		s.mu.Lock()
		s.state = StateWaitOffer
		s.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	res, err := s.inst.Start(ctx, cfg.Type)
	if err != nil && !errors.Is(err, backend.ErrContinue) {
		return err
	}
	if res != nil && res.Ops != nil {
		s.ApplyOps(*res.Ops)
	}
	return nil
}

// holdForCandidates buffers client candidates until the sentinel arrives
// or the deadline elapses, then folds them into the offer.
func (m *Manager) holdForCandidates(s *Session, offer *media.Payload) *media.Payload {
	timer := time.NewTimer(trickleWait)
	defer timer.Stop()
	select {
	case <-s.candEndCh:
	case <-timer.C:
		slog.Debug("[Session] Trickle hold deadline elapsed", "session_id", s.id)
	}

	s.mu.Lock()
	buffered := s.candidates
	s.candidates = nil
	s.candReady = true // engine receives complete SDP, nothing left to flush
	s.mu.Unlock()

	agg, err := media.Aggregate(*offer, buffered)
	if err != nil {
		slog.Warn("[Session] Candidate aggregation failed", "session_id", s.id, "error", err)
		return offer
	}
	return &agg
}

func (m *Manager) pickAdapter(cfg Config) backend.Adapter {
	if cfg.Backend != "" {
		for _, a := range m.adapters {
			if a.Name() == cfg.Backend && a.Supports(cfg.Type) {
				return a
			}
		}
		return nil
	}
	for _, a := range m.adapters {
		if a.Supports(cfg.Type) {
			return a
		}
	}
	return nil
}

func acceptsTrickle(a backend.Adapter) bool {
	t, ok := a.(interface{ AcceptsTrickle() bool })
	return ok && t.AcceptsTrickle()
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errcode.New(errcode.KindSessionNotFound)
	}
	return s, nil
}

// List returns the ids of live sessions, scoped to a service when given.
func (m *Manager) List(service string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for id, s := range m.sessions {
		if service == "" || s.service == service {
			out = append(out, id)
		}
	}
	return out
}

// DispatchEngineEvent routes an engine notification to its session.
func (m *Manager) DispatchEngineEvent(ev backend.EngineEvent) {
	s, err := m.Get(ev.SessionID)
	if err != nil {
		slog.Debug("[Session] Engine event for unknown session", "session_id", ev.SessionID, "kind", ev.Kind)
		return
	}
	s.HandleEngineEvent(ev)
}

// StopAll stops every session owned by the given backend engine, used when
// an engine connection is lost.
func (m *Manager) StopAll(backendName, reason string) {
	m.mu.RLock()
	var victims []*Session
	for _, s := range m.sessions {
		if backendName == "" || s.adapter.Name() == backendName {
			victims = append(victims, s)
		}
	}
	m.mu.RUnlock()
	for _, s := range victims {
		s.Stop(reason)
	}
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok && m.stats != nil {
		m.stats.SessionStopped(s.service, s.Type(), s.StopReason())
	}
}

package call

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/atyenoria/nkmedia/internal/errcode"
	"github.com/atyenoria/nkmedia/internal/event"
	"github.com/atyenoria/nkmedia/internal/fabric"
)

// Stats receives call lifecycle counters. Implemented by the metrics
// package; nil disables accounting.
type Stats interface {
	CallStarted(service string)
	CallEnded(service, outcome string)
}

// Manager owns the call registry, the resolver chain, and the adapter
// dispatcher.
type Manager struct {
	registry   *fabric.Registry
	bus        *event.Bus
	resolvers  *Chain
	dispatcher Dispatcher
	stats      Stats

	mu    sync.RWMutex
	calls map[string]*Call
}

// NewManager creates a call manager.
func NewManager(registry *fabric.Registry, bus *event.Bus, resolvers *Chain, dispatcher Dispatcher, stats Stats) *Manager {
	return &Manager{
		registry:   registry,
		bus:        bus,
		resolvers:  resolvers,
		dispatcher: dispatcher,
		stats:      stats,
		calls:      make(map[string]*Call),
	}
}

// Resolvers exposes the chain so adapters can append their resolvers.
func (m *Manager) Resolvers() *Chain { return m.resolvers }

// Start creates a call and kicks off resolution and invite fan-out.
func (m *Manager) Start(cfg Config) (*Call, error) {
	if cfg.Callee == "" {
		return nil, errcode.New(errcode.KindCallError)
	}

	c := &Call{
		id:         uuid.New().String(),
		service:    cfg.Service,
		callee:     cfg.Callee,
		offer:      cfg.Offer,
		meta:       cfg.Meta,
		mgr:        m,
		dispatcher: m.dispatcher,
		state:      StateCreated,
		life:       fabric.NewLifetime(),
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	m.calls[c.id] = c
	m.mu.Unlock()

	m.registry.OnDown(c.id, func(subject string, entry fabric.Entry) {
		c.observerDown(entry)
	})
	if cfg.Register != nil {
		m.registry.Add(c.id, cfg.RegisterRole, cfg.Register, nil)
	}

	if m.stats != nil {
		m.stats.CallStarted(c.service)
	}

	go c.run(context.Background())
	return c, nil
}

// Get returns a call by id.
func (m *Manager) Get(id string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[id]
	if !ok {
		return nil, errcode.New(errcode.KindCallNotFound)
	}
	return c, nil
}

// List returns the ids of live calls, scoped to a service when given.
func (m *Manager) List(service string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.calls))
	for id, c := range m.calls {
		if service == "" || c.service == service {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	c, ok := m.calls[id]
	delete(m.calls, id)
	m.mu.Unlock()
	if ok && m.stats != nil {
		c.mu.Lock()
		answered := c.answered
		c.mu.Unlock()
		outcome := "failed"
		if answered {
			outcome = "answered"
		}
		m.stats.CallEnded(c.service, outcome)
	}
}

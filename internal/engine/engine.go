// Package engine tracks the media-engine instances (their container image
// reference and liveness) and tears down the sessions of an engine that
// goes away.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Kind names the engine family.
type Kind string

const (
	KindFS  Kind = "fs"
	KindKMS Kind = "kms"
)

// State is the engine's liveness.
type State int

const (
	StateStarting State = iota
	StateUp
	StateDown
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateUp:
		return "up"
	case StateDown:
		return "down"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Engine is one registered backend instance.
type Engine struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	DockerImage string `json:"docker_image,omitempty"`

	mu     sync.Mutex
	state  State
	lastUp time.Time
}

// GetState returns the engine's current liveness.
func (e *Engine) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionStopper stops all sessions owned by a backend name.
type SessionStopper interface {
	StopAll(backendName, reason string)
}

// Monitor is the process-wide engine registry.
type Monitor struct {
	stopper SessionStopper

	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewMonitor creates an empty engine monitor.
func NewMonitor(stopper SessionStopper) *Monitor {
	return &Monitor{
		stopper: stopper,
		engines: make(map[string]*Engine),
	}
}

// Register adds an engine instance.
func (m *Monitor) Register(e *Engine) {
	m.mu.Lock()
	m.engines[e.Name] = e
	m.mu.Unlock()
	slog.Info("[Engine] Registered", "name", e.Name, "kind", e.Kind, "image", e.DockerImage)
}

// Get returns an engine by name.
func (m *Monitor) Get(name string) (*Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engines[name]
	return e, ok
}

// List returns all registered engines.
func (m *Monitor) List() []*Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Engine, 0, len(m.engines))
	for _, e := range m.engines {
		out = append(out, e)
	}
	return out
}

// SetState updates liveness. An engine dropping to down stops every
// session it owns with the engine-disconnect reason.
func (m *Monitor) SetState(name string, state State) {
	m.mu.RLock()
	e, ok := m.engines[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	prev := e.state
	e.state = state
	if state == StateUp {
		e.lastUp = time.Now()
	}
	kind := e.Kind
	e.mu.Unlock()

	if prev == state {
		return
	}
	slog.Info("[Engine] State changed", "name", name, "from", prev, "to", state)

	if state == StateDown && m.stopper != nil {
		reason := "fs_disconnected"
		if kind == KindKMS {
			reason = "kms_disconnected"
		}
		m.stopper.StopAll(name, reason)
	}
}

package event

import (
	"sync"
	"time"

	"github.com/atyenoria/nkmedia/internal/fabric"
)

// Handler receives topic events. Handlers run on the publisher's goroutine;
// slow consumers must hand off internally.
type Handler func(ev Event)

type subscription struct {
	id       uint64
	service  string
	subclass string
	objID    string
	handler  Handler
	body     any
}

// Bus fans events out to fabric observers and topic subscribers.
type Bus struct {
	registry *fabric.Registry

	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
}

// NewBus creates a bus bound to the observer fabric.
func NewBus(registry *fabric.Registry) *Bus {
	return &Bus{
		registry: registry,
		subs:     make(map[uint64]*subscription),
	}
}

// Subscribe registers a topic handler. Empty service, subclass, or objID
// match everything. The body value, if non-nil, is attached to every event
// the handler receives. Returns an unsubscribe function.
func (b *Bus) Subscribe(service, subclass, objID string, h Handler, body any) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscription{
		id:       id,
		service:  service,
		subclass: subclass,
		objID:    objID,
		handler:  h,
		body:     body,
	}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers the event twice: directly to every fabric observer of
// the subject that can sink events, then to every matching topic
// subscriber. Both dispatches are synchronous from the caller's view;
// sinks are expected to be non-blocking.
func (b *Bus) Publish(ev Event) {
	if ev.Class == "" {
		ev.Class = Class
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	for _, entry := range b.registry.Entries(ev.ObjID) {
		if sink, ok := entry.Link.(fabric.EventSink); ok {
			direct := ev
			direct.Body = entry.Payload
			sink.Deliver(direct)
		}
	}

	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(ev) {
			matched = append(matched, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range matched {
		topic := ev
		topic.Body = s.body
		s.handler(topic)
	}
}

func (s *subscription) matches(ev Event) bool {
	if s.service != "" && s.service != ev.Service {
		return false
	}
	if s.subclass != "" && s.subclass != ev.Subclass {
		return false
	}
	if s.objID != "" && s.objID != ev.ObjID {
		return false
	}
	return true
}

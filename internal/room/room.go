// Package room tracks MCU and SFU rooms as first-class objects: members
// join as publishers or listeners, and destroying a room stops every
// member session.
package room

import (
	"sync"
	"time"

	"github.com/atyenoria/nkmedia/internal/errcode"
	"github.com/atyenoria/nkmedia/internal/event"
)

// Member is one session participating in a room.
type Member struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"` // "publisher" or "listener"
	JoinedAt  time.Time `json:"joined_at"`
}

// Info is the queryable room snapshot.
type Info struct {
	ID        string    `json:"room_id"`
	Service   string    `json:"srv_id"`
	Type      string    `json:"room_type"`
	Members   []Member  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

type room struct {
	id        string
	service   string
	roomType  string
	createdAt time.Time
	members   map[string]Member
}

// SessionStopper stops member sessions when their room is destroyed.
type SessionStopper interface {
	StopSession(id, reason string)
}

// Registry owns the room set. Rooms are created explicitly through the
// API or implicitly by the first publish into an unknown room.
type Registry struct {
	bus     *event.Bus
	stopper SessionStopper

	mu    sync.RWMutex
	rooms map[string]*room
}

// NewRegistry creates an empty room registry.
func NewRegistry(bus *event.Bus, stopper SessionStopper) *Registry {
	return &Registry{
		bus:     bus,
		stopper: stopper,
		rooms:   make(map[string]*room),
	}
}

// Create adds a room. Creating an existing id fails.
func (r *Registry) Create(service, id, roomType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[id]; ok {
		return errcode.New(errcode.KindCallError)
	}
	r.rooms[id] = &room{
		id:        id,
		service:   service,
		roomType:  roomType,
		createdAt: time.Now().UTC(),
		members:   make(map[string]Member),
	}
	r.emit(service, id, event.TagUpdatedType, map[string]any{"room_type": roomType})
	return nil
}

// Destroy removes the room and stops every member session.
func (r *Registry) Destroy(id, reason string) error {
	r.mu.Lock()
	rm, ok := r.rooms[id]
	if !ok {
		r.mu.Unlock()
		return errcode.New(errcode.KindCallNotFound)
	}
	delete(r.rooms, id)
	members := make([]Member, 0, len(rm.members))
	for _, m := range rm.members {
		members = append(members, m)
	}
	r.mu.Unlock()

	if r.stopper != nil {
		for _, m := range members {
			r.stopper.StopSession(m.SessionID, reason)
		}
	}
	r.emit(rm.service, id, event.TagStop, map[string]any{"reason": reason})
	return nil
}

// Join adds a member, creating the room on first publish.
func (r *Registry) Join(service, id, sessionID, role string) error {
	r.mu.Lock()
	rm, ok := r.rooms[id]
	if !ok {
		if role != "publisher" {
			r.mu.Unlock()
			return errcode.New(errcode.KindCallNotFound)
		}
		rm = &room{
			id:        id,
			service:   service,
			createdAt: time.Now().UTC(),
			members:   make(map[string]Member),
		}
		r.rooms[id] = rm
	}
	rm.members[sessionID] = Member{
		SessionID: sessionID,
		Role:      role,
		JoinedAt:  time.Now().UTC(),
	}
	r.mu.Unlock()
	return nil
}

// Leave removes a member. Unknown rooms and members are ignored.
func (r *Registry) Leave(id, sessionID string) {
	r.mu.Lock()
	if rm, ok := r.rooms[id]; ok {
		delete(rm.members, sessionID)
	}
	r.mu.Unlock()
}

// PublisherIn reports whether the given publisher session is in the room.
func (r *Registry) PublisherIn(id, publisherID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[id]
	if !ok {
		return false
	}
	m, ok := rm.members[publisherID]
	return ok && m.Role == "publisher"
}

// Get returns a room snapshot.
func (r *Registry) Get(id string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[id]
	if !ok {
		return Info{}, errcode.New(errcode.KindCallNotFound)
	}
	return snapshot(rm), nil
}

// List returns all rooms, scoped to a service when given.
func (r *Registry) List(service string) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.rooms))
	for _, rm := range r.rooms {
		if service == "" || rm.service == service {
			out = append(out, snapshot(rm))
		}
	}
	return out
}

func snapshot(rm *room) Info {
	members := make([]Member, 0, len(rm.members))
	for _, m := range rm.members {
		members = append(members, m)
	}
	return Info{
		ID:        rm.id,
		Service:   rm.service,
		Type:      rm.roomType,
		Members:   members,
		CreatedAt: rm.createdAt,
	}
}

func (r *Registry) emit(service, id string, tag event.Tag, payload map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event.Event{
		Service:  service,
		Subclass: event.SubclassRoom,
		ObjID:    id,
		Tag:      tag,
		Payload:  payload,
	})
}

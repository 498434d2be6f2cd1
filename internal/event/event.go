// Package event implements the synchronous lifecycle event bus: direct
// dispatch to the subject's registered observers plus a topic broadcast
// keyed by (service, class, subclass, object id).
package event

import "time"

// Tag identifies a lifecycle event.
type Tag string

const (
	TagRinging     Tag = "ringing"
	TagAnswer      Tag = "answer"
	TagHangup      Tag = "hangup"
	TagStop        Tag = "stop"
	TagUpdatedType Tag = "updated_type"
	TagCandidate   Tag = "candidate"
)

// Class is the service class every core event belongs to.
const Class = "media"

// Subclasses of the topic broadcast.
const (
	SubclassSession = "session"
	SubclassCall    = "call"
	SubclassRoom    = "room"
)

// Event is one lifecycle notification.
type Event struct {
	Service  string    `json:"srv_id"`
	Class    string    `json:"class"`
	Subclass string    `json:"subclass"`
	ObjID    string    `json:"obj_id"`
	Tag      Tag       `json:"type"`
	Payload  any       `json:"body,omitempty"`
	Time     time.Time `json:"-"`

	// Body is the opaque value a topic subscriber attached at subscribe
	// time; it rides along on every event that subscriber receives.
	Body any `json:"-"`
}

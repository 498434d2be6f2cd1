// Package call implements the multi-leg invite coordinator: it resolves a
// callee to destinations, fans out invites with per-destination ring
// timers, applies first-answer-wins, and cancels the losers.
package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atyenoria/nkmedia/internal/errcode"
	"github.com/atyenoria/nkmedia/internal/event"
	"github.com/atyenoria/nkmedia/internal/fabric"
	"github.com/atyenoria/nkmedia/internal/media"
)

const (
	// DefRing is the ring window used when a destination names none.
	DefRing = 30 * time.Second
	// MaxRing caps every ring window.
	MaxRing = 180 * time.Second
	// hangupGrace is the delivery window between the hangup event and
	// termination.
	hangupGrace = 100 * time.Millisecond
)

// State is the lifecycle position of a call.
type State int

const (
	StateCreated State = iota
	StateResolving
	StateInviting
	StateAnswered
	StateStopped
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateResolving:
		return "resolving"
	case StateInviting:
		return "inviting"
	case StateAnswered:
		return "answered"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Hangup reasons the call emits on its own.
const (
	ReasonNoDestination  = "no_destination"
	ReasonNoAnswer       = "no_answer"
	ReasonCalleeStop     = "callee_stop"
	ReasonSessionStop    = "session_stop"
	ReasonRegisteredStop = "registered_stop"
	ReasonUserHangup     = "user_hangup"
)

// InviteReply is the adapter's verdict on one invite launch.
type InviteReply struct {
	// Link identifies the launched out-leg; nil means not launched.
	Link fabric.Link
	// Retry reschedules the launch after the given delay.
	Retry time.Duration
	// Remove drops this invite permanently.
	Remove bool
}

// Dispatcher is the adapter hook that places and cancels out-leg invites.
type Dispatcher interface {
	Invite(ctx context.Context, callID string, dest Destination, offer *media.Payload, meta map[string]any) InviteReply
	Cancel(callID string, link fabric.Link)
}

type invite struct {
	pos      int
	dest     Destination
	launched bool
	removed  bool
	link     fabric.Link
	timer    *time.Timer // wait, retry, or ring timer, whichever is armed
}

// Config parameterizes call start.
type Config struct {
	Service string
	Callee  string
	Offer   *media.Payload
	Meta    map[string]any

	// Register adds an initial observer (the initiating adapter).
	Register     fabric.Link
	RegisterRole string
}

// Call is one invite coordination. All exported methods are safe for
// concurrent use.
type Call struct {
	id      string
	service string
	callee  string
	offer   *media.Payload
	meta    map[string]any

	mgr        *Manager
	dispatcher Dispatcher

	mu         sync.Mutex
	state      State
	invites    []*invite
	calleeLink fabric.Link
	answered   bool
	stopSent   bool

	life *fabric.Lifetime
	done chan struct{}
}

// ID returns the call id.
func (c *Call) ID() string { return c.id }

// Service returns the logical tenant the call belongs to.
func (c *Call) Service() string { return c.service }

// State returns the current lifecycle state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Link returns the identity token other entities register to observe this
// call; its lifetime ends when the call terminates.
func (c *Call) Link() fabric.CallLink {
	return fabric.CallLink{ID: c.id, Life: c.life}
}

// Done returns a channel closed when the call terminates.
func (c *Call) Done() <-chan struct{} { return c.done }

// --- Invite fan-out ---

// run resolves the callee and schedules the invite launches. Runs on its
// own goroutine right after start.
func (c *Call) run(ctx context.Context) {
	c.mu.Lock()
	c.state = StateResolving
	c.mu.Unlock()

	dests := c.mgr.resolvers.Resolve(ctx, c.service, c.callee)
	if len(dests) == 0 {
		slog.Info("[Call] No destinations", "call_id", c.id, "callee", c.callee)
		c.Hangup(ReasonNoDestination)
		return
	}

	c.mu.Lock()
	if c.state != StateResolving {
		c.mu.Unlock()
		return
	}
	c.state = StateInviting
	for pos, d := range dests {
		inv := &invite{pos: pos, dest: d}
		c.invites = append(c.invites, inv)
		c.scheduleLaunch(inv, d.Wait)
	}
	c.mu.Unlock()
}

// scheduleLaunch arms the wait (or retry) timer. Caller holds c.mu.
func (c *Call) scheduleLaunch(inv *invite, after time.Duration) {
	if after <= 0 {
		after = time.Millisecond
	}
	pos := inv.pos
	inv.timer = time.AfterFunc(after, func() { c.launch(pos) })
}

func (c *Call) launch(pos int) {
	c.mu.Lock()
	inv := c.invite(pos)
	if inv == nil || inv.removed || inv.launched || c.answered || c.stopSent {
		c.mu.Unlock()
		return
	}
	dest := inv.dest
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), MaxRing)
	defer cancel()
	reply := c.dispatcher.Invite(ctx, c.id, dest, c.offer, c.meta)

	c.mu.Lock()
	switch {
	case reply.Link != nil:
		inv.launched = true
		inv.link = reply.Link
		ring := dest.Ring
		if ring <= 0 {
			ring = DefRing
		}
		if ring > MaxRing {
			ring = MaxRing
		}
		inv.timer = time.AfterFunc(ring, func() { c.ringExpired(pos) })
		c.mu.Unlock()
		slog.Debug("[Call] Invite launched", "call_id", c.id, "pos", pos, "dest", dest.Dest)
	case reply.Retry > 0:
		c.scheduleLaunch(inv, reply.Retry)
		c.mu.Unlock()
	default:
		c.dropInviteLocked(inv)
		last := c.noneLeftLocked()
		c.mu.Unlock()
		if last {
			c.Hangup(ReasonNoAnswer)
		}
	}
}

func (c *Call) ringExpired(pos int) {
	c.mu.Lock()
	inv := c.invite(pos)
	if inv == nil || inv.removed || c.answered || c.stopSent {
		c.mu.Unlock()
		return
	}
	link := inv.link
	c.dropInviteLocked(inv)
	last := c.noneLeftLocked()
	c.mu.Unlock()

	if link != nil {
		c.dispatcher.Cancel(c.id, link)
	}
	if last {
		c.Hangup(ReasonNoAnswer)
	}
}

// invite returns the record at pos. Caller holds c.mu.
func (c *Call) invite(pos int) *invite {
	if pos < 0 || pos >= len(c.invites) {
		return nil
	}
	return c.invites[pos]
}

// LinkFor returns the launched invite link for a destination token. Used
// by adapters that correlate replies by destination rather than link.
func (c *Call) LinkFor(dest string) (fabric.Link, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, inv := range c.invites {
		if inv.launched && !inv.removed && inv.dest.Dest == dest {
			return inv.link, nil
		}
	}
	return nil, errcode.New(errcode.KindInviteNotFound)
}

func (c *Call) inviteByLink(link fabric.Link) *invite {
	for _, inv := range c.invites {
		if inv.launched && !inv.removed && inv.link.Key() == link.Key() {
			return inv
		}
	}
	return nil
}

// dropInviteLocked marks the invite removed and stops its timer.
func (c *Call) dropInviteLocked(inv *invite) {
	inv.removed = true
	if inv.timer != nil {
		inv.timer.Stop()
	}
}

// noneLeftLocked reports whether every invite is removed.
func (c *Call) noneLeftLocked() bool {
	for _, inv := range c.invites {
		if !inv.removed {
			return false
		}
	}
	return true
}

// --- Replies from adapters ---

// Ringing reports a provisional reply on the out-leg behind link.
func (c *Call) Ringing(link fabric.Link, answer *media.Payload) error {
	c.mu.Lock()
	inv := c.inviteByLink(link)
	if inv == nil {
		c.mu.Unlock()
		return errcode.New(errcode.KindInviteNotFound)
	}
	c.mu.Unlock()

	payload := map[string]any{"link": link.Key()}
	if answer != nil {
		payload["answer"] = answer
	}
	c.emit(event.TagRinging, payload)
	return nil
}

// Answered accepts the final answer from one out-leg. First answer wins:
// every other launched invite is canceled through the dispatcher within
// one tick, and the winner is registered as the callee observer.
func (c *Call) Answered(link fabric.Link, answer *media.Payload) error {
	c.mu.Lock()
	if c.answered || c.stopSent {
		c.mu.Unlock()
		return errcode.New(errcode.KindAlreadyAnswered)
	}
	winner := c.inviteByLink(link)
	if winner == nil {
		c.mu.Unlock()
		return errcode.New(errcode.KindInviteNotFound)
	}
	c.answered = true
	c.state = StateAnswered
	c.calleeLink = link
	if winner.timer != nil {
		winner.timer.Stop()
	}
	losers := c.collectLosersLocked(winner)
	c.mu.Unlock()

	for _, l := range losers {
		c.dispatcher.Cancel(c.id, l)
	}

	c.mgr.registry.Add(c.id, "callee", link, nil)

	payload := map[string]any{"link": link.Key()}
	if answer != nil {
		payload["answer"] = answer
	}
	c.emit(event.TagAnswer, payload)

	slog.Info("[Call] Answered", "call_id", c.id, "winner", link.Key(), "canceled", len(losers))
	return nil
}

// collectLosersLocked removes every invite except the winner and returns
// the links of the launched ones for cancellation.
func (c *Call) collectLosersLocked(winner *invite) []fabric.Link {
	var losers []fabric.Link
	for _, inv := range c.invites {
		if inv == winner || inv.removed {
			continue
		}
		if inv.launched {
			losers = append(losers, inv.link)
		}
		c.dropInviteLocked(inv)
	}
	return losers
}

// Rejected drops the invite behind link; the last rejection fails the
// call with no_answer.
func (c *Call) Rejected(link fabric.Link) error {
	c.mu.Lock()
	inv := c.inviteByLink(link)
	if inv == nil {
		c.mu.Unlock()
		return errcode.New(errcode.KindInviteNotFound)
	}
	c.dropInviteLocked(inv)
	last := c.noneLeftLocked() && !c.answered
	c.mu.Unlock()

	if last {
		c.Hangup(ReasonNoAnswer)
	}
	return nil
}

// --- Observers ---

// Register adds an observer under the given role.
func (c *Call) Register(role string, link fabric.Link, payload any) {
	c.mgr.registry.Add(c.id, role, link, payload)
}

// Unregister removes an observer by key.
func (c *Call) Unregister(key string) {
	c.mgr.registry.Remove(c.id, key)
}

func (c *Call) observerDown(entry fabric.Entry) {
	reason := ReasonRegisteredStop
	switch {
	case entry.Role == "callee":
		reason = ReasonCalleeStop
	case entry.Link.Class() == "session":
		reason = ReasonSessionStop
	}
	c.Hangup(reason)
}

// --- Teardown ---

// Hangup terminates the call. Idempotent: exactly one hangup event is
// emitted, outstanding invites and timers are canceled, and the call
// terminates after the delivery grace.
func (c *Call) Hangup(reason string) {
	c.mu.Lock()
	if c.stopSent {
		c.mu.Unlock()
		return
	}
	c.stopSent = true
	winnerKey := ""
	if c.calleeLink != nil {
		winnerKey = c.calleeLink.Key()
	}
	var pending []fabric.Link
	for _, inv := range c.invites {
		if !inv.removed && inv.launched && inv.link.Key() != winnerKey {
			pending = append(pending, inv.link)
		}
		c.dropInviteLocked(inv)
	}
	c.mu.Unlock()

	slog.Info("[Call] Hangup", "call_id", c.id, "reason", reason)

	for _, l := range pending {
		c.dispatcher.Cancel(c.id, l)
	}

	c.emit(event.TagHangup, map[string]any{"reason": reason})

	time.AfterFunc(hangupGrace, c.finalize)
}

func (c *Call) finalize() {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	c.mu.Unlock()

	close(c.done)
	c.life.End()
	c.mgr.registry.DropSubject(c.id)
	c.mgr.remove(c.id)
}

func (c *Call) emit(tag event.Tag, payload map[string]any) {
	c.mgr.bus.Publish(event.Event{
		Service:  c.service,
		Subclass: event.SubclassCall,
		ObjID:    c.id,
		Tag:      tag,
		Payload:  payload,
	})
}

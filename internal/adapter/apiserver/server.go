// Package apiserver is the external programmatic API: JSON command frames
// over WebSocket driving sessions, calls, and rooms, with lifecycle events
// pushed back to subscribed clients.
package apiserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atyenoria/nkmedia/internal/backend"
	"github.com/atyenoria/nkmedia/internal/call"
	"github.com/atyenoria/nkmedia/internal/errcode"
	"github.com/atyenoria/nkmedia/internal/event"
	"github.com/atyenoria/nkmedia/internal/fabric"
	"github.com/atyenoria/nkmedia/internal/media"
	"github.com/atyenoria/nkmedia/internal/room"
	"github.com/atyenoria/nkmedia/internal/session"
)

// sendBuffer bounds the per-client event mailbox; a full mailbox drops
// events rather than blocking the publisher.
const sendBuffer = 64

// Config holds the adapter settings.
type Config struct {
	Service string
}

// Server is the external API endpoint.
type Server struct {
	cfg      Config
	sessions *session.Manager
	calls    *call.Manager
	rooms    *room.Registry
	bus      *event.Bus
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

// client is one API connection.
type client struct {
	id     string
	ws     *websocket.Conn
	server *Server
	life   *fabric.Lifetime

	sendCh chan any

	mu     sync.Mutex
	unsubs []func()
}

// NewServer creates the API endpoint.
func NewServer(cfg Config, sessions *session.Manager, calls *call.Manager, rooms *room.Registry, bus *event.Bus) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		calls:    calls,
		rooms:    rooms,
		bus:      bus,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[string]*client),
	}
}

// Handler returns the WebSocket upgrade handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[API] Upgrade failed", "error", err)
			return
		}
		c := &client{
			id:     uuid.New().String(),
			ws:     ws,
			server: s,
			life:   fabric.NewLifetime(),
			sendCh: make(chan any, sendBuffer),
		}
		s.mu.Lock()
		s.clients[c.id] = c
		s.mu.Unlock()
		slog.Info("[API] Connected", "client_id", c.id, "remote", ws.RemoteAddr())
		go c.writeLoop()
		go c.readLoop()
	})
}

func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()

	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	// Ending the client lifetime stops every object observing it.
	c.life.End()
	close(c.sendCh)
	slog.Info("[API] Disconnected", "client_id", c.id)
}

// --- Connection loops ---

func (c *client) readLoop() {
	defer c.server.dropClient(c)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		// Commands run off the read loop: a session.start holding for
		// trickle candidates must not block the candidate frames.
		go c.dispatch(req)
	}
}

func (c *client) writeLoop() {
	for v := range c.sendCh {
		if err := c.ws.WriteJSON(v); err != nil {
			c.ws.Close()
			return
		}
	}
	c.ws.Close()
}

// send enqueues a frame without blocking; overflow drops the frame.
func (c *client) send(v any) {
	defer func() { recover() }() // racing a closed channel on teardown
	select {
	case c.sendCh <- v:
	default:
		slog.Warn("[API] Client mailbox full, dropping frame", "client_id", c.id)
	}
}

func (c *client) dispatch(req Request) {
	var (
		data any
		err  error
	)
	switch req.Subclass + "." + req.Cmd {
	case "session.start":
		data, err = c.sessionStart(req.Data)
	case "session.stop":
		err = c.sessionStop(req.Data)
	case "session.set_answer":
		err = c.sessionSetAnswer(req.Data)
	case "session.set_candidate":
		err = c.sessionCandidate(req.Data, false)
	case "session.set_candidate_end":
		err = c.sessionCandidate(req.Data, true)
	case "session.update":
		err = c.sessionUpdate(req.Data)
	case "session.info":
		data, err = c.sessionInfo(req.Data)
	case "session.list":
		data = c.server.sessions.List(c.server.cfg.Service)
	case "call.start":
		data, err = c.callStart(req.Data)
	case "call.ringing":
		err = c.callReply(req.Data, "ringing")
	case "call.answered":
		err = c.callReply(req.Data, "answered")
	case "call.rejected":
		err = c.callReply(req.Data, "rejected")
	case "call.hangup":
		err = c.callHangup(req.Data)
	case "call.list":
		data = c.server.calls.List(c.server.cfg.Service)
	case "room.create":
		err = c.roomCreate(req.Data)
	case "room.destroy":
		err = c.roomDestroy(req.Data)
	case "room.list":
		data = c.server.rooms.List(c.server.cfg.Service)
	case "room.info":
		data, err = c.roomInfo(req.Data)
	default:
		err = errcode.New(errcode.KindUnknownCommand)
	}

	if err != nil {
		code := errcode.Resolve(string(errcode.KindOf(err)))
		if code.Code == 0 {
			code.Text = err.Error()
		}
		c.send(Response{Result: "error", TID: req.TID, Data: ErrorData{Code: code.Code, Text: code.Text}})
		return
	}
	c.send(Response{Result: "ok", TID: req.TID, Data: data})
}

// --- Session commands ---

func (c *client) sessionStart(raw json.RawMessage) (any, error) {
	var d SessionStartData
	if err := json.Unmarshal(raw, &d); err != nil || d.Type == "" {
		return nil, errcode.New(errcode.KindSessionError)
	}

	cfg := session.Config{
		Service:    c.server.cfg.Service,
		Type:       backend.SessionType(d.Type),
		TypeExt:    d.TypeExt,
		Backend:    d.Backend,
		MasterPeer: d.MasterPeer,
		Peer:       d.Peer,
	}
	if d.OfferSDP != "" {
		cfg.Offer = &media.Payload{
			SDP:        d.OfferSDP,
			SDPType:    sdpType(d.SDPType),
			TrickleICE: d.TrickleICE,
		}
	}
	cfg.Register = c.link(d.EventsBody)
	cfg.RegisterRole = "api"

	sess, err := c.server.sessions.Start(cfg)
	if err != nil {
		return nil, err
	}

	if d.Subscribe == nil || *d.Subscribe {
		c.subscribeObject(event.SubclassSession, sess.ID(), d.EventsBody)
	}

	reply := map[string]any{"session_id": sess.ID()}
	if offer := sess.Offer(); offer != nil && d.OfferSDP == "" {
		reply["offer"] = offer.SDP
	}
	if answer := sess.Answer(); answer != nil {
		reply["answer"] = answer.SDP
	}
	return reply, nil
}

func (c *client) sessionStop(raw json.RawMessage) error {
	var d SessionRefData
	if err := json.Unmarshal(raw, &d); err != nil {
		return errcode.New(errcode.KindSessionError)
	}
	sess, err := c.server.sessions.Get(d.SessionID)
	if err != nil {
		return err
	}
	reason := d.Reason
	if reason == "" {
		reason = session.ReasonUserStop
	}
	sess.Stop(reason)
	return nil
}

func (c *client) sessionSetAnswer(raw json.RawMessage) error {
	var d SessionRefData
	if err := json.Unmarshal(raw, &d); err != nil || d.AnswerSDP == "" {
		return errcode.New(errcode.KindSessionError)
	}
	sess, err := c.server.sessions.Get(d.SessionID)
	if err != nil {
		return err
	}
	return sess.SetAnswer(&media.Payload{
		SDP:     d.AnswerSDP,
		SDPType: sdpType(d.SDPType),
	})
}

func (c *client) sessionCandidate(raw json.RawMessage, end bool) error {
	var d SessionRefData
	if err := json.Unmarshal(raw, &d); err != nil {
		return errcode.New(errcode.KindSessionError)
	}
	sess, err := c.server.sessions.Get(d.SessionID)
	if err != nil {
		return err
	}
	if end {
		return sess.Candidate(media.Candidate{End: true})
	}
	return sess.Candidate(media.Candidate{
		MID:       d.MID,
		MLineIdx:  d.MLineIdx,
		Candidate: d.Candidate,
	})
}

func (c *client) sessionUpdate(raw json.RawMessage) error {
	var d SessionRefData
	if err := json.Unmarshal(raw, &d); err != nil || d.UpdateKind == "" {
		return errcode.New(errcode.KindSessionError)
	}
	sess, err := c.server.sessions.Get(d.SessionID)
	if err != nil {
		return err
	}
	return sess.Update(backend.UpdateKind(d.UpdateKind), d.Opts)
}

func (c *client) sessionInfo(raw json.RawMessage) (any, error) {
	var d SessionRefData
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, errcode.New(errcode.KindSessionError)
	}
	sess, err := c.server.sessions.Get(d.SessionID)
	if err != nil {
		return nil, err
	}
	return sess.GetInfo(), nil
}

// --- Call commands ---

func (c *client) callStart(raw json.RawMessage) (any, error) {
	var d CallStartData
	if err := json.Unmarshal(raw, &d); err != nil || d.Callee == "" {
		return nil, errcode.New(errcode.KindCallError)
	}

	cfg := call.Config{
		Service:      c.server.cfg.Service,
		Callee:       d.Callee,
		Meta:         d.Meta,
		Register:     c.link(d.EventsBody),
		RegisterRole: "api",
	}
	if d.OfferSDP != "" {
		cfg.Offer = &media.Payload{SDP: d.OfferSDP, SDPType: sdpType(d.SDPType)}
	}

	cl, err := c.server.calls.Start(cfg)
	if err != nil {
		return nil, err
	}
	if d.Subscribe == nil || *d.Subscribe {
		c.subscribeObject(event.SubclassCall, cl.ID(), d.EventsBody)
	}
	return map[string]any{"call_id": cl.ID()}, nil
}

// callReply routes an invite outcome reported by this client back into
// the call. The destination token selects the invite.
func (c *client) callReply(raw json.RawMessage, outcome string) error {
	var d CallRefData
	if err := json.Unmarshal(raw, &d); err != nil || d.CallID == "" {
		return errcode.New(errcode.KindCallError)
	}
	cl, err := c.server.calls.Get(d.CallID)
	if err != nil {
		return err
	}
	link, err := cl.LinkFor(d.Dest)
	if err != nil {
		return err
	}
	var answer *media.Payload
	if d.AnswerSDP != "" {
		answer = &media.Payload{SDP: d.AnswerSDP, SDPType: sdpType(d.SDPType)}
	}
	switch outcome {
	case "ringing":
		return cl.Ringing(link, answer)
	case "answered":
		return cl.Answered(link, answer)
	default:
		return cl.Rejected(link)
	}
}

func (c *client) callHangup(raw json.RawMessage) error {
	var d CallRefData
	if err := json.Unmarshal(raw, &d); err != nil || d.CallID == "" {
		return errcode.New(errcode.KindCallError)
	}
	cl, err := c.server.calls.Get(d.CallID)
	if err != nil {
		return err
	}
	reason := d.Reason
	if reason == "" {
		reason = call.ReasonUserHangup
	}
	cl.Hangup(reason)
	return nil
}

// --- Room commands ---

func (c *client) roomCreate(raw json.RawMessage) error {
	var d RoomData
	if err := json.Unmarshal(raw, &d); err != nil || d.RoomID == "" {
		return errcode.New(errcode.KindCallError)
	}
	return c.server.rooms.Create(c.server.cfg.Service, d.RoomID, d.RoomType)
}

func (c *client) roomDestroy(raw json.RawMessage) error {
	var d RoomData
	if err := json.Unmarshal(raw, &d); err != nil || d.RoomID == "" {
		return errcode.New(errcode.KindCallError)
	}
	return c.server.rooms.Destroy(d.RoomID, session.ReasonUserStop)
}

func (c *client) roomInfo(raw json.RawMessage) (any, error) {
	var d RoomData
	if err := json.Unmarshal(raw, &d); err != nil || d.RoomID == "" {
		return nil, errcode.New(errcode.KindCallError)
	}
	return c.server.rooms.Get(d.RoomID)
}

// --- Event plumbing ---

// link builds this client's identity token; events delivered through it
// arrive on the client's mailbox.
func (c *client) link(body any) fabric.APILink {
	return fabric.APILink{
		ClientID: c.id,
		Life:     c.life,
		Sink: func(ev any) {
			if e, ok := ev.(event.Event); ok {
				c.sendEvent(e, body)
			}
		},
	}
}

// subscribeObject adds a topic subscription for one object's lifecycle,
// removed when the object or the client goes away.
func (c *client) subscribeObject(subclass, objID string, body any) {
	unsub := c.server.bus.Subscribe(c.server.cfg.Service, subclass, objID, func(ev event.Event) {
		c.sendEvent(ev, body)
	}, body)
	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsub)
	c.mu.Unlock()
}

func (c *client) sendEvent(ev event.Event, body any) {
	payload := ev.Payload
	if body != nil {
		payload = map[string]any{"event": ev.Payload, "events_body": body}
	}
	c.send(EventFrame{
		Class: "event",
		Data: EventBody{
			Service:  ev.Service,
			Class:    ev.Class,
			Subclass: ev.Subclass,
			Type:     string(ev.Tag),
			ObjID:    ev.ObjID,
			Body:     payload,
		},
	})
}

// --- Dispatcher (API clients as invite endpoints) ---

// Invite implements the call dispatcher hook for destinations of the form
// "api:<client_id>". The client receives an invite event and reports the
// outcome through call.{ringing,answered,rejected}; a missing client
// yields a retry.
func (s *Server) Invite(ctx context.Context, callID string, dest call.Destination, offer *media.Payload, meta map[string]any) call.InviteReply {
	clientID, ok := strings.CutPrefix(dest.Dest, "api:")
	if !ok {
		return call.InviteReply{Remove: true}
	}
	s.mu.RLock()
	c := s.clients[clientID]
	s.mu.RUnlock()
	if c == nil {
		return call.InviteReply{Retry: 5 * time.Second}
	}

	body := map[string]any{"dest": dest.Dest}
	if offer != nil {
		body["offer"] = offer.SDP
	}
	if meta != nil {
		body["meta"] = meta
	}
	c.send(EventFrame{
		Class: "event",
		Data: EventBody{
			Service:  s.cfg.Service,
			Class:    event.Class,
			Subclass: event.SubclassCall,
			Type:     "invite",
			ObjID:    callID,
			Body:     body,
		},
	})
	return call.InviteReply{Link: fabric.APILink{ClientID: c.id, Life: c.life}}
}

// Cancel implements the call dispatcher hook: losing clients receive a
// cancel event.
func (s *Server) Cancel(callID string, link fabric.Link) {
	alink, ok := link.(fabric.APILink)
	if !ok {
		return
	}
	s.mu.RLock()
	c := s.clients[alink.ClientID]
	s.mu.RUnlock()
	if c == nil {
		return
	}
	c.send(EventFrame{
		Class: "event",
		Data: EventBody{
			Service:  s.cfg.Service,
			Class:    event.Class,
			Subclass: event.SubclassCall,
			Type:     "cancel",
			ObjID:    callID,
		},
	})
}

func sdpType(s string) media.SDPType {
	if s == string(media.SDPTypeRTP) {
		return media.SDPTypeRTP
	}
	return media.SDPTypeWebRTC
}

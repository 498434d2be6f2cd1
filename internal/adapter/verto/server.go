// Package verto is the WebRTC signaling adapter speaking the Verto
// JSON-RPC 2.0 protocol over WebSocket. It translates invites into core
// sessions and calls, and plays callee for core-initiated invites toward
// logged-in endpoints.
package verto

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atyenoria/nkmedia/internal/backend"
	"github.com/atyenoria/nkmedia/internal/call"
	"github.com/atyenoria/nkmedia/internal/errcode"
	"github.com/atyenoria/nkmedia/internal/event"
	"github.com/atyenoria/nkmedia/internal/fabric"
	"github.com/atyenoria/nkmedia/internal/media"
	"github.com/atyenoria/nkmedia/internal/session"
)

// idleTimeout disconnects endpoints with no traffic for an hour.
const idleTimeout = 60 * time.Minute

// LoginHook validates credentials. It returns the normalized user name
// and whether the login is accepted; returning the login unchanged is the
// common case.
type LoginHook func(login, passwd string) (string, bool)

// Config holds the adapter settings.
type Config struct {
	Service string
	Login   LoginHook
}

// Server is the Verto WebSocket endpoint.
type Server struct {
	cfg      Config
	sessions *session.Manager
	calls    *call.Manager
	bus      *event.Bus
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn
}

// conn is one endpoint connection.
type conn struct {
	id     string
	ws     *websocket.Conn
	server *Server
	user   string
	life   *fabric.Lifetime

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu       sync.Mutex
	sessions map[string]string      // client call id -> session id
	invites  map[string]*outInvite  // client call id -> pending out-leg
	unsubs   map[string]func()
}

// outInvite is a core-initiated invite toward this endpoint.
type outInvite struct {
	callID string // core call id
	link   fabric.VertoLink
}

// NewServer creates the Verto endpoint.
func NewServer(cfg Config, sessions *session.Manager, calls *call.Manager, bus *event.Bus) *Server {
	if cfg.Login == nil {
		cfg.Login = func(login, passwd string) (string, bool) { return login, true }
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		calls:    calls,
		bus:      bus,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:    make(map[string]*conn),
	}
}

// Handler returns the WebSocket upgrade handler for the bind spec.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("[Verto] Upgrade failed", "error", err)
			return
		}
		c := &conn{
			id:       uuid.New().String(),
			ws:       ws,
			server:   s,
			life:     fabric.NewLifetime(),
			sessions: make(map[string]string),
			invites:  make(map[string]*outInvite),
			unsubs:   make(map[string]func()),
		}
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()
		slog.Info("[Verto] Connected", "conn_id", c.id, "remote", ws.RemoteAddr())
		go c.readLoop()
	})
}

func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()

	c.mu.Lock()
	unsubs := c.unsubs
	c.unsubs = map[string]func(){}
	c.mu.Unlock()
	for _, u := range unsubs {
		u()
	}

	// Ending the connection lifetime tears down every session and call
	// observing it.
	c.life.End()
	c.ws.Close()
	slog.Info("[Verto] Disconnected", "conn_id", c.id, "user", c.user)
}

// connsForUser returns the live connections logged in as user.
func (s *Server) connsForUser(user string) []*conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*conn
	for _, c := range s.conns {
		if c.user == user {
			out = append(out, c)
		}
	}
	return out
}

// --- Connection loop ---

func (c *conn) readLoop() {
	defer c.server.dropConn(c)
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(idleTimeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.Method == "" {
			// A response to a server-originated request; nothing pends
			// on these beyond logging.
			continue
		}
		c.dispatch(req)
	}
}

func (c *conn) dispatch(req Request) {
	switch req.Method {
	case MethodLogin:
		c.handleLogin(req)
	case MethodInvite:
		c.handleInvite(req)
	case MethodAnswer:
		c.handleAnswer(req)
	case MethodBye:
		c.handleBye(req)
	case MethodInfo:
		c.handleInfo(req)
	default:
		c.send(newError(req.ID, -32601, "method not found"))
	}
}

func (c *conn) handleLogin(req Request) {
	var p LoginParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.Login == "" {
		c.send(newError(req.ID, -32602, "invalid login params"))
		return
	}
	user, ok := c.server.cfg.Login(p.Login, p.Passwd)
	if !ok {
		code := errcode.Resolve("verto_login_failed")
		c.send(newError(req.ID, code.Code, code.Text))
		return
	}
	c.user = user
	slog.Info("[Verto] Login", "conn_id", c.id, "user", user)
	c.send(newResponse(req.ID, map[string]any{
		"message": "logged in",
		"sessid":  c.id,
	}))
}

// handleInvite starts media for the dialed destination. Short service
// destinations ("e", "p", "m<room>", "f<peer>") select the session type
// directly; anything else fans out as a call.
func (c *conn) handleInvite(req Request) {
	var p CallParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.DialogParams.CallID == "" || p.SDP == "" {
		c.send(newError(req.ID, -32602, "invalid invite params"))
		return
	}
	clientCallID := p.DialogParams.CallID
	dest := p.DialogParams.DestinationNumber

	// Verto endpoints deliver complete SDP; no trickle on this leg.
	offer := &media.Payload{
		SDP:     p.SDP,
		SDPType: media.SDPTypeWebRTC,
		Dest:    dest,
	}
	link := fabric.VertoLink{
		ConnID: c.id,
		CallID: clientCallID,
		Life:   c.life,
	}

	sess, err := c.server.startForDest(dest, offer, link)
	if err != nil {
		slog.Info("[Verto] Invite failed", "conn_id", c.id, "dest", dest, "error", err)
		code := errcode.Resolve(string(errcode.KindOf(err)))
		c.send(newError(req.ID, code.Code, code.Text))
		return
	}

	c.mu.Lock()
	c.sessions[clientCallID] = sess.ID()
	c.mu.Unlock()

	c.send(newResponse(req.ID, map[string]any{
		"message": "CALL CREATED",
		"callID":  clientCallID,
	}))

	// Answer asynchronously: the endpoint already holds its offer while
	// the core may still be generating media.
	c.watchSession(clientCallID, sess)
}

// watchSession surfaces core session events back onto the wire: the
// answer as verto.answer, the stop as verto.bye.
func (c *conn) watchSession(clientCallID string, sess *session.Session) {
	unsub := c.server.bus.Subscribe(c.server.cfg.Service, event.SubclassSession, sess.ID(), func(ev event.Event) {
		switch ev.Tag {
		case event.TagAnswer:
			if answer := sess.Answer(); answer != nil {
				c.request(MethodAnswer, CallParams{
					SDP:          answer.SDP,
					DialogParams: DialogParams{CallID: clientCallID},
				})
			}
		case event.TagStop:
			c.request(MethodBye, CallParams{
				DialogParams: DialogParams{CallID: clientCallID},
			})
			c.forget(clientCallID)
		}
	}, nil)

	c.mu.Lock()
	c.unsubs[clientCallID] = unsub
	c.mu.Unlock()

	// The subscription races the answer: check once in case it was set
	// before the handler registered.
	if answer := sess.Answer(); answer != nil {
		c.request(MethodAnswer, CallParams{
			SDP:          answer.SDP,
			DialogParams: DialogParams{CallID: clientCallID},
		})
	}
}

// handleAnswer completes a core-initiated invite toward this endpoint.
func (c *conn) handleAnswer(req Request) {
	var p CallParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.DialogParams.CallID == "" {
		c.send(newError(req.ID, -32602, "invalid answer params"))
		return
	}

	c.mu.Lock()
	inv := c.invites[p.DialogParams.CallID]
	delete(c.invites, p.DialogParams.CallID)
	c.mu.Unlock()

	if inv == nil {
		code := errcode.Resolve("verto_unknown_call")
		c.send(newError(req.ID, code.Code, code.Text))
		return
	}

	answer := &media.Payload{SDP: p.SDP, SDPType: media.SDPTypeWebRTC}
	coreCall, err := c.server.calls.Get(inv.callID)
	if err == nil {
		err = coreCall.Answered(inv.link, answer)
	}
	if err != nil {
		code := errcode.Resolve(string(errcode.KindOf(err)))
		c.send(newError(req.ID, code.Code, code.Text))
		return
	}
	c.send(newResponse(req.ID, map[string]any{"message": "CALL ANSWERED"}))
}

func (c *conn) handleBye(req Request) {
	var p CallParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.DialogParams.CallID == "" {
		c.send(newError(req.ID, -32602, "invalid bye params"))
		return
	}
	clientCallID := p.DialogParams.CallID

	c.mu.Lock()
	sessionID := c.sessions[clientCallID]
	inv := c.invites[clientCallID]
	delete(c.invites, clientCallID)
	c.mu.Unlock()

	if inv != nil {
		// Bye before answer rejects the pending core invite.
		if coreCall, err := c.server.calls.Get(inv.callID); err == nil {
			_ = coreCall.Rejected(inv.link)
		}
	}
	if sessionID != "" {
		// Unsubscribe first so the endpoint hanging up does not get its
		// own bye echoed back.
		c.forget(clientCallID)
		if sess, err := c.server.sessions.Get(sessionID); err == nil {
			sess.Stop("verto_bye")
		}
	}
	c.send(newResponse(req.ID, map[string]any{"message": "CALL ENDED"}))
}

func (c *conn) handleInfo(req Request) {
	var p InfoParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		c.send(newError(req.ID, -32602, "invalid info params"))
		return
	}
	c.mu.Lock()
	sessionID := c.sessions[p.DialogParams.CallID]
	c.mu.Unlock()
	if sessionID != "" && p.DTMF != "" {
		if sess, err := c.server.sessions.Get(sessionID); err == nil {
			_ = sess.Update(backend.UpdateMedia, map[string]any{"dtmf": p.DTMF})
		}
	}
	c.send(newResponse(req.ID, map[string]any{"message": "SENT"}))
}

func (c *conn) forget(clientCallID string) {
	c.mu.Lock()
	delete(c.sessions, clientCallID)
	if u := c.unsubs[clientCallID]; u != nil {
		delete(c.unsubs, clientCallID)
		c.mu.Unlock()
		u()
		return
	}
	c.mu.Unlock()
}

// --- Wire output ---

func (c *conn) send(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		slog.Debug("[Verto] Write failed", "conn_id", c.id, "error", err)
	}
}

// request sends a server-originated JSON-RPC request.
func (c *conn) request(method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	c.send(Request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  raw,
	})
}

// --- Destination grammar ---

// startForDest creates the session (and call, for user destinations) for
// a dialed destination.
func (s *Server) startForDest(dest string, offer *media.Payload, link fabric.VertoLink) (*session.Session, error) {
	switch {
	case dest == "e":
		return s.sessions.Start(session.Config{
			Service:  s.cfg.Service,
			Type:     backend.TypeEcho,
			Offer:    offer,
			Register: link,
		})
	case dest == "p":
		return s.sessions.Start(session.Config{
			Service:  s.cfg.Service,
			Type:     backend.TypePark,
			Offer:    offer,
			Register: link,
		})
	case strings.HasPrefix(dest, "m"):
		room := dest
		if !strings.HasPrefix(dest, "mcu") {
			room = strings.TrimPrefix(dest, "m")
		}
		return s.sessions.Start(session.Config{
			Service:  s.cfg.Service,
			Type:     backend.TypeMCU,
			TypeExt:  map[string]any{"room_id": room},
			Offer:    offer,
			Register: link,
		})
	case strings.HasPrefix(dest, "f"):
		return s.startBridgeDest(strings.TrimPrefix(dest, "f"), offer, link)
	default:
		return s.startUserCall(dest, offer, link)
	}
}

// startBridgeDest parks the leg, or bridges it when the remainder names a
// live session.
func (s *Server) startBridgeDest(peer string, offer *media.Payload, link fabric.VertoLink) (*session.Session, error) {
	if _, err := s.sessions.Get(peer); err != nil {
		// Unknown peer: park and wait to be bridged by name later.
		return s.sessions.Start(session.Config{
			Service:  s.cfg.Service,
			Type:     backend.TypePark,
			Offer:    offer,
			Register: link,
		})
	}
	sess, err := s.sessions.Start(session.Config{
		Service:  s.cfg.Service,
		Type:     backend.TypeCall,
		Offer:    offer,
		Register: link,
	})
	if err != nil {
		return nil, err
	}
	if err := sess.Update(backend.UpdateSessionType, map[string]any{
		"session_type": string(backend.TypeBridge),
		"peer_id":      peer,
	}); err != nil {
		sess.Stop(backendErrReason(err))
		return nil, err
	}
	return sess, nil
}

// startUserCall fans the destination out as a core call; the inbound leg
// receives the winner's answer through a subscription to the call's answer
// event.
func (s *Server) startUserCall(dest string, offer *media.Payload, link fabric.VertoLink) (*session.Session, error) {
	sess, err := s.sessions.Start(session.Config{
		Service:  s.cfg.Service,
		Type:     backend.TypeCall,
		Offer:    offer,
		Register: link,
	})
	if err != nil {
		return nil, err
	}
	coreCall, err := s.calls.Start(call.Config{
		Service:      s.cfg.Service,
		Callee:       dest,
		Offer:        offer,
		Meta:         map[string]any{"master_peer": sess.ID()},
		Register:     sess.Link(),
		RegisterRole: "session",
	})
	if err != nil {
		sess.Stop(call.ReasonNoDestination)
		return nil, err
	}
	// The call observes the session and vice versa: either death ends
	// the other.
	sess.Register("", coreCall.Link(), nil)

	// The winner's answer flows back into the inbound leg; a hangup
	// before answer stops it.
	unsub := s.bus.Subscribe(s.cfg.Service, event.SubclassCall, coreCall.ID(), func(ev event.Event) {
		switch ev.Tag {
		case event.TagAnswer:
			if payload, ok := ev.Payload.(map[string]any); ok {
				if ans, ok := payload["answer"].(*media.Payload); ok && ans != nil {
					if err := sess.SetAnswer(ans); err != nil && !errcode.Is(err, errcode.KindAlreadyAnswered) {
						slog.Warn("[Verto] Call answer rejected by session",
							"session_id", sess.ID(),
							"error", err,
						)
					}
				}
			}
		case event.TagHangup:
			reason := call.ReasonUserHangup
			if payload, ok := ev.Payload.(map[string]any); ok {
				if r, ok := payload["reason"].(string); ok {
					reason = r
				}
			}
			sess.Stop(reason)
		}
	}, nil)
	go func() {
		<-sess.Done()
		unsub()
	}()
	return sess, nil
}

// --- Core-facing hooks ---

// Resolver contributes destinations for callees logged in over Verto.
func (s *Server) Resolver() call.Resolver {
	return call.ResolverFunc(func(ctx context.Context, service, callee string) ([]call.Destination, bool) {
		conns := s.connsForUser(callee)
		if len(conns) == 0 {
			return nil, false
		}
		dests := make([]call.Destination, 0, len(conns))
		for _, c := range conns {
			dests = append(dests, call.Destination{
				Dest:    "verto:" + c.id,
				SDPType: media.SDPTypeWebRTC,
			})
		}
		return dests, true
	})
}

// Invite implements the call dispatcher hook for Verto endpoints.
func (s *Server) Invite(ctx context.Context, callID string, dest call.Destination, offer *media.Payload, meta map[string]any) call.InviteReply {
	connID, ok := strings.CutPrefix(dest.Dest, "verto:")
	if !ok {
		return call.InviteReply{Remove: true}
	}
	s.mu.RLock()
	c := s.conns[connID]
	s.mu.RUnlock()
	if c == nil {
		return call.InviteReply{Remove: true}
	}

	clientCallID := uuid.New().String()
	link := fabric.VertoLink{ConnID: c.id, CallID: clientCallID, Life: c.life}

	c.mu.Lock()
	c.invites[clientCallID] = &outInvite{callID: callID, link: link}
	c.mu.Unlock()

	sdp := ""
	if offer != nil {
		sdp = offer.SDP
	}
	c.request(MethodInvite, CallParams{
		SDP: sdp,
		DialogParams: DialogParams{
			CallID:         clientCallID,
			CallerIDNumber: metaString(meta, "caller_id"),
		},
	})
	return call.InviteReply{Link: link}
}

// Cancel implements the call dispatcher hook: the losing endpoint
// receives verto.bye.
func (s *Server) Cancel(callID string, link fabric.Link) {
	vlink, ok := link.(fabric.VertoLink)
	if !ok {
		return
	}
	s.mu.RLock()
	c := s.conns[vlink.ConnID]
	s.mu.RUnlock()
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.invites, vlink.CallID)
	c.mu.Unlock()
	c.request(MethodBye, CallParams{
		DialogParams: DialogParams{CallID: vlink.CallID},
	})
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	v, _ := meta[key].(string)
	return v
}

func backendErrReason(err error) string {
	if k := errcode.KindOf(err); k == errcode.KindBackendError {
		return err.Error()
	}
	return string(errcode.KindBackendError)
}

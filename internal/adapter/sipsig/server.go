// Package sipsig is the SIP signaling adapter: a sipgo-based UAS/UAC that
// translates SIP methods into core session and call operations and
// surfaces core events back onto the wire.
package sipsig

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/atyenoria/nkmedia/internal/call"
	"github.com/atyenoria/nkmedia/internal/event"
	"github.com/atyenoria/nkmedia/internal/fabric"
	"github.com/atyenoria/nkmedia/internal/media"
	"github.com/atyenoria/nkmedia/internal/session"
)

// answerWait bounds how long an inbound INVITE waits for the core to
// produce an answer.
const answerWait = 60 * time.Second

// InviteHook resolves an inbound INVITE to a live session. The default
// hook (set by the composition root) creates a session or starts a call
// from the destination user.
type InviteHook func(service, dest string, offer *media.Payload, link fabric.SIPInLink) (*session.Session, error)

// Config holds the adapter settings.
type Config struct {
	Service       string
	BindAddr      string
	Port          int
	AdvertiseAddr string

	SIPRegistrar            bool
	SIPDomain               string
	SIPRegistrarForceDomain bool
	SIPInviteNotRegistered  bool
}

// Adapter is the SIP signaling endpoint.
type Adapter struct {
	cfg      Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	location *LocationStore
	bus      *event.Bus
	invite   InviteHook
	sessions *session.Manager
	calls    CallReplies

	mu       sync.Mutex
	inbound  map[string]*inboundLeg  // request handle -> leg
	dialogs  map[string]*inboundLeg  // dialog handle -> leg
	outbound map[string]*outboundLeg // dest link key -> leg
}

// inboundLeg tracks one INVITE transaction and, once answered, its dialog.
type inboundLeg struct {
	reqHandle    string
	dialogHandle string
	req          *sip.Request
	tx           sip.ServerTransaction
	link         fabric.SIPInLink
	sessionID    string
	answered     bool
	unsub        func()
}

// New creates the adapter. Call Serve to bind the listener.
func New(cfg Config, bus *event.Bus) (*Adapter, error) {
	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("create user agent: %w", err)
	}
	srv, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create server: %w", err)
	}
	client, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}

	a := &Adapter{
		cfg:      cfg,
		ua:       ua,
		srv:      srv,
		client:   client,
		location: NewLocationStore(),
		bus:      bus,
		inbound:  make(map[string]*inboundLeg),
		dialogs:  make(map[string]*inboundLeg),
		outbound: make(map[string]*outboundLeg),
	}

	srv.OnRequest(sip.REGISTER, a.handleRegister)
	srv.OnRequest(sip.INVITE, a.handleInvite)
	srv.OnRequest(sip.ACK, a.handleACK)
	srv.OnRequest(sip.CANCEL, a.handleCancel)
	srv.OnRequest(sip.BYE, a.handleBye)

	return a, nil
}

// SetInviteHook installs the inbound invite resolution hook.
func (a *Adapter) SetInviteHook(h InviteHook) { a.invite = h }

// SetSessionManager wires the session registry used for BYE/CANCEL
// teardown.
func (a *Adapter) SetSessionManager(m *session.Manager) { a.sessions = m }

// Location exposes the registration store (the user resolver reads it).
func (a *Adapter) Location() *LocationStore { return a.location }

// Serve binds the UDP listener and blocks until ctx is canceled.
func (a *Adapter) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.BindAddr, a.cfg.Port)
	slog.Info("[SIP] Listening", "addr", addr)
	return a.srv.ListenAndServe(ctx, "udp", addr)
}

// Close shuts the adapter down.
func (a *Adapter) Close() error {
	a.location.Close()
	return a.ua.Close()
}

// --- Inbound ---

func (a *Adapter) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	// An in-dialog INVITE carries a To tag; renegotiation is not offered.
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			a.respond(tx, req, StatusDecline, "Renegotiation Not Supported", nil)
			return
		}
	}

	dest := req.Recipient.User
	if dest == "" {
		a.respond(tx, req, StatusNotFound, "No Destination", nil)
		return
	}
	if !a.cfg.SIPInviteNotRegistered {
		aor := dest + "@" + a.realm()
		if len(a.location.Lookup(aor)) == 0 {
			a.respond(tx, req, StatusNotFound, "Not Registered", nil)
			return
		}
	}

	body := req.Body()
	if len(body) == 0 {
		a.respond(tx, req, sip.StatusNotAcceptable, "Missing SDP", nil)
		return
	}
	offer := &media.Payload{
		SDP:     string(body),
		SDPType: media.SDPTypeRTP,
	}

	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	leg := &inboundLeg{
		reqHandle:    uuid.New().String(),
		dialogHandle: callID,
		req:          req,
		tx:           tx,
		link: fabric.SIPInLink{
			Life: fabric.NewLifetime(),
		},
	}
	leg.link.ReqHandle = leg.reqHandle
	leg.link.DialogHandle = leg.dialogHandle

	a.mu.Lock()
	a.inbound[leg.reqHandle] = leg
	a.dialogs[leg.dialogHandle] = leg
	a.mu.Unlock()

	a.respond(tx, req, sip.StatusTrying, "Trying", nil)

	go a.runInvite(leg, dest, offer)
}

// runInvite resolves the destination through the invite hook, waits for
// the core's answer, and completes the transaction.
func (a *Adapter) runInvite(leg *inboundLeg, dest string, offer *media.Payload) {
	slog.Info("[SIP] INVITE", "dest", dest, "call_id", leg.dialogHandle, "source", leg.req.Source())

	if a.invite == nil {
		a.finishInvite(leg, StatusServiceUnavail, "No Invite Hook", nil)
		return
	}

	sess, err := a.invite(a.cfg.Service, dest, offer, leg.link)
	if err != nil {
		slog.Info("[SIP] Invite rejected", "dest", dest, "error", err)
		a.finishInvite(leg, StatusNotFound, "Not Found", nil)
		return
	}

	a.mu.Lock()
	leg.sessionID = sess.ID()
	a.mu.Unlock()

	// The session's stop ends the wire leg: BYE in-dialog, 487 before.
	leg.unsub = a.bus.Subscribe(a.cfg.Service, event.SubclassSession, sess.ID(), func(ev event.Event) {
		if ev.Tag == event.TagStop {
			a.sessionStopped(leg)
		}
	}, nil)

	a.respond(leg.tx, leg.req, StatusRinging, "Ringing", nil)

	answer, err := sess.GetAnswer(answerWait)
	if err != nil {
		a.mu.Lock()
		gone := a.dialogs[leg.dialogHandle] != leg
		a.mu.Unlock()
		if gone {
			// CANCEL or session stop already completed the transaction.
			return
		}
		slog.Info("[SIP] No answer for invite", "dest", dest, "error", err)
		a.finishInvite(leg, StatusRequestTimeout, "No Answer", nil)
		sess.Stop(session.ReasonTimeout)
		return
	}

	a.mu.Lock()
	leg.answered = true
	a.mu.Unlock()

	a.finishInvite(leg, sip.StatusOK, "OK", []byte(answer.SDP))
}

func (a *Adapter) finishInvite(leg *inboundLeg, code sip.StatusCode, reason string, body []byte) {
	res := sip.NewResponseFromRequest(leg.req, code, reason, body)
	if body != nil {
		contentType := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&contentType)
	}
	if err := leg.tx.Respond(res); err != nil {
		slog.Error("[SIP] Response failed", "call_id", leg.dialogHandle, "error", err)
	}
	if code >= 300 {
		a.dropInbound(leg)
	}
}

func (a *Adapter) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	// Dialog confirmed; nothing to do beyond transaction absorption.
}

func (a *Adapter) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	a.mu.Lock()
	leg := a.dialogs[callID]
	a.mu.Unlock()

	a.respond(tx, req, sip.StatusOK, "OK", nil)

	if leg == nil || leg.answered {
		return
	}
	slog.Info("[SIP] CANCEL", "call_id", callID)
	a.finishInvite(leg, StatusRequestTerminated, "Request Terminated", nil)
	a.stopLegSession(leg, "sip_cancel")
}

func (a *Adapter) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := ""
	if h := req.CallID(); h != nil {
		callID = h.Value()
	}
	a.mu.Lock()
	leg := a.dialogs[callID]
	a.mu.Unlock()

	a.respond(tx, req, sip.StatusOK, "OK", nil)

	if leg == nil {
		a.handleOutboundBye(callID)
		return
	}
	slog.Info("[SIP] BYE", "call_id", callID)
	a.stopLegSession(leg, "sip_bye")
}

// sessionStopped ends the wire leg after the core stopped the session.
func (a *Adapter) sessionStopped(leg *inboundLeg) {
	a.mu.Lock()
	answered := leg.answered
	known := a.dialogs[leg.dialogHandle] == leg
	a.mu.Unlock()
	if !known {
		return
	}
	if answered {
		a.sendBye(leg)
	} else {
		a.finishInvite(leg, StatusRequestTerminated, "Request Terminated", nil)
	}
	a.dropInbound(leg)
}

// sendBye terminates a confirmed dialog from our side.
func (a *Adapter) sendBye(leg *inboundLeg) {
	from := leg.req.From()
	to := leg.req.To()
	if from == nil || to == nil {
		return
	}

	bye := sip.NewRequest(sip.BYE, from.Address)
	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)
	callIDHdr := sip.CallIDHeader(leg.dialogHandle)
	bye.AppendHeader(&callIDHdr)
	bye.AppendHeader(&sip.FromHeader{Address: to.Address, Params: to.Params})
	bye.AppendHeader(&sip.ToHeader{Address: from.Address, Params: from.Params})
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 2, MethodName: sip.BYE})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.client.TransactionRequest(ctx, bye); err != nil {
		slog.Warn("[SIP] BYE send failed", "call_id", leg.dialogHandle, "error", err)
	}
}

func (a *Adapter) stopLegSession(leg *inboundLeg, reason string) {
	a.mu.Lock()
	sessionID := leg.sessionID
	if leg.unsub != nil {
		leg.unsub()
		leg.unsub = nil
	}
	a.mu.Unlock()

	a.dropInbound(leg)
	leg.link.Life.End()

	if sessionID != "" && a.sessions != nil {
		if sess, err := a.sessions.Get(sessionID); err == nil {
			sess.Stop(reason)
		}
	}
}

func (a *Adapter) dropInbound(leg *inboundLeg) {
	a.mu.Lock()
	if leg.unsub != nil {
		leg.unsub()
		leg.unsub = nil
	}
	delete(a.inbound, leg.reqHandle)
	if a.dialogs[leg.dialogHandle] == leg {
		delete(a.dialogs, leg.dialogHandle)
	}
	a.mu.Unlock()
}

func (a *Adapter) respond(tx sip.ServerTransaction, req *sip.Request, code sip.StatusCode, reason string, body []byte) {
	res := sip.NewResponseFromRequest(req, code, reason, body)
	if err := tx.Respond(res); err != nil {
		slog.Error("[SIP] Response failed", "code", int(code), "error", err)
	}
}

func (a *Adapter) realm() string {
	if a.cfg.SIPDomain != "" {
		return a.cfg.SIPDomain
	}
	return a.cfg.AdvertiseAddr
}

// --- Resolver contribution ---

// Resolver expands a callee into the registered contacts for it. Bare
// users resolve against the realm; sip: URIs pass through directly.
func (a *Adapter) Resolver() call.Resolver {
	return call.ResolverFunc(func(ctx context.Context, service, callee string) ([]call.Destination, bool) {
		if strings.HasPrefix(callee, "sip:") || strings.HasPrefix(callee, "sips:") {
			return []call.Destination{{Dest: callee, SDPType: media.SDPTypeRTP}}, true
		}
		aor := callee
		if !strings.Contains(aor, "@") {
			aor = callee + "@" + a.realm()
		}
		bindings := a.location.Lookup(aor)
		if len(bindings) == 0 {
			return nil, false
		}
		dests := make([]call.Destination, 0, len(bindings))
		for _, b := range bindings {
			dests = append(dests, call.Destination{
				Dest:    b.ContactURI,
				SDPType: media.SDPTypeRTP,
			})
		}
		return dests, true
	})
}

// Package app is the composition root: it wires the observer fabric, the
// event bus, the session and call managers, the backend adapters, and the
// three signaling endpoints into one running orchestrator.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atyenoria/nkmedia/internal/adapter/apiserver"
	"github.com/atyenoria/nkmedia/internal/adapter/sipsig"
	"github.com/atyenoria/nkmedia/internal/adapter/verto"
	"github.com/atyenoria/nkmedia/internal/backend"
	"github.com/atyenoria/nkmedia/internal/backend/fs"
	"github.com/atyenoria/nkmedia/internal/backend/kms"
	"github.com/atyenoria/nkmedia/internal/backend/p2p"
	"github.com/atyenoria/nkmedia/internal/call"
	"github.com/atyenoria/nkmedia/internal/config"
	"github.com/atyenoria/nkmedia/internal/engine"
	"github.com/atyenoria/nkmedia/internal/engine/fsrpc"
	"github.com/atyenoria/nkmedia/internal/engine/kmsrpc"
	"github.com/atyenoria/nkmedia/internal/errcode"
	"github.com/atyenoria/nkmedia/internal/event"
	"github.com/atyenoria/nkmedia/internal/fabric"
	"github.com/atyenoria/nkmedia/internal/media"
	"github.com/atyenoria/nkmedia/internal/metrics"
	"github.com/atyenoria/nkmedia/internal/room"
	"github.com/atyenoria/nkmedia/internal/session"
)

// Orchestrator owns every long-lived component.
type Orchestrator struct {
	cfg *config.Config

	registry *fabric.Registry
	bus      *event.Bus
	sessions *session.Manager
	calls    *call.Manager
	rooms    *room.Registry
	monitor  *engine.Monitor
	metrics  *metrics.Metrics

	sipAdapter  *sipsig.Adapter
	vertoServer *verto.Server
	apiServer   *apiserver.Server

	fsClient  *fsrpc.Client
	kmsClient *kmsrpc.Client
}

// sessionStopper adapts the session manager to the room registry.
type sessionStopper struct {
	sessions *session.Manager
}

func (s *sessionStopper) StopSession(id, reason string) {
	if sess, err := s.sessions.Get(id); err == nil {
		sess.Stop(reason)
	}
}

// New builds the orchestrator from configuration.
func New(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	o := &Orchestrator{
		cfg:      cfg,
		registry: fabric.NewRegistry(),
		metrics:  metrics.New(),
	}
	o.bus = event.NewBus(o.registry)

	// Backend adapters. The session manager is created first with an
	// empty adapter list and completed below so the engine clients can
	// dispatch events into it.
	var adapters []backend.Adapter

	o.sessions = session.NewManager(o.registry, o.bus, o.metrics)
	o.monitor = engine.NewMonitor(o.sessions)
	o.rooms = room.NewRegistry(o.bus, &sessionStopper{sessions: o.sessions})

	if cfg.FSControlURL != "" {
		fsClient, err := fsrpc.Dial(ctx, cfg.FSControlURL,
			o.sessions.DispatchEngineEvent,
			func(up bool) { o.setEngineState("fs", up) },
		)
		if err != nil {
			return nil, fmt.Errorf("connect fs engine: %w", err)
		}
		o.fsClient = fsClient
		adapters = append(adapters, fs.New(fs.Config{
			Client: fsClient,
			WebRTC: fsClient.Module(media.SDPTypeWebRTC),
			RTP:    fsClient.Module(media.SDPTypeRTP),
		}))
		o.monitor.Register(&engine.Engine{
			Name:        "fs",
			Kind:        engine.KindFS,
			DockerImage: cfg.FSDockerImage,
		})
		o.monitor.SetState("fs", engine.StateUp)
	}

	if cfg.KMSControlURL != "" {
		kmsClient, err := kmsrpc.Dial(ctx, cfg.KMSControlURL,
			o.sessions.DispatchEngineEvent,
			func(up bool) { o.setEngineState("kms", up) },
		)
		if err != nil {
			return nil, fmt.Errorf("connect kms engine: %w", err)
		}
		o.kmsClient = kmsClient
		adapters = append(adapters, kms.New(kms.Config{
			Client: kmsClient,
			Rooms:  o.rooms,
		}))
		o.monitor.Register(&engine.Engine{
			Name:        "kms",
			Kind:        engine.KindKMS,
			DockerImage: cfg.KMSDockerImage,
		})
		o.monitor.SetState("kms", engine.StateUp)
	}

	adapters = append(adapters, p2p.New())
	o.sessions.SetAdapters(adapters...)

	// Signaling endpoints.
	sipAdapter, err := sipsig.New(sipsig.Config{
		Service:                 cfg.Service,
		BindAddr:                cfg.SIPBindAddr,
		Port:                    cfg.SIPPort,
		AdvertiseAddr:           cfg.AdvertiseAddr,
		SIPRegistrar:            cfg.SIPRegistrar,
		SIPDomain:               cfg.SIPDomain,
		SIPRegistrarForceDomain: cfg.SIPRegistrarForceDomain,
		SIPInviteNotRegistered:  cfg.SIPInviteNotRegistered,
	}, o.bus)
	if err != nil {
		return nil, err
	}
	o.sipAdapter = sipAdapter
	sipAdapter.SetSessionManager(o.sessions)

	// The call layer: resolver chain and dispatcher fan out across the
	// adapters; most specific resolvers first.
	dispatcher := &multiDispatcher{}
	resolvers := call.NewChain()
	o.calls = call.NewManager(o.registry, o.bus, resolvers, dispatcher, o.metrics)
	sipAdapter.SetCallManager(o.calls)

	o.vertoServer = verto.NewServer(verto.Config{Service: cfg.Service}, o.sessions, o.calls, o.bus)
	o.apiServer = apiserver.NewServer(apiserver.Config{Service: cfg.Service}, o.sessions, o.calls, o.rooms, o.bus)

	resolvers.Append(o.vertoServer.Resolver())
	resolvers.Append(sipAdapter.Resolver())
	dispatcher.targets = []dispatchTarget{
		{prefix: "verto:", d: o.vertoServer},
		{prefix: "api:", d: o.apiServer},
		{prefix: "sip", d: sipAdapter}, // sip: and sips:
	}

	sipAdapter.SetInviteHook(o.sipInvite)

	return o, nil
}

func (o *Orchestrator) setEngineState(name string, up bool) {
	state := engine.StateDown
	if up {
		state = engine.StateUp
	}
	o.monitor.SetState(name, state)
}

// Run starts every listener and blocks until ctx is canceled or one of
// them fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.sipAdapter.Serve(ctx) })

	for _, addr := range o.cfg.VertoListen {
		srv := &http.Server{Addr: addr, Handler: o.vertoServer.Handler()}
		g.Go(func() error {
			slog.Info("[Verto] Listening", "addr", addr)
			return serveHTTP(ctx, srv)
		})
	}

	apiSrv := &http.Server{Addr: o.cfg.APIListen, Handler: o.apiServer.Handler()}
	g.Go(func() error {
		slog.Info("[API] Listening", "addr", o.cfg.APIListen)
		return serveHTTP(ctx, apiSrv)
	})

	if o.cfg.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", o.metrics.Handler())
		metricsSrv := &http.Server{Addr: o.cfg.MetricsListen, Handler: mux}
		g.Go(func() error {
			slog.Info("[Metrics] Listening", "addr", o.cfg.MetricsListen)
			return serveHTTP(ctx, metricsSrv)
		})
	}

	return g.Wait()
}

func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Close stops the engines and adapters.
func (o *Orchestrator) Close() {
	o.sessions.StopAll("", session.ReasonUserStop)
	if o.fsClient != nil {
		o.fsClient.Close()
	}
	if o.kmsClient != nil {
		o.kmsClient.Close()
	}
	_ = o.sipAdapter.Close()
}

// --- SIP invite hook ---

// sipInvite maps an inbound SIP destination onto a session: short service
// destinations select the type directly, anything else fans out as a call
// to the resolved user.
func (o *Orchestrator) sipInvite(service, dest string, offer *media.Payload, link fabric.SIPInLink) (*session.Session, error) {
	switch {
	case dest == "e":
		return o.sessions.Start(session.Config{
			Service:  service,
			Type:     backend.TypeEcho,
			Offer:    offer,
			Register: link,
		})
	case dest == "p":
		return o.sessions.Start(session.Config{
			Service:  service,
			Type:     backend.TypePark,
			Offer:    offer,
			Register: link,
		})
	case strings.HasPrefix(dest, "m"):
		room := dest
		if !strings.HasPrefix(dest, "mcu") {
			room = strings.TrimPrefix(dest, "m")
		}
		return o.sessions.Start(session.Config{
			Service:  service,
			Type:     backend.TypeMCU,
			TypeExt:  map[string]any{"room_id": room},
			Offer:    offer,
			Register: link,
		})
	case strings.HasPrefix(dest, "f"):
		return o.sipBridgeDest(service, strings.TrimPrefix(dest, "f"), offer, link)
	default:
		return o.sipUserCall(service, dest, offer, link)
	}
}

func (o *Orchestrator) sipBridgeDest(service, peer string, offer *media.Payload, link fabric.SIPInLink) (*session.Session, error) {
	if _, err := o.sessions.Get(peer); err != nil {
		return o.sessions.Start(session.Config{
			Service:  service,
			Type:     backend.TypePark,
			Offer:    offer,
			Register: link,
		})
	}
	sess, err := o.sessions.Start(session.Config{
		Service:  service,
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
		sess.Stop(string(errcode.KindBackendError))
		return nil, err
	}
	return sess, nil
}

func (o *Orchestrator) sipUserCall(service, dest string, offer *media.Payload, link fabric.SIPInLink) (*session.Session, error) {
	sess, err := o.sessions.Start(session.Config{
		Service:  service,
		Type:     backend.TypeCall,
		Offer:    offer,
		Register: link,
	})
	if err != nil {
		return nil, err
	}
	coreCall, err := o.calls.Start(call.Config{
		Service:      service,
		Callee:       dest,
		Offer:        offer,
		Register:     sess.Link(),
		RegisterRole: "session",
	})
	if err != nil {
		sess.Stop(call.ReasonNoDestination)
		return nil, err
	}
	sess.Register("", coreCall.Link(), nil)

	unsub := o.bus.Subscribe(service, event.SubclassCall, coreCall.ID(), func(ev event.Event) {
		switch ev.Tag {
		case event.TagAnswer:
			if payload, ok := ev.Payload.(map[string]any); ok {
				if ans, ok := payload["answer"].(*media.Payload); ok && ans != nil {
					_ = sess.SetAnswer(ans)
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

// --- Dispatcher fan-out ---

type dispatchTarget struct {
	prefix string
	d      call.Dispatcher
}

// multiDispatcher routes invite launches to the adapter owning the
// destination scheme.
type multiDispatcher struct {
	targets []dispatchTarget
}

func (m *multiDispatcher) Invite(ctx context.Context, callID string, dest call.Destination, offer *media.Payload, meta map[string]any) call.InviteReply {
	for _, t := range m.targets {
		if strings.HasPrefix(dest.Dest, t.prefix) {
			return t.d.Invite(ctx, callID, dest, offer, meta)
		}
	}
	return call.InviteReply{Remove: true}
}

func (m *multiDispatcher) Cancel(callID string, link fabric.Link) {
	for _, t := range m.targets {
		t.d.Cancel(callID, link)
	}
}

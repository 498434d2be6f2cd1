package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atyenoria/nkmedia/internal/errcode"
	"github.com/atyenoria/nkmedia/internal/event"
	"github.com/atyenoria/nkmedia/internal/fabric"
	"github.com/atyenoria/nkmedia/internal/media"
)

// fakeDispatcher launches invites instantly and records cancels.
type fakeDispatcher struct {
	mu        sync.Mutex
	launched  []string
	canceled  []string
	removeAll bool
	retryOnce map[string]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{retryOnce: make(map[string]bool)}
}

func (d *fakeDispatcher) Invite(ctx context.Context, callID string, dest Destination, offer *media.Payload, meta map[string]any) InviteReply {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removeAll {
		return InviteReply{Remove: true}
	}
	if d.retryOnce[dest.Dest] {
		delete(d.retryOnce, dest.Dest)
		return InviteReply{Retry: 10 * time.Millisecond}
	}
	d.launched = append(d.launched, dest.Dest)
	return InviteReply{Link: fabric.SIPOutLink{DestURI: dest.Dest, Life: fabric.NewLifetime()}}
}

func (d *fakeDispatcher) Cancel(callID string, link fabric.Link) {
	d.mu.Lock()
	d.canceled = append(d.canceled, link.Key())
	d.mu.Unlock()
}

func (d *fakeDispatcher) launchedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.launched)
}

func (d *fakeDispatcher) canceledCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.canceled)
}

func staticResolver(dests ...Destination) Resolver {
	return ResolverFunc(func(ctx context.Context, service, callee string) ([]Destination, bool) {
		if len(dests) == 0 {
			return nil, false
		}
		return dests, true
	})
}

func newTestManager(t *testing.T, dispatcher Dispatcher, resolvers ...Resolver) (*Manager, *event.Bus) {
	t.Helper()
	registry := fabric.NewRegistry()
	bus := event.NewBus(registry)
	return NewManager(registry, bus, NewChain(resolvers...), dispatcher, nil), bus
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNoDestinationHangsUpWithinGrace(t *testing.T) {
	dispatcher := newFakeDispatcher()
	mgr, bus := newTestManager(t, dispatcher, staticResolver())

	var mu sync.Mutex
	var reasons []string
	bus.Subscribe("", event.SubclassCall, "", func(ev event.Event) {
		if ev.Tag == event.TagHangup {
			payload := ev.Payload.(map[string]any)
			mu.Lock()
			reasons = append(reasons, payload["reason"].(string))
			mu.Unlock()
		}
	}, nil)

	start := time.Now()
	c, err := mgr.Start(Config{Service: "srv", Callee: "unknown"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-c.Done():
	case <-time.After(300 * time.Millisecond):
		t.Fatal("call did not terminate")
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Errorf("termination took %v, want < 200ms + scheduling slack", elapsed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != ReasonNoDestination {
		t.Errorf("hangup reasons = %v, want [no_destination]", reasons)
	}

	if _, err := mgr.Get(c.ID()); !errcode.Is(err, errcode.KindCallNotFound) {
		t.Errorf("Get after termination = %v, want call_not_found", err)
	}
}

func TestFirstAnswerWinsCancelsLosers(t *testing.T) {
	dispatcher := newFakeDispatcher()
	mgr, bus := newTestManager(t, dispatcher, staticResolver(
		Destination{Dest: "sip:a@h", Ring: 5 * time.Second},
		Destination{Dest: "sip:b@h", Ring: 10 * time.Second},
		Destination{Dest: "sip:c@h", Ring: 15 * time.Second},
	))

	var mu sync.Mutex
	answers := 0
	bus.Subscribe("", event.SubclassCall, "", func(ev event.Event) {
		if ev.Tag == event.TagAnswer {
			mu.Lock()
			answers++
			mu.Unlock()
		}
	}, nil)

	c, err := mgr.Start(Config{Service: "srv", Callee: "alice"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "all invites launched", func() bool { return dispatcher.launchedCount() == 3 })

	winner, err := c.LinkFor("sip:b@h")
	if err != nil {
		t.Fatalf("LinkFor: %v", err)
	}
	if err := c.Answered(winner, &media.Payload{SDP: "v=0 ans"}); err != nil {
		t.Fatalf("Answered: %v", err)
	}

	waitFor(t, "losers canceled", func() bool { return dispatcher.canceledCount() == 2 })

	// A second answer must be rejected and emit nothing.
	other, _ := c.LinkFor("sip:a@h")
	if other != nil {
		t.Fatal("losing invite still addressable after cancel")
	}
	if err := c.Answered(winner, nil); !errcode.Is(err, errcode.KindAlreadyAnswered) {
		t.Errorf("second Answered = %v, want already_answered", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if answers != 1 {
		t.Errorf("answer events = %d, want 1", answers)
	}
}

func TestAllRejectedFailsWithNoAnswer(t *testing.T) {
	dispatcher := newFakeDispatcher()
	mgr, bus := newTestManager(t, dispatcher, staticResolver(
		Destination{Dest: "sip:a@h"},
		Destination{Dest: "sip:b@h"},
	))

	var mu sync.Mutex
	var reason string
	bus.Subscribe("", event.SubclassCall, "", func(ev event.Event) {
		if ev.Tag == event.TagHangup {
			payload := ev.Payload.(map[string]any)
			mu.Lock()
			reason = payload["reason"].(string)
			mu.Unlock()
		}
	}, nil)

	c, err := mgr.Start(Config{Service: "srv", Callee: "alice"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "invites launched", func() bool { return dispatcher.launchedCount() == 2 })

	for _, dest := range []string{"sip:a@h", "sip:b@h"} {
		link, err := c.LinkFor(dest)
		if err != nil {
			t.Fatalf("LinkFor(%s): %v", dest, err)
		}
		if err := c.Rejected(link); err != nil {
			t.Fatalf("Rejected(%s): %v", dest, err)
		}
	}

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("call did not terminate after all rejections")
	}

	mu.Lock()
	defer mu.Unlock()
	if reason != ReasonNoAnswer {
		t.Errorf("hangup reason = %q, want %q", reason, ReasonNoAnswer)
	}
}

func TestRingExpiryCancelsInvite(t *testing.T) {
	dispatcher := newFakeDispatcher()
	mgr, _ := newTestManager(t, dispatcher, staticResolver(
		Destination{Dest: "sip:slow@h", Ring: 30 * time.Millisecond},
	))

	c, err := mgr.Start(Config{Service: "srv", Callee: "alice"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, "expired invite canceled", func() bool { return dispatcher.canceledCount() == 1 })

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("call did not fail after ring expiry")
	}
}

func TestRetryReschedulesLaunch(t *testing.T) {
	dispatcher := newFakeDispatcher()
	dispatcher.retryOnce["sip:a@h"] = true
	mgr, _ := newTestManager(t, dispatcher, staticResolver(
		Destination{Dest: "sip:a@h"},
	))

	if _, err := mgr.Start(Config{Service: "srv", Callee: "alice"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "retried invite launched", func() bool { return dispatcher.launchedCount() == 1 })
}

func TestWaitSecondsDelaysLaunch(t *testing.T) {
	dispatcher := newFakeDispatcher()
	mgr, _ := newTestManager(t, dispatcher, staticResolver(
		Destination{Dest: "sip:later@h", Wait: 60 * time.Millisecond},
	))

	if _, err := mgr.Start(Config{Service: "srv", Callee: "alice"}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if dispatcher.launchedCount() != 0 {
		t.Fatal("invite launched before wait_seconds elapsed")
	}
	waitFor(t, "delayed invite launched", func() bool { return dispatcher.launchedCount() == 1 })
}

func TestHangupIdempotentAndCancelsOutstanding(t *testing.T) {
	dispatcher := newFakeDispatcher()
	mgr, bus := newTestManager(t, dispatcher, staticResolver(
		Destination{Dest: "sip:a@h"},
		Destination{Dest: "sip:b@h"},
	))

	var mu sync.Mutex
	hangups := 0
	bus.Subscribe("", event.SubclassCall, "", func(ev event.Event) {
		if ev.Tag == event.TagHangup {
			mu.Lock()
			hangups++
			mu.Unlock()
		}
	}, nil)

	c, err := mgr.Start(Config{Service: "srv", Callee: "alice"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "invites launched", func() bool { return dispatcher.launchedCount() == 2 })

	c.Hangup(ReasonUserHangup)
	c.Hangup(ReasonUserHangup)

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("call did not terminate")
	}

	if got := dispatcher.canceledCount(); got != 2 {
		t.Errorf("canceled = %d, want 2", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if hangups != 1 {
		t.Errorf("hangup events = %d, want 1", hangups)
	}
}

func TestObserverDeathReasons(t *testing.T) {
	tests := []struct {
		name   string
		role   string
		link   func(life *fabric.Lifetime) fabric.Link
		reason string
	}{
		{
			name:   "callee death",
			role:   "callee",
			link:   func(l *fabric.Lifetime) fabric.Link { return fabric.SessionLink{ID: "s1", Life: l} },
			reason: ReasonCalleeStop,
		},
		{
			name:   "session observer death",
			role:   "session",
			link:   func(l *fabric.Lifetime) fabric.Link { return fabric.SessionLink{ID: "s2", Life: l} },
			reason: ReasonSessionStop,
		},
		{
			name:   "api observer death",
			role:   "api",
			link:   func(l *fabric.Lifetime) fabric.Link { return fabric.APILink{ClientID: "c1", Life: l} },
			reason: ReasonRegisteredStop,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dispatcher := newFakeDispatcher()
			mgr, bus := newTestManager(t, dispatcher, staticResolver(
				Destination{Dest: "sip:a@h"},
			))

			var mu sync.Mutex
			var reason string
			bus.Subscribe("", event.SubclassCall, "", func(ev event.Event) {
				if ev.Tag == event.TagHangup {
					payload := ev.Payload.(map[string]any)
					mu.Lock()
					reason = payload["reason"].(string)
					mu.Unlock()
				}
			}, nil)

			life := fabric.NewLifetime()
			c, err := mgr.Start(Config{
				Service:      "srv",
				Callee:       "alice",
				Register:     tt.link(life),
				RegisterRole: tt.role,
			})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			waitFor(t, "invite launched", func() bool { return dispatcher.launchedCount() == 1 })

			life.End()

			select {
			case <-c.Done():
			case <-time.After(time.Second):
				t.Fatal("call did not hang up after observer death")
			}
			mu.Lock()
			defer mu.Unlock()
			if reason != tt.reason {
				t.Errorf("hangup reason = %q, want %q", reason, tt.reason)
			}
		})
	}
}

func TestResolverChainAccumulates(t *testing.T) {
	chain := NewChain(
		staticResolver(Destination{Dest: "sip:a@h"}),
		ResolverFunc(func(ctx context.Context, service, callee string) ([]Destination, bool) {
			return nil, false // passes
		}),
		staticResolver(Destination{Dest: "verto:b"}),
	)
	dests := chain.Resolve(context.Background(), "srv", "alice")
	if len(dests) != 2 {
		t.Fatalf("resolved %d destinations, want 2", len(dests))
	}
	if dests[0].Dest != "sip:a@h" || dests[1].Dest != "verto:b" {
		t.Errorf("destinations out of order: %+v", dests)
	}
}

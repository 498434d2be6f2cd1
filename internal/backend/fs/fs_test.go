package fs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/atyenoria/nkmedia/internal/backend"
	"github.com/atyenoria/nkmedia/internal/media"
)

// fakeClient records engine commands and lets tests fire events.
type fakeClient struct {
	mu        sync.Mutex
	transfers []string
	bridges   []string
	layouts   []string
	hangups   []string
	failNext  bool
}

func (c *fakeClient) Transfer(ctx context.Context, sessionID, dest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failNext {
		c.failNext = false
		return context.DeadlineExceeded
	}
	c.transfers = append(c.transfers, dest)
	return nil
}

func (c *fakeClient) Bridge(ctx context.Context, sessionID, peerID string) error {
	c.mu.Lock()
	c.bridges = append(c.bridges, peerID)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) ConfLayout(ctx context.Context, roomID, layout string) error {
	c.mu.Lock()
	c.layouts = append(c.layouts, roomID+"/"+layout)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Hangup(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.hangups = append(c.hangups, sessionID)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) lastTransfer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.transfers) == 0 {
		return ""
	}
	return c.transfers[len(c.transfers)-1]
}

// fakeModule returns canned SDP.
type fakeModule struct{ sdpType media.SDPType }

func (m *fakeModule) StartIn(ctx context.Context, sessionID string, offer media.Payload) (media.Payload, error) {
	return media.Payload{SDP: "v=0 fs-answer", SDPType: m.sdpType}, nil
}

func (m *fakeModule) StartOut(ctx context.Context, sessionID string) (media.Payload, error) {
	return media.Payload{SDP: "v=0 fs-offer", SDPType: m.sdpType}, nil
}

// fakeSession is a minimal backend.Session.
type fakeSession struct {
	mu      sync.Mutex
	id      string
	typ     backend.SessionType
	typeExt map[string]any
	offer   *media.Payload
	answer  *media.Payload
	ops     []backend.ExtOps
	stops   []string
}

func (s *fakeSession) ID() string                { return s.id }
func (s *fakeSession) Service() string           { return "srv" }
func (s *fakeSession) Type() backend.SessionType { return s.typ }

func (s *fakeSession) TypeExt() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.typeExt))
	for k, v := range s.typeExt {
		out[k] = v
	}
	return out
}

func (s *fakeSession) Offer() *media.Payload  { return s.offer }
func (s *fakeSession) Answer() *media.Payload { return s.answer }

func (s *fakeSession) ApplyOps(ops backend.ExtOps) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, ops)
	if ops.Type != "" {
		s.typ = ops.Type
	}
	if ops.TypeExt != nil {
		s.typeExt = ops.TypeExt
	}
}

func (s *fakeSession) EmitCandidate(c media.Candidate) {}

func (s *fakeSession) Stop(reason string) {
	s.mu.Lock()
	s.stops = append(s.stops, reason)
	s.mu.Unlock()
}

// startWithEvent runs inst.Start on a goroutine and fires the confirming
// engine event once the command reached the fake client.
func startWithEvent(t *testing.T, inst backend.Instance, client *fakeClient, typ backend.SessionType, kind string) *backend.Result {
	t.Helper()
	resCh := make(chan *backend.Result, 1)
	errCh := make(chan error, 1)
	go func() {
		res, err := inst.Start(context.Background(), typ)
		resCh <- res
		errCh <- err
	}()

	deadline := time.After(time.Second)
	for client.lastTransfer() == "" {
		select {
		case <-deadline:
			t.Fatal("transfer never issued")
		case <-time.After(5 * time.Millisecond):
		}
	}
	inst.HandleEngineEvent(backend.EngineEvent{Kind: kind})

	res := <-resCh
	if err := <-errCh; err != nil {
		t.Fatalf("Start: %v", err)
	}
	return res
}

func TestParkStartTransfersAndWaits(t *testing.T) {
	client := &fakeClient{}
	adapter := New(Config{Client: client, WebRTC: &fakeModule{media.SDPTypeWebRTC}, RTP: &fakeModule{media.SDPTypeRTP}})
	sess := &fakeSession{id: "s1", offer: &media.Payload{SDP: "v=0", SDPType: media.SDPTypeWebRTC}}

	inst, err := adapter.Init(sess)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	res := startWithEvent(t, inst, client, backend.TypePark, "parked")

	if client.lastTransfer() != "park" {
		t.Errorf("transfer dest = %q, want %q", client.lastTransfer(), "park")
	}
	if res.Ops == nil || res.Ops.Answer == nil || res.Ops.Answer.SDP != "v=0 fs-answer" {
		t.Errorf("answer not produced: %+v", res.Ops)
	}
	if res.Ops.Type != backend.TypePark {
		t.Errorf("ops type = %v, want park", res.Ops.Type)
	}
}

func TestMCUStartUsesConferenceDest(t *testing.T) {
	client := &fakeClient{}
	adapter := New(Config{Client: client, WebRTC: &fakeModule{media.SDPTypeWebRTC}, RTP: &fakeModule{media.SDPTypeRTP}})
	sess := &fakeSession{
		id:      "s1",
		offer:   &media.Payload{SDP: "v=0", SDPType: media.SDPTypeRTP},
		typeExt: map[string]any{"room_id": "mcu1"},
	}

	inst, _ := adapter.Init(sess)
	res := startWithEvent(t, inst, client, backend.TypeMCU, "parked")

	want := "conference:mcu1@" + DefaultRoomType
	if client.lastTransfer() != want {
		t.Errorf("transfer dest = %q, want %q", client.lastTransfer(), want)
	}
	if got, _ := res.Ops.TypeExt["room_type"].(string); got != DefaultRoomType {
		t.Errorf("room_type = %q, want default", got)
	}
	if got, _ := res.Ops.TypeExt["room_id"].(string); got != "mcu1" {
		t.Errorf("room_id = %q, want mcu1", got)
	}
}

func TestParkWaitTimesOutWithoutEvent(t *testing.T) {
	client := &fakeClient{}
	adapter := New(Config{Client: client, WebRTC: &fakeModule{media.SDPTypeWebRTC}, RTP: &fakeModule{media.SDPTypeRTP}})
	sess := &fakeSession{id: "s1", offer: &media.Payload{SDP: "v=0", SDPType: media.SDPTypeWebRTC}}

	inst, _ := adapter.Init(sess)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := inst.Start(ctx, backend.TypePark); err == nil {
		t.Fatal("Start succeeded without parked confirmation")
	}
}

func TestLayoutUpdateRunsConferenceCommand(t *testing.T) {
	client := &fakeClient{}
	adapter := New(Config{Client: client, WebRTC: &fakeModule{media.SDPTypeWebRTC}, RTP: &fakeModule{media.SDPTypeRTP}})
	sess := &fakeSession{
		id:      "s1",
		typ:     backend.TypeMCU,
		typeExt: map[string]any{"room_id": "mcu1"},
	}

	inst, _ := adapter.Init(sess)
	res, err := inst.Update(context.Background(), backend.UpdateMCULayout, map[string]any{"mcu_layout": "2x2"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.layouts) != 1 || client.layouts[0] != "mcu1/2x2" {
		t.Errorf("layouts = %v, want [mcu1/2x2]", client.layouts)
	}
	if got, _ := res.Ops.TypeExt["mcu_layout"].(string); got != "2x2" {
		t.Errorf("mcu_layout ext = %q, want 2x2", got)
	}
}

func TestUnexpectedParkDuringBridgeResetsToPark(t *testing.T) {
	client := &fakeClient{}
	adapter := New(Config{Client: client, WebRTC: &fakeModule{media.SDPTypeWebRTC}, RTP: &fakeModule{media.SDPTypeRTP}})
	sess := &fakeSession{
		id:      "s1",
		typ:     backend.TypePark,
		offer:   &media.Payload{SDP: "v=0", SDPType: media.SDPTypeWebRTC},
		typeExt: map[string]any{"peer_id": "s2"},
	}

	inst, _ := adapter.Init(sess)

	// Drive the leg into the bridge through the update path.
	done := make(chan error, 1)
	go func() {
		_, err := inst.Update(context.Background(), backend.UpdateSessionType, map[string]any{
			"session_type": string(backend.TypeBridge),
			"peer_id":      "s2",
		})
		done <- err
	}()

	deadline := time.After(time.Second)
	for {
		client.mu.Lock()
		bridged := len(client.bridges) > 0
		client.mu.Unlock()
		if bridged {
			break
		}
		select {
		case <-deadline:
			t.Fatal("bridge command never issued")
		case <-time.After(5 * time.Millisecond):
		}
	}
	inst.HandleEngineEvent(backend.EngineEvent{Kind: "bridged", PeerID: "s2"})
	if err := <-done; err != nil {
		t.Fatalf("bridge update: %v", err)
	}

	// The engine reports an unexpected park: the leg must reset.
	inst.HandleEngineEvent(backend.EngineEvent{Kind: "parked"})

	sess.mu.Lock()
	defer sess.mu.Unlock()
	last := sess.ops[len(sess.ops)-1]
	if last.Type != backend.TypePark {
		t.Errorf("last ops type = %v, want park", last.Type)
	}
}

func TestEngineHangupStopsSession(t *testing.T) {
	client := &fakeClient{}
	adapter := New(Config{Client: client, WebRTC: &fakeModule{media.SDPTypeWebRTC}, RTP: &fakeModule{media.SDPTypeRTP}})
	sess := &fakeSession{id: "s1"}

	inst, _ := adapter.Init(sess)
	inst.HandleEngineEvent(backend.EngineEvent{Kind: "hangup"})

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if len(sess.stops) != 1 || sess.stops[0] != "fs_channel_stop" {
		t.Errorf("stops = %v, want [fs_channel_stop]", sess.stops)
	}
}

func TestStopHangsUpOnce(t *testing.T) {
	client := &fakeClient{}
	adapter := New(Config{Client: client, WebRTC: &fakeModule{media.SDPTypeWebRTC}, RTP: &fakeModule{media.SDPTypeRTP}})
	sess := &fakeSession{id: "s1"}

	inst, _ := adapter.Init(sess)
	inst.Stop(context.Background(), "user_stop")
	inst.Stop(context.Background(), "user_stop")

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.hangups) != 1 {
		t.Errorf("hangups = %d, want 1", len(client.hangups))
	}
}

package kms

import (
	"context"
	"sync"
	"testing"

	"github.com/atyenoria/nkmedia/internal/backend"
	"github.com/atyenoria/nkmedia/internal/media"
)

type fakeClient struct {
	mu         sync.Mutex
	endpoints  []string
	candidates []string
	connects   []string
	released   []string
}

func (c *fakeClient) CreateEndpoint(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.endpoints = append(c.endpoints, sessionID)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) ProcessOffer(ctx context.Context, sessionID string, offer media.Payload) (media.Payload, error) {
	return media.Payload{SDP: "v=0 kms-answer", SDPType: media.SDPTypeWebRTC}, nil
}

func (c *fakeClient) GenerateOffer(ctx context.Context, sessionID string) (media.Payload, error) {
	return media.Payload{SDP: "v=0 kms-offer", SDPType: media.SDPTypeWebRTC, TrickleICE: true}, nil
}

func (c *fakeClient) ProcessAnswer(ctx context.Context, sessionID string, answer media.Payload) error {
	return nil
}

func (c *fakeClient) AddCandidate(ctx context.Context, sessionID string, cand media.Candidate) error {
	c.mu.Lock()
	c.candidates = append(c.candidates, cand.Candidate)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Connect(ctx context.Context, sessionID, publisherID string) error {
	c.mu.Lock()
	c.connects = append(c.connects, publisherID)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) Release(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.released = append(c.released, sessionID)
	c.mu.Unlock()
	return nil
}

type fakeRooms struct {
	mu         sync.Mutex
	joined     map[string]string
	publishers map[string]bool
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{joined: map[string]string{}, publishers: map[string]bool{}}
}

func (r *fakeRooms) Join(service, roomID, sessionID, role string) error {
	r.mu.Lock()
	r.joined[sessionID] = roomID + "/" + role
	if role == "publisher" {
		r.publishers[sessionID] = true
	}
	r.mu.Unlock()
	return nil
}

func (r *fakeRooms) Leave(roomID, sessionID string) {
	r.mu.Lock()
	delete(r.joined, sessionID)
	r.mu.Unlock()
}

func (r *fakeRooms) PublisherIn(roomID, publisherID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishers[publisherID]
}

type fakeSession struct {
	id      string
	typeExt map[string]any
	offer   *media.Payload

	mu    sync.Mutex
	ops   []backend.ExtOps
	stops []string
}

func (s *fakeSession) ID() string                { return s.id }
func (s *fakeSession) Service() string           { return "srv" }
func (s *fakeSession) Type() backend.SessionType { return backend.TypePublish }
func (s *fakeSession) TypeExt() map[string]any   { return s.typeExt }
func (s *fakeSession) Offer() *media.Payload     { return s.offer }
func (s *fakeSession) Answer() *media.Payload    { return nil }

func (s *fakeSession) ApplyOps(ops backend.ExtOps) {
	s.mu.Lock()
	s.ops = append(s.ops, ops)
	s.mu.Unlock()
}

func (s *fakeSession) EmitCandidate(c media.Candidate) {}

func (s *fakeSession) Stop(reason string) {
	s.mu.Lock()
	s.stops = append(s.stops, reason)
	s.mu.Unlock()
}

func TestPublishStartJoinsRoomAndAnswers(t *testing.T) {
	client := &fakeClient{}
	rooms := newFakeRooms()
	adapter := New(Config{Client: client, Rooms: rooms})
	sess := &fakeSession{
		id:      "pub1",
		offer:   &media.Payload{SDP: "v=0", SDPType: media.SDPTypeWebRTC, TrickleICE: true},
		typeExt: map[string]any{"room_id": "sfu1"},
	}

	inst, err := adapter.Init(sess)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	res, err := inst.Start(context.Background(), backend.TypePublish)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if res.Ops == nil || res.Ops.Answer == nil {
		t.Fatal("no answer generated")
	}
	if !res.Ops.CandidateReady {
		t.Error("publish start did not report candidate readiness")
	}
	rooms.mu.Lock()
	if rooms.joined["pub1"] != "sfu1/publisher" {
		t.Errorf("room membership = %q, want sfu1/publisher", rooms.joined["pub1"])
	}
	rooms.mu.Unlock()
}

func TestListenRequiresKnownPublisher(t *testing.T) {
	client := &fakeClient{}
	rooms := newFakeRooms()
	adapter := New(Config{Client: client, Rooms: rooms})

	sess := &fakeSession{
		id:      "lis1",
		offer:   &media.Payload{SDP: "v=0", SDPType: media.SDPTypeWebRTC},
		typeExt: map[string]any{"room_id": "sfu1", "publisher_id": "ghost"},
	}
	inst, _ := adapter.Init(sess)
	if _, err := inst.Start(context.Background(), backend.TypeListen); err == nil {
		t.Fatal("listen to unknown publisher succeeded")
	}

	_ = rooms.Join("srv", "sfu1", "pub1", "publisher")
	sess2 := &fakeSession{
		id:      "lis2",
		offer:   &media.Payload{SDP: "v=0", SDPType: media.SDPTypeWebRTC},
		typeExt: map[string]any{"room_id": "sfu1", "publisher_id": "pub1"},
	}
	inst2, _ := adapter.Init(sess2)
	if _, err := inst2.Start(context.Background(), backend.TypeListen); err != nil {
		t.Fatalf("listen to known publisher: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.connects) != 1 || client.connects[0] != "pub1" {
		t.Errorf("connects = %v, want [pub1]", client.connects)
	}
}

func TestListenSwitchConnectsNewPublisher(t *testing.T) {
	client := &fakeClient{}
	adapter := New(Config{Client: client})
	sess := &fakeSession{id: "lis1", typeExt: map[string]any{"publisher_id": "pub1"}}

	inst, _ := adapter.Init(sess)
	res, err := inst.Update(context.Background(), backend.UpdateListenSwitch, map[string]any{"publisher_id": "pub2"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got, _ := res.Ops.TypeExt["publisher_id"].(string); got != "pub2" {
		t.Errorf("publisher_id ext = %q, want pub2", got)
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.connects) != 1 || client.connects[0] != "pub2" {
		t.Errorf("connects = %v, want [pub2]", client.connects)
	}
}

func TestCandidateStreamsAndEndIsAbsorbed(t *testing.T) {
	client := &fakeClient{}
	adapter := New(Config{Client: client})
	sess := &fakeSession{id: "s1"}

	inst, _ := adapter.Init(sess)
	if err := inst.Candidate(context.Background(), media.Candidate{Candidate: "c1"}); err != nil {
		t.Fatalf("Candidate: %v", err)
	}
	if err := inst.Candidate(context.Background(), media.Candidate{End: true}); err != nil {
		t.Fatalf("end sentinel: %v", err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.candidates) != 1 || client.candidates[0] != "c1" {
		t.Errorf("candidates = %v, want [c1]", client.candidates)
	}
}

func TestStopReleasesAndLeavesRoom(t *testing.T) {
	client := &fakeClient{}
	rooms := newFakeRooms()
	adapter := New(Config{Client: client, Rooms: rooms})
	sess := &fakeSession{
		id:      "pub1",
		offer:   &media.Payload{SDP: "v=0", SDPType: media.SDPTypeWebRTC},
		typeExt: map[string]any{"room_id": "sfu1"},
	}

	inst, _ := adapter.Init(sess)
	if _, err := inst.Start(context.Background(), backend.TypePublish); err != nil {
		t.Fatalf("Start: %v", err)
	}
	inst.Stop(context.Background(), "user_stop")
	inst.Stop(context.Background(), "user_stop")

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.released) != 1 {
		t.Errorf("released = %d, want 1", len(client.released))
	}
	rooms.mu.Lock()
	defer rooms.mu.Unlock()
	if _, ok := rooms.joined["pub1"]; ok {
		t.Error("member still in room after stop")
	}
}

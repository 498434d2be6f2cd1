package engine

import (
	"sync"
	"testing"
)

type recordingStopper struct {
	mu    sync.Mutex
	calls [][2]string
}

func (s *recordingStopper) StopAll(backendName, reason string) {
	s.mu.Lock()
	s.calls = append(s.calls, [2]string{backendName, reason})
	s.mu.Unlock()
}

func TestEngineDownStopsItsSessions(t *testing.T) {
	stopper := &recordingStopper{}
	m := NewMonitor(stopper)
	m.Register(&Engine{Name: "fs", Kind: KindFS, DockerImage: "nkmedia/freeswitch:latest"})
	m.Register(&Engine{Name: "kms", Kind: KindKMS})

	m.SetState("fs", StateUp)
	m.SetState("fs", StateUp) // no transition, no teardown
	m.SetState("fs", StateDown)
	m.SetState("kms", StateDown)

	stopper.mu.Lock()
	defer stopper.mu.Unlock()
	want := [][2]string{{"fs", "fs_disconnected"}, {"kms", "kms_disconnected"}}
	if len(stopper.calls) != len(want) {
		t.Fatalf("StopAll calls = %v, want %v", stopper.calls, want)
	}
	for i := range want {
		if stopper.calls[i] != want[i] {
			t.Errorf("call[%d] = %v, want %v", i, stopper.calls[i], want[i])
		}
	}
}

func TestSetStateUnknownEngineIgnored(t *testing.T) {
	m := NewMonitor(&recordingStopper{})
	m.SetState("ghost", StateDown)

	if _, ok := m.Get("ghost"); ok {
		t.Error("unknown engine materialized")
	}
	if got := len(m.List()); got != 0 {
		t.Errorf("List = %d engines, want 0", got)
	}
}

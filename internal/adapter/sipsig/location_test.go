package sipsig

import (
	"testing"
	"time"
)

func TestRegisterLookupUnregister(t *testing.T) {
	s := NewLocationStore()
	defer s.Close()

	s.Register("alice@example.com", "sip:alice@192.168.1.10:5060", 1.0, time.Minute)
	s.Register("alice@example.com", "sip:alice@10.0.0.2:5060", 0.5, time.Minute)

	bindings := s.Lookup("alice@example.com")
	if len(bindings) != 2 {
		t.Fatalf("bindings = %d, want 2", len(bindings))
	}
	if s.Count() != 1 {
		t.Errorf("Count = %d, want 1", s.Count())
	}

	s.Unregister("alice@example.com")
	if got := s.Lookup("alice@example.com"); len(got) != 0 {
		t.Errorf("bindings after unregister = %d, want 0", len(got))
	}
}

func TestZeroTTLRemovesBinding(t *testing.T) {
	s := NewLocationStore()
	defer s.Close()

	s.Register("bob@example.com", "sip:bob@10.0.0.3:5060", 1.0, time.Minute)
	s.Register("bob@example.com", "sip:bob@10.0.0.3:5060", 1.0, 0)

	if got := s.Lookup("bob@example.com"); len(got) != 0 {
		t.Errorf("bindings after zero-ttl register = %d, want 0", len(got))
	}
}

func TestExpiredBindingNotReturned(t *testing.T) {
	s := NewLocationStore()
	defer s.Close()

	s.Register("carol@example.com", "sip:carol@10.0.0.4:5060", 1.0, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	if got := s.Lookup("carol@example.com"); len(got) != 0 {
		t.Errorf("expired binding returned: %v", got)
	}
}

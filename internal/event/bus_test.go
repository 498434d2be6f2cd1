package event

import (
	"testing"

	"github.com/atyenoria/nkmedia/internal/fabric"
)

func TestTopicWildcards(t *testing.T) {
	bus := NewBus(fabric.NewRegistry())

	tests := []struct {
		name     string
		service  string
		subclass string
		objID    string
		want     int
	}{
		{"exact", "srv1", SubclassSession, "s1", 1},
		{"any object", "srv1", SubclassSession, "", 1},
		{"any subclass", "srv1", "", "", 1},
		{"all", "", "", "", 1},
		{"wrong service", "srv2", "", "", 0},
		{"wrong subclass", "srv1", SubclassCall, "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := 0
			unsub := bus.Subscribe(tt.service, tt.subclass, tt.objID, func(ev Event) {
				got++
			}, nil)
			defer unsub()

			bus.Publish(Event{
				Service:  "srv1",
				Subclass: SubclassSession,
				ObjID:    "s1",
				Tag:      TagStop,
			})

			if got != tt.want {
				t.Errorf("handler invoked %d times, want %d", got, tt.want)
			}
		})
	}
}

func TestSubscriberBodyAttached(t *testing.T) {
	bus := NewBus(fabric.NewRegistry())

	var got Event
	unsub := bus.Subscribe("srv1", "", "", func(ev Event) {
		got = ev
	}, map[string]string{"tag": "mine"})
	defer unsub()

	bus.Publish(Event{Service: "srv1", Subclass: SubclassCall, ObjID: "c1", Tag: TagAnswer})

	body, ok := got.Body.(map[string]string)
	if !ok || body["tag"] != "mine" {
		t.Errorf("Body = %v, want subscriber body", got.Body)
	}
}

func TestDirectDispatchToSinkObservers(t *testing.T) {
	registry := fabric.NewRegistry()
	bus := NewBus(registry)

	delivered := make(chan any, 1)
	link := fabric.APILink{
		ClientID: "client1",
		Life:     fabric.NewLifetime(),
		Sink:     func(ev any) { delivered <- ev },
	}
	registry.Add("s1", "", link, "payload1")

	bus.Publish(Event{Service: "srv1", Subclass: SubclassSession, ObjID: "s1", Tag: TagStop})

	select {
	case raw := <-delivered:
		ev, ok := raw.(Event)
		if !ok {
			t.Fatalf("delivered %T, want Event", raw)
		}
		if ev.Tag != TagStop {
			t.Errorf("Tag = %q, want %q", ev.Tag, TagStop)
		}
		if ev.Body != "payload1" {
			t.Errorf("Body = %v, want registration payload", ev.Body)
		}
	default:
		t.Fatal("sink observer did not receive event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(fabric.NewRegistry())

	got := 0
	unsub := bus.Subscribe("", "", "", func(ev Event) { got++ }, nil)
	bus.Publish(Event{Service: "srv1", Subclass: SubclassSession, ObjID: "s1", Tag: TagStop})
	unsub()
	bus.Publish(Event{Service: "srv1", Subclass: SubclassSession, ObjID: "s1", Tag: TagStop})

	if got != 1 {
		t.Errorf("handler invoked %d times, want 1", got)
	}
}

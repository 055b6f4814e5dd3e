package orchestrator

import "testing"

func TestHubRoutesBySession(t *testing.T) {
	h := NewHub()
	a, stopA := h.Subscribe("a")
	b, stopB := h.Subscribe("b")
	defer stopB()

	h.Publish(Event{SessionID: "a", State: StateRunning})

	select {
	case e := <-a:
		if e.State != StateRunning {
			t.Errorf("State = %q, want %q", e.State, StateRunning)
		}
	default:
		t.Fatal("subscriber a got no event")
	}
	select {
	case e := <-b:
		t.Errorf("subscriber b got %+v, want nothing", e)
	default:
	}

	stopA()
	stopA()
	if _, ok := <-a; ok {
		t.Error("channel open after stop, want closed")
	}
	h.Publish(Event{SessionID: "a", State: StateCompleted})
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	h := NewHub()
	ch, stop := h.Subscribe("s")
	defer stop()

	for range SubscriberEventBuffer + 5 {
		h.Publish(Event{SessionID: "s", State: StateRunning})
	}
	if len(ch) != SubscriberEventBuffer {
		t.Errorf("buffered = %d, want %d", len(ch), SubscriberEventBuffer)
	}
}

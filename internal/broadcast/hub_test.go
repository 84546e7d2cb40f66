package broadcast

import (
	"testing"
)

func TestBroadcastFIFOPerSession(t *testing.T) {
	h := NewHub(8, nil)
	ch, cancel := h.Subscribe("s1")
	defer cancel()

	h.Broadcast("s1", Event{Type: TypeTextDelta, Delta: "a"})
	h.Broadcast("s1", Event{Type: TypeTextDelta, Delta: "b"})
	h.Broadcast("s2", Event{Type: TypeTextDelta, Delta: "other"})

	for _, want := range []string{"a", "b"} {
		ev := <-ch
		if ev.Delta != want {
			t.Errorf("Delta = %q, want %q", ev.Delta, want)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Timestamp not set")
		}
	}
	select {
	case ev := <-ch:
		t.Errorf("unexpected event from other session: %+v", ev)
	default:
	}
}

func TestBroadcastWithoutSubscribers(t *testing.T) {
	h := NewHub(1, nil)
	h.Broadcast("nobody", Event{Type: TypeFinish})
}

func TestBroadcastDropsWhenFull(t *testing.T) {
	h := NewHub(1, nil)
	ch, cancel := h.Subscribe("s")
	defer cancel()

	h.Broadcast("s", Event{Type: TypeTextDelta, Delta: "kept"})
	h.Broadcast("s", Event{Type: TypeTextDelta, Delta: "dropped"})

	if ev := <-ch; ev.Delta != "kept" {
		t.Errorf("Delta = %q, want kept", ev.Delta)
	}
	select {
	case ev := <-ch:
		t.Errorf("expected dropped event, got %+v", ev)
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	h := NewHub(4, nil)
	ch, cancel := h.Subscribe("s")
	if h.Subscribers("s") != 1 {
		t.Fatalf("Subscribers = %d, want 1", h.Subscribers("s"))
	}
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("channel should be closed after cancel")
	}
	if h.Subscribers("s") != 0 {
		t.Errorf("Subscribers = %d, want 0", h.Subscribers("s"))
	}
	h.Broadcast("s", Event{Type: TypeFinish})
}

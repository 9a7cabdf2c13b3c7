package hub

import (
	"errors"
	"testing"
)

func TestPublish_fansOutInOrder(t *testing.T) {
	h := New()
	a, err := h.Subscribe("a", "term", 4)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b, _ := h.Subscribe("b", "web", 4)

	for _, m := range []string{"1", "2", "3"} {
		if n := h.Publish([]byte(m)); n != 2 {
			t.Fatalf("publish %s delivered to %d", m, n)
		}
	}
	for _, s := range []*Subscription{a, b} {
		for _, want := range []string{"1", "2", "3"} {
			if got := string(<-s.C()); got != want {
				t.Fatalf("%s got %q want %q", s.ID, got, want)
			}
		}
	}
	st := h.Stats()
	if st.Published != 3 || st.Sent != 6 || st.Evicted != 0 || st.Subscribers != 2 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestPublish_evictsLaggingSubscriber(t *testing.T) {
	h := New()
	slow, _ := h.Subscribe("slow", "", 1)
	fast, _ := h.Subscribe("fast", "", 8)

	h.Publish([]byte("x"))
	h.Publish([]byte("y")) // slow is full

	if !slow.Evicted() {
		t.Fatalf("slow subscriber should be evicted")
	}
	if got := string(<-slow.C()); got != "x" {
		t.Fatalf("buffered message lost: %q", got)
	}
	if _, ok := <-slow.C(); ok {
		t.Fatalf("evicted channel should be closed")
	}
	if fast.Evicted() || h.Len() != 1 {
		t.Fatalf("fast evicted=%v len=%d", fast.Evicted(), h.Len())
	}
	if h.Stats().Evicted != 1 {
		t.Fatalf("stats=%+v", h.Stats())
	}

	// Unsubscribing an evicted subscription must not double-close.
	h.Unsubscribe(slow)
}

func TestSubscribe_duplicateAndClosed(t *testing.T) {
	h := New()
	s, _ := h.Subscribe("a", "", 0)
	if cap(s.ch) != DefaultQueue {
		t.Fatalf("queue=%d want %d", cap(s.ch), DefaultQueue)
	}
	if _, err := h.Subscribe("a", "", 1); !errors.Is(err, ErrSubscriberExists) {
		t.Fatalf("err=%v", err)
	}
	h.Close()
	if _, ok := <-s.C(); ok {
		t.Fatalf("channel should be closed after Close")
	}
	if _, err := h.Subscribe("b", "", 1); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want ErrClosed", err)
	}
	h.Unsubscribe(s)
	h.Close()
}

package hub

import (
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	h := New()
	sub := h.Subscribe(InferenceChannel("t1"))
	defer h.Unsubscribe(sub)

	for i, typ := range []string{TypeToken, TypeToken, TypeDone} {
		h.Publish(InferenceChannel("t1"), Event{Type: typ, TaskID: "t1", TS: int64(i)})
	}

	for i, want := range []string{TypeToken, TypeToken, TypeDone} {
		select {
		case ev := <-sub.C:
			if ev.Type != want || ev.TS != int64(i) {
				t.Fatalf("event %d = %s/%d, want %s/%d", i, ev.Type, ev.TS, want, i)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	h := New()
	a := h.Subscribe(ExecutionChannel("a"))
	b := h.Subscribe(ExecutionChannel("b"))
	defer h.Unsubscribe(a)
	defer h.Unsubscribe(b)

	h.Publish(ExecutionChannel("a"), Event{Type: "STARTED"})

	select {
	case <-a.C:
	case <-time.After(time.Second):
		t.Fatalf("subscriber a got nothing")
	}
	select {
	case ev := <-b.C:
		t.Fatalf("subscriber b leaked event %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesSink(t *testing.T) {
	h := New()
	sub := h.Subscribe(InferenceChannel("t"))
	h.Unsubscribe(sub)

	if _, ok := <-sub.C; ok {
		t.Fatalf("sink not closed on unsubscribe")
	}
	if n := h.SubscriberCount(InferenceChannel("t")); n != 0 {
		t.Fatalf("subscriber count = %d after unsubscribe", n)
	}

	// Publishing to a channel with no subscribers simply drops the event.
	h.Publish(InferenceChannel("t"), Event{Type: TypeDone})
}

func TestSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	h := New()
	sub := h.Subscribe(InferenceChannel("t"))
	defer h.Unsubscribe(sub)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultBuffer*2; i++ {
			h.Publish(InferenceChannel("t"), Event{Type: TypeToken, TS: int64(i)})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publisher blocked on a slow subscriber")
	}
}

func TestFanOutToMultipleSubscribers(t *testing.T) {
	h := New()
	s1 := h.Subscribe(InferenceChannel("t"))
	s2 := h.Subscribe(InferenceChannel("t"))
	defer h.Unsubscribe(s1)
	defer h.Unsubscribe(s2)

	h.Publish(InferenceChannel("t"), Event{Type: TypeDone})

	for i, sub := range []*Subscription{s1, s2} {
		select {
		case ev := <-sub.C:
			if ev.Type != TypeDone {
				t.Fatalf("subscriber %d got %s", i, ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

package dispatch

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func TestPublishOrderPerSubscriber(t *testing.T) {
	b := NewBroadcaster(64)
	sub := b.Subscribe(nil)
	defer b.Unsubscribe(sub.ID)

	const n = 20
	for i := 0; i < n; i++ {
		b.Publish(SourcePlayer, fmt.Sprintf("ev-%d", i), nil)
	}

	var lastSeq uint64
	for i := 0; i < n; i++ {
		ev := recvEvent(t, sub)
		if ev.Name != fmt.Sprintf("ev-%d", i) {
			t.Fatalf("event %d out of order: %s", i, ev.Name)
		}
		if ev.Seq <= lastSeq {
			t.Fatalf("seq not increasing: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
	}
}

func TestSlowSubscriberEvicted(t *testing.T) {
	b := NewBroadcaster(2)
	slow := b.Subscribe(nil)
	fast := b.Subscribe(nil)

	// Fill both queues, drain only the fast one, then push one more: the
	// slow subscriber's full queue must cost only the slow subscriber.
	b.Publish(SourcePlayer, "a", nil)
	b.Publish(SourcePlayer, "b", nil)
	recvEvent(t, fast)
	recvEvent(t, fast)

	b.Publish(SourcePlayer, "c", nil)
	if ev := recvEvent(t, fast); ev.Name != "c" {
		t.Errorf("fast subscriber got %q, want c", ev.Name)
	}

	// The slow subscription got its buffered events and then the close.
	got := 0
	for range slow.Events() {
		got++
	}
	if got != 2 {
		t.Errorf("slow subscriber received %d buffered events, want 2", got)
	}

	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("subscriber count = %d, want 1", n)
	}
	b.Unsubscribe(fast.ID)
}

func TestSubscriptionFilter(t *testing.T) {
	b := NewBroadcaster(8)
	sub := b.Subscribe(func(ev EventRecord) bool {
		return ev.Source == SourceWM
	})
	defer b.Unsubscribe(sub.ID)

	b.Publish(SourcePlayer, "ignored", nil)
	b.Publish(SourceWM, "wanted", json.RawMessage(`{"type":16}`))

	ev := recvEvent(t, sub)
	if ev.Name != "wanted" {
		t.Errorf("filter leaked event %q", ev.Name)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster(8)
	sub := b.Subscribe(nil)
	b.Unsubscribe(sub.ID)

	if _, ok := <-sub.Events(); ok {
		t.Error("channel still open after unsubscribe")
	}
	// Double unsubscribe must not panic.
	b.Unsubscribe(sub.ID)
}

func recvEvent(t *testing.T, sub *Subscription) EventRecord {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event within deadline")
	}
	return EventRecord{}
}

package events

import (
	"testing"
	"time"
)

func TestPublishSubscribeFIFO(t *testing.T) {
	b := New()
	sub := b.Subscribe(8)
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: KindThought, Payload: i})
	}

	got := sub.Drain()
	if len(got) != 5 {
		t.Fatalf("got %d events, want 5", len(got))
	}
	for i, e := range got {
		if e.Payload.(int) != i {
			t.Errorf("event %d: payload = %v, want %d", i, e.Payload, i)
		}
	}
}

func TestPublishOldestDropOnOverflow(t *testing.T) {
	b := New()
	sub := b.Subscribe(3)
	defer sub.Unsubscribe()

	for i := 0; i < 5; i++ {
		b.Publish(Event{Kind: KindThought, Payload: i})
	}

	got := sub.Drain()
	if len(got) != 3 {
		t.Fatalf("got %d events, want 3 (ring capacity)", len(got))
	}
	// Oldest-drop: the last 3 of 0..4 survive, i.e. 2,3,4.
	want := []int{2, 3, 4}
	for i, e := range got {
		if e.Payload.(int) != want[i] {
			t.Errorf("event %d: payload = %v, want %d", i, e.Payload, want[i])
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe(8)
	sub.Unsubscribe()

	b.Publish(Event{Kind: KindThought, Payload: "after unsubscribe"})

	if got := sub.Drain(); len(got) != 0 {
		t.Errorf("expected no events after unsubscribe, got %d", len(got))
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Errorf("subscriber count = %d, want 0", n)
	}
}

func TestMultipleSubscribersIndependent(t *testing.T) {
	b := New()
	s1 := b.Subscribe(8)
	s2 := b.Subscribe(8)
	defer s1.Unsubscribe()
	defer s2.Unsubscribe()

	b.Publish(Event{Kind: KindStatus, Payload: "x"})

	if len(s1.Drain()) != 1 {
		t.Error("s1 did not receive event")
	}
	if len(s2.Drain()) != 1 {
		t.Error("s2 did not receive event")
	}
}

func TestWaitWakesOnPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe(8)
	defer sub.Unsubscribe()

	done := make(chan struct{})
	woken := make(chan bool, 1)
	go func() {
		woken <- sub.Wait(done)
	}()

	time.Sleep(10 * time.Millisecond)
	b.Publish(Event{Kind: KindStatus})

	select {
	case ok := <-woken:
		if !ok {
			t.Error("expected Wait to return true on publish")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after publish")
	}
}

func TestPublishDefaultsTimestamp(t *testing.T) {
	b := New()
	sub := b.Subscribe(8)
	defer sub.Unsubscribe()

	b.Publish(Event{Kind: KindStatus})
	got := sub.Drain()
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].At.IsZero() {
		t.Error("expected At to be defaulted to now")
	}
}

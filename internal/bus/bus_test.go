package bus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session", 10)
	defer unsub()

	b.Publish(Event{Topic: TopicSession, Kind: "session.invalidated", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "session.invalidated" {
			t.Errorf("got kind %q, want session.invalidated", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestTopicPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(ConversationTopic("c1"), 10)
	defer unsub()

	b.Publish(Event{Topic: ConversationTopic("c2")})
	b.Publish(Event{Topic: ConversationTopic("c1"), Kind: "conversation.changed"})

	select {
	case evt := <-ch:
		if evt.Topic != "conversation:c1" {
			t.Errorf("got topic %q, want conversation:c1", evt.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the c2 event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session", 10)
	unsub()

	b.Publish(Event{Topic: TopicSession})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Topic: "test", Kind: "one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Topic: "test", Kind: "two"})

	evt := <-ch
	if evt.Kind != "one" {
		t.Errorf("got %q, want one", evt.Kind)
	}
}

func TestSubscribeFuncDeliversAllInOrder(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})
	unsub := b.SubscribeFunc("presence:", func(evt Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, evt.Payload.(int))
		if len(got) == 100 {
			close(done)
		}
	})
	defer unsub()

	for i := range 100 {
		b.Publish(Event{Topic: PresenceTopic("u1"), Payload: i})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for all events")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d = %d, want in-order delivery", i, v)
		}
	}
}

// TestSubscribeFuncSlowCallbackDoesNotBlock verifies publishers never wait on
// a subscriber callback.
func TestSubscribeFuncSlowCallbackDoesNotBlock(t *testing.T) {
	b := New()
	release := make(chan struct{})
	unsub := b.SubscribeFunc("", func(Event) { <-release })
	defer unsub()
	defer close(release)

	start := time.Now()
	for range 50 {
		b.Publish(Event{Topic: "x"})
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Publish blocked on a slow subscriber")
	}
}

func TestSubscribeFuncUnsubscribeIdempotent(t *testing.T) {
	b := New()
	unsub := b.SubscribeFunc("", func(Event) {})
	unsub()
	unsub()
	b.Publish(Event{Topic: "x"})
}

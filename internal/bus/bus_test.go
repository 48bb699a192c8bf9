package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSessionExpired)
	defer b.Unsubscribe(sub)

	b.Publish(TopicSessionExpired, SessionLifecycleEvent{SessionID: "s1", Status: "expired"})

	select {
	case event := <-sub.Ch():
		if event.Topic != TopicSessionExpired {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicSessionExpired)
		}
		ev, ok := event.Payload.(SessionLifecycleEvent)
		if !ok || ev.SessionID != "s1" {
			t.Fatalf("payload = %#v, want lifecycle event for s1", event.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	sessionSub := b.Subscribe("session.")
	defer b.Unsubscribe(sessionSub)

	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicSessionArchived, nil)
	b.Publish(TopicModeChanged, nil)

	select {
	case event := <-sessionSub.Ch():
		if event.Topic != TopicSessionArchived {
			t.Fatalf("topic = %q, want %q", event.Topic, TopicSessionArchived)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for session event")
	}

	// sessionSub must not see degrade topics.
	select {
	case event := <-sessionSub.Ch():
		t.Fatalf("unexpected event on sessionSub: %v", event)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for all event")
		}
	}
	if received != 2 {
		t.Fatalf("allSub received %d events, want 2", received)
	}
}

func TestBus_NonBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe("checkpoint.")
	defer b.Unsubscribe(sub)

	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicCheckpointCreated, i)
	}

	// Should not deadlock. Drain what we can.
	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			goto done
		}
	}
done:
	if count != defaultBufferSize {
		t.Fatalf("received %d events, expected %d (buffer size)", count, defaultBufferSize)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe("recovery.")

	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)

	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}

	// Unsubscribing twice is a no-op.
	b.Unsubscribe(sub)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				b.Publish(TopicRecoveryCompleted, j)
			}
		}()
	}
	wg.Wait()

	count := 0
	for {
		select {
		case <-sub.Ch():
			count++
		default:
			if count != 50 {
				t.Fatalf("received %d events, want 50", count)
			}
			return
		}
	}
}

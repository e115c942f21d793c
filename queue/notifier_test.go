package queue

import (
	"context"
	"testing"
	"time"
)

// ============================================================================
// Iris Carries the News: Notifier Test Universe
// ============================================================================
//
// Characters:
//   - Iris: the messenger, carries every loom event to every listener
//   - The Chorus: subscribers gathered to hear the news
//   - The Sleeper: a subscriber who stopped listening long ago
//
// Theme: Iris delivers to everyone who keeps up, never waits for anyone,
// and counts what the sleepers miss.
// ============================================================================

// TestIrisDeliversToTheChorus tests fan-out to multiple subscribers
func TestIrisDeliversToTheChorus(t *testing.T) {
	t.Log("🌈 Iris takes flight with news of a fresh thread...")

	n := NewNotifier()
	first := n.Subscribe()
	second := n.Subscribe()
	defer n.Unsubscribe(first)
	defer n.Unsubscribe(second)

	if n.Subscribers() != 2 {
		t.Fatalf("Chorus size = %d, want 2", n.Subscribers())
	}

	n.Publish(Event{Type: EventJobQueued, Job: &Job{ID: "j_rumor"}})

	for i, ch := range []chan Event{first, second} {
		select {
		case ev := <-ch:
			if ev.Type != EventJobQueued || ev.Job.ID != "j_rumor" {
				t.Errorf("Listener %d heard %s about %s", i, ev.Type, ev.Job.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("Listener %d never heard the news", i)
		}
	}

	t.Log("✓ Both listeners heard the same news")
}

// TestIrisNeverWaits tests that publishing to a full subscriber drops
// instead of blocking
func TestIrisNeverWaits(t *testing.T) {
	t.Log("🌈 The Sleeper's ears are full; Iris moves on...")

	n := NewNotifier()
	sleeper := n.Subscribe()
	defer n.Unsubscribe(sleeper)

	// Fill the sleeper's buffer and then some. If Publish blocked, this
	// loop would hang the test.
	overflow := subscriberBuffer + 10
	done := make(chan struct{})
	go func() {
		for i := 0; i < overflow; i++ {
			n.Publish(Event{Type: EventJobProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Publish blocked on a sleeping subscriber")
	}

	if n.Dropped() != 10 {
		t.Errorf("Dropped = %d, want 10", n.Dropped())
	}

	t.Log("✓ Iris dropped exactly the overflow and kept flying")
}

// TestUnsubscribeClosesTheDoor tests channel closure and double
// unsubscribe safety
func TestUnsubscribeClosesTheDoor(t *testing.T) {
	n := NewNotifier()
	ch := n.Subscribe()

	n.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("Channel still open after unsubscribe")
	}
	if n.Subscribers() != 0 {
		t.Errorf("Subscribers = %d after unsubscribe", n.Subscribers())
	}

	// Leaving twice is fine.
	n.Unsubscribe(ch)
}

// TestBrokerNewsReachesSubscribers tests that broker operations publish
// events only after they commit
func TestBrokerNewsReachesSubscribers(t *testing.T) {
	t.Log("🌈 The Chorus listens while Clotho and Arachne work the loom...")

	b := newTestBroker(t)
	ctx := context.Background()
	ch := b.Notifier().Subscribe()
	defer b.Notifier().Unsubscribe(ch)

	registerWeaver(t, b, "arachne", 1)
	job := submitThread(t, b, "weave", 50)
	b.ClaimNext(ctx, "arachne")
	b.Complete(ctx, job.ID, "arachne", nil)

	want := []EventType{EventWorkerChange, EventJobQueued, EventJobAssigned, EventJobCompleted}
	for _, wt := range want {
		select {
		case ev := <-ch:
			if ev.Type != wt {
				t.Errorf("Heard %s, expected %s", ev.Type, wt)
			}
		case <-time.After(time.Second):
			t.Fatalf("Never heard %s", wt)
		}
	}

	// A failed submission commits nothing and announces nothing.
	if _, err := b.Submit(ctx, &SubmitRequest{}); err == nil {
		t.Fatal("Empty submission was accepted")
	}
	select {
	case ev := <-ch:
		t.Errorf("Heard %s about a submission that never happened", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}

	t.Log("✓ Every committed act was announced, the failed one was not")
}

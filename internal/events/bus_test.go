package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	defer cancel()

	bus.Publish(Event{Type: EventAgentConnected, Agent: "alice", Timestamp: time.Now()})

	select {
	case evt := <-ch:
		if evt.Type != EventAgentConnected {
			t.Errorf("got type %q, want %q", evt.Type, EventAgentConnected)
		}
		if evt.Agent != "alice" {
			t.Errorf("got agent %q, want alice", evt.Agent)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMultipleSubscribers(t *testing.T) {
	bus := New()
	ch1, cancel1 := bus.Subscribe()
	defer cancel1()
	ch2, cancel2 := bus.Subscribe()
	defer cancel2()

	bus.Publish(Event{Type: EventMessageRouted, MessageID: "m1"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			if evt.MessageID != "m1" {
				t.Errorf("subscriber %d: got id %q, want m1", i, evt.MessageID)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timed out", i)
		}
	}
}

func TestCancelUnsubscribes(t *testing.T) {
	bus := New()
	ch, cancel := bus.Subscribe()
	cancel()

	// Channel is closed after cancel.
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}

	// Double-cancel is safe.
	cancel()

	// Publishing after cancel must not panic.
	bus.Publish(Event{Type: EventWorkerExited})
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := New()
	_, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*2; i++ {
			bus.Publish(Event{Type: EventMessageRouted})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

package events

import (
	"testing"
	"time"
)

// TestPublishSubscribe verifies basic publish/subscribe delivery.
func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicArtifact, 10)

	bus.Publish(TopicArtifact, ArtifactCreatedEvent{
		Task:      "task-1",
		Title:     "report",
		Type:      "markdown",
		Content:   "# done",
		Timestamp: time.Now(),
	})

	select {
	case received := <-ch:
		if received.TaskID() != "task-1" {
			t.Errorf("expected task ID 'task-1', got %q", received.TaskID())
		}
		if received.EventType() != EventTypeArtifactCreated {
			t.Errorf("expected event type %q, got %q", EventTypeArtifactCreated, received.EventType())
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

// TestMultipleSubscribers verifies every topic subscriber sees the event.
func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicAgent, 10)
	ch2 := bus.Subscribe(TopicAgent, 10)

	bus.Publish(TopicAgent, AgentSpawnedEvent{ID: "agent-1", Name: "researcher", Task: "task-2"})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case received := <-ch:
			if received.TaskID() != "task-2" {
				t.Errorf("subscriber %d: expected task ID 'task-2', got %q", i+1, received.TaskID())
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timeout waiting for event", i+1)
		}
	}
}

// TestTopicIsolation verifies events do not leak across topics.
func TestTopicIsolation(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	logCh := bus.Subscribe(TopicLog, 10)
	artifactCh := bus.Subscribe(TopicArtifact, 10)

	bus.Log(LogInfo, "task-3", "hello")

	select {
	case <-logCh:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("log subscriber did not receive event")
	}

	select {
	case ev := <-artifactCh:
		t.Fatalf("artifact subscriber received unexpected event: %v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

// TestSubscribeAll verifies an all-topics subscriber sees every event.
func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)

	bus.Log(LogWarn, "task-4", "warning")
	bus.Publish(TopicArtifact, ArtifactCreatedEvent{Task: "task-4", Title: "x"})

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("all-topics subscriber missing event %d", i)
		}
	}
}

// TestFullBufferDropsEvent verifies publishing never blocks on a full subscriber.
func TestFullBufferDropsEvent(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicLog, 1)

	done := make(chan struct{})
	go func() {
		bus.Log(LogInfo, "", "first")
		bus.Log(LogInfo, "", "second") // buffer full, must not block
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}

	if got := len(ch); got != 1 {
		t.Errorf("expected exactly 1 buffered event, got %d", got)
	}
}

// TestCloseIdempotent verifies Close may be called repeatedly and closes
// subscriber channels.
func TestCloseIdempotent(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicTask, 10)

	bus.Close()
	bus.Close()

	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel to be closed")
	}

	// Publish after close is a no-op.
	bus.Publish(TopicTask, LogEvent{})
}

// TestSubscribeAfterClose returns an already-closed channel.
func TestSubscribeAfterClose(t *testing.T) {
	bus := NewBus()
	bus.Close()

	ch := bus.Subscribe(TopicTask, 10)
	if _, ok := <-ch; ok {
		t.Error("expected closed channel from Subscribe after Close")
	}
}

// Package events provides the channel-based pub-sub bus the execution core
// publishes on. Consumers (the presentation layer) subscribe per topic and
// read asynchronously; a slow consumer never blocks the scheduler.
package events

import (
	"sync"
	"time"
)

// defaultBufSize is the subscriber channel buffer used when none is given.
const defaultBufSize = 256

// Bus is a topic-keyed pub-sub event bus.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // subscribers to every topic
	closed  bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string][]chan Event),
	}
}

// Subscribe registers a subscriber for one topic. The returned channel is
// closed when the bus closes. bufSize <= 0 selects the default buffer.
func (b *Bus) Subscribe(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// SubscribeAll registers a subscriber that receives events from every topic.
func (b *Bus) SubscribeAll(bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.allSubs = append(b.allSubs, ch)
	return ch
}

// Publish delivers an event to every subscriber of the topic, non-blocking.
// Events are dropped for subscribers whose buffer is full.
func (b *Bus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default: // subscriber too slow, drop
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Log publishes a log entry on the log topic.
func (b *Bus) Log(status LogStatus, taskID, message string) {
	b.Publish(TopicLog, LogEvent{
		Status:    status,
		Message:   message,
		Task:      taskID,
		Timestamp: time.Now(),
	})
}

// Close closes the bus and every subscriber channel. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	for _, ch := range b.allSubs {
		close(ch)
	}
}

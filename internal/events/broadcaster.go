// Package events provides a topic-based pub/sub broadcaster for download
// progress fan-out. Topics are scoped to a single download session, so a
// subscriber never observes another session's events.
package events

import (
	"sync"
)

// Message is one published event envelope.
type Message struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

// Broadcaster manages per-topic subscribers and publishes messages.
type Broadcaster struct {
	mu     sync.RWMutex
	topics map[string]map[chan Message]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		topics: make(map[string]map[chan Message]struct{}),
	}
}

// Subscribe adds a subscriber to a topic and returns its channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(topic string) chan Message {
	ch := make(chan Message, 64)
	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[chan Message]struct{})
		b.topics[topic] = subs
	}
	subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel. Empty topics are
// dropped from the table.
func (b *Broadcaster) Unsubscribe(topic string, ch chan Message) {
	b.mu.Lock()
	subs, ok := b.topics[topic]
	if ok {
		if _, member := subs[ch]; member {
			delete(subs, ch)
			close(ch)
		}
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	b.mu.Unlock()
}

// Publish sends a message to all subscribers of one topic. Non-blocking:
// drops messages for slow consumers.
func (b *Broadcaster) Publish(topic string, msg Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.topics[topic] {
		select {
		case ch <- msg:
		default:
			// Drop message for slow consumer
		}
	}
}

// Count returns the current number of subscribers on a topic.
func (b *Broadcaster) Count(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

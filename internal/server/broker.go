package server

import (
	"encoding/json"
	"sync"
)

// Broker fans out pipeline and governance events to SSE subscribers.
// Producers call Publish; each subscriber gets its own buffered channel.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[chan []byte]struct{}
}

// NewBroker creates an SSE broker.
func NewBroker() *Broker {
	return &Broker{subscribers: make(map[chan []byte]struct{})}
}

// Publish formats the payload as an SSE event and broadcasts it.
// Marshal failures are silently dropped; events are advisory.
func (b *Broker) Publish(eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.broadcast(formatSSE(eventType, string(data)))
}

// Subscribe returns a channel that receives SSE-formatted events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to all subscribers. Slow subscribers that have
// a full buffer are skipped (their event is dropped) to prevent one slow
// client from blocking all others.
func (b *Broker) broadcast(event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop this event for them.
		}
	}
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}

// Package eventbus fans out connection and envelope events inside the process.
package eventbus

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	ConnectionState   = "connection.state"
	EnvelopeReceived  = "envelope.received"
	EnvelopeAcked     = "envelope.acked"
	EnvelopeDuplicate = "envelope.duplicate"
	EnvelopeMalformed = "envelope.malformed"
	LogEntry          = "log.entry"
)

const subscriberBuffer = 64

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Bus is a non-blocking pub/sub bus. A subscriber whose buffer is full misses
// events rather than stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]map[string]struct{} // nil filter = all types
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]map[string]struct{})}
}

// Subscribe returns a buffered channel receiving events of the given types,
// or of every type when none are given.
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, subscriberBuffer)
	var filter map[string]struct{}
	if len(types) > 0 {
		filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[ch] = filter
	return ch
}

// Unsubscribe removes ch and closes it.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers e to every matching subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil {
			if _, ok := filter[e.Type]; !ok {
				continue
			}
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// PublishType marshals data and publishes it under eventType. A nil bus is a
// no-op so components can run without one.
func (b *Bus) PublishType(eventType string, data any) {
	if b == nil {
		return
	}
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	b.Publish(Event{Type: eventType, Timestamp: time.Now(), Data: raw})
}

// Close closes every subscriber channel. Later subscriptions receive an
// already closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
	b.closed = true
}

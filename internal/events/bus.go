// Package events is an in-process publish/subscribe bus for operational
// events: session state changes, reasoning rounds, deliveries, briefs.
// Subscribers (the MQTT publisher, tests) receive events on buffered
// channels. A nil *Bus is valid and drops everything, so components
// publish without guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent    = "agent"
	SourceWhatsApp = "whatsapp"
	SourceDelivery = "delivery"
	SourceMCP      = "mcp"
	SourceBrief    = "brief"
	SourceHealth   = "health"
)

// Kinds, grouped by the source that emits them.
const (
	// agent. Data: turn_id, round, tool, ok, elapsed_ms.
	KindTurnStart    = "turn_start"
	KindLLMCall      = "llm_call"
	KindToolCall     = "tool_call"
	KindToolDone     = "tool_done"
	KindTurnComplete = "turn_complete"

	// whatsapp. Data: sender, outcome.
	KindMessageReceived = "message_received"
	KindMessageHandled  = "message_handled"
	KindRateLimited     = "rate_limited"

	// delivery. Data: recipient, kind, ok, attempts.
	KindDelivered      = "delivered"
	KindDeliveryFailed = "delivery_failed"

	// mcp. Data: server, from, to, error.
	KindSessionState = "session_state"

	// brief. Data: farmers, sent, skipped.
	KindBriefRun = "brief_run"

	// health. Data: service, error.
	KindServiceUp   = "service_up"
	KindServiceDown = "service_down"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. A subscriber whose buffer is full
// misses events instead of stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a new subscriber with the given buffer size. Call
// Unsubscribe to release it. A nil bus returns a channel that never
// delivers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	if b == nil {
		return nil
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	b.subs[ch] = ch
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if send, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(send)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

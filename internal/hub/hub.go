package hub

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Event types published on job channels.
const (
	TypeToken    = "TOKEN"
	TypeDone     = "DONE"
	TypeCanceled = "CANCELED"
	TypeError    = "ERROR"
)

// Terminal reports whether an event type closes an inference stream.
func Terminal(eventType string) bool {
	switch eventType {
	case TypeDone, TypeCanceled, TypeError:
		return true
	}
	return false
}

// Event is one message on a job channel. The wire shape matches what the
// WebSocket endpoint forwards verbatim.
type Event struct {
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	TS          int64          `json:"ts"`
}

// Now stamps an event timestamp in unix seconds.
func Now() int64 { return time.Now().Unix() }

// ExecutionChannel names the per-execution topic.
func ExecutionChannel(id string) string { return fmt.Sprintf("execution:%s", id) }

// InferenceChannel names the per-task topic.
func InferenceChannel(id string) string { return fmt.Sprintf("inference:%s", id) }

// Subscription is one subscriber's sink on a channel. Read events from C.
type Subscription struct {
	channel string
	C       chan Event
}

// Hub is the in-process topic fan-out. Subscriptions live until unsubscribed
// or process exit; nothing is durable here, the node-event log is the
// authoritative history for executions.
type Hub struct {
	mu   sync.Mutex
	subs map[string][]*Subscription
}

// New returns an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string][]*Subscription)}
}

const defaultBuffer = 64

// Subscribe registers a sink on a channel and returns it. The sink buffers
// defaultBuffer events; Publish drops events for a full sink rather than
// blocking the publisher.
func (h *Hub) Subscribe(channel string) *Subscription {
	sub := &Subscription{channel: channel, C: make(chan Event, defaultBuffer)}
	h.mu.Lock()
	h.subs[channel] = append(h.subs[channel], sub)
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes the sink and closes it. Safe to call once per
// subscription; events published after removal are not delivered.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	sinks := h.subs[sub.channel]
	for i, s := range sinks {
		if s == sub {
			h.subs[sub.channel] = append(sinks[:i], sinks[i+1:]...)
			close(sub.C)
			break
		}
	}
	if len(h.subs[sub.channel]) == 0 {
		delete(h.subs, sub.channel)
	}
	h.mu.Unlock()
}

// Publish delivers the event to every current subscriber of the channel.
// Delivery happens under the hub lock, so a single publisher's events reach
// each sink in publish order. A sink that cannot keep up loses the event.
func (h *Hub) Publish(channel string, event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs[channel] {
		select {
		case sub.C <- event:
		default:
			log.Printf("hub: dropping %s event on %s, subscriber too slow", event.Type, channel)
		}
	}
}

// SubscriberCount reports how many sinks a channel currently has.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}

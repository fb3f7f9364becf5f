// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (agent instances, the
// scheduler, the HTTP API, the service watchers) to subscribers (the
// MQTT notifier, the usage ledger). Publishing on a nil *Bus is a no-op, so
// components that were given no bus need no guard checks.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from an agent instance.
	SourceAgent = "agent"
	// SourceScheduler identifies events from the task scheduler.
	SourceScheduler = "scheduler"
	// SourceAPI identifies events from the HTTP server.
	SourceAPI = "api"
	// SourceConnwatch identifies service health transitions.
	SourceConnwatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a chat turn.
	// Data: instance, trigger.
	KindTurnStart = "turn_start"
	// KindPhase signals an orchestrator phase transition.
	// Data: instance, phase.
	KindPhase = "phase"
	// KindLLMCall signals the start of a model call.
	// Data: instance, step, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model call.
	// Data: instance, step, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: instance, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: instance, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindConfirmationRequired signals a gated tool call waiting for
	// a human decision.
	// Data: instance, tool, tool_call_id.
	KindConfirmationRequired = "confirmation_required"
	// KindTurnComplete signals the end of a chat turn.
	// Data: instance, steps, elapsed_ms, error.
	KindTurnComplete = "turn_complete"

	// KindTaskFired signals a scheduled task has begun executing.
	// Data: task_id, instance, callback.
	KindTaskFired = "task_fired"
	// KindChatRequest signals an accepted chat request.
	// Data: instance, transport.
	KindChatRequest = "chat_request"

	// KindServiceState signals a watched service became reachable or
	// unreachable.
	// Data: service, ready, error.
	KindServiceState = "service_state"

	// KindReminder signals a reminder was delivered into a
	// conversation.
	// Data: instance, task_id, payload.
	KindReminder = "reminder"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; a subscriber whose buffer is full misses the
// event and the bus counts the drop.
type Bus struct {
	mu      sync.RWMutex
	subs    map[<-chan Event]*subscription
	dropped atomic.Uint64
}

type subscription struct {
	ch    chan Event
	kinds map[string]bool // nil accepts every kind
}

func (s *subscription) wants(kind string) bool {
	return s.kinds == nil || s.kinds[kind]
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish delivers e to every interested subscriber without blocking.
// Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving every published event. The
// caller must Unsubscribe it when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	return b.SubscribeKinds(bufSize)
}

// SubscribeKinds is Subscribe limited to the listed kinds. With no
// kinds it receives everything.
func (b *Bus) SubscribeKinds(bufSize int, kinds ...string) <-chan Event {
	sub := &subscription{ch: make(chan Event, bufSize)}
	if len(kinds) > 0 {
		sub.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ch] = sub
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
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

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Stats reports bus health for the stats endpoint.
func (b *Bus) Stats(_ context.Context) map[string]any {
	return map[string]any{
		"subscribers": b.SubscriberCount(),
		"dropped":     b.Dropped(),
	}
}

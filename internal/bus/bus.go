// Package bus provides an internal event bus for component communication
package bus

import (
	"sync"
	"time"
)

// EventType identifies different event types
type EventType string

// Event types for AvatarEcho
const (
	// Session lifecycle
	EventTypeSessionCreated EventType = "session.created"
	EventTypeSessionReady   EventType = "session.ready"
	EventTypeSessionStopped EventType = "session.stopped"
	EventTypeSessionFailed  EventType = "session.failed"

	// Audio pipeline
	EventTypeAudioIngested EventType = "audio.ingested"
	EventTypeTranscript    EventType = "stt.transcript"

	// Command dispatch
	EventTypeDispatchOK     EventType = "dispatch.ok"
	EventTypeDispatchFailed EventType = "dispatch.failed"

	// Realtime monitor
	EventTypeRealtimeEvent EventType = "realtime.event"
)

// Event represents a bus event
type Event struct {
	Type EventType
	Time time.Time
	Data map[string]any
}

// Handler is a function that handles events
type Handler func(Event)

// EventBus is a simple pub/sub event bus that also keeps a bounded
// history of recent events for the status endpoint.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	recent   []Event
	maxKeep  int
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
		maxKeep:  100,
	}
}

// Subscribe adds a handler for an event type
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish sends an event to all subscribed handlers
func (b *EventBus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	b.mu.Lock()
	b.recent = append(b.recent, event)
	if len(b.recent) > b.maxKeep {
		b.recent = b.recent[len(b.recent)-b.maxKeep:]
	}
	handlers := make([]Handler, len(b.handlers[event.Type]))
	copy(handlers, b.handlers[event.Type])
	b.mu.Unlock()

	for _, handler := range handlers {
		// Handlers run in goroutines so publishers never block
		go handler(event)
	}
}

// Recent returns up to limit most recent events, newest last.
func (b *EventBus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > len(b.recent) {
		limit = len(b.recent)
	}
	out := make([]Event, limit)
	copy(out, b.recent[len(b.recent)-limit:])
	return out
}

// Clear removes all handlers and history
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]Handler)
	b.recent = nil
}

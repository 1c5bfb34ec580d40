package session

import (
	"sync"
	"time"

	"helmdect/internal/compliance"
)

// EventKind distinguishes what happened to a session
type EventKind string

const (
	EventState     EventKind = "state"      // Plain state transition
	EventResult    EventKind = "result"     // A result was applied
	EventFailure   EventKind = "failure"    // Submission failed, session is in failed
	EventTick      EventKind = "tick"       // Camera tick fired
	EventTickError EventKind = "tick_error" // Camera tick failed, state unchanged
	EventClosed    EventKind = "closed"
)

// Event is published on every observable session change
type Event struct {
	Kind      EventKind                   `json:"kind"`
	SessionID string                      `json:"session_id"`
	Modality  Modality                    `json:"modality"`
	State     State                       `json:"state"`
	Result    *compliance.DetectionResult `json:"result,omitempty"`
	Report    *compliance.Report          `json:"report,omitempty"`
	Error     string                      `json:"error,omitempty"`
	Tick      uint64                      `json:"tick,omitempty"`
	Timestamp time.Time                   `json:"timestamp"`
}

// Handler receives session events
type Handler interface {
	OnSessionEvent(ev Event)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ev Event)

func (f HandlerFunc) OnSessionEvent(ev Event) { f(ev) }

// EventBus provides pub/sub for session events
type EventBus struct {
	subscribers map[*subscription]bool
	mu          sync.RWMutex
}

type subscription struct {
	sessionFilter string // Empty string means receive all sessions
	channel       chan Event
	handler       Handler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*subscription]bool),
	}
}

// Subscribe registers a handler for events from all sessions.
// Returns an unsubscribe function.
func (b *EventBus) Subscribe(handler Handler) func() {
	return b.add(&subscription{handler: handler})
}

// SubscribeSession registers a handler for events from one session
func (b *EventBus) SubscribeSession(sessionID string, handler Handler) func() {
	return b.add(&subscription{sessionFilter: sessionID, handler: handler})
}

// SubscribeChannel returns a buffered channel that receives events for
// sessionID, or for every session when sessionID is empty.
// Events are dropped when the channel is full.
func (b *EventBus) SubscribeChannel(sessionID string, bufferSize int) (<-chan Event, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan Event, bufferSize)
	sub := &subscription{
		sessionFilter: sessionID,
		channel:       ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

func (b *EventBus) add(sub *subscription) func() {
	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// Publish sends an event to all matching subscribers. A nil bus drops it.
func (b *EventBus) Publish(ev Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.sessionFilter != "" && sub.sessionFilter != ev.SessionID {
			continue
		}

		// Handlers run synchronously so each subscriber sees events in order
		if sub.handler != nil {
			sub.handler.OnSessionEvent(ev)
		} else if sub.channel != nil {
			select {
			case sub.channel <- ev:
			default:
				// Channel full, skip this event
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}

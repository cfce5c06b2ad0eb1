package fanout

import (
	"sync"
	"time"
)

// Event identifies something that happened inside an execution.
type Event string

const (
	EventSpecialistCompleted Event = "specialist-completed"
	EventSynthesis           Event = "synthesis"
	EventTerminal            Event = "terminal"
	EventLateArrival         Event = "late-arrival"
)

// EventPayload accompanies every emitted event.
type EventPayload struct {
	ExecutionID string          `json:"execution_id"`
	SessionID   string          `json:"session_id"`
	AgentID     string          `json:"agent_id,omitempty"`
	Status      ExecutionStatus `json:"status,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventHandler receives event payloads.
type EventHandler func(payload EventPayload)

// Emitter broadcasts execution events to subscribers. Handlers run on their
// own goroutines so a slow subscriber cannot stall the orchestrator.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[Event][]EventHandler
}

// NewEmitter creates an event emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[Event][]EventHandler),
	}
}

// On registers a handler for an event.
func (e *Emitter) On(event Event, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

// Off removes all handlers for an event.
func (e *Emitter) Off(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, event)
}

// Emit delivers the payload to every handler asynchronously.
func (e *Emitter) Emit(event Event, payload EventPayload) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()

	payload.Timestamp = time.Now()
	for _, handler := range handlers {
		go handler(payload)
	}
}

package pool

import (
	"sync"
	"time"
)

// EventType names a point in the task lifecycle event stream described in
// spec.md §4.5. Events pertaining to one task are always delivered in the
// order queued -> started -> progress* -> exactly one terminal event.
type EventType string

const (
	EventTaskQueued    EventType = "taskQueued"
	EventTaskStarted   EventType = "taskStarted"
	EventTaskProgress  EventType = "taskProgress"
	EventTaskCompleted EventType = "taskCompleted"
	EventTaskFailed    EventType = "taskFailed"
	EventTaskRetry     EventType = "taskRetry"
	EventTaskCancelled EventType = "taskCancelled"
)

// TaskEvent is the payload delivered to event handlers.
type TaskEvent struct {
	Type      EventType
	TaskID    string
	Tag       string
	Operation string
	Attempt   int
	Progress  int
	Result    interface{}
	Err       error
	Timestamp time.Time
}

// TaskEventHandler receives task lifecycle events.
type TaskEventHandler func(event TaskEvent)

// EventEmitter fans out task events to registered handlers, adapted from
// the teacher's engine.EventEmitter: handlers run synchronously on the
// emitting goroutine, so each handler sees one task's events in the order
// they were emitted, and a slow handler delays the emitter.
type EventEmitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]TaskEventHandler
}

func NewEventEmitter() *EventEmitter {
	return &EventEmitter{handlers: make(map[EventType][]TaskEventHandler)}
}

// On registers a handler for an event type.
func (e *EventEmitter) On(eventType EventType, handler TaskEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[eventType] = append(e.handlers[eventType], handler)
}

// Off removes all handlers for an event type.
func (e *EventEmitter) Off(eventType EventType) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.handlers, eventType)
}

// Emit delivers event to every handler registered for its type.
func (e *EventEmitter) Emit(event TaskEvent) {
	e.mu.RLock()
	handlers := e.handlers[event.Type]
	e.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

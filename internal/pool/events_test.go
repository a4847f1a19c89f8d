package pool

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventEmitterDeliversToRegisteredHandlers(t *testing.T) {
	emitter := NewEventEmitter()

	var mu sync.Mutex
	received := []TaskEvent{}
	done := make(chan struct{}, 1)

	emitter.On(EventTaskCompleted, func(evt TaskEvent) {
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
		done <- struct{}{}
	})

	emitter.Emit(TaskEvent{Type: EventTaskCompleted, TaskID: "t1"})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "t1", received[0].TaskID)
}

func TestEventEmitterIgnoresUnregisteredTypes(t *testing.T) {
	emitter := NewEventEmitter()
	called := make(chan struct{}, 1)

	emitter.On(EventTaskFailed, func(evt TaskEvent) { called <- struct{}{} })
	emitter.Emit(TaskEvent{Type: EventTaskCompleted})

	select {
	case <-called:
		t.Fatal("handler for a different event type should not fire")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventEmitterOffRemovesHandlers(t *testing.T) {
	emitter := NewEventEmitter()
	called := make(chan struct{}, 1)

	emitter.On(EventTaskRetry, func(evt TaskEvent) { called <- struct{}{} })
	emitter.Off(EventTaskRetry)
	emitter.Emit(TaskEvent{Type: EventTaskRetry})

	select {
	case <-called:
		t.Fatal("handler should have been removed")
	case <-time.After(50 * time.Millisecond):
	}
}

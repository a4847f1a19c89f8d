package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/pool/internal/platform/config"
)

func newTestDispatcher(t *testing.T) (*TaskDispatcher, *PoolFactory) {
	t.Helper()
	factory := NewPoolFactory(defaultPoolDefaults(), newNopLogger(), nil)
	emitter := NewEventEmitter()
	dispatcher := NewTaskDispatcher(factory, emitter, config.DispatcherConfig{
		TaskTimeout: time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCeiling: 10 * time.Millisecond,
	}, newNopLogger())
	factory.handler = dispatcher

	require.NoError(t, factory.RegisterCustomWorker(WorkerSourceRegistration{
		Tag:    "compute",
		Source: WorkerSourceRef{Kind: SourceGoroutine, Body: echoBody},
	}))
	require.NoError(t, factory.RegisterOperation("echo", "compute"))

	return dispatcher, factory
}

func TestTaskDispatcherSubmitAndAwaitCompletes(t *testing.T) {
	dispatcher, factory := newTestDispatcher(t)
	defer factory.TerminateAll()

	task := NewTask("", "echo", "payload")
	require.NoError(t, dispatcher.Submit(context.Background(), task))

	resolved, err := dispatcher.Await(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, resolved.Status)
	assert.Equal(t, "payload", resolved.Result)
}

func TestTaskDispatcherSubmitUnknownOperation(t *testing.T) {
	dispatcher, factory := newTestDispatcher(t)
	defer factory.TerminateAll()

	task := NewTask("", "does-not-exist", nil)
	err := dispatcher.Submit(context.Background(), task)
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestTaskDispatcherAwaitUnknownTask(t *testing.T) {
	dispatcher, factory := newTestDispatcher(t)
	defer factory.TerminateAll()

	_, err := dispatcher.Await(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskDispatcherCancelQueuedTask(t *testing.T) {
	dispatcher, factory := newTestDispatcher(t)
	defer factory.TerminateAll()

	task := NewTask("", "echo", "payload")
	require.NoError(t, dispatcher.Submit(context.Background(), task))
	require.NoError(t, dispatcher.Cancel(task.ID))

	// Cancel resolves synchronously via finish, which removes the pending
	// entry Await would otherwise look up; the mutated task itself carries
	// the final state instead.
	assert.Equal(t, TaskCancelled, task.Status)
	assert.ErrorIs(t, task.Err, ErrCancelled)
}

func TestTaskDispatcherTimeoutResolvesTimedOut(t *testing.T) {
	factory := NewPoolFactory(defaultPoolDefaults(), newNopLogger(), nil)
	emitter := NewEventEmitter()
	dispatcher := NewTaskDispatcher(factory, emitter, config.DispatcherConfig{
		TaskTimeout: 20 * time.Millisecond,
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
	}, newNopLogger())
	factory.handler = dispatcher
	require.NoError(t, factory.RegisterCustomWorker(WorkerSourceRegistration{
		Tag:    "stuck",
		Source: WorkerSourceRef{Kind: SourceGoroutine, Body: blockingBody},
	}))
	require.NoError(t, factory.RegisterOperation("stall", "stuck"))
	defer factory.TerminateAll()

	task := NewTask("", "stall", nil)
	require.NoError(t, dispatcher.Submit(context.Background(), task))

	resolved, err := dispatcher.Await(context.Background(), task.ID)
	require.Error(t, err)
	assert.Equal(t, TaskTimedOut, resolved.Status)
}

func TestTaskDispatcherTimeoutRetriesWithinBudget(t *testing.T) {
	factory := NewPoolFactory(defaultPoolDefaults(), newNopLogger(), nil)
	emitter := NewEventEmitter()
	dispatcher := NewTaskDispatcher(factory, emitter, config.DispatcherConfig{
		TaskTimeout: 20 * time.Millisecond,
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
	}, newNopLogger())
	factory.handler = dispatcher
	require.NoError(t, factory.RegisterCustomWorker(WorkerSourceRegistration{
		Tag:    "stuck",
		Source: WorkerSourceRef{Kind: SourceGoroutine, Body: blockingBody},
	}))
	require.NoError(t, factory.RegisterOperation("stall", "stuck"))
	defer factory.TerminateAll()

	retried := make(chan TaskEvent, 4)
	emitter.On(EventTaskRetry, func(e TaskEvent) { retried <- e })

	task := NewTask("", "stall", nil)
	require.NoError(t, dispatcher.Submit(context.Background(), task))

	select {
	case <-retried:
	case <-time.After(time.Second):
		t.Fatal("expected a retry event after the first timeout")
	}

	resolved, err := dispatcher.Await(context.Background(), task.ID)
	require.Error(t, err)
	assert.Equal(t, TaskTimedOut, resolved.Status)
	assert.Equal(t, 2, resolved.Attempt)
}

func TestTaskDispatcherShutdownCancelsPending(t *testing.T) {
	factory := NewPoolFactory(defaultPoolDefaults(), newNopLogger(), nil)
	emitter := NewEventEmitter()
	dispatcher := NewTaskDispatcher(factory, emitter, config.DispatcherConfig{
		TaskTimeout: 5 * time.Second,
		MaxAttempts: 1,
		BackoffBase: time.Millisecond,
	}, newNopLogger())
	factory.handler = dispatcher
	require.NoError(t, factory.RegisterCustomWorker(WorkerSourceRegistration{
		Tag:    "stuck",
		Source: WorkerSourceRef{Kind: SourceGoroutine, Body: blockingBody},
	}))
	require.NoError(t, factory.RegisterOperation("stall", "stuck"))
	defer factory.TerminateAll()

	task := NewTask("", "stall", nil)
	require.NoError(t, dispatcher.Submit(context.Background(), task))

	dispatcher.Shutdown()

	assert.Equal(t, TaskCancelled, task.Status)
}

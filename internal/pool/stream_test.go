package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStreamManager(t *testing.T) (*StreamManager, *PoolFactory) {
	t.Helper()
	factory := NewPoolFactory(defaultPoolDefaults(), newNopLogger(), nil)
	sm := NewStreamManager(factory, newNopLogger())
	factory.handler = sm

	require.NoError(t, factory.RegisterCustomWorker(WorkerSourceRegistration{
		Tag:    "stream",
		Source: WorkerSourceRef{Kind: SourceGoroutine, Body: echoBody},
	}))
	return sm, factory
}

func TestStreamManagerOpenTransitionsActiveOnAck(t *testing.T) {
	sm, factory := newTestStreamManager(t)
	defer factory.TerminateAll()

	stream, err := sm.Open(context.Background(), "stream", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return stream.State() == StreamActive
	}, time.Second, 5*time.Millisecond)
}

func TestStreamManagerPauseAndResume(t *testing.T) {
	sm, factory := newTestStreamManager(t)
	defer factory.TerminateAll()

	stream, err := sm.Open(context.Background(), "stream", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stream.State() == StreamActive }, time.Second, 5*time.Millisecond)

	require.NoError(t, sm.Pause(stream.ID))
	assert.Equal(t, StreamPaused, stream.State())

	require.NoError(t, sm.Resume(stream.ID))
	assert.Equal(t, StreamActive, stream.State())
}

func TestStreamManagerSendRejectsWhenNotActive(t *testing.T) {
	sm, factory := newTestStreamManager(t)
	defer factory.TerminateAll()

	stream, err := sm.Open(context.Background(), "stream", nil)
	require.NoError(t, err)
	// Still INITIALIZING at this instant; Send must reject rather than race
	// the worker's ack.
	err = stream.Send(context.Background(), Message{Data: "x"})
	assert.ErrorIs(t, err, ErrStreamClosed)
}

func TestStreamManagerCloseReleasesWorker(t *testing.T) {
	sm, factory := newTestStreamManager(t)
	defer factory.TerminateAll()

	stream, err := sm.Open(context.Background(), "stream", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stream.State() == StreamActive }, time.Second, 5*time.Millisecond)

	sm.Close(stream.ID)
	assert.Equal(t, StreamClosed, stream.State())

	_, err = sm.Get(stream.ID)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestStreamManagerHandleWorkerLostErrorsStream(t *testing.T) {
	sm, factory := newTestStreamManager(t)
	defer factory.TerminateAll()

	received := make(chan Message, 1)
	stream, err := sm.Open(context.Background(), "stream", func(msg Message) { received <- msg })
	require.NoError(t, err)
	require.Eventually(t, func() bool { return stream.State() == StreamActive }, time.Second, 5*time.Millisecond)

	sm.HandleWorkerLost(stream.WorkerID())
	assert.Equal(t, StreamError, stream.State())

	select {
	case msg := <-received:
		assert.Equal(t, "streamError", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("expected streamError notification")
	}

	_, err = sm.Get(stream.ID)
	assert.ErrorIs(t, err, ErrStreamNotFound)
}

func TestStreamManagerOpenFailsWithoutWorkerBody(t *testing.T) {
	factory := NewPoolFactory(defaultPoolDefaults(), newNopLogger(), nil)
	sm := NewStreamManager(factory, newNopLogger())
	factory.handler = sm
	defer factory.TerminateAll()

	// "ghost" is registered with a goroutine source that has no body, so no
	// worker can be spawned for it and Open fails.
	require.NoError(t, factory.RegisterCustomWorker(WorkerSourceRegistration{
		Tag:        "ghost",
		MaxWorkers: 1,
		Source:     WorkerSourceRef{Kind: SourceGoroutine},
	}))

	_, err := sm.Open(context.Background(), "ghost", nil)
	assert.Error(t, err)
}

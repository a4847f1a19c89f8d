package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAdapterSelectsImplementation(t *testing.T) {
	goroutine, err := NewAdapter(SourceGoroutine)
	require.NoError(t, err)
	assert.IsType(t, &GoroutineAdapter{}, goroutine)

	subprocess, err := NewAdapter(SourceSubprocess)
	require.NoError(t, err)
	assert.IsType(t, &SubprocessAdapter{}, subprocess)

	_, err = NewAdapter("unknown")
	assert.Error(t, err)
}

func TestGoroutineAdapterSpawnRejectsMissingBody(t *testing.T) {
	adapter := &GoroutineAdapter{}
	_, err := adapter.Spawn(context.Background(), "compute", WorkerSourceRef{Kind: SourceGoroutine})
	assert.Error(t, err)
}

func TestGoroutineAdapterSpawnRoundTrip(t *testing.T) {
	adapter := &GoroutineAdapter{}
	sw, err := adapter.Spawn(context.Background(), "compute", WorkerSourceRef{Kind: SourceGoroutine, Body: echoBody})
	require.NoError(t, err)
	assert.Equal(t, WorkerIdle, sw.Handle.Status())

	// workerReady is sent synchronously before Spawn returns.
	select {
	case msg := <-sw.Messages():
		assert.Equal(t, "workerReady", msg.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for workerReady")
	}

	require.NoError(t, sw.Post(context.Background(), Message{TaskID: "t1", Data: "payload"}))

	select {
	case msg := <-sw.Messages():
		assert.Equal(t, "completed", msg.Status)
		assert.Equal(t, "payload", msg.Result)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}

	sw.Terminate()
	select {
	case <-sw.Exited():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after Terminate")
	}
}

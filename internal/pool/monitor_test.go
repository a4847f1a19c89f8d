package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/pool/internal/platform/config"
)

func TestWorkerMonitorSamplesPoolStats(t *testing.T) {
	factory := NewPoolFactory(defaultPoolDefaults(), newNopLogger(), nil)
	require.NoError(t, factory.RegisterCustomWorker(WorkerSourceRegistration{
		Tag:    "compute",
		Source: WorkerSourceRef{Kind: SourceGoroutine, Body: echoBody},
	}))
	_, err := factory.PoolFor("compute")
	require.NoError(t, err)
	defer factory.TerminateAll()

	monitor := NewWorkerMonitor(factory, newTestMetrics(), config.MonitorConfig{
		SampleInterval: 5 * time.Millisecond,
		MaxSamples:     10,
	}, newNopLogger())

	monitor.Start(context.Background())
	defer monitor.Close()

	assert.Eventually(t, func() bool {
		return len(monitor.Samples("compute")) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerMonitorCapsSampleHistory(t *testing.T) {
	factory := NewPoolFactory(defaultPoolDefaults(), newNopLogger(), nil)
	require.NoError(t, factory.RegisterCustomWorker(WorkerSourceRegistration{
		Tag:    "compute",
		Source: WorkerSourceRef{Kind: SourceGoroutine, Body: echoBody},
	}))
	_, err := factory.PoolFor("compute")
	require.NoError(t, err)
	defer factory.TerminateAll()

	monitor := NewWorkerMonitor(factory, newTestMetrics(), config.MonitorConfig{
		SampleInterval: time.Millisecond,
		MaxSamples:     3,
	}, newNopLogger())

	monitor.Start(context.Background())
	defer monitor.Close()

	assert.Eventually(t, func() bool {
		return len(monitor.Samples("compute")) == 3
	}, time.Second, 2*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.LessOrEqual(t, len(monitor.Samples("compute")), 3)
}

func TestWorkerMonitorRaisesAlertOnQueueThreshold(t *testing.T) {
	factory := NewPoolFactory(defaultPoolDefaults(), newNopLogger(), nil)
	require.NoError(t, factory.RegisterCustomWorker(WorkerSourceRegistration{
		Tag:    "compute",
		Source: WorkerSourceRef{Kind: SourceGoroutine, Body: blockingBody},
		MaxWorkers: 1,
	}))
	p, err := factory.PoolFor("compute")
	require.NoError(t, err)
	defer factory.TerminateAll()

	// Fill the queue past the threshold with a worker that never drains it.
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), NewTask("compute", "op", nil)))
	}

	monitor := NewWorkerMonitor(factory, newTestMetrics(), config.MonitorConfig{
		SampleInterval:  5 * time.Millisecond,
		ThresholdQueued: 1,
	}, newNopLogger())

	alerts := make(chan Alert, 4)
	monitor.OnAlert(func(a Alert) { alerts <- a })

	monitor.Start(context.Background())
	defer monitor.Close()

	select {
	case a := <-alerts:
		assert.Equal(t, "compute", a.Tag)
		assert.Contains(t, a.Reason, "queue depth")
	case <-time.After(time.Second):
		t.Fatal("expected a queue-depth alert")
	}
}

func TestWorkerMonitorRecentLogsFiltersByTag(t *testing.T) {
	factory := NewPoolFactory(defaultPoolDefaults(), newNopLogger(), nil)
	require.NoError(t, factory.RegisterCustomWorker(WorkerSourceRegistration{
		Tag:    "compute",
		Source: WorkerSourceRef{Kind: SourceGoroutine, Body: echoBody},
	}))
	_, err := factory.PoolFor("compute")
	require.NoError(t, err)
	defer factory.TerminateAll()

	monitor := NewWorkerMonitor(factory, newTestMetrics(), config.MonitorConfig{
		SampleInterval: 5 * time.Millisecond,
	}, newNopLogger())
	monitor.Start(context.Background())
	defer monitor.Close()

	assert.Eventually(t, func() bool {
		return len(monitor.RecentLogs(LogFilter{Tag: "compute"}, 0)) > 0
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, monitor.RecentLogs(LogFilter{Tag: "nonexistent-tag"}, 0))
}

func TestWorkerMonitorRaisesWorkerNeedsRestartAlert(t *testing.T) {
	factory := NewPoolFactory(defaultPoolDefaults(), newNopLogger(), nil)
	require.NoError(t, factory.RegisterCustomWorker(WorkerSourceRegistration{
		Tag:    "compute",
		Source: WorkerSourceRef{Kind: SourceGoroutine, Body: echoBody},
	}))
	p, err := factory.PoolFor("compute")
	require.NoError(t, err)
	defer factory.TerminateAll()

	monitor := NewWorkerMonitor(factory, newTestMetrics(), config.MonitorConfig{
		SampleInterval: time.Hour,
		AutoRestart:    true,
	}, newNopLogger())

	alerts := make(chan Alert, 1)
	monitor.OnAlert(func(a Alert) { alerts <- a })

	p.breaker = newRestartBreaker(1, time.Minute)
	var workerID string
	for id := range p.workers {
		workerID = id
	}
	require.NotEmpty(t, workerID)

	p.RestartWorker(workerID, errors.New("boom"))

	select {
	case a := <-alerts:
		assert.Equal(t, "compute", a.Tag)
		assert.Equal(t, "workerNeedsRestart", a.Reason)
		assert.Equal(t, workerID, a.WorkerID)
	case <-time.After(time.Second):
		t.Fatal("expected a workerNeedsRestart alert")
	}

	assert.Eventually(t, func() bool {
		return p.Stats().WorkerCount == 1
	}, time.Second, 5*time.Millisecond)
}

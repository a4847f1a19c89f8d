package pool

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// WorkerStatus is the worker lifecycle state.
type WorkerStatus string

const (
	WorkerSpawning    WorkerStatus = "SPAWNING"
	WorkerIdle        WorkerStatus = "IDLE"
	WorkerBusy        WorkerStatus = "BUSY"
	WorkerRestarting  WorkerStatus = "RESTARTING"
	WorkerTerminated  WorkerStatus = "TERMINATED"
)

// WorkerCounters are the per-worker performance counters referenced by
// spec.md's Worker attributes. All fields are updated with atomic ops so a
// WorkerHandle can be read from the monitor goroutine without a lock.
type WorkerCounters struct {
	TasksCompleted  int64
	TasksFailed     int64
	TotalCPUTimeMS  int64
	LastDurationMS  int64
}

// WorkerHandle is per-worker state: id, capability tag, status, in-flight
// task set, and perf counters. Handles never hold a reference to a Task or
// Pool; the dispatcher and pool own those by id.
type WorkerHandle struct {
	ID           string
	Tag          string
	status       atomic.Value // WorkerStatus
	oneShotTask  atomic.Value // string, "" when idle
	streamID     atomic.Value // string, "" when not hosting a stream
	LastActiveAt atomic.Value // time.Time
	Counters     WorkerCounters
	restartCount int32
}

// NewWorkerHandle creates a handle in the SPAWNING state.
func NewWorkerHandle(tag string) *WorkerHandle {
	w := &WorkerHandle{
		ID:  uuid.New().String(),
		Tag: tag,
	}
	w.status.Store(WorkerSpawning)
	w.oneShotTask.Store("")
	w.streamID.Store("")
	w.LastActiveAt.Store(time.Now())
	return w
}

func (w *WorkerHandle) Status() WorkerStatus {
	return w.status.Load().(WorkerStatus)
}

func (w *WorkerHandle) setStatus(s WorkerStatus) {
	w.status.Store(s)
	w.LastActiveAt.Store(time.Now())
}

// OneShotTaskID returns the bound one-shot task id, or "" if idle.
func (w *WorkerHandle) OneShotTaskID() string {
	return w.oneShotTask.Load().(string)
}

func (w *WorkerHandle) bindOneShot(taskID string) {
	w.oneShotTask.Store(taskID)
}

// StreamID returns the bound stream id, or "" if not hosting a stream.
func (w *WorkerHandle) StreamID() string {
	return w.streamID.Load().(string)
}

func (w *WorkerHandle) bindStream(streamID string) {
	w.streamID.Store(streamID)
}

// HostsStream reports whether a stream currently owns this worker
// exclusively, which excludes it from one-shot dispatch.
func (w *WorkerHandle) HostsStream() bool {
	return w.StreamID() != ""
}

// IdleSince returns how long the worker has been idle with no activity.
func (w *WorkerHandle) IdleSince() time.Duration {
	return time.Since(w.LastActiveAt.Load().(time.Time))
}

func (w *WorkerHandle) recordCompletion(durationMS int64, failed bool) {
	atomic.StoreInt64(&w.Counters.LastDurationMS, durationMS)
	atomic.AddInt64(&w.Counters.TotalCPUTimeMS, durationMS)
	if failed {
		atomic.AddInt64(&w.Counters.TasksFailed, 1)
	} else {
		atomic.AddInt64(&w.Counters.TasksCompleted, 1)
	}
}

func (w *WorkerHandle) snapshotCounters() WorkerCounters {
	return WorkerCounters{
		TasksCompleted: atomic.LoadInt64(&w.Counters.TasksCompleted),
		TasksFailed:    atomic.LoadInt64(&w.Counters.TasksFailed),
		TotalCPUTimeMS: atomic.LoadInt64(&w.Counters.TotalCPUTimeMS),
		LastDurationMS: atomic.LoadInt64(&w.Counters.LastDurationMS),
	}
}

// Package pool implements the worker-pool and task-dispatch engine: priority
// queueing, capability-tagged pools of adapter-spawned workers, retry and
// timeout handling, long-lived event streams, and monitoring.
package pool

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders tasks within a pool. Lower numeric value runs first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// TaskStatus is the task lifecycle state. Transitions are monotonic except
// RUNNING -> QUEUED on retry.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
	TaskTimedOut  TaskStatus = "TIMED_OUT"
)

// Terminal reports whether status is an absorbing state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimedOut:
		return true
	default:
		return false
	}
}

// RetryPolicy bounds how a task is retried on a transient failure.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// DefaultRetryPolicy mirrors the pool's default task timeout/retry ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 200 * time.Millisecond,
		BackoffCap:  10 * time.Second,
	}
}

// Task is a unit of work routed to a capability-tagged pool.
type Task struct {
	ID          string
	Tag         string
	Operation   string
	Payload     interface{}
	Priority    Priority
	Timeout     time.Duration
	Retry       RetryPolicy
	SubmittedAt time.Time
	StartedAt   *time.Time
	Attempt     int
	Status      TaskStatus
	Result      interface{}
	Err         error
	WorkerID    string
}

// NewTask constructs a task in the QUEUED state. Timestamps and ids follow
// the zero-state the dispatcher expects before handing it to a pool;
// Timeout and Retry are left zero so the dispatcher applies its defaults.
func NewTask(tag, operation string, payload interface{}) *Task {
	return &Task{
		ID:          uuid.New().String(),
		Tag:         tag,
		Operation:   operation,
		Payload:     payload,
		Priority:    PriorityNormal,
		SubmittedAt: time.Now(),
		Status:      TaskQueued,
	}
}

// TaskProgress carries an in-flight progress update from a worker.
type TaskProgress struct {
	TaskID  string
	Percent int
	Data    interface{}
}

package pool

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that never retry.
var (
	ErrUnknownOperation = errors.New("pool: no capability tag registered for operation")
	ErrPoolShuttingDown = errors.New("pool: submission rejected, pool is shutting down")
	ErrPoolAlreadyActive = errors.New("pool: capability tag already has an active worker source")
	ErrCancelled        = errors.New("pool: task cancelled")
	ErrTaskNotFound     = errors.New("pool: task not found")
	ErrStreamClosed     = errors.New("pool: stream is closed")
	ErrStreamNotFound   = errors.New("pool: stream not found")
)

// WorkerCrashError reports a worker exiting before sending a terminal
// message for the task it was running. Retried if the task's budget allows.
type WorkerCrashError struct {
	WorkerID string
	TaskID   string
}

func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("pool: worker %s crashed while running task %s", e.WorkerID, e.TaskID)
}

// TimeoutError reports a task exceeding its deadline. Retried if the
// task's budget allows; the pool restarts the worker regardless, since it
// may be wedged.
type TimeoutError struct {
	TaskID  string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("pool: task %s exceeded timeout %s", e.TaskID, e.Timeout)
}

// WorkerError wraps an error a worker explicitly reported. Retryable iff
// the worker tagged it so.
type WorkerError struct {
	TaskID    string
	Message   string
	Retryable bool
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("pool: worker reported error for task %s: %s", e.TaskID, e.Message)
}

// StreamProtocolViolationError reports a message for an unknown stream id
// or a message out of sequence for the stream's current state.
type StreamProtocolViolationError struct {
	StreamID string
	Reason   string
}

func (e *StreamProtocolViolationError) Error() string {
	return fmt.Sprintf("pool: stream %s protocol violation: %s", e.StreamID, e.Reason)
}

// isRetryable classifies an error against the retry-eligibility rules in
// the error taxonomy: crashes and timeouts are always retryable (subject to
// attempts remaining); worker errors are retryable only when tagged so;
// everything else (UnknownOperation, Cancelled, PoolShuttingDown,
// StreamProtocolViolation) is not.
func isRetryable(err error) bool {
	var crash *WorkerCrashError
	if errors.As(err, &crash) {
		return true
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return true
	}
	var workerErr *WorkerError
	if errors.As(err, &workerErr) {
		return workerErr.Retryable
	}
	return false
}

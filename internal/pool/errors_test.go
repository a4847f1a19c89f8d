package pool

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableCrashAndTimeoutAlwaysRetry(t *testing.T) {
	assert.True(t, isRetryable(&WorkerCrashError{WorkerID: "w1", TaskID: "t1"}))
	assert.True(t, isRetryable(&TimeoutError{TaskID: "t1", Timeout: "30s"}))
}

func TestIsRetryableWorkerErrorHonorsFlag(t *testing.T) {
	assert.True(t, isRetryable(&WorkerError{TaskID: "t1", Message: "transient", Retryable: true}))
	assert.False(t, isRetryable(&WorkerError{TaskID: "t1", Message: "bad input", Retryable: false}))
}

func TestIsRetryableRejectsNonRetryableTaxonomy(t *testing.T) {
	assert.False(t, isRetryable(ErrUnknownOperation))
	assert.False(t, isRetryable(ErrCancelled))
	assert.False(t, isRetryable(ErrPoolShuttingDown))
	assert.False(t, isRetryable(&StreamProtocolViolationError{StreamID: "s1", Reason: "bad sequence"}))
	assert.False(t, isRetryable(errors.New("opaque failure")))
}

func TestErrorMessagesIncludeContext(t *testing.T) {
	assert.Contains(t, (&WorkerCrashError{WorkerID: "w1", TaskID: "t1"}).Error(), "w1")
	assert.Contains(t, (&TimeoutError{TaskID: "t1", Timeout: "30s"}).Error(), "30s")
	assert.Contains(t, (&WorkerError{TaskID: "t1", Message: "boom"}).Error(), "boom")
	assert.Contains(t, (&StreamProtocolViolationError{StreamID: "s1", Reason: "out of order"}).Error(), "out of order")
}

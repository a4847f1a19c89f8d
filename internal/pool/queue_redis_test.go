package pool

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) *RedisTaskQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	t.Cleanup(mr.Close)

	return &RedisTaskQueue{
		client:        redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		queueKey:      "taskpool:tasks",
		deadLetterKey: "taskpool:tasks:deadletter",
	}
}

func TestRedisTaskQueueEnqueueDequeueRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	task := NewTask("compute", "echo", map[string]interface{}{"n": float64(1)})
	require.NoError(t, q.Enqueue(ctx, task))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, size)

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Operation, got.Operation)

	got, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisTaskQueueOrdersByPriorityThenSubmission(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	low := NewTask("tag", "op", nil)
	low.Priority = PriorityLow
	critical := NewTask("tag", "op", nil)
	critical.Priority = PriorityCritical
	critical.SubmittedAt = low.SubmittedAt.Add(1)

	require.NoError(t, q.Enqueue(ctx, low))
	require.NoError(t, q.Enqueue(ctx, critical))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, critical.ID, first.ID)

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, low.ID, second.ID)
}

func TestRedisTaskQueueRemove(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	task := NewTask("tag", "op", nil)
	require.NoError(t, q.Enqueue(ctx, task))
	require.NoError(t, q.Remove(ctx, task.ID))

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestRedisTaskQueueGetAllAndClear(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, NewTask("tag", "op", nil)))
	}

	all, err := q.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, q.Clear(ctx))
	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

func TestRedisTaskQueueDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t)

	task := NewTask("tag", "op", nil)
	task.Status = TaskFailed
	require.NoError(t, q.DeadLetter(ctx, task))

	n, err := q.client.LLen(ctx, q.deadLetterKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTaskQueue is a distributed TaskQueue backed by a Redis sorted set,
// adapted from the teacher's engine.RedisQueue: priority is folded into the
// ZADD score so ZPopMin yields the highest-priority, oldest task first, and
// DeadLetter moves a task to a dead-letter list. Nothing in this module
// calls DeadLetter, and PoolFactory always builds its pools on
// PriorityQueue, so RedisTaskQueue is only used where a caller constructs
// it directly.
type RedisTaskQueue struct {
	client        *redis.Client
	queueKey      string
	deadLetterKey string
}

// RedisTaskQueueConfig configures a RedisTaskQueue.
type RedisTaskQueueConfig struct {
	Addr      string
	Password  string
	DB        int
	QueueName string
}

// NewRedisTaskQueue connects to Redis and verifies reachability.
func NewRedisTaskQueue(cfg RedisTaskQueueConfig) (*RedisTaskQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("pool: connecting to redis task queue: %w", err)
	}

	queueName := cfg.QueueName
	if queueName == "" {
		queueName = "taskpool:tasks"
	}

	return &RedisTaskQueue{
		client:        client,
		queueKey:      queueName,
		deadLetterKey: queueName + ":deadletter",
	}, nil
}

// taskWire is the JSON-safe projection of Task; Err is flattened to a
// string since error values don't round-trip through encoding/json.
type taskWire struct {
	ID          string      `json:"id"`
	Tag         string      `json:"tag"`
	Operation   string      `json:"operation"`
	Payload     interface{} `json:"payload"`
	Priority    Priority    `json:"priority"`
	TimeoutMS   int64       `json:"timeoutMs"`
	MaxAttempts int         `json:"maxAttempts"`
	BackoffMS   int64       `json:"backoffMs"`
	BackoffCapMS int64      `json:"backoffCapMs"`
	SubmittedAt time.Time   `json:"submittedAt"`
	Attempt     int         `json:"attempt"`
	Status      TaskStatus  `json:"status"`
	ErrMessage  string      `json:"errMessage,omitempty"`
}

func toWire(t *Task) taskWire {
	w := taskWire{
		ID:           t.ID,
		Tag:          t.Tag,
		Operation:    t.Operation,
		Payload:      t.Payload,
		Priority:     t.Priority,
		TimeoutMS:    t.Timeout.Milliseconds(),
		MaxAttempts:  t.Retry.MaxAttempts,
		BackoffMS:    t.Retry.BackoffBase.Milliseconds(),
		BackoffCapMS: t.Retry.BackoffCap.Milliseconds(),
		SubmittedAt:  t.SubmittedAt,
		Attempt:      t.Attempt,
		Status:       t.Status,
	}
	if t.Err != nil {
		w.ErrMessage = t.Err.Error()
	}
	return w
}

func fromWire(w taskWire) *Task {
	return &Task{
		ID:        w.ID,
		Tag:       w.Tag,
		Operation: w.Operation,
		Payload:   w.Payload,
		Priority:  w.Priority,
		Timeout:   time.Duration(w.TimeoutMS) * time.Millisecond,
		Retry: RetryPolicy{
			MaxAttempts: w.MaxAttempts,
			BackoffBase: time.Duration(w.BackoffMS) * time.Millisecond,
			BackoffCap:  time.Duration(w.BackoffCapMS) * time.Millisecond,
		},
		SubmittedAt: w.SubmittedAt,
		Attempt:     w.Attempt,
		Status:      w.Status,
	}
}

// score encodes priority ahead of submission order: lower Priority values
// (more urgent) get a lower score, and within a priority, earlier
// submissions sort first.
func score(t *Task) float64 {
	return float64(t.Priority)*1e15 + float64(t.SubmittedAt.UnixNano())/1e6
}

func (q *RedisTaskQueue) Enqueue(ctx context.Context, task *Task) error {
	data, err := json.Marshal(toWire(task))
	if err != nil {
		return fmt.Errorf("pool: marshal task for redis queue: %w", err)
	}
	return q.client.ZAdd(ctx, q.queueKey, redis.Z{Score: score(task), Member: data}).Err()
}

func (q *RedisTaskQueue) Dequeue(ctx context.Context) (*Task, error) {
	results, err := q.client.ZPopMin(ctx, q.queueKey, 1).Result()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	var w taskWire
	if err := json.Unmarshal([]byte(results[0].Member.(string)), &w); err != nil {
		return nil, fmt.Errorf("pool: unmarshal task from redis queue: %w", err)
	}
	return fromWire(w), nil
}

func (q *RedisTaskQueue) Remove(ctx context.Context, taskID string) error {
	members, err := q.client.ZRange(ctx, q.queueKey, 0, -1).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		var w taskWire
		if err := json.Unmarshal([]byte(m), &w); err != nil {
			continue
		}
		if w.ID == taskID {
			return q.client.ZRem(ctx, q.queueKey, m).Err()
		}
	}
	return nil
}

func (q *RedisTaskQueue) Size(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.queueKey).Result()
	return int(n), err
}

func (q *RedisTaskQueue) GetAll(ctx context.Context) ([]*Task, error) {
	members, err := q.client.ZRange(ctx, q.queueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(members))
	for _, m := range members {
		var w taskWire
		if err := json.Unmarshal([]byte(m), &w); err != nil {
			continue
		}
		tasks = append(tasks, fromWire(w))
	}
	return tasks, nil
}

func (q *RedisTaskQueue) Clear(ctx context.Context) error {
	return q.client.Del(ctx, q.queueKey).Err()
}

// DeadLetter moves a task that exhausted its retry budget to the
// dead-letter list instead of discarding it silently.
func (q *RedisTaskQueue) DeadLetter(ctx context.Context, task *Task) error {
	data, err := json.Marshal(toWire(task))
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.deadLetterKey, data).Err()
}

// Close releases the underlying Redis client.
func (q *RedisTaskQueue) Close() error {
	return q.client.Close()
}

package pool

import (
	"context"
	"sort"
	"sync"
)

// TaskQueue is a stable priority queue over pending tasks: same-priority
// tasks are dequeued FIFO. Remove succeeds idempotently on absent ids.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *Task) error
	// Dequeue removes and returns the highest-priority task, or (nil, nil)
	// if the queue is empty.
	Dequeue(ctx context.Context) (*Task, error)
	Remove(ctx context.Context, taskID string) error
	Size(ctx context.Context) (int, error)
	GetAll(ctx context.Context) ([]*Task, error)
	Clear(ctx context.Context) error
}

// InMemoryQueue is a TaskQueue backed by a slice re-sorted on each
// enqueue by (priority, submittedAt) ascending, matching the teacher's
// insert-sorted approach but ordering on the pair the spec requires for
// FIFO-within-priority instead of priority alone.
type InMemoryQueue struct {
	mu    sync.Mutex
	tasks []*Task
}

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{tasks: make([]*Task, 0)}
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = append(q.tasks, task)
	sort.SliceStable(q.tasks, func(i, j int) bool {
		if q.tasks[i].Priority != q.tasks[j].Priority {
			return q.tasks[i].Priority < q.tasks[j].Priority
		}
		return q.tasks[i].SubmittedAt.Before(q.tasks[j].SubmittedAt)
	})
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, nil
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	return task, nil
}

func (q *InMemoryQueue) Remove(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, t := range q.tasks {
		if t.ID == taskID {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *InMemoryQueue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks), nil
}

func (q *InMemoryQueue) GetAll(ctx context.Context) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, len(q.tasks))
	copy(out, q.tasks)
	return out, nil
}

func (q *InMemoryQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = q.tasks[:0]
	return nil
}

// PriorityQueue segments tasks into one InMemoryQueue per priority level,
// adapted from the teacher's engine.PriorityQueue (map[int]TaskQueue
// scanned by level) so lock contention on one priority band never blocks
// another. Dequeue scans levels from CRITICAL to BACKGROUND.
type PriorityQueue struct {
	mu     sync.RWMutex
	queues map[Priority]*InMemoryQueue
}

var priorityLevels = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground}

func NewPriorityQueue() *PriorityQueue {
	pq := &PriorityQueue{queues: make(map[Priority]*InMemoryQueue, len(priorityLevels))}
	for _, level := range priorityLevels {
		pq.queues[level] = NewInMemoryQueue()
	}
	return pq
}

func (pq *PriorityQueue) Enqueue(ctx context.Context, task *Task) error {
	pq.mu.RLock()
	q := pq.queues[task.Priority]
	pq.mu.RUnlock()
	if q == nil {
		q = NewInMemoryQueue()
		pq.mu.Lock()
		pq.queues[task.Priority] = q
		pq.mu.Unlock()
	}
	return q.Enqueue(ctx, task)
}

func (pq *PriorityQueue) Dequeue(ctx context.Context) (*Task, error) {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	for _, level := range priorityLevels {
		if q, ok := pq.queues[level]; ok {
			if task, _ := q.Dequeue(ctx); task != nil {
				return task, nil
			}
		}
	}
	return nil, nil
}

func (pq *PriorityQueue) Remove(ctx context.Context, taskID string) error {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	for _, q := range pq.queues {
		_ = q.Remove(ctx, taskID)
	}
	return nil
}

func (pq *PriorityQueue) Size(ctx context.Context) (int, error) {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	total := 0
	for _, q := range pq.queues {
		n, _ := q.Size(ctx)
		total += n
	}
	return total, nil
}

func (pq *PriorityQueue) GetAll(ctx context.Context) ([]*Task, error) {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	var all []*Task
	for _, level := range priorityLevels {
		if q, ok := pq.queues[level]; ok {
			tasks, _ := q.GetAll(ctx)
			all = append(all, tasks...)
		}
	}
	return all, nil
}

func (pq *PriorityQueue) Clear(ctx context.Context) error {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	for _, q := range pq.queues {
		_ = q.Clear(ctx)
	}
	return nil
}

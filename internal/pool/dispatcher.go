package pool

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskmesh/pool/internal/platform/config"
	"github.com/taskmesh/pool/internal/platform/logger"
)

// pendingTask tracks a submitted task's dispatcher-owned bookkeeping: the
// channel a waiter blocks on, its timeout timer, and the pool that owns it.
type pendingTask struct {
	task     *Task
	pool     *WorkerPool
	done     chan struct{}
	timer    *time.Timer
	span     trace.Span
	cancelled bool
}

// TaskDispatcher owns tasks end to end: submission, timeout arming, retry
// on a retryable failure, and terminal resolution, delegating worker
// assignment to the PoolFactory/WorkerPool beneath it. This is the "tasks
// are owned by the dispatcher, workers are owned by the pool" boundary
// from spec.md §3.
type TaskDispatcher struct {
	mu       sync.Mutex
	factory  *PoolFactory
	emitter  *EventEmitter
	log      logger.Logger
	cfg      config.DispatcherConfig
	rnd      *rand.Rand
	tracer   trace.Tracer
	pending  map[string]*pendingTask
}

// NewTaskDispatcher constructs a dispatcher bound to factory. factory's
// PoolHandler must be this dispatcher's stream-aware composite (set by the
// caller, typically UnifiedManager) before any task is submitted.
func NewTaskDispatcher(factory *PoolFactory, emitter *EventEmitter, cfg config.DispatcherConfig, log logger.Logger) *TaskDispatcher {
	return &TaskDispatcher{
		factory: factory,
		emitter: emitter,
		log:     log,
		cfg:     cfg,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		tracer:  otel.Tracer("taskmesh/pool/dispatcher"),
		pending: make(map[string]*pendingTask),
	}
}

// Submit enqueues task onto the pool registered for its operation,
// applying dispatcher defaults for any unset timeout/retry policy, and
// arms a timeout timer that reports TimeoutError if the task is still
// unresolved when it fires.
func (d *TaskDispatcher) Submit(ctx context.Context, task *Task) error {
	tag, err := d.factory.TagForOperation(task.Operation)
	if err != nil {
		return err
	}
	task.Tag = tag

	if task.Timeout <= 0 {
		task.Timeout = d.cfg.TaskTimeout
	}
	if task.Retry.MaxAttempts <= 0 {
		task.Retry.MaxAttempts = d.cfg.MaxAttempts
	}
	if task.Retry.BackoffBase <= 0 {
		task.Retry.BackoffBase = d.cfg.BackoffBase
	}
	if task.Retry.BackoffCap <= 0 {
		task.Retry.BackoffCap = d.cfg.BackoffCeiling
	}

	p, err := d.factory.PoolFor(tag)
	if err != nil {
		return err
	}

	spanCtx, span := d.tracer.Start(ctx, "pool.task",
		trace.WithAttributes(
			attribute.String("task.id", task.ID),
			attribute.String("task.tag", tag),
			attribute.String("task.operation", task.Operation),
			attribute.String("task.priority", task.Priority.String()),
		))

	pt := &pendingTask{task: task, pool: p, done: make(chan struct{}), span: span}
	if task.Timeout > 0 {
		pt.timer = time.AfterFunc(task.Timeout, func() { d.onTimeout(task.ID) })
	}

	d.mu.Lock()
	d.pending[task.ID] = pt
	d.mu.Unlock()

	d.emitter.Emit(TaskEvent{Type: EventTaskQueued, TaskID: task.ID, Tag: tag, Operation: task.Operation, Timestamp: time.Now()})

	if err := p.Submit(spanCtx, task); err != nil {
		d.finish(task.ID, nil, err)
		return err
	}
	return nil
}

// Await blocks until task has reached a terminal state or ctx is
// cancelled, whichever comes first.
func (d *TaskDispatcher) Await(ctx context.Context, taskID string) (*Task, error) {
	d.mu.Lock()
	pt, ok := d.pending[taskID]
	d.mu.Unlock()
	if !ok {
		return nil, ErrTaskNotFound
	}

	select {
	case <-pt.done:
		return pt.task, pt.task.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetTaskStatus returns a snapshot of a still-tracked task's status.
func (d *TaskDispatcher) GetTaskStatus(taskID string) (*Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pt, ok := d.pending[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return pt.task, nil
}

// Cancel requests cancellation of a still-pending task. A task already in
// its terminal state is a no-op.
func (d *TaskDispatcher) Cancel(taskID string) error {
	d.mu.Lock()
	pt, ok := d.pending[taskID]
	if !ok {
		d.mu.Unlock()
		return ErrTaskNotFound
	}
	if pt.task.Status.Terminal() {
		d.mu.Unlock()
		return nil
	}
	pt.cancelled = true
	d.mu.Unlock()

	pt.pool.CancelTask(pt.task)
	d.finish(taskID, nil, ErrCancelled)
	return nil
}

// HandleStarted implements PoolHandler: it fires the taskStarted event
// once a pool has actually dispatched the task to a worker, which is the
// earliest point "started" can mean (queueing doesn't imply running).
func (d *TaskDispatcher) HandleStarted(taskID string, tag, operation string, attempt int) {
	d.emitter.Emit(TaskEvent{Type: EventTaskStarted, TaskID: taskID, Tag: tag, Operation: operation, Attempt: attempt, Timestamp: time.Now()})
}

// HandleProgress implements PoolHandler.
func (d *TaskDispatcher) HandleProgress(taskID string, percent int, data interface{}) {
	d.emitter.Emit(TaskEvent{Type: EventTaskProgress, TaskID: taskID, Progress: percent, Result: data, Timestamp: time.Now()})
}

// HandleTerminal implements PoolHandler: it decides whether a failure is
// retryable and either re-submits the task with a delay, or resolves it
// terminally and wakes any Await caller.
func (d *TaskDispatcher) HandleTerminal(taskID string, result interface{}, err error) {
	d.mu.Lock()
	pt, ok := d.pending[taskID]
	d.mu.Unlock()
	if !ok {
		return
	}

	if err != nil && !pt.cancelled && isRetryable(err) && pt.task.Attempt < pt.task.Retry.MaxAttempts {
		d.retry(pt, err)
		return
	}

	d.finish(taskID, result, err)
}

// HandleStreamMessage and HandleWorkerLost are part of PoolHandler but
// belong to stream sessions, not one-shot tasks; the dispatcher never
// receives either because only stream-bound workers produce them and
// those workers are excluded from one-shot assignment. They are
// implemented here so TaskDispatcher alone can satisfy PoolHandler when a
// caller doesn't need the StreamManager composed in (see
// compositeHandler in manager.go for the normal wiring).
func (d *TaskDispatcher) HandleStreamMessage(workerID string, msg Message) {}
func (d *TaskDispatcher) HandleWorkerLost(workerID string)                {}

func (d *TaskDispatcher) retry(pt *pendingTask, cause error) {
	delay := backoffDelay(pt.task.Retry, pt.task.Attempt, d.rnd)
	d.mu.Lock()
	if pt.timer != nil {
		pt.timer.Stop()
	}
	d.mu.Unlock()
	d.emitter.Emit(TaskEvent{
		Type: EventTaskRetry, TaskID: pt.task.ID, Tag: pt.task.Tag, Operation: pt.task.Operation,
		Attempt: pt.task.Attempt, Err: cause, Timestamp: time.Now(),
	})
	pt.task.Status = TaskQueued
	pt.task.StartedAt = nil
	pt.task.WorkerID = ""

	time.AfterFunc(delay, func() {
		d.mu.Lock()
		cancelled := pt.cancelled
		if !cancelled && pt.task.Timeout > 0 {
			pt.timer = time.AfterFunc(pt.task.Timeout, func() { d.onTimeout(pt.task.ID) })
		}
		d.mu.Unlock()
		if cancelled {
			return
		}
		if err := pt.pool.Submit(context.Background(), pt.task); err != nil {
			d.finish(pt.task.ID, nil, err)
		}
	})
}

// onTimeout fires when a task's timeout timer expires before it reaches a
// terminal state. It goes through the same retry-eligibility decision as
// HandleTerminal (a timeout retries like any other transient failure if
// attempts remain) and, since the worker that missed its deadline may be
// wedged, restarts that worker regardless of whether the task itself gets
// retried or fails outright.
func (d *TaskDispatcher) onTimeout(taskID string) {
	d.mu.Lock()
	pt, ok := d.pending[taskID]
	d.mu.Unlock()
	if !ok || pt.task.Status.Terminal() {
		return
	}

	workerID := pt.task.WorkerID
	pt.pool.CancelTask(pt.task)

	timeoutErr := &TimeoutError{TaskID: taskID, Timeout: pt.task.Timeout.String()}

	if workerID != "" {
		pt.pool.RestartWorker(workerID, timeoutErr)
	}

	if !pt.cancelled && isRetryable(timeoutErr) && pt.task.Attempt < pt.task.Retry.MaxAttempts {
		d.retry(pt, timeoutErr)
		return
	}

	pt.task.Status = TaskTimedOut
	d.finish(taskID, nil, timeoutErr)
}

func (d *TaskDispatcher) finish(taskID string, result interface{}, err error) {
	d.mu.Lock()
	pt, ok := d.pending[taskID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, taskID)
	d.mu.Unlock()

	if pt.timer != nil {
		pt.timer.Stop()
	}

	pt.task.Result = result
	pt.task.Err = err

	evt := TaskEvent{TaskID: taskID, Tag: pt.task.Tag, Operation: pt.task.Operation, Result: result, Err: err, Timestamp: time.Now()}
	switch {
	case pt.cancelled:
		pt.task.Status = TaskCancelled
		evt.Type = EventTaskCancelled
		pt.span.SetStatus(codes.Error, "cancelled")
	case err != nil:
		if pt.task.Status != TaskTimedOut {
			pt.task.Status = TaskFailed
		}
		evt.Type = EventTaskFailed
		pt.span.RecordError(err)
		pt.span.SetStatus(codes.Error, err.Error())
	default:
		pt.task.Status = TaskCompleted
		evt.Type = EventTaskCompleted
		pt.span.SetStatus(codes.Ok, "")
	}
	pt.span.End()

	d.emitter.Emit(evt)
	close(pt.done)
}

// Shutdown cancels every still-pending task, used during UnifiedManager
// graceful drain.
func (d *TaskDispatcher) Shutdown() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	for _, id := range ids {
		_ = d.Cancel(id)
	}
}

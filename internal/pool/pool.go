package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh/pool/internal/platform/logger"
)

// PoolConfig configures one capability-tagged WorkerPool.
type PoolConfig struct {
	Tag         string
	MinWorkers  int
	MaxWorkers  int
	IdleTimeout time.Duration
	Source      WorkerSourceRef
}

// PoolConfigUpdate is a partial update applied atomically by UpdateConfig.
type PoolConfigUpdate struct {
	MinWorkers  *int
	MaxWorkers  *int
	IdleTimeout *time.Duration
}

// PoolStats is a point-in-time snapshot of one pool, the wire shape behind
// spec.md's Metrics sample and WorkerMonitor.getStats.
type PoolStats struct {
	Tag                string
	WorkerCount        int
	IdleWorkers        int
	ActiveWorkers      int
	QueuedTasks        int
	ActiveTasks        int
	CompletedTasks     int64
	FailedTasks        int64
	AverageProcessTime time.Duration
}

// PoolHandler receives events a pool cannot settle on its own: task
// start/progress/terminal resolution (owned by the dispatcher) and stream
// messages/worker loss (owned by the stream manager).
type PoolHandler interface {
	HandleStarted(taskID string, tag, operation string, attempt int)
	HandleProgress(taskID string, percent int, data interface{})
	HandleTerminal(taskID string, result interface{}, err error)
	HandleStreamMessage(workerID string, msg Message)
	HandleWorkerLost(workerID string)
}

type liveWorker struct {
	spawned *SpawnedWorker
	task    *Task // non-nil while running a one-shot task
}

// WorkerPool manages the workers for a single capability tag: min/max
// count, idle eviction, and assignment of queued tasks to idle workers.
type WorkerPool struct {
	mu      sync.Mutex
	cfg     PoolConfig
	adapter WorkerAdapter
	queue   TaskQueue
	log     logger.Logger
	handler PoolHandler

	workers map[string]*liveWorker
	active  int64 // tasks currently RUNNING
	completed int64
	failed    int64
	avgProcessMS float64 // exponential moving average, alpha=0.2

	breaker *restartBreaker
	suspect func(workerID string, cause error)

	ctx          context.Context
	cancel       context.CancelFunc
	shuttingDown bool
}

// NewWorkerPool constructs a pool. Call Start to spawn its minimum workers.
func NewWorkerPool(cfg PoolConfig, adapter WorkerAdapter, queue TaskQueue, log logger.Logger) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.MinWorkers > cfg.MaxWorkers {
		cfg.MinWorkers = cfg.MaxWorkers
	}
	return &WorkerPool{
		cfg:     cfg,
		adapter: adapter,
		queue:   queue,
		log:     log,
		workers: make(map[string]*liveWorker),
		breaker: newRestartBreaker(3, time.Minute),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetHandler registers the component that resolves terminal task outcomes
// and stream traffic. Must be called before Start.
func (p *WorkerPool) SetHandler(h PoolHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// SetSuspectHandler registers the callback invoked when RestartWorker
// trips the restart-loop breaker for a worker, letting a subscriber (the
// WorkerMonitor, via PoolFactory) surface the condition as an alert.
func (p *WorkerPool) SetSuspectHandler(fn func(workerID string, cause error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspect = fn
}

// Start spawns the pool's floor of workers.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < p.cfg.MinWorkers; i++ {
		if err := p.spawnWorkerLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (p *WorkerPool) spawnWorkerLocked() error {
	sw, err := p.adapter.Spawn(p.ctx, p.cfg.Tag, p.cfg.Source)
	if err != nil {
		return fmt.Errorf("pool: spawning worker for tag %q: %w", p.cfg.Tag, err)
	}
	p.workers[sw.Handle.ID] = &liveWorker{spawned: sw}
	go p.runWorkerLoop(sw)
	return nil
}

func (p *WorkerPool) runWorkerLoop(sw *SpawnedWorker) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-sw.Exited():
			p.onWorkerExit(sw.Handle.ID)
			return
		case msg, ok := <-sw.Messages():
			if !ok {
				return
			}
			p.routeMessage(sw.Handle.ID, msg)
		}
	}
}

func (p *WorkerPool) routeMessage(workerID string, msg Message) {
	if msg.StreamID != "" {
		if p.handler != nil {
			p.handler.HandleStreamMessage(workerID, msg)
		}
		return
	}

	switch msg.Status {
	case "progress":
		if p.handler != nil {
			p.handler.HandleProgress(msg.TaskID, msg.Progress, msg.Data)
		}
	case "completed":
		p.resolveTask(workerID, msg.TaskID, msg.Result, nil)
	case "error":
		retryable := msg.Retryable == nil || *msg.Retryable
		p.resolveTask(workerID, msg.TaskID, nil, &WorkerError{TaskID: msg.TaskID, Message: msg.Error, Retryable: retryable})
	}
}

// resolveTask marks a worker idle again and hands the outcome to the
// handler, then triggers another scheduling pass.
func (p *WorkerPool) resolveTask(workerID, taskID string, result interface{}, err error) {
	p.mu.Lock()
	if lw, ok := p.workers[workerID]; ok && lw.task != nil && lw.task.ID == taskID {
		durationMS := time.Since(*lw.task.StartedAt).Milliseconds()
		lw.spawned.Handle.recordCompletion(durationMS, err != nil)
		p.updateAverageLocked(durationMS)
		lw.task = nil
		lw.spawned.Handle.bindOneShot("")
		lw.spawned.Handle.setStatus(WorkerIdle)
	}
	p.active--
	if err != nil {
		p.failed++
	} else {
		p.completed++
	}
	p.mu.Unlock()

	if p.handler != nil {
		p.handler.HandleTerminal(taskID, result, err)
	}
	p.assign()
}

func (p *WorkerPool) updateAverageLocked(sampleMS int64) {
	const alpha = 0.2
	if p.avgProcessMS == 0 {
		p.avgProcessMS = float64(sampleMS)
		return
	}
	p.avgProcessMS = p.avgProcessMS*(1-alpha) + float64(sampleMS)*alpha
}

func (p *WorkerPool) onWorkerExit(workerID string) {
	p.mu.Lock()
	lw, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.workers, workerID)
	task := lw.task
	streamID := lw.spawned.Handle.StreamID()
	p.mu.Unlock()

	if streamID != "" && p.handler != nil {
		p.handler.HandleWorkerLost(workerID)
	}

	if task != nil {
		// Worker crashed before a terminal message. Retry semantics live
		// in the dispatcher; the pool only reports the crash.
		if p.handler != nil {
			p.handler.HandleTerminal(task.ID, nil, &WorkerCrashError{WorkerID: workerID, TaskID: task.ID})
		}
	}

	p.assign()
}

// Submit enqueues a task and triggers a scheduling pass.
func (p *WorkerPool) Submit(ctx context.Context, task *Task) error {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return ErrPoolShuttingDown
	}
	p.mu.Unlock()

	if err := p.queue.Enqueue(ctx, task); err != nil {
		return err
	}
	p.assign()
	return nil
}

// assign is the scheduling pass: while the queue is non-empty and an idle
// worker exists, dispatch the next task to it; if the queue is still
// non-empty and the pool has room, spawn another worker.
func (p *WorkerPool) assign() {
	for {
		p.mu.Lock()
		if p.shuttingDown {
			p.mu.Unlock()
			return
		}
		idleID := p.findIdleWorkerLocked()
		if idleID == "" {
			canGrow := len(p.workers) < p.cfg.MaxWorkers
			p.mu.Unlock()
			if canGrow {
				n, _ := p.queue.Size(p.ctx)
				if n > 0 {
					p.mu.Lock()
					_ = p.spawnWorkerLocked()
					p.mu.Unlock()
					continue
				}
			}
			return
		}
		p.mu.Unlock()

		task, err := p.queue.Dequeue(p.ctx)
		if err != nil || task == nil {
			return
		}

		p.mu.Lock()
		lw, ok := p.workers[idleID]
		if !ok || lw.spawned.Handle.Status() != WorkerIdle {
			p.mu.Unlock()
			// Worker disappeared between selection and dispatch; put the
			// task back and let the next pass pick another worker.
			_ = p.queue.Enqueue(p.ctx, task)
			continue
		}
		now := time.Now()
		task.StartedAt = &now
		task.Status = TaskRunning
		task.WorkerID = idleID
		task.Attempt++
		lw.task = task
		lw.spawned.Handle.bindOneShot(task.ID)
		lw.spawned.Handle.setStatus(WorkerBusy)
		p.active++
		spawned := lw.spawned
		handler := p.handler
		p.mu.Unlock()

		if handler != nil {
			handler.HandleStarted(task.ID, task.Tag, task.Operation, task.Attempt)
		}
		_ = spawned.Post(p.ctx, Message{TaskID: task.ID, Type: task.Operation, Data: task.Payload})
	}
}

func (p *WorkerPool) findIdleWorkerLocked() string {
	for id, lw := range p.workers {
		if lw.spawned.Handle.Status() == WorkerIdle && !lw.spawned.Handle.HostsStream() {
			return id
		}
	}
	return ""
}

// EvictIdle terminates idle workers beyond MinWorkers that have exceeded
// IdleTimeout with no activity.
func (p *WorkerPool) EvictIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.workers) <= p.cfg.MinWorkers {
		return
	}

	for id, lw := range p.workers {
		if len(p.workers) <= p.cfg.MinWorkers {
			return
		}
		if lw.spawned.Handle.Status() != WorkerIdle {
			continue
		}
		if lw.spawned.Handle.IdleSince() < p.cfg.IdleTimeout {
			continue
		}
		lw.spawned.Terminate()
		delete(p.workers, id)
		p.breaker.Forget(id)
	}
}

// UpdateConfig mutates min/max/idleTimeout atomically. Shrinking the floor
// makes excess idle workers eligible for the next EvictIdle sweep; growing
// it spawns up to the new floor immediately.
func (p *WorkerPool) UpdateConfig(update PoolConfigUpdate) {
	p.mu.Lock()
	if update.MaxWorkers != nil {
		p.cfg.MaxWorkers = *update.MaxWorkers
	}
	if update.MinWorkers != nil {
		p.cfg.MinWorkers = *update.MinWorkers
	}
	if update.IdleTimeout != nil {
		p.cfg.IdleTimeout = *update.IdleTimeout
	}
	grow := p.cfg.MinWorkers - len(p.workers)
	for i := 0; i < grow; i++ {
		_ = p.spawnWorkerLocked()
	}
	p.mu.Unlock()

	p.assign()
}

// RestartWorker marks a worker RESTARTING, terminates it, and - unless a
// restart loop is suspected - spawns a replacement. The task the worker
// was running, if any, is left for the caller to resubmit (or not): the
// dispatcher's timeout/retry decision already owns that task's fate, and
// requeuing it here too would submit it twice. A stream bound to the
// worker cannot migrate and is forcibly errored via HandleWorkerLost.
func (p *WorkerPool) RestartWorker(workerID string, cause error) {
	p.mu.Lock()
	lw, ok := p.workers[workerID]
	if !ok {
		p.mu.Unlock()
		return
	}
	lw.spawned.Handle.setStatus(WorkerRestarting)
	hadTask := lw.task != nil
	streamID := lw.spawned.Handle.StreamID()
	delete(p.workers, workerID)
	if hadTask {
		p.active--
	}
	tripped := p.breaker.RecordRestart(workerID)
	suspect := p.suspect
	p.mu.Unlock()

	lw.spawned.Terminate()

	if streamID != "" && p.handler != nil {
		p.handler.HandleWorkerLost(workerID)
	}

	if tripped {
		p.log.Warn("worker restart loop suspected, suppressing immediate respawn",
			"workerId", workerID, "tag", p.cfg.Tag, "cause", cause)
		if suspect != nil {
			suspect(workerID, cause)
		}
		return
	}

	p.mu.Lock()
	_ = p.spawnWorkerLocked()
	p.mu.Unlock()
	p.assign()
}

// EnsureFloor spawns workers up to MinWorkers if the pool has fallen
// below it, used by WorkerMonitor to resume respawning a tag whose
// RestartWorker calls were suppressed by a suspected restart loop.
func (p *WorkerPool) EnsureFloor() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.workers) < p.cfg.MinWorkers {
		if err := p.spawnWorkerLocked(); err != nil {
			return
		}
	}
}

// AcquireStreamWorker returns an idle worker and binds it exclusively to
// streamID, spawning a new one if none is idle and the pool has room.
func (p *WorkerPool) AcquireStreamWorker(streamID string) (*SpawnedWorker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.findIdleWorkerLocked()
	if id == "" {
		if len(p.workers) >= p.cfg.MaxWorkers {
			return nil, fmt.Errorf("pool: no capacity for tag %q to host a new stream", p.cfg.Tag)
		}
		if err := p.spawnWorkerLocked(); err != nil {
			return nil, err
		}
		id = p.findIdleWorkerLocked()
		if id == "" {
			return nil, fmt.Errorf("pool: spawned worker for tag %q was not idle", p.cfg.Tag)
		}
	}

	lw := p.workers[id]
	lw.spawned.Handle.bindStream(streamID)
	lw.spawned.Handle.setStatus(WorkerBusy)
	return lw.spawned, nil
}

// ReleaseStreamWorker returns a worker to the one-shot pool once its
// stream closes.
func (p *WorkerPool) ReleaseStreamWorker(workerID string) {
	p.mu.Lock()
	lw, ok := p.workers[workerID]
	if ok {
		lw.spawned.Handle.bindStream("")
		lw.spawned.Handle.setStatus(WorkerIdle)
	}
	p.mu.Unlock()
	p.assign()
}

// CancelTask removes a task from the queue, or sends a best-effort cancel
// message if it is running.
func (p *WorkerPool) CancelTask(task *Task) {
	if task.Status == TaskQueued {
		_ = p.queue.Remove(p.ctx, task.ID)
		return
	}
	p.mu.Lock()
	lw, ok := p.workers[task.WorkerID]
	p.mu.Unlock()
	if ok {
		_ = lw.spawned.Post(p.ctx, Message{TaskID: task.ID, Action: "cancel"})
	}
}

// TerminateAll terminates every worker and cancels all queued tasks.
// UnifiedManager.Shutdown calls TaskDispatcher.Shutdown first, which
// cancels every task the dispatcher still tracks.
func (p *WorkerPool) TerminateAll() {
	p.mu.Lock()
	p.shuttingDown = true
	workers := make([]*liveWorker, 0, len(p.workers))
	for _, lw := range p.workers {
		workers = append(workers, lw)
	}
	p.workers = make(map[string]*liveWorker)
	p.mu.Unlock()

	for _, lw := range workers {
		lw.spawned.Terminate()
	}
	_ = p.queue.Clear(p.ctx)
	p.cancel()
}

// Stats returns a point-in-time snapshot of the pool.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle, busy := 0, 0
	var completed, failed int64
	for _, lw := range p.workers {
		switch lw.spawned.Handle.Status() {
		case WorkerIdle:
			idle++
		case WorkerBusy:
			busy++
		}
		c := lw.spawned.Handle.snapshotCounters()
		completed += c.TasksCompleted
		failed += c.TasksFailed
	}
	queued, _ := p.queue.Size(p.ctx)

	return PoolStats{
		Tag:                p.cfg.Tag,
		WorkerCount:        len(p.workers),
		IdleWorkers:        idle,
		ActiveWorkers:      busy,
		QueuedTasks:        queued,
		ActiveTasks:        int(p.active),
		CompletedTasks:     p.completed,
		FailedTasks:        p.failed,
		AverageProcessTime: time.Duration(p.avgProcessMS) * time.Millisecond,
	}
}

// Config returns a copy of the pool's current configuration.
func (p *WorkerPool) Config() PoolConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

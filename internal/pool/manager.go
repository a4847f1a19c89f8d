package pool

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/pool/internal/platform/config"
	"github.com/taskmesh/pool/internal/platform/logger"
	"github.com/taskmesh/pool/internal/platform/metrics"
)

// compositeHandler fans PoolHandler callbacks out to the dispatcher (task
// progress/terminal) and the stream manager (stream traffic/loss),
// letting WorkerPool stay ignorant of both.
type compositeHandler struct {
	dispatcher *TaskDispatcher
	streams    *StreamManager
}

func (h *compositeHandler) HandleStarted(taskID string, tag, operation string, attempt int) {
	h.dispatcher.HandleStarted(taskID, tag, operation, attempt)
}

func (h *compositeHandler) HandleProgress(taskID string, percent int, data interface{}) {
	h.dispatcher.HandleProgress(taskID, percent, data)
}

func (h *compositeHandler) HandleTerminal(taskID string, result interface{}, err error) {
	h.dispatcher.HandleTerminal(taskID, result, err)
}

func (h *compositeHandler) HandleStreamMessage(workerID string, msg Message) {
	h.streams.HandleStreamMessage(workerID, msg)
}

func (h *compositeHandler) HandleWorkerLost(workerID string) {
	h.streams.HandleWorkerLost(workerID)
}

// UnifiedManager is the single composition root spec.md §4.8 describes:
// it owns the PoolFactory, TaskDispatcher, StreamManager and
// WorkerMonitor, wires the scheduled idle-eviction and metrics-sampling
// sweeps, and exposes the one public surface callers need (submit a
// task, open a stream, read stats, shut everything down).
type UnifiedManager struct {
	mu         sync.Mutex
	Factory    *PoolFactory
	Dispatch   *TaskDispatcher
	Streams    *StreamManager
	Monitor    *WorkerMonitor
	emitter    *EventEmitter
	log        logger.Logger
	evictor    *evictionScheduler
	evictEvery time.Duration
	started    bool
}

// NewUnifiedManager wires every subsystem together from configuration.
// The returned manager has no pools yet; callers register capability
// tags via RegisterWorker/RegisterOperation before Start.
func NewUnifiedManager(cfg *config.Config, m *metrics.Metrics, log logger.Logger) *UnifiedManager {
	emitter := NewEventEmitter()

	// factory's handler is set after dispatcher/streams exist, since the
	// composite needs both; PoolFactory.PoolFor defers pool creation until
	// first use so this ordering is safe.
	factory := NewPoolFactory(cfg.Pool, log, nil)
	dispatcher := NewTaskDispatcher(factory, emitter, cfg.Dispatcher, log)
	streams := NewStreamManager(factory, log)
	factory.handler = &compositeHandler{dispatcher: dispatcher, streams: streams}

	monitor := NewWorkerMonitor(factory, m, cfg.Monitor, log)

	evictEvery := cfg.Pool.EvictEvery
	if evictEvery <= 0 {
		evictEvery = 5 * time.Second
	}

	return &UnifiedManager{
		Factory:    factory,
		Dispatch:   dispatcher,
		Streams:    streams,
		Monitor:    monitor,
		emitter:    emitter,
		log:        log,
		evictEvery: evictEvery,
	}
}

// RegisterWorker registers the worker source for a capability tag before
// the manager starts routing tasks to it.
func (u *UnifiedManager) RegisterWorker(reg WorkerSourceRegistration) error {
	return u.Factory.RegisterCustomWorker(reg)
}

// RegisterOperation binds an operation name to the capability tag that
// should execute it.
func (u *UnifiedManager) RegisterOperation(operation, tag string) error {
	return u.Factory.RegisterOperation(operation, tag)
}

// OnEvent subscribes to task lifecycle events.
func (u *UnifiedManager) OnEvent(eventType EventType, handler TaskEventHandler) {
	u.emitter.On(eventType, handler)
}

// OnAlert subscribes to monitor alerts.
func (u *UnifiedManager) OnAlert(handler AlertHandler) {
	u.Monitor.OnAlert(handler)
}

// Start begins the monitor's sampling loop and the cron-scheduled idle
// eviction sweep. Pools themselves start lazily on first PoolFor call.
func (u *UnifiedManager) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.started {
		return nil
	}

	u.Monitor.Start(ctx)

	u.evictor = newEvictionScheduler(u.Factory, u.evictEvery, u.log)
	if err := u.evictor.Start(); err != nil {
		return err
	}

	u.started = true
	return nil
}

// SubmitTask hands task to the dispatcher, applying its operation's
// registered capability tag.
func (u *UnifiedManager) SubmitTask(ctx context.Context, task *Task) error {
	return u.Dispatch.Submit(ctx, task)
}

// AwaitTask blocks until task reaches a terminal state.
func (u *UnifiedManager) AwaitTask(ctx context.Context, taskID string) (*Task, error) {
	return u.Dispatch.Await(ctx, taskID)
}

// CancelTask cancels a still-pending task.
func (u *UnifiedManager) CancelTask(taskID string) error {
	return u.Dispatch.Cancel(taskID)
}

// OpenStream opens a new event stream bound to tag's pool.
func (u *UnifiedManager) OpenStream(ctx context.Context, tag string, onMsg StreamMessageHandler) (*EventStream, error) {
	return u.Streams.Open(ctx, tag, onMsg)
}

// Stats returns a point-in-time snapshot of every active pool, keyed by
// tag.
func (u *UnifiedManager) Stats() map[string]PoolStats {
	pools := u.Factory.Pools()
	out := make(map[string]PoolStats, len(pools))
	for tag, p := range pools {
		out[tag] = p.Stats()
	}
	return out
}

// Shutdown tears every subsystem down in dependency order: streams first
// (they can't survive worker loss anyway), then pending tasks (cancelled,
// not waited for), then the pools themselves, then the background sweeps.
// ctx is not consulted.
func (u *UnifiedManager) Shutdown(ctx context.Context) {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.Streams.CloseAll()
	u.Dispatch.Shutdown()
	u.Factory.TerminateAll()
	u.Monitor.Close()

	if u.evictor != nil {
		u.evictor.Stop()
	}

	u.started = false
}

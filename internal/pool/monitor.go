package pool

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/taskmesh/pool/internal/platform/config"
	"github.com/taskmesh/pool/internal/platform/logger"
	"github.com/taskmesh/pool/internal/platform/metrics"
)

// Alert is raised when a pool's sampled stats cross a configured
// threshold, or when a worker is suspected of looping through restarts,
// the Go analogue of spec.md §7's monitor alert surface.
type Alert struct {
	Tag       string
	Reason    string
	Value     interface{}
	WorkerID  string
	Timestamp time.Time
}

// AlertHandler receives alerts as they fire.
type AlertHandler func(Alert)

// logEntry is one bounded ring-buffer record kept for recent visibility
// into pool behavior without unbounded memory growth.
type logEntry struct {
	Timestamp time.Time
	Tag       string
	Level     string
	Message   string
	WorkerID  string
	TaskID    string
}

// LogFilter narrows RecentLogs to entries matching every non-empty field.
type LogFilter struct {
	Level    string
	Tag      string // capability tag, the "workerType" of spec.md §6
	WorkerID string
	TaskID   string
}

var logLevelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

// WorkerMonitor periodically samples every pool's PoolStats, publishes
// them to Prometheus, keeps a bounded log of recent activity, and raises
// Alerts when configured thresholds are crossed. Restart loops are
// detected by each WorkerPool's restartBreaker; the monitor hears of them
// through PoolFactory.SetSuspectHandler, raises a workerNeedsRestart alert
// and, with autoRestart on, calls EnsureFloor on that pool.
type WorkerMonitor struct {
	mu       sync.Mutex
	factory  *PoolFactory
	metrics  *metrics.Metrics
	log      logger.Logger
	cfg      config.MonitorConfig
	alertHdl []AlertHandler

	logLevel      string
	maxLogEntries int
	autoRestart   bool

	logRing []logEntry
	samples map[string][]PoolStats

	cancel context.CancelFunc
	done   chan struct{}
}

func NewWorkerMonitor(factory *PoolFactory, m *metrics.Metrics, cfg config.MonitorConfig, log logger.Logger) *WorkerMonitor {
	w := &WorkerMonitor{
		factory:       factory,
		metrics:       m,
		log:           log,
		cfg:           cfg,
		logLevel:      "debug",
		maxLogEntries: cfg.MaxLogEntries,
		autoRestart:   cfg.AutoRestart,
		samples:       make(map[string][]PoolStats),
	}
	factory.SetSuspectHandler(w.handleWorkerSuspect)
	return w
}

// SetLogLevel sets the minimum level RecentLogs and the internal ring
// buffer retain; entries below it are dropped as they're produced.
func (w *WorkerMonitor) SetLogLevel(level string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logLevel = level
}

// SetMaxLogEntries resizes the bounded log ring, trimming immediately if
// the new bound is smaller than the current backlog.
func (w *WorkerMonitor) SetMaxLogEntries(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxLogEntries = n
	if n > 0 && len(w.logRing) > n {
		w.logRing = w.logRing[len(w.logRing)-n:]
	}
}

// SetAutoRestart toggles whether the monitor resumes respawning a pool's
// floor after RestartWorker suppresses it on a suspected restart loop.
func (w *WorkerMonitor) SetAutoRestart(enabled bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.autoRestart = enabled
}

// handleWorkerSuspect is registered with the PoolFactory as the
// suspect-handler every pool calls into when RestartWorker's breaker
// trips for one of its workers. It raises a workerNeedsRestart alert and,
// if auto-restart is enabled, resumes spawning the pool's floor.
func (w *WorkerMonitor) handleWorkerSuspect(tag, workerID string, cause error) {
	value := ""
	if cause != nil {
		value = cause.Error()
	}
	w.raise(Alert{Tag: tag, Reason: "workerNeedsRestart", Value: value, WorkerID: workerID, Timestamp: time.Now()})

	w.mu.Lock()
	autoRestart := w.autoRestart
	w.mu.Unlock()
	if !autoRestart {
		return
	}
	if p, ok := w.factory.Pools()[tag]; ok {
		p.EnsureFloor()
	}
}

// OnAlert registers a handler invoked whenever the monitor raises an
// alert.
func (w *WorkerMonitor) OnAlert(h AlertHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.alertHdl = append(w.alertHdl, h)
}

// Start begins the periodic sampling loop. Stop via Close.
func (w *WorkerMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	interval := w.cfg.SampleInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.sample()
			}
		}
	}()
}

// Close stops the sampling loop and waits for it to exit.
func (w *WorkerMonitor) Close() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

func (w *WorkerMonitor) sample() {
	for tag, p := range w.factory.Pools() {
		stats := p.Stats()
		w.publish(stats)
		w.record(tag, stats)
		w.checkThresholds(stats)
	}
	w.metrics.SystemGoroutines.Set(float64(runtime.NumGoroutine()))
}

func (w *WorkerMonitor) publish(stats PoolStats) {
	w.metrics.PoolWorkersTotal.WithLabelValues(stats.Tag).Set(float64(stats.WorkerCount))
	w.metrics.PoolWorkersIdle.WithLabelValues(stats.Tag).Set(float64(stats.IdleWorkers))
	w.metrics.PoolWorkersActive.WithLabelValues(stats.Tag).Set(float64(stats.ActiveWorkers))
	w.metrics.PoolQueueDepth.WithLabelValues(stats.Tag).Set(float64(stats.QueuedTasks))
	w.metrics.PoolAvgProcessTime.WithLabelValues(stats.Tag).Set(float64(stats.AverageProcessTime.Milliseconds()))
}

func (w *WorkerMonitor) record(tag string, stats PoolStats) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries := append(w.samples[tag], stats)
	maxSamples := w.cfg.MaxSamples
	if maxSamples <= 0 {
		maxSamples = 120
	}
	if len(entries) > maxSamples {
		entries = entries[len(entries)-maxSamples:]
	}
	w.samples[tag] = entries

	w.appendLog(logEntry{Timestamp: time.Now(), Tag: tag, Level: "debug", Message: "sampled pool stats"})
}

// appendLog assumes the caller already holds w.mu.
func (w *WorkerMonitor) appendLog(e logEntry) {
	if logLevelRank[e.Level] < logLevelRank[w.logLevel] {
		return
	}
	maxEntries := w.maxLogEntries
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	w.logRing = append(w.logRing, e)
	if len(w.logRing) > maxEntries {
		w.logRing = w.logRing[len(w.logRing)-maxEntries:]
	}
}

func (w *WorkerMonitor) checkThresholds(stats PoolStats) {
	if w.cfg.ThresholdQueued > 0 && stats.QueuedTasks > w.cfg.ThresholdQueued {
		w.raise(Alert{Tag: stats.Tag, Reason: "queue depth exceeds threshold", Value: stats.QueuedTasks, Timestamp: time.Now()})
	}
	if w.cfg.ThresholdFailed > 0 && int(stats.FailedTasks) > w.cfg.ThresholdFailed {
		w.raise(Alert{Tag: stats.Tag, Reason: "failed task count exceeds threshold", Value: stats.FailedTasks, Timestamp: time.Now()})
	}
	if w.cfg.ThresholdTime > 0 && stats.AverageProcessTime > w.cfg.ThresholdTime {
		w.raise(Alert{Tag: stats.Tag, Reason: "average process time exceeds threshold", Value: stats.AverageProcessTime, Timestamp: time.Now()})
	}
}

func (w *WorkerMonitor) raise(a Alert) {
	w.mu.Lock()
	w.appendLog(logEntry{Timestamp: a.Timestamp, Tag: a.Tag, Level: "warn", Message: a.Reason, WorkerID: a.WorkerID})
	handlers := make([]AlertHandler, len(w.alertHdl))
	copy(handlers, w.alertHdl)
	w.mu.Unlock()

	w.log.Warn("pool threshold alert", "tag", a.Tag, "reason", a.Reason, "value", a.Value, "workerId", a.WorkerID)
	for _, h := range handlers {
		h(a)
	}
}

// RecentLogs returns up to limit of the most recent log entries matching
// every non-empty field of filter. limit <= 0 means no limit.
func (w *WorkerMonitor) RecentLogs(filter LogFilter, limit int) []logEntry {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []logEntry
	for i := len(w.logRing) - 1; i >= 0; i-- {
		e := w.logRing[i]
		if filter.Tag != "" && e.Tag != filter.Tag {
			continue
		}
		if filter.Level != "" && e.Level != filter.Level {
			continue
		}
		if filter.WorkerID != "" && e.WorkerID != filter.WorkerID {
			continue
		}
		if filter.TaskID != "" && e.TaskID != filter.TaskID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Samples returns the recorded PoolStats history for tag.
func (w *WorkerMonitor) Samples(tag string) []PoolStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]PoolStats, len(w.samples[tag]))
	copy(out, w.samples[tag])
	return out
}

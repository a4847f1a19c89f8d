package pool

import (
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/taskmesh/pool/internal/platform/config"
	"github.com/taskmesh/pool/internal/platform/logger"
)

// WorkerSourceRegistration pairs a capability tag with the worker source
// and sizing overrides PoolFactory should use when it is first needed.
type WorkerSourceRegistration struct {
	Tag         string
	Source      WorkerSourceRef
	MinWorkers  int
	MaxWorkers  int
	IdleTimeout int64 // milliseconds; 0 means use PoolDefaults
}

// PoolFactory owns the tag -> WorkerPool registry and the operation ->
// tag routing table, the Go analogue of spec.md's PoolFactory: one
// WorkerPool per capability tag, created lazily and reused across tasks.
type PoolFactory struct {
	mu      sync.RWMutex
	cfg     config.PoolDefaults
	adapter map[WorkerSourceKind]WorkerAdapter
	log     logger.Logger
	handler PoolHandler

	registrations   map[string]WorkerSourceRegistration
	pools           map[string]*WorkerPool
	operations      map[string]string // operation -> tag
	active          bool
	suspectHandler  func(tag, workerID string, cause error)
}

// NewPoolFactory constructs a factory. RegisterCustomWorker and
// RegisterOperation may be called freely for a tag until the first
// PoolFor(tag) creates that tag's pool; after that, registrations for that
// tag are rejected with ErrPoolAlreadyActive (except an identical
// RegisterCustomWorker repeat, which is a no-op). Other tags stay open.
func NewPoolFactory(cfg config.PoolDefaults, log logger.Logger, handler PoolHandler) *PoolFactory {
	goroutineAdapter, _ := NewAdapter(SourceGoroutine)
	subprocessAdapter, _ := NewAdapter(SourceSubprocess)
	return &PoolFactory{
		cfg: cfg,
		adapter: map[WorkerSourceKind]WorkerAdapter{
			SourceGoroutine:  goroutineAdapter,
			SourceSubprocess: subprocessAdapter,
		},
		log:           log,
		handler:       handler,
		registrations: make(map[string]WorkerSourceRegistration),
		pools:         make(map[string]*WorkerPool),
		operations:    make(map[string]string),
	}
}

// RegisterCustomWorker registers (or overrides) the worker source and
// sizing for a capability tag. Idempotent while the tag has no live pool
// yet; once PoolFor(tag) has been called, repeating an identical
// registration is a no-op and a different one returns ErrPoolAlreadyActive.
func (f *PoolFactory) RegisterCustomWorker(reg WorkerSourceRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, active := f.pools[reg.Tag]; active {
		if existing, ok := f.registrations[reg.Tag]; ok && sameRegistration(existing, reg) {
			return nil
		}
		return ErrPoolAlreadyActive
	}
	f.registrations[reg.Tag] = reg
	return nil
}

// sameRegistration reports whether two registrations for the same tag
// describe the same worker source, letting RegisterCustomWorker treat a
// repeat of an identical registration as a no-op instead of rejecting it
// outright once the tag's pool is active.
func sameRegistration(a, b WorkerSourceRegistration) bool {
	return a.Tag == b.Tag &&
		a.MinWorkers == b.MinWorkers &&
		a.MaxWorkers == b.MaxWorkers &&
		a.IdleTimeout == b.IdleTimeout &&
		sameSource(a.Source, b.Source)
}

func sameSource(a, b WorkerSourceRef) bool {
	return a.Kind == b.Kind &&
		a.Command == b.Command &&
		reflect.DeepEqual(a.Args, b.Args) &&
		reflect.DeepEqual(a.Init, b.Init) &&
		reflect.ValueOf(a.Body).Pointer() == reflect.ValueOf(b.Body).Pointer()
}

// RegisterOperation binds an operation name to the capability tag whose
// pool should execute it. Like RegisterCustomWorker, this is only open
// before the tag's pool has been created.
func (f *PoolFactory) RegisterOperation(operation, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, active := f.pools[tag]; active {
		return ErrPoolAlreadyActive
	}
	f.operations[operation] = tag
	return nil
}

// TagForOperation resolves the capability tag registered for operation.
func (f *PoolFactory) TagForOperation(operation string) (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	tag, ok := f.operations[operation]
	if !ok {
		return "", ErrUnknownOperation
	}
	return tag, nil
}

// PoolFor returns the WorkerPool for tag, creating and starting it on
// first use from its registration (or PoolDefaults if none was
// registered).
func (f *PoolFactory) PoolFor(tag string) (*WorkerPool, error) {
	f.mu.RLock()
	if p, ok := f.pools[tag]; ok {
		f.mu.RUnlock()
		return p, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.pools[tag]; ok {
		return p, nil
	}

	reg, hasReg := f.registrations[tag]
	pcfg := PoolConfig{
		Tag:         tag,
		MinWorkers:  f.cfg.MinWorkers,
		MaxWorkers:  f.cfg.MaxWorkers,
		IdleTimeout: f.cfg.IdleTimeout,
		Source:      WorkerSourceRef{Kind: SourceGoroutine},
	}
	if hasReg {
		pcfg.Source = reg.Source
		if reg.MinWorkers > 0 {
			pcfg.MinWorkers = reg.MinWorkers
		}
		if reg.MaxWorkers > 0 {
			pcfg.MaxWorkers = reg.MaxWorkers
		}
		if reg.IdleTimeout > 0 {
			pcfg.IdleTimeout = time.Duration(reg.IdleTimeout) * time.Millisecond
		}
	}

	adapter, ok := f.adapter[pcfg.Source.Kind]
	if !ok {
		return nil, fmt.Errorf("pool: no adapter registered for source kind %q", pcfg.Source.Kind)
	}

	p := NewWorkerPool(pcfg, adapter, NewPriorityQueue(), f.log)
	p.SetHandler(f.handler)
	if f.suspectHandler != nil {
		p.SetSuspectHandler(func(workerID string, cause error) { f.suspectHandler(tag, workerID, cause) })
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("pool: starting pool for tag %q: %w", tag, err)
	}

	f.pools[tag] = p
	f.active = true
	return p, nil
}

// SetSuspectHandler registers the callback invoked when any pool's
// RestartWorker suspects a restart loop for one of its workers, wiring it
// onto every pool the factory has already created and every pool it
// creates afterward.
func (f *PoolFactory) SetSuspectHandler(fn func(tag, workerID string, cause error)) {
	f.mu.Lock()
	f.suspectHandler = fn
	pools := make(map[string]*WorkerPool, len(f.pools))
	for tag, p := range f.pools {
		pools[tag] = p
	}
	f.mu.Unlock()

	for tag, p := range pools {
		tag := tag
		p.SetSuspectHandler(func(workerID string, cause error) { fn(tag, workerID, cause) })
	}
}

// Pools returns a snapshot of every pool the factory has created so far,
// keyed by tag.
func (f *PoolFactory) Pools() map[string]*WorkerPool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]*WorkerPool, len(f.pools))
	for tag, p := range f.pools {
		out[tag] = p
	}
	return out
}

// EvictIdleAll runs EvictIdle on every pool, called periodically by the
// eviction sweep.
func (f *PoolFactory) EvictIdleAll() {
	for _, p := range f.Pools() {
		p.EvictIdle()
	}
}

// TerminateAll shuts down every pool the factory has created.
func (f *PoolFactory) TerminateAll() {
	for _, p := range f.Pools() {
		p.TerminateAll()
	}
}

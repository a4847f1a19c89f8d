package pool

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/taskmesh/pool/internal/platform/logger"
)

// evictionScheduler runs the factory-wide idle-worker sweep on a cron
// schedule, adapted from the teacher's scheduler.Scheduler construction:
// seconds-resolution parsing and automatic panic recovery so a sweep that
// panics never takes the whole process down with it.
type evictionScheduler struct {
	cron    *cron.Cron
	factory *PoolFactory
	log     logger.Logger
	every   time.Duration
}

func newEvictionScheduler(factory *PoolFactory, every time.Duration, log logger.Logger) *evictionScheduler {
	if every <= 0 {
		every = 5 * time.Second
	}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(
			cron.Recover(cron.DefaultLogger),
		),
	)
	return &evictionScheduler{cron: c, factory: factory, log: log, every: every}
}

// Start registers the sweep and begins running it in its own goroutine.
func (s *evictionScheduler) Start() error {
	spec := "@every " + s.every.String()
	if _, err := s.cron.AddFunc(spec, s.sweep); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

func (s *evictionScheduler) sweep() {
	s.factory.EvictIdleAll()
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *evictionScheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

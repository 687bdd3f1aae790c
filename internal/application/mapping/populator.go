package mapping

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/infrastructure/logger"
	"github.com/rostersync/backend/internal/infrastructure/telemetry"
)

// Populator defaults
const (
	DefaultPopulateWorkers = 4
	DefaultPopulateQueue   = 1024
	DefaultPopulateMaxAge  = 10 * time.Second
)

// populateTask is a store read waiting to be copied into the cache.
// readAt is taken before the store read started.
type populateTask struct {
	entry  *mapping.Entry
	readAt time.Time
}

// populatorConfig sizes the pool. maxAge must stay below the cache's
// tombstone TTL: a task older than that could carry a read that predates a
// delete whose tombstone has already expired, so it is discarded instead.
type populatorConfig struct {
	workers int
	queue   int
	ttl     time.Duration
	timeout time.Duration
	maxAge  time.Duration
	now     func() time.Time
}

// populator fills the cache after store reads without blocking the reader.
// Tasks that do not fit in the queue are dropped; the next miss retries them.
type populator struct {
	cache   mapping.Cache
	ttl     time.Duration
	timeout time.Duration
	maxAge  time.Duration
	now     func() time.Time
	metrics *telemetry.MappingMetrics
	logger  *zap.Logger

	workers int
	tasks   chan populateTask
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup

	enqueued atomic.Int64
	written  atomic.Int64
	skipped  atomic.Int64
	expired  atomic.Int64
	dropped  atomic.Int64
	failed   atomic.Int64
}

func newPopulator(cache mapping.Cache, cfg populatorConfig, metrics *telemetry.MappingMetrics, l *zap.Logger) *populator {
	if cfg.workers <= 0 {
		cfg.workers = DefaultPopulateWorkers
	}
	if cfg.queue <= 0 {
		cfg.queue = DefaultPopulateQueue
	}
	if cfg.maxAge <= 0 {
		cfg.maxAge = DefaultPopulateMaxAge
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	p := &populator{
		cache:   cache,
		ttl:     cfg.ttl,
		timeout: cfg.timeout,
		maxAge:  cfg.maxAge,
		now:     cfg.now,
		metrics: metrics,
		logger:  l,
		workers: cfg.workers,
		tasks:   make(chan populateTask, cfg.queue),
	}
	p.wg.Add(cfg.workers)
	for i := 0; i < cfg.workers; i++ {
		go p.run()
	}
	return p
}

// enqueue schedules entry, read from the store at readAt, for population
// and reports whether it was accepted
func (p *populator) enqueue(entry *mapping.Entry, readAt time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.tasks <- populateTask{entry: entry.Clone(), readAt: readAt}:
		p.enqueued.Add(1)
		p.metrics.SetPopulateQueueDepth(len(p.tasks))
		return true
	default:
		p.dropped.Add(1)
		p.metrics.IncPopulateDropped()
		return false
	}
}

func (p *populator) run() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.metrics.SetPopulateQueueDepth(len(p.tasks))
		p.populate(task)
	}
}

func (p *populator) populate(task populateTask) {
	entry := task.entry
	if age := p.now().Sub(task.readAt); age > p.maxAge {
		p.expired.Add(1)
		p.logger.Debug("Discarding stale cache population",
			logger.IntegrationID(entry.IntegrationID),
			logger.ExternalID(entry.ExternalID),
			zap.Duration("age", age))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	written, err := p.cache.Populate(ctx, entry, p.ttl)
	switch {
	case err != nil:
		p.failed.Add(1)
		p.metrics.IncPopulateFailure()
		p.logger.Debug("Background cache population failed",
			logger.IntegrationID(entry.IntegrationID),
			logger.ExternalID(entry.ExternalID),
			zap.Error(err))
	case written:
		p.written.Add(1)
	default:
		p.skipped.Add(1)
	}
}

// close stops accepting tasks and waits for the queue to drain or ctx to expire
func (p *populator) close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *populator) stats() PopulatorStats {
	return PopulatorStats{
		Workers:    p.workers,
		QueueDepth: len(p.tasks),
		QueueSize:  cap(p.tasks),
		Enqueued:   p.enqueued.Load(),
		Written:    p.written.Load(),
		Skipped:    p.skipped.Load(),
		Expired:    p.expired.Load(),
		Dropped:    p.dropped.Load(),
		Failed:     p.failed.Load(),
	}
}

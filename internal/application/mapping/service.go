package mapping

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/domain/shared"
	"github.com/rostersync/backend/internal/infrastructure/logger"
	"github.com/rostersync/backend/internal/infrastructure/telemetry"
)

// Timeout defaults
const (
	DefaultStoreTimeout = 5 * time.Second
	DefaultCacheTimeout = 250 * time.Millisecond
)

const spanService = "mapping"

// Service is the only component that touches the mapping store and cache.
// Lookups read the cache first and fall back to the store; writes go to the
// store first and only then to the cache.
type Service struct {
	repo    mapping.Repository
	cache   mapping.Cache
	archive mapping.Archive
	metrics *telemetry.MappingMetrics
	logger  *zap.Logger
	now     func() time.Time

	storeTimeout    time.Duration
	cacheTimeout    time.Duration
	cacheTTL        time.Duration
	populateWorkers int
	populateQueue   int
	populateMaxAge  time.Duration
	defaultPageSize int
	maxPageSize     int
	archivePrefix   string

	populator *populator
	store     storeStats
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger for the service
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.logger = l.Named("mapping_service")
	}
}

// WithMetrics sets the Prometheus collectors the service reports to
func WithMetrics(m *telemetry.MappingMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTimeouts sets the per-call deadlines for store and cache operations
func WithTimeouts(store, cache time.Duration) Option {
	return func(s *Service) {
		if store > 0 {
			s.storeTimeout = store
		}
		if cache > 0 {
			s.cacheTimeout = cache
		}
	}
}

// WithCacheTTL sets the TTL of cache projections; zero uses the cache default
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.cacheTTL = ttl
	}
}

// WithPopulator sizes the background cache population pool
func WithPopulator(workers, queue int) Option {
	return func(s *Service) {
		s.populateWorkers = workers
		s.populateQueue = queue
	}
}

// WithPopulateMaxAge discards population tasks whose store read is older
// than maxAge. It must be shorter than the cache tombstone TTL.
func WithPopulateMaxAge(maxAge time.Duration) Option {
	return func(s *Service) {
		s.populateMaxAge = maxAge
	}
}

// WithPageLimits sets the default and maximum page size of listings
func WithPageLimits(defaultSize, maxSize int) Option {
	return func(s *Service) {
		if defaultSize > 0 {
			s.defaultPageSize = defaultSize
		}
		if maxSize > 0 {
			s.maxPageSize = maxSize
		}
	}
}

// WithArchive enables ExportMappings; objects are written under prefix
func WithArchive(archive mapping.Archive, prefix string) Option {
	return func(s *Service) {
		s.archive = archive
		s.archivePrefix = prefix
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates the mapping service and starts its population workers.
// Close must be called to stop them.
func NewService(repo mapping.Repository, cache mapping.Cache, opts ...Option) *Service {
	s := &Service{
		repo:            repo,
		cache:           cache,
		logger:          zap.NewNop(),
		now:             time.Now,
		storeTimeout:    DefaultStoreTimeout,
		cacheTimeout:    DefaultCacheTimeout,
		defaultPageSize: mapping.DefaultPageLimit,
		maxPageSize:     mapping.MaxPageLimit,
		archivePrefix:   "mappings",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.populator = newPopulator(cache, populatorConfig{
		workers: s.populateWorkers,
		queue:   s.populateQueue,
		ttl:     s.cacheTTL,
		timeout: s.cacheTimeout,
		maxAge:  s.populateMaxAge,
		now:     s.now,
	}, s.metrics, s.logger)
	return s
}

// Close stops the population workers, draining queued tasks until ctx expires
func (s *Service) Close(ctx context.Context) error {
	return s.populator.close(ctx)
}

// ---------------------------------------------------------------------------
// Store and cache call helpers
// ---------------------------------------------------------------------------

// storeStats accumulates store call outcomes for the performance report
type storeStats struct {
	operations atomic.Int64
	errors     atomic.Int64
	latencyNs  atomic.Int64
}

func (st *storeStats) snapshot() StoreStats {
	out := StoreStats{
		Operations: st.operations.Load(),
		Errors:     st.errors.Load(),
	}
	if out.Operations > 0 {
		out.AvgLatency = time.Duration(st.latencyNs.Load() / out.Operations)
	}
	return out
}

// page applies the configured page size bounds
func (s *Service) page(p mapping.Pagination) mapping.Pagination {
	return p.Clamp(s.defaultPageSize, s.maxPageSize)
}

// storeCtx bounds a store call by the store timeout
func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// cacheReadCtx bounds a cache read; an expired deadline is just a miss
func (s *Service) cacheReadCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cacheTimeout)
}

// cacheWriteCtx detaches a cache write from caller cancellation. Once the
// store has committed, the matching cache mutation must still run.
func (s *Service) cacheWriteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cacheTimeout)
}

// observeStore records a finished store call. Not-found is an expected
// outcome and is not counted as an error.
func (s *Service) observeStore(operation string, start time.Time, err error) {
	elapsed := time.Since(start)
	s.store.operations.Add(1)
	s.store.latencyNs.Add(int64(elapsed))

	outcome := "ok"
	if err != nil {
		outcome = shared.ErrorCode(err)
		if outcome == "" {
			outcome = shared.CodeStoreUnavailable
		}
		if !errors.Is(err, shared.ErrNotFound) {
			s.store.errors.Add(1)
		}
		if errors.Is(err, shared.ErrStoreUnavailable) {
			s.logger.Error("Mapping store unavailable", zap.String("operation", operation), zap.Error(err))
		}
	}
	s.metrics.ObserveStore(operation, outcome, elapsed)
}

// storeError normalizes errors from the store. A deadline hit while the
// store was working means the outcome is unknown.
func storeError(err error) error {
	if err == nil || shared.ErrorCode(err) != "" {
		return err
	}
	return mapping.ErrStoreUnavailable.Wrap(err)
}

// cacheWarn logs an absorbed cache failure
func (s *Service) cacheWarn(ctx context.Context, operation string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	logger.For(ctx, s.logger).Warn("Mapping cache degraded, continuing with store only",
		append([]zap.Field{zap.String("operation", operation), zap.Error(err)}, fields...)...)
}

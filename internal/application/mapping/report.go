package mapping

import (
	"context"
	"time"

	"github.com/rostersync/backend/internal/domain/mapping"
)

// Stats summarizes the store and cache state of one integration. A cache
// failure leaves the cache sections empty and sets CacheDegraded.
func (s *Service) Stats(ctx context.Context, integrationID string) (*StatsReport, error) {
	if err := mapping.ValidateIntegrationID(integrationID); err != nil {
		return nil, err
	}

	sctx, cancel := s.storeCtx(ctx)
	start := time.Now()
	counts, err := s.repo.CountByStatus(sctx, integrationID)
	cancel()
	err = storeError(err)
	s.observeStore("count_by_status", start, err)
	if err != nil {
		return nil, err
	}

	report := &StatsReport{
		IntegrationID: integrationID,
		ByStatus:      counts,
		CacheKeys:     []mapping.KeyCount{},
		Cache:         s.cache.Stats(),
	}
	for _, c := range counts {
		report.Total += c.Count
	}

	// Counting keys scans the record family, so it gets the store deadline
	cctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	keys, err := s.cache.KeyCounts(cctx, integrationID)
	if err != nil {
		s.cacheWarn(ctx, "key_counts", err)
		report.CacheDegraded = true
		return report, nil
	}
	report.CacheKeys = keys
	return report, nil
}

// Performance returns latency averages and the population backlog
func (s *Service) Performance() *PerformanceReport {
	return &PerformanceReport{
		Cache:     s.cache.Stats(),
		Store:     s.store.snapshot(),
		Populator: s.populator.stats(),
	}
}

// Health pings the store and the cache. An unreachable store makes the
// service unhealthy; an unreachable cache only degrades it.
func (s *Service) Health(ctx context.Context) *HealthReport {
	report := &HealthReport{Status: HealthHealthy, Store: "up", Cache: "up"}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.repo.Ping(sctx); err != nil {
		report.Status = HealthUnhealthy
		report.Store = "down"
		report.StoreError = err.Error()
	}

	cctx, cancel := s.cacheReadCtx(ctx)
	defer cancel()
	if err := s.cache.Ping(cctx); err != nil {
		if report.Status == HealthHealthy {
			report.Status = HealthDegraded
		}
		report.Cache = "down"
		report.CacheError = err.Error()
	}
	return report
}

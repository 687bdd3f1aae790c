package mapping

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/infrastructure/logger"
	"github.com/rostersync/backend/internal/infrastructure/telemetry"
)

// MapExternalToInternal resolves an external ID to its internal ID.
// Store hits are cached in the background; misses are never cached.
func (s *Service) MapExternalToInternal(ctx context.Context, key mapping.Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	ctx, span := telemetry.StartServiceSpan(ctx, spanService, "map_external_to_internal",
		telemetry.WithAttribute(telemetry.SpanAttrIntegrationID, key.IntegrationID),
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, key.EntityType.String()),
		telemetry.WithAttribute(telemetry.SpanAttrExternalID, key.ExternalID))
	defer span.End()

	if internalID, ok := s.cachedInternalID(ctx, key); ok {
		telemetry.SetAttributes(span, telemetry.SpanAttrCacheHit, true)
		return internalID, nil
	}
	telemetry.SetAttributes(span, telemetry.SpanAttrCacheHit, false)

	entry, err := s.getFromStore(ctx, key)
	if err != nil {
		if !mapping.IsNotFound(err) {
			telemetry.RecordError(span, err)
		}
		return "", err
	}
	return entry.InternalID, nil
}

// MapInternalToExternal resolves an internal ID to its external ID
func (s *Service) MapInternalToExternal(ctx context.Context, integrationID string, entityType mapping.EntityType, internalID string) (string, error) {
	if err := mapping.ValidateScope(integrationID, entityType); err != nil {
		return "", err
	}
	if internalID == "" {
		return "", mapping.ErrInvalidInternalID
	}
	ctx, span := telemetry.StartServiceSpan(ctx, spanService, "map_internal_to_external",
		telemetry.WithAttribute(telemetry.SpanAttrIntegrationID, integrationID),
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, entityType.String()),
		telemetry.WithAttribute(telemetry.SpanAttrInternalID, internalID))
	defer span.End()

	cctx, cancel := s.cacheReadCtx(ctx)
	start := time.Now()
	externalID, ok := s.cache.GetExternalID(cctx, integrationID, entityType, internalID)
	cancel()
	s.observeCacheRead("get_external_id", start, ok)
	telemetry.SetAttributes(span, telemetry.SpanAttrCacheHit, ok)
	if ok {
		return externalID, nil
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	readAt := s.now()
	start = time.Now()
	entry, err := s.repo.GetByInternal(sctx, integrationID, entityType, internalID)
	err = storeError(err)
	s.observeStore("get_by_internal", start, err)
	if err != nil {
		if !mapping.IsNotFound(err) {
			telemetry.RecordError(span, err)
		}
		return "", err
	}
	s.populator.enqueue(entry, readAt)
	return entry.ExternalID, nil
}

// GetMapping returns the full record, reading the cached record projection first
func (s *Service) GetMapping(ctx context.Context, key mapping.Key) (*mapping.Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartServiceSpan(ctx, spanService, "get_mapping",
		telemetry.WithAttribute(telemetry.SpanAttrIntegrationID, key.IntegrationID),
		telemetry.WithAttribute(telemetry.SpanAttrExternalID, key.ExternalID))
	defer span.End()

	cctx, cancel := s.cacheReadCtx(ctx)
	start := time.Now()
	entry, ok := s.cache.GetEntry(cctx, key)
	cancel()
	s.observeCacheRead("get_entry", start, ok)
	telemetry.SetAttributes(span, telemetry.SpanAttrCacheHit, ok)
	if ok {
		return entry, nil
	}
	return s.getFromStore(ctx, key)
}

// BulkMapExternalToInternal resolves many external IDs of one scope. The
// cache is read with one multi-get; the misses with one store query.
// Unresolved IDs are listed in Missing, not reported as errors.
func (s *Service) BulkMapExternalToInternal(ctx context.Context, integrationID string, entityType mapping.EntityType, externalIDs []string) (*BulkLookupResult, error) {
	if err := mapping.ValidateScope(integrationID, entityType); err != nil {
		return nil, err
	}
	if len(externalIDs) > MaxBulkSize {
		return nil, mapping.ErrBulkTooLarge
	}
	ctx, span := telemetry.StartServiceSpan(ctx, spanService, "bulk_map_external_to_internal",
		telemetry.WithAttribute(telemetry.SpanAttrIntegrationID, integrationID),
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, entityType.String()),
		telemetry.WithAttribute(telemetry.SpanAttrBatchSize, len(externalIDs)))
	defer span.End()

	result := &BulkLookupResult{
		Mappings: make(map[string]string, len(externalIDs)),
		Missing:  make([]string, 0),
	}

	keys := make([]mapping.Key, 0, len(externalIDs))
	seen := make(map[string]struct{}, len(externalIDs))
	for _, id := range externalIDs {
		if id == "" {
			return nil, mapping.ErrInvalidExternalID
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, mapping.NewKey(integrationID, entityType, id))
	}
	if len(keys) == 0 {
		return result, nil
	}

	cctx, cancel := s.cacheReadCtx(ctx)
	start := time.Now()
	cached := s.cache.GetBulk(cctx, keys)
	cancel()
	s.observeCacheRead("get_bulk", start, len(cached) == len(keys))

	misses := make([]string, 0, len(keys)-len(cached))
	for _, k := range keys {
		if e, ok := cached[k]; ok {
			result.Mappings[k.ExternalID] = e.InternalID
			result.CacheHits++
			continue
		}
		misses = append(misses, k.ExternalID)
	}

	if len(misses) > 0 {
		sctx, cancel := s.storeCtx(ctx)
		defer cancel()
		readAt := s.now()
		start = time.Now()
		found, err := s.repo.FindByExternalIDs(sctx, integrationID, entityType, misses)
		err = storeError(err)
		s.observeStore("find_by_external_ids", start, err)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		for i := range found {
			result.Mappings[found[i].ExternalID] = found[i].InternalID
			result.StoreHits++
			s.populator.enqueue(&found[i], readAt)
		}
	}

	for _, k := range keys {
		if _, ok := result.Mappings[k.ExternalID]; !ok {
			result.Missing = append(result.Missing, k.ExternalID)
		}
	}
	telemetry.SetAttributes(span, "mapping.cache_hits", result.CacheHits, "mapping.store_hits", result.StoreHits)
	return result, nil
}

// ListByEntityType lists the mappings of one scope straight from the store
func (s *Service) ListByEntityType(ctx context.Context, integrationID string, entityType mapping.EntityType, filter mapping.Filter, page mapping.Pagination) (*mapping.Page, error) {
	if err := mapping.ValidateScope(integrationID, entityType); err != nil {
		return nil, err
	}
	if filter.SyncStatus != nil && !filter.SyncStatus.IsValid() {
		return nil, mapping.ErrInvalidSyncStatus
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	result, err := s.repo.ListByEntityType(sctx, integrationID, entityType, filter, s.page(page))
	err = storeError(err)
	s.observeStore("list_by_entity_type", start, err)
	return result, err
}

// ListByIntegration lists every mapping of an integration straight from the store
func (s *Service) ListByIntegration(ctx context.Context, integrationID string, filter mapping.Filter, page mapping.Pagination) (*mapping.Page, error) {
	if err := mapping.ValidateIntegrationID(integrationID); err != nil {
		return nil, err
	}
	if filter.SyncStatus != nil && !filter.SyncStatus.IsValid() {
		return nil, mapping.ErrInvalidSyncStatus
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	result, err := s.repo.ListByIntegration(sctx, integrationID, filter, s.page(page))
	err = storeError(err)
	s.observeStore("list_by_integration", start, err)
	return result, err
}

// cachedInternalID reads the ext_to_int projection
func (s *Service) cachedInternalID(ctx context.Context, key mapping.Key) (string, bool) {
	cctx, cancel := s.cacheReadCtx(ctx)
	defer cancel()
	start := time.Now()
	internalID, ok := s.cache.GetInternalID(cctx, key)
	s.observeCacheRead("get_internal_id", start, ok)
	return internalID, ok
}

// getFromStore reads the authoritative record and schedules cache population
func (s *Service) getFromStore(ctx context.Context, key mapping.Key) (*mapping.Entry, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	readAt := s.now()
	start := time.Now()
	entry, err := s.repo.Get(sctx, key)
	err = storeError(err)
	s.observeStore("get", start, err)
	if err != nil {
		if mapping.IsNotFound(err) {
			s.logger.Debug("Mapping not found",
				logger.IntegrationID(key.IntegrationID),
				logger.EntityType(key.EntityType.String()),
				logger.ExternalID(key.ExternalID))
		}
		return nil, err
	}
	if !s.populator.enqueue(entry, readAt) {
		s.logger.Debug("Cache population skipped", zap.String("reason", "queue full or closed"),
			logger.ExternalID(key.ExternalID))
	}
	return entry, nil
}

func (s *Service) observeCacheRead(operation string, start time.Time, hit bool) {
	result := telemetry.ResultMiss
	if hit {
		result = telemetry.ResultHit
	}
	s.metrics.ObserveCache(operation, result, time.Since(start))
}

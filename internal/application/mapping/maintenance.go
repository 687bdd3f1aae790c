package mapping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/infrastructure/logger"
	"github.com/rostersync/backend/internal/infrastructure/telemetry"
)

const scanPageSize = 500

// CleanupOrphanedMappings deletes every mapping of the scope whose internal
// ID is not in validInternalIDs. Each deletion takes the normal delete path,
// so the cache stays coherent. Mappings removed concurrently are not failures.
func (s *Service) CleanupOrphanedMappings(ctx context.Context, integrationID string, entityType mapping.EntityType, validInternalIDs []string) (*CleanupResult, error) {
	if err := mapping.ValidateScope(integrationID, entityType); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartServiceSpan(ctx, spanService, "cleanup_orphaned",
		telemetry.WithAttribute(telemetry.SpanAttrIntegrationID, integrationID),
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, entityType.String()),
		telemetry.WithAttribute("mapping.valid_ids", len(validInternalIDs)))
	defer span.End()

	valid := make(map[string]struct{}, len(validInternalIDs))
	for _, id := range validInternalIDs {
		valid[id] = struct{}{}
	}

	// Collect first: deleting while paging by offset would skip rows
	result := &CleanupResult{}
	orphans := make([]mapping.Key, 0)
	err := s.scan(ctx, func(sctx context.Context, page mapping.Pagination) (*mapping.Page, error) {
		return s.repo.ListByEntityType(sctx, integrationID, entityType, mapping.Filter{}, page)
	}, func(e *mapping.Entry) {
		result.Scanned++
		if _, ok := valid[e.InternalID]; !ok {
			orphans = append(orphans, e.Key())
		}
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	for i, key := range orphans {
		if ctx.Err() != nil {
			result.Failed += len(orphans) - i
			result.Errors = append(result.Errors, ctx.Err().Error())
			break
		}
		_, err := s.DeleteMapping(ctx, key)
		switch {
		case err == nil:
			result.Deleted++
		case mapping.IsNotFound(err):
		default:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", key.ExternalID, err))
		}
	}

	logger.For(ctx, s.logger).Info("Orphaned mappings cleaned up",
		logger.IntegrationID(integrationID),
		logger.EntityType(entityType.String()),
		zap.Int("scanned", result.Scanned),
		zap.Int("deleted", result.Deleted),
		zap.Int("failed", result.Failed))
	return result, nil
}

// ValidateMappingIntegrity reports bijection violations and, for entity types
// present in live, mappings whose internal ID no longer resolves. It never repairs.
func (s *Service) ValidateMappingIntegrity(ctx context.Context, integrationID string, live mapping.LiveIDs) (*mapping.IntegrityReport, error) {
	if err := mapping.ValidateIntegrationID(integrationID); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartServiceSpan(ctx, spanService, "validate_integrity",
		telemetry.WithAttribute(telemetry.SpanAttrIntegrationID, integrationID))
	defer span.End()

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	report, err := s.repo.ValidateIntegrity(sctx, integrationID, live)
	err = storeError(err)
	s.observeStore("validate_integrity", start, err)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if !report.IsValid {
		logger.For(ctx, s.logger).Warn("Mapping integrity conflicts found",
			logger.IntegrationID(integrationID),
			zap.Int("conflicts", len(report.Conflicts)))
	}
	return report, nil
}

// DeleteIntegration removes every mapping of an integration and clears its cache keys
func (s *Service) DeleteIntegration(ctx context.Context, integrationID string) (*TeardownResult, error) {
	if err := mapping.ValidateIntegrationID(integrationID); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartServiceSpan(ctx, spanService, "delete_integration",
		telemetry.WithAttribute(telemetry.SpanAttrIntegrationID, integrationID))
	defer span.End()

	sctx, cancel := s.storeCtx(ctx)
	start := time.Now()
	deleted, err := s.repo.DeleteByIntegration(sctx, integrationID)
	cancel()
	err = storeError(err)
	s.observeStore("delete_by_integration", start, err)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	result := &TeardownResult{Deleted: deleted}
	cleared := s.clearCache(ctx, func(cctx context.Context) (int64, error) {
		return s.cache.ClearForIntegration(cctx, integrationID)
	})
	result.CacheKeysCleared = cleared.Deleted
	result.CacheDegraded = cleared.Degraded

	logger.For(ctx, s.logger).Info("Integration mappings deleted",
		logger.IntegrationID(integrationID),
		zap.Int64("deleted", deleted),
		zap.Int64("cache_keys_cleared", cleared.Deleted))
	return result, nil
}

// ClearCache removes the cached projections of an integration, or of one of
// its entity types when entityType is not empty. The store is untouched.
func (s *Service) ClearCache(ctx context.Context, integrationID string, entityType mapping.EntityType) (*ClearCacheResult, error) {
	if entityType == "" {
		if err := mapping.ValidateIntegrationID(integrationID); err != nil {
			return nil, err
		}
		return s.clearCache(ctx, func(cctx context.Context) (int64, error) {
			return s.cache.ClearForIntegration(cctx, integrationID)
		}), nil
	}
	if err := mapping.ValidateScope(integrationID, entityType); err != nil {
		return nil, err
	}
	return s.clearCache(ctx, func(cctx context.Context) (int64, error) {
		return s.cache.ClearForEntityType(cctx, integrationID, entityType)
	}), nil
}

// ClearAllCache removes every cached projection under the cache prefix
func (s *Service) ClearAllCache(ctx context.Context) *ClearCacheResult {
	return s.clearCache(ctx, s.cache.ClearAll)
}

// clearCache runs a pattern invalidation. SCAN walks the keyspace, so it gets
// the store deadline rather than the per-key cache deadline.
func (s *Service) clearCache(ctx context.Context, run func(context.Context) (int64, error)) *ClearCacheResult {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	defer cancel()

	n, err := run(cctx)
	if err != nil {
		s.cacheWarn(ctx, "clear", err)
		return &ClearCacheResult{Deleted: n, Degraded: true, Error: err.Error()}
	}
	return &ClearCacheResult{Deleted: n}
}

// ExportMappings writes every mapping of the integration, snapshots included,
// as newline-delimited JSON to the archive and returns the object key.
func (s *Service) ExportMappings(ctx context.Context, integrationID string) (*ExportResult, error) {
	if s.archive == nil {
		return nil, mapping.ErrExportDisabled
	}
	if err := mapping.ValidateIntegrationID(integrationID); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartServiceSpan(ctx, spanService, "export",
		telemetry.WithAttribute(telemetry.SpanAttrIntegrationID, integrationID))
	defer span.End()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	count := 0
	var encodeErr error
	err := s.scan(ctx, func(sctx context.Context, page mapping.Pagination) (*mapping.Page, error) {
		return s.repo.ListByIntegration(sctx, integrationID, mapping.Filter{IncludeData: true}, page)
	}, func(e *mapping.Entry) {
		if encodeErr != nil {
			return
		}
		if encodeErr = enc.Encode(e); encodeErr == nil {
			count++
		}
	})
	if err == nil {
		err = encodeErr
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	now := s.now().UTC()
	objectKey := path.Join(s.archivePrefix, integrationID,
		fmt.Sprintf("%s-%s.ndjson", now.Format("20060102T150405Z"), uuid.NewString()))
	actx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.archive.Put(actx, objectKey, buf.Bytes(), "application/x-ndjson"); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("upload mapping export: %w", err)
	}

	logger.For(ctx, s.logger).Info("Mappings exported",
		logger.IntegrationID(integrationID),
		zap.String("object_key", objectKey),
		zap.Int("count", count))
	return &ExportResult{ObjectKey: objectKey, Count: count, Bytes: buf.Len()}, nil
}

// ListAuditLog lists the re-point audit trail of an integration, newest first
func (s *Service) ListAuditLog(ctx context.Context, integrationID string, page mapping.Pagination) (*mapping.AuditPage, error) {
	if err := mapping.ValidateIntegrationID(integrationID); err != nil {
		return nil, err
	}
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	result, err := s.repo.ListAuditLog(sctx, integrationID, s.page(page))
	err = storeError(err)
	s.observeStore("list_audit_log", start, err)
	return result, err
}

// scan pages through a listing, giving each page its own store deadline
func (s *Service) scan(ctx context.Context, list func(context.Context, mapping.Pagination) (*mapping.Page, error), visit func(*mapping.Entry)) error {
	page := mapping.Pagination{Limit: scanPageSize}
	for {
		sctx, cancel := s.storeCtx(ctx)
		start := time.Now()
		result, err := list(sctx, page)
		cancel()
		err = storeError(err)
		s.observeStore("scan", start, err)
		if err != nil {
			return err
		}
		for i := range result.Items {
			visit(&result.Items[i])
		}
		if !result.HasMore() || len(result.Items) == 0 {
			return nil
		}
		page.Offset += len(result.Items)
	}
}

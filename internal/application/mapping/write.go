package mapping

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/domain/shared"
	"github.com/rostersync/backend/internal/infrastructure/logger"
	"github.com/rostersync/backend/internal/infrastructure/telemetry"
)

// CreateOrUpdateMapping writes the mapping to the store and, once the store
// has accepted it, to the cache. A write that would move an external ID to a
// different internal ID, or claim an internal ID held by another external ID,
// fails with a constraint violation unless ForceRepoint is set.
func (s *Service) CreateOrUpdateMapping(ctx context.Context, cmd UpsertCommand) (*UpsertResult, error) {
	entry := cmd.Entry.Clone()
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartServiceSpan(ctx, spanService, "create_or_update",
		telemetry.WithAttribute(telemetry.SpanAttrIntegrationID, entry.IntegrationID),
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, entry.EntityType.String()),
		telemetry.WithAttribute(telemetry.SpanAttrExternalID, entry.ExternalID),
		telemetry.WithAttribute(telemetry.SpanAttrInternalID, entry.InternalID),
		telemetry.WithAttribute("mapping.force_repoint", cmd.ForceRepoint))
	defer span.End()

	var (
		result *UpsertResult
		err    error
	)
	if cmd.ForceRepoint {
		result, err = s.repoint(ctx, entry, mapping.RepointRequest{Actor: cmd.Actor, Reason: cmd.Reason})
	} else {
		result, err = s.upsert(ctx, entry)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	cctx, cancel := s.cacheWriteCtx(ctx)
	defer cancel()
	for i := range result.Displaced {
		s.cacheWarn(ctx, "delete_displaced", s.cache.Delete(cctx, &result.Displaced[i]),
			logger.ExternalID(result.Displaced[i].ExternalID),
			logger.InternalID(result.Displaced[i].InternalID))
	}
	s.cacheWarn(ctx, "set", s.cache.Set(cctx, result.Entry, s.cacheTTL),
		logger.ExternalID(result.Entry.ExternalID))

	return result, nil
}

func (s *Service) upsert(ctx context.Context, entry *mapping.Entry) (*UpsertResult, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	stored, created, err := s.repo.Upsert(sctx, entry)
	err = storeError(err)
	s.observeStore("upsert", start, err)
	if err != nil {
		if errors.Is(err, shared.ErrConstraintViolation) {
			logger.For(ctx, s.logger).Info("Mapping write rejected",
				logger.IntegrationID(entry.IntegrationID),
				logger.EntityType(entry.EntityType.String()),
				logger.ExternalID(entry.ExternalID),
				logger.InternalID(entry.InternalID),
				zap.Error(err))
		}
		return nil, err
	}
	return &UpsertResult{Entry: stored, Created: created}, nil
}

func (s *Service) repoint(ctx context.Context, entry *mapping.Entry, req mapping.RepointRequest) (*UpsertResult, error) {
	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	start := time.Now()
	res, err := s.repo.Repoint(sctx, entry, req)
	err = storeError(err)
	s.observeStore("repoint", start, err)
	if err != nil {
		return nil, err
	}

	if len(res.Displaced) > 0 {
		s.metrics.AddRepoints(len(res.Displaced))
		for _, d := range res.Displaced {
			logger.For(ctx, s.logger).Info("Mapping re-pointed",
				logger.IntegrationID(entry.IntegrationID),
				logger.EntityType(entry.EntityType.String()),
				logger.ExternalID(entry.ExternalID),
				logger.InternalID(entry.InternalID),
				zap.String("previous_external_id", d.ExternalID),
				zap.String("previous_internal_id", d.InternalID),
				zap.String("actor", req.Actor),
				zap.String("reason", req.Reason))
		}
	}
	return &UpsertResult{
		Entry:     res.Entry,
		Created:   res.Created,
		Repointed: len(res.Displaced) > 0,
		Displaced: res.Displaced,
	}, nil
}

// DeleteMapping removes the mapping from the store and then every cache
// projection of it. A store miss still clears whatever the cache holds for
// the key before reporting not-found.
func (s *Service) DeleteMapping(ctx context.Context, key mapping.Key) (*mapping.Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	ctx, span := telemetry.StartServiceSpan(ctx, spanService, "delete",
		telemetry.WithAttribute(telemetry.SpanAttrIntegrationID, key.IntegrationID),
		telemetry.WithAttribute(telemetry.SpanAttrEntityType, key.EntityType.String()),
		telemetry.WithAttribute(telemetry.SpanAttrExternalID, key.ExternalID))
	defer span.End()

	sctx, cancel := s.storeCtx(ctx)
	start := time.Now()
	deleted, err := s.repo.Delete(sctx, key)
	cancel()
	err = storeError(err)
	s.observeStore("delete", start, err)

	switch {
	case err == nil:
		cctx, cancel := s.cacheWriteCtx(ctx)
		defer cancel()
		s.cacheWarn(ctx, "delete", s.cache.Delete(cctx, deleted), logger.ExternalID(key.ExternalID))
		return deleted, nil
	case mapping.IsNotFound(err):
		cctx, cancel := s.cacheWriteCtx(ctx)
		defer cancel()
		s.cacheWarn(ctx, "delete_by_external", s.cache.DeleteByExternal(cctx, key), logger.ExternalID(key.ExternalID))
		return nil, err
	default:
		// The store outcome is unknown, so the cache is left as is
		telemetry.RecordError(span, err)
		return nil, err
	}
}

// UpdateSyncStatus moves a mapping through the sync status state machine,
// stamping the last sync time. errMsg is kept in metadata for the error status.
func (s *Service) UpdateSyncStatus(ctx context.Context, key mapping.Key, status mapping.SyncStatus, errMsg string) (*mapping.Entry, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !status.IsValid() {
		return nil, mapping.ErrInvalidSyncStatus
	}
	ctx, span := telemetry.StartServiceSpan(ctx, spanService, "update_sync_status",
		telemetry.WithAttribute(telemetry.SpanAttrIntegrationID, key.IntegrationID),
		telemetry.WithAttribute(telemetry.SpanAttrExternalID, key.ExternalID),
		telemetry.WithAttribute("mapping.sync_status", status.String()))
	defer span.End()

	sctx, cancel := s.storeCtx(ctx)
	start := time.Now()
	current, err := s.repo.Get(sctx, key)
	cancel()
	err = storeError(err)
	s.observeStore("get", start, err)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := next.TransitionTo(status, errMsg, s.now().UTC()); err != nil {
		return nil, err
	}

	res, err := s.upsert(ctx, next)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	cctx, cancel := s.cacheWriteCtx(ctx)
	defer cancel()
	s.cacheWarn(ctx, "set", s.cache.Set(cctx, res.Entry, s.cacheTTL), logger.ExternalID(key.ExternalID))
	return res.Entry, nil
}

// BulkCreateMappings upserts every entry independently and caches the ones
// the store accepted. One bad entry never aborts the batch.
func (s *Service) BulkCreateMappings(ctx context.Context, entries []mapping.Entry) (*BulkCreateResult, error) {
	if len(entries) == 0 {
		return nil, mapping.ErrEmptyBulk
	}
	if len(entries) > MaxBulkSize {
		return nil, mapping.ErrBulkTooLarge
	}
	ctx, span := telemetry.StartServiceSpan(ctx, spanService, "bulk_create",
		telemetry.WithAttribute(telemetry.SpanAttrBatchSize, len(entries)))
	defer span.End()

	ptrs := make([]*mapping.Entry, len(entries))
	for i := range entries {
		ptrs[i] = entries[i].Clone()
	}

	sctx, cancel := s.storeCtx(ctx)
	start := time.Now()
	stored, err := s.repo.BulkUpsert(sctx, ptrs)
	cancel()
	err = storeError(err)
	s.observeStore("bulk_upsert", start, err)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	s.metrics.AddBulk(stored.Created, stored.Updated, stored.Errors)

	result := &BulkCreateResult{
		Created:      stored.Created,
		Updated:      stored.Updated,
		Errors:       stored.Errors,
		ErrorDetails: stored.ErrorDetails,
	}
	if len(stored.Stored) > 0 {
		// One cache deadline per hundred entries
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx),
			s.cacheTimeout*time.Duration(1+len(stored.Stored)/100))
		defer cancel()
		result.Cache = s.cache.SetBulk(cctx, stored.Stored, s.cacheTTL)
		if result.Cache.FailedChunks > 0 || len(result.Cache.Errors) > 0 {
			logger.For(ctx, s.logger).Warn("Bulk cache write incomplete",
				zap.Int("failed_chunks", result.Cache.FailedChunks),
				zap.Strings("errors", result.Cache.Errors))
		}
	}

	telemetry.SetAttributes(span,
		"mapping.created", result.Created,
		"mapping.updated", result.Updated,
		"mapping.errors", result.Errors)
	return result, nil
}

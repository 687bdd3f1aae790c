package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/domain/shared"
	"github.com/rostersync/backend/internal/infrastructure/persistence/models"
)

const integrityBatchSize = 500

// GormMappingRepository implements mapping.Repository using GORM.
// The database must be opened with TranslateError so unique index
// violations surface as gorm.ErrDuplicatedKey.
type GormMappingRepository struct {
	db *gorm.DB
}

// NewGormMappingRepository creates a new GormMappingRepository
func NewGormMappingRepository(db *gorm.DB) *GormMappingRepository {
	return &GormMappingRepository{db: db}
}

// ---------------------------------------------------------------------------
// Reader implementation
// ---------------------------------------------------------------------------

// Get finds a mapping by its external key
func (r *GormMappingRepository) Get(ctx context.Context, key mapping.Key) (*mapping.Entry, error) {
	model, err := findByExternal(r.db.WithContext(ctx), key)
	if err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// GetByInternal finds a mapping by its internal ID within a scope
func (r *GormMappingRepository) GetByInternal(ctx context.Context, integrationID string, entityType mapping.EntityType, internalID string) (*mapping.Entry, error) {
	model, err := findByInternal(r.db.WithContext(ctx), integrationID, entityType, internalID)
	if err != nil {
		return nil, translateError(err)
	}
	return model.ToDomain(), nil
}

// FindByExternalIDs returns the mappings that exist for the given external IDs
func (r *GormMappingRepository) FindByExternalIDs(ctx context.Context, integrationID string, entityType mapping.EntityType, externalIDs []string) ([]mapping.Entry, error) {
	if len(externalIDs) == 0 {
		return []mapping.Entry{}, nil
	}
	var rows []models.MappingModel
	if err := r.db.WithContext(ctx).
		Where("integration_id = ? AND entity_type = ? AND external_id IN ?", integrationID, entityType, externalIDs).
		Find(&rows).Error; err != nil {
		return nil, translateError(err)
	}
	return toEntries(rows), nil
}

// ---------------------------------------------------------------------------
// Finder implementation
// ---------------------------------------------------------------------------

// ListByEntityType lists the mappings of one scope ordered by external ID
func (r *GormMappingRepository) ListByEntityType(ctx context.Context, integrationID string, entityType mapping.EntityType, filter mapping.Filter, page mapping.Pagination) (*mapping.Page, error) {
	query := r.db.WithContext(ctx).Model(&models.MappingModel{}).
		Where("integration_id = ? AND entity_type = ?", integrationID, entityType)
	return r.list(query, filter, page, "external_id ASC")
}

// ListByIntegration lists every mapping of an integration
func (r *GormMappingRepository) ListByIntegration(ctx context.Context, integrationID string, filter mapping.Filter, page mapping.Pagination) (*mapping.Page, error) {
	query := r.db.WithContext(ctx).Model(&models.MappingModel{}).
		Where("integration_id = ?", integrationID)
	return r.list(query, filter, page, "entity_type ASC, external_id ASC")
}

func (r *GormMappingRepository) list(query *gorm.DB, filter mapping.Filter, page mapping.Pagination, order string) (*mapping.Page, error) {
	page = page.Normalize()
	if filter.SyncStatus != nil {
		query = query.Where("sync_status = ?", *filter.SyncStatus)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, translateError(err)
	}

	var rows []models.MappingModel
	find := query.Order(order).Limit(page.Limit).Offset(page.Offset)
	if !filter.IncludeData {
		find = find.Omit("external_data", "internal_data")
	}
	if err := find.Find(&rows).Error; err != nil {
		return nil, translateError(err)
	}

	return &mapping.Page{
		Items:  toEntries(rows),
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	}, nil
}

// ValidateIntegrity scans the integration in batches and reports conflicts
func (r *GormMappingRepository) ValidateIntegrity(ctx context.Context, integrationID string, live mapping.LiveIDs) (*mapping.IntegrityReport, error) {
	validator := mapping.NewIntegrityValidator(integrationID, live)

	var batch []models.MappingModel
	result := r.db.WithContext(ctx).
		Select("id", "integration_id", "entity_type", "external_id", "internal_id").
		Where("integration_id = ?", integrationID).
		FindInBatches(&batch, integrityBatchSize, func(tx *gorm.DB, _ int) error {
			validator.Add(toEntries(batch)...)
			return nil
		})
	if result.Error != nil {
		return nil, translateError(result.Error)
	}
	return validator.Report(), nil
}

// CountByStatus counts mappings per entity type and sync status
func (r *GormMappingRepository) CountByStatus(ctx context.Context, integrationID string) ([]mapping.StatusCount, error) {
	var counts []mapping.StatusCount
	if err := r.db.WithContext(ctx).Model(&models.MappingModel{}).
		Select("entity_type, sync_status, COUNT(*) AS count").
		Where("integration_id = ?", integrationID).
		Group("entity_type, sync_status").
		Order("entity_type ASC, sync_status ASC").
		Scan(&counts).Error; err != nil {
		return nil, translateError(err)
	}
	return counts, nil
}

// ListAuditLog lists re-point audit records, newest first
func (r *GormMappingRepository) ListAuditLog(ctx context.Context, integrationID string, page mapping.Pagination) (*mapping.AuditPage, error) {
	page = page.Normalize()
	query := r.db.WithContext(ctx).Model(&models.MappingAuditLogModel{}).
		Where("integration_id = ?", integrationID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, translateError(err)
	}

	var rows []models.MappingAuditLogModel
	if err := query.Order("created_at DESC, id ASC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&rows).Error; err != nil {
		return nil, translateError(err)
	}

	items := make([]mapping.AuditRecord, len(rows))
	for i := range rows {
		items[i] = rows[i].ToDomain()
	}
	return &mapping.AuditPage{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// ---------------------------------------------------------------------------
// Writer implementation
// ---------------------------------------------------------------------------

// Upsert creates or updates a mapping, rejecting writes that would break the bijection
func (r *GormMappingRepository) Upsert(ctx context.Context, entry *mapping.Entry) (*mapping.Entry, bool, error) {
	if err := entry.Validate(); err != nil {
		return nil, false, err
	}

	var (
		stored  *mapping.Entry
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := optional(findByExternal(tx, entry.Key()))
		if err != nil {
			return err
		}
		if current != nil && current.InternalID != entry.InternalID {
			return mapping.ErrExternalIDTaken
		}
		if current == nil {
			holder, err := optional(findByInternal(tx, entry.IntegrationID, entry.EntityType, entry.InternalID))
			if err != nil {
				return err
			}
			if holder != nil {
				return mapping.ErrInternalIDTaken
			}
		}

		stored, created, err = writeEntry(tx, current, entry)
		return err
	})
	if err != nil {
		return nil, false, translateError(err)
	}
	return stored, created, nil
}

// Repoint writes the mapping, removing every correlation it displaces and
// recording one audit row per displaced correlation, in a single transaction.
func (r *GormMappingRepository) Repoint(ctx context.Context, entry *mapping.Entry, req mapping.RepointRequest) (*mapping.RepointResult, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}

	result := &mapping.RepointResult{}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := optional(findByExternal(tx, entry.Key()))
		if err != nil {
			return err
		}
		holder, err := optional(findByInternal(tx, entry.IntegrationID, entry.EntityType, entry.InternalID))
		if err != nil {
			return err
		}

		displaced := make([]mapping.Entry, 0, 2)
		if current != nil && current.InternalID != entry.InternalID {
			displaced = append(displaced, *current.ToDomain())
		}
		if holder != nil && holder.ExternalID != entry.ExternalID {
			if err := tx.Delete(&models.MappingModel{}, "id = ?", holder.ID).Error; err != nil {
				return err
			}
			displaced = append(displaced, *holder.ToDomain())
		}

		stored, created, err := writeEntry(tx, current, entry)
		if err != nil {
			return err
		}

		for _, record := range mapping.NewAuditRecords(stored, displaced, req, stored.UpdatedAt) {
			if err := tx.Create(models.MappingAuditLogModelFromDomain(record)).Error; err != nil {
				return err
			}
		}

		result.Entry = stored
		result.Created = created
		result.Displaced = displaced
		return nil
	})
	if err != nil {
		return nil, translateError(err)
	}
	return result, nil
}

// Delete removes a mapping and returns it as it was
func (r *GormMappingRepository) Delete(ctx context.Context, key mapping.Key) (*mapping.Entry, error) {
	var deleted *mapping.Entry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := findByExternal(tx, key)
		if err != nil {
			return err
		}
		res := tx.Delete(&models.MappingModel{}, "id = ?", model.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return mapping.ErrMappingNotFound
		}
		deleted = model.ToDomain()
		return nil
	})
	if err != nil {
		return nil, translateError(err)
	}
	return deleted, nil
}

// DeleteByIntegration removes every mapping of an integration. Audit records are kept.
func (r *GormMappingRepository) DeleteByIntegration(ctx context.Context, integrationID string) (int64, error) {
	res := r.db.WithContext(ctx).Delete(&models.MappingModel{}, "integration_id = ?", integrationID)
	if res.Error != nil {
		return 0, translateError(res.Error)
	}
	return res.RowsAffected, nil
}

// BulkUpsert upserts each entry in its own transaction and reports per-entry outcomes
func (r *GormMappingRepository) BulkUpsert(ctx context.Context, entries []*mapping.Entry) (*mapping.BulkResult, error) {
	return bulkUpsert(ctx, entries, r.Upsert), nil
}

// Ping checks that the database is reachable
func (r *GormMappingRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return translateError(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return translateError(err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func findByExternal(db *gorm.DB, key mapping.Key) (*models.MappingModel, error) {
	var model models.MappingModel
	if err := db.Where("integration_id = ? AND entity_type = ? AND external_id = ?",
		key.IntegrationID, key.EntityType, key.ExternalID).
		First(&model).Error; err != nil {
		return nil, err
	}
	return &model, nil
}

func findByInternal(db *gorm.DB, integrationID string, entityType mapping.EntityType, internalID string) (*models.MappingModel, error) {
	var model models.MappingModel
	if err := db.Where("integration_id = ? AND entity_type = ? AND internal_id = ?",
		integrationID, entityType, internalID).
		First(&model).Error; err != nil {
		return nil, err
	}
	return &model, nil
}

// optional turns a not-found lookup into a nil model
func optional(model *models.MappingModel, err error) (*models.MappingModel, error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return model, err
}

// writeEntry inserts or updates the row for entry. Updates are conditional on
// the version read earlier, so a concurrent writer turns this into a stale write.
func writeEntry(tx *gorm.DB, current *models.MappingModel, entry *mapping.Entry) (*mapping.Entry, bool, error) {
	var stored *mapping.Entry
	if current != nil {
		stored = current.ToDomain()
	}
	next, err := mapping.PrepareWrite(stored, entry, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}

	model := models.MappingModelFromDomain(next)
	if current == nil {
		if err := tx.Create(model).Error; err != nil {
			return nil, false, err
		}
		return next, true, nil
	}

	res := tx.Model(&models.MappingModel{}).
		Where("id = ? AND sync_version = ?", current.ID, current.SyncVersion).
		Updates(map[string]any{
			"internal_id":   model.InternalID,
			"sync_status":   model.SyncStatus,
			"sync_version":  model.SyncVersion,
			"external_data": model.ExternalData,
			"internal_data": model.InternalData,
			"metadata":      model.Metadata,
			"last_sync_at":  model.LastSyncAt,
			"updated_at":    model.UpdatedAt,
		})
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, mapping.ErrStaleVersion
	}
	return next, false, nil
}

func toEntries(rows []models.MappingModel) []mapping.Entry {
	entries := make([]mapping.Entry, len(rows))
	for i := range rows {
		entries[i] = *rows[i].ToDomain()
	}
	return entries
}

// translateError maps driver errors onto the mapping error taxonomy.
// Errors that already carry a domain code pass through unchanged.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case shared.ErrorCode(err) != "":
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return mapping.ErrMappingNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return mapping.ErrDuplicateKey.Wrap(err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return mapping.ErrStoreUnavailable.Wrap(fmt.Errorf("operation did not complete: %w", err))
	default:
		return mapping.ErrStoreUnavailable.Wrap(err)
	}
}

// bulkUpsert applies upsert to every entry independently. Entries after a
// cancelled context are reported as failed rather than silently skipped.
func bulkUpsert(ctx context.Context, entries []*mapping.Entry, upsert func(context.Context, *mapping.Entry) (*mapping.Entry, bool, error)) *mapping.BulkResult {
	result := &mapping.BulkResult{
		ErrorDetails: make([]mapping.BulkError, 0),
		Stored:       make([]mapping.Entry, 0, len(entries)),
	}
	for i, entry := range entries {
		if entry == nil {
			result.Errors++
			result.ErrorDetails = append(result.ErrorDetails, mapping.BulkError{
				Index:   i,
				Code:    shared.CodeValidation,
				Message: "mapping: entry is required",
			})
			continue
		}

		var (
			stored  *mapping.Entry
			created bool
			err     = ctx.Err()
		)
		if err != nil {
			err = translateError(err)
		} else {
			stored, created, err = upsert(ctx, entry)
		}
		if err != nil {
			result.Errors++
			result.ErrorDetails = append(result.ErrorDetails, mapping.BulkError{
				Index:      i,
				EntityType: entry.EntityType,
				ExternalID: entry.ExternalID,
				Code:       shared.ErrorCode(err),
				Message:    err.Error(),
			})
			continue
		}
		if created {
			result.Created++
		} else {
			result.Updated++
		}
		result.Stored = append(result.Stored, *stored)
	}
	return result
}

var _ mapping.Repository = (*GormMappingRepository)(nil)

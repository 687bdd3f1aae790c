package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rostersync/backend/internal/domain/mapping"
)

type internalKey struct {
	integrationID string
	entityType    mapping.EntityType
	internalID    string
}

// InMemoryMappingRepository implements mapping.Repository over an arena of
// entries with external and internal indexes. It enforces the same bijection,
// version and transition rules as the GORM repository and is meant for tests
// and local development.
type InMemoryMappingRepository struct {
	mu         sync.RWMutex
	arena      []*mapping.Entry
	free       []int
	byExternal map[mapping.Key]int
	byInternal map[internalKey]int
	audit      []mapping.AuditRecord
}

// NewInMemoryMappingRepository creates an empty in-memory repository
func NewInMemoryMappingRepository() *InMemoryMappingRepository {
	return &InMemoryMappingRepository{
		byExternal: make(map[mapping.Key]int),
		byInternal: make(map[internalKey]int),
	}
}

func internalKeyOf(e *mapping.Entry) internalKey {
	return internalKey{integrationID: e.IntegrationID, entityType: e.EntityType, internalID: e.InternalID}
}

// ---------------------------------------------------------------------------
// Reader implementation
// ---------------------------------------------------------------------------

// Get finds a mapping by its external key
func (r *InMemoryMappingRepository) Get(ctx context.Context, key mapping.Key) (*mapping.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError(err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byExternal[key]
	if !ok {
		return nil, mapping.ErrMappingNotFound
	}
	return r.arena[idx].Clone(), nil
}

// GetByInternal finds a mapping by its internal ID within a scope
func (r *InMemoryMappingRepository) GetByInternal(ctx context.Context, integrationID string, entityType mapping.EntityType, internalID string) (*mapping.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError(err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx, ok := r.byInternal[internalKey{integrationID, entityType, internalID}]
	if !ok {
		return nil, mapping.ErrMappingNotFound
	}
	return r.arena[idx].Clone(), nil
}

// FindByExternalIDs returns the mappings that exist for the given external IDs
func (r *InMemoryMappingRepository) FindByExternalIDs(ctx context.Context, integrationID string, entityType mapping.EntityType, externalIDs []string) ([]mapping.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError(err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]mapping.Entry, 0, len(externalIDs))
	for _, ext := range externalIDs {
		if idx, ok := r.byExternal[mapping.NewKey(integrationID, entityType, ext)]; ok {
			entries = append(entries, *r.arena[idx].Clone())
		}
	}
	return entries, nil
}

// ---------------------------------------------------------------------------
// Finder implementation
// ---------------------------------------------------------------------------

// ListByEntityType lists the mappings of one scope ordered by external ID
func (r *InMemoryMappingRepository) ListByEntityType(ctx context.Context, integrationID string, entityType mapping.EntityType, filter mapping.Filter, page mapping.Pagination) (*mapping.Page, error) {
	return r.list(ctx, filter, page, func(e *mapping.Entry) bool {
		return e.IntegrationID == integrationID && e.EntityType == entityType
	})
}

// ListByIntegration lists every mapping of an integration
func (r *InMemoryMappingRepository) ListByIntegration(ctx context.Context, integrationID string, filter mapping.Filter, page mapping.Pagination) (*mapping.Page, error) {
	return r.list(ctx, filter, page, func(e *mapping.Entry) bool {
		return e.IntegrationID == integrationID
	})
}

func (r *InMemoryMappingRepository) list(ctx context.Context, filter mapping.Filter, page mapping.Pagination, match func(*mapping.Entry) bool) (*mapping.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError(err)
	}
	page = page.Normalize()

	matched := r.collect(func(e *mapping.Entry) bool {
		if !match(e) {
			return false
		}
		return filter.SyncStatus == nil || e.SyncStatus == *filter.SyncStatus
	})
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].EntityType != matched[j].EntityType {
			return matched[i].EntityType < matched[j].EntityType
		}
		return matched[i].ExternalID < matched[j].ExternalID
	})

	total := int64(len(matched))
	start := min(page.Offset, len(matched))
	end := min(start+page.Limit, len(matched))
	items := matched[start:end]
	if !filter.IncludeData {
		for i := range items {
			items[i].ExternalData = nil
			items[i].InternalData = nil
		}
	}
	return &mapping.Page{Items: items, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// collect returns copies of every live entry accepted by match
func (r *InMemoryMappingRepository) collect(match func(*mapping.Entry) bool) []mapping.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]mapping.Entry, 0)
	for _, e := range r.arena {
		if e != nil && match(e) {
			out = append(out, *e.Clone())
		}
	}
	return out
}

// ValidateIntegrity reports conflicts across the integration
func (r *InMemoryMappingRepository) ValidateIntegrity(ctx context.Context, integrationID string, live mapping.LiveIDs) (*mapping.IntegrityReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError(err)
	}
	validator := mapping.NewIntegrityValidator(integrationID, live)
	validator.Add(r.collect(func(e *mapping.Entry) bool { return e.IntegrationID == integrationID })...)
	return validator.Report(), nil
}

// CountByStatus counts mappings per entity type and sync status
func (r *InMemoryMappingRepository) CountByStatus(ctx context.Context, integrationID string) ([]mapping.StatusCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError(err)
	}
	type bucket struct {
		entityType mapping.EntityType
		status     mapping.SyncStatus
	}
	counts := make(map[bucket]int64)
	for _, e := range r.collect(func(e *mapping.Entry) bool { return e.IntegrationID == integrationID }) {
		counts[bucket{e.EntityType, e.SyncStatus}]++
	}

	out := make([]mapping.StatusCount, 0, len(counts))
	for b, n := range counts {
		out = append(out, mapping.StatusCount{EntityType: b.entityType, SyncStatus: b.status, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].SyncStatus < out[j].SyncStatus
	})
	return out, nil
}

// ListAuditLog lists re-point audit records, newest first
func (r *InMemoryMappingRepository) ListAuditLog(ctx context.Context, integrationID string, page mapping.Pagination) (*mapping.AuditPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError(err)
	}
	page = page.Normalize()

	r.mu.RLock()
	matched := make([]mapping.AuditRecord, 0)
	for i := len(r.audit) - 1; i >= 0; i-- {
		if r.audit[i].IntegrationID == integrationID {
			matched = append(matched, r.audit[i])
		}
	}
	r.mu.RUnlock()

	start := min(page.Offset, len(matched))
	end := min(start+page.Limit, len(matched))
	return &mapping.AuditPage{
		Items:  matched[start:end],
		Total:  int64(len(matched)),
		Limit:  page.Limit,
		Offset: page.Offset,
	}, nil
}

// ---------------------------------------------------------------------------
// Writer implementation
// ---------------------------------------------------------------------------

// Upsert creates or updates a mapping, rejecting writes that would break the bijection
func (r *InMemoryMappingRepository) Upsert(ctx context.Context, entry *mapping.Entry) (*mapping.Entry, bool, error) {
	if err := entry.Validate(); err != nil {
		return nil, false, err
	}
	if err := ctx.Err(); err != nil {
		return nil, false, translateError(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	currentIdx, exists := r.byExternal[entry.Key()]
	if exists && r.arena[currentIdx].InternalID != entry.InternalID {
		return nil, false, mapping.ErrExternalIDTaken
	}
	if !exists {
		if _, taken := r.byInternal[internalKeyOf(entry)]; taken {
			return nil, false, mapping.ErrInternalIDTaken
		}
	}
	return r.write(entry, currentIdx, exists)
}

// Repoint writes the mapping, removing and auditing every displaced correlation
func (r *InMemoryMappingRepository) Repoint(ctx context.Context, entry *mapping.Entry, req mapping.RepointRequest) (*mapping.RepointResult, error) {
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, translateError(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	currentIdx, exists := r.byExternal[entry.Key()]
	var current *mapping.Entry
	if exists {
		current = r.arena[currentIdx]
	}
	// Rejected before anything is removed so a failed re-point leaves no trace
	if _, err := mapping.PrepareWrite(current, entry, time.Now().UTC()); err != nil {
		return nil, err
	}

	displaced := make([]mapping.Entry, 0, 2)
	if current != nil && current.InternalID != entry.InternalID {
		displaced = append(displaced, *current.Clone())
	}
	if idx, ok := r.byInternal[internalKeyOf(entry)]; ok && r.arena[idx].ExternalID != entry.ExternalID {
		displaced = append(displaced, *r.arena[idx].Clone())
		r.remove(idx)
	}

	stored, created, err := r.write(entry, currentIdx, exists)
	if err != nil {
		return nil, err
	}
	r.audit = append(r.audit, mapping.NewAuditRecords(stored, displaced, req, stored.UpdatedAt)...)

	return &mapping.RepointResult{Entry: stored, Created: created, Displaced: displaced}, nil
}

// Delete removes a mapping and returns it as it was
func (r *InMemoryMappingRepository) Delete(ctx context.Context, key mapping.Key) (*mapping.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, translateError(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.byExternal[key]
	if !ok {
		return nil, mapping.ErrMappingNotFound
	}
	deleted := r.arena[idx].Clone()
	r.remove(idx)
	return deleted, nil
}

// DeleteByIntegration removes every mapping of an integration. Audit records are kept.
func (r *InMemoryMappingRepository) DeleteByIntegration(ctx context.Context, integrationID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, translateError(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for idx, e := range r.arena {
		if e != nil && e.IntegrationID == integrationID {
			r.remove(idx)
			n++
		}
	}
	return n, nil
}

// BulkUpsert upserts every entry independently
func (r *InMemoryMappingRepository) BulkUpsert(ctx context.Context, entries []*mapping.Entry) (*mapping.BulkResult, error) {
	return bulkUpsert(ctx, entries, r.Upsert), nil
}

// Ping always succeeds
func (r *InMemoryMappingRepository) Ping(ctx context.Context) error {
	return translateError(ctx.Err())
}

// write stores entry over the slot at idx (when exists) or a fresh slot.
// Callers hold the write lock and have already checked the bijection.
func (r *InMemoryMappingRepository) write(entry *mapping.Entry, idx int, exists bool) (*mapping.Entry, bool, error) {
	var current *mapping.Entry
	if exists {
		current = r.arena[idx]
	}
	next, err := mapping.PrepareWrite(current, entry, time.Now().UTC())
	if err != nil {
		return nil, false, err
	}

	if exists {
		delete(r.byInternal, internalKeyOf(current))
		r.arena[idx] = next
	} else {
		idx = r.alloc(next)
		r.byExternal[next.Key()] = idx
	}
	r.byInternal[internalKeyOf(next)] = idx
	return next.Clone(), !exists, nil
}

func (r *InMemoryMappingRepository) alloc(e *mapping.Entry) int {
	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		r.arena[idx] = e
		return idx
	}
	r.arena = append(r.arena, e)
	return len(r.arena) - 1
}

func (r *InMemoryMappingRepository) remove(idx int) {
	e := r.arena[idx]
	delete(r.byExternal, e.Key())
	delete(r.byInternal, internalKeyOf(e))
	r.arena[idx] = nil
	r.free = append(r.free, idx)
}

var _ mapping.Repository = (*InMemoryMappingRepository)(nil)

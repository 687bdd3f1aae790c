package mapping

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Query types
// ---------------------------------------------------------------------------

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 1000
)

// Filter defines filter criteria for listing mappings
type Filter struct {
	// SyncStatus filters by sync status (optional)
	SyncStatus *SyncStatus
	// IncludeData keeps the snapshot payloads in the result
	IncludeData bool
}

// Pagination is an offset window over an ordered result
type Pagination struct {
	Limit  int
	Offset int
}

// Normalize clamps the window to DefaultPageLimit and MaxPageLimit
func (p Pagination) Normalize() Pagination {
	return p.Clamp(DefaultPageLimit, MaxPageLimit)
}

// Clamp applies defaultLimit to an unset limit and caps it at maxLimit.
// maxLimit itself never exceeds MaxPageLimit.
func (p Pagination) Clamp(defaultLimit, maxLimit int) Pagination {
	if maxLimit <= 0 || maxLimit > MaxPageLimit {
		maxLimit = MaxPageLimit
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = min(DefaultPageLimit, maxLimit)
	}
	if p.Limit <= 0 {
		p.Limit = defaultLimit
	}
	if p.Limit > maxLimit {
		p.Limit = maxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Page is one window of a listing
type Page struct {
	Items  []Entry `json:"items"`
	Total  int64   `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// HasMore reports whether another page follows
func (p *Page) HasMore() bool {
	return int64(p.Offset+len(p.Items)) < p.Total
}

// ---------------------------------------------------------------------------
// Write results
// ---------------------------------------------------------------------------

// BulkError describes why one entry of a bulk write failed
type BulkError struct {
	Index      int        `json:"index"`
	EntityType EntityType `json:"entity_type"`
	ExternalID string     `json:"external_id"`
	Code       string     `json:"code"`
	Message    string     `json:"message"`
}

// BulkResult is the per-entry outcome of a bulk upsert
type BulkResult struct {
	Created      int         `json:"created"`
	Updated      int         `json:"updated"`
	Errors       int         `json:"errors"`
	ErrorDetails []BulkError `json:"error_details"`
	// Stored holds every successfully written entry, in input order
	Stored []Entry `json:"-"`
}

// RepointRequest carries the audit context of a forced re-point
type RepointRequest struct {
	Actor  string
	Reason string
}

// RepointResult is the outcome of a re-point
type RepointResult struct {
	// Entry is the row as stored after the re-point
	Entry *Entry
	// Created is true when no row existed for the external ID
	Created bool
	// Displaced holds the correlations that were overwritten, as they were before
	Displaced []Entry
}

// StatusCount is the number of mappings per entity type and status
type StatusCount struct {
	EntityType EntityType `json:"entity_type"`
	SyncStatus SyncStatus `json:"sync_status"`
	Count      int64      `json:"count"`
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// AuditAction names what happened to a correlation
type AuditAction string

const (
	// AuditActionRepoint means the external ID now points at a new internal ID
	AuditActionRepoint AuditAction = "repoint"
	// AuditActionDisplace means a row was removed to free its internal ID
	AuditActionDisplace AuditAction = "displace"
)

// AuditRecord records one overwritten correlation
type AuditRecord struct {
	ID                 uuid.UUID   `json:"id"`
	IntegrationID      string      `json:"integration_id"`
	EntityType         EntityType  `json:"entity_type"`
	Action             AuditAction `json:"action"`
	ExternalID         string      `json:"external_id"`
	InternalID         string      `json:"internal_id"`
	PreviousExternalID string      `json:"previous_external_id"`
	PreviousInternalID string      `json:"previous_internal_id"`
	Actor              string      `json:"actor"`
	Reason             string      `json:"reason"`
	CreatedAt          time.Time   `json:"created_at"`
}

// NewAuditRecords builds the audit rows for a re-point of next over the displaced rows
func NewAuditRecords(next *Entry, displaced []Entry, req RepointRequest, now time.Time) []AuditRecord {
	records := make([]AuditRecord, 0, len(displaced))
	for _, old := range displaced {
		action := AuditActionDisplace
		if old.ExternalID == next.ExternalID {
			action = AuditActionRepoint
		}
		records = append(records, AuditRecord{
			ID:                 uuid.New(),
			IntegrationID:      next.IntegrationID,
			EntityType:         next.EntityType,
			Action:             action,
			ExternalID:         next.ExternalID,
			InternalID:         next.InternalID,
			PreviousExternalID: old.ExternalID,
			PreviousInternalID: old.InternalID,
			Actor:              req.Actor,
			Reason:             req.Reason,
			CreatedAt:          now,
		})
	}
	return records
}

// AuditPage is one window of the audit trail
type AuditPage struct {
	Items  []AuditRecord `json:"items"`
	Total  int64         `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// ---------------------------------------------------------------------------
// Repository Interface
// ---------------------------------------------------------------------------

// Reader defines the interface for reading mappings
type Reader interface {
	// Get finds a mapping by its external key
	Get(ctx context.Context, key Key) (*Entry, error)

	// GetByInternal finds a mapping by its internal ID within a scope
	GetByInternal(ctx context.Context, integrationID string, entityType EntityType, internalID string) (*Entry, error)

	// FindByExternalIDs returns the mappings that exist for the given external IDs.
	// Missing IDs are simply absent from the result.
	FindByExternalIDs(ctx context.Context, integrationID string, entityType EntityType, externalIDs []string) ([]Entry, error)
}

// Finder defines the interface for listing and reporting on mappings
type Finder interface {
	// ListByEntityType lists the mappings of one scope ordered by external ID
	ListByEntityType(ctx context.Context, integrationID string, entityType EntityType, filter Filter, page Pagination) (*Page, error)

	// ListByIntegration lists every mapping of an integration ordered by entity type and external ID
	ListByIntegration(ctx context.Context, integrationID string, filter Filter, page Pagination) (*Page, error)

	// ValidateIntegrity checks the whole integration against the bijection invariant.
	// live may be nil to skip the dangling-reference check.
	ValidateIntegrity(ctx context.Context, integrationID string, live LiveIDs) (*IntegrityReport, error)

	// CountByStatus counts mappings per entity type and sync status
	CountByStatus(ctx context.Context, integrationID string) ([]StatusCount, error)

	// ListAuditLog lists re-point audit records, newest first
	ListAuditLog(ctx context.Context, integrationID string, page Pagination) (*AuditPage, error)
}

// Writer defines the interface for persisting mappings
type Writer interface {
	// Upsert creates or updates a mapping. It fails with a constraint
	// violation when the write would break the bijection of its scope.
	Upsert(ctx context.Context, entry *Entry) (stored *Entry, created bool, err error)

	// Repoint writes the mapping, removing any correlation it displaces and
	// auditing every displaced row, in one transaction.
	Repoint(ctx context.Context, entry *Entry, req RepointRequest) (*RepointResult, error)

	// Delete removes a mapping and returns it as it was
	Delete(ctx context.Context, key Key) (*Entry, error)

	// DeleteByIntegration removes every mapping of an integration
	DeleteByIntegration(ctx context.Context, integrationID string) (int64, error)

	// BulkUpsert upserts every entry independently; one failure does not abort the rest
	BulkUpsert(ctx context.Context, entries []*Entry) (*BulkResult, error)
}

// Repository defines the full interface for mapping persistence
type Repository interface {
	Reader
	Finder
	Writer

	// Ping checks that the store is reachable
	Ping(ctx context.Context) error
}

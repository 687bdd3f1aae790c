package dto

import (
	"encoding/json"

	"github.com/rostersync/backend/internal/domain/mapping"
)

// ---------------------------------------------------------------------------
// Path parameters
// ---------------------------------------------------------------------------

// IntegrationURI binds /integrations/:integrationId
type IntegrationURI struct {
	IntegrationID string `uri:"integrationId" binding:"required,scopepart"`
}

// EntityScopeURI binds an (integration, entity type) scope
type EntityScopeURI struct {
	IntegrationID string `uri:"integrationId" binding:"required,scopepart"`
	EntityType    string `uri:"entityType" binding:"required,scopepart"`
}

// MappingKeyURI binds the external-side key of a mapping
type MappingKeyURI struct {
	IntegrationID string `uri:"integrationId" binding:"required,scopepart"`
	EntityType    string `uri:"entityType" binding:"required,scopepart"`
	ExternalID    string `uri:"externalId" binding:"required"`
}

// Key converts the path into a mapping key
func (u MappingKeyURI) Key() mapping.Key {
	return mapping.NewKey(u.IntegrationID, mapping.EntityType(u.EntityType), u.ExternalID)
}

// InternalKeyURI binds the internal-side key of a mapping
type InternalKeyURI struct {
	IntegrationID string `uri:"integrationId" binding:"required,scopepart"`
	EntityType    string `uri:"entityType" binding:"required,scopepart"`
	InternalID    string `uri:"internalId" binding:"required"`
}

// ---------------------------------------------------------------------------
// Query parameters
// ---------------------------------------------------------------------------

// PageQuery binds limit and offset
type PageQuery struct {
	Limit  int `form:"limit" binding:"omitempty,min=0,max=1000"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

// Pagination converts the query into a window. An unset limit stays zero so
// the service applies its configured default.
func (q PageQuery) Pagination() mapping.Pagination {
	return mapping.Pagination{Limit: q.Limit, Offset: q.Offset}
}

// ListMappingsQuery binds the listing filters
type ListMappingsQuery struct {
	PageQuery
	SyncStatus  string `form:"sync_status" binding:"omitempty,syncstatus"`
	IncludeData bool   `form:"include_data"`
}

// Filter converts the query into a repository filter
func (q ListMappingsQuery) Filter() mapping.Filter {
	f := mapping.Filter{IncludeData: q.IncludeData}
	if q.SyncStatus != "" {
		status := mapping.SyncStatus(q.SyncStatus)
		f.SyncStatus = &status
	}
	return f
}

// ClearCacheQuery narrows a cache clear to one entity type
type ClearCacheQuery struct {
	EntityType string `form:"entity_type" binding:"omitempty,scopepart"`
}

// ---------------------------------------------------------------------------
// Request bodies
// ---------------------------------------------------------------------------

// UpsertMappingRequest is the body of PUT /integrations/:integrationId/mappings/:entityType/:externalId
type UpsertMappingRequest struct {
	InternalID   string          `json:"internal_id" binding:"required"`
	SyncStatus   string          `json:"sync_status" binding:"omitempty,syncstatus"`
	SyncVersion  int64           `json:"sync_version" binding:"min=0"`
	ExternalData json.RawMessage `json:"external_data"`
	InternalData json.RawMessage `json:"internal_data"`
	Metadata     json.RawMessage `json:"metadata"`

	// ForceRepoint overwrites conflicting correlations; Actor and Reason are audited
	ForceRepoint bool   `json:"force_repoint"`
	Actor        string `json:"actor" binding:"max=255"`
	Reason       string `json:"reason" binding:"max=1024"`
}

// Entry builds the mapping entry addressed by key
func (r UpsertMappingRequest) Entry(key mapping.Key) mapping.Entry {
	return mapping.Entry{
		IntegrationID: key.IntegrationID,
		EntityType:    key.EntityType,
		ExternalID:    key.ExternalID,
		InternalID:    r.InternalID,
		SyncStatus:    mapping.SyncStatus(r.SyncStatus),
		SyncVersion:   r.SyncVersion,
		ExternalData:  r.ExternalData,
		InternalData:  r.InternalData,
		Metadata:      r.Metadata,
	}
}

// UpdateSyncStatusRequest is the body of PATCH .../status
type UpdateSyncStatusRequest struct {
	SyncStatus string `json:"sync_status" binding:"required,syncstatus"`
	Error      string `json:"error" binding:"max=4096"`
}

// BulkMappingItem is one entry of a bulk create. Entries are validated one by
// one by the service so a bad entry is reported without rejecting the batch.
type BulkMappingItem struct {
	EntityType   string          `json:"entity_type"`
	ExternalID   string          `json:"external_id"`
	InternalID   string          `json:"internal_id"`
	SyncStatus   string          `json:"sync_status"`
	SyncVersion  int64           `json:"sync_version"`
	ExternalData json.RawMessage `json:"external_data"`
	InternalData json.RawMessage `json:"internal_data"`
	Metadata     json.RawMessage `json:"metadata"`
}

// BulkCreateRequest is the body of POST .../mappings/bulk
type BulkCreateRequest struct {
	Mappings []BulkMappingItem `json:"mappings" binding:"required"`
}

// Entries scopes every item to the integration
func (r BulkCreateRequest) Entries(integrationID string) []mapping.Entry {
	entries := make([]mapping.Entry, len(r.Mappings))
	for i, m := range r.Mappings {
		entries[i] = mapping.Entry{
			IntegrationID: integrationID,
			EntityType:    mapping.EntityType(m.EntityType),
			ExternalID:    m.ExternalID,
			InternalID:    m.InternalID,
			SyncStatus:    mapping.SyncStatus(m.SyncStatus),
			SyncVersion:   m.SyncVersion,
			ExternalData:  m.ExternalData,
			InternalData:  m.InternalData,
			Metadata:      m.Metadata,
		}
	}
	return entries
}

// BulkLookupRequest is the body of POST .../mappings/lookup/:entityType
type BulkLookupRequest struct {
	ExternalIDs []string `json:"external_ids" binding:"required"`
}

// CleanupOrphanedRequest is the body of POST .../mappings/cleanup-orphaned/:entityType.
// An empty list is valid and removes every mapping of the entity type.
type CleanupOrphanedRequest struct {
	ValidInternalIDs []string `json:"valid_internal_ids" binding:"required"`
}

// ValidateIntegrityRequest is the optional body of POST .../mappings/validate
type ValidateIntegrityRequest struct {
	// LiveInternalIDs lists, per entity type, the internal IDs that still exist
	LiveInternalIDs map[string][]string `json:"live_internal_ids"`
}

// LiveIDs converts the request into the validator's live set; nil means
// dangling references are not checked
func (r ValidateIntegrityRequest) LiveIDs() mapping.LiveIDs {
	if len(r.LiveInternalIDs) == 0 {
		return nil
	}
	live := make(mapping.LiveIDs, len(r.LiveInternalIDs))
	for entityType, ids := range r.LiveInternalIDs {
		for k, v := range mapping.NewLiveIDs(mapping.EntityType(entityType), ids) {
			live[k] = v
		}
	}
	return live
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// MappingLookupResponse is the result of a single-direction lookup
type MappingLookupResponse struct {
	IntegrationID string `json:"integration_id"`
	EntityType    string `json:"entity_type"`
	ExternalID    string `json:"external_id"`
	InternalID    string `json:"internal_id"`
}

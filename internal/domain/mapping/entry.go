package mapping

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// EntityType
// ---------------------------------------------------------------------------

// EntityType is the logical category of a synchronized record.
// The set is open: integrations may introduce their own types.
type EntityType string

const (
	EntityTypeOrganization EntityType = "organization"
	EntityTypeUser         EntityType = "user"
	EntityTypeClass        EntityType = "class"
	EntityTypeEnrollment   EntityType = "enrollment"
)

// IsValid returns true if the entity type can be used as a scope discriminator
func (t EntityType) IsValid() bool {
	return validScopePart(string(t))
}

// String returns the string representation of EntityType
func (t EntityType) String() string {
	return string(t)
}

// ---------------------------------------------------------------------------
// Key
// ---------------------------------------------------------------------------

// Key identifies a mapping by its external side.
type Key struct {
	IntegrationID string
	EntityType    EntityType
	ExternalID    string
}

// NewKey creates a key
func NewKey(integrationID string, entityType EntityType, externalID string) Key {
	return Key{IntegrationID: integrationID, EntityType: entityType, ExternalID: externalID}
}

// Validate validates the key
func (k Key) Validate() error {
	if !validScopePart(k.IntegrationID) {
		return ErrInvalidIntegrationID
	}
	if !k.EntityType.IsValid() {
		return ErrInvalidEntityType
	}
	if k.ExternalID == "" {
		return ErrInvalidExternalID
	}
	return nil
}

// ValidateIntegrationID validates an integration ID on its own
func ValidateIntegrationID(integrationID string) error {
	if !validScopePart(integrationID) {
		return ErrInvalidIntegrationID
	}
	return nil
}

// ValidateScope validates an (integration, entity type) pair
func ValidateScope(integrationID string, entityType EntityType) error {
	if !validScopePart(integrationID) {
		return ErrInvalidIntegrationID
	}
	if !entityType.IsValid() {
		return ErrInvalidEntityType
	}
	return nil
}

// Scope parts end up inside cache key patterns, so ':' would let one
// integration's invalidation pattern match another's keys.
func validScopePart(s string) bool {
	return s != "" && !strings.Contains(s, ":")
}

// ---------------------------------------------------------------------------
// Entry Entity
// ---------------------------------------------------------------------------

// Entry is the durable correlation between an external identifier and an
// internal identifier within one (integration, entity type) scope.
type Entry struct {
	// ID is the row identifier of this mapping
	ID uuid.UUID `json:"id"`
	// IntegrationID is the scope discriminator
	IntegrationID string `json:"integration_id"`
	// EntityType is the logical type of the mapped record
	EntityType EntityType `json:"entity_type"`
	// ExternalID is assigned by the external system
	ExternalID string `json:"external_id"`
	// InternalID is assigned by the internal platform
	InternalID string `json:"internal_id"`
	// SyncStatus is the result of the latest sync pass
	SyncStatus SyncStatus `json:"sync_status"`
	// SyncVersion increases on every update
	SyncVersion int64 `json:"sync_version"`
	// ExternalData is the last-seen external representation
	ExternalData json.RawMessage `json:"external_data,omitempty"`
	// InternalData is the last-seen internal representation
	InternalData json.RawMessage `json:"internal_data,omitempty"`
	// Metadata is free-form diagnostic data
	Metadata json.RawMessage `json:"metadata,omitempty"`
	// LastSyncAt is when the mapping was last synced
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// NewEntry creates a pending mapping
func NewEntry(integrationID string, entityType EntityType, externalID, internalID string) (*Entry, error) {
	e := &Entry{
		IntegrationID: integrationID,
		EntityType:    entityType,
		ExternalID:    externalID,
		InternalID:    internalID,
		SyncStatus:    SyncStatusPending,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Key returns the external-side key of the entry
func (e *Entry) Key() Key {
	return Key{IntegrationID: e.IntegrationID, EntityType: e.EntityType, ExternalID: e.ExternalID}
}

// Validate validates the entry. An empty SyncStatus is accepted and means
// "keep the stored status" on update or pending on create.
func (e *Entry) Validate() error {
	if err := e.Key().Validate(); err != nil {
		return err
	}
	if e.InternalID == "" {
		return ErrInvalidInternalID
	}
	if e.SyncStatus != "" && !e.SyncStatus.IsValid() {
		return ErrInvalidSyncStatus
	}
	if e.SyncVersion < 0 {
		return ErrInvalidSyncVersion
	}
	for _, blob := range []json.RawMessage{e.ExternalData, e.InternalData, e.Metadata} {
		if len(blob) > 0 && !json.Valid(blob) {
			return ErrInvalidPayload
		}
	}
	return nil
}

// Clone returns a deep copy of the entry
func (e *Entry) Clone() *Entry {
	c := *e
	c.ExternalData = cloneRaw(e.ExternalData)
	c.InternalData = cloneRaw(e.InternalData)
	c.Metadata = cloneRaw(e.Metadata)
	if e.LastSyncAt != nil {
		t := *e.LastSyncAt
		c.LastSyncAt = &t
	}
	return &c
}

// WithoutData returns a copy with the snapshot payloads dropped
func (e *Entry) WithoutData() *Entry {
	c := e.Clone()
	c.ExternalData = nil
	c.InternalData = nil
	return c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

// ---------------------------------------------------------------------------
// Write preparation
// ---------------------------------------------------------------------------

// PrepareWrite computes the row to persist when incoming is written over
// stored (nil when the mapping does not exist yet). Identity checks against
// other rows are the store's job; this only applies the per-row rules:
//   - a supplied version lower than the stored one is rejected
//   - the new version is max(stored+1, supplied), or max(1, supplied) on create
//   - a status change must be a legal transition
//   - omitted status, snapshots and metadata keep their stored values
func PrepareWrite(stored, incoming *Entry, now time.Time) (*Entry, error) {
	if err := incoming.Validate(); err != nil {
		return nil, err
	}
	next := incoming.Clone()
	next.UpdatedAt = now

	if stored == nil {
		next.ID = uuid.New()
		next.CreatedAt = now
		next.SyncVersion = max(1, incoming.SyncVersion)
		if next.SyncStatus == "" {
			next.SyncStatus = SyncStatusPending
		}
		return next, nil
	}

	if incoming.SyncVersion > 0 && incoming.SyncVersion < stored.SyncVersion {
		return nil, ErrStaleVersion
	}
	next.ID = stored.ID
	next.CreatedAt = stored.CreatedAt
	next.SyncVersion = max(stored.SyncVersion+1, incoming.SyncVersion)

	if next.SyncStatus == "" {
		next.SyncStatus = stored.SyncStatus
	} else if !stored.SyncStatus.CanTransitionTo(next.SyncStatus) {
		return nil, ErrInvalidStatusTransition
	}
	if next.ExternalData == nil {
		next.ExternalData = cloneRaw(stored.ExternalData)
	}
	if next.InternalData == nil {
		next.InternalData = cloneRaw(stored.InternalData)
	}
	if next.Metadata == nil {
		next.Metadata = cloneRaw(stored.Metadata)
	}
	if next.LastSyncAt == nil && stored.LastSyncAt != nil {
		t := *stored.LastSyncAt
		next.LastSyncAt = &t
	}
	return next, nil
}

package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/rostersync/backend/internal/domain/mapping"
)

// MappingModel is the persistence model for the mapping Entry.
// The two unique indexes enforce the bijection of every (integration, entity type) scope.
type MappingModel struct {
	ID            uuid.UUID          `gorm:"type:uuid;primary_key"`
	IntegrationID string             `gorm:"type:varchar(100);not null;uniqueIndex:uq_mapping_external,priority:1;uniqueIndex:uq_mapping_internal,priority:1"`
	EntityType    mapping.EntityType `gorm:"type:varchar(50);not null;uniqueIndex:uq_mapping_external,priority:2;uniqueIndex:uq_mapping_internal,priority:2"`
	ExternalID    string             `gorm:"type:varchar(255);not null;uniqueIndex:uq_mapping_external,priority:3"`
	InternalID    string             `gorm:"type:varchar(255);not null;uniqueIndex:uq_mapping_internal,priority:3"`
	SyncStatus    mapping.SyncStatus `gorm:"type:varchar(20);not null;default:'pending';index:idx_mapping_status"`
	SyncVersion   int64              `gorm:"not null;default:1"`
	ExternalData  *string            `gorm:"type:jsonb"`
	InternalData  *string            `gorm:"type:jsonb"`
	Metadata      *string            `gorm:"type:jsonb"`
	LastSyncAt    *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (MappingModel) TableName() string {
	return "integration_mappings"
}

// ToDomain converts the persistence model to a domain Entry
func (m *MappingModel) ToDomain() *mapping.Entry {
	return &mapping.Entry{
		ID:            m.ID,
		IntegrationID: m.IntegrationID,
		EntityType:    m.EntityType,
		ExternalID:    m.ExternalID,
		InternalID:    m.InternalID,
		SyncStatus:    m.SyncStatus,
		SyncVersion:   m.SyncVersion,
		ExternalData:  rawFromColumn(m.ExternalData),
		InternalData:  rawFromColumn(m.InternalData),
		Metadata:      rawFromColumn(m.Metadata),
		LastSyncAt:    m.LastSyncAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// FromDomain populates the persistence model from a domain Entry
func (m *MappingModel) FromDomain(e *mapping.Entry) {
	m.ID = e.ID
	m.IntegrationID = e.IntegrationID
	m.EntityType = e.EntityType
	m.ExternalID = e.ExternalID
	m.InternalID = e.InternalID
	m.SyncStatus = e.SyncStatus
	m.SyncVersion = e.SyncVersion
	m.ExternalData = columnFromRaw(e.ExternalData)
	m.InternalData = columnFromRaw(e.InternalData)
	m.Metadata = columnFromRaw(e.Metadata)
	m.LastSyncAt = e.LastSyncAt
	m.CreatedAt = e.CreatedAt
	m.UpdatedAt = e.UpdatedAt
}

// MappingModelFromDomain creates a new persistence model from a domain Entry
func MappingModelFromDomain(e *mapping.Entry) *MappingModel {
	m := &MappingModel{}
	m.FromDomain(e)
	return m
}

// MappingAuditLogModel is the persistence model for a re-point audit record
type MappingAuditLogModel struct {
	ID                 uuid.UUID           `gorm:"type:uuid;primary_key"`
	IntegrationID      string              `gorm:"type:varchar(100);not null;index:idx_mapping_audit_integration,priority:1"`
	EntityType         mapping.EntityType  `gorm:"type:varchar(50);not null"`
	Action             mapping.AuditAction `gorm:"type:varchar(20);not null"`
	ExternalID         string              `gorm:"type:varchar(255);not null"`
	InternalID         string              `gorm:"type:varchar(255);not null"`
	PreviousExternalID string              `gorm:"type:varchar(255);not null"`
	PreviousInternalID string              `gorm:"type:varchar(255);not null"`
	Actor              string              `gorm:"type:varchar(100)"`
	Reason             string              `gorm:"type:text"`
	CreatedAt          time.Time           `gorm:"not null;index:idx_mapping_audit_integration,priority:2"`
}

// TableName returns the table name for GORM
func (MappingAuditLogModel) TableName() string {
	return "mapping_audit_logs"
}

// ToDomain converts the persistence model to a domain AuditRecord
func (m *MappingAuditLogModel) ToDomain() mapping.AuditRecord {
	return mapping.AuditRecord{
		ID:                 m.ID,
		IntegrationID:      m.IntegrationID,
		EntityType:         m.EntityType,
		Action:             m.Action,
		ExternalID:         m.ExternalID,
		InternalID:         m.InternalID,
		PreviousExternalID: m.PreviousExternalID,
		PreviousInternalID: m.PreviousInternalID,
		Actor:              m.Actor,
		Reason:             m.Reason,
		CreatedAt:          m.CreatedAt,
	}
}

// MappingAuditLogModelFromDomain creates a new persistence model from a domain AuditRecord
func MappingAuditLogModelFromDomain(r mapping.AuditRecord) *MappingAuditLogModel {
	return &MappingAuditLogModel{
		ID:                 r.ID,
		IntegrationID:      r.IntegrationID,
		EntityType:         r.EntityType,
		Action:             r.Action,
		ExternalID:         r.ExternalID,
		InternalID:         r.InternalID,
		PreviousExternalID: r.PreviousExternalID,
		PreviousInternalID: r.PreviousInternalID,
		Actor:              r.Actor,
		Reason:             r.Reason,
		CreatedAt:          r.CreatedAt,
	}
}

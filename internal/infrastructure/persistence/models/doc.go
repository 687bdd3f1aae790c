// Package models holds the GORM rows of the mapping store. Domain types in
// internal/domain/mapping carry no ORM tags; each model converts to and from
// its domain counterpart with ToDomain and FromDomain.
//
//   - mapping.go: integration_mappings and mapping_audit_logs rows
//   - jsonb.go: nullable JSON document columns
package models

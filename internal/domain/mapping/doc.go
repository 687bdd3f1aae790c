// Package mapping contains the External ID Mapping bounded context.
// It correlates identifiers minted by external roster systems (SIS, LMS,
// gradebooks) with the identifiers of records on the internal platform.
//
// Key concepts:
//   - Entry: one (integration, entity type, external ID) to internal ID correlation
//   - Repository: durable store port, the source of truth for every correlation
//   - Cache: look-aside, write-through cache port with three key projections
//   - IntegrityValidator: batch detector for bijection and dangling-reference violations
//
// Design Pattern: Ports & Adapters
//   - Ports (interfaces) are defined here in the domain layer
//   - Adapters (implementations) are in the infrastructure layer
package mapping

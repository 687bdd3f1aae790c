package mapping

import (
	"errors"

	"github.com/rostersync/backend/internal/domain/shared"
)

// ---------------------------------------------------------------------------
// Mapping Errors
// ---------------------------------------------------------------------------

var (
	// Lookup errors
	ErrMappingNotFound = shared.ErrNotFound.WithMessage("mapping: not found")

	// Bijection and version errors
	ErrExternalIDTaken = shared.ErrConstraintViolation.WithMessage("mapping: external ID already mapped to a different internal ID")
	ErrInternalIDTaken = shared.ErrConstraintViolation.WithMessage("mapping: internal ID already mapped to a different external ID")
	ErrDuplicateKey    = shared.ErrConstraintViolation.WithMessage("mapping: unique constraint violated")
	ErrStaleVersion    = shared.ErrConstraintViolation.WithMessage("mapping: sync version is older than the stored version")

	// State errors
	ErrInvalidStatusTransition = shared.ErrInvalidState.WithMessage("mapping: invalid sync status transition")

	// Validation errors
	ErrInvalidIntegrationID = shared.ErrValidation.WithMessage("mapping: integration ID is required and must not contain ':'")
	ErrInvalidEntityType    = shared.ErrValidation.WithMessage("mapping: entity type is required and must not contain ':'")
	ErrInvalidExternalID    = shared.ErrValidation.WithMessage("mapping: external ID is required")
	ErrInvalidInternalID    = shared.ErrValidation.WithMessage("mapping: internal ID is required")
	ErrInvalidSyncStatus    = shared.ErrValidation.WithMessage("mapping: invalid sync status")
	ErrInvalidSyncVersion   = shared.ErrValidation.WithMessage("mapping: sync version must not be negative")
	ErrInvalidPayload       = shared.ErrValidation.WithMessage("mapping: snapshot payload is not valid JSON")
	ErrBulkTooLarge         = shared.ErrValidation.WithMessage("mapping: too many entries in one bulk request")
	ErrEmptyBulk            = shared.ErrValidation.WithMessage("mapping: bulk request has no entries")

	// Feature errors
	ErrExportDisabled = shared.ErrInvalidState.WithMessage("mapping: export archive is not configured")

	// Backend errors
	ErrStoreUnavailable = shared.ErrStoreUnavailable.WithMessage("mapping: store unavailable")
	ErrCacheDegraded    = shared.ErrCacheDegraded.WithMessage("mapping: cache degraded")
)

// IsNotFound reports whether err means the mapping does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, shared.ErrNotFound)
}

package mapping

import (
	"encoding/json"
	"time"
)

// ---------------------------------------------------------------------------
// SyncStatus
// ---------------------------------------------------------------------------

// SyncStatus represents the synchronization status of a mapping
type SyncStatus string

const (
	// SyncStatusPending indicates a sync is scheduled
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSynced indicates the last sync succeeded
	SyncStatusSynced SyncStatus = "synced"
	// SyncStatusConflict indicates divergent snapshots were detected
	SyncStatusConflict SyncStatus = "conflict"
	// SyncStatusError indicates the last sync attempt failed
	SyncStatusError SyncStatus = "error"
)

// AllSyncStatuses lists every status in display order
var AllSyncStatuses = []SyncStatus{SyncStatusPending, SyncStatusSynced, SyncStatusConflict, SyncStatusError}

// IsValid returns true if the status is valid
func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSynced, SyncStatusConflict, SyncStatusError:
		return true
	default:
		return false
	}
}

// String returns the string representation of SyncStatus
func (s SyncStatus) String() string {
	return string(s)
}

// CanTransitionTo reports whether a mapping may move from s to next.
// There is no terminal state; every status can eventually be re-synced.
func (s SyncStatus) CanTransitionTo(next SyncStatus) bool {
	if !next.IsValid() {
		return false
	}
	if s == next || next == SyncStatusError {
		return true
	}
	switch s {
	case SyncStatusPending:
		return next == SyncStatusSynced
	case SyncStatusSynced:
		return next == SyncStatusConflict
	case SyncStatusConflict:
		return next == SyncStatusSynced
	case SyncStatusError:
		return next == SyncStatusPending
	}
	return false
}

// TransitionTo moves the entry to a new status, stamping LastSyncAt.
// For the error status, errMsg is recorded under metadata.last_error;
// any other status clears it.
func (e *Entry) TransitionTo(next SyncStatus, errMsg string, now time.Time) error {
	if !next.IsValid() {
		return ErrInvalidSyncStatus
	}
	if !e.SyncStatus.CanTransitionTo(next) {
		return ErrInvalidStatusTransition
	}
	meta := map[string]any{}
	if len(e.Metadata) > 0 {
		// Non-object metadata is replaced rather than rejected
		_ = json.Unmarshal(e.Metadata, &meta)
		if meta == nil {
			meta = map[string]any{}
		}
	}
	if next == SyncStatusError {
		meta["last_error"] = errMsg
	} else {
		delete(meta, "last_error")
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return ErrInvalidPayload
	}
	e.Metadata = raw
	e.SyncStatus = next
	e.LastSyncAt = &now
	e.UpdatedAt = now
	return nil
}

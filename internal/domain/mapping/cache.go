package mapping

import (
	"context"
	"time"
)

// CacheStats is a snapshot of cache effectiveness counters
type CacheStats struct {
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	Errors     int64         `json:"errors"`
	HitRate    float64       `json:"hit_rate"`
	MissRate   float64       `json:"miss_rate"`
	AvgLatency time.Duration `json:"avg_latency_ns"`
	Operations int64         `json:"operations"`
}

// KeyCount is the number of cached records per scope
type KeyCount struct {
	IntegrationID string     `json:"integration_id"`
	EntityType    EntityType `json:"entity_type"`
	Keys          int64      `json:"keys"`
}

// BulkSetResult reports the chunked outcome of a bulk cache write
type BulkSetResult struct {
	Written      int      `json:"written"`
	Chunks       int      `json:"chunks"`
	FailedChunks int      `json:"failed_chunks"`
	Errors       []string `json:"errors,omitempty"`
}

// Cache is the look-aside, write-through cache port.
//
// Reads never fail: a backend or decoding error is recorded in the stats
// and reported as a miss. Writes return an error wrapping ErrCacheDegraded
// so callers can log it; callers must never surface it as an operation failure.
type Cache interface {
	// GetInternalID reads the external-to-internal projection
	GetInternalID(ctx context.Context, key Key) (string, bool)

	// GetExternalID reads the internal-to-external projection
	GetExternalID(ctx context.Context, integrationID string, entityType EntityType, internalID string) (string, bool)

	// GetEntry reads the full record projection
	GetEntry(ctx context.Context, key Key) (*Entry, bool)

	// GetBulk reads many full records in one round-trip; misses are absent
	GetBulk(ctx context.Context, keys []Key) map[Key]*Entry

	// Set writes all three projections atomically and clears any delete tombstone.
	// A zero ttl means the configured default.
	Set(ctx context.Context, entry *Entry, ttl time.Duration) error

	// SetBulk writes entries in bounded chunks; each chunk succeeds or fails on its own
	SetBulk(ctx context.Context, entries []Entry, ttl time.Duration) BulkSetResult

	// Populate fills the projections that are missing unless the mapping was
	// deleted recently. Existing projections are never overwritten.
	// It reports whether anything was written.
	Populate(ctx context.Context, entry *Entry, ttl time.Duration) (bool, error)

	// Delete removes all three projections of entry and leaves a tombstone
	Delete(ctx context.Context, entry *Entry) error

	// DeleteByExternal removes the projections of whatever the cache holds for key
	DeleteByExternal(ctx context.Context, key Key) error

	// ClearForIntegration removes every key of an integration
	ClearForIntegration(ctx context.Context, integrationID string) (int64, error)

	// ClearForEntityType removes every key of one scope
	ClearForEntityType(ctx context.Context, integrationID string, entityType EntityType) (int64, error)

	// ClearAll removes every key under the cache prefix
	ClearAll(ctx context.Context) (int64, error)

	// Stats returns the effectiveness counters
	Stats() CacheStats

	// KeyCounts counts cached records per entity type for an integration
	KeyCounts(ctx context.Context, integrationID string) ([]KeyCount, error)

	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error

	// Close releases the backend connection if the cache owns it
	Close() error
}

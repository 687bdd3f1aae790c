package mapping

import (
	"time"

	"github.com/rostersync/backend/internal/domain/mapping"
)

// MaxBulkSize bounds the number of entries accepted by one bulk call
const MaxBulkSize = 1000

// UpsertCommand is the input of CreateOrUpdateMapping
type UpsertCommand struct {
	Entry mapping.Entry
	// ForceRepoint overwrites conflicting correlations instead of rejecting the write
	ForceRepoint bool
	// Actor and Reason are recorded in the audit trail of a re-point
	Actor  string
	Reason string
}

// UpsertResult is the outcome of CreateOrUpdateMapping
type UpsertResult struct {
	Entry     *mapping.Entry  `json:"mapping"`
	Created   bool            `json:"created"`
	Repointed bool            `json:"repointed"`
	Displaced []mapping.Entry `json:"displaced,omitempty"`
}

// BulkLookupResult is the outcome of BulkMapExternalToInternal
type BulkLookupResult struct {
	// Mappings maps every resolved external ID to its internal ID
	Mappings  map[string]string `json:"mappings"`
	Missing   []string          `json:"missing"`
	CacheHits int               `json:"cache_hits"`
	StoreHits int               `json:"store_hits"`
}

// BulkCreateResult is the per-entry outcome of BulkCreateMappings
type BulkCreateResult struct {
	Created      int                   `json:"created"`
	Updated      int                   `json:"updated"`
	Errors       int                   `json:"errors"`
	ErrorDetails []mapping.BulkError   `json:"error_details"`
	Cache        mapping.BulkSetResult `json:"cache"`
}

// CleanupResult is the outcome of CleanupOrphanedMappings
type CleanupResult struct {
	Scanned int      `json:"scanned"`
	Deleted int      `json:"deleted"`
	Failed  int      `json:"failed"`
	Errors  []string `json:"errors,omitempty"`
}

// TeardownResult is the outcome of DeleteIntegration
type TeardownResult struct {
	Deleted          int64 `json:"deleted"`
	CacheKeysCleared int64 `json:"cache_keys_cleared"`
	CacheDegraded    bool  `json:"cache_degraded"`
}

// ClearCacheResult is the outcome of a cache invalidation
type ClearCacheResult struct {
	Deleted  int64  `json:"deleted"`
	Degraded bool   `json:"degraded"`
	Error    string `json:"error,omitempty"`
}

// ExportResult describes an archived export
type ExportResult struct {
	ObjectKey string `json:"object_key"`
	Count     int    `json:"count"`
	Bytes     int    `json:"bytes"`
}

// StatsReport is the operational summary of one integration
type StatsReport struct {
	IntegrationID string                `json:"integration_id"`
	Total         int64                 `json:"total"`
	ByStatus      []mapping.StatusCount `json:"by_status"`
	CacheKeys     []mapping.KeyCount    `json:"cache_keys"`
	Cache         mapping.CacheStats    `json:"cache"`
	CacheDegraded bool                  `json:"cache_degraded"`
}

// StoreStats summarizes store calls made by the service
type StoreStats struct {
	Operations int64         `json:"operations"`
	Errors     int64         `json:"errors"`
	AvgLatency time.Duration `json:"avg_latency_ns"`
}

// PopulatorStats summarizes background cache population
type PopulatorStats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	QueueSize  int   `json:"queue_size"`
	Enqueued   int64 `json:"enqueued"`
	Written    int64 `json:"written"`
	Skipped    int64 `json:"skipped"`
	Expired    int64 `json:"expired"`
	Dropped    int64 `json:"dropped"`
	Failed     int64 `json:"failed"`
}

// PerformanceReport is the latency and backlog view of the service
type PerformanceReport struct {
	Cache     mapping.CacheStats `json:"cache"`
	Store     StoreStats         `json:"store"`
	Populator PopulatorStats     `json:"populator"`
}

// Health states
const (
	HealthHealthy   = "healthy"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

// HealthReport is the reachability of the backing services
type HealthReport struct {
	Status     string `json:"status"`
	Store      string `json:"store"`
	Cache      string `json:"cache"`
	StoreError string `json:"store_error,omitempty"`
	CacheError string `json:"cache_error,omitempty"`
}

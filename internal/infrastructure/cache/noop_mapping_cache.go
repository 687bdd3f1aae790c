package cache

import (
	"context"
	"time"

	"github.com/rostersync/backend/internal/domain/mapping"
)

// NoopMappingCache is used when the mapping cache is disabled. Every read
// misses and every write succeeds without effect.
type NoopMappingCache struct {
	stats statsRecorder
}

// NewNoopMappingCache creates a disabled cache
func NewNoopMappingCache() *NoopMappingCache {
	return &NoopMappingCache{}
}

func (c *NoopMappingCache) miss() {
	c.stats.observe(time.Now(), 0, 1)
}

func (c *NoopMappingCache) GetInternalID(context.Context, mapping.Key) (string, bool) {
	c.miss()
	return "", false
}

func (c *NoopMappingCache) GetExternalID(context.Context, string, mapping.EntityType, string) (string, bool) {
	c.miss()
	return "", false
}

func (c *NoopMappingCache) GetEntry(context.Context, mapping.Key) (*mapping.Entry, bool) {
	c.miss()
	return nil, false
}

func (c *NoopMappingCache) GetBulk(_ context.Context, keys []mapping.Key) map[mapping.Key]*mapping.Entry {
	if len(keys) > 0 {
		c.stats.observe(time.Now(), 0, int64(len(keys)))
	}
	return map[mapping.Key]*mapping.Entry{}
}

func (c *NoopMappingCache) Set(context.Context, *mapping.Entry, time.Duration) error { return nil }

func (c *NoopMappingCache) SetBulk(_ context.Context, entries []mapping.Entry, _ time.Duration) mapping.BulkSetResult {
	return mapping.BulkSetResult{}
}

func (c *NoopMappingCache) Populate(context.Context, *mapping.Entry, time.Duration) (bool, error) {
	return false, nil
}

func (c *NoopMappingCache) Delete(context.Context, *mapping.Entry) error { return nil }

func (c *NoopMappingCache) DeleteByExternal(context.Context, mapping.Key) error { return nil }

func (c *NoopMappingCache) ClearForIntegration(context.Context, string) (int64, error) { return 0, nil }

func (c *NoopMappingCache) ClearForEntityType(context.Context, string, mapping.EntityType) (int64, error) {
	return 0, nil
}

func (c *NoopMappingCache) ClearAll(context.Context) (int64, error) { return 0, nil }

func (c *NoopMappingCache) Stats() mapping.CacheStats { return c.stats.snapshot() }

func (c *NoopMappingCache) KeyCounts(context.Context, string) ([]mapping.KeyCount, error) {
	return []mapping.KeyCount{}, nil
}

func (c *NoopMappingCache) Ping(context.Context) error { return nil }

func (c *NoopMappingCache) Close() error { return nil }

var _ mapping.Cache = (*NoopMappingCache)(nil)

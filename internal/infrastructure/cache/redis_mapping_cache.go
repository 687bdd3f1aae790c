package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/infrastructure/config"
	"github.com/rostersync/backend/internal/infrastructure/logger"
)

// Defaults used when the cache config leaves a field empty
const (
	DefaultKeyPrefix     = "integration_mappings"
	DefaultTTL           = time.Hour
	DefaultTombstoneTTL  = 30 * time.Second
	DefaultBatchSize     = 100
	defaultScanBatchSize = 100
)

// populateScript fills missing projections from a store read. It writes
// nothing while a tombstone of either ID or a fence over the scope exists,
// or when a cached projection already names a different counterpart. NX
// keeps projections written by a concurrent write-through.
//
// KEYS: ext tombstone, int tombstone, integration fence, entity type fence,
// global fence, record, ext_to_int, int_to_ext
// ARGV: record value, internal value, external value, ttl in ms
var populateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1], KEYS[2], KEYS[3], KEYS[4], KEYS[5]) > 0 then
  return 0
end
local internal = redis.call('GET', KEYS[7])
if internal and internal ~= ARGV[2] then
  return 0
end
local external = redis.call('GET', KEYS[8])
if external and external ~= ARGV[3] then
  return 0
end
local written = 0
if redis.call('SET', KEYS[6], ARGV[1], 'PX', ARGV[4], 'NX') then written = written + 1 end
if redis.call('SET', KEYS[7], ARGV[2], 'PX', ARGV[4], 'NX') then written = written + 1 end
if redis.call('SET', KEYS[8], ARGV[3], 'PX', ARGV[4], 'NX') then written = written + 1 end
return written
`)

// RedisMappingCache implements mapping.Cache on Redis with three key
// families per mapping. Deletes leave short-lived tombstones on both IDs and
// pattern clears leave a fence on the cleared scope; both only hold back
// background population.
type RedisMappingCache struct {
	client     *redis.Client
	ownsClient bool
	keys       keyBuilder
	codec      *Codec
	stats      statsRecorder
	logger     *zap.Logger

	defaultTTL   time.Duration
	tombstoneTTL time.Duration
	batchSize    int
}

// RedisMappingCacheOption configures a RedisMappingCache
type RedisMappingCacheOption func(*RedisMappingCache)

// WithCacheLogger sets the logger for the cache
func WithCacheLogger(l *zap.Logger) RedisMappingCacheOption {
	return func(c *RedisMappingCache) {
		c.logger = l.Named("mapping_cache")
	}
}

// NewRedisClient builds a go-redis client from config with retry and pool settings
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:            cfg.Addr(),
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		PoolSize:        cfg.PoolSize,
	})
}

// NewRedisMappingCache connects to Redis and applies the memory budget.
// The returned cache owns the client.
func NewRedisMappingCache(redisCfg config.RedisConfig, cacheCfg config.MappingCacheConfig, opts ...RedisMappingCacheOption) (*RedisMappingCache, error) {
	client := NewRedisClient(redisCfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	c, err := newRedisMappingCache(client, cacheCfg, opts...)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	c.ownsClient = true

	if cacheCfg.MaxMemory != "" {
		// Managed Redis offerings often forbid CONFIG, so this is best-effort
		if err := client.ConfigSet(ctx, "maxmemory", cacheCfg.MaxMemory).Err(); err != nil {
			c.logger.Warn("Could not apply Redis maxmemory",
				zap.String("max_memory", cacheCfg.MaxMemory),
				zap.Error(err))
		}
	}

	return c, nil
}

// NewRedisMappingCacheWithClient creates a cache on an existing client.
// The caller retains ownership of the client and is responsible for closing it.
func NewRedisMappingCacheWithClient(client *redis.Client, cacheCfg config.MappingCacheConfig, opts ...RedisMappingCacheOption) (*RedisMappingCache, error) {
	return newRedisMappingCache(client, cacheCfg, opts...)
}

func newRedisMappingCache(client *redis.Client, cacheCfg config.MappingCacheConfig, opts ...RedisMappingCacheOption) (*RedisMappingCache, error) {
	codec, err := NewCodec(cacheCfg.Compression, cacheCfg.CompressionMinBytes)
	if err != nil {
		return nil, err
	}

	c := &RedisMappingCache{
		client:       client,
		keys:         newKeyBuilder(cacheCfg.KeyPrefix),
		codec:        codec,
		logger:       zap.NewNop(),
		defaultTTL:   cacheCfg.DefaultTTL,
		tombstoneTTL: cacheCfg.TombstoneTTL,
		batchSize:    cacheCfg.BatchSize,
	}
	if c.defaultTTL <= 0 {
		c.defaultTTL = DefaultTTL
	}
	if c.tombstoneTTL <= 0 {
		c.tombstoneTTL = DefaultTombstoneTTL
	}
	if c.batchSize <= 0 {
		c.batchSize = DefaultBatchSize
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

// GetInternalID implements mapping.Cache
func (c *RedisMappingCache) GetInternalID(ctx context.Context, key mapping.Key) (string, bool) {
	value, ok := c.getString(ctx, c.keys.extToInt(key))
	return value, ok
}

// GetExternalID implements mapping.Cache
func (c *RedisMappingCache) GetExternalID(ctx context.Context, integrationID string, entityType mapping.EntityType, internalID string) (string, bool) {
	value, ok := c.getString(ctx, c.keys.intToExt(integrationID, entityType, internalID))
	return value, ok
}

// GetEntry implements mapping.Cache
func (c *RedisMappingCache) GetEntry(ctx context.Context, key mapping.Key) (*mapping.Entry, bool) {
	start := time.Now()
	cacheKey := c.keys.record(key)

	raw, err := c.client.Get(ctx, cacheKey).Bytes()
	if err != nil {
		c.readFailed(start, cacheKey, err)
		return nil, false
	}
	entry, err := c.decodeEntry(raw)
	if err != nil {
		c.corrupt(ctx, start, cacheKey, err)
		return nil, false
	}
	c.stats.observe(start, 1, 0)
	return entry, true
}

// GetBulk implements mapping.Cache. All chunks go out in one pipelined round-trip.
func (c *RedisMappingCache) GetBulk(ctx context.Context, keys []mapping.Key) map[mapping.Key]*mapping.Entry {
	result := make(map[mapping.Key]*mapping.Entry, len(keys))
	if len(keys) == 0 {
		return result
	}
	start := time.Now()

	unique := make([]mapping.Key, 0, len(keys))
	seen := make(map[mapping.Key]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		unique = append(unique, k)
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.SliceCmd, 0, len(unique)/c.batchSize+1)
	for from := 0; from < len(unique); from += c.batchSize {
		to := min(from+c.batchSize, len(unique))
		cacheKeys := make([]string, 0, to-from)
		for _, k := range unique[from:to] {
			cacheKeys = append(cacheKeys, c.keys.record(k))
		}
		cmds = append(cmds, pipe.MGet(ctx, cacheKeys...))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.stats.fail()
		c.stats.observe(start, 0, int64(len(unique)))
		c.logger.Warn("Mapping cache bulk read failed", zap.Int("keys", len(unique)), zap.Error(err))
		return result
	}

	idx := 0
	for _, cmd := range cmds {
		for _, v := range cmd.Val() {
			k := unique[idx]
			idx++
			s, ok := v.(string)
			if !ok {
				continue
			}
			entry, err := c.decodeEntry([]byte(s))
			if err != nil {
				c.stats.fail()
				c.logger.Warn("Dropping corrupt mapping cache record", zap.String("key", c.keys.record(k)), zap.Error(err))
				continue
			}
			result[k] = entry
		}
	}

	c.stats.observe(start, int64(len(result)), int64(len(unique)-len(result)))
	return result
}

func (c *RedisMappingCache) getString(ctx context.Context, cacheKey string) (string, bool) {
	start := time.Now()
	raw, err := c.client.Get(ctx, cacheKey).Bytes()
	if err != nil {
		c.readFailed(start, cacheKey, err)
		return "", false
	}
	value, err := c.codec.Decode(raw)
	if err != nil {
		c.corrupt(ctx, start, cacheKey, err)
		return "", false
	}
	c.stats.observe(start, 1, 0)
	return string(value), true
}

func (c *RedisMappingCache) readFailed(start time.Time, cacheKey string, err error) {
	if !errors.Is(err, redis.Nil) {
		c.stats.fail()
		c.logger.Warn("Mapping cache read failed, treating as miss",
			zap.String("key", cacheKey), zap.Error(err))
	}
	c.stats.observe(start, 0, 1)
}

func (c *RedisMappingCache) corrupt(ctx context.Context, start time.Time, cacheKey string, err error) {
	c.stats.fail()
	c.stats.observe(start, 0, 1)
	c.logger.Warn("Dropping corrupt mapping cache value", zap.String("key", cacheKey), zap.Error(err))
	_ = c.client.Del(ctx, cacheKey).Err()
}

func (c *RedisMappingCache) decodeEntry(raw []byte) (*mapping.Entry, error) {
	data, err := c.codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	var entry mapping.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorruptValue, err)
	}
	return &entry, nil
}

// ---------------------------------------------------------------------------
// Writes
// ---------------------------------------------------------------------------

type encodedEntry struct {
	key        mapping.Key
	internalID string
	record     []byte
	internal   []byte
	external   []byte
}

func (c *RedisMappingCache) encode(entry *mapping.Entry) (*encodedEntry, error) {
	if entry == nil {
		return nil, mapping.ErrInvalidPayload
	}
	if err := entry.Key().Validate(); err != nil {
		return nil, err
	}
	if entry.InternalID == "" {
		return nil, mapping.ErrInvalidInternalID
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal mapping: %w", err)
	}
	return &encodedEntry{
		key:        entry.Key(),
		internalID: entry.InternalID,
		record:     c.codec.Encode(data),
		internal:   c.codec.Encode([]byte(entry.InternalID)),
		external:   c.codec.Encode([]byte(entry.ExternalID)),
	}, nil
}

func (c *RedisMappingCache) queueSet(ctx context.Context, pipe redis.Pipeliner, e *encodedEntry, ttl time.Duration) {
	pipe.Set(ctx, c.keys.extToInt(e.key), e.internal, ttl)
	pipe.Set(ctx, c.keys.intToExt(e.key.IntegrationID, e.key.EntityType, e.internalID), e.external, ttl)
	pipe.Set(ctx, c.keys.record(e.key), e.record, ttl)
	pipe.Del(ctx, c.keys.tombstone(e.key), c.keys.intTombstone(e.key.IntegrationID, e.key.EntityType, e.internalID))
}

func (c *RedisMappingCache) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.defaultTTL
	}
	return ttl
}

// Set implements mapping.Cache
func (c *RedisMappingCache) Set(ctx context.Context, entry *mapping.Entry, ttl time.Duration) error {
	e, err := c.encode(entry)
	if err != nil {
		return err
	}

	pipe := c.client.TxPipeline()
	c.queueSet(ctx, pipe, e, c.ttl(ttl))
	if _, err := pipe.Exec(ctx); err != nil {
		c.stats.fail()
		return mapping.ErrCacheDegraded.Wrap(err)
	}

	c.logger.Debug("Cached mapping",
		logger.IntegrationID(entry.IntegrationID),
		logger.EntityType(entry.EntityType.String()),
		logger.ExternalID(entry.ExternalID))
	return nil
}

// SetBulk implements mapping.Cache
func (c *RedisMappingCache) SetBulk(ctx context.Context, entries []mapping.Entry, ttl time.Duration) mapping.BulkSetResult {
	var result mapping.BulkSetResult
	ttl = c.ttl(ttl)

	for from := 0; from < len(entries); from += c.batchSize {
		to := min(from+c.batchSize, len(entries))
		chunk := result.Chunks
		result.Chunks++

		pipe := c.client.TxPipeline()
		queued := 0
		for i := from; i < to; i++ {
			e, err := c.encode(&entries[i])
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("entry %d: %v", i, err))
				continue
			}
			c.queueSet(ctx, pipe, e, ttl)
			queued++
		}
		if queued == 0 {
			continue
		}
		if _, err := pipe.Exec(ctx); err != nil {
			c.stats.fail()
			result.FailedChunks++
			result.Errors = append(result.Errors, fmt.Sprintf("chunk %d: %v", chunk, err))
			c.logger.Warn("Mapping cache bulk chunk failed",
				zap.Int("chunk", chunk), zap.Int("entries", queued), zap.Error(err))
			continue
		}
		result.Written += queued
	}
	return result
}

// Populate implements mapping.Cache
func (c *RedisMappingCache) Populate(ctx context.Context, entry *mapping.Entry, ttl time.Duration) (bool, error) {
	e, err := c.encode(entry)
	if err != nil {
		return false, err
	}

	keys := []string{
		c.keys.tombstone(e.key),
		c.keys.intTombstone(e.key.IntegrationID, e.key.EntityType, e.internalID),
		c.keys.integrationFence(e.key.IntegrationID),
		c.keys.entityTypeFence(e.key.IntegrationID, e.key.EntityType),
		c.keys.globalFence(),
		c.keys.record(e.key),
		c.keys.extToInt(e.key),
		c.keys.intToExt(e.key.IntegrationID, e.key.EntityType, e.internalID),
	}
	written, err := populateScript.Run(ctx, c.client, keys,
		e.record, e.internal, e.external, c.ttl(ttl).Milliseconds()).Int()
	if err != nil {
		c.stats.fail()
		return false, mapping.ErrCacheDegraded.Wrap(err)
	}
	return written > 0, nil
}

// Delete implements mapping.Cache
func (c *RedisMappingCache) Delete(ctx context.Context, entry *mapping.Entry) error {
	if entry == nil {
		return nil
	}
	key := entry.Key()

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.keys.extToInt(key), c.keys.record(key))
	if entry.InternalID != "" {
		pipe.Del(ctx, c.keys.intToExt(key.IntegrationID, key.EntityType, entry.InternalID))
		pipe.Set(ctx, c.keys.intTombstone(key.IntegrationID, key.EntityType, entry.InternalID), "1", c.tombstoneTTL)
	}
	pipe.Set(ctx, c.keys.tombstone(key), "1", c.tombstoneTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.stats.fail()
		return mapping.ErrCacheDegraded.Wrap(err)
	}
	return nil
}

// DeleteByExternal implements mapping.Cache. Both the ext_to_int value and the
// cached record may name an internal ID; every one of them is removed.
func (c *RedisMappingCache) DeleteByExternal(ctx context.Context, key mapping.Key) error {
	internalIDs := make(map[string]struct{}, 2)

	raw, err := c.client.Get(ctx, c.keys.extToInt(key)).Bytes()
	switch {
	case err == nil:
		if v, derr := c.codec.Decode(raw); derr == nil {
			internalIDs[string(v)] = struct{}{}
		}
	case !errors.Is(err, redis.Nil):
		c.stats.fail()
		return mapping.ErrCacheDegraded.Wrap(err)
	}

	raw, err = c.client.Get(ctx, c.keys.record(key)).Bytes()
	switch {
	case err == nil:
		if entry, derr := c.decodeEntry(raw); derr == nil && entry.InternalID != "" {
			internalIDs[entry.InternalID] = struct{}{}
		}
	case !errors.Is(err, redis.Nil):
		c.stats.fail()
		return mapping.ErrCacheDegraded.Wrap(err)
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.keys.extToInt(key), c.keys.record(key))
	for id := range internalIDs {
		pipe.Del(ctx, c.keys.intToExt(key.IntegrationID, key.EntityType, id))
		pipe.Set(ctx, c.keys.intTombstone(key.IntegrationID, key.EntityType, id), "1", c.tombstoneTTL)
	}
	pipe.Set(ctx, c.keys.tombstone(key), "1", c.tombstoneTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.stats.fail()
		return mapping.ErrCacheDegraded.Wrap(err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Invalidation
// ---------------------------------------------------------------------------

// ClearForIntegration implements mapping.Cache
func (c *RedisMappingCache) ClearForIntegration(ctx context.Context, integrationID string) (int64, error) {
	n, err := c.fencedClear(ctx, c.keys.integrationFence(integrationID), c.keys.integrationPatterns(integrationID)...)
	if err == nil {
		c.logger.Info("Cleared mapping cache for integration",
			logger.IntegrationID(integrationID), zap.Int64("deleted_count", n))
	}
	return n, err
}

// ClearForEntityType implements mapping.Cache
func (c *RedisMappingCache) ClearForEntityType(ctx context.Context, integrationID string, entityType mapping.EntityType) (int64, error) {
	n, err := c.fencedClear(ctx, c.keys.entityTypeFence(integrationID, entityType),
		c.keys.entityTypePatterns(integrationID, entityType)...)
	if err == nil {
		c.logger.Info("Cleared mapping cache for entity type",
			logger.IntegrationID(integrationID), logger.EntityType(entityType.String()),
			zap.Int64("deleted_count", n))
	}
	return n, err
}

// ClearAll implements mapping.Cache
func (c *RedisMappingCache) ClearAll(ctx context.Context) (int64, error) {
	n, err := c.fencedClear(ctx, c.keys.globalFence(), c.keys.allPatterns()...)
	if err == nil {
		c.logger.Info("Cleared entire mapping cache", zap.Int64("deleted_count", n))
	}
	return n, err
}

// fencedClear raises the fence before scanning, so a population that runs
// during or shortly after the scan cannot restore what the scan removed.
// Write-through sets ignore fences.
func (c *RedisMappingCache) fencedClear(ctx context.Context, fence string, patterns ...string) (int64, error) {
	if err := c.client.Set(ctx, fence, "1", c.tombstoneTTL).Err(); err != nil {
		c.stats.fail()
		return 0, mapping.ErrCacheDegraded.Wrap(fmt.Errorf("set fence: %w", err))
	}
	return c.scanDelete(ctx, patterns...)
}

// scanDelete uses SCAN so large keyspaces never block Redis the way KEYS would
func (c *RedisMappingCache) scanDelete(ctx context.Context, patterns ...string) (int64, error) {
	var deleted int64
	for _, pattern := range patterns {
		var cursor uint64
		for {
			keys, next, err := c.client.Scan(ctx, cursor, pattern, defaultScanBatchSize).Result()
			if err != nil {
				c.stats.fail()
				return deleted, mapping.ErrCacheDegraded.Wrap(fmt.Errorf("scan %s: %w", pattern, err))
			}
			if len(keys) > 0 {
				n, err := c.client.Del(ctx, keys...).Result()
				if err != nil {
					c.stats.fail()
					return deleted, mapping.ErrCacheDegraded.Wrap(fmt.Errorf("delete keys: %w", err))
				}
				deleted += n
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	return deleted, nil
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

// Stats implements mapping.Cache
func (c *RedisMappingCache) Stats() mapping.CacheStats {
	return c.stats.snapshot()
}

// KeyCounts implements mapping.Cache by scanning the record family
func (c *RedisMappingCache) KeyCounts(ctx context.Context, integrationID string) ([]mapping.KeyCount, error) {
	counts := make(map[mapping.EntityType]int64)
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.keys.recordPattern(integrationID), defaultScanBatchSize).Result()
		if err != nil {
			c.stats.fail()
			return nil, mapping.ErrCacheDegraded.Wrap(err)
		}
		for _, k := range keys {
			if t, ok := c.keys.entityTypeOfRecord(integrationID, k); ok {
				counts[t]++
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	result := make([]mapping.KeyCount, 0, len(counts))
	for t, n := range counts {
		result = append(result, mapping.KeyCount{IntegrationID: integrationID, EntityType: t, Keys: n})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EntityType < result[j].EntityType })
	return result, nil
}

// Ping implements mapping.Cache
func (c *RedisMappingCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return mapping.ErrCacheDegraded.Wrap(err)
	}
	return nil
}

// Close releases the codec and, if owned, the client
func (c *RedisMappingCache) Close() error {
	c.codec.Close()
	if c.ownsClient {
		return c.client.Close()
	}
	return nil
}

// GetClient returns the underlying Redis client (for testing/monitoring)
func (c *RedisMappingCache) GetClient() *redis.Client {
	return c.client
}

var _ mapping.Cache = (*RedisMappingCache)(nil)

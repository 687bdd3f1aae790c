package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/domain/shared"
	"github.com/rostersync/backend/internal/infrastructure/config"
)

func testCacheConfig() config.MappingCacheConfig {
	return config.MappingCacheConfig{
		Enabled:             true,
		KeyPrefix:           "maps",
		DefaultTTL:          time.Hour,
		TombstoneTTL:        30 * time.Second,
		BatchSize:           2,
		CompressionMinBytes: 64,
	}
}

func setupMappingCache(t *testing.T, mutate ...func(*config.MappingCacheConfig)) (*RedisMappingCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	cfg := testCacheConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := NewRedisMappingCacheWithClient(client, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func cachedEntry(integrationID string, entityType mapping.EntityType, ext, internal string) *mapping.Entry {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &mapping.Entry{
		ID:            uuid.New(),
		IntegrationID: integrationID,
		EntityType:    entityType,
		ExternalID:    ext,
		InternalID:    internal,
		SyncStatus:    mapping.SyncStatusSynced,
		SyncVersion:   1,
		ExternalData:  json.RawMessage(`{"name":"Ada"}`),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestRedisMappingCache_SetAndGet(t *testing.T) {
	c, mr := setupMappingCache(t)
	ctx := context.Background()
	e := cachedEntry("timeback", mapping.EntityTypeUser, "ext-42", "int-7")

	require.NoError(t, c.Set(ctx, e, 0))

	internal, ok := c.GetInternalID(ctx, e.Key())
	assert.True(t, ok)
	assert.Equal(t, "int-7", internal)

	external, ok := c.GetExternalID(ctx, "timeback", mapping.EntityTypeUser, "int-7")
	assert.True(t, ok)
	assert.Equal(t, "ext-42", external)

	got, ok := c.GetEntry(ctx, e.Key())
	require.True(t, ok)
	assert.Equal(t, e, got)

	assert.Equal(t, time.Hour, mr.TTL("maps:ext_to_int:timeback:user:ext-42"))
	assert.Equal(t, time.Hour, mr.TTL("maps:int_to_ext:timeback:user:int-7"))
	assert.Equal(t, time.Hour, mr.TTL("maps:mapping:timeback:user:ext-42"))

	_, ok = c.GetInternalID(ctx, mapping.NewKey("timeback", mapping.EntityTypeUser, "ext-missing"))
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(4), stats.Operations)
	assert.InDelta(t, 0.75, stats.HitRate, 0.0001)
	assert.InDelta(t, 0.25, stats.MissRate, 0.0001)
}

func TestRedisMappingCache_SetHonorsExplicitTTL(t *testing.T) {
	c, mr := setupMappingCache(t)
	e := cachedEntry("timeback", mapping.EntityTypeUser, "ext-1", "int-1")

	require.NoError(t, c.Set(context.Background(), e, 5*time.Minute))
	assert.Equal(t, 5*time.Minute, mr.TTL("maps:mapping:timeback:user:ext-1"))

	mr.FastForward(6 * time.Minute)
	_, ok := c.GetInternalID(context.Background(), e.Key())
	assert.False(t, ok)
}

func TestRedisMappingCache_SetRejectsInvalidEntry(t *testing.T) {
	c, _ := setupMappingCache(t)

	assert.ErrorIs(t, c.Set(context.Background(), nil, 0), shared.ErrValidation)
	bad := cachedEntry("timeback", mapping.EntityTypeUser, "ext-1", "")
	assert.ErrorIs(t, c.Set(context.Background(), bad, 0), mapping.ErrInvalidInternalID)
}

func TestRedisMappingCache_DeleteRemovesAllProjections(t *testing.T) {
	c, mr := setupMappingCache(t)
	ctx := context.Background()
	e := cachedEntry("timeback", mapping.EntityTypeUser, "ext-42", "int-7")
	require.NoError(t, c.Set(ctx, e, 0))

	require.NoError(t, c.Delete(ctx, e))

	_, ok := c.GetInternalID(ctx, e.Key())
	assert.False(t, ok)
	_, ok = c.GetExternalID(ctx, "timeback", mapping.EntityTypeUser, "int-7")
	assert.False(t, ok)
	_, ok = c.GetEntry(ctx, e.Key())
	assert.False(t, ok)

	assert.True(t, mr.Exists("maps:tombstone:timeback:user:ext-42"))
	assert.Equal(t, 30*time.Second, mr.TTL("maps:tombstone:timeback:user:ext-42"))
	assert.True(t, mr.Exists("maps:tombstone_int:timeback:user:int-7"))
	assert.Equal(t, 30*time.Second, mr.TTL("maps:tombstone_int:timeback:user:int-7"))
	assert.NoError(t, c.Delete(ctx, nil))
}

func TestRedisMappingCache_PopulateRespectsTombstone(t *testing.T) {
	c, mr := setupMappingCache(t)
	ctx := context.Background()
	e := cachedEntry("timeback", mapping.EntityTypeUser, "ext-42", "int-7")
	require.NoError(t, c.Set(ctx, e, 0))
	require.NoError(t, c.Delete(ctx, e))

	// A background population that read the store before the delete must not revive it
	written, err := c.Populate(ctx, e, 0)
	require.NoError(t, err)
	assert.False(t, written)
	_, ok := c.GetInternalID(ctx, e.Key())
	assert.False(t, ok)

	mr.FastForward(31 * time.Second)
	written, err = c.Populate(ctx, e, 0)
	require.NoError(t, err)
	assert.True(t, written)

	internal, ok := c.GetInternalID(ctx, e.Key())
	assert.True(t, ok)
	assert.Equal(t, "int-7", internal)
	assert.Equal(t, time.Hour, mr.TTL("maps:int_to_ext:timeback:user:int-7"))
}

func TestRedisMappingCache_SetClearsTombstone(t *testing.T) {
	c, mr := setupMappingCache(t)
	ctx := context.Background()
	e := cachedEntry("timeback", mapping.EntityTypeUser, "ext-42", "int-7")
	require.NoError(t, c.Delete(ctx, e))
	require.True(t, mr.Exists("maps:tombstone:timeback:user:ext-42"))

	require.NoError(t, c.Set(ctx, e, 0))
	assert.False(t, mr.Exists("maps:tombstone:timeback:user:ext-42"))
	assert.False(t, mr.Exists("maps:tombstone_int:timeback:user:int-7"))
}

func TestRedisMappingCache_PopulateAfterRecreateKeepsOldInternalIDGone(t *testing.T) {
	c, mr := setupMappingCache(t)
	ctx := context.Background()
	old := cachedEntry("timeback", mapping.EntityTypeUser, "ext-42", "int-7")
	require.NoError(t, c.Delete(ctx, old))

	// ext-42 is recreated for another internal ID, which clears its own tombstones only
	recreated := cachedEntry("timeback", mapping.EntityTypeUser, "ext-42", "int-9")
	require.NoError(t, c.Set(ctx, recreated, 0))
	require.True(t, mr.Exists("maps:tombstone_int:timeback:user:int-7"))

	written, err := c.Populate(ctx, old, 0)
	require.NoError(t, err)
	assert.False(t, written)
	assert.False(t, mr.Exists("maps:int_to_ext:timeback:user:int-7"))

	internal, ok := c.GetInternalID(ctx, old.Key())
	require.True(t, ok)
	assert.Equal(t, "int-9", internal)
}

func TestRedisMappingCache_PopulateSkipsConflictingProjection(t *testing.T) {
	c, mr := setupMappingCache(t)
	ctx := context.Background()

	t.Run("external side names another internal ID", func(t *testing.T) {
		current := cachedEntry("timeback", mapping.EntityTypeUser, "ext-42", "int-9")
		require.NoError(t, c.Set(ctx, current, 0))
		mr.Del("maps:tombstone_int:timeback:user:int-7")

		written, err := c.Populate(ctx, cachedEntry("timeback", mapping.EntityTypeUser, "ext-42", "int-7"), 0)
		require.NoError(t, err)
		assert.False(t, written)
		assert.False(t, mr.Exists("maps:int_to_ext:timeback:user:int-7"))
	})

	t.Run("internal side names another external ID", func(t *testing.T) {
		current := cachedEntry("timeback", mapping.EntityTypeClass, "c-new", "class-1")
		require.NoError(t, c.Set(ctx, current, 0))

		written, err := c.Populate(ctx, cachedEntry("timeback", mapping.EntityTypeClass, "c-old", "class-1"), 0)
		require.NoError(t, err)
		assert.False(t, written)
		assert.False(t, mr.Exists("maps:ext_to_int:timeback:class:c-old"))
		assert.False(t, mr.Exists("maps:mapping:timeback:class:c-old"))
	})
}

func TestRedisMappingCache_ClearFencesPopulation(t *testing.T) {
	ctx := context.Background()
	e := cachedEntry("timeback", mapping.EntityTypeUser, "ext-1", "int-1")

	tests := []struct {
		name  string
		fence string
		clear func(*RedisMappingCache) (int64, error)
	}{
		{"integration", "maps:fence_integration:timeback", func(c *RedisMappingCache) (int64, error) {
			return c.ClearForIntegration(ctx, "timeback")
		}},
		{"entity type", "maps:fence_entity_type:timeback:user", func(c *RedisMappingCache) (int64, error) {
			return c.ClearForEntityType(ctx, "timeback", mapping.EntityTypeUser)
		}},
		{"all", "maps:fence_all", func(c *RedisMappingCache) (int64, error) {
			return c.ClearAll(ctx)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, mr := setupMappingCache(t)
			require.NoError(t, c.Set(ctx, e, 0))

			_, err := tt.clear(c)
			require.NoError(t, err)
			assert.True(t, mr.Exists(tt.fence))
			assert.Equal(t, 30*time.Second, mr.TTL(tt.fence))

			written, err := c.Populate(ctx, e, 0)
			require.NoError(t, err)
			assert.False(t, written)
			_, ok := c.GetInternalID(ctx, e.Key())
			assert.False(t, ok)

			// Write-through is authoritative and ignores the fence
			require.NoError(t, c.Set(ctx, e, 0))
			_, ok = c.GetInternalID(ctx, e.Key())
			assert.True(t, ok)

			mr.FastForward(31 * time.Second)
			mr.Del("maps:int_to_ext:timeback:user:int-1")
			written, err = c.Populate(ctx, e, 0)
			require.NoError(t, err)
			assert.True(t, written)
		})
	}

	t.Run("other integrations are not fenced", func(t *testing.T) {
		c, _ := setupMappingCache(t)
		_, err := c.ClearForIntegration(ctx, "timeback")
		require.NoError(t, err)

		written, err := c.Populate(ctx, cachedEntry("clever", mapping.EntityTypeUser, "ext-1", "int-1"), 0)
		require.NoError(t, err)
		assert.True(t, written)
	})
}

func TestRedisMappingCache_PopulateKeepsNewerWriteThrough(t *testing.T) {
	c, _ := setupMappingCache(t)
	ctx := context.Background()

	stale := cachedEntry("timeback", mapping.EntityTypeUser, "ext-42", "int-7")
	fresh := stale.Clone()
	fresh.SyncVersion = 2
	fresh.SyncStatus = mapping.SyncStatusConflict
	require.NoError(t, c.Set(ctx, fresh, 0))

	written, err := c.Populate(ctx, stale, 0)
	require.NoError(t, err)
	assert.False(t, written)

	got, ok := c.GetEntry(ctx, stale.Key())
	require.True(t, ok)
	assert.Equal(t, int64(2), got.SyncVersion)
}

func TestRedisMappingCache_PopulateRefillsEvictedProjection(t *testing.T) {
	c, mr := setupMappingCache(t)
	ctx := context.Background()
	e := cachedEntry("timeback", mapping.EntityTypeClass, "c-1", "class-1")
	require.NoError(t, c.Set(ctx, e, 0))
	mr.Del("maps:int_to_ext:timeback:class:class-1")

	written, err := c.Populate(ctx, e, 0)
	require.NoError(t, err)
	assert.True(t, written)

	external, ok := c.GetExternalID(ctx, "timeback", mapping.EntityTypeClass, "class-1")
	assert.True(t, ok)
	assert.Equal(t, "c-1", external)
}

func TestRedisMappingCache_DeleteByExternal(t *testing.T) {
	c, mr := setupMappingCache(t)
	ctx := context.Background()
	e := cachedEntry("timeback", mapping.EntityTypeUser, "ext-42", "int-7")
	require.NoError(t, c.Set(ctx, e, 0))

	// A dangling projection from an earlier re-point
	mr.Set("maps:int_to_ext:timeback:user:int-old", "\x00ext-42")
	mr.Set("maps:ext_to_int:timeback:user:ext-42", "\x00int-old")

	require.NoError(t, c.DeleteByExternal(ctx, e.Key()))

	assert.False(t, mr.Exists("maps:ext_to_int:timeback:user:ext-42"))
	assert.False(t, mr.Exists("maps:mapping:timeback:user:ext-42"))
	assert.False(t, mr.Exists("maps:int_to_ext:timeback:user:int-7"))
	assert.False(t, mr.Exists("maps:int_to_ext:timeback:user:int-old"))
	assert.True(t, mr.Exists("maps:tombstone:timeback:user:ext-42"))

	// Nothing cached is not an error
	assert.NoError(t, c.DeleteByExternal(ctx, mapping.NewKey("timeback", mapping.EntityTypeUser, "ext-none")))
}

func TestRedisMappingCache_GetBulk(t *testing.T) {
	c, _ := setupMappingCache(t)
	ctx := context.Background()

	var keys []mapping.Key
	for i := 0; i < 5; i++ {
		e := cachedEntry("timeback", mapping.EntityTypeUser, fmt.Sprintf("ext-%d", i), fmt.Sprintf("int-%d", i))
		if i%2 == 0 {
			require.NoError(t, c.Set(ctx, e, 0))
		}
		keys = append(keys, e.Key())
	}
	keys = append(keys, keys[0])

	got := c.GetBulk(ctx, keys)
	require.Len(t, got, 3)
	for i := 0; i < 5; i += 2 {
		assert.Equal(t, fmt.Sprintf("int-%d", i), got[keys[i]].InternalID)
	}
	_, present := got[keys[1]]
	assert.False(t, present)

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)

	assert.Empty(t, c.GetBulk(ctx, nil))
}

func TestRedisMappingCache_SetBulkChunks(t *testing.T) {
	c, _ := setupMappingCache(t)
	ctx := context.Background()

	entries := make([]mapping.Entry, 0, 5)
	for i := 0; i < 5; i++ {
		entries = append(entries, *cachedEntry("timeback", mapping.EntityTypeUser, fmt.Sprintf("ext-%d", i), fmt.Sprintf("int-%d", i)))
	}
	entries[3].InternalID = ""

	result := c.SetBulk(ctx, entries, 0)
	assert.Equal(t, 3, result.Chunks)
	assert.Equal(t, 4, result.Written)
	assert.Zero(t, result.FailedChunks)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "entry 3")

	for i, e := range entries {
		_, ok := c.GetInternalID(ctx, e.Key())
		assert.Equal(t, i != 3, ok, "entry %d", i)
	}
}

func TestRedisMappingCache_SetBulkFailedChunks(t *testing.T) {
	c, mr := setupMappingCache(t)
	mr.SetError("LOADING Redis is loading the dataset in memory")

	entries := []mapping.Entry{
		*cachedEntry("timeback", mapping.EntityTypeUser, "ext-1", "int-1"),
		*cachedEntry("timeback", mapping.EntityTypeUser, "ext-2", "int-2"),
		*cachedEntry("timeback", mapping.EntityTypeUser, "ext-3", "int-3"),
	}
	result := c.SetBulk(context.Background(), entries, 0)
	assert.Equal(t, 2, result.Chunks)
	assert.Equal(t, 2, result.FailedChunks)
	assert.Zero(t, result.Written)
	assert.Len(t, result.Errors, 2)
}

func TestRedisMappingCache_Clear(t *testing.T) {
	ctx := context.Background()
	seed := func(t *testing.T) (*RedisMappingCache, *miniredis.Miniredis) {
		c, mr := setupMappingCache(t)
		require.NoError(t, c.Set(ctx, cachedEntry("timeback", mapping.EntityTypeUser, "u-1", "iu-1"), 0))
		require.NoError(t, c.Set(ctx, cachedEntry("timeback", mapping.EntityTypeClass, "c-1", "ic-1"), 0))
		require.NoError(t, c.Set(ctx, cachedEntry("clever", mapping.EntityTypeUser, "u-1", "iu-1"), 0))
		require.NoError(t, c.Delete(ctx, cachedEntry("timeback", mapping.EntityTypeUser, "gone", "ig")))
		mr.Set("unrelated:key", "x")
		return c, mr
	}

	t.Run("integration", func(t *testing.T) {
		c, mr := seed(t)
		n, err := c.ClearForIntegration(ctx, "timeback")
		require.NoError(t, err)
		assert.Equal(t, int64(8), n)
		_, ok := c.GetInternalID(ctx, mapping.NewKey("clever", mapping.EntityTypeUser, "u-1"))
		assert.True(t, ok)
		assert.True(t, mr.Exists("unrelated:key"))
	})

	t.Run("entity type", func(t *testing.T) {
		c, _ := seed(t)
		n, err := c.ClearForEntityType(ctx, "timeback", mapping.EntityTypeClass)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		_, ok := c.GetInternalID(ctx, mapping.NewKey("timeback", mapping.EntityTypeUser, "u-1"))
		assert.True(t, ok)
	})

	t.Run("all", func(t *testing.T) {
		c, mr := seed(t)
		n, err := c.ClearAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(11), n)
		assert.True(t, mr.Exists("unrelated:key"))
	})
}

func TestRedisMappingCache_KeyCounts(t *testing.T) {
	c, _ := setupMappingCache(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(ctx, cachedEntry("timeback", mapping.EntityTypeUser, fmt.Sprintf("u-%d", i), fmt.Sprintf("iu-%d", i)), 0))
	}
	require.NoError(t, c.Set(ctx, cachedEntry("timeback", mapping.EntityTypeClass, "c-1", "ic-1"), 0))
	require.NoError(t, c.Set(ctx, cachedEntry("clever", mapping.EntityTypeUser, "u-1", "iu-1"), 0))

	counts, err := c.KeyCounts(ctx, "timeback")
	require.NoError(t, err)
	assert.Equal(t, []mapping.KeyCount{
		{IntegrationID: "timeback", EntityType: mapping.EntityTypeClass, Keys: 1},
		{IntegrationID: "timeback", EntityType: mapping.EntityTypeUser, Keys: 3},
	}, counts)
}

func TestRedisMappingCache_BackendErrorsDegrade(t *testing.T) {
	c, mr := setupMappingCache(t)
	ctx := context.Background()
	e := cachedEntry("timeback", mapping.EntityTypeUser, "ext-42", "int-7")
	require.NoError(t, c.Set(ctx, e, 0))

	mr.SetError("ERR connection lost")

	_, ok := c.GetInternalID(ctx, e.Key())
	assert.False(t, ok)
	_, ok = c.GetEntry(ctx, e.Key())
	assert.False(t, ok)
	assert.Empty(t, c.GetBulk(ctx, []mapping.Key{e.Key()}))

	assert.ErrorIs(t, c.Set(ctx, e, 0), shared.ErrCacheDegraded)
	assert.ErrorIs(t, c.Delete(ctx, e), shared.ErrCacheDegraded)
	_, err := c.Populate(ctx, e, 0)
	assert.ErrorIs(t, err, shared.ErrCacheDegraded)
	_, err = c.ClearForIntegration(ctx, "timeback")
	assert.ErrorIs(t, err, shared.ErrCacheDegraded)
	assert.ErrorIs(t, c.Ping(ctx), shared.ErrCacheDegraded)

	stats := c.Stats()
	assert.GreaterOrEqual(t, stats.Errors, int64(7))
	assert.Zero(t, stats.Hits)
}

func TestRedisMappingCache_CorruptValueIsDropped(t *testing.T) {
	c, mr := setupMappingCache(t)
	ctx := context.Background()
	key := mapping.NewKey("timeback", mapping.EntityTypeUser, "ext-42")
	mr.Set("maps:ext_to_int:timeback:user:ext-42", "garbage")
	mr.Set("maps:mapping:timeback:user:ext-42", "\x00{not json")

	_, ok := c.GetInternalID(ctx, key)
	assert.False(t, ok)
	_, ok = c.GetEntry(ctx, key)
	assert.False(t, ok)

	assert.False(t, mr.Exists("maps:ext_to_int:timeback:user:ext-42"))
	assert.False(t, mr.Exists("maps:mapping:timeback:user:ext-42"))
	assert.Equal(t, int64(2), c.Stats().Errors)
}

func TestRedisMappingCache_Compression(t *testing.T) {
	c, mr := setupMappingCache(t, func(cfg *config.MappingCacheConfig) {
		cfg.Compression = true
	})
	ctx := context.Background()

	e := cachedEntry("timeback", mapping.EntityTypeUser, "ext-42", "int-7")
	e.ExternalData = json.RawMessage(`{"bio":"` + strings.Repeat("lorem ipsum ", 100) + `"}`)
	require.NoError(t, c.Set(ctx, e, 0))

	raw, err := mr.Get("maps:mapping:timeback:user:ext-42")
	require.NoError(t, err)
	assert.Equal(t, headerZstd, raw[0])
	assert.Less(t, len(raw), len(e.ExternalData))

	got, ok := c.GetEntry(ctx, e.Key())
	require.True(t, ok)
	assert.JSONEq(t, string(e.ExternalData), string(got.ExternalData))

	// Short ids stay below the threshold
	idRaw, err := mr.Get("maps:ext_to_int:timeback:user:ext-42")
	require.NoError(t, err)
	assert.Equal(t, headerRaw, idRaw[0])
}

func TestNewRedisMappingCache_OwnsClient(t *testing.T) {
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	core, recorded := observer.New(zapcore.WarnLevel)
	cfg := testCacheConfig()
	cfg.MaxMemory = "256mb"

	c, err := NewRedisMappingCache(config.RedisConfig{Host: mr.Host(), Port: port}, cfg, WithCacheLogger(zap.New(core)))
	require.NoError(t, err)
	assert.True(t, c.ownsClient)
	assert.NoError(t, c.Ping(context.Background()))

	// miniredis has no CONFIG command; the budget is best-effort
	assert.Equal(t, 1, recorded.FilterMessage("Could not apply Redis maxmemory").Len())

	require.NoError(t, c.Close())
	assert.Error(t, c.GetClient().Ping(context.Background()).Err())
}

func TestNewRedisMappingCache_Unreachable(t *testing.T) {
	_, err := NewRedisMappingCache(config.RedisConfig{Host: "127.0.0.1", Port: 1, MaxRetries: -1}, testCacheConfig())
	assert.ErrorContains(t, err, "failed to connect to Redis")
}

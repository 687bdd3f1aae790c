package cache

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rostersync/backend/internal/domain/mapping"
	"github.com/rostersync/backend/internal/infrastructure/config"
)

// MappingCacheFactory creates the mapping cache selected by configuration
type MappingCacheFactory struct {
	redisConfig       config.RedisConfig
	cacheConfig       config.MappingCacheConfig
	logger            *zap.Logger
	allowNoopFallback bool
}

// MappingCacheFactoryOption is a functional option for configuring the factory
type MappingCacheFactoryOption func(*MappingCacheFactory)

// WithLogger sets the logger for the factory and the caches it creates
func WithLogger(logger *zap.Logger) MappingCacheFactoryOption {
	return func(f *MappingCacheFactory) {
		f.logger = logger
	}
}

// WithNoopFallback controls whether an unreachable Redis degrades to a
// disabled cache instead of failing startup. Default is true.
func WithNoopFallback(allow bool) MappingCacheFactoryOption {
	return func(f *MappingCacheFactory) {
		f.allowNoopFallback = allow
	}
}

// NewMappingCacheFactory creates a new factory
func NewMappingCacheFactory(redisCfg config.RedisConfig, cacheCfg config.MappingCacheConfig, opts ...MappingCacheFactoryOption) *MappingCacheFactory {
	f := &MappingCacheFactory{
		redisConfig:       redisCfg,
		cacheConfig:       cacheCfg,
		logger:            zap.NewNop(),
		allowNoopFallback: true,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CreateRedisCache creates a Redis-backed mapping cache
func (f *MappingCacheFactory) CreateRedisCache() (*RedisMappingCache, error) {
	c, err := NewRedisMappingCache(f.redisConfig, f.cacheConfig, WithCacheLogger(f.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis mapping cache: %w", err)
	}
	return c, nil
}

// CreateCache returns the Redis cache when enabled and reachable. A disabled
// cache, or an unreachable one with fallback allowed, yields a no-op cache;
// the service then reads the store on every lookup.
func (f *MappingCacheFactory) CreateCache() (mapping.Cache, error) {
	if !f.cacheConfig.Enabled {
		f.logger.Info("Mapping cache disabled, every lookup reads the store")
		return NewNoopMappingCache(), nil
	}

	c, err := f.CreateRedisCache()
	if err == nil {
		f.logger.Info("Using Redis mapping cache",
			zap.String("addr", f.redisConfig.Addr()),
			zap.String("key_prefix", f.cacheConfig.KeyPrefix))
		return c, nil
	}

	if !f.allowNoopFallback {
		return nil, err
	}

	f.logger.Warn("Redis unavailable, mapping cache disabled until restart", zap.Error(err))
	return NewNoopMappingCache(), nil
}

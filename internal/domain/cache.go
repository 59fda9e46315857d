package domain

import (
	"context"
	"time"
)

// Cache provides short-lived caching for detection configs and scan
// counters. Supports two-phase caching: local LRU (community) plus
// Redis (pro). All methods require tenantID for strict multi-tenancy
// isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetDetectionConfig retrieves a cached config snapshot, or nil
	// on a miss.
	GetDetectionConfig(ctx context.Context, tenantID string) (*DetectionConfig, error)

	// SetDetectionConfig caches a config snapshot. The cached value
	// is a whole immutable version, never a partial update.
	SetDetectionConfig(ctx context.Context, tenantID string, cfg *DetectionConfig, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns
	// the new value. Used for per-strategy scan counters.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}

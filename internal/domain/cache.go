package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// GetZones retrieves a cached active-zone catalog snapshot.
	// Returns nil, nil when no snapshot is cached.
	GetZones(ctx context.Context) ([]*DangerZone, error)

	// SetZones caches an active-zone catalog snapshot.
	SetZones(ctx context.Context, zones []*DangerZone, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns the new
	// value. Used for pre-alert escalation windows (repeated pre-alerts
	// from one tourist inside the window escalate).
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ZoneSnapshotKey is the cache key for the active-zone catalog snapshot.
const ZoneSnapshotKey = "zones:active"

// PreAlertCounterKey returns the cache key counting pre-alerts for a
// tourist inside the escalation window.
func PreAlertCounterKey(touristID string) string {
	return "prealert:" + touristID
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}

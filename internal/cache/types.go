package cache

import (
	"errors"
	"time"
)

// Common errors for cache operations
var (
	// ErrExists is returned by Put when the key already has audio
	ErrExists = errors.New("audio already cached for message")

	// ErrItemTooLarge is returned when an item exceeds the cache capacity
	ErrItemTooLarge = errors.New("item too large for cache")

	// ErrEmptyValue is returned when an empty clip is stored
	ErrEmptyValue = errors.New("refusing to cache empty audio")
)

// DefaultCapacity is the default byte budget.
const DefaultCapacity = 64 << 20

// CacheStats holds cache performance metrics
type CacheStats struct {
	Capacity  int64 // Maximum capacity in bytes
	Size      int64 // Current size in bytes
	ItemCount int64 // Number of items in cache

	Hits      int64
	Misses    int64
	Evictions int64
	Rejected  int64   // Puts refused because the key was already cached
	HitRate   float64 // hits / (hits + misses)

	LastEvict time.Time
}

// Cache is the message audio cache used by the speech orchestrator.
type Cache interface {
	Get(key string) ([]byte, bool)
	Put(key string, value []byte) error
	Contains(key string) bool
	Clear()
	Stats() CacheStats
}

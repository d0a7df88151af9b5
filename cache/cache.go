package cache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMaxSize is used when a cache is created with a non-positive size.
const DefaultMaxSize = 256

// Cache is a fixed-size LRU cache with hit/miss accounting. It is safe for
// concurrent use.
type Cache[K comparable, V any] struct {
	lru     *lru.Cache[K, V]
	maxSize atomic.Int64
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// Stats is a point-in-time view of cache usage.
type Stats struct {
	Size    int    `json:"size"`
	MaxSize int    `json:"max_size"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// NewCache creates a new LRU cache with the given max size
func NewCache[K comparable, V any](maxSize int) *Cache[K, V] {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	// lru.New only fails for a non-positive size.
	l, _ := lru.New[K, V](maxSize)

	cache := &Cache[K, V]{lru: l}
	cache.maxSize.Store(int64(maxSize))
	return cache
}

func (cache *Cache[K, V]) Stats() Stats {
	return Stats{
		Size:    cache.GetSize(),
		MaxSize: cache.GetMaxSize(),
		Hits:    cache.hits.Load(),
		Misses:  cache.misses.Load(),
	}
}

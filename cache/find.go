package cache

// Find returns the cached value for key and marks it recently used.
func (cache *Cache[K, V]) Find(key K) (V, bool) {
	value, found := cache.lru.Get(key)
	if found {
		cache.hits.Add(1)
	} else {
		cache.misses.Add(1)
	}
	return value, found
}

// Contains reports whether key is cached without touching recency or stats.
func (cache *Cache[K, V]) Contains(key K) bool {
	return cache.lru.Contains(key)
}

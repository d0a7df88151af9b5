package cache

func (cache *Cache[K, V]) GetSize() int {
	return cache.lru.Len()
}

func (cache *Cache[K, V]) GetMaxSize() int {
	return int(cache.maxSize.Load())
}

// Clear drops every entry. Hit and miss counters are kept.
func (cache *Cache[K, V]) Clear() {
	cache.lru.Purge()
}

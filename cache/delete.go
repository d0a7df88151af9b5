package cache

// Delete removes key from the cache, reporting whether it was present.
func (cache *Cache[K, V]) Delete(key K) bool {
	return cache.lru.Remove(key)
}

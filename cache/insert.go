package cache

// Insert adds or replaces a value. It reports whether an older entry was
// evicted to make room.
func (cache *Cache[K, V]) Insert(key K, value V) bool {
	return cache.lru.Add(key, value)
}

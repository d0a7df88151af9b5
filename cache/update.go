package cache

// Update replaces the value of a key that is already cached. Keys that are
// not cached are left alone, so a stale read can never be installed.
func (cache *Cache[K, V]) Update(key K, value V) bool {
	if !cache.lru.Contains(key) {
		return false
	}
	cache.lru.Add(key, value)
	return true
}

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewCache[int, string](2)

	c.Insert(1, "one")
	c.Insert(2, "two")

	_, found := c.Find(1)
	assert.True(t, found)

	evicted := c.Insert(3, "three")
	assert.True(t, evicted)

	_, found = c.Find(2)
	assert.False(t, found, "2 was least recently used")

	v, found := c.Find(1)
	assert.True(t, found)
	assert.Equal(t, "one", v)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, 2, stats.MaxSize)
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCacheUpdateOnlyTouchesCachedKeys(t *testing.T) {
	c := NewCache[string, int](4)

	assert.False(t, c.Update("a", 1))
	assert.False(t, c.Contains("a"))

	c.Insert("a", 1)
	assert.True(t, c.Update("a", 2))

	v, _ := c.Find("a")
	assert.Equal(t, 2, v)

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
}

func TestCacheDefaultSizeAndClear(t *testing.T) {
	c := NewCache[int, int](0)
	assert.Equal(t, DefaultMaxSize, c.GetMaxSize())

	for i := 0; i < 10; i++ {
		c.Insert(i, i*i)
	}
	assert.Equal(t, 10, c.GetSize())

	c.Clear()
	assert.Equal(t, 0, c.GetSize())
}

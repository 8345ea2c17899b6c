package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardedGetSet(t *testing.T) {
	c := NewSharded[string, int](4, StringHasher)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1)
	c.Set("a", 2)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.InDelta(t, 0.5, st.HitRate(), 1e-9)
	assert.Equal(t, 1, st.Len)
}

func TestShardedEvictsLeastRecentlyUsed(t *testing.T) {
	// every key lands in shard 0
	c := NewSharded[string, int](2, func(string) uint64 { return 0 })

	c.Set("a", 1)
	c.Set("b", 2)
	_, _ = c.Get("a")
	c.Set("c", 3)

	_, okA := c.Get("a")
	_, okB := c.Get("b")
	_, okC := c.Get("c")
	assert.True(t, okA)
	assert.False(t, okB)
	assert.True(t, okC)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestShardedDeleteAndClear(t *testing.T) {
	c := NewSharded[string, int](0, StringHasher)
	c.Set("a", 1)
	c.Set("b", 2)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	c.Clear()
	assert.Zero(t, c.Len())
	assert.Equal(t, DefaultCapacity*ShardCount, c.Stats().Capacity)
}

func TestShardedConcurrentAccess(t *testing.T) {
	c := NewSharded[string, int](64, StringHasher)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%50)
				c.Set(key, g)
				_, _ = c.Get(key)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

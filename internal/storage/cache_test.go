package storage_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/llm-gateway/internal/storage"
)

func TestCache_PutGetDelete(t *testing.T) {
	t.Parallel()
	c := storage.NewCache[int](10)
	c.Put("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestCache_FIFOEviction(t *testing.T) {
	t.Parallel()
	c := storage.NewCache[int](3)
	for i := 0; i < 4; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
	}
	_, ok := c.Get("k0")
	assert.False(t, ok, "oldest entry evicted first")
	_, ok = c.Get("k3")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestCache_OverwriteKeepsSlot(t *testing.T) {
	t.Parallel()
	c := storage.NewCache[int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 3)
	c.Put("c", 4)

	// "a" kept its original slot, so it was the eviction victim.
	_, ok := c.Get("a")
	assert.False(t, ok)
	v, _ := c.Get("b")
	assert.Equal(t, 2, v)
}

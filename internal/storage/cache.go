package storage

import "sync"

// Cache is a bounded read-through cache fronting the store. Eviction is
// FIFO over insertion order, matching the store's own policy.
type Cache[V any] struct {
	mu    sync.Mutex
	bound int
	order []string
	items map[string]V
}

// NewCache builds a cache holding at most bound entries.
func NewCache[V any](bound int) *Cache[V] {
	if bound < 1 {
		bound = 1
	}
	return &Cache[V]{bound: bound, items: make(map[string]V, bound)}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.items[key]
	return v, ok
}

// Put inserts or overwrites. Overwrites keep the original insertion slot.
func (c *Cache[V]) Put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		if len(c.order) >= c.bound {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
		c.order = append(c.order, key)
	}
	c.items[key] = v
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

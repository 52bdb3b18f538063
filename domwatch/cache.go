package domwatch

import "sync"

// Cache keeps recently seen elements alive. It holds at most max entries
// and evicts the oldest inserted one first; the evicted element is
// released if it implements Retainer.
type Cache struct {
	mu      sync.Mutex
	max     int
	order   []string
	entries map[string]Element
	evicted int
}

// NewCache creates a cache bounded to max entries (at least 1).
func NewCache(max int) *Cache {
	if max < 1 {
		max = 1
	}
	return &Cache{max: max, entries: make(map[string]Element)}
}

// Add inserts el and returns the elements evicted to make room. Adding a key
// already present does not refresh its position.
func (c *Cache) Add(el Element) []Element {
	c.mu.Lock()
	key := el.Key()
	if _, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return nil
	}
	c.entries[key] = el
	c.order = append(c.order, key)

	var out []Element
	for len(c.order) > c.max {
		oldest := c.order[0]
		c.order = c.order[1:]
		out = append(out, c.entries[oldest])
		delete(c.entries, oldest)
		c.evicted++
	}
	c.mu.Unlock()

	if r, ok := el.(Retainer); ok {
		r.Retain()
	}
	for _, e := range out {
		if r, ok := e.(Retainer); ok {
			r.Release()
		}
	}
	return out
}

// Contains reports whether key is cached.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Keys returns the cached keys from oldest to newest.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Evicted returns the number of evictions since creation.
func (c *Cache) Evicted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// Clear releases and drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	entries := make([]Element, 0, len(c.order))
	for _, k := range c.order {
		entries = append(entries, c.entries[k])
	}
	c.order = nil
	c.entries = make(map[string]Element)
	c.mu.Unlock()

	for _, e := range entries {
		if r, ok := e.(Retainer); ok {
			r.Release()
		}
	}
}

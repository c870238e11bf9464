package edge

import "time"

// cacheCapacity bounds the response cache. When full, the oldest entry is
// evicted regardless of remaining TTL.
const cacheCapacity = 100

// cacheEntry is one cached response. expires is absolute.
type cacheEntry struct {
	response string
	category Category
	expires  time.Time
}

// responseCache is a TTL-bounded, insertion-ordered cache of rendered
// responses keyed by normalized query. Not safe for concurrent use on its
// own; the Processor guards it.
type responseCache struct {
	entries map[string]cacheEntry
	order   []string
}

func newResponseCache() *responseCache {
	return &responseCache{entries: make(map[string]cacheEntry, cacheCapacity)}
}

// get returns the live entry for key. Expired entries are removed and
// reported as a miss, so stale responses are never served.
func (c *responseCache) get(key string, now time.Time) (cacheEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return cacheEntry{}, false
	}
	if !now.Before(e.expires) {
		c.remove(key)
		return cacheEntry{}, false
	}
	return e, true
}

// put stores a response under key for ttl, evicting the oldest entry when
// the cache is full.
func (c *responseCache) put(key, response string, category Category, ttl time.Duration, now time.Time) {
	if _, exists := c.entries[key]; !exists {
		if len(c.entries) >= cacheCapacity {
			c.remove(c.order[0])
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{
		response: response,
		category: category,
		expires:  now.Add(ttl),
	}
}

func (c *responseCache) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *responseCache) clear() {
	c.entries = make(map[string]cacheEntry, cacheCapacity)
	c.order = nil
}

func (c *responseCache) len() int {
	return len(c.entries)
}

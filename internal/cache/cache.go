// Package cache implements the bounded TTL response cache shared by the
// region-forwarded and mesh resolution paths.
package cache

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"

	"github.com/routemesh/routemesh/internal/metrics"
)

// Entry is a cached response keyed by request fingerprint.
type Entry struct {
	Fingerprint string
	Response    json.RawMessage
	CreatedAt   time.Time
}

// ResponseCache is a bounded associative store with TTL expiry on read and
// insertion-order eviction on write. Safe for concurrent use.
type ResponseCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // oldest insertion at front
	maxSize int
	ttl     time.Duration
	m       *metrics.NodeMetrics

	// now is swapped in tests to control TTL expiry.
	now func() time.Time
}

// New creates a response cache with the given capacity and TTL.
// The metrics argument may be nil.
func New(maxSize int, ttl time.Duration, m *metrics.NodeMetrics) *ResponseCache {
	return &ResponseCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		m:       m,
		now:     time.Now,
	}
}

// Put stores a response under the given fingerprint, evicting the
// oldest-inserted entry first when at capacity. Re-putting an existing
// fingerprint refreshes its response and insertion time.
func (c *ResponseCache) Put(fingerprint string, response json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[fingerprint]; ok {
		el.Value = &Entry{Fingerprint: fingerprint, Response: response, CreatedAt: c.now()}
		c.order.MoveToBack(el)
		return
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		if oldest != nil {
			c.removeLocked(oldest)
			if c.m != nil {
				c.m.CacheEvictions.Inc()
			}
		}
	}

	el := c.order.PushBack(&Entry{Fingerprint: fingerprint, Response: response, CreatedAt: c.now()})
	c.entries[fingerprint] = el
	if c.m != nil {
		c.m.CacheEntries.Set(float64(c.order.Len()))
	}
}

// Get returns the cached response for the fingerprint, or ok=false on a miss.
// Entries older than the TTL are deleted and reported as misses.
func (c *ResponseCache) Get(fingerprint string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[fingerprint]
	if !ok {
		if c.m != nil {
			c.m.CacheMisses.Inc()
		}
		return nil, false
	}

	entry := el.Value.(*Entry)
	if c.now().Sub(entry.CreatedAt) > c.ttl {
		c.removeLocked(el)
		if c.m != nil {
			c.m.CacheMisses.Inc()
			c.m.CacheEntries.Set(float64(c.order.Len()))
		}
		return nil, false
	}

	if c.m != nil {
		c.m.CacheHits.Inc()
	}
	return entry.Response, true
}

// Len returns the current number of cached entries.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear removes every entry.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	if c.m != nil {
		c.m.CacheEntries.Set(0)
	}
}

func (c *ResponseCache) removeLocked(el *list.Element) {
	entry := el.Value.(*Entry)
	delete(c.entries, entry.Fingerprint)
	c.order.Remove(el)
}

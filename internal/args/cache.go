package args

import (
	"sync"
	"time"
)

// DescriptorCache memoizes mapping plans per function OID. Entries share the
// program cache's TTL so a redefined signature never outlives its program.
type DescriptorCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[uint32]*cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	desc     *Descriptor
	loadedAt time.Time
}

// NewDescriptorCache builds a cache with the given TTL.
func NewDescriptorCache(ttl time.Duration) *DescriptorCache {
	return &DescriptorCache{
		ttl:     ttl,
		entries: make(map[uint32]*cacheEntry),
		now:     time.Now,
	}
}

// Get returns the descriptor for a function, building and caching it on miss
// or expiry.
func (c *DescriptorCache) Get(oid uint32, argTypeOIDs []uint32, argNames []string, returnOID uint32) *Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[oid]; ok && c.now().Sub(e.loadedAt) <= c.ttl {
		return e.desc
	}
	desc := NewDescriptor(argTypeOIDs, argNames, returnOID)
	c.entries[oid] = &cacheEntry{desc: desc, loadedAt: c.now()}
	return desc
}

// Invalidate drops the cached descriptor for a function.
func (c *DescriptorCache) Invalidate(oid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, oid)
}

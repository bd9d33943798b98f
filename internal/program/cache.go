package program

import (
	"container/list"
	"sync"
	"time"
)

// CacheConfig bounds the loader caches. Entries expire after TTL; eviction
// runs least-recently-used until both the entry count and the aggregate
// compiled-byte budget hold.
type CacheConfig struct {
	MaxEntries int
	MaxBytes   int64
	TTL        time.Duration
}

// DefaultCacheConfig returns the standing budgets.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries: 256,
		MaxBytes:   4 << 20,
		TTL:        30 * time.Second,
	}
}

type programEntry struct {
	oid      uint32
	source   string
	program  *Program
	bytes    int64
	loadedAt time.Time
}

type programCache struct {
	mu    sync.Mutex
	cfg   CacheConfig
	order *list.List // front = most recent
	byOID map[uint32]*list.Element
	bytes int64
	now   func() time.Time
}

func newProgramCache(cfg CacheConfig) *programCache {
	return &programCache{
		cfg:   cfg,
		order: list.New(),
		byOID: make(map[uint32]*list.Element),
		now:   time.Now,
	}
}

// get serves a cached program when it is fresh and was built from the same
// source the catalog holds now. Stale or mismatched entries are dropped.
func (c *programCache) get(oid uint32, source string) (*Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byOID[oid]
	if !ok {
		return nil, false
	}
	e := el.Value.(*programEntry)
	if c.now().Sub(e.loadedAt) > c.cfg.TTL || e.source != source {
		c.dropLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.program, true
}

func (c *programCache) put(oid uint32, source string, p *Program) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byOID[oid]; ok {
		c.dropLocked(el)
	}
	e := &programEntry{
		oid:      oid,
		source:   source,
		program:  p,
		bytes:    int64(len(p.CompiledJS)),
		loadedAt: c.now(),
	}
	c.byOID[oid] = c.order.PushFront(e)
	c.bytes += e.bytes

	for (c.order.Len() > c.cfg.MaxEntries || c.bytes > c.cfg.MaxBytes) && c.order.Len() > 1 {
		c.dropLocked(c.order.Back())
	}
	// a single over-budget entry is still evicted rather than pinned
	if c.order.Len() == 1 && c.bytes > c.cfg.MaxBytes {
		c.dropLocked(c.order.Back())
	}
}

func (c *programCache) remove(oid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byOID[oid]; ok {
		c.dropLocked(el)
	}
}

func (c *programCache) dropLocked(el *list.Element) {
	e := el.Value.(*programEntry)
	c.order.Remove(el)
	delete(c.byOID, e.oid)
	c.bytes -= e.bytes
}

func (c *programCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

type artifactEntry struct {
	hash      string
	js        string
	sourceMap string
}

// artifactCache shares hydrated artifact JS across functions that point at
// the same hash. Artifacts are immutable under their hash, so entries carry
// no TTL; only the LRU entry bound applies.
type artifactCache struct {
	mu     sync.Mutex
	max    int
	order  *list.List
	byHash map[string]*list.Element
}

func newArtifactCache(cfg CacheConfig) *artifactCache {
	return &artifactCache{
		max:    cfg.MaxEntries,
		order:  list.New(),
		byHash: make(map[string]*list.Element),
	}
}

func (c *artifactCache) get(hash string) (string, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.byHash[hash]
	if !ok {
		return "", "", false
	}
	c.order.MoveToFront(el)
	e := el.Value.(*artifactEntry)
	return e.js, e.sourceMap, true
}

func (c *artifactCache) put(hash, js, sourceMap string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.byHash[hash]; ok {
		c.order.MoveToFront(el)
		return
	}
	c.byHash[hash] = c.order.PushFront(&artifactEntry{hash: hash, js: js, sourceMap: sourceMap})
	for c.order.Len() > c.max {
		back := c.order.Back()
		delete(c.byHash, back.Value.(*artifactEntry).hash)
		c.order.Remove(back)
	}
}

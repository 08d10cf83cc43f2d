package translator

import (
	"container/list"
	"sync"
	"time"

	"dynarec/internal/emit"
	"dynarec/internal/guest"
)

// Cache bounds. Sizes are guest opcode counts.
const (
	DefaultMaxTotalSize          = 4 * 1024 * 256
	DefaultMinTimeDelta          = 150 * time.Second
	DefaultMinCallCountForUpdate = 250
)

// CacheOptions bound the cache.
type CacheOptions struct {
	// MaxTotalSize is the total opcode count above which entries that have
	// not been used for MinTimeDelta are evicted, oldest first.
	MaxTotalSize int
	MinTimeDelta time.Duration
	// MinCallCountForUpdate throttles recency updates on lookups.
	MinCallCountForUpdate int64

	// Now replaces the clock in tests.
	Now func() time.Time
}

type cacheKey struct {
	addr uint64
	mode guest.ExecutionMode
}

type cacheEntry struct {
	sub  *Subroutine
	size int
	elem *list.Element
}

// Cache maps guest entry addresses to compiled subroutines. It is safe for
// concurrent use.
type Cache struct {
	opts CacheOptions

	mu        sync.RWMutex
	entries   map[cacheKey]*cacheEntry
	lru       *list.List // of cacheKey, most recent first
	totalSize int
	evicted   int
}

// NewCache returns an empty cache.
func NewCache(opts CacheOptions) *Cache {
	if opts.MaxTotalSize <= 0 {
		opts.MaxTotalSize = DefaultMaxTotalSize
	}
	if opts.MinTimeDelta <= 0 {
		opts.MinTimeDelta = DefaultMinTimeDelta
	}
	if opts.MinCallCountForUpdate <= 0 {
		opts.MinCallCountForUpdate = DefaultMinCallCountForUpdate
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		opts:    opts,
		entries: make(map[cacheKey]*cacheEntry),
		lru:     list.New(),
	}
}

// TryGet returns the subroutine cached for address in mode.
func (c *Cache) TryGet(address uint64, mode guest.ExecutionMode) (*Subroutine, bool) {
	key := cacheKey{address, mode}
	c.mu.RLock()
	e, ok := c.entries[key]
	var sub *Subroutine
	if ok {
		sub = e.sub
	}
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}

	if sub.calls.Add(1)%c.opts.MinCallCountForUpdate == 0 && c.mu.TryLock() {
		if e, ok := c.entries[key]; ok && e.sub == sub {
			c.lru.MoveToFront(e.elem)
			sub.lastUse.Store(c.opts.Now().UnixNano())
		}
		c.mu.Unlock()
	}
	return sub, true
}

// Lookup adapts TryGet to the emitter's call inlining.
func (c *Cache) Lookup(address uint64, mode guest.ExecutionMode) (emit.Callee, bool) {
	sub, ok := c.TryGet(address, mode)
	if !ok {
		return nil, false
	}
	return sub, true
}

// GetOrAdd inserts sub unless an entry exists. It returns the cached entry
// and whether it is sub.
func (c *Cache) GetOrAdd(sub *Subroutine, size int) (*Subroutine, bool) {
	key := cacheKey{sub.Address, sub.Mode}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.sub, false
	}
	c.insert(key, sub, size)
	return sub, true
}

// AddOrUpdate installs sub when no entry exists or the cached entry has a
// strictly lower tier. It returns the replaced entry, if any, and whether
// sub was installed.
func (c *Cache) AddOrUpdate(sub *Subroutine, size int) (*Subroutine, bool) {
	key := cacheKey{sub.Address, sub.Mode}
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.entries[key]
	if ok {
		if old.sub.Tier >= sub.Tier {
			return nil, false
		}
		c.remove(key, old)
	}
	c.insert(key, sub, size)
	if ok {
		return old.sub, true
	}
	return nil, true
}

// Replace swaps old for sub when old is still the cached entry for its
// address. It reports whether the swap happened.
func (c *Cache) Replace(old, sub *Subroutine, size int) bool {
	key := cacheKey{sub.Address, sub.Mode}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.sub != old {
		return false
	}
	c.remove(key, e)
	c.insert(key, sub, size)
	return true
}

func (c *Cache) insert(key cacheKey, sub *Subroutine, size int) {
	sub.lastUse.Store(c.opts.Now().UnixNano())
	c.entries[key] = &cacheEntry{sub: sub, size: size, elem: c.lru.PushFront(key)}
	c.totalSize += size
	c.clearOld()
}

func (c *Cache) remove(key cacheKey, e *cacheEntry) {
	c.lru.Remove(e.elem)
	delete(c.entries, key)
	c.totalSize -= e.size
}

// clearOld evicts the least recently used entries that have been idle for
// at least MinTimeDelta while the cache is over its size bound.
func (c *Cache) clearOld() {
	now := c.opts.Now().UnixNano()
	for el := c.lru.Back(); el != nil && c.totalSize > c.opts.MaxTotalSize; {
		prev := el.Prev()
		key := el.Value.(cacheKey)
		e := c.entries[key]
		if time.Duration(now-e.sub.lastUse.Load()) < c.opts.MinTimeDelta {
			// Everything in front was used more recently.
			break
		}
		c.remove(key, e)
		c.evicted++
		el = prev
	}
}

// Len returns the number of cached subroutines.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Size returns the total opcode count of the cached subroutines.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.totalSize
}

// Evicted returns how many entries the size bound removed.
func (c *Cache) Evicted() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evicted
}

// Snapshot returns the cached subroutines, most recently used first.
func (c *Cache) Snapshot() []*Subroutine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Subroutine, 0, len(c.entries))
	for el := c.lru.Front(); el != nil; el = el.Next() {
		out = append(out, c.entries[el.Value.(cacheKey)].sub)
	}
	return out
}

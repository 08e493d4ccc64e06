package cachestore

import (
	"strings"
	"sync"
)

type ramItem struct {
	key  string
	snap Snapshot
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is a byte-bounded LRU in front of the backend. Keys are
// "<version>\x00<identity>".
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func ramKey(version, key string) string { return version + "\x00" + key }

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *ramCache) Get(version, key string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[ramKey(version, key)]
	if !ok {
		return Snapshot{}, false
	}
	c.moveToFront(it)
	return cloneSnapshot(it.snap), true
}

func (c *ramCache) Delete(version, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[ramKey(version, key)]; ok {
		c.removeLocked(it)
	}
}

// DropVersion forgets every item of version.
func (c *ramCache) DropVersion(version string) {
	prefix := version + "\x00"
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.removeLocked(it)
		}
	}
}

func (c *ramCache) Put(version, key string, snap Snapshot) {
	sz := snap.size()
	if sz > c.maxBytes {
		// too big for RAM, the backend still has it
		c.Delete(version, key)
		return
	}
	k := ramKey(version, key)
	snap = cloneSnapshot(snap)

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[k]; ok {
		c.total -= it.size
		it.snap = snap
		it.size = sz
		c.total += sz
		c.moveToFront(it)
		c.evictLocked()
		return
	}

	it := &ramItem{key: k, snap: snap, size: sz}
	c.items[k] = it
	c.addToFront(it)
	c.total += sz
	c.evictLocked()
}

// evictLocked drops least-recently-used items until the cache fits.
func (c *ramCache) evictLocked() {
	for c.total > c.maxBytes && c.tail != nil {
		c.removeLocked(c.tail)
	}
}

func (c *ramCache) removeLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

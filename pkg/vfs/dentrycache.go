package vfs

import (
	"container/list"
	"sync"
)

// DentryCache partitions cached dentries into an LRU of capacity-bounded
// leaves and an unbounded map of dentries that currently have at least one
// cached child. A dentry is promoted out of the LRU the moment it gains
// its first child and demoted back in the moment it loses its last one;
// evicted dentries go onto a drop list drained only at explicit sync
// points, so eviction side effects never run while the cache's own lock
// is held.
type DentryCache struct {
	mu       sync.Mutex
	capacity int
	lru      *list.List
	lruElem  map[*Dentry]*list.Element
	internal map[*Dentry]bool
	dropList []*Dentry
}

// DefaultDentryLRUSize is a default large enough that enumerating one
// directory's entries doesn't evict dentries the enumeration just
// installed.
const DefaultDentryLRUSize = 64

func NewDentryCache(capacity int) *DentryCache {
	return &DentryCache{
		capacity: capacity,
		lru:      list.New(),
		lruElem:  map[*Dentry]*list.Element{},
		internal: map[*Dentry]bool{},
	}
}

// touch records that d was just looked up or created: if it has no
// children it belongs in the LRU (refreshing its recency), otherwise it
// belongs in the internal map.
func (c *DentryCache) touch(d *Dentry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.internal[d] {
		return
	}
	if e, ok := c.lruElem[d]; ok {
		c.lru.MoveToFront(e)
		return
	}
	c.insertLRULocked(d)
}

func (c *DentryCache) insertLRULocked(d *Dentry) {
	if c.lru.Len() >= c.capacity {
		c.evictOneLocked()
	}
	c.lruElem[d] = c.lru.PushFront(d)
}

// evictOneLocked evicts the least-recently-used leaf dentry, pushing it
// onto the drop list rather than running any side effects inline.
func (c *DentryCache) evictOneLocked() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	evicted := back.Value.(*Dentry)
	c.lru.Remove(back)
	delete(c.lruElem, evicted)
	c.dropList = append(c.dropList, evicted)
}

// onChildAdded promotes a dentry from the LRU to the internal map the
// moment it gains its first child.
func (c *DentryCache) onChildAdded(d *Dentry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.lruElem[d]; ok {
		c.lru.Remove(e)
		delete(c.lruElem, d)
	}
	c.internal[d] = true
}

// onChildRemoved demotes a dentry from the internal map back into the LRU
// the moment it loses its last child.
func (c *DentryCache) onChildRemoved(d *Dentry) {
	c.mu.Lock()
	delete(c.internal, d)
	c.mu.Unlock()
	c.touch(d)
}

// DrainDropList removes and returns every dentry evicted since the last
// drain, for the caller to run teardown side effects on outside any cache
// lock.
func (c *DentryCache) DrainDropList() []*Dentry {
	c.mu.Lock()
	defer c.mu.Unlock()
	dropped := c.dropList
	c.dropList = nil
	return dropped
}

// InInternalMap reports whether d is currently tracked as an internal
// (has-children) dentry, exposed for tests asserting that d appears in
// exactly one of {dentry-LRU, internal map}.
func (c *DentryCache) InInternalMap(d *Dentry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.internal[d]
}

func (c *DentryCache) InLRU(d *Dentry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lruElem[d]
	return ok
}

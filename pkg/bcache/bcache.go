// Package bcache implements a fixed-capacity block buffer cache with LRU
// eviction and write-back over a synchronous block device.
package bcache

import (
	"container/list"
	"sync"

	"oskit/pkg/defs"
)

// BlockSize is the cache's unit of storage: the 4 KiB superblock/inode/data
// block size the simple on-disk file system uses.
const BlockSize = 4096

// Disk_i is the synchronous block-device contract: read_block and
// write_block. An IRQ-notification hook has no meaning without a real
// interrupt controller and is omitted.
type Disk_i interface {
	ReadBlock(id int, dst []byte) error
	WriteBlock(id int, src []byte) error
}

// Bdev_block_t is one cached disk block, holding its own lock so per-block
// access is serialized independently of the cache's own lock.
type Bdev_block_t struct {
	sync.Mutex
	Block int
	Data  [BlockSize]byte
	dirty bool
	cache *Cache_t
}

func (b *Bdev_block_t) Key() int { return b.Block }

// MarkDirty records that Data has been modified since the last write-back.
func (b *Bdev_block_t) MarkDirty() {
	b.Lock()
	b.dirty = true
	b.Unlock()
}

func (b *Bdev_block_t) isDirty() bool {
	b.Lock()
	defer b.Unlock()
	return b.dirty
}

func (b *Bdev_block_t) writeback() error {
	b.Lock()
	defer b.Unlock()
	if !b.dirty {
		return nil
	}
	if err := b.cache.disk.WriteBlock(b.Block, b.Data[:]); err != nil {
		return err
	}
	b.dirty = false
	return nil
}

type entry struct {
	blk  *Bdev_block_t
	refs int
	elem *list.Element
}

// Cache_t is the fixed-capacity block cache: an LRU ordering plus a map
// for O(1) lookup by block id. On a miss it loads synchronously through
// Disk_i; at capacity it evicts the least-recently-used entry that no
// caller still holds (every Get matched by a Relse).
type Cache_t struct {
	mu       sync.Mutex
	disk     Disk_i
	cap      int
	order    *list.List // front = most recently used
	byBlock  map[int]*entry
}

// NewCache creates a cache of the given capacity (in blocks) over disk.
func NewCache(capacity int, disk Disk_i) *Cache_t {
	return &Cache_t{
		disk:    disk,
		cap:     capacity,
		order:   list.New(),
		byBlock: map[int]*entry{},
	}
}

// Get returns the cached block for id, reading it from disk on a miss.
// The caller must call Relse when done with the reference.
func (c *Cache_t) Get(id int) (*Bdev_block_t, defs.Err_t) {
	c.mu.Lock()
	if e, ok := c.byBlock[id]; ok {
		e.refs++
		c.order.MoveToFront(e.elem)
		c.mu.Unlock()
		return e.blk, 0
	}
	c.mu.Unlock()

	blk := &Bdev_block_t{Block: id}
	if err := c.disk.ReadBlock(id, blk.Data[:]); err != nil {
		return nil, defs.EIO
	}
	blk.cache = c

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.byBlock[id]; ok {
		// Lost a race with another Get for the same block; use the
		// winner's copy and discard the one just read.
		e.refs++
		c.order.MoveToFront(e.elem)
		return e.blk, 0
	}
	if len(c.byBlock) >= c.cap {
		if err := c.evictOneLocked(); err != 0 {
			return nil, err
		}
	}
	e := &entry{blk: blk, refs: 1}
	e.elem = c.order.PushFront(e)
	c.byBlock[id] = e
	return blk, 0
}

// evictOneLocked evicts the least-recently-used entry that no caller still
// holds (only the cache references it), writing it back first if dirty.
// c.mu must be held.
func (c *Cache_t) evictOneLocked() defs.Err_t {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*entry)
		if e.refs != 0 {
			continue
		}
		if err := e.blk.writeback(); err != nil {
			return defs.EIO
		}
		c.order.Remove(el)
		delete(c.byBlock, e.blk.Block)
		return 0
	}
	return defs.ENFILE
}

// Relse drops one reference to blk, obtained from a prior Get.
func (c *Cache_t) Relse(blk *Bdev_block_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byBlock[blk.Block]
	if !ok {
		return
	}
	e.refs--
}

// SyncAll flushes every dirty block to disk, used at shutdown and before
// mkfs-style operations complete.
func (c *Cache_t) SyncAll() defs.Err_t {
	c.mu.Lock()
	blocks := make([]*Bdev_block_t, 0, len(c.byBlock))
	for _, e := range c.byBlock {
		if e.blk.isDirty() {
			blocks = append(blocks, e.blk)
		}
	}
	c.mu.Unlock()

	for _, b := range blocks {
		if err := b.writeback(); err != nil {
			return defs.EIO
		}
	}
	return 0
}

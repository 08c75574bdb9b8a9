// Package simplefs is a from-scratch on-disk file system: a 4 KiB super
// block, an inode bitmap, a fixed-size inode area (128-byte inodes with 28
// direct + 1 single-indirect + 1 double-indirect block pointers), a data
// bitmap and a data area, all addressed through pkg/bcache.
//
// Directory unlink leaves a zero-ino tombstone rather than compacting
// entries, so scans simply skip it. The on-disk inode (inode.loaded) is read lazily on
// first lock, guarded by the same mutex as the rest of the in-memory inode
// state, so a fresh lookup reads the on-disk inode exactly once and every
// later access finds it already materialized.
package simplefs

import (
	"encoding/binary"
	"sync"

	"oskit/pkg/bcache"
	"oskit/pkg/defs"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

const (
	blockSize = bcache.BlockSize

	// diskInodeSize is the fixed on-disk inode record size: size(4) +
	// itype(4) + 28 direct pointers(112) + indirect1(4) + indirect2(4).
	diskInodeSize = 128

	directCount    = 28
	ptrsPerBlock   = blockSize / 4
	indirect1Bound = directCount + ptrsPerBlock
	indirect2Bound = indirect1Bound + ptrsPerBlock*ptrsPerBlock
	inodesPerBlock = blockSize / diskInodeSize
	blockBits      = blockSize * 8

	maxNameLen = 30
	direntSize = maxNameLen + 4 // name[<=30] + ino:u32

	magic = 0x3b800001
)

// onDiskSuper is the 4 KiB block-0 super block: magic plus the block-count
// totals for each region. Only the leading 24 bytes of the block are used;
// the rest is reserved padding.
type onDiskSuper struct {
	magic             uint32
	totalBlocks       uint32
	inodeBitmapBlocks uint32
	inodeAreaBlocks   uint32
	dataBitmapBlocks  uint32
	dataAreaBlocks    uint32
}

func (s *onDiskSuper) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], s.magic)
	binary.LittleEndian.PutUint32(buf[4:8], s.totalBlocks)
	binary.LittleEndian.PutUint32(buf[8:12], s.inodeBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[12:16], s.inodeAreaBlocks)
	binary.LittleEndian.PutUint32(buf[16:20], s.dataBitmapBlocks)
	binary.LittleEndian.PutUint32(buf[20:24], s.dataAreaBlocks)
}

func (s *onDiskSuper) decode(buf []byte) {
	s.magic = binary.LittleEndian.Uint32(buf[0:4])
	s.totalBlocks = binary.LittleEndian.Uint32(buf[4:8])
	s.inodeBitmapBlocks = binary.LittleEndian.Uint32(buf[8:12])
	s.inodeAreaBlocks = binary.LittleEndian.Uint32(buf[12:16])
	s.dataBitmapBlocks = binary.LittleEndian.Uint32(buf[16:20])
	s.dataAreaBlocks = binary.LittleEndian.Uint32(buf[20:24])
}

// diskInode is the 128-byte on-disk inode record.
type diskInode struct {
	size      uint32
	itype     uint32
	direct    [directCount]uint32
	indirect1 uint32
	indirect2 uint32
}

func (d *diskInode) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], d.size)
	binary.LittleEndian.PutUint32(buf[4:8], d.itype)
	off := 8
	for i := 0; i < directCount; i++ {
		binary.LittleEndian.PutUint32(buf[off:off+4], d.direct[i])
		off += 4
	}
	binary.LittleEndian.PutUint32(buf[off:off+4], d.indirect1)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:off+4], d.indirect2)
}

func (d *diskInode) decode(buf []byte) {
	d.size = binary.LittleEndian.Uint32(buf[0:4])
	d.itype = binary.LittleEndian.Uint32(buf[4:8])
	off := 8
	for i := 0; i < directCount; i++ {
		d.direct[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	d.indirect1 = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	d.indirect2 = binary.LittleEndian.Uint32(buf[off : off+4])
}

// bitmap is one bit-per-object allocation map over whole blocks of the
// device (the inode bitmap or the data bitmap). Scans a bit at a time
// rather than a word at a time — object counts here are small enough that
// a linear scan is simplest and fast enough.
type bitmap struct {
	start  int
	blocks int
}

func (b *bitmap) maximum() int { return b.blocks * blockBits }

func (b *bitmap) alloc(c *bcache.Cache_t) (int, defs.Err_t) {
	for bi := 0; bi < b.blocks; bi++ {
		blk, err := c.Get(b.start + bi)
		if err != 0 {
			return 0, err
		}
		for byteIdx := 0; byteIdx < blockSize; byteIdx++ {
			if blk.Data[byteIdx] == 0xFF {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if blk.Data[byteIdx]&(1<<uint(bit)) == 0 {
					blk.Data[byteIdx] |= 1 << uint(bit)
					blk.MarkDirty()
					c.Relse(blk)
					return bi*blockBits + byteIdx*8 + bit, 0
				}
			}
		}
		c.Relse(blk)
	}
	return 0, defs.ENOSPC
}

func (b *bitmap) dealloc(c *bcache.Cache_t, bit int) {
	bi := bit / blockBits
	within := bit % blockBits
	byteIdx := within / 8
	bitIdx := uint(within % 8)
	blk, err := c.Get(b.start + bi)
	if err != 0 {
		return
	}
	blk.Data[byteIdx] &^= 1 << bitIdx
	blk.MarkDirty()
	c.Relse(blk)
}

// FS is one mounted simple-FS instance: the block cache plus the inode
// and data bitmaps/areas computed by Create or recovered by Open.
type FS struct {
	mu             sync.Mutex
	cache          *bcache.Cache_t
	inodeBitmap    bitmap
	dataBitmap     bitmap
	inodeAreaStart int
	dataAreaStart  int
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// Create formats disk as a fresh simple file system spanning totalBlocks
// blocks, with inodeBitmapBlocks blocks devoted to the inode bitmap; the
// remaining layout — inode area, data bitmap, data area — is derived from
// it. Allocates inode 0 for the root directory, and asserts it, since
// every lookup elsewhere in this package treats ino 0 as the tombstone
// sentinel rather than a nameable child.
func Create(disk bcache.Disk_i, cacheBlocks, totalBlocks, inodeBitmapBlocks int) (*FS, defs.Err_t) {
	cache := bcache.NewCache(cacheBlocks, disk)

	inodeBitmap := bitmap{start: 1, blocks: inodeBitmapBlocks}
	inodeNum := inodeBitmap.maximum()
	inodeAreaBlocks := ceilDiv(inodeNum*diskInodeSize, blockSize)
	inodeTotalBlocks := inodeBitmapBlocks + inodeAreaBlocks
	dataTotalBlocks := totalBlocks - 1 - inodeTotalBlocks
	if dataTotalBlocks <= 0 {
		return nil, defs.ENOSPC
	}
	dataBitmapBlocks := ceilDiv(dataTotalBlocks, blockBits+1)
	if dataBitmapBlocks == 0 {
		dataBitmapBlocks = 1
	}
	dataAreaBlocks := dataTotalBlocks - dataBitmapBlocks
	dataBitmap := bitmap{start: 1 + inodeTotalBlocks, blocks: dataBitmapBlocks}

	fs := &FS{
		cache:          cache,
		inodeBitmap:    inodeBitmap,
		dataBitmap:     dataBitmap,
		inodeAreaStart: 1 + inodeBitmapBlocks,
		dataAreaStart:  1 + inodeTotalBlocks + dataBitmapBlocks,
	}

	for i := 0; i < totalBlocks; i++ {
		fs.zeroBlock(i)
	}

	sb := onDiskSuper{
		magic:             magic,
		totalBlocks:       uint32(totalBlocks),
		inodeBitmapBlocks: uint32(inodeBitmapBlocks),
		inodeAreaBlocks:   uint32(inodeAreaBlocks),
		dataBitmapBlocks:  uint32(dataBitmapBlocks),
		dataAreaBlocks:    uint32(dataAreaBlocks),
	}
	blk, err := cache.Get(0)
	if err != 0 {
		return nil, err
	}
	sb.encode(blk.Data[:])
	blk.MarkDirty()
	cache.Relse(blk)

	rootIno, err := fs.allocInode()
	if err != 0 {
		return nil, err
	}
	if rootIno != 0 {
		panic("simplefs: root inode must be allocated as ino 0")
	}
	root := newInode(fs, rootIno)
	root.loaded = true
	root.d = diskInode{itype: uint32(defs.I_DIR)}
	root.persistLocked()

	if err := cache.SyncAll(); err != 0 {
		return nil, err
	}
	return fs, 0
}

// Open mounts an existing simple-FS image previously written by Create,
// recovering the layout from the on-disk super block.
func Open(disk bcache.Disk_i, cacheBlocks int) (*FS, defs.Err_t) {
	cache := bcache.NewCache(cacheBlocks, disk)
	blk, err := cache.Get(0)
	if err != 0 {
		return nil, err
	}
	var sb onDiskSuper
	sb.decode(blk.Data[:])
	cache.Relse(blk)
	if sb.magic != magic {
		return nil, defs.EINVAL
	}
	inodeTotalBlocks := int(sb.inodeBitmapBlocks) + int(sb.inodeAreaBlocks)
	fs := &FS{
		cache:          cache,
		inodeBitmap:    bitmap{start: 1, blocks: int(sb.inodeBitmapBlocks)},
		dataBitmap:     bitmap{start: 1 + inodeTotalBlocks, blocks: int(sb.dataBitmapBlocks)},
		inodeAreaStart: 1 + int(sb.inodeBitmapBlocks),
		dataAreaStart:  1 + inodeTotalBlocks + int(sb.dataBitmapBlocks),
	}
	return fs, 0
}

func (fs *FS) diskInodePos(ino uint64) (int, int) {
	i := int(ino)
	return fs.inodeAreaStart + i/inodesPerBlock, (i % inodesPerBlock) * diskInodeSize
}

func (fs *FS) allocInode() (uint64, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	bit, err := fs.inodeBitmap.alloc(fs.cache)
	if err != 0 {
		return 0, err
	}
	return uint64(bit), 0
}

func (fs *FS) allocData() (int, defs.Err_t) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	bit, err := fs.dataBitmap.alloc(fs.cache)
	if err != 0 {
		return 0, err
	}
	// The bitmap has more bits than the data area has blocks; alloc takes
	// the lowest free bit, so one past the area means the area is full.
	blk, err := fs.cache.Get(0)
	if err != 0 {
		fs.dataBitmap.dealloc(fs.cache, bit)
		return 0, err
	}
	var sb onDiskSuper
	sb.decode(blk.Data[:])
	fs.cache.Relse(blk)
	if bit >= int(sb.dataAreaBlocks) {
		fs.dataBitmap.dealloc(fs.cache, bit)
		return 0, defs.ENOSPC
	}
	return bit + fs.dataAreaStart, 0
}

func (fs *FS) deallocData(block int) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.zeroBlock(block)
	fs.dataBitmap.dealloc(fs.cache, block-fs.dataAreaStart)
}

func (fs *FS) zeroBlock(id int) {
	blk, err := fs.cache.Get(id)
	if err != 0 {
		return
	}
	for i := range blk.Data {
		blk.Data[i] = 0
	}
	blk.MarkDirty()
	fs.cache.Relse(blk)
}

// ptrBlockEntry reads entry idx of the pointer block blockID, allocating
// and zeroing a fresh block for it (and writing the new pointer back) if
// it is absent and alloc is set. Used for both indirect1's direct leaves
// and indirect2's two levels, since both are just arrays of block-id
// pointers of the same shape (efs.rs's vfs.rs get_block_id).
func (fs *FS) ptrBlockEntry(blockID, idx int, alloc bool) (int, defs.Err_t) {
	blk, err := fs.cache.Get(blockID)
	if err != 0 {
		return 0, err
	}
	off := idx * 4
	val := binary.LittleEndian.Uint32(blk.Data[off : off+4])
	fs.cache.Relse(blk)
	if val != 0 {
		return int(val), 0
	}
	if !alloc {
		return 0, 0
	}
	newID, aerr := fs.allocData()
	if aerr != 0 {
		return 0, aerr
	}
	fs.zeroBlock(newID)
	blk2, err2 := fs.cache.Get(blockID)
	if err2 != 0 {
		return 0, err2
	}
	binary.LittleEndian.PutUint32(blk2.Data[off:off+4], uint32(newID))
	blk2.MarkDirty()
	fs.cache.Relse(blk2)
	return newID, 0
}

// inode is the vfs.InodeOps back-end for one simple-FS file or directory.
// Composition, not embedding: pkg/vfs.Inode carries the
// shared fields, this struct carries the on-disk bookkeeping.
type inode struct {
	mu       sync.Mutex
	fs       *FS
	ino      uint64
	blockID  int
	blockOff int
	loaded   bool
	d        diskInode
}

func newInode(fs *FS, ino uint64) *inode {
	n := &inode{fs: fs, ino: ino}
	n.blockID, n.blockOff = fs.diskInodePos(ino)
	return n
}

// ensureLoadedLocked materializes the in-memory fields from the disk
// block on first use, guarded by n.mu throughout so a concurrent reader
// can never observe the struct half-loaded.
func (n *inode) ensureLoadedLocked() defs.Err_t {
	if n.loaded {
		return 0
	}
	blk, err := n.fs.cache.Get(n.blockID)
	if err != 0 {
		return err
	}
	n.d.decode(blk.Data[n.blockOff : n.blockOff+diskInodeSize])
	n.fs.cache.Relse(blk)
	n.loaded = true
	return 0
}

func (n *inode) persistLocked() {
	blk, err := n.fs.cache.Get(n.blockID)
	if err != 0 {
		return
	}
	n.d.encode(blk.Data[n.blockOff : n.blockOff+diskInodeSize])
	blk.MarkDirty()
	n.fs.cache.Relse(blk)
}

// blockAtLocked resolves file-relative block index to a disk block id
// through the direct/indirect1/indirect2 pointer structure, allocating
// missing blocks along the way when alloc is set (lazy block allocation
// on write).
func (n *inode) blockAtLocked(index int, alloc bool) (int, defs.Err_t) {
	switch {
	case index < directCount:
		if n.d.direct[index] == 0 {
			if !alloc {
				return 0, 0
			}
			id, err := n.fs.allocData()
			if err != 0 {
				return 0, err
			}
			n.d.direct[index] = uint32(id)
		}
		return int(n.d.direct[index]), 0
	case index < indirect1Bound:
		idx := index - directCount
		if n.d.indirect1 == 0 {
			if !alloc {
				return 0, 0
			}
			id, err := n.fs.allocData()
			if err != 0 {
				return 0, err
			}
			n.fs.zeroBlock(id)
			n.d.indirect1 = uint32(id)
		}
		return n.fs.ptrBlockEntry(int(n.d.indirect1), idx, alloc)
	case index < indirect2Bound:
		idx := index - indirect1Bound
		outer, inner := idx/ptrsPerBlock, idx%ptrsPerBlock
		if n.d.indirect2 == 0 {
			if !alloc {
				return 0, 0
			}
			id, err := n.fs.allocData()
			if err != 0 {
				return 0, err
			}
			n.fs.zeroBlock(id)
			n.d.indirect2 = uint32(id)
		}
		innerID, err := n.fs.ptrBlockEntry(int(n.d.indirect2), outer, alloc)
		if err != 0 || innerID == 0 {
			return 0, err
		}
		return n.fs.ptrBlockEntry(innerID, inner, alloc)
	default:
		return 0, defs.EFBIG
	}
}

// rawReadLocked/rawWriteLocked move bytes between buf and the file's
// blocks without going through a vm.Userio_i, since directory-entry scans
// are kernel-internal and have no user buffer to fault against. Read/Write
// below are thin Userio_i adapters over these.
func (n *inode) rawReadLocked(buf []byte, offset int64) int {
	total := 0
	off := offset
	for total < len(buf) && off < int64(n.d.size) {
		blockIndex := int(off / blockSize)
		blockID, err := n.blockAtLocked(blockIndex, false)
		if err != 0 || blockID == 0 {
			break
		}
		inOff := int(off % blockSize)
		span := blockSize - inOff
		if span > len(buf)-total {
			span = len(buf) - total
		}
		if int64(span) > int64(n.d.size)-off {
			span = int(int64(n.d.size) - off)
		}
		blk, gerr := n.fs.cache.Get(blockID)
		if gerr != 0 {
			break
		}
		copy(buf[total:total+span], blk.Data[inOff:inOff+span])
		n.fs.cache.Relse(blk)
		total += span
		off += int64(span)
	}
	return total
}

// rawWriteLocked returns the number of bytes actually written and, if it
// stopped short of len(buf), the error that stopped it (0 if it simply
// completed).
func (n *inode) rawWriteLocked(buf []byte, offset int64) (int, defs.Err_t) {
	total := 0
	off := offset
	var stopErr defs.Err_t
	for total < len(buf) {
		blockIndex := int(off / blockSize)
		blockID, err := n.blockAtLocked(blockIndex, true)
		if err != 0 {
			stopErr = err
			break
		}
		inOff := int(off % blockSize)
		span := blockSize - inOff
		if span > len(buf)-total {
			span = len(buf) - total
		}
		blk, gerr := n.fs.cache.Get(blockID)
		if gerr != 0 {
			stopErr = gerr
			break
		}
		copy(blk.Data[inOff:inOff+span], buf[total:total+span])
		blk.MarkDirty()
		n.fs.cache.Relse(blk)
		total += span
		off += int64(span)
	}
	if off > int64(n.d.size) {
		n.d.size = uint32(off)
	}
	return total, stopErr
}

// dirEntry is the 34-byte directory-entry layout: name[<=30] plus a
// uint32 ino. An all-zero ino marks a tombstone left by ConcreteUnlink;
// scans skip it.
func encodeDirEntry(name string, ino uint64) []byte {
	buf := make([]byte, direntSize)
	copy(buf[:maxNameLen], name)
	binary.LittleEndian.PutUint32(buf[maxNameLen:], uint32(ino))
	return buf
}

func decodeDirEntry(buf []byte) (string, uint64) {
	end := 0
	for end < maxNameLen && buf[end] != 0 {
		end++
	}
	return string(buf[:end]), uint64(binary.LittleEndian.Uint32(buf[maxNameLen:]))
}

// findLocked scans this directory's entries for name, skipping tombstones.
func (n *inode) findLocked(name string) (uint64, bool) {
	count := int(n.d.size) / direntSize
	buf := make([]byte, direntSize)
	for i := 0; i < count; i++ {
		if got := n.rawReadLocked(buf, int64(i*direntSize)); got != direntSize {
			break
		}
		entName, ino := decodeDirEntry(buf)
		if ino == 0 {
			continue
		}
		if entName == name {
			return ino, true
		}
	}
	return 0, false
}

// appendOrReuseEntryLocked writes (name, ino) into the first tombstone
// slot this directory has, or appends a new entry past the end — the
// standard fixed-size-slot directory-growth strategy: unlinking clears an
// entry (leaves a hole) rather than compacting.
func (n *inode) appendOrReuseEntryLocked(name string, ino uint64) defs.Err_t {
	count := int(n.d.size) / direntSize
	buf := make([]byte, direntSize)
	for i := 0; i < count; i++ {
		if got := n.rawReadLocked(buf, int64(i*direntSize)); got != direntSize {
			break
		}
		if _, existingIno := decodeDirEntry(buf); existingIno == 0 {
			if _, err := n.rawWriteLocked(encodeDirEntry(name, ino), int64(i*direntSize)); err != 0 {
				return err
			}
			n.persistLocked()
			return 0
		}
	}
	if _, err := n.rawWriteLocked(encodeDirEntry(name, ino), int64(count*direntSize)); err != 0 {
		return err
	}
	n.persistLocked()
	return 0
}

func (n *inode) ConcreteLookup(name string) (uint64, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ensureLoadedLocked(); err != 0 {
		return 0, err
	}
	if ino, ok := n.findLocked(name); ok {
		return ino, 0
	}
	return 0, defs.ENOENT
}

func (n *inode) ConcreteCreate(name string, itype defs.Itype_t) (uint64, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ensureLoadedLocked(); err != 0 {
		return 0, err
	}
	if defs.Itype_t(n.d.itype) != defs.I_DIR {
		return 0, defs.ENOTDIR
	}
	if _, ok := n.findLocked(name); ok {
		return 0, defs.EEXIST
	}
	ino, err := n.fs.allocInode()
	if err != 0 {
		return 0, err
	}
	child := newInode(n.fs, ino)
	child.loaded = true
	child.d = diskInode{itype: uint32(itype)}
	child.persistLocked()
	if err := n.appendOrReuseEntryLocked(name, ino); err != 0 {
		return 0, err
	}
	return ino, 0
}

func (n *inode) ConcreteLink(name string, ino uint64) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ensureLoadedLocked(); err != 0 {
		return err
	}
	if defs.Itype_t(n.d.itype) != defs.I_DIR {
		return defs.ENOTDIR
	}
	if _, ok := n.findLocked(name); ok {
		return defs.EEXIST
	}
	return n.appendOrReuseEntryLocked(name, ino)
}

func (n *inode) ConcreteUnlink(name string) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ensureLoadedLocked(); err != 0 {
		return err
	}
	count := int(n.d.size) / direntSize
	buf := make([]byte, direntSize)
	for i := 0; i < count; i++ {
		if got := n.rawReadLocked(buf, int64(i*direntSize)); got != direntSize {
			break
		}
		entName, ino := decodeDirEntry(buf)
		if ino == 0 || entName != name {
			continue
		}
		// The block holding this entry is already allocated, so this write
		// cannot hit ENOSPC; the tombstone write failing here would mean a
		// disk I/O error, which the current bcache.Disk_i never surfaces.
		if _, err := n.rawWriteLocked(make([]byte, direntSize), int64(i*direntSize)); err != 0 {
			return err
		}
		n.persistLocked()
		return 0
	}
	return defs.ENOENT
}

func (n *inode) Read(uio vm.Userio_i, offset int64) (int, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ensureLoadedLocked(); err != 0 {
		return 0, err
	}
	if offset >= int64(n.d.size) {
		return 0, 0
	}
	want := uio.Remain()
	if int64(want) > int64(n.d.size)-offset {
		want = int(int64(n.d.size) - offset)
	}
	buf := make([]byte, want)
	got := n.rawReadLocked(buf, offset)
	return uio.Uio_write(buf[:got])
}

// Write fills uio.Remain() bytes starting at offset, allocating blocks on
// demand. Writing past the double-indirect bound writes zero bytes
// without error.
func (n *inode) Write(uio vm.Userio_i, offset int64) (int, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ensureLoadedLocked(); err != 0 {
		return 0, err
	}
	if offset/blockSize >= indirect2Bound {
		return 0, 0
	}
	want := uio.Remain()
	buf := make([]byte, want)
	read, rerr := uio.Uio_read(buf)
	if read == 0 {
		return 0, rerr
	}
	buf = buf[:read]
	maxSpan := (indirect2Bound-int(offset/blockSize))*blockSize - int(offset%blockSize)
	if maxSpan < 0 {
		maxSpan = 0
	}
	if len(buf) > maxSpan {
		buf = buf[:maxSpan]
	}
	n2, werr := n.rawWriteLocked(buf, offset)
	n.persistLocked()
	if n2 == 0 && werr != 0 {
		return 0, werr
	}
	return n2, 0
}

// clearDataLocked frees every block this inode owns — direct leaves, the
// indirect1 block and its leaves, the indirect2 block and every
// second-level block it points to plus their leaves — and resets size to
// zero. Used by Truncate(0), the path ConcreteUnlink's caller drives when
// an inode's link count reaches zero.
func (n *inode) clearDataLocked() {
	for i := 0; i < directCount; i++ {
		if n.d.direct[i] != 0 {
			n.fs.deallocData(int(n.d.direct[i]))
			n.d.direct[i] = 0
		}
	}
	if n.d.indirect1 != 0 {
		n.freePtrBlockLeaves(int(n.d.indirect1))
		n.fs.deallocData(int(n.d.indirect1))
		n.d.indirect1 = 0
	}
	if n.d.indirect2 != 0 {
		blk, err := n.fs.cache.Get(int(n.d.indirect2))
		if err == 0 {
			for i := 0; i < ptrsPerBlock; i++ {
				off := i * 4
				id := binary.LittleEndian.Uint32(blk.Data[off : off+4])
				if id != 0 {
					n.freePtrBlockLeaves(int(id))
					n.fs.deallocData(int(id))
				}
			}
			n.fs.cache.Relse(blk)
		}
		n.fs.deallocData(int(n.d.indirect2))
		n.d.indirect2 = 0
	}
	n.d.size = 0
}

func (n *inode) freePtrBlockLeaves(blockID int) {
	blk, err := n.fs.cache.Get(blockID)
	if err != 0 {
		return
	}
	for i := 0; i < ptrsPerBlock; i++ {
		off := i * 4
		id := binary.LittleEndian.Uint32(blk.Data[off : off+4])
		if id != 0 {
			n.fs.deallocData(int(id))
		}
	}
	n.fs.cache.Relse(blk)
}

// Truncate(0) reclaims every data block (the unlink-to-zero-links path);
// truncating to a positive size only adjusts the visible length and
// reclaims no blocks, much as tmpfs's Truncate shrinks by reslicing
// without releasing its backing array.
func (n *inode) Truncate(size int64) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.ensureLoadedLocked(); err != 0 {
		return err
	}
	if size < 0 {
		return defs.EINVAL
	}
	if size == 0 {
		n.clearDataLocked()
	} else {
		n.d.size = uint32(size)
	}
	n.persistLocked()
	return 0
}

// Flush writes the in-memory inode fields back to the cached disk block.
// Every mutating path above already calls persistLocked itself, so this
// mainly matters for a cache eviction sweep with no other reason to touch
// the inode.
func (n *inode) Flush() defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.loaded {
		return 0
	}
	n.persistLocked()
	return 0
}

const (
	defaultInodeCacheCap = 256
	defaultDentryLRUCap  = 128
)

// MountOptions selects how a simple-FS device is brought up: Format=true
// runs the equivalent of mkfs on a fresh device, Format=false opens an
// image a prior Format=true mount already wrote.
type MountOptions struct {
	Disk              bcache.Disk_i
	CacheBlocks       int
	Format            bool
	TotalBlocks       int
	InodeBitmapBlocks int
}

// Register installs the "simplefs" file-system type in pkg/vfs's registry.
// Mount expects dev to be a *MountOptions.
func Register() {
	vfs.Register(&vfs.FileSystemType{Name: "simplefs", Mount: mount})
}

func mount(dev any) (*vfs.SuperBlock, defs.Err_t) {
	opts, ok := dev.(*MountOptions)
	if !ok {
		return nil, defs.EINVAL
	}
	var fs *FS
	var err defs.Err_t
	if opts.Format {
		fs, err = Create(opts.Disk, opts.CacheBlocks, opts.TotalBlocks, opts.InodeBitmapBlocks)
	} else {
		fs, err = Open(opts.Disk, opts.CacheBlocks)
	}
	if err != 0 {
		return nil, err
	}

	fstype, _ := vfs.LookupFSType("simplefs")
	sb := vfs.NewSuperBlock(fstype, defaultInodeCacheCap, defaultDentryLRUCap)
	sb.ReadIno = func(ino uint64) (*vfs.Inode, defs.Err_t) {
		n := newInode(fs, ino)
		n.mu.Lock()
		lerr := n.ensureLoadedLocked()
		if lerr != 0 {
			n.mu.Unlock()
			return nil, lerr
		}
		size := int64(n.d.size)
		itype := defs.Itype_t(n.d.itype)
		n.mu.Unlock()
		return &vfs.Inode{Ino: ino, Sb: sb, Size: size, Nlink: 1, Itype: itype, Ops: n}, 0
	}
	rootInode, rerr := sb.ReadIno(0)
	if rerr != 0 {
		return nil, rerr
	}
	sb.SetRoot(vfs.NewRoot(sb, rootInode, sb.Dcache))
	return sb, 0
}

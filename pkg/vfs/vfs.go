// Package vfs implements the uniform Dentry/Inode/SuperBlock/File contracts
// every concrete file system (pkg/simplefs, pkg/tmpfs, pkg/procfs,
// pkg/devfs, pkg/pipe) plugs into, plus the dentry and inode caches.
//
// Polymorphism over concrete file systems is expressed as composition of
// an inner struct plus an interface, never deep embedding chains.
package vfs

import (
	"sync"
	"time"

	"oskit/pkg/defs"
	"oskit/pkg/vm"
)

// InodeState is an Inode's cache/dirty state.
type InodeState int

const (
	Invalid InodeState = iota
	Valid
	Dirty
)

// InodeOps is what a concrete file system implements per inode, following
// the composition-of-an-inner-struct-plus-an-interface pattern. The
// generic Dentry methods in this file enforce cross-cutting invariants
// then delegate to these.
type InodeOps interface {
	// ConcreteLookup resolves name within a directory inode, returning the
	// child's inode number. ENOENT if absent.
	ConcreteLookup(name string) (ino uint64, err defs.Err_t)
	// ConcreteCreate allocates a new inode of itype named name within a
	// directory inode and returns its number.
	ConcreteCreate(name string, itype defs.Itype_t) (ino uint64, err defs.Err_t)
	// ConcreteUnlink removes name from a directory inode.
	ConcreteUnlink(name string) defs.Err_t
	// ConcreteLink binds an existing inode number to a new name within a
	// directory inode, used by the generic Link operation.
	ConcreteLink(name string, ino uint64) defs.Err_t
	// Read/Write operate at a byte offset via a Userio_i, as a regular
	// file's read(2)/write(2) would.
	Read(uio vm.Userio_i, offset int64) (int, defs.Err_t)
	Write(uio vm.Userio_i, offset int64) (int, defs.Err_t)
	Truncate(size int64) defs.Err_t
	// Flush writes the inode back to its backing store if Dirty.
	Flush() defs.Err_t
}

// Inode is the VFS-common record for one file-system object. Concrete
// back-ends embed *Inode and supply Ops.
type Inode struct {
	mu    sync.Mutex
	Ino   uint64
	Sb    *SuperBlock
	Size  int64
	Nlink int
	Itype defs.Itype_t
	Mode  uint32
	Atime, Mtime, Ctime time.Time
	State InodeState
	Ops   InodeOps
}

func (ip *Inode) markDirty() {
	ip.mu.Lock()
	ip.State = Dirty
	ip.mu.Unlock()
}

// SuperBlock is one mounted file-system instance.
type SuperBlock struct {
	mu       sync.Mutex
	fstype   *FileSystemType
	root     *Dentry
	inodes   *InodeCache
	Dcache   *DentryCache
	AllocIno func(itype defs.Itype_t) (*Inode, defs.Err_t)
	ReadIno  func(ino uint64) (*Inode, defs.Err_t)
}

// NewSuperBlock creates an unmounted superblock with its own inode and
// dentry caches. A concrete FileSystemType's Mount calls this, fills in
// AllocIno/ReadIno, builds the root inode, then calls SetRoot.
func NewSuperBlock(fstype *FileSystemType, inodeCacheCap, dentryLRUCap int) *SuperBlock {
	return &SuperBlock{
		fstype: fstype,
		inodes: NewInodeCache(inodeCacheCap),
		Dcache: NewDentryCache(dentryLRUCap),
	}
}

// Root returns the mount's root dentry, set exactly once by SetRoot.
func (sb *SuperBlock) Root() *Dentry { return sb.root }

// SetRoot installs the mount's root dentry. Called once by a
// FileSystemType's Mount implementation.
func (sb *SuperBlock) SetRoot(d *Dentry) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.root != nil {
		panic("vfs: superblock root set twice")
	}
	sb.root = d
}

// GetInode returns the cached Inode for ino, materializing it via ReadIno
// on a cache miss.
func (sb *SuperBlock) GetInode(ino uint64) (*Inode, defs.Err_t) {
	if ip, ok := sb.inodes.get(ino); ok {
		return ip, 0
	}
	ip, err := sb.ReadIno(ino)
	if err != 0 {
		return nil, err
	}
	sb.inodes.put(ino, ip)
	return ip, 0
}

// FileSystemType is the registry entry a concrete back-end registers.
// Mount takes a caller-supplied block device/backing and returns a fresh
// SuperBlock; devfs/tmpfs/procfs ignore the device.
type FileSystemType struct {
	Name  string
	Mount func(dev any) (*SuperBlock, defs.Err_t)
}

var registry = struct {
	mu    sync.Mutex
	types map[string]*FileSystemType
}{types: map[string]*FileSystemType{}}

// Register adds a file-system type to the global registry, called once
// per back-end during boot.
func Register(t *FileSystemType) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.types[t.Name] = t
}

// LookupFSType finds a registered file-system type by name.
func LookupFSType(name string) (*FileSystemType, bool) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	t, ok := registry.types[name]
	return t, ok
}

// File is an open file description: a dentry, an offset that advances on
// sequential read/write, and the flags it was opened with.
type File struct {
	mu      sync.Mutex
	Dentry  *Dentry
	offset  int64
	Flags   defs.OpenFlags
}

// Open constructs a File over d, seeking to the end first if APPEND was
// requested.
func Open(d *Dentry, flags defs.OpenFlags) (*File, defs.Err_t) {
	f := &File{Dentry: d, Flags: flags}
	if flags.Has(defs.O_APPEND) && d.inode != nil {
		f.offset = d.inode.Size
	}
	return f, 0
}

func (f *File) Read(uio vm.Userio_i) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ip := f.Dentry.inode
	if ip == nil {
		return 0, defs.EINVAL
	}
	n, err := ip.Ops.Read(uio, f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *File) Write(uio vm.Userio_i) (int, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ip := f.Dentry.inode
	if ip == nil {
		return 0, defs.EINVAL
	}
	n, err := ip.Ops.Write(uio, f.offset)
	f.offset += int64(n)
	if n > 0 {
		ip.markDirty()
	}
	return n, err
}

// ReadAt/WriteAt are positional and do not advance the file's offset.
func (f *File) ReadAt(uio vm.Userio_i, offset int64) (int, defs.Err_t) {
	ip := f.Dentry.inode
	if ip == nil {
		return 0, defs.EINVAL
	}
	return ip.Ops.Read(uio, offset)
}

func (f *File) WriteAt(uio vm.Userio_i, offset int64) (int, defs.Err_t) {
	ip := f.Dentry.inode
	if ip == nil {
		return 0, defs.EINVAL
	}
	n, err := ip.Ops.Write(uio, offset)
	if n > 0 {
		ip.markDirty()
	}
	return n, err
}

func (f *File) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

// Package tmpfs is a volatile, entirely in-memory file system: each file
// backs its data with a growable byte buffer rather than any disk block.
// Inodes are an inner struct implementing pkg/vfs's InodeOps, the same
// composition shape every concrete back-end in this tree uses.
package tmpfs

import (
	"sync"

	"oskit/pkg/defs"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

type inode struct {
	mu      sync.Mutex
	fs      *fsState
	ino     uint64
	itype   defs.Itype_t
	data    []byte
	entries map[string]uint64
}

func (n *inode) ConcreteLookup(name string) (uint64, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	ino, ok := n.entries[name]
	if !ok {
		return 0, defs.ENOENT
	}
	return ino, 0
}

func (n *inode) ConcreteCreate(name string, itype defs.Itype_t) (uint64, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.entries[name]; ok {
		return 0, defs.EEXIST
	}
	child := n.fs.alloc(itype)
	n.entries[name] = child.ino
	return child.ino, 0
}

func (n *inode) ConcreteLink(name string, ino uint64) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.entries[name]; ok {
		return defs.EEXIST
	}
	n.entries[name] = ino
	return 0
}

func (n *inode) ConcreteUnlink(name string) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.entries[name]; !ok {
		return defs.ENOENT
	}
	delete(n.entries, name)
	return 0
}

func (n *inode) Read(uio vm.Userio_i, offset int64) (int, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if offset >= int64(len(n.data)) {
		return 0, 0
	}
	return uio.Uio_write(n.data[offset:])
}

func (n *inode) Write(uio vm.Userio_i, offset int64) (int, defs.Err_t) {
	n.mu.Lock()
	defer n.mu.Unlock()
	need := int(offset) + uio.Remain()
	if need > len(n.data) {
		grown := make([]byte, need)
		copy(grown, n.data)
		n.data = grown
	}
	return uio.Uio_read(n.data[offset:])
}

func (n *inode) Truncate(size int64) defs.Err_t {
	n.mu.Lock()
	defer n.mu.Unlock()
	if size < 0 {
		return defs.EINVAL
	}
	if int(size) <= len(n.data) {
		n.data = n.data[:size]
		return 0
	}
	grown := make([]byte, size)
	copy(grown, n.data)
	n.data = grown
	return 0
}

func (n *inode) Flush() defs.Err_t { return 0 }

// fsState holds every inode in one mounted tmpfs instance; nothing is ever
// written back, so there is no backing device to wire to pkg/bcache.
type fsState struct {
	mu      sync.Mutex
	sb      *vfs.SuperBlock
	nextIno uint64
	inodes  map[uint64]*inode
}

func (fs *fsState) alloc(itype defs.Itype_t) *inode {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.nextIno++
	n := &inode{fs: fs, ino: fs.nextIno, itype: itype}
	if itype == defs.I_DIR {
		n.entries = map[string]uint64{}
	}
	fs.inodes[n.ino] = n
	return n
}

const (
	defaultInodeCacheCap = 256
	defaultDentryLRUCap  = 128
)

// Register installs the "tmpfs" file-system type in pkg/vfs's registry, so
// a mount call can name it like any other back-end.
func Register() {
	vfs.Register(&vfs.FileSystemType{Name: "tmpfs", Mount: mount})
}

func mount(_ any) (*vfs.SuperBlock, defs.Err_t) {
	var fstype *vfs.FileSystemType
	fstype, _ = vfs.LookupFSType("tmpfs")
	sb := vfs.NewSuperBlock(fstype, defaultInodeCacheCap, defaultDentryLRUCap)
	fs := &fsState{sb: sb, inodes: map[uint64]*inode{}}
	root := fs.alloc(defs.I_DIR)

	sb.ReadIno = func(ino uint64) (*vfs.Inode, defs.Err_t) {
		fs.mu.Lock()
		n, ok := fs.inodes[ino]
		fs.mu.Unlock()
		if !ok {
			return nil, defs.ENOENT
		}
		n.mu.Lock()
		size := int64(len(n.data))
		n.mu.Unlock()
		return &vfs.Inode{Ino: n.ino, Sb: sb, Size: size, Nlink: 1, Itype: n.itype, Ops: n}, 0
	}
	rootInode, err := sb.ReadIno(root.ino)
	if err != 0 {
		return nil, err
	}
	sb.SetRoot(vfs.NewRoot(sb, rootInode, sb.Dcache))
	return sb, 0
}

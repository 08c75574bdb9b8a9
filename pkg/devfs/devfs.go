// Package devfs hosts character devices (tty, urandom, null) as VFS
// inodes, dispatching reads and writes by major number through a small
// device-driver registry.
package devfs

import (
	"crypto/rand"
	"sync"

	"oskit/pkg/defs"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

// Device is a character device's read/write implementation, looked up by
// major number at mount time.
type Device interface {
	Read(uio vm.Userio_i) (int, defs.Err_t)
	Write(uio vm.Userio_i) (int, defs.Err_t)
}

type nullDevice struct{}

func (nullDevice) Read(vm.Userio_i) (int, defs.Err_t)       { return 0, 0 }
func (nullDevice) Write(uio vm.Userio_i) (int, defs.Err_t) { return uio.Remain(), 0 }

// urandomDevice serves cryptographically random bytes via crypto/rand.
type urandomDevice struct{}

func (urandomDevice) Read(uio vm.Userio_i) (int, defs.Err_t) {
	n := uio.Remain()
	if n <= 0 {
		return 0, 0
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return 0, defs.EIO
	}
	written, werr := uio.Uio_write(buf)
	return written, werr
}
func (urandomDevice) Write(uio vm.Userio_i) (int, defs.Err_t) { return uio.Remain(), 0 }

// ttyDevice loopbacks a fixed in-memory line for now; a real console
// device would wire this to the boot terminal.
type ttyDevice struct {
	mu  sync.Mutex
	buf []byte
}

func (d *ttyDevice) Read(uio vm.Userio_i) (int, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buf) == 0 {
		return 0, 0
	}
	n, err := uio.Uio_write(d.buf)
	d.buf = d.buf[n:]
	return n, err
}

func (d *ttyDevice) Write(uio vm.Userio_i) (int, defs.Err_t) {
	n := uio.Remain()
	tmp := make([]byte, n)
	read, err := uio.Uio_read(tmp)
	if err != 0 {
		return read, err
	}
	d.mu.Lock()
	d.buf = append(d.buf, tmp[:read]...)
	d.mu.Unlock()
	return read, 0
}

var registry = map[int]Device{
	defs.D_DEVNULL: nullDevice{},
	defs.D_URANDOM: urandomDevice{},
	defs.D_TTY:     &ttyDevice{},
}

// devInode is a single devfs directory entry; it carries a major/minor
// pair and delegates Read/Write to the matching Device.
type devInode struct {
	ino      uint64
	major    int
	dev      Device
}

func (n *devInode) ConcreteLookup(string) (uint64, defs.Err_t)               { return 0, defs.ENOTDIR }
func (n *devInode) ConcreteCreate(string, defs.Itype_t) (uint64, defs.Err_t) { return 0, defs.EROFS }
func (n *devInode) ConcreteLink(string, uint64) defs.Err_t                   { return defs.EROFS }
func (n *devInode) ConcreteUnlink(string) defs.Err_t                        { return defs.EROFS }
func (n *devInode) Truncate(int64) defs.Err_t                               { return defs.EINVAL }
func (n *devInode) Flush() defs.Err_t                                       { return 0 }

func (n *devInode) Read(uio vm.Userio_i, _ int64) (int, defs.Err_t)  { return n.dev.Read(uio) }
func (n *devInode) Write(uio vm.Userio_i, _ int64) (int, defs.Err_t) { return n.dev.Write(uio) }

type devDir struct {
	entries map[string]uint64
}

func (d *devDir) ConcreteLookup(name string) (uint64, defs.Err_t) {
	ino, ok := d.entries[name]
	if !ok {
		return 0, defs.ENOENT
	}
	return ino, 0
}
func (d *devDir) ConcreteCreate(string, defs.Itype_t) (uint64, defs.Err_t) { return 0, defs.EROFS }
func (d *devDir) ConcreteLink(string, uint64) defs.Err_t                   { return defs.EROFS }
func (d *devDir) ConcreteUnlink(string) defs.Err_t                        { return defs.EROFS }
func (d *devDir) Read(vm.Userio_i, int64) (int, defs.Err_t)               { return 0, defs.EISDIR }
func (d *devDir) Write(vm.Userio_i, int64) (int, defs.Err_t)              { return 0, defs.EISDIR }
func (d *devDir) Truncate(int64) defs.Err_t                               { return defs.EROFS }
func (d *devDir) Flush() defs.Err_t                                       { return 0 }

var namedNodes = map[string]int{
	"null":    defs.D_DEVNULL,
	"urandom": defs.D_URANDOM,
	"tty":     defs.D_TTY,
}

// Register installs the "devfs" file-system type.
func Register() {
	vfs.Register(&vfs.FileSystemType{Name: "devfs", Mount: mount})
}

func mount(_ any) (*vfs.SuperBlock, defs.Err_t) {
	fstype, _ := vfs.LookupFSType("devfs")
	sb := vfs.NewSuperBlock(fstype, 16, 16)

	inodes := map[uint64]vfs.InodeOps{}
	var next uint64 = 1
	root := &devDir{entries: map[string]uint64{}}
	inodes[1] = root

	for name, major := range namedNodes {
		next++
		dev, ok := registry[major]
		if !ok {
			continue
		}
		inodes[next] = &devInode{ino: next, major: major, dev: dev}
		root.entries[name] = next
	}

	sb.ReadIno = func(ino uint64) (*vfs.Inode, defs.Err_t) {
		o, ok := inodes[ino]
		if !ok {
			return nil, defs.ENOENT
		}
		itype := defs.I_CHAR
		if _, isDir := o.(*devDir); isDir {
			itype = defs.I_DIR
		}
		return &vfs.Inode{Ino: ino, Sb: sb, Nlink: 1, Itype: itype, Ops: o}, 0
	}
	rootInode, _ := sb.ReadIno(1)
	sb.SetRoot(vfs.NewRoot(sb, rootInode, sb.Dcache))
	return sb, 0
}

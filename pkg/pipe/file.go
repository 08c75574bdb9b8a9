package pipe

import (
	"oskit/pkg/defs"
	"oskit/pkg/mem"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

// readOps/writeOps adapt a pipe's two ends to vfs.InodeOps so pkg/fd's
// FdTable (which only knows how to hold *vfs.File) can carry a pipe fd the
// same way it carries a regular file fd, applying the usual
// composition-of-an-inner-struct-plus-an-interface pattern to a back-end
// with no directory tree at all. The four directory-shaped methods
// (ConcreteLookup/Create/Unlink/Link) are unreachable: a pipe fd is never
// resolved by path, only ever installed directly into a FdTable by the
// pipe() syscall handler.
type readOps struct{ end *ReadEnd }
type writeOps struct{ end *WriteEnd }

func (readOps) ConcreteLookup(string) (uint64, defs.Err_t)            { return 0, defs.ENOTDIR }
func (readOps) ConcreteCreate(string, defs.Itype_t) (uint64, defs.Err_t) { return 0, defs.ENOTDIR }
func (readOps) ConcreteUnlink(string) defs.Err_t                       { return defs.ENOTDIR }
func (readOps) ConcreteLink(string, uint64) defs.Err_t                 { return defs.ENOTDIR }
func (r readOps) Read(uio vm.Userio_i, _ int64) (int, defs.Err_t)      { return r.end.Read(uio) }
func (readOps) Write(vm.Userio_i, int64) (int, defs.Err_t)             { return 0, defs.EBADF }
func (readOps) Truncate(int64) defs.Err_t                              { return defs.EINVAL }
func (readOps) Flush() defs.Err_t                                      { return 0 }

func (writeOps) ConcreteLookup(string) (uint64, defs.Err_t)             { return 0, defs.ENOTDIR }
func (writeOps) ConcreteCreate(string, defs.Itype_t) (uint64, defs.Err_t) { return 0, defs.ENOTDIR }
func (writeOps) ConcreteUnlink(string) defs.Err_t                        { return defs.ENOTDIR }
func (writeOps) ConcreteLink(string, uint64) defs.Err_t                  { return defs.ENOTDIR }
func (writeOps) Read(vm.Userio_i, int64) (int, defs.Err_t)               { return 0, defs.EBADF }
func (w writeOps) Write(uio vm.Userio_i, _ int64) (int, defs.Err_t)      { return w.end.Write(uio) }
func (writeOps) Truncate(int64) defs.Err_t                               { return defs.EINVAL }
func (writeOps) Flush() defs.Err_t                                       { return 0 }

// MakeFiles wires a fresh pipe into a (readFile, writeFile) pair, ready to
// install into a process's FdTable. Each returned File wraps an anonymous,
// parentless Dentry (nil superblock, nil dentry cache) — a pipe has no
// place in the path-name tree and is never mounted anywhere.
func MakeFiles(phys *mem.Physmem_t) (readFile, writeFile *vfs.File, err defs.Err_t) {
	re, we := MakePipe(phys)

	rd := vfs.NewRoot(nil, &vfs.Inode{Itype: defs.I_FIFO, Ops: readOps{end: re}}, nil)
	wd := vfs.NewRoot(nil, &vfs.Inode{Itype: defs.I_FIFO, Ops: writeOps{end: we}}, nil)

	readFile, err = vfs.Open(rd, defs.O_RDONLY)
	if err != 0 {
		return nil, nil, err
	}
	writeFile, err = vfs.Open(wd, defs.O_WRONLY)
	if err != 0 {
		return nil, nil, err
	}
	return readFile, writeFile, 0
}

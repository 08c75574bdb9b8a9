// Package fd implements the per-process file-descriptor table and the
// current-working-directory helper, as a vector of optional Fd_t entries
// with a distinct FdFlags field alongside each entry, rather than bits
// folded into Fd_t itself.
package fd

import (
	"sync"

	"oskit/pkg/defs"
	"oskit/pkg/ustr"
	"oskit/pkg/vfs"
)

// FdFlags is the per-descriptor flag set distinct from the file status
// flags stored on the vfs.File itself.
type FdFlags uint32

const FD_CLOEXEC FdFlags = 1

// Fd_t is one slot in a process's descriptor table.
type Fd_t struct {
	File  *vfs.File
	Flags FdFlags
}

// FdTable is a per-process indexed table of open files. Entries are nil
// when the slot is unused.
type FdTable struct {
	mu     sync.Mutex
	fds    []*Fd_t
	rlimit int
}

// NewFdTable creates an empty table bounded at rlimit descriptors.
func NewFdTable(rlimit int) *FdTable {
	if rlimit <= 0 {
		rlimit = defs.MaxFD
	}
	return &FdTable{rlimit: rlimit}
}

// AllocFd installs f at the lowest unused index, extending the table if
// needed, up to rlimit.
func (t *FdTable) AllocFd(f *vfs.File, flags FdFlags) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.fds {
		if e == nil {
			t.fds[i] = &Fd_t{File: f, Flags: flags}
			return i, 0
		}
	}
	if len(t.fds) >= t.rlimit {
		return -1, defs.EMFILE
	}
	t.fds = append(t.fds, &Fd_t{File: f, Flags: flags})
	return len(t.fds) - 1, 0
}

// InstallAt installs f at exactly fdno, extending the table if needed,
// closing whatever was previously there.
func (t *FdTable) InstallAt(fdno int, f *vfs.File, flags FdFlags) defs.Err_t {
	if fdno < 0 || fdno >= t.rlimit {
		return defs.EBADF
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.fds) <= fdno {
		t.fds = append(t.fds, nil)
	}
	t.fds[fdno] = &Fd_t{File: f, Flags: flags}
	return 0
}

func (t *FdTable) Get(fdno int) (*Fd_t, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fdno < 0 || fdno >= len(t.fds) || t.fds[fdno] == nil {
		return nil, defs.EBADF
	}
	return t.fds[fdno], 0
}

func (t *FdTable) Close(fdno int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fdno < 0 || fdno >= len(t.fds) || t.fds[fdno] == nil {
		return defs.EBADF
	}
	t.fds[fdno] = nil
	return 0
}

// Dup3 closes newfd if open, then aliases it to oldfd's open file.
func (t *FdTable) Dup3(oldfd, newfd int, flags FdFlags) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	if oldfd < 0 || oldfd >= len(t.fds) || t.fds[oldfd] == nil {
		return defs.EBADF
	}
	if oldfd == newfd {
		return defs.EINVAL
	}
	if newfd < 0 || newfd >= t.rlimit {
		return defs.EBADF
	}
	for len(t.fds) <= newfd {
		t.fds = append(t.fds, nil)
	}
	t.fds[newfd] = &Fd_t{File: t.fds[oldfd].File, Flags: flags}
	return 0
}

// Fork returns a deep copy of the table (new Fd_t entries, same underlying
// vfs.File pointers so offsets are shared with the parent). Used on fork
// without the "share files" clone flag.
func (t *FdTable) Fork() *FdTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := &FdTable{rlimit: t.rlimit, fds: make([]*Fd_t, len(t.fds))}
	for i, e := range t.fds {
		if e != nil {
			cp := *e
			nt.fds[i] = &cp
		}
	}
	return nt
}

// CloseOnExec closes every descriptor whose FD_CLOEXEC flag is set,
// called on exec().
func (t *FdTable) CloseOnExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.fds {
		if e != nil && e.Flags&FD_CLOEXEC != 0 {
			t.fds[i] = nil
		}
	}
}

// Cwd_t tracks a process's current working directory.
type Cwd_t struct {
	mu   sync.Mutex
	Dir  *vfs.Dentry
	Path ustr.Ustr
}

func MkRootCwd(root *vfs.Dentry) *Cwd_t {
	return &Cwd_t{Dir: root, Path: ustr.MkUstrRoot()}
}

// Fullpath joins the cwd with p if p is not already absolute.
func (cwd *Cwd_t) Fullpath(p ustr.Ustr) ustr.Ustr {
	cwd.mu.Lock()
	defer cwd.mu.Unlock()
	if p.IsAbsolute() {
		return p
	}
	return cwd.Path.Extend(p)
}

func (cwd *Cwd_t) Chdir(dir *vfs.Dentry, path ustr.Ustr) {
	cwd.mu.Lock()
	defer cwd.mu.Unlock()
	cwd.Dir = dir
	cwd.Path = path
}

// Snapshot returns the current (dir, path) pair, used by fork to seed a
// child's independent Cwd_t with the parent's current location without
// sharing the parent's mutex-guarded struct itself.
func (cwd *Cwd_t) Snapshot() (*vfs.Dentry, ustr.Ustr) {
	cwd.mu.Lock()
	defer cwd.mu.Unlock()
	return cwd.Dir, cwd.Path
}

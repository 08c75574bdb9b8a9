// Package procfs synthesizes read-only file content on demand rather than
// storing bytes: each read regenerates the file's content from live kernel
// state instead of serving a stored buffer. Numbers are rendered with
// golang.org/x/text/message's thousands-grouped formatting.
package procfs

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"oskit/pkg/defs"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

// MemInfo is the live counters /proc/meminfo reports. The caller (the
// frame allocator's owner) refreshes this before any read observes it.
type MemInfo struct {
	TotalBytes int64
	FreeBytes  int64
}

// Stat holds the global state a procfs mount renders, set once at boot.
type Stat struct {
	mu            sync.RWMutex
	mem           MemInfo
	mounts        []string
	selfExe       string
	sysctl        map[string]string
	addSysctlFile func(name string)
}

func NewStat() *Stat {
	return &Stat{sysctl: map[string]string{}}
}

func (s *Stat) SetMemInfo(m MemInfo) {
	s.mu.Lock()
	s.mem = m
	s.mu.Unlock()
}

func (s *Stat) SetMounts(m []string) {
	s.mu.Lock()
	s.mounts = append([]string(nil), m...)
	s.mu.Unlock()
}

func (s *Stat) SetSelfExe(path string) {
	s.mu.Lock()
	s.selfExe = path
	s.mu.Unlock()
}

func (s *Stat) SetSysctl(key, value string) {
	s.mu.Lock()
	s.sysctl[key] = value
	s.mu.Unlock()
}

var printer = message.NewPrinter(language.English)

func (s *Stat) renderMemInfo() []byte {
	s.mu.RLock()
	m := s.mem
	s.mu.RUnlock()
	var b strings.Builder
	printer.Fprintf(&b, "MemTotal:       %d kB\n", m.TotalBytes/1024)
	printer.Fprintf(&b, "MemFree:        %d kB\n", m.FreeBytes/1024)
	return []byte(b.String())
}

func (s *Stat) renderMounts() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return []byte(strings.Join(s.mounts, "\n") + "\n")
}

func (s *Stat) renderSelfExe() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return []byte(s.selfExe)
}

func (s *Stat) renderSysctl(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.sysctl[key]
	return []byte(v + "\n"), ok
}

// synthFile is a regular-looking inode whose Read regenerates its content
// each call instead of reading a stored buffer.
type synthFile struct {
	ino     uint64
	render  func() []byte
	created time.Time
}

func (f *synthFile) ConcreteLookup(string) (uint64, defs.Err_t)              { return 0, defs.ENOTDIR }
func (f *synthFile) ConcreteCreate(string, defs.Itype_t) (uint64, defs.Err_t) { return 0, defs.EROFS }
func (f *synthFile) ConcreteLink(string, uint64) defs.Err_t                   { return defs.EROFS }
func (f *synthFile) ConcreteUnlink(string) defs.Err_t                        { return defs.EROFS }
func (f *synthFile) Truncate(int64) defs.Err_t                              { return defs.EROFS }
func (f *synthFile) Flush() defs.Err_t                                       { return 0 }

func (f *synthFile) Read(uio vm.Userio_i, offset int64) (int, defs.Err_t) {
	content := f.render()
	if offset >= int64(len(content)) {
		return 0, 0
	}
	return uio.Uio_write(content[offset:])
}

func (f *synthFile) Write(vm.Userio_i, int64) (int, defs.Err_t) { return 0, defs.EROFS }

// dir is a static directory whose entries are fixed at mount time (the
// kernel-side caller decides what /proc exposes; nothing is created or
// unlinked at runtime).
type dir struct {
	ino     uint64
	entries map[string]uint64
}

func (d *dir) ConcreteLookup(name string) (uint64, defs.Err_t) {
	ino, ok := d.entries[name]
	if !ok {
		return 0, defs.ENOENT
	}
	return ino, 0
}
func (d *dir) ConcreteCreate(string, defs.Itype_t) (uint64, defs.Err_t) { return 0, defs.EROFS }
func (d *dir) ConcreteLink(string, uint64) defs.Err_t                   { return defs.EROFS }
func (d *dir) ConcreteUnlink(string) defs.Err_t                         { return defs.EROFS }
func (d *dir) Read(vm.Userio_i, int64) (int, defs.Err_t)                { return 0, defs.EISDIR }
func (d *dir) Write(vm.Userio_i, int64) (int, defs.Err_t)               { return 0, defs.EISDIR }
func (d *dir) Truncate(int64) defs.Err_t                                { return defs.EROFS }
func (d *dir) Flush() defs.Err_t                                        { return 0 }

// Register installs the "procfs" file-system type. Mount's dev argument
// must be a *Stat.
func Register() {
	vfs.Register(&vfs.FileSystemType{Name: "procfs", Mount: mount})
}

func mount(dev any) (*vfs.SuperBlock, defs.Err_t) {
	st, ok := dev.(*Stat)
	if !ok {
		return nil, defs.EINVAL
	}

	fstype, _ := vfs.LookupFSType("procfs")
	sb := vfs.NewSuperBlock(fstype, 32, 32)

	ops := map[uint64]vfs.InodeOps{}
	var next uint64 = 1
	alloc := func(o vfs.InodeOps) uint64 {
		next++
		ops[next] = o
		return next
	}

	selfDir := &dir{entries: map[string]uint64{}}
	selfDirIno := alloc(selfDir)
	selfDir.entries["exe"] = alloc(&synthFile{render: st.renderSelfExe})

	sysDir := &dir{entries: map[string]uint64{}}
	sysDirIno := alloc(sysDir)
	kernelDir := &dir{entries: map[string]uint64{}}
	kernelDirIno := alloc(kernelDir)
	sysDir.entries["kernel"] = kernelDirIno

	root := &dir{entries: map[string]uint64{
		"meminfo": alloc(&synthFile{render: st.renderMemInfo}),
		"mounts":  alloc(&synthFile{render: st.renderMounts}),
		"self":    selfDirIno,
		"sys":     sysDirIno,
	}}
	ops[1] = root

	sb.ReadIno = func(ino uint64) (*vfs.Inode, defs.Err_t) {
		o, ok := ops[ino]
		if !ok {
			return nil, defs.ENOENT
		}
		itype := defs.I_FILE
		if _, isDir := o.(*dir); isDir {
			itype = defs.I_DIR
		}
		return &vfs.Inode{Ino: ino, Sb: sb, Nlink: 1, Itype: itype, Ops: o}, 0
	}
	rootInode, _ := sb.ReadIno(1)
	sb.SetRoot(vfs.NewRoot(sb, rootInode, sb.Dcache))

	// Expose AddSysctlFile for callers that register /proc/sys/kernel/*
	// entries after mount, e.g. from pkg/proc's boot sequence.
	st.addSysctlFile = func(name string) {
		kernelDir.entries[name] = alloc(&synthFile{render: func() []byte {
			b, _ := st.renderSysctl(name)
			return b
		}})
	}

	return sb, 0
}

// AddSysctlFile exposes a new /proc/sys/kernel/<name> file backed by a
// value set with SetSysctl. Only meaningful after Mount has run.
func (s *Stat) AddSysctlFile(name string) {
	s.mu.Lock()
	fn := s.addSysctlFile
	s.mu.Unlock()
	if fn != nil {
		fn(name)
	}
}

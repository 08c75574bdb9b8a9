package procfs

import (
	"strings"
	"testing"

	"oskit/pkg/defs"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

func mustMount(t *testing.T) (*vfs.SuperBlock, *Stat) {
	t.Helper()
	Register()
	fstype, ok := vfs.LookupFSType("procfs")
	if !ok {
		t.Fatal("procfs not registered")
	}
	st := NewStat()
	st.SetMemInfo(MemInfo{TotalBytes: 16 * 1024 * 1024, FreeBytes: 4 * 1024 * 1024})
	st.SetMounts([]string{"/ simplefs rw", "/tmp tmpfs rw"})
	st.SetSelfExe("/bin/init")
	sb, err := fstype.Mount(st)
	if err != 0 {
		t.Fatalf("mount: %v", err)
	}
	return sb, st
}

func readAll(t *testing.T, d *vfs.Dentry) string {
	t.Helper()
	f, err := vfs.Open(d, defs.O_RDONLY)
	if err != 0 {
		t.Fatalf("open: %v", err)
	}
	buf := make([]byte, 4096)
	rb := &vm.Fakeubuf_t{}
	rb.Fakeufini(buf)
	n, rerr := f.Read(rb)
	if rerr != 0 {
		t.Fatalf("read: %v", rerr)
	}
	return string(buf[:n])
}

func TestMemInfoReflectsCurrentCounters(t *testing.T) {
	sb, st := mustMount(t)
	root := sb.Root()

	mi, err := root.Lookup("meminfo")
	if err != 0 {
		t.Fatalf("lookup meminfo: %v", err)
	}
	content := readAll(t, mi)
	if !strings.Contains(content, "MemTotal:") {
		t.Fatalf("content missing MemTotal: %q", content)
	}

	// Content regenerates on every read rather than being cached.
	st.SetMemInfo(MemInfo{TotalBytes: 32 * 1024 * 1024, FreeBytes: 1024 * 1024})
	content2 := readAll(t, mi)
	if content == content2 {
		t.Fatal("meminfo content did not refresh after SetMemInfo")
	}
}

func TestSelfExeAndMounts(t *testing.T) {
	sb, _ := mustMount(t)
	root := sb.Root()

	self, err := root.Lookup("self")
	if err != 0 {
		t.Fatalf("lookup self: %v", err)
	}
	exe, err := self.Lookup("exe")
	if err != 0 {
		t.Fatalf("lookup self/exe: %v", err)
	}
	if got := readAll(t, exe); got != "/bin/init" {
		t.Fatalf("self/exe = %q, want /bin/init", got)
	}

	mounts, err := root.Lookup("mounts")
	if err != 0 {
		t.Fatalf("lookup mounts: %v", err)
	}
	if got := readAll(t, mounts); !strings.Contains(got, "tmpfs") {
		t.Fatalf("mounts content missing tmpfs: %q", got)
	}
}

func TestSysctlFileAppearsAfterAdd(t *testing.T) {
	sb, st := mustMount(t)
	root := sb.Root()

	st.SetSysctl("hostname", "oskit")
	st.AddSysctlFile("hostname")

	sysDir, err := root.Lookup("sys")
	if err != 0 {
		t.Fatalf("lookup sys: %v", err)
	}
	kernelDir, err := sysDir.Lookup("kernel")
	if err != 0 {
		t.Fatalf("lookup sys/kernel: %v", err)
	}
	hostname, err := kernelDir.Lookup("hostname")
	if err != 0 {
		t.Fatalf("lookup sys/kernel/hostname: %v", err)
	}
	if got := readAll(t, hostname); strings.TrimSpace(got) != "oskit" {
		t.Fatalf("hostname content = %q, want oskit", got)
	}
}

func TestDirectoriesRejectReadWrite(t *testing.T) {
	sb, _ := mustMount(t)
	root := sb.Root()
	f, err := vfs.Open(root, defs.O_RDONLY)
	if err != 0 {
		t.Fatalf("open root: %v", err)
	}
	buf := make([]byte, 16)
	rb := &vm.Fakeubuf_t{}
	rb.Fakeufini(buf)
	if _, rerr := f.Read(rb); rerr != defs.EISDIR {
		t.Fatalf("read root dir err = %v, want EISDIR", rerr)
	}
}

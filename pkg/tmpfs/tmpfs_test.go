package tmpfs

import (
	"testing"

	"oskit/pkg/defs"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

func mustMount(t *testing.T) *vfs.SuperBlock {
	t.Helper()
	Register()
	fstype, ok := vfs.LookupFSType("tmpfs")
	if !ok {
		t.Fatal("tmpfs not registered")
	}
	sb, err := fstype.Mount(nil)
	if err != 0 {
		t.Fatalf("mount: %v", err)
	}
	return sb
}

func TestCreateWriteReadGrowsBuffer(t *testing.T) {
	sb := mustMount(t)
	root := sb.Root()

	child, err := root.Create("hello", defs.I_FILE)
	if err != 0 {
		t.Fatalf("create: %v", err)
	}

	f, _ := vfs.Open(child, defs.O_WRONLY)
	wb := &vm.Fakeubuf_t{}
	wb.Fakeufini([]byte("hello tmpfs"))
	if n, werr := f.Write(wb); werr != 0 || n != len("hello tmpfs") {
		t.Fatalf("write: n=%d err=%v", n, werr)
	}

	rf, _ := vfs.Open(child, defs.O_RDONLY)
	buf := make([]byte, len("hello tmpfs"))
	rb := &vm.Fakeubuf_t{}
	rb.Fakeufini(buf)
	n, rerr := rf.Read(rb)
	if rerr != 0 || n != len(buf) || string(buf) != "hello tmpfs" {
		t.Fatalf("read: n=%d err=%v buf=%q", n, rerr, buf)
	}
}

func TestTruncateShrinksAndGrows(t *testing.T) {
	sb := mustMount(t)
	root := sb.Root()
	child, _ := root.Create("f", defs.I_FILE)
	ip := child.Inode()

	wb := &vm.Fakeubuf_t{}
	wb.Fakeufini([]byte("0123456789"))
	ip.Ops.Write(wb, 0)

	if err := ip.Ops.Truncate(3); err != 0 {
		t.Fatalf("truncate down: %v", err)
	}
	rb := &vm.Fakeubuf_t{}
	buf := make([]byte, 3)
	rb.Fakeufini(buf)
	ip.Ops.Read(rb, 0)
	if string(buf) != "012" {
		t.Fatalf("buf after shrink = %q, want 012", buf)
	}

	if err := ip.Ops.Truncate(5); err != 0 {
		t.Fatalf("truncate up: %v", err)
	}
	rb2 := &vm.Fakeubuf_t{}
	buf2 := make([]byte, 5)
	rb2.Fakeufini(buf2)
	ip.Ops.Read(rb2, 0)
	if string(buf2[:3]) != "012" || buf2[3] != 0 || buf2[4] != 0 {
		t.Fatalf("buf after grow = %v", buf2)
	}
}

func TestDirectoryCreateAndLookup(t *testing.T) {
	sb := mustMount(t)
	root := sb.Root()

	dir, err := root.Create("sub", defs.I_DIR)
	if err != 0 {
		t.Fatalf("create dir: %v", err)
	}
	if _, err := dir.Create("nested", defs.I_FILE); err != 0 {
		t.Fatalf("create nested: %v", err)
	}
	found, err := dir.Lookup("nested")
	if err != 0 || found.Name() != "nested" {
		t.Fatalf("lookup nested: found=%v err=%v", found, err)
	}
}

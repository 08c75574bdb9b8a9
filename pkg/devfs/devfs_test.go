package devfs

import (
	"testing"

	"oskit/pkg/defs"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

func mustMount(t *testing.T) *vfs.SuperBlock {
	t.Helper()
	Register()
	fstype, ok := vfs.LookupFSType("devfs")
	if !ok {
		t.Fatal("devfs not registered")
	}
	sb, err := fstype.Mount(nil)
	if err != 0 {
		t.Fatalf("mount: %v", err)
	}
	return sb
}

func TestNullDeviceDiscardsWritesReadsEOF(t *testing.T) {
	sb := mustMount(t)
	null, err := sb.Root().Lookup("null")
	if err != 0 {
		t.Fatalf("lookup null: %v", err)
	}
	f, _ := vfs.Open(null, defs.O_RDWR)

	wb := &vm.Fakeubuf_t{}
	wb.Fakeufini([]byte("discarded"))
	if n, werr := f.Write(wb); werr != 0 || n != len("discarded") {
		t.Fatalf("write to null: n=%d err=%v", n, werr)
	}

	rb := &vm.Fakeubuf_t{}
	buf := make([]byte, 4)
	rb.Fakeufini(buf)
	n, rerr := f.Read(rb)
	if rerr != 0 || n != 0 {
		t.Fatalf("read from null: n=%d err=%v, want 0,0", n, rerr)
	}
}

func TestUrandomProducesRequestedLength(t *testing.T) {
	sb := mustMount(t)
	ur, err := sb.Root().Lookup("urandom")
	if err != 0 {
		t.Fatalf("lookup urandom: %v", err)
	}
	f, _ := vfs.Open(ur, defs.O_RDONLY)

	buf := make([]byte, 32)
	rb := &vm.Fakeubuf_t{}
	rb.Fakeufini(buf)
	n, rerr := f.Read(rb)
	if rerr != 0 || n != 32 {
		t.Fatalf("read urandom: n=%d err=%v", n, rerr)
	}
}

func TestTTYEchoesWrittenBytes(t *testing.T) {
	sb := mustMount(t)
	tty, err := sb.Root().Lookup("tty")
	if err != 0 {
		t.Fatalf("lookup tty: %v", err)
	}
	f, _ := vfs.Open(tty, defs.O_RDWR)

	wb := &vm.Fakeubuf_t{}
	wb.Fakeufini([]byte("hi"))
	if n, werr := f.Write(wb); werr != 0 || n != 2 {
		t.Fatalf("write tty: n=%d err=%v", n, werr)
	}

	buf := make([]byte, 2)
	rb := &vm.Fakeubuf_t{}
	rb.Fakeufini(buf)
	n, rerr := f.Read(rb)
	if rerr != 0 || n != 2 || string(buf) != "hi" {
		t.Fatalf("read tty: n=%d err=%v buf=%q", n, rerr, buf)
	}
}

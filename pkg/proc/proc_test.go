package proc

import (
	"encoding/binary"
	"testing"

	"oskit/pkg/defs"
	"oskit/pkg/mem"
	"oskit/pkg/vfs"
)

// buildMinimalELF assembles a tiny ET_EXEC/x86-64 image with one PT_LOAD
// segment covering the whole file, just enough for debug/elf.NewFile (and
// therefore vm.LoadELF) to parse it. No real CPU ever executes this code in
// this hosted kernel; only its headers and byte contents are exercised.
func buildMinimalELF(vaddr uint64, code []byte) []byte {
	const ehsize = 64
	const phsize = 56
	total := ehsize + phsize + len(code)

	buf := make([]byte, total)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)            // e_type = ET_EXEC
	le.PutUint16(buf[18:], 62)           // e_machine = EM_X86_64
	le.PutUint32(buf[20:], 1)            // e_version
	le.PutUint64(buf[24:], vaddr+ehsize+phsize) // e_entry
	le.PutUint64(buf[32:], ehsize)       // e_phoff
	le.PutUint64(buf[40:], 0)            // e_shoff
	le.PutUint32(buf[48:], 0)            // e_flags
	le.PutUint16(buf[52:], ehsize)       // e_ehsize
	le.PutUint16(buf[54:], phsize)       // e_phentsize
	le.PutUint16(buf[56:], 1)            // e_phnum
	le.PutUint16(buf[58:], 0)            // e_shentsize
	le.PutUint16(buf[60:], 0)            // e_shnum
	le.PutUint16(buf[62:], 0)            // e_shstrndx

	ph := buf[ehsize : ehsize+phsize]
	le.PutUint32(ph[0:], 1)                 // p_type = PT_LOAD
	le.PutUint32(ph[4:], 5)                 // p_flags = R|X
	le.PutUint64(ph[8:], 0)                 // p_offset
	le.PutUint64(ph[16:], vaddr)            // p_vaddr
	le.PutUint64(ph[24:], vaddr)            // p_paddr
	le.PutUint64(ph[32:], uint64(total))    // p_filesz
	le.PutUint64(ph[40:], uint64(total))    // p_memsz
	le.PutUint64(ph[48:], 0x1000)           // p_align

	copy(buf[ehsize+phsize:], code)
	return buf
}

func testRoot() *vfs.Dentry {
	sb := vfs.NewSuperBlock(nil, 16, 16)
	root := vfs.NewRoot(sb, &vfs.Inode{Itype: defs.I_DIR}, nil)
	sb.SetRoot(root)
	return root
}

func TestNewInitTaskLoadsELFAndBuildsStack(t *testing.T) {
	phys := mem.NewPhysmem(256, 0)
	img := buildMinimalELF(0x400000, []byte{0x90, 0x90, 0xc3})

	tsk, err := NewInitTask(phys, testRoot(), img, []string{"init"})
	if err != 0 {
		t.Fatalf("NewInitTask: %v", err)
	}
	if tsk.Tid == 0 || tsk.Pid == 0 {
		t.Fatal("expected non-zero tid/pid")
	}
	entry, sp, ok := AsTrapSeed(tsk.TrapFrame)
	if !ok {
		t.Fatal("expected a trapSeed on a freshly built task")
	}
	if entry == 0 {
		t.Fatal("expected non-zero entry point")
	}
	if sp == 0 || sp >= defs.UserStackTop {
		t.Fatalf("stack pointer %#x not below stack top", sp)
	}
	if tsk.Status() != Ready {
		t.Fatalf("new task should start in no status yet, got %v (zero value should read as Ready)", tsk.Status())
	}
}

func TestForkSharesAddressSpaceUnderCloneVM(t *testing.T) {
	phys := mem.NewPhysmem(256, 0)
	img := buildMinimalELF(0x400000, []byte{0x90, 0xc3})
	parent, err := NewInitTask(phys, testRoot(), img, nil)
	if err != 0 {
		t.Fatalf("NewInitTask: %v", err)
	}

	child, err := parent.Fork(defs.CLONE_VM|defs.CLONE_FILES, 0, 0)
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	if child.MemSet != parent.MemSet {
		t.Fatal("CLONE_VM should share the address space pointer")
	}
	if child.Fds != parent.Fds {
		t.Fatal("CLONE_FILES should share the fd table pointer")
	}
	if child.Pid == parent.Pid {
		t.Fatal("fork without CLONE_THREAD should allocate a new pid")
	}
	if len(parent.Children) != 1 || parent.Children[0] != child {
		t.Fatal("child should be recorded in parent.Children")
	}
}

func TestForkWithoutCloneVMGetsIndependentCOWCopy(t *testing.T) {
	phys := mem.NewPhysmem(256, 0)
	img := buildMinimalELF(0x400000, []byte{0x90, 0xc3})
	parent, err := NewInitTask(phys, testRoot(), img, nil)
	if err != 0 {
		t.Fatalf("NewInitTask: %v", err)
	}

	child, err := parent.Fork(0, 0, 0)
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	if child.MemSet == parent.MemSet {
		t.Fatal("fork without CLONE_VM should not share the MemorySet pointer")
	}
	if child.Fds == parent.Fds {
		t.Fatal("fork without CLONE_FILES should still clone the table, not share it")
	}
}

func TestExecReplacesAddressSpaceAndResetsSignals(t *testing.T) {
	phys := mem.NewPhysmem(256, 0)
	img := buildMinimalELF(0x400000, []byte{0x90, 0xc3})
	tsk, err := NewInitTask(phys, testRoot(), img, nil)
	if err != 0 {
		t.Fatalf("NewInitTask: %v", err)
	}
	oldMS := tsk.MemSet
	img2 := buildMinimalELF(0x500000, []byte{0x90, 0x90, 0xc3})
	if err := tsk.Exec(phys, img2, []string{"prog", "arg"}); err != 0 {
		t.Fatalf("exec: %v", err)
	}
	if tsk.MemSet == oldMS {
		t.Fatal("exec should install a fresh MemorySet")
	}
	entry, _, ok := AsTrapSeed(tsk.TrapFrame)
	if !ok || entry == 0 {
		t.Fatal("exec should leave a fresh trapSeed with a non-zero entry")
	}
}

func TestExitReparentsChildrenAndWakesFutex(t *testing.T) {
	phys := mem.NewPhysmem(256, 0)
	img := buildMinimalELF(0x400000, []byte{0x90, 0xc3})
	initTask, _ := NewInitTask(phys, testRoot(), img, nil)
	parent, _ := initTask.Fork(0, 0, 0)
	grandchild, _ := parent.Fork(0, 0, 0xdeadbeef)

	waker := &fakeFutex{}
	parent.Exit(7, initTask, waker)

	if !parent.IsZombie() {
		t.Fatal("expected parent to be Zombie after Exit")
	}
	if len(parent.Children) != 0 {
		t.Fatal("Exit should clear the exiting task's own children list")
	}
	found := false
	for _, c := range initTask.Children {
		if c == grandchild {
			found = true
		}
	}
	if !found {
		t.Fatal("grandchild should have been reparented to init")
	}

	grandchild.Exit(0, initTask, waker)
	if waker.addr != 0xdeadbeef || waker.n != 1 {
		t.Fatalf("clear_child_tid wake = (%#x, %d), want (0xdeadbeef, 1)", waker.addr, waker.n)
	}
}

type fakeFutex struct{ addr uintptr; n int }

func (f *fakeFutex) WakeAddr(addr uintptr, n int) int {
	f.addr, f.n = addr, n
	return n
}

func TestWaitReapsZombieAndReportsWouldBlockOtherwise(t *testing.T) {
	phys := mem.NewPhysmem(256, 0)
	img := buildMinimalELF(0x400000, []byte{0x90, 0xc3})
	parent, _ := NewInitTask(phys, testRoot(), img, nil)
	childA, _ := parent.Fork(0, 0, 0)
	_, err := parent.Wait(0)
	if err != defs.EAGAIN {
		t.Fatalf("Wait with live children = %v, want EAGAIN", err)
	}

	childA.Exit(3, nil, nil)
	res, err := parent.Wait(childA.Pid)
	if err != 0 {
		t.Fatalf("Wait after exit: %v", err)
	}
	if res.Pid != childA.Pid || res.ExitCode != 3 {
		t.Fatalf("WaitResult = %+v, want pid=%d code=3", res, childA.Pid)
	}
	if len(parent.Children) != 0 {
		t.Fatal("reaped child should be removed from Children")
	}

	if _, err := parent.Wait(0); err != defs.ECHILD {
		t.Fatalf("Wait with no children left = %v, want ECHILD", err)
	}
}

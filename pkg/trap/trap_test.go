package trap

import (
	"encoding/binary"
	"testing"

	"oskit/pkg/defs"
	"oskit/pkg/mem"
	"oskit/pkg/proc"
	"oskit/pkg/signal"
	"oskit/pkg/tmpfs"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

// buildMinimalELF mirrors pkg/proc's own test helper: a tiny ET_EXEC/x86-64
// image with one PT_LOAD segment, just enough for vm.LoadELF to parse.
func buildMinimalELF(vaddr uint64, code []byte) []byte {
	const ehsize = 64
	const phsize = 56
	total := ehsize + phsize + len(code)

	buf := make([]byte, total)
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2
	buf[5] = 1
	buf[6] = 1
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)
	le.PutUint16(buf[18:], 62)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], vaddr+ehsize+phsize)
	le.PutUint64(buf[32:], ehsize)
	le.PutUint64(buf[40:], 0)
	le.PutUint32(buf[48:], 0)
	le.PutUint16(buf[52:], ehsize)
	le.PutUint16(buf[54:], phsize)
	le.PutUint16(buf[56:], 1)
	le.PutUint16(buf[58:], 0)
	le.PutUint16(buf[60:], 0)
	le.PutUint16(buf[62:], 0)

	ph := buf[ehsize : ehsize+phsize]
	le.PutUint32(ph[0:], 1)
	le.PutUint32(ph[4:], 5)
	le.PutUint64(ph[8:], 0)
	le.PutUint64(ph[16:], vaddr)
	le.PutUint64(ph[24:], vaddr)
	le.PutUint64(ph[32:], uint64(total))
	le.PutUint64(ph[40:], uint64(total))
	le.PutUint64(ph[48:], 0x1000)

	copy(buf[ehsize+phsize:], code)
	return buf
}

func mustTmpfsRoot(t *testing.T) *vfs.Dentry {
	t.Helper()
	tmpfs.Register()
	fstype, ok := vfs.LookupFSType("tmpfs")
	if !ok {
		t.Fatal("tmpfs not registered")
	}
	sb, err := fstype.Mount(nil)
	if err != 0 {
		t.Fatalf("mount: %v", err)
	}
	return sb.Root()
}

// scratchVA is a fixed userspace address, distinct from the test ELF image,
// stack and heap ranges, reserved by newTestKernel for copying syscall
// argument buffers in and out of.
const scratchVA = 0x200000

func newTestKernel(t *testing.T) (*Kernel, *proc.TaskControlBlock) {
	t.Helper()
	phys := mem.NewPhysmem(1024, 0)
	root := mustTmpfsRoot(t)
	img := buildMinimalELF(0x400000, []byte{0x90, 0x90, 0xc3})
	tsk, err := proc.NewInitTask(phys, root, img, []string{"init"})
	if err != 0 {
		t.Fatalf("NewInitTask: %v", err)
	}
	scratchVPN := vm.VPN(scratchVA >> mem.PGSHIFT)
	if _, err := tsk.MemSet.MapFramed(scratchVPN, scratchVPN+4, vm.PTE_U|vm.PTE_W); err != 0 {
		t.Fatalf("map scratch: %v", err)
	}

	k := NewKernel(phys, root)
	k.InitTask = tsk
	k.RegisterTask(tsk)
	return k, tsk
}

func runSyscall(k *Kernel, tsk *proc.TaskControlBlock, nr uintptr, args ...uintptr) (uintptr, defs.Err_t) {
	frame := &TrapFrame{Syscall: nr}
	copy(frame.Args[:], args)
	return k.syscall(tsk, frame)
}

func writeCString(t *testing.T, k *Kernel, tsk *proc.TaskControlBlock, va uintptr, s string) {
	t.Helper()
	if err := writeUser(tsk, va, append([]byte(s), 0)); err != 0 {
		t.Fatalf("writeCString: %v", err)
	}
}

func TestMkdirOpenWriteReadRoundTrip(t *testing.T) {
	k, tsk := newTestKernel(t)

	nameVA := uintptr(scratchVA)
	writeCString(t, k, tsk, nameVA, "/hello")

	if _, err := runSyscall(k, tsk, defs.SYS_MKDIR, nameVA); err != 0 {
		t.Fatalf("mkdir: %v", err)
	}

	fileNameVA := uintptr(scratchVA + 64)
	writeCString(t, k, tsk, fileNameVA, "/hello/world")

	fdRet, err := runSyscall(k, tsk, defs.SYS_OPEN, fileNameVA, uintptr(defs.O_CREAT|defs.O_RDWR))
	if err != 0 {
		t.Fatalf("open(O_CREAT): %v", err)
	}
	fdno := int(fdRet)

	dataVA := uintptr(scratchVA + 128)
	payload := []byte("hello trap")
	if err := writeUser(tsk, dataVA, payload); err != 0 {
		t.Fatalf("seed write buffer: %v", err)
	}

	n, err := runSyscall(k, tsk, defs.SYS_WRITE, uintptr(fdno), dataVA, uintptr(len(payload)))
	if err != 0 || int(n) != len(payload) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}

	if _, err := runSyscall(k, tsk, defs.SYS_CLOSE, uintptr(fdno)); err != 0 {
		t.Fatalf("close: %v", err)
	}

	fdRet2, err := runSyscall(k, tsk, defs.SYS_OPEN, fileNameVA, uintptr(defs.O_RDONLY))
	if err != 0 {
		t.Fatalf("re-open: %v", err)
	}
	fdno2 := int(fdRet2)

	readVA := uintptr(scratchVA + 256)
	n2, err := runSyscall(k, tsk, defs.SYS_READ, uintptr(fdno2), readVA, uintptr(len(payload)))
	if err != 0 || int(n2) != len(payload) {
		t.Fatalf("read: n=%d err=%v", n2, err)
	}
	got := make([]byte, len(payload))
	if err := readUser(tsk, readVA, got); err != 0 {
		t.Fatalf("copy out read result: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}
}

func TestGetcwdAndChdir(t *testing.T) {
	k, tsk := newTestKernel(t)

	nameVA := uintptr(scratchVA)
	writeCString(t, k, tsk, nameVA, "/sub")
	if _, err := runSyscall(k, tsk, defs.SYS_MKDIR, nameVA); err != 0 {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := runSyscall(k, tsk, defs.SYS_CHDIR, nameVA); err != 0 {
		t.Fatalf("chdir: %v", err)
	}

	bufVA := uintptr(scratchVA + 64)
	if _, err := runSyscall(k, tsk, defs.SYS_GETCWD, bufVA, uintptr(64)); err != 0 {
		t.Fatalf("getcwd: %v", err)
	}
	got := make([]byte, 5)
	if err := readUser(tsk, bufVA, got); err != 0 {
		t.Fatalf("copy out cwd: %v", err)
	}
	if string(got) != "/sub\x00" {
		t.Fatalf("cwd = %q, want /sub\\x00", got)
	}
}

func TestBrkReportsAndGrowsHeap(t *testing.T) {
	k, tsk := newTestKernel(t)

	cur, err := runSyscall(k, tsk, defs.SYS_BRK, 0)
	if err != 0 {
		t.Fatalf("brk(0): %v", err)
	}
	grown, err := runSyscall(k, tsk, defs.SYS_BRK, cur+uintptr(mem.PGSIZE))
	if err != 0 {
		t.Fatalf("brk(grow): %v", err)
	}
	if grown <= cur {
		t.Fatalf("brk did not grow: cur=%#x grown=%#x", cur, grown)
	}
}

func TestForkRegistersChildAndReturnsChildPid(t *testing.T) {
	k, tsk := newTestKernel(t)

	frame := &TrapFrame{Syscall: defs.SYS_FORK, PC: 0x400010, SP: 0x130000}
	ret, err := k.syscall(tsk, frame)
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	childPid := defs.Pid_t(int(ret))
	if childPid == tsk.Pid {
		t.Fatal("forked child should have a distinct pid")
	}
	if len(k.tasksByPid(childPid)) != 1 {
		t.Fatal("expected the forked child to be registered in the kernel's pid table")
	}
}

func TestWaitpidReapsExitedChild(t *testing.T) {
	k, tsk := newTestKernel(t)
	frame := &TrapFrame{Syscall: defs.SYS_FORK}
	ret, err := k.syscall(tsk, frame)
	if err != 0 {
		t.Fatalf("fork: %v", err)
	}
	childPid := defs.Pid_t(int(ret))
	children := k.tasksByPid(childPid)
	if len(children) != 1 {
		t.Fatalf("expected exactly one task for child pid, got %d", len(children))
	}
	children[0].Exit(5, k.InitTask, k.getFutexWaiter(children[0]))

	statusVA := uintptr(scratchVA)
	gotPid, err := runSyscall(k, tsk, defs.SYS_WAITPID, uintptr(childPid), statusVA)
	if err != 0 {
		t.Fatalf("waitpid: %v", err)
	}
	if defs.Pid_t(int(gotPid)) != childPid {
		t.Fatalf("waitpid returned pid %d, want %d", gotPid, childPid)
	}
	var status [8]byte
	if err := readUser(tsk, statusVA, status[:]); err != 0 {
		t.Fatalf("copy out status: %v", err)
	}
	if int64(binary.LittleEndian.Uint64(status[:])) != 5 {
		t.Fatalf("status = %v, want exit code 5", status)
	}
}

func TestDispatchPageFaultLazyFillsZeroPage(t *testing.T) {
	k, tsk := newTestKernel(t)
	cur, _ := runSyscall(k, tsk, defs.SYS_BRK, 0)
	newBrk, err := runSyscall(k, tsk, defs.SYS_BRK, cur+uintptr(mem.PGSIZE))
	if err != 0 {
		t.Fatalf("brk: %v", err)
	}
	faultVPN := vm.VPN(cur >> mem.PGSHIFT)
	frame := &TrapFrame{}
	ok := k.Dispatch(tsk, frame, KindPageFaultStore, faultVPN, nil)
	if !ok {
		t.Fatal("expected the task to keep running after a resolvable lazy fault")
	}
	if tsk.Status() == proc.Zombie {
		t.Fatal("task should not have been terminated")
	}
	_ = newBrk
}

func TestDispatchIllegalInstructionTerminatesTask(t *testing.T) {
	k, tsk := newTestKernel(t)
	frame := &TrapFrame{PC: 0x400000}
	ok := k.Dispatch(tsk, frame, KindIllegalInstruction, 0, []byte{0x0f, 0x0b})
	if ok {
		t.Fatal("illegal instruction should not report the task as runnable")
	}
	if !tsk.IsZombie() {
		t.Fatal("illegal instruction should terminate the task")
	}
}

func TestSignalDeliveryAndSigreturnRestoreFrame(t *testing.T) {
	k, tsk := newTestKernel(t)

	handlerVA := uintptr(0x400050)
	actBuf := encodeSigaction(signal.Action{Handler: handlerVA})
	actVA := uintptr(scratchVA)
	if err := writeUser(tsk, actVA, actBuf); err != 0 {
		t.Fatalf("seed sigaction: %v", err)
	}
	if _, err := runSyscall(k, tsk, defs.SYS_SIGACTION, uintptr(1), actVA, 0); err != 0 {
		t.Fatalf("sigaction: %v", err)
	}

	raiseSignal(tsk, 1)

	frame := &TrapFrame{PC: 0x400010, SP: 0x130000, Ret: 0x42}
	k.deliverPendingSignal(tsk, frame)
	if frame.PC != handlerVA {
		t.Fatalf("frame.PC = %#x, want handler %#x", frame.PC, handlerVA)
	}

	restoreFrame := &TrapFrame{Syscall: defs.SYS_SIGRETURN}
	restoreFrame.PC, restoreFrame.SP, restoreFrame.Ret = frame.PC, frame.SP, frame.Ret
	if _, err := k.sysSigreturn(tsk, restoreFrame); err != 0 {
		t.Fatalf("sigreturn: %v", err)
	}
	if restoreFrame.PC != 0x400010 {
		t.Fatalf("sigreturn should restore the original PC, got %#x", restoreFrame.PC)
	}
}

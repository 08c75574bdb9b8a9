// Syscall table, dispatched by number onto a six-argument calling
// convention. Handler behavior follows POSIX-style semantics (e.g.
// wait()'s WouldBlock/NoChild split, exit()'s reparent-to-init step).
package trap

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"oskit/pkg/defs"
	"oskit/pkg/fd"
	"oskit/pkg/futex"
	"oskit/pkg/mem"
	"oskit/pkg/pipe"
	"oskit/pkg/proc"
	"oskit/pkg/signal"
	"oskit/pkg/ustr"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

func userbuf(task *proc.TaskControlBlock, va uintptr, n int) *vm.Userbuf_t {
	var ub vm.Userbuf_t
	ub.Uioreset(task.MemSet, va, n)
	return &ub
}

// syscall decodes frame.Syscall and dispatches, returning the value to
// place in the return register and any error, as its positive Err_t value.
func (k *Kernel) syscall(task *proc.TaskControlBlock, frame *TrapFrame) (uintptr, defs.Err_t) {
	a := frame.Args
	switch frame.Syscall {
	case defs.SYS_GETCWD:
		return k.sysGetcwd(task, a[0], int(a[1]))
	case defs.SYS_DUP:
		return k.sysDup(task, int(a[0]))
	case defs.SYS_DUP3:
		return k.sysDup3(task, int(a[0]), int(a[1]), fd.FdFlags(a[2]))
	case defs.SYS_MKDIR:
		return k.sysMkdir(task, a[0])
	case defs.SYS_LINK:
		return k.sysLink(task, a[0], a[1])
	case defs.SYS_UNLINK:
		return k.sysUnlink(task, a[0])
	case defs.SYS_CHDIR:
		return k.sysChdir(task, a[0])
	case defs.SYS_OPEN:
		return k.sysOpen(task, a[0], defs.OpenFlags(a[1]))
	case defs.SYS_CLOSE:
		return 0, task.Fds.Close(int(a[0]))
	case defs.SYS_PIPE:
		return k.sysPipe(task, a[0])
	case defs.SYS_READ:
		return k.sysRead(task, int(a[0]), a[1], int(a[2]))
	case defs.SYS_WRITE:
		return k.sysWrite(task, int(a[0]), a[1], int(a[2]))
	case defs.SYS_EXIT:
		k.terminate(task, int(a[0]))
		return 0, 0
	case defs.SYS_NANOSLEEP:
		k.Sched.Yield(task)
		return 0, 0
	case defs.SYS_YIELD:
		k.Sched.Yield(task)
		return 0, 0
	case defs.SYS_KILL:
		return k.sysKill(defs.Pid_t(a[0]), int(a[1]))
	case defs.SYS_TGKILL:
		return k.sysTgkill(defs.Pid_t(a[0]), defs.Tid_t(a[1]), int(a[2]))
	case defs.SYS_SIGACTION:
		return k.sysSigaction(task, int(a[0]), a[1], a[2])
	case defs.SYS_SIGPROCMASK:
		return k.sysSigprocmask(task, int(a[0]), a[1], a[2])
	case defs.SYS_SIGRETURN:
		return k.sysSigreturn(task, frame)
	case defs.SYS_TIMES:
		return k.sysTimes(task, a[0])
	case defs.SYS_UNAME:
		return k.sysUname(task, a[0])
	case defs.SYS_GET_TIME:
		return k.sysGetTime(task, a[0])
	case defs.SYS_GETPID:
		return uintptr(task.Pid), 0
	case defs.SYS_BRK:
		return k.sysBrk(task, a[0])
	case defs.SYS_FORK:
		return k.sysFork(task, frame, defs.CloneFlags(a[0]), a[1], a[2])
	case defs.SYS_EXEC:
		return k.sysExec(task, frame, a[0], a[1])
	case defs.SYS_WAITPID:
		return k.sysWaitpid(task, defs.Pid_t(int(a[0])), a[1])
	case defs.SYS_GETRANDOM:
		return k.sysGetrandom(task, a[0], int(a[1]))
	}
	return 0, defs.ENOSYS
}

func (k *Kernel) sysGetcwd(task *proc.TaskControlBlock, buf uintptr, size int) (uintptr, defs.Err_t) {
	_, path := task.Cwd.Snapshot()
	s := path.String()
	if s == "" {
		s = "/"
	}
	b := append([]byte(s), 0)
	if len(b) > size {
		return 0, defs.ERANGE
	}
	if err := writeUser(task, buf, b); err != 0 {
		return 0, err
	}
	return buf, 0
}

func (k *Kernel) sysDup(task *proc.TaskControlBlock, oldfd int) (uintptr, defs.Err_t) {
	e, err := task.Fds.Get(oldfd)
	if err != 0 {
		return 0, err
	}
	newfd, aerr := task.Fds.AllocFd(e.File, e.Flags)
	if aerr != 0 {
		return 0, aerr
	}
	return uintptr(newfd), 0
}

func (k *Kernel) sysDup3(task *proc.TaskControlBlock, oldfd, newfd int, flags fd.FdFlags) (uintptr, defs.Err_t) {
	if err := task.Fds.Dup3(oldfd, newfd, flags); err != 0 {
		return 0, err
	}
	return uintptr(newfd), 0
}

func (k *Kernel) sysMkdir(task *proc.TaskControlBlock, pathPtr uintptr) (uintptr, defs.Err_t) {
	path, err := copyInCString(task, pathPtr)
	if err != 0 {
		return 0, err
	}
	parent, name, perr := k.resolveParent(task, path)
	if perr != 0 {
		return 0, perr
	}
	if _, cerr := parent.Create(name, defs.I_DIR); cerr != 0 {
		return 0, cerr
	}
	return 0, 0
}

func (k *Kernel) sysLink(task *proc.TaskControlBlock, oldPtr, newPtr uintptr) (uintptr, defs.Err_t) {
	oldPath, err := copyInCString(task, oldPtr)
	if err != 0 {
		return 0, err
	}
	newPath, err := copyInCString(task, newPtr)
	if err != 0 {
		return 0, err
	}
	src, err := k.resolveDentry(task, oldPath)
	if err != 0 {
		return 0, err
	}
	parent, name, err := k.resolveParent(task, newPath)
	if err != 0 {
		return 0, err
	}
	dst, err := parent.LookupForLink(name)
	if err != 0 {
		return 0, err
	}
	return 0, vfs.Link(src, dst)
}

func (k *Kernel) sysUnlink(task *proc.TaskControlBlock, pathPtr uintptr) (uintptr, defs.Err_t) {
	path, err := copyInCString(task, pathPtr)
	if err != 0 {
		return 0, err
	}
	parent, name, err := k.resolveParent(task, path)
	if err != 0 {
		return 0, err
	}
	child, err := parent.Lookup(name)
	if err != 0 {
		return 0, err
	}
	return 0, parent.Unlink(child)
}

func (k *Kernel) sysChdir(task *proc.TaskControlBlock, pathPtr uintptr) (uintptr, defs.Err_t) {
	path, err := copyInCString(task, pathPtr)
	if err != 0 {
		return 0, err
	}
	d, err := k.resolveDentry(task, path)
	if err != 0 {
		return 0, err
	}
	if d.Inode() == nil || d.Inode().Itype != defs.I_DIR {
		return 0, defs.ENOTDIR
	}
	full := task.Cwd.Fullpath(ustr.Ustr(path))
	task.Cwd.Chdir(d, full)
	return 0, 0
}

func (k *Kernel) sysOpen(task *proc.TaskControlBlock, pathPtr uintptr, flags defs.OpenFlags) (uintptr, defs.Err_t) {
	path, err := copyInCString(task, pathPtr)
	if err != 0 {
		return 0, err
	}
	d, derr := k.resolveDentry(task, path)
	if derr != 0 {
		if derr != defs.ENOENT || !flags.Has(defs.O_CREAT) {
			return 0, derr
		}
		parent, name, perr := k.resolveParent(task, path)
		if perr != 0 {
			return 0, perr
		}
		created, cerr := parent.Create(name, defs.I_FILE)
		if cerr != 0 {
			return 0, cerr
		}
		d = created
	}
	f, operr := vfs.Open(d, flags)
	if operr != 0 {
		return 0, operr
	}
	fdFlags := fd.FdFlags(0)
	if flags.Has(defs.O_CLOEXEC) {
		fdFlags = fd.FD_CLOEXEC
	}
	fdno, aerr := task.Fds.AllocFd(f, fdFlags)
	if aerr != 0 {
		return 0, aerr
	}
	return uintptr(fdno), 0
}

func (k *Kernel) sysPipe(task *proc.TaskControlBlock, fdsPtr uintptr) (uintptr, defs.Err_t) {
	rf, wf, err := pipe.MakeFiles(k.Phys)
	if err != 0 {
		return 0, err
	}
	rfd, err := task.Fds.AllocFd(rf, 0)
	if err != 0 {
		return 0, err
	}
	wfd, err := task.Fds.AllocFd(wf, 0)
	if err != 0 {
		task.Fds.Close(rfd)
		return 0, err
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(rfd))
	binary.LittleEndian.PutUint32(buf[4:], uint32(wfd))
	if werr := writeUser(task, fdsPtr, buf); werr != 0 {
		return 0, werr
	}
	return 0, 0
}

func (k *Kernel) sysRead(task *proc.TaskControlBlock, fdno int, bufPtr uintptr, count int) (uintptr, defs.Err_t) {
	e, err := task.Fds.Get(fdno)
	if err != 0 {
		return 0, err
	}
	n, rerr := e.File.Read(userbuf(task, bufPtr, count))
	if rerr != 0 {
		return 0, rerr
	}
	return uintptr(n), 0
}

func (k *Kernel) sysWrite(task *proc.TaskControlBlock, fdno int, bufPtr uintptr, count int) (uintptr, defs.Err_t) {
	e, err := task.Fds.Get(fdno)
	if err != 0 {
		return 0, err
	}
	n, werr := e.File.Write(userbuf(task, bufPtr, count))
	if werr != 0 {
		return 0, werr
	}
	return uintptr(n), 0
}

func (k *Kernel) sysKill(pid defs.Pid_t, signo int) (uintptr, defs.Err_t) {
	targets := k.tasksByPid(pid)
	if len(targets) == 0 {
		return 0, defs.ESRCH
	}
	for _, t := range targets {
		raiseSignal(t, signo)
	}
	return 0, 0
}

func (k *Kernel) sysTgkill(pid defs.Pid_t, tid defs.Tid_t, signo int) (uintptr, defs.Err_t) {
	t := k.taskByTid(tid)
	if t == nil || t.Pid != pid {
		return 0, defs.ESRCH
	}
	raiseSignal(t, signo)
	return 0, 0
}

// raiseSignal applies the kernel-handled cases (SIGKILL/SIGSTOP/SIGCONT)
// immediately and queues everything else for delivery on the target's
// next trap-return.
func raiseSignal(t *proc.TaskControlBlock, signo int) {
	switch signo {
	case signal.SIGKILL:
		t.Sig.Kill()
	case signal.SIGSTOP:
		t.Sig.SetFrozen(true)
	case signal.SIGCONT:
		t.Sig.SetFrozen(false)
	default:
		t.Sig.Raise(signo)
	}
}

// sigactionWire is the fixed 24-byte on-the-wire layout of a userspace
// struct sigaction this kernel understands: handler address, block mask,
// flags, matching signal.Action field-for-field.
const sigactionWireSize = 24

func encodeSigaction(a signal.Action) []byte {
	b := make([]byte, sigactionWireSize)
	binary.LittleEndian.PutUint64(b[0:], uint64(a.Handler))
	binary.LittleEndian.PutUint64(b[8:], uint64(a.Mask))
	binary.LittleEndian.PutUint32(b[16:], a.Flags)
	return b
}

func decodeSigaction(b []byte) signal.Action {
	return signal.Action{
		Handler: uintptr(binary.LittleEndian.Uint64(b[0:])),
		Mask:    signal.Set(binary.LittleEndian.Uint64(b[8:])),
		Flags:   binary.LittleEndian.Uint32(b[16:]),
	}
}

func (k *Kernel) sysSigaction(task *proc.TaskControlBlock, signo int, actPtr, oldActPtr uintptr) (uintptr, defs.Err_t) {
	if signo <= 0 || signo > 31 || signo == signal.SIGKILL || signo == signal.SIGSTOP {
		return 0, defs.EINVAL
	}
	if oldActPtr != 0 {
		old := task.SigActions.Get(signo)
		if err := writeUser(task, oldActPtr, encodeSigaction(old)); err != 0 {
			return 0, err
		}
	}
	if actPtr != 0 {
		buf := make([]byte, sigactionWireSize)
		if err := readUser(task, actPtr, buf); err != 0 {
			return 0, err
		}
		task.SigActions.Set(signo, decodeSigaction(buf))
	}
	return 0, 0
}

const (
	sigBlock   = 0
	sigUnblock = 1
	sigSetmask = 2
)

func (k *Kernel) sysSigprocmask(task *proc.TaskControlBlock, how int, setPtr, oldSetPtr uintptr) (uintptr, defs.Err_t) {
	if oldSetPtr != 0 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(task.Sig.GetMask()))
		if err := writeUser(task, oldSetPtr, b[:]); err != 0 {
			return 0, err
		}
	}
	if setPtr == 0 {
		return 0, 0
	}
	var b [8]byte
	if err := readUser(task, setPtr, b[:]); err != 0 {
		return 0, err
	}
	requested := signal.Set(binary.LittleEndian.Uint64(b[:]))
	cur := task.Sig.GetMask()
	switch how {
	case sigBlock:
		task.Sig.SetMask(cur | requested)
	case sigUnblock:
		task.Sig.SetMask(cur &^ requested)
	case sigSetmask:
		task.Sig.SetMask(requested)
	default:
		return 0, defs.EINVAL
	}
	return 0, 0
}

func (k *Kernel) sysSigreturn(task *proc.TaskControlBlock, frame *TrapFrame) (uintptr, defs.Err_t) {
	saved, ok := task.Sig.EndHandler()
	if !ok {
		return 0, defs.EINVAL
	}
	restored, ok := saved.(TrapFrame)
	if !ok {
		return 0, defs.EINVAL
	}
	*frame = restored
	return uintptr(frame.Ret), 0
}

func (k *Kernel) sysTimes(task *proc.TaskControlBlock, buf uintptr) (uintptr, defs.Err_t) {
	b := make([]byte, 32)
	binary.LittleEndian.PutUint64(b[0:], uint64(task.Tms.Utime))
	binary.LittleEndian.PutUint64(b[8:], uint64(task.Tms.Stime))
	binary.LittleEndian.PutUint64(b[16:], uint64(task.Tms.CUtime))
	binary.LittleEndian.PutUint64(b[24:], uint64(task.Tms.CStime))
	if err := writeUser(task, buf, b); err != 0 {
		return 0, err
	}
	return uintptr(time.Now().UnixNano()), 0
}

// utsnameField is Linux's struct utsname field width.
const utsnameField = 65

func (k *Kernel) sysUname(task *proc.TaskControlBlock, buf uintptr) (uintptr, defs.Err_t) {
	fields := []string{"oskit", "localhost", "1.0.0", "#1", "x86_64"}
	out := make([]byte, 0, utsnameField*len(fields))
	for _, f := range fields {
		field := make([]byte, utsnameField)
		copy(field, f)
		out = append(out, field...)
	}
	return 0, writeUser(task, buf, out)
}

func (k *Kernel) sysGetTime(task *proc.TaskControlBlock, buf uintptr) (uintptr, defs.Err_t) {
	now := time.Now()
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:], uint64(now.Unix()))
	binary.LittleEndian.PutUint64(b[8:], uint64(now.Nanosecond()))
	return 0, writeUser(task, buf, b)
}

// sysBrk implements brk(): addr==0 reports the current break without
// changing it; otherwise the heap area is grown or shrunk to cover addr,
// rounded up to a whole page.
func (k *Kernel) sysBrk(task *proc.TaskControlBlock, addr uintptr) (uintptr, defs.Err_t) {
	heap := task.MemSet.HeapArea()
	if heap == nil {
		return 0, defs.ENOMEM
	}
	if addr == 0 {
		return uintptr(heap.End) << mem.PGSHIFT, 0
	}
	newEnd := vm.VPN((addr + uintptr(mem.PGSIZE) - 1) >> mem.PGSHIFT)
	if err := task.MemSet.GrowHeap(heap, newEnd); err != 0 {
		return 0, err
	}
	return uintptr(newEnd) << mem.PGSHIFT, 0
}

func (k *Kernel) sysFork(task *proc.TaskControlBlock, frame *TrapFrame, flags defs.CloneFlags, stack, ctid uintptr) (uintptr, defs.Err_t) {
	child, err := task.Fork(flags, stack, ctid)
	if err != 0 {
		return 0, err
	}
	childFrame := *frame
	childFrame.Ret = 0
	if stack != 0 {
		childFrame.SP = stack
	}
	child.TrapFrame = &childFrame
	k.RegisterTask(child)
	k.Sched.AddTask(child)
	return uintptr(child.Pid), 0
}

func (k *Kernel) sysExec(task *proc.TaskControlBlock, frame *TrapFrame, pathPtr, argvPtr uintptr) (uintptr, defs.Err_t) {
	path, err := copyInCString(task, pathPtr)
	if err != 0 {
		return 0, err
	}
	argv, err := copyInArgv(task, argvPtr)
	if err != 0 {
		return 0, err
	}
	data, err := k.readWholeFile(task, path)
	if err != 0 {
		return 0, err
	}
	if err := task.Exec(k.Phys, data, argv); err != 0 {
		return 0, err
	}
	entry, sp, _ := proc.AsTrapSeed(task.TrapFrame)
	frame.PC, frame.SP, frame.Ret = entry, sp, 0
	return 0, 0
}

func (k *Kernel) readWholeFile(task *proc.TaskControlBlock, path string) ([]byte, defs.Err_t) {
	d, err := k.resolveDentry(task, path)
	if err != 0 {
		return nil, err
	}
	f, err := vfs.Open(d, defs.O_RDONLY)
	if err != 0 {
		return nil, err
	}
	size := d.Inode().Size
	buf := make([]byte, size)
	fb := &vm.Fakeubuf_t{}
	fb.Fakeufini(buf)
	if _, rerr := f.Read(fb); rerr != 0 {
		return nil, rerr
	}
	return buf, 0
}

// copyInArgv reads a NULL-terminated array of pointers at argvPtr, then
// each pointed-to C string, the standard execve(2) argv convention.
func copyInArgv(task *proc.TaskControlBlock, argvPtr uintptr) ([]string, defs.Err_t) {
	if argvPtr == 0 {
		return nil, 0
	}
	var argv []string
	for i := 0; ; i++ {
		var ptrBuf [8]byte
		if err := readUser(task, argvPtr+uintptr(i)*8, ptrBuf[:]); err != 0 {
			return nil, err
		}
		p := uintptr(binary.LittleEndian.Uint64(ptrBuf[:]))
		if p == 0 {
			break
		}
		s, err := copyInCString(task, p)
		if err != 0 {
			return nil, err
		}
		argv = append(argv, s)
	}
	return argv, 0
}

func (k *Kernel) sysWaitpid(task *proc.TaskControlBlock, pid defs.Pid_t, statusPtr uintptr) (uintptr, defs.Err_t) {
	res, err := task.Wait(pid)
	if err != 0 {
		return 0, err
	}
	if statusPtr != 0 {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(int64(res.ExitCode)))
		if werr := writeUser(task, statusPtr, b[:]); werr != 0 {
			return 0, werr
		}
	}
	return uintptr(res.Pid), 0
}

func (k *Kernel) sysGetrandom(task *proc.TaskControlBlock, buf uintptr, count int) (uintptr, defs.Err_t) {
	b := make([]byte, count)
	if _, err := rand.Read(b); err != nil {
		return 0, defs.EIO
	}
	if err := writeUser(task, buf, b); err != 0 {
		return 0, err
	}
	return uintptr(count), 0
}

func writeUser(task *proc.TaskControlBlock, va uintptr, b []byte) defs.Err_t {
	ub := userbuf(task, va, len(b))
	if _, err := ub.Uio_write(b); err != 0 {
		return err
	}
	return 0
}

func readUser(task *proc.TaskControlBlock, va uintptr, b []byte) defs.Err_t {
	ub := userbuf(task, va, len(b))
	if _, err := ub.Uio_read(b); err != 0 {
		return err
	}
	return 0
}

// futexKeyFor translates a userspace futex word address into the
// (physical address, address-space id) key pkg/futex indexes by. This
// syscall table has no futex() entry, and nothing in this package calls
// futexKeyFor: getFutexWaiter's adapter keys the clear_child_tid wake by
// the untranslated user address and the task's pid instead.
func futexKeyFor(task *proc.TaskControlBlock, addr uintptr) futex.Key {
	pa, _, _ := task.MemSet.Translate(vm.VPN(addr >> mem.PGSHIFT))
	return futex.Key{Paddr: pa, ASID: uint64(task.Pid)}
}

// getFutexWaiter builds the FutexWaker adapter Exit() uses to wake a
// clear_child_tid futex, sharing this kernel's single futex table.
func (k *Kernel) getFutexWaiter(task *proc.TaskControlBlock) proc.FutexWaker {
	return futexAdapter{phys: k.Phys, tbl: k.Futex, asid: uint64(task.Pid)}
}

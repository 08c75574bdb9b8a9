package proc

import (
	"oskit/pkg/defs"
	"oskit/pkg/fd"
	"oskit/pkg/mem"
	"oskit/pkg/signal"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

func pageOf(addr uintptr) vm.VPN { return vm.VPN(addr >> mem.PGSHIFT) }

// NewInitTask builds the first task in the system directly from an ELF
// image: constructs the address space, allocates a tid, and seeds the
// trap frame that will enter it. There is no kernel stack to allocate in
// this hosted model — the goroutine calling into pkg/trap's dispatcher loop
// for this task is its kernel stack.
func NewInitTask(phys *mem.Physmem_t, root *vfs.Dentry, elfData []byte, argv []string) (*TaskControlBlock, defs.Err_t) {
	ms := vm.NewMemorySet(phys)
	img, err := vm.LoadELF(ms, elfData, 0)
	if err != 0 {
		return nil, err
	}

	stackTop := pageOf(defs.UserStackTop)
	stackBottom := pageOf(defs.UserStackTop - defs.UserStackSize)
	if _, err := ms.MapFramed(stackBottom, stackTop, vm.PTE_U|vm.PTE_W); err != 0 {
		return nil, err
	}

	sp, err := vm.BuildUserStack(ms, stackTop, argv, nil, img)
	if err != 0 {
		return nil, err
	}

	heapStart := pageOf(defs.UserMmapTop)
	heapArea, err := ms.MapAnon(heapStart, heapStart, vm.PTE_U|vm.PTE_W)
	if err != 0 {
		return nil, err
	}
	ms.SetHeapArea(heapArea)

	t := &TaskControlBlock{
		Tid:         allocTid(),
		MemSet:      ms,
		Fds:         fd.NewFdTable(defs.MaxFD),
		Cwd:         fd.MkRootCwd(root),
		SigActions:  signal.NewTable(),
		Sig:         &signal.State{},
		HeapBottom:  heapStart,
		HeapTop:     heapStart,
		StackBottom: stackBottom,
	}
	t.Pid = defs.Pid_t(t.Tid)
	t.TrapFrame = newTrapSeed(img.Entry, sp)
	return t, 0
}

// trapSeed is the minimal information pkg/trap needs to install a fresh
// register file; it is stored behind the TrapFrame `any` field and
// recovered with AsTrapSeed, keeping pkg/proc ignorant of the concrete
// per-architecture trap frame layout pkg/trap defines.
type trapSeed struct {
	Entry uintptr
	SP    uintptr
}

func newTrapSeed(entry, sp uintptr) any { return trapSeed{Entry: entry, SP: sp} }

// AsTrapSeed recovers the (entry, sp) pair NewInitTask/Exec left behind for
// a task whose concrete trap frame has not yet been installed by pkg/trap.
func AsTrapSeed(v any) (entry, sp uintptr, ok bool) {
	s, ok := v.(trapSeed)
	return s.Entry, s.SP, ok
}

// Fork allocates a new tid, then shares or deep-copies the address space,
// fd table, and signal handlers according to CLONE_VM / CLONE_FILES /
// CLONE_SIGHAND. The signal-pending state is always private per task: a
// cloned task never starts with its parent's pending queue.
//
// This method does not itself install the child's trap frame register
// values — it leaves TrapFrame holding a trapSeed recoverable with
// AsTrapSeed — because only pkg/trap knows the concrete frame shape needed
// to zero the return-value register and splice in the given stack pointer
// for the child's independent trap frame.
func (t *TaskControlBlock) Fork(flags defs.CloneFlags, stack uintptr, ctid uintptr) (*TaskControlBlock, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	child := &TaskControlBlock{Tid: allocTid(), Parent: t}

	if flags&defs.CLONE_VM != 0 {
		child.MemSet = t.MemSet
	} else {
		ms, err := t.MemSet.FromExistingUser()
		if err != 0 {
			return nil, err
		}
		child.MemSet = ms
	}

	if flags&defs.CLONE_FILES != 0 {
		child.Fds = t.Fds
	} else {
		child.Fds = t.Fds.Fork()
	}

	if flags&defs.CLONE_SIGHAND != 0 {
		child.SigActions = t.SigActions
	} else {
		child.SigActions = t.SigActions.Clone()
	}
	child.Sig = &signal.State{}

	if flags&defs.CLONE_THREAD != 0 {
		child.Pid = t.Pid
		child.Cwd = t.Cwd // a thread shares its group's working directory
	} else {
		child.Pid = defs.Pid_t(child.Tid)
		cwdDir, cwdPath := t.Cwd.Snapshot()
		child.Cwd = fd.MkRootCwd(cwdDir)
		child.Cwd.Chdir(cwdDir, cwdPath)
	}

	child.HeapBottom, child.HeapTop, child.StackBottom = t.HeapBottom, t.HeapTop, t.StackBottom
	child.TidAddr = TidAddress{ClearChildTid: ctid}
	child.TrapFrame = newTrapSeed(0, stack)

	t.Children = append(t.Children, child)
	return child, 0
}

// Exec replaces the address space from a fresh ELF image, rebuilds the
// initial stack, resets non-ignored signal dispositions, and truncates
// close-on-exec descriptors. The task keeps its tid/pid and fd table
// across exec; only the memory image and trap-frame entry point change.
func (t *TaskControlBlock) Exec(phys *mem.Physmem_t, elfData []byte, argv []string) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()

	ms := vm.NewMemorySet(phys)
	img, err := vm.LoadELF(ms, elfData, 0)
	if err != 0 {
		return err
	}

	stackTop := pageOf(defs.UserStackTop)
	stackBottom := pageOf(defs.UserStackTop - defs.UserStackSize)
	if _, err := ms.MapFramed(stackBottom, stackTop, vm.PTE_U|vm.PTE_W); err != 0 {
		return err
	}
	sp, err := vm.BuildUserStack(ms, stackTop, argv, nil, img)
	if err != 0 {
		return err
	}
	heapStart := pageOf(defs.UserMmapTop)
	heapArea, err := ms.MapAnon(heapStart, heapStart, vm.PTE_U|vm.PTE_W)
	if err != 0 {
		return err
	}
	ms.SetHeapArea(heapArea)

	t.MemSet.Free()
	t.MemSet = ms
	t.HeapBottom, t.HeapTop, t.StackBottom = heapStart, heapStart, stackBottom
	t.TrapFrame = newTrapSeed(img.Entry, sp)

	t.SigActions.ResetNonIgnored()
	t.Fds.CloseOnExec()
	return 0
}

// Exit marks the task Zombie, reparents its children to init, frees its
// address-space pages eagerly, and wakes its clear_child_tid futex if one
// was registered.
func (t *TaskControlBlock) Exit(code int, initTask *TaskControlBlock, futex FutexWaker) {
	t.mu.Lock()
	children := t.Children
	t.Children = nil
	ctid := t.TidAddr.ClearChildTid
	t.status = Zombie
	t.ExitCode = code
	t.mu.Unlock()

	if len(children) > 0 && initTask != nil {
		initTask.mu.Lock()
		for _, c := range children {
			c.mu.Lock()
			c.Parent = initTask
			c.mu.Unlock()
		}
		initTask.Children = append(initTask.Children, children...)
		initTask.mu.Unlock()
	}

	t.MemSet.Free()

	if ctid != 0 && futex != nil {
		futex.WakeAddr(ctid, 1)
	}
}

// WaitResult is what Wait reports for a reaped child.
type WaitResult struct {
	Pid      defs.Pid_t
	ExitCode int
}

// Wait finds a Zombie child (matching pid, or any child if pid<=0) and
// reaps it (removes it from the children list so it cannot be reaped
// twice); returns ECHILD if no matching child exists at all, or EAGAIN
// (would-block) if matching children exist but none has exited yet.
func (t *TaskControlBlock) Wait(pid defs.Pid_t) (WaitResult, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := false
	for i, c := range t.Children {
		if pid > 0 && c.Pid != pid {
			continue
		}
		found = true
		if c.IsZombie() {
			t.Children = append(t.Children[:i:i], t.Children[i+1:]...)
			return WaitResult{Pid: c.Pid, ExitCode: c.ExitCode}, 0
		}
	}
	if !found {
		return WaitResult{}, defs.ECHILD
	}
	return WaitResult{}, defs.EAGAIN
}

// Package trap implements the kernel's only entry point from user mode:
// the syscall dispatcher, the page-fault handler's lazy-then-COW fallback,
// the illegal-instruction terminator, and the timer-tick yield. The fault
// handler itself is just a call into `pkg/vm.MemorySet.HandleFault`'s
// already-built lazy/COW branch order.
//
// There is no real trap-entry assembly here: a "trap" is just a call into
// Dispatch with a TrapFrame the caller (a test, or cmd/kernel's harness
// loop) has already populated, the same way a real kernel's assembly trap
// stub hands off to a plain function once register state is saved.
package trap

import (
	"sync"

	"golang.org/x/arch/x86/x86asm"

	"oskit/pkg/defs"
	"oskit/pkg/futex"
	"oskit/pkg/mem"
	"oskit/pkg/proc"
	"oskit/pkg/signal"
	"oskit/pkg/vfs"
	"oskit/pkg/vm"
)

// TrapFrame is the saved register state one trap handles, the concrete
// shape pkg/proc's TaskControlBlock.TrapFrame field is opaque over.
// Syscall arguments follow a Linux/RISC-V-style six-argument convention:
// decode the syscall number and six argument registers.
type TrapFrame struct {
	PC      uintptr
	SP      uintptr
	Syscall uintptr
	Args    [6]uintptr
	Ret     uintptr
}

// Kernel bundles the shared subsystems a trap's handlers dispatch into:
// the frame allocator, the futex table, the ready-queue scheduler and the
// init task every orphan is reparented to on exit. One Kernel is shared
// by every task and sits at the head of the lock-ordering hierarchy
// (Kernel → TCB → ...).
type Kernel struct {
	Phys     *mem.Physmem_t
	Futex    *futex.Table
	Sched    *proc.Scheduler
	Root     *vfs.Dentry
	InitTask *proc.TaskControlBlock

	mu    sync.Mutex
	byTid map[defs.Tid_t]*proc.TaskControlBlock
	byPid map[defs.Pid_t][]*proc.TaskControlBlock
}

// RegisterTask records a newly created task in the kernel's tid/pid
// lookup tables, used by kill/tgkill/fork's caller to resolve a target
// from a bare numeric id — kill/tgkill act on a pid/tid, not on a
// TaskControlBlock pointer.
func (k *Kernel) RegisterTask(t *proc.TaskControlBlock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.byTid[t.Tid] = t
	k.byPid[t.Pid] = append(k.byPid[t.Pid], t)
}

func (k *Kernel) taskByTid(tid defs.Tid_t) *proc.TaskControlBlock {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.byTid[tid]
}

func (k *Kernel) tasksByPid(pid defs.Pid_t) []*proc.TaskControlBlock {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.byPid[pid]
}

// futexAdapter lets pkg/proc's Exit wake a clear_child_tid futex without
// pkg/proc importing pkg/futex directly (see proc.FutexWaker).
type futexAdapter struct {
	phys *mem.Physmem_t
	tbl  *futex.Table
	asid uint64
}

func (a futexAdapter) WakeAddr(addr uintptr, n int) int {
	return a.tbl.Wake(futex.Key{Paddr: mem.Pa_t(addr), ASID: a.asid}, n)
}

// NewKernel creates a Kernel whose single futex table serves every
// task-exit clear_child_tid wake; Sched.Futex is left unset.
func NewKernel(phys *mem.Physmem_t, root *vfs.Dentry) *Kernel {
	return &Kernel{
		Phys:  phys,
		Futex: futex.NewTable(256),
		Sched: proc.NewScheduler(),
		Root:  root,
		byTid: map[defs.Tid_t]*proc.TaskControlBlock{},
		byPid: map[defs.Pid_t][]*proc.TaskControlBlock{},
	}
}

// Dispatch is the single entry point for every trap a task takes. kind
// distinguishes the four cases below.
type Kind int

const (
	KindSyscall Kind = iota
	KindPageFaultLoad
	KindPageFaultStore
	KindPageFaultFetch
	KindIllegalInstruction
	KindTimer
)

// Dispatch handles one trap for task, returning true if the task should
// keep running (false means it was terminated or yielded away and the
// caller should schedule the next task instead).
func (k *Kernel) Dispatch(task *proc.TaskControlBlock, frame *TrapFrame, kind Kind, faultVPN vm.VPN, insnBytes []byte) bool {
	switch kind {
	case KindSyscall:
		frame.PC += syscallInsnLen
		ret, err := k.syscall(task, frame)
		if frame.Syscall != defs.SYS_EXIT && frame.Syscall != defs.SYS_SIGRETURN {
			if err != 0 {
				frame.Ret = uintptr(err)
			} else {
				frame.Ret = ret
			}
		}
		if task.Status() == proc.Zombie {
			return false
		}
		k.deliverPendingSignal(task, frame)
		return task.Status() != proc.Zombie
	case KindPageFaultLoad, KindPageFaultStore, KindPageFaultFetch:
		write := kind == KindPageFaultStore
		if err := task.MemSet.HandleFault(faultVPN, write); err != 0 {
			k.terminate(task, 1)
			return false
		}
		k.deliverPendingSignal(task, frame)
		return task.Status() != proc.Zombie
	case KindIllegalInstruction:
		k.logIllegalInstruction(insnBytes, uint64(frame.PC))
		k.terminate(task, 1)
		return false
	case KindTimer:
		k.Sched.Yield(task)
		return false
	}
	return true
}

// syscallInsnLen is the width of the trap-causing instruction the PC must
// be advanced past before resuming. x86-64's syscall instruction is always
// 2 bytes; a RISC-V ecall is 4. This kernel is hosted rather than bound to
// one real architecture, so the x86-64 width is used as the default,
// matching golang.org/x/arch/x86/x86asm's decoder used below for the
// illegal-instruction path.
const syscallInsnLen = 2

// logIllegalInstruction decodes the faulting bytes with x86asm for the
// crash diagnostic. Decode failure just means the bytes weren't valid
// x86-64; the task is terminated either way.
func (k *Kernel) logIllegalInstruction(insnBytes []byte, pc uint64) string {
	inst, err := x86asm.Decode(insnBytes, 64)
	if err != nil {
		return "illegal instruction: <undecodable>"
	}
	return "illegal instruction: " + x86asm.GNUSyntax(inst, pc, nil)
}

func (k *Kernel) terminate(task *proc.TaskControlBlock, code int) {
	task.Exit(code, k.InitTask, k.getFutexWaiter(task))
}

// deliverPendingSignal runs on every successful trap return: signals are
// only actually delivered at a trap boundary, never asynchronously
// mid-instruction in this hosted model. A fatal kernel-handled signal
// terminates outright; SIG_IGN/default-ignore just drains the pending
// bit; everything else with a real handler backs up frame and redirects
// PC to it, to be undone by sigreturn.
func (k *Kernel) deliverPendingSignal(task *proc.TaskControlBlock, frame *TrapFrame) {
	if task.Sig.IsKilled() {
		k.terminate(task, 128+signal.SIGKILL)
		return
	}
	signo := task.Sig.Deliverable()
	if signo == 0 {
		return
	}
	act := task.SigActions.Get(signo)
	switch act.Handler {
	case signal.SIG_IGN:
		task.Sig.Consume(signo)
	case signal.SIG_DFL:
		task.Sig.Consume(signo)
		switch signal.DefaultDisposition(signo) {
		case signal.DispIgnore:
		case signal.DispStop:
			task.Sig.SetFrozen(true)
		case signal.DispContinue:
			task.Sig.SetFrozen(false)
		default:
			k.terminate(task, 128+signo)
		}
	default:
		if task.Sig.BeginHandler(signo, *frame) {
			task.Sig.Consume(signo)
			task.Sig.SetMask(task.Sig.GetMask() | act.Mask)
			frame.Args[0] = uintptr(signo)
			frame.PC = act.Handler
		}
	}
}

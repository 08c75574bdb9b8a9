// Package proc implements the task control block and cooperative scheduler:
// a sync.Mutex-guarded struct whose scheduling state is reached through
// accessors, with paired lock/unlock discipline on shared state.
//
// This kernel runs as a hosted simulation rather than on bare metal: there
// is no register-context switch to perform, so "the scheduler" here is
// bookkeeping only — a ready queue that orders which TaskControlBlock runs
// next, and status transitions a syscall dispatcher (pkg/trap) drives
// directly. Real concurrent blocking (a pipe read, a futex wait) already
// parks the calling goroutine inside pkg/pipe/pkg/futex; this package's
// Yield/Block/Wakeup calls keep the ready-queue's bookkeeping consistent
// with whichever goroutine is in fact suspended, preserving the discipline
// that suspension only ever happens at an explicit scheduler entry
// point.
package proc

import (
	"sync"
	"sync/atomic"
	"time"

	"oskit/pkg/defs"
	"oskit/pkg/fd"
	"oskit/pkg/signal"
	"oskit/pkg/vm"
)

// TaskStatus is a TaskControlBlock's scheduling state.
type TaskStatus int

const (
	Ready TaskStatus = iota
	Running
	Blocked
	Zombie
)

// Times mirrors the POSIX times(2) accounting fields, tracked in
// wall-clock terms since this hosted kernel has no real per-tick
// accounting to sample.
type Times struct {
	Utime, Stime           time.Duration
	CUtime, CStime         time.Duration
	lastSched              time.Time
}

var tidCounter int64
var pidCounter int64

func allocTid() defs.Tid_t { return defs.Tid_t(atomic.AddInt64(&tidCounter, 1)) }
func allocPid() defs.Pid_t { return defs.Pid_t(atomic.AddInt64(&pidCounter, 1)) }

// TidAddress holds the futex addresses clone(2)'s CHILD_SETTID/
// CHILD_CLEARTID flags install: set_child_tid is written with the new tid
// immediately; clear_child_tid is zeroed and futex-woken on exit.
type TidAddress struct {
	SetChildTid   uintptr
	ClearChildTid uintptr
}

// TaskControlBlock is one schedulable task. Tid identifies the thread; Pid
// identifies its thread group (shared by every thread spawned with
// CLONE_THREAD).
type TaskControlBlock struct {
	Tid defs.Tid_t
	Pid defs.Pid_t

	mu sync.Mutex

	status TaskStatus

	MemSet     *vm.MemorySet
	Fds        *fd.FdTable
	Cwd        *fd.Cwd_t
	SigActions *signal.SigactionTable // shared across a thread group unless CLONE_SIGHAND is absent
	Sig        *signal.State          // always private per-thread

	Parent   *TaskControlBlock
	Children []*TaskControlBlock

	ExitCode int

	HeapBottom, HeapTop vm.VPN
	StackBottom         vm.VPN

	TidAddr TidAddress

	TrapFrame any // opaque; pkg/trap owns the concrete shape

	Tms Times
}

func (t *TaskControlBlock) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *TaskControlBlock) setStatus(s TaskStatus) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

func (t *TaskControlBlock) IsZombie() bool { return t.Status() == Zombie }

// Scheduler is the single global FIFO ready queue plus "currently running"
// pointer.
type Scheduler struct {
	mu      sync.Mutex
	ready   []*TaskControlBlock
	current *TaskControlBlock
	Futex   FutexWaker
}

// FutexWaker is the minimal surface pkg/proc needs from pkg/futex to wake a
// clear_child_tid waiter on exit, kept as an interface so this package does
// not import pkg/futex's Key type directly (pkg/trap is what actually owns
// both and wires them together).
type FutexWaker interface {
	WakeAddr(addr uintptr, n int) int
}

func NewScheduler() *Scheduler { return &Scheduler{} }

// AddTask appends t to the ready queue's tail.
func (s *Scheduler) AddTask(t *TaskControlBlock) {
	t.setStatus(Ready)
	s.mu.Lock()
	s.ready = append(s.ready, t)
	s.mu.Unlock()
}

// FetchTask pops the head of the ready queue, or nil if empty.
func (s *Scheduler) FetchTask() *TaskControlBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ready) == 0 {
		return nil
	}
	t := s.ready[0]
	s.ready = s.ready[1:]
	return t
}

// WakeupTask moves a Blocked task back to Ready and onto the queue, used by
// futex wake, pipe data arrival, and child-exit notification to a waiting
// parent.
func (s *Scheduler) WakeupTask(t *TaskControlBlock) {
	s.AddTask(t)
}

// RunOne fetches the next ready task, marks it Running and installs it as
// current, and activates its address space. The caller (pkg/trap's
// dispatcher loop, or a test driving the scheduler directly) is
// responsible for actually running the task's trap frame.
func (s *Scheduler) RunOne() *TaskControlBlock {
	t := s.FetchTask()
	if t == nil {
		return nil
	}
	t.setStatus(Running)
	t.MemSet.PageTable().Change()
	s.mu.Lock()
	s.current = t
	s.mu.Unlock()
	t.Tms.lastSched = time.Time{} // wall-clock accounting is kept as bookkeeping fields only, not driven by a real clock
	return t
}

func (s *Scheduler) Current() *TaskControlBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Yield re-enqueues the currently running task at the tail of the ready
// queue. Also used on a timer trap.
func (s *Scheduler) Yield(t *TaskControlBlock) {
	s.AddTask(t)
}

// Block marks t Blocked and removes it from "current" without re-enqueuing
// it; the caller that will eventually call WakeupTask owns getting it back
// onto the ready queue.
func (s *Scheduler) Block(t *TaskControlBlock) {
	t.setStatus(Blocked)
	s.mu.Lock()
	if s.current == t {
		s.current = nil
	}
	s.mu.Unlock()
}

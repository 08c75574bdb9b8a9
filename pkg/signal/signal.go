// Package signal implements the per-task pending/mask/handler-table
// machinery: a SIGHUP..SIGSYS bit layout, a kernel-handled-vs-user-handler
// split (SIGKILL cannot be masked; SIGSTOP/SIGCONT flip a frozen flag;
// everything else either defaults to terminate or runs a user handler),
// and a backed-up trap frame / mask restored by sigreturn.
//
// A SigactionTable is a plain mutex-guarded array, shared by pointer across
// a thread group exactly as pkg/fd.FdTable and pkg/vm.MemorySet are, under
// the same clone-flags share-or-deep-copy convention.
package signal

import (
	"sync"
)

// Set is a bitset over signal numbers 1..=31, a plain uint32 bitset rather
// than a generated bitflags type.
type Set uint32

// Signal numbers, 1-indexed from SIGHUP=1 to SIGSYS=31.
const (
	SIGHUP = 1 + iota
	SIGINT
	SIGQUIT
	SIGILL
	SIGTRAP
	SIGABRT
	SIGBUS
	SIGFPE
	SIGKILL
	SIGUSR1
	SIGSEGV
	SIGUSR2
	SIGPIPE
	SIGALRM
	SIGTERM
	SIGSTKFLT
	SIGCHLD
	SIGCONT
	SIGSTOP
	SIGTSTP
	SIGTTIN
	SIGTTOU
	SIGURG
	SIGXCPU
	SIGXFSZ
	SIGVTALRM
	SIGPROF
	SIGWINCH
	SIGIO
	SIGPWR
	SIGSYS
)

func bit(signo int) Set { return 1 << uint(signo-1) }

func (s Set) Has(signo int) bool { return s&bit(signo) != 0 }
func (s Set) Add(signo int) Set  { return s | bit(signo) }
func (s Set) Clear(signo int) Set { return s &^ bit(signo) }

// Lowest returns the lowest-numbered signal set in s that isn't masked by
// block, or 0 if none. Delivery always proceeds in ascending signal-number
// order.
func Lowest(pending, block Set) int {
	deliverable := pending &^ block
	for signo := 1; signo <= 31; signo++ {
		if deliverable.Has(signo) {
			return signo
		}
	}
	return 0
}

// Disposition classifies what happens when a signal is delivered: ignore,
// stop, continue, terminate, or run an installed user handler.
type Disposition int

const (
	DispTerminate Disposition = iota
	DispIgnore
	DispStop
	DispContinue
	DispHandler
)

// DefaultDisposition returns what signo does when no handler has been
// installed.
func DefaultDisposition(signo int) Disposition {
	switch signo {
	case SIGCHLD, SIGURG, SIGWINCH:
		return DispIgnore
	case SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU:
		return DispStop
	case SIGCONT:
		return DispContinue
	default:
		return DispTerminate
	}
}

// Action is one entry of a SigactionTable: a user handler address (opaque
// to this package — pkg/proc interprets it as a user virtual address to
// jump to) plus the flags and mask applied while it runs.
type Action struct {
	Handler uintptr // 0 = SIG_DFL, 1 = SIG_IGN
	Mask    Set     // signals blocked while the handler runs
	Flags   uint32
}

const (
	SIG_DFL uintptr = 0
	SIG_IGN uintptr = 1
)

// SigactionTable is the per-thread-group handler table (shared or private
// per clone flags), indexed by signal number 1..=31.
type SigactionTable struct {
	mu      sync.Mutex
	actions [32]Action
}

// NewTable creates a table with every signal at its default disposition.
func NewTable() *SigactionTable { return &SigactionTable{} }

func (t *SigactionTable) Get(signo int) Action {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.actions[signo]
}

func (t *SigactionTable) Set(signo int, a Action) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actions[signo] = a
}

// ResetNonIgnored restores every signal whose disposition is not SIG_IGN to
// SIG_DFL, the reset exec performs on every dispositions that isn't
// "ignored".
func (t *SigactionTable) ResetNonIgnored() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.actions {
		if t.actions[i].Handler != SIG_IGN {
			t.actions[i] = Action{}
		}
	}
}

// Clone returns an independent copy, used when fork runs without
// CLONE_SIGHAND.
func (t *SigactionTable) Clone() *SigactionTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	nt := &SigactionTable{}
	nt.actions = t.actions
	return nt
}

// SavedFrame is the backed-up trap-frame/mask pair a user-mode handler
// delivery saves and `sigreturn` restores. The trap frame itself is opaque
// to this package (pkg/trap owns its shape); TrapFrame is stored as `any`
// so pkg/signal has no dependency on pkg/trap.
type SavedFrame struct {
	TrapFrame any
	Mask      Set
}

// State is one task's signal-delivery bookkeeping: everything except the
// handler table itself, which may be shared across a thread group and is
// held separately by the owning TaskControlBlock.
type State struct {
	mu        sync.Mutex
	Pending   Set
	Mask      Set
	Queue     []int // pending signals in delivery order
	Handling  int   // signal currently being handled, 0 if none
	Saved     *SavedFrame
	Killed    bool // set by a fatal kernel-handled signal (SIGKILL or default-terminate)
	Frozen    bool // set by SIGSTOP, cleared by SIGCONT
}

// Raise adds signo to the pending set and delivery queue, used by kill/
// tgkill.
func (s *State) Raise(signo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Pending.Has(signo) {
		s.Pending = s.Pending.Add(signo)
		s.Queue = append(s.Queue, signo)
	}
}

// Deliverable reports the lowest pending, unmasked signal, or 0.
func (s *State) Deliverable() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Lowest(s.Pending, s.Mask)
}

// Consume removes signo from the pending set and delivery queue, called
// once the kernel has decided how to act on it.
func (s *State) Consume(signo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Pending = s.Pending.Clear(signo)
	for i, q := range s.Queue {
		if q == signo {
			s.Queue = append(s.Queue[:i], s.Queue[i+1:]...)
			break
		}
	}
}

// BeginHandler records signo as being handled and backs up the current
// frame/mask, returning false if a handler is already in progress — signal
// delivery does not nest in this kernel.
func (s *State) BeginHandler(signo int, frame any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Handling != 0 {
		return false
	}
	s.Handling = signo
	s.Saved = &SavedFrame{TrapFrame: frame, Mask: s.Mask}
	return true
}

// EndHandler restores the saved frame/mask on `sigreturn`, returning the
// saved trap frame for the caller to reinstall.
func (s *State) EndHandler() (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Handling == 0 || s.Saved == nil {
		return nil, false
	}
	saved := s.Saved
	s.Mask = saved.Mask
	s.Handling = 0
	s.Saved = nil
	return saved.TrapFrame, true
}

// Kill marks the task as killed, the terminal outcome of SIGKILL or a
// default-terminate signal.
func (s *State) Kill() {
	s.mu.Lock()
	s.Killed = true
	s.mu.Unlock()
}

func (s *State) IsKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Killed
}

func (s *State) SetFrozen(v bool) {
	s.mu.Lock()
	s.Frozen = v
	s.mu.Unlock()
}

func (s *State) IsFrozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Frozen
}

func (s *State) SetMask(m Set) {
	s.mu.Lock()
	s.Mask = m
	s.mu.Unlock()
}

func (s *State) GetMask() Set {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Mask
}

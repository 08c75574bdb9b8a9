// Package vm implements the per-process address space: the page-table
// wrapper, the memory set / COW / lazy-mapping machinery, the ELF loader
// and initial user-stack layout, and the user-memory copy helpers
// (Userbuf_t/Fakeubuf_t).
//
// A real page table is a literal array indexed via pointer arithmetic
// over physical memory, because it programs a real MMU. This hosted
// kernel has no MMU to program — trap entry/exit and the arch-specific
// table-walking assembly are out of scope — so the same
// architecture-neutral three-or-four-level radix contract
// (map_page/unmap_page/translate/change/restore) is implemented over a
// plain Go map keyed by virtual page number, split at KernelSplit into a
// per-process user half and one process-wide shared kernel half: the low
// half is user, the high half is kernel and shared across all address
// spaces.
package vm

import (
	"sync"

	"oskit/pkg/mem"
)

// PTEFlags are page-table-entry permission/state bits.
type PTEFlags uint32

const (
	PTE_P PTEFlags = 1 << iota
	PTE_W
	PTE_U
	PTE_X
	PTE_COW
	PTE_WASCOW
	PTE_A
	PTE_D
)

// Has reports whether all bits of want are set in f.
func (f PTEFlags) Has(want PTEFlags) bool { return f&want == want }

// VPN is a virtual page number (a virtual address shifted right by PGSHIFT).
type VPN uintptr

// KernelSplit is the architecture-specific bit a real address space is
// split at (39, 48, …), expressed here as a VPN boundary rather than a
// bit count: pages below it are user pages, at or above it are the
// shared kernel half.
const KernelSplit VPN = 1 << 47

func pageOf(va uintptr) VPN { return VPN(va >> mem.PGSHIFT) }

type pte struct {
	phys  mem.Pa_t
	flags PTEFlags
}

// kernelTable holds the process-wide kernel half, installed once at boot
// and never touched by user-facing page-table operations.
var kernelTable = struct {
	mu      sync.Mutex
	entries map[VPN]*pte
}{entries: map[VPN]*pte{}}

// InstallKernelMapping adds a shared kernel-half mapping visible to every
// PageTable. Intended to be called only during boot.
func InstallKernelMapping(vpn VPN, phys mem.Pa_t, flags PTEFlags) {
	if vpn < KernelSplit {
		panic("vm: kernel mapping below KernelSplit")
	}
	kernelTable.mu.Lock()
	defer kernelTable.mu.Unlock()
	kernelTable.entries[vpn] = &pte{phys: phys, flags: flags | PTE_P}
}

// PageTable is the per-address-space user half of the radix table, plus a
// read path into the shared kernel half.
type PageTable struct {
	mu      sync.Mutex
	entries map[VPN]*pte
}

// NewPageTable allocates an empty user half. The kernel half is implicit —
// every PageTable observes the same kernelTable.
func NewPageTable() *PageTable {
	return &PageTable{entries: map[VPN]*pte{}}
}

// MapPage installs vpn -> phys with the given flags. Mapping into the
// kernel half is refused; that half is installed exactly once via
// InstallKernelMapping.
func (pt *PageTable) MapPage(vpn VPN, phys mem.Pa_t, flags PTEFlags) {
	if vpn >= KernelSplit {
		panic("vm: user map_page into kernel half")
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.entries[vpn] = &pte{phys: phys, flags: flags | PTE_P}
}

// UnmapPage removes vpn's mapping and returns the physical frame that was
// mapped there, or (0, false) if nothing was mapped. Freeing the frame is
// the caller's (MapArea's) responsibility, since the page table does not
// own FrameTrackers — MapArea owns the vpn -> FrameTracker map.
func (pt *PageTable) UnmapPage(vpn VPN) (mem.Pa_t, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries[vpn]
	if !ok {
		return 0, false
	}
	delete(pt.entries, vpn)
	return e.phys, true
}

// Translate returns the physical frame and flags mapped at vpn, checking
// the kernel half when vpn falls above KernelSplit.
func (pt *PageTable) Translate(vpn VPN) (mem.Pa_t, PTEFlags, bool) {
	if vpn >= KernelSplit {
		kernelTable.mu.Lock()
		defer kernelTable.mu.Unlock()
		e, ok := kernelTable.entries[vpn]
		if !ok {
			return 0, 0, false
		}
		return e.phys, e.flags, true
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries[vpn]
	if !ok {
		return 0, 0, false
	}
	return e.phys, e.flags, true
}

// entry returns a pointer-like accessor used by the fault handler to
// flip COW/writable bits in place without a full unmap+remap round trip.
func (pt *PageTable) entry(vpn VPN) (*pte, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	e, ok := pt.entries[vpn]
	return e, ok
}

// Restore clears every user-half mapping, keeping the kernel half
// intact. Used when an address space is torn down or reused across exec.
func (pt *PageTable) Restore() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.entries = map[VPN]*pte{}
}

// currentTable models CR3: the page table installed by the most recent
// Change() call. There is no SMP, so one global pointer suffices —
// cross-process invalidation is not required without SMP.
var currentTable struct {
	mu sync.Mutex
	pt *PageTable
}

// Change installs pt as the active table. The hosted model has no real
// TLB, so this is bookkeeping only — there is nothing to flush beyond
// marking which table the scheduler believes is live, which callers
// (pkg/proc) use to assert they're touching the currently-scheduled
// task's address space.
func (pt *PageTable) Change() {
	currentTable.mu.Lock()
	defer currentTable.mu.Unlock()
	currentTable.pt = pt
}

// Current returns the table most recently installed by Change.
func Current() *PageTable {
	currentTable.mu.Lock()
	defer currentTable.mu.Unlock()
	return currentTable.pt
}

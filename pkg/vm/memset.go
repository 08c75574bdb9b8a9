// Memory-set and fault-handling machinery: the address-space area list,
// lazy anonymous-page population, and copy-on-write fork.
package vm

import (
	"sort"
	"sync"

	"oskit/pkg/defs"
	"oskit/pkg/mem"
)

// MType distinguishes how a MapArea's pages are first populated. Framed
// areas (ELF segments, the user stack) are populated eagerly at insertion
// time; Anon areas (the heap) are populated lazily, one zero page per
// fault.
type MType int

const (
	Framed MType = iota
	Anon
)

// MapArea is a single contiguous, permission-uniform region of a
// MemorySet's address space. Frames is the set of physical pages this
// address space has faulted in for the region; a COW fork shares those
// same frames (via Physmem_t.Refup) into the child's own Frames map
// rather than copying bytes, so every byte is reachable and independently
// removable at the MapArea level while the underlying frame is shared
// until written.
type MapArea struct {
	Start, End VPN // half-open virtual page range
	Perm       PTEFlags
	Mtype      MType
	Frames     map[VPN]*mem.FrameTracker
}

func (a *MapArea) contains(vpn VPN) bool { return vpn >= a.Start && vpn < a.End }

// MemorySet is one process's address space: a sorted, disjoint list of
// MapAreas plus the page table that realizes them.
type MemorySet struct {
	mu       sync.Mutex
	phys     *mem.Physmem_t
	pt       *PageTable
	areas    []*MapArea
	HeapEnd  VPN // current brk frontier, exclusive
	heapArea *MapArea
}

// NewMemorySet allocates an empty address space backed by phys.
func NewMemorySet(phys *mem.Physmem_t) *MemorySet {
	return &MemorySet{phys: phys, pt: NewPageTable()}
}

func (ms *MemorySet) PageTable() *PageTable { return ms.pt }

// InsertArea adds a, which must not overlap any existing area: at most
// one MapArea contains a given vpn, and that area's [start,end) is
// consistent with the sorted list.
func (ms *MemorySet) InsertArea(a *MapArea) defs.Err_t {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	i := sort.Search(len(ms.areas), func(i int) bool { return ms.areas[i].Start >= a.Start })
	if i > 0 && ms.areas[i-1].End > a.Start {
		return defs.EINVAL
	}
	if i < len(ms.areas) && ms.areas[i].Start < a.End {
		return defs.EINVAL
	}
	if a.Frames == nil {
		a.Frames = map[VPN]*mem.FrameTracker{}
	}
	ms.areas = append(ms.areas, nil)
	copy(ms.areas[i+1:], ms.areas[i:])
	ms.areas[i] = a
	return 0
}

func (ms *MemorySet) findAreaLocked(vpn VPN) (*MapArea, bool) {
	i := sort.Search(len(ms.areas), func(i int) bool { return ms.areas[i].End > vpn })
	if i < len(ms.areas) && ms.areas[i].contains(vpn) {
		return ms.areas[i], true
	}
	return nil, false
}

// MapFramed eagerly allocates and maps every page in [start,end) with perm,
// used for ELF PT_LOAD segments and the initial user stack, both of which
// must be resident before the first instruction runs.
func (ms *MemorySet) MapFramed(start, end VPN, perm PTEFlags) (*MapArea, defs.Err_t) {
	a := &MapArea{Start: start, End: end, Perm: perm, Mtype: Framed, Frames: map[VPN]*mem.FrameTracker{}}
	for vpn := start; vpn < end; vpn++ {
		ft, ok := ms.phys.Alloc()
		if !ok {
			for _, f := range a.Frames {
				f.Free()
			}
			return nil, defs.ENOMEM
		}
		a.Frames[vpn] = ft
	}
	if err := ms.InsertArea(a); err != 0 {
		for _, f := range a.Frames {
			f.Free()
		}
		return nil, err
	}
	ms.mu.Lock()
	for vpn, ft := range a.Frames {
		ms.pt.MapPage(vpn, ft.Frame(), perm|PTE_P)
	}
	ms.mu.Unlock()
	return a, 0
}

// MapAnon reserves [start,end) as lazily-populated anonymous memory without
// allocating any frames yet (the heap), growable in place by GrowHeap.
func (ms *MemorySet) MapAnon(start, end VPN, perm PTEFlags) (*MapArea, defs.Err_t) {
	a := &MapArea{Start: start, End: end, Perm: perm, Mtype: Anon, Frames: map[VPN]*mem.FrameTracker{}}
	if err := ms.InsertArea(a); err != 0 {
		return nil, err
	}
	return a, 0
}

// SetHeapArea records which MapArea brk() grows, called once by whichever
// caller mapped the heap's anonymous region (pkg/proc's NewInitTask/Exec).
func (ms *MemorySet) SetHeapArea(a *MapArea) {
	ms.mu.Lock()
	ms.heapArea = a
	ms.HeapEnd = a.End
	ms.mu.Unlock()
}

// HeapArea returns the MapArea brk() grows, or nil if none was ever set
// (a task whose image never mapped a heap region).
func (ms *MemorySet) HeapArea() *MapArea {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.heapArea
}

// GrowHeap extends (or, if newEnd < current, shrinks) the heap area's
// [start, HeapEnd) range, implementing brk: brk(0) reports the current
// break without changing it; brk(addr) extends or shrinks. Shrinking
// frees any already-faulted pages beyond the new end.
func (ms *MemorySet) GrowHeap(heap *MapArea, newEnd VPN) defs.Err_t {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if newEnd < heap.Start {
		return defs.EINVAL
	}
	if newEnd < heap.End {
		for vpn := newEnd; vpn < heap.End; vpn++ {
			if ft, ok := heap.Frames[vpn]; ok {
				ms.pt.UnmapPage(vpn)
				ft.Free()
				delete(heap.Frames, vpn)
			}
		}
	}
	heap.End = newEnd
	ms.HeapEnd = newEnd
	return 0
}

// HandleFault is the page-fault entry point: a present, COW-marked page
// being written dispatches to the COW path; anything else absent
// dispatches to the lazy path; any other combination is a genuine fault.
func (ms *MemorySet) HandleFault(vpn VPN, write bool) defs.Err_t {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if pt, ok := ms.pt.entry(vpn); ok {
		if write && pt.flags&PTE_COW != 0 {
			return ms.handleCOWLocked(vpn)
		}
		return defs.EFAULT
	}
	return ms.handleLazyLocked(vpn, write)
}

func (ms *MemorySet) handleLazyLocked(vpn VPN, write bool) defs.Err_t {
	a, ok := ms.findAreaLocked(vpn)
	if !ok || a.Perm == 0 {
		return defs.EFAULT
	}
	if write && !a.Perm.Has(PTE_W) {
		return defs.EFAULT
	}
	if ft, ok := a.Frames[vpn]; ok {
		// Frame already owned (e.g. reinstated after Restore); just remap.
		ms.pt.MapPage(vpn, ft.Frame(), a.Perm|PTE_P)
		return 0
	}
	ft, ok := ms.phys.Alloc()
	if !ok {
		return defs.ENOMEM
	}
	a.Frames[vpn] = ft
	ms.pt.MapPage(vpn, ft.Frame(), a.Perm|PTE_P)
	return 0
}

func (ms *MemorySet) handleCOWLocked(vpn VPN) defs.Err_t {
	a, ok := ms.findAreaLocked(vpn)
	if !ok {
		return defs.EFAULT
	}
	old, ok := a.Frames[vpn]
	if !ok {
		return defs.EFAULT
	}
	if ms.phys.Refcnt(old.Frame()) == 1 {
		// Sole owner left: claim the frame in place instead of copying.
		ms.pt.MapPage(vpn, old.Frame(), (a.Perm|PTE_P)&^PTE_COW)
		return 0
	}
	ft, ok := ms.phys.Alloc()
	if !ok {
		return defs.ENOMEM
	}
	*ft.Page() = *old.Page()
	old.Free()
	a.Frames[vpn] = ft
	ms.pt.MapPage(vpn, ft.Frame(), (a.Perm|PTE_P)&^PTE_COW)
	return 0
}

// FromExistingUser builds a child address space from a parent (the
// copy-on-write fork path): every already-faulted page is shared by
// reference count between parent and child, and both sides' mappings are
// downgraded to read-only-plus-COW so the first write on either side
// copies instead of corrupting the other.
func (ms *MemorySet) FromExistingUser() (*MemorySet, defs.Err_t) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	child := NewMemorySet(ms.phys)
	for _, a := range ms.areas {
		ca := &MapArea{Start: a.Start, End: a.End, Perm: a.Perm, Mtype: a.Mtype, Frames: map[VPN]*mem.FrameTracker{}}
		for vpn, ft := range a.Frames {
			ms.phys.Refup(ft.Frame())
			ca.Frames[vpn] = mem.AdoptExisting(ms.phys, ft.Frame())

			childPerm := a.Perm
			parentPerm := a.Perm
			if a.Perm.Has(PTE_W) {
				childPerm = (childPerm &^ PTE_W) | PTE_COW
				parentPerm = (parentPerm &^ PTE_W) | PTE_COW
				ms.pt.MapPage(vpn, ft.Frame(), parentPerm|PTE_P)
			}
			child.pt.MapPage(vpn, ft.Frame(), childPerm|PTE_P)
		}
		child.areas = append(child.areas, ca)
		if a == ms.heapArea {
			child.heapArea = ca
		}
	}
	child.HeapEnd = ms.HeapEnd
	return child, 0
}

// Free releases every frame this address space owns. Called when a task
// exits.
func (ms *MemorySet) Free() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	for _, a := range ms.areas {
		for vpn, ft := range a.Frames {
			ms.pt.UnmapPage(vpn)
			ft.Free()
		}
	}
	ms.areas = nil
}

// Translate exposes the underlying page table's lookup, used by the
// user-memory copy helpers.
func (ms *MemorySet) Translate(vpn VPN) (mem.Pa_t, PTEFlags, bool) {
	return ms.pt.Translate(vpn)
}

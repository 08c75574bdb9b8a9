// User-memory copy helpers: Userbuf_t, Fakeubuf_t and the Userio_i
// contract they both satisfy. Scatter/gather over multiple spans
// (readv/writev) is not implemented since this syscall table has no
// readv/writev to exercise it.
package vm

import (
	"oskit/pkg/defs"
	"oskit/pkg/mem"
)

// Userio_i is the copy-in/copy-out contract every syscall implementation
// reads and writes through. Touching an address that isn't resident takes
// the same lazy/COW fault path a real memory access would.
type Userio_i interface {
	Uio_read(dst []byte) (int, defs.Err_t)
	Uio_write(src []byte) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

// Userbuf_t copies to/from a live address space, faulting in pages on
// demand exactly as real hardware would via HandleFault, rather than
// assuming the target range is already resident.
type Userbuf_t struct {
	ms       *MemorySet
	userva   uintptr
	len      int
	off      int
	totalsz  int
}

func (u *Userbuf_t) Uioreset(ms *MemorySet, userva uintptr, len int) {
	u.ms, u.userva, u.len, u.off, u.totalsz = ms, userva, len, 0, len
}

func (u *Userbuf_t) Remain() int  { return u.len - u.off }
func (u *Userbuf_t) Totalsz() int { return u.totalsz }

// Uio_read copies from user memory (userva) into dst (kernel memory),
// i.e. the read half of a write(2) syscall's argument handling.
func (u *Userbuf_t) Uio_read(dst []byte) (int, defs.Err_t) {
	return u.copy(dst, true)
}

// Uio_write copies from src (kernel memory) into user memory (userva),
// i.e. the write half of a read(2) syscall's result handling.
func (u *Userbuf_t) Uio_write(src []byte) (int, defs.Err_t) {
	return u.copy(src, false)
}

func (u *Userbuf_t) copy(buf []byte, fromUser bool) (int, defs.Err_t) {
	want := len(buf)
	if want > u.Remain() {
		want = u.Remain()
	}
	done := 0
	for done < want {
		va := u.userva + uintptr(u.off)
		vpn := VPN(va >> mem.PGSHIFT)
		pgoff := int(va & uintptr(mem.PGOFFSET))
		n := mem.PGSIZE - pgoff
		if remain := want - done; n > remain {
			n = remain
		}

		pa, flags, ok := u.ms.Translate(vpn)
		needFault := !ok || (!fromUser && flags&PTE_COW != 0)
		if needFault {
			if err := u.ms.HandleFault(vpn, !fromUser); err != 0 {
				return done, defs.EFAULT
			}
			pa, _, _ = u.ms.Translate(vpn)
		}

		page := u.ms.phys.Dmap(pa)
		if fromUser {
			copy(buf[done:done+n], page[pgoff:pgoff+n])
		} else {
			copy(page[pgoff:pgoff+n], buf[done:done+n])
		}
		done += n
		u.off += n
	}
	return done, 0
}

// Fakeubuf_t satisfies Userio_i over a plain in-kernel byte slice, used
// where a syscall's "user" buffer is actually kernel-resident data, e.g.
// procfs synthesizing file content.
type Fakeubuf_t struct {
	data []byte
	off  int
}

func (f *Fakeubuf_t) Fakeufini(backing []byte) { f.data, f.off = backing, 0 }

func (f *Fakeubuf_t) Remain() int  { return len(f.data) - f.off }
func (f *Fakeubuf_t) Totalsz() int { return len(f.data) }

func (f *Fakeubuf_t) Uio_read(dst []byte) (int, defs.Err_t) {
	n := copy(dst, f.data[f.off:])
	f.off += n
	return n, 0
}

func (f *Fakeubuf_t) Uio_write(src []byte) (int, defs.Err_t) {
	n := copy(f.data[f.off:], src)
	f.off += n
	return n, 0
}

// Package circbuf implements a single-reader/single-writer circular byte
// buffer. Backs pkg/pipe's FIFOs.
// Not safe for concurrent use by itself — pkg/pipe supplies the locking.
package circbuf

import (
	"oskit/pkg/defs"
	"oskit/pkg/mem"
	"oskit/pkg/vm"
)

// Circbuf_t is a fixed-capacity ring buffer over one lazily-allocated
// physical page.
type Circbuf_t struct {
	phys  *mem.Physmem_t
	frame *mem.FrameTracker
	buf   []uint8
	bufsz int
	head  int
	tail  int
}

func (cb *Circbuf_t) Bufsz() int { return cb.bufsz }

// Cb_init lazily allocates a backing page when required; allocation is
// deferred to the first read or write so construction itself cannot fail.
func (cb *Circbuf_t) Cb_init(sz int, phys *mem.Physmem_t) defs.Err_t {
	if sz <= 0 || sz > mem.PGSIZE {
		panic("bad circbuf size")
	}
	cb.phys = phys
	cb.bufsz = sz
	cb.head, cb.tail = 0, 0
	return 0
}

// Cb_release drops the backing page, if one was ever allocated.
func (cb *Circbuf_t) Cb_release() {
	if cb.frame == nil {
		return
	}
	cb.frame.Free()
	cb.frame = nil
	cb.buf = nil
	cb.head, cb.tail = 0, 0
}

// Cb_ensure guarantees the backing page is allocated, returning ENOMEM on
// failure — deferred allocation makes an out-of-memory condition visible at
// the first read/write instead of at pipe-creation time.
func (cb *Circbuf_t) Cb_ensure() defs.Err_t {
	if cb.buf != nil {
		return 0
	}
	if cb.bufsz == 0 {
		panic("not initted")
	}
	ft, ok := cb.phys.Alloc()
	if !ok {
		return defs.ENOMEM
	}
	cb.frame = ft
	cb.buf = ft.Page()[:cb.bufsz]
	return 0
}

func (cb *Circbuf_t) Full() bool  { return cb.head-cb.tail == cb.bufsz }
func (cb *Circbuf_t) Empty() bool { return cb.head == cb.tail }
func (cb *Circbuf_t) Left() int   { return cb.bufsz - (cb.head - cb.tail) }
func (cb *Circbuf_t) Used() int   { return cb.head - cb.tail }

// Copyin reads from src into the circular buffer, wrapping at most once.
func (cb *Circbuf_t) Copyin(src vm.Userio_i) (int, defs.Err_t) {
	if err := cb.Cb_ensure(); err != 0 {
		return 0, err
	}
	if cb.Full() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if ti <= hi {
		dst := cb.buf[hi:]
		wrote, err := src.Uio_read(dst)
		if err != 0 {
			return 0, err
		}
		if wrote != len(dst) {
			cb.head += wrote
			return wrote, 0
		}
		c += wrote
		hi = (cb.head + wrote) % cb.bufsz
	}
	if hi > ti {
		panic("circbuf: inconsistent wraparound state")
	}
	dst := cb.buf[hi:ti]
	wrote, err := src.Uio_read(dst)
	c += wrote
	if err != 0 {
		return c, err
	}
	cb.head += c
	return c, 0
}

func (cb *Circbuf_t) Copyout(dst vm.Userio_i) (int, defs.Err_t) {
	return cb.Copyout_n(dst, 0)
}

// Copyout_n writes up to max bytes (all of it, if max == 0) of the buffer's
// contents to dst, wrapping at most once.
func (cb *Circbuf_t) Copyout_n(dst vm.Userio_i, max int) (int, defs.Err_t) {
	if err := cb.Cb_ensure(); err != 0 {
		return 0, err
	}
	if cb.Empty() {
		return 0, 0
	}
	hi := cb.head % cb.bufsz
	ti := cb.tail % cb.bufsz
	c := 0
	if hi <= ti {
		src := cb.buf[ti:]
		if max != 0 && max < len(src) {
			src = src[:max]
		}
		wrote, err := dst.Uio_write(src)
		if err != 0 {
			return 0, err
		}
		if wrote != len(src) || wrote == max {
			cb.tail += wrote
			return wrote, 0
		}
		c += wrote
		if max != 0 {
			max -= c
		}
		ti = (cb.tail + wrote) % cb.bufsz
	}
	if ti > hi {
		panic("circbuf: inconsistent wraparound state")
	}
	src := cb.buf[ti:hi]
	if max != 0 && max < len(src) {
		src = src[:max]
	}
	wrote, err := dst.Uio_write(src)
	if err != 0 {
		return 0, err
	}
	c += wrote
	cb.tail += c
	return c, 0
}

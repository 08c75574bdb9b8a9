// Package pipe implements anonymous FIFOs atop pkg/circbuf's 2 KiB ring
// buffer, with a read/write-end split and an "all write ends closed" EOF
// rule.
//
// A reader needs to tell when every writer has dropped. Rather than a weak
// pointer, an explicit open-writer refcount, incremented on MakePipe and on
// any later Dup of the write end and decremented on Close, serves the same
// purpose.
package pipe

import (
	"sync"

	"oskit/pkg/circbuf"
	"oskit/pkg/defs"
	"oskit/pkg/mem"
	"oskit/pkg/vm"
)

const RingBufferSize = 2048

// ring is the shared buffer plus end-of-life bookkeeping, guarded by mu.
type ring struct {
	mu      sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	buf     circbuf.Circbuf_t
	readers int
	writers int
}

func newRing(phys *mem.Physmem_t) *ring {
	r := &ring{readers: 1, writers: 1}
	r.buf.Cb_init(RingBufferSize, phys)
	r.notEmpty = sync.NewCond(&r.mu)
	r.notFull = sync.NewCond(&r.mu)
	return r
}

// ReadEnd is the read-only file description returned by MakePipe.
type ReadEnd struct {
	r      *ring
	closed bool
}

// WriteEnd is the write-only file description returned by MakePipe.
type WriteEnd struct {
	r      *ring
	closed bool
}

// MakePipe allocates a fresh ring and returns its two ends.
func MakePipe(phys *mem.Physmem_t) (*ReadEnd, *WriteEnd) {
	r := newRing(phys)
	return &ReadEnd{r: r}, &WriteEnd{r: r}
}

// Dup returns a second handle onto the same read end, bumping the reader
// refcount (used by fork, which shares pipe file descriptions).
func (re *ReadEnd) Dup() *ReadEnd {
	re.r.mu.Lock()
	re.r.readers++
	re.r.mu.Unlock()
	return &ReadEnd{r: re.r}
}

func (we *WriteEnd) Dup() *WriteEnd {
	we.r.mu.Lock()
	we.r.writers++
	we.r.mu.Unlock()
	return &WriteEnd{r: we.r}
}

// Close drops one reader reference. Wakes any blocked writer once the last
// reader goes away, since a pipe with no readers left should fail writers
// rather than block them forever (SIGPIPE/EPIPE territory).
func (re *ReadEnd) Close() {
	re.r.mu.Lock()
	if re.closed {
		re.r.mu.Unlock()
		return
	}
	re.closed = true
	re.r.readers--
	last := re.r.readers == 0
	re.r.mu.Unlock()
	if last {
		re.r.notFull.Broadcast()
	}
}

// Close drops one writer reference. Wakes any blocked reader once the last
// writer goes away, so pending reads see EOF.
func (we *WriteEnd) Close() {
	we.r.mu.Lock()
	if we.closed {
		we.r.mu.Unlock()
		return
	}
	we.closed = true
	we.r.writers--
	last := we.r.writers == 0
	we.r.mu.Unlock()
	if last {
		we.r.notEmpty.Broadcast()
	}
}

// Read blocks while the ring is empty and at least one writer remains open;
// returns (0, nil) at EOF once every writer has closed.
func (re *ReadEnd) Read(uio vm.Userio_i) (int, defs.Err_t) {
	r := re.r
	r.mu.Lock()
	for r.buf.Empty() && r.writers > 0 {
		r.notEmpty.Wait()
	}
	defer r.mu.Unlock()
	if r.buf.Empty() {
		return 0, 0
	}
	n, err := r.buf.Copyout(uio)
	if n > 0 {
		r.notFull.Broadcast()
	}
	return n, err
}

// Write blocks while the ring is full and at least one reader remains open;
// returns EPIPE once every reader has closed.
func (we *WriteEnd) Write(uio vm.Userio_i) (int, defs.Err_t) {
	r := we.r
	r.mu.Lock()
	for r.buf.Full() && r.readers > 0 {
		r.notFull.Wait()
	}
	defer r.mu.Unlock()
	if r.readers == 0 {
		return 0, defs.EPIPE
	}
	n, err := r.buf.Copyin(uio)
	if n > 0 {
		r.notEmpty.Broadcast()
	}
	return n, err
}

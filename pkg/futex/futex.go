// Package futex implements the keyed wait/wake/requeue protocol: a map from
// FutexKey to a queue of parked waiting tasks, indexed by pkg/hashtable's
// bucket-chain table and guarded by a per-bucket mutex.
//
// A blocked task is modeled as a goroutine parked on its own buffered
// resume channel rather than suspended via a register-context switch;
// Wake/Requeue unblock it by sending on that channel.
package futex

import (
	"container/heap"
	"sync"
	"time"

	"oskit/pkg/defs"
	"oskit/pkg/hashtable"
	"oskit/pkg/mem"
)

// Key identifies one futex word: a physical address plus an address-space
// id, 0 meaning "shared" across address spaces.
type Key struct {
	Paddr mem.Pa_t
	ASID  uint64
}

func hashKey(k Key) uint32 {
	h := uint32(k.Paddr) ^ uint32(k.Paddr>>32)
	h = h*31 + uint32(k.ASID) ^ uint32(k.ASID>>32)
	return h
}

// waiter is one parked task's resume channel, sent on to wake it. There is
// no liveness problem to guard against here since a waiter that never gets
// a Wake simply never reads from its channel, so the sender never blocks
// (the channel is buffered).
type waiter struct {
	resume chan struct{}
}

type bucket struct {
	mu    sync.Mutex
	queue []*waiter
}

// Table is the global futex-key-indexed wait-queue registry, keyed by
// (physical address, address-space id).
type Table struct {
	ht *hashtable.Hashtable_t[Key, *bucket]
	mu sync.Mutex // guards ht's insert-if-absent race

	deadlines deadlineHeap
	timerMu   sync.Mutex
}

// NewTable creates an empty futex table with nbuckets hash buckets.
func NewTable(nbuckets int) *Table {
	return &Table{ht: hashtable.MkHash[Key, *bucket](nbuckets, hashKey)}
}

func (t *Table) bucketFor(key Key) *bucket {
	if b, ok := t.ht.Get(key); ok {
		return b
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.ht.Get(key); ok {
		return b
	}
	b := &bucket{}
	t.ht.Set(key, b)
	return b
}

// Wait parks the calling goroutine on key's bucket until a matching Wake,
// Requeue, a timeout (if deadline is non-zero) or cancel() reports the task
// was signaled. Returns EINTR if woken by cancel (a blocked task woken by
// signal reports interrupted), or EAGAIN if the deadline elapses first (as
// if woken spuriously).
//
// The bucket lock is held only long enough to enqueue the waiter, then
// dropped before blocking on the channel. A Wake that comes after the
// enqueue is kept in the buffered channel; Wait checks no futex word, so
// a Wake that comes between the caller's own check and the enqueue finds
// no waiter.
func (t *Table) Wait(key Key, deadline time.Time, cancel <-chan struct{}) defs.Err_t {
	b := t.bucketFor(key)
	w := &waiter{resume: make(chan struct{}, 1)}

	b.mu.Lock()
	b.queue = append(b.queue, w)
	b.mu.Unlock()

	var timer *time.Timer
	var timerC <-chan time.Time
	if !deadline.IsZero() {
		timer = time.NewTimer(time.Until(deadline))
		timerC = timer.C
		defer timer.Stop()
	}

	select {
	case <-w.resume:
		return 0
	case <-timerC:
		b.remove(w)
		return defs.EAGAIN
	case <-cancel:
		b.remove(w)
		return defs.EINTR
	}
}

func (b *bucket) remove(w *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, q := range b.queue {
		if q == w {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			return
		}
	}
}

// Wake wakes up to n waiters parked on key, returning how many were woken.
func (t *Table) Wake(key Key, n int) int {
	b := t.bucketFor(key)
	b.mu.Lock()
	woken := 0
	for woken < n && len(b.queue) > 0 {
		w := b.queue[0]
		b.queue = b.queue[1:]
		w.resume <- struct{}{}
		woken++
	}
	b.mu.Unlock()
	return woken
}

// Requeue wakes up to n1 waiters on old and moves up to n2 of the remaining
// waiters from old to new.
func (t *Table) Requeue(old Key, n1 int, new Key, n2 int) (woken, moved int) {
	ob := t.bucketFor(old)
	nb := t.bucketFor(new)

	ob.mu.Lock()
	for woken < n1 && len(ob.queue) > 0 {
		w := ob.queue[0]
		ob.queue = ob.queue[1:]
		w.resume <- struct{}{}
		woken++
	}
	var toMove []*waiter
	for moved < n2 && len(ob.queue) > 0 {
		toMove = append(toMove, ob.queue[0])
		ob.queue = ob.queue[1:]
		moved++
	}
	ob.mu.Unlock()

	if len(toMove) > 0 {
		nb.mu.Lock()
		nb.queue = append(nb.queue, toMove...)
		nb.mu.Unlock()
	}
	return
}

// deadlineEntry/deadlineHeap back timer-triggered futex-wait expiration.
// In this hosted kernel, with no timer interrupt to drive a single shared
// heap, each Wait call owns its own time.Timer instead, the idiomatic Go
// equivalent of the same binary-heap-keyed-by-deadline design. The heap
// type is kept to document the structure a timer-interrupt-driven
// implementation would service directly.
type deadlineEntry struct {
	deadline time.Time
	key      Key
	w        *waiter
}

type deadlineHeap []*deadlineEntry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(*deadlineEntry)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

var _ heap.Interface = (*deadlineHeap)(nil)

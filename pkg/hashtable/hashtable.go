// Package hashtable implements a fixed-bucket-count hash table with a
// lock-free Get and per-bucket locked Set/Del, generic over any comparable
// key with a caller-supplied hash function. Used as pkg/futex's wait-queue
// index.
package hashtable

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem_t[K comparable, V any] struct {
	key     K
	value   V
	keyHash uint32
	next    *elem_t[K, V]
}

type bucket_t[K comparable, V any] struct {
	sync.RWMutex
	first *elem_t[K, V]
}

func (b *bucket_t[K, V]) len() int {
	b.RLock()
	defer b.RUnlock()
	n := 0
	for e := b.first; e != nil; e = e.next {
		n++
	}
	return n
}

// Pair_t is a key/value tuple returned by Elems.
type Pair_t[K comparable, V any] struct {
	Key   K
	Value V
}

func (b *bucket_t[K, V]) elems() []Pair_t[K, V] {
	b.RLock()
	defer b.RUnlock()
	var p []Pair_t[K, V]
	for e := b.first; e != nil; e = e.next {
		p = append(p, Pair_t[K, V]{Key: e.key, Value: e.value})
	}
	return p
}

// Hashtable_t maps keys of type K to values of type V across a fixed number
// of buckets.
type Hashtable_t[K comparable, V any] struct {
	table    []*bucket_t[K, V]
	hashfn   func(K) uint32
	maxchain int
}

// MkHash allocates a table with size buckets, hashing keys with hashfn.
func MkHash[K comparable, V any](size int, hashfn func(K) uint32) *Hashtable_t[K, V] {
	ht := &Hashtable_t[K, V]{
		table:    make([]*bucket_t[K, V], size),
		hashfn:   hashfn,
		maxchain: 1,
	}
	for i := range ht.table {
		ht.table[i] = &bucket_t[K, V]{}
	}
	return ht
}

func (ht *Hashtable_t[K, V]) Size() int {
	n := 0
	for _, b := range ht.table {
		n += b.len()
	}
	return n
}

func (ht *Hashtable_t[K, V]) Elems() []Pair_t[K, V] {
	var p []Pair_t[K, V]
	for _, b := range ht.table {
		p = append(p, b.elems()...)
	}
	return p
}

func (ht *Hashtable_t[K, V]) khash(key K) uint32 {
	return uint32(2654435761) * ht.hashfn(key)
}

func (ht *Hashtable_t[K, V]) bucketFor(kh uint32) *bucket_t[K, V] {
	return ht.table[kh%uint32(len(ht.table))]
}

// Get performs a lock-free lookup via atomic pointer loads on the bucket
// chain.
func (ht *Hashtable_t[K, V]) Get(key K) (V, bool) {
	kh := ht.khash(key)
	b := ht.bucketFor(kh)
	n := 0
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && e.key == key {
			return e.value, true
		}
		n++
		if n > ht.maxchain {
			ht.maxchain = n
		}
	}
	var zero V
	return zero, false
}

// Set inserts key/value, keeping the bucket chain sorted by key hash. Get
// walks the whole chain and only records the longest walk in maxchain.
// Returns false without modifying the table if the key already exists.
func (ht *Hashtable_t[K, V]) Set(key K, value V) bool {
	kh := ht.khash(key)
	b := ht.bucketFor(kh)
	b.Lock()
	defer b.Unlock()

	add := func(last *elem_t[K, V]) {
		n := &elem_t[K, V]{key: key, value: value, keyHash: kh}
		if last == nil {
			n.next = b.first
			storeptr(&b.first, n)
		} else {
			n.next = last.next
			storeptr(&last.next, n)
		}
	}

	var last *elem_t[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			return false
		}
		if kh < e.keyHash {
			add(last)
			return true
		}
		last = e
	}
	add(last)
	return true
}

// Del removes key from the table. It panics if key is absent — a caller is
// always expected to know whether the key is present.
func (ht *Hashtable_t[K, V]) Del(key K) {
	kh := ht.khash(key)
	b := ht.bucketFor(kh)
	b.Lock()
	defer b.Unlock()

	var last *elem_t[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.key == key {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		last = e
	}
	panic("del of non-existing key")
}

// Iter applies f to every key/value pair, stopping early if f returns true.
func (ht *Hashtable_t[K, V]) Iter(f func(K, V) bool) bool {
	for _, b := range ht.table {
		for e := b.first; e != nil; e = loadptr(&e.next) {
			if f(e.key, e.value) {
				return true
			}
		}
	}
	return false
}

func loadptr[K comparable, V any](e **elem_t[K, V]) *elem_t[K, V] {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	return (*elem_t[K, V])(atomic.LoadPointer(ptr))
}

func storeptr[K comparable, V any](p **elem_t[K, V], n *elem_t[K, V]) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

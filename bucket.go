package cache

import (
	"fmt"
	"sync"

	"github.com/unkn0wn-root/kvshard/internal/mathutil"
)

// bucket is one chain head of the hash index. Readers that only traverse the
// chain take mu shared; any link or entry mutation takes it exclusively.
type bucket struct {
	mu   sync.RWMutex
	head handle

	// flushes counts store write-backs and deletes for keys in this bucket.
	// A miss path that read the store under the shared lock compares it after
	// re-locking to detect that the store changed underneath it.
	flushes uint64
}

// bucketTable is the fixed-size hash index; len(buckets) is a power of two.
type bucketTable struct {
	buckets []bucket
	mask    uint64
	pool    *entryPool
}

func newBucketTable(n int, pool *entryPool) *bucketTable {
	if !mathutil.IsPowerOf2(uint(n)) {
		panic(fmt.Sprintf("cache: bucket count %d is not a power of two", n))
	}
	return &bucketTable{
		buckets: make([]bucket, n),
		mask:    uint64(n - 1),
		pool:    pool,
	}
}

// bucketFor maps hash1 to its bucket (hash1 mod length via mask).
func (t *bucketTable) bucketFor(h1 uint64) *bucket {
	return &t.buckets[h1&t.mask]
}

// find walks b's chain comparing both hashes before the full key. Caller
// holds b.mu in either mode.
func (t *bucketTable) find(b *bucket, h1, h2 uint64, key *Key) handle {
	for h := b.head; h != nilHandle; {
		e := t.pool.at(h)
		if e.matches(h1, h2, key) {
			return h
		}
		h = e.bucketNext
	}
	return nilHandle
}

// insertAtHead pushes h onto b's chain. Caller holds b.mu exclusively.
func (t *bucketTable) insertAtHead(b *bucket, h handle) {
	e := t.pool.at(h)
	e.bucketPrev = nilHandle
	e.bucketNext = b.head
	if b.head != nilHandle {
		t.pool.at(b.head).bucketPrev = h
	}
	b.head = h
}

// remove unlinks h from b's chain. Caller holds b.mu exclusively.
func (t *bucketTable) remove(b *bucket, h handle) {
	e := t.pool.at(h)
	if e.bucketPrev == nilHandle {
		b.head = e.bucketNext
	} else {
		t.pool.at(e.bucketPrev).bucketNext = e.bucketNext
	}
	if e.bucketNext != nilHandle {
		t.pool.at(e.bucketNext).bucketPrev = e.bucketPrev
	}
	e.bucketPrev, e.bucketNext = nilHandle, nilHandle
}

// chainLen counts entries in b's chain. Caller holds b.mu.
func (t *bucketTable) chainLen(b *bucket) int {
	n := 0
	for h := b.head; h != nilHandle; h = t.pool.at(h).bucketNext {
		n++
	}
	return n
}

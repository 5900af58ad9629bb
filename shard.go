package cache

import (
	"sync"
	"sync/atomic"
)

// shard is one LRU partition: a doubly-linked recency list, head = most
// recently used. Only lru links are touched under mu.
type shard struct {
	mu   sync.RWMutex
	head handle
	tail handle
	size int64
}

// addToLRUHead links h as the most recently used entry. Caller holds s.mu.
func (s *shard) addToLRUHead(p *entryPool, h handle) {
	e := p.at(h)
	e.lruPrev = nilHandle
	e.lruNext = s.head
	if s.head != nilHandle {
		p.at(s.head).lruPrev = h
	} else {
		s.tail = h
	}
	s.head = h
	s.size++
}

// removeFromLRU unlinks h. Caller holds s.mu.
func (s *shard) removeFromLRU(p *entryPool, h handle) {
	e := p.at(h)
	if e.lruPrev == nilHandle {
		s.head = e.lruNext
	} else {
		p.at(e.lruPrev).lruNext = e.lruNext
	}
	if e.lruNext == nilHandle {
		s.tail = e.lruPrev
	} else {
		p.at(e.lruNext).lruPrev = e.lruPrev
	}
	e.lruPrev, e.lruNext = nilHandle, nilHandle
	s.size--
}

// moveToLRUHead promotes h; no-op when h is already the head. Caller holds s.mu.
func (s *shard) moveToLRUHead(p *entryPool, h handle) {
	if s.head == h {
		return
	}
	s.removeFromLRU(p, h)
	s.addToLRUHead(p, h)
}

// lruRing is the set of LRU shards plus the two round-robin cursors that
// spread insertions and eviction sampling across them. Recency is exact
// within a shard and only approximate across shards.
type lruRing struct {
	shards       []shard
	insertCursor atomic.Uint64
	evictCursor  atomic.Uint64
	pool         *entryPool
}

func newLRURing(n int, pool *entryPool) *lruRing {
	return &lruRing{shards: make([]shard, n), pool: pool}
}

// nextIndex advances c modulo n with a CAS loop and returns the previous
// value. Concurrent callers may observe the same index; the result is always
// in [0, n).
func nextIndex(c *atomic.Uint64, n uint64) uint64 {
	for {
		cur := c.Load()
		next := cur + 1
		if next >= n {
			next = 0
		}
		if c.CompareAndSwap(cur, next) {
			return cur % n
		}
	}
}

// insertShard picks the shard a new entry joins.
func (r *lruRing) insertShard() uint32 {
	return uint32(nextIndex(&r.insertCursor, uint64(len(r.shards))))
}

// touch moves h to the head of its shard.
func (r *lruRing) touch(e *entry, h handle) {
	s := &r.shards[e.shard]
	s.mu.Lock()
	s.moveToLRUHead(r.pool, h)
	s.mu.Unlock()
}

// link adds h at the head of shard idx.
func (r *lruRing) link(idx uint32, h handle) {
	s := &r.shards[idx]
	s.mu.Lock()
	s.addToLRUHead(r.pool, h)
	s.mu.Unlock()
}

// unlink removes h from its shard.
func (r *lruRing) unlink(e *entry, h handle) {
	s := &r.shards[e.shard]
	s.mu.Lock()
	s.removeFromLRU(r.pool, h)
	s.mu.Unlock()
}

// selectVictim samples shards round-robin, skipping empty ones, and returns a
// stamp of the first non-empty shard's tail. The victim is not unlinked here:
// the caller must take the victim's bucket lock first (bucket before shard)
// and re-validate the stamp. ok is false when a full sweep saw only empty
// shards.
func (r *lruRing) selectVictim() (stamp, bool) {
	n := uint64(len(r.shards))
	for i := uint64(0); i < n; i++ {
		s := &r.shards[nextIndex(&r.evictCursor, n)]
		s.mu.RLock()
		if s.tail == nilHandle {
			s.mu.RUnlock()
			continue
		}
		h := s.tail
		e := r.pool.at(h)
		st := stamp{h: h, gen: e.gen.Load(), hash1: e.hash1}
		s.mu.RUnlock()
		return st, true
	}
	return stamp{}, false
}

// len sums shard sizes.
func (r *lruRing) len() int64 {
	var n int64
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += s.size
		s.mu.RUnlock()
	}
	return n
}

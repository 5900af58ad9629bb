package cache

import "runtime"

// evict reclaims the least recently used entry of one LRU shard, writing it
// back to the backend according to its dirty state, and returns its handle
// still counted as live so the caller can reuse the slot. ok is false when no
// victim could be taken within maxEvictAttempts.
//
// Must be called with no bucket lock held: the victim's bucket is locked
// before its shard.
func (c *Engine) evict() (handle, bool) {
	for attempt := 0; attempt < c.maxEvictAttempts; attempt++ {
		st, ok := c.ring.selectVictim()
		if !ok {
			return nilHandle, false
		}

		b := c.table.bucketFor(st.hash1)
		b.mu.Lock()
		e := c.pool.at(st.h)
		if !e.valid(st) {
			// Reclaimed or recycled between the shard peek and the bucket lock.
			b.mu.Unlock()
			c.stats.revalidations.Add(1)
			continue
		}

		c.ring.unlink(e, st.h)
		c.table.remove(b, st.h)
		prev := DirtyState(e.state.Swap(uint32(NotInCache)))
		// Stamps taken from the old owner must fail once the handle is reused.
		e.gen.Add(1)
		c.writeBack(b, e, prev)
		b.mu.Unlock()

		c.stats.evictions.Add(1)
		return st.h, true
	}
	return nilHandle, false
}

// writeBack reconciles an evicted entry with the backend. Caller holds b
// exclusively so no reader can miss both the cached copy and the write.
// Failures are logged and counted; the cached change is lost.
func (c *Engine) writeBack(b *bucket, e *entry, prev DirtyState) {
	switch prev {
	case Dirty:
		b.flushes++
		c.stats.writeBacks.Add(1)
		if err := c.backend.Write(e.hash1, e.hash2, &e.key, &e.value); err != nil {
			c.stats.storeErrors.Add(1)
			c.log.Error("write-back failed", "key", e.key.String(), "err", err)
			return
		}
		c.stats.storeWrites.Add(1)
	case PendingDelete:
		b.flushes++
		c.stats.writeBacks.Add(1)
		if _, err := c.backend.Delete(e.hash1, e.hash2, &e.key); err != nil {
			c.stats.storeErrors.Add(1)
			c.log.Error("pending delete failed", "key", e.key.String(), "err", err)
			return
		}
		c.stats.storeDeletes.Add(1)
	case Clean:
	}
}

// FlushAll evicts every entry, writing dirty ones and pending deletes to the
// backend, and returns the number of entries evicted. Concurrent operations
// are allowed but may leave entries behind that they insert after the sweep.
func (c *Engine) FlushAll() int {
	n := 0
	for {
		h, ok := c.evict()
		if ok {
			c.unreserve(h)
			n++
			continue
		}
		if c.ring.len() == 0 {
			break
		}
		runtime.Gosched()
	}
	if n > 0 {
		c.log.Debug("flushed cache", "entries", n)
	}
	return n
}

// Package cache is a sharded, LRU-evicting write-back cache in front of the
// on-disk bucket store.
//
// Lock order is always bucket before LRU shard before store file. A shared
// bucket lock is never upgraded in place: paths that need the exclusive lock
// release, re-lock and re-validate the entry they found.
package cache

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/unkn0wn-root/kvshard/internal/mathutil"
)

// Backend is the persistent store the cache reads misses from and evicts into.
type Backend interface {
	Read(hash1, hash2 uint64, key *Key) (Value, bool, error)
	Write(hash1, hash2 uint64, key *Key, value *Value) error
	Delete(hash1, hash2 uint64, key *Key) (bool, error)
}

// Config sizes the engine. Only Capacity is required.
type Config struct {
	Capacity      int64 // max live entries
	ShardCount    int   // LRU shards; 0 => derived from Capacity
	BucketCount   int   // hash index length, rounded up to a power of two; 0 => 16384
	PoolBlockSize int   // entries allocated per pool block; 0 => min(Capacity, 1024)
	Hasher        KeyHasher
	Logger        *slog.Logger
}

func (c Config) withDefaults() (Config, error) {
	if c.Capacity <= 0 {
		return c, fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidConfig, c.Capacity)
	}
	if c.ShardCount < 0 || c.BucketCount < 0 || c.PoolBlockSize < 0 {
		return c, fmt.Errorf("%w: negative shard, bucket or block count", ErrInvalidConfig)
	}
	if c.ShardCount == 0 {
		c.ShardCount = shardCountFor(c.Capacity)
	}
	if c.BucketCount == 0 {
		c.BucketCount = defaultBucketCount
	}
	c.BucketCount = mathutil.NextPowerOf2(c.BucketCount)
	if c.PoolBlockSize == 0 {
		c.PoolBlockSize = defaultPoolBlockSize
		if c.Capacity < int64(c.PoolBlockSize) {
			c.PoolBlockSize = int(c.Capacity)
		}
	}
	if c.Hasher == nil {
		c.Hasher = DualHasher{}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c, nil
}

// Engine serves GET/PUT/DELETE from memory and reconciles with the backend
// through a per-entry dirty state: writes and deletes reach the backend only
// when the entry is evicted or the cache is flushed.
type Engine struct {
	config  Config
	pool    *entryPool
	table   *bucketTable
	ring    *lruRing
	backend Backend
	hasher  KeyHasher
	log     *slog.Logger

	live             atomic.Int64 // linked + reserved entries, <= Capacity
	maxEvictAttempts int

	closed    atomic.Bool
	closeOnce sync.Once

	stats counters
}

// New builds an engine over backend.
func New(config Config, backend Backend) (*Engine, error) {
	if backend == nil {
		return nil, wrapError("new", ErrNoBackend)
	}
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, wrapError("new", err)
	}

	pool := newEntryPool(cfg.PoolBlockSize)
	c := &Engine{
		config:           cfg,
		pool:             pool,
		table:            newBucketTable(cfg.BucketCount, pool),
		ring:             newLRURing(cfg.ShardCount, pool),
		backend:          backend,
		hasher:           cfg.Hasher,
		log:              cfg.Logger.With("component", "cache"),
		maxEvictAttempts: 4*cfg.ShardCount + 16,
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Engine) Config() Config { return c.config }

// Get returns the value for key, loading it from the backend on a miss. A key
// with a pending delete reads as absent.
func (c *Engine) Get(key *Key) (Value, bool) {
	var zero Value
	if c.closed.Load() {
		return zero, false
	}
	h1, h2 := c.hasher.Hash(key)
	b := c.table.bucketFor(h1)

	b.mu.RLock()
	if h := c.table.find(b, h1, h2, key); h != nilHandle {
		e := c.pool.at(h)
		if e.loadState() == PendingDelete {
			b.mu.RUnlock()
			c.stats.misses.Add(1)
			return zero, false
		}
		v := e.value
		c.ring.touch(e, h)
		b.mu.RUnlock()
		c.stats.hits.Add(1)
		return v, true
	}

	// Read the backend while still holding the shared lock: write-backs for
	// this bucket need the exclusive lock, so the value cannot go stale
	// before we note the bucket's flush count.
	v, found := c.readBackend(h1, h2, key)
	flushes := b.flushes
	b.mu.RUnlock()
	if !found {
		c.stats.misses.Add(1)
		return zero, false
	}
	return c.installLoaded(b, h1, h2, key, v, flushes)
}

// installLoaded caches a value just read from the backend. Between the shared
// read and the exclusive re-lock another goroutine may have cached the key or
// flushed the bucket; both are re-checked.
func (c *Engine) installLoaded(b *bucket, h1, h2 uint64, key *Key, v Value, flushes uint64) (Value, bool) {
	var zero Value
	spare := c.reserve()

	b.mu.Lock()
	if h := c.table.find(b, h1, h2, key); h != nilHandle {
		e := c.pool.at(h)
		if e.loadState() == PendingDelete {
			b.mu.Unlock()
			c.unreserve(spare)
			c.stats.misses.Add(1)
			return zero, false
		}
		cur := e.value
		c.ring.touch(e, h)
		b.mu.Unlock()
		c.unreserve(spare)
		c.stats.hits.Add(1)
		return cur, true
	}

	if b.flushes != flushes {
		c.stats.revalidations.Add(1)
		var found bool
		if v, found = c.readBackend(h1, h2, key); !found {
			b.mu.Unlock()
			c.unreserve(spare)
			c.stats.misses.Add(1)
			return zero, false
		}
	}
	c.link(b, spare, h1, h2, key, &v, Clean)
	b.mu.Unlock()

	c.stats.loads.Add(1)
	return v, true
}

// Put stores value for key in the cache; the backend sees it on eviction.
func (c *Engine) Put(key *Key, value *Value) error {
	if c.closed.Load() {
		return wrapError("put", ErrCacheClosed)
	}
	h1, h2 := c.hasher.Hash(key)
	b := c.table.bucketFor(h1)

	b.mu.RLock()
	h := c.table.find(b, h1, h2, key)
	var st stamp
	if h != nilHandle {
		st = stamp{h: h, gen: c.pool.at(h).gen.Load(), hash1: h1}
	}
	b.mu.RUnlock()

	if h != nilHandle {
		b.mu.Lock()
		if e := c.pool.at(h); e.valid(st) {
			c.update(e, h, value)
			b.mu.Unlock()
			return nil
		}
		// Evicted and possibly recycled while unlocked.
		b.mu.Unlock()
		c.stats.revalidations.Add(1)
	}

	spare := c.reserve()
	b.mu.Lock()
	if h := c.table.find(b, h1, h2, key); h != nilHandle {
		c.update(c.pool.at(h), h, value)
		b.mu.Unlock()
		c.unreserve(spare)
		return nil
	}
	c.link(b, spare, h1, h2, key, value, Dirty)
	b.mu.Unlock()
	return nil
}

// update overwrites a live entry's value. Caller holds the bucket exclusively.
func (c *Engine) update(e *entry, h handle, value *Value) {
	switch st := e.loadState(); st {
	case Clean:
		if e.value != *value {
			e.value = *value
			e.storeState(Dirty)
		}
	case Dirty:
		e.value = *value
	case PendingDelete:
		e.value = *value
		e.storeState(Dirty)
	case NotInCache:
		// Callers re-validate under the exclusive lock; reaching here means a
		// reclaimed entry is still chained, which would corrupt the index.
		panic(fmt.Sprintf("cache: update of reclaimed entry %d", h))
	}
	c.ring.touch(e, h)
}

// Delete tombstones key in the cache, or deletes it from the backend directly
// when it is not cached. It reports false when the key was absent or already
// pending deletion.
func (c *Engine) Delete(key *Key) bool {
	if c.closed.Load() {
		return false
	}
	h1, h2 := c.hasher.Hash(key)
	b := c.table.bucketFor(h1)

	b.mu.RLock()
	h := c.table.find(b, h1, h2, key)
	var st stamp
	if h != nilHandle {
		e := c.pool.at(h)
		if e.loadState() == PendingDelete {
			b.mu.RUnlock()
			return false
		}
		st = stamp{h: h, gen: e.gen.Load(), hash1: h1}
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	if h != nilHandle {
		if e := c.pool.at(h); e.valid(st) {
			return c.tombstone(e, h)
		}
		c.stats.revalidations.Add(1)
	}
	if h := c.table.find(b, h1, h2, key); h != nilHandle {
		return c.tombstone(c.pool.at(h), h)
	}

	ok, err := c.backend.Delete(h1, h2, key)
	if err != nil {
		c.stats.storeErrors.Add(1)
		c.log.Error("store delete failed", "key", key.String(), "err", err)
		return false
	}
	c.stats.storeDeletes.Add(1)
	if ok {
		b.flushes++
	}
	return ok
}

// tombstone marks a live entry PendingDelete. Caller holds the bucket exclusively.
func (c *Engine) tombstone(e *entry, h handle) bool {
	switch e.loadState() {
	case PendingDelete, NotInCache:
		return false
	case Clean, Dirty:
		e.storeState(PendingDelete)
		c.ring.touch(e, h)
		return true
	}
	return false
}

// link initializes spare for key and chains it into b and an LRU shard.
// Caller holds b exclusively.
func (c *Engine) link(b *bucket, spare handle, h1, h2 uint64, key *Key, value *Value, state DirtyState) {
	e := c.pool.at(spare)
	e.key = *key
	e.value = *value
	e.hash1, e.hash2 = h1, h2
	e.shard = c.ring.insertShard()
	e.storeState(state)
	c.table.insertAtHead(b, spare)
	c.ring.link(e.shard, spare)
}

// reserve claims capacity for one new entry and returns an unlinked handle.
// Below capacity it takes a fresh handle from the pool; at capacity it
// evicts a victim and reuses its handle, so the live count never exceeds
// Capacity. Must be called with no bucket lock held.
func (c *Engine) reserve() handle {
	for {
		n := c.live.Load()
		if n < c.config.Capacity {
			if c.live.CompareAndSwap(n, n+1) {
				return c.pool.acquire()
			}
			continue
		}
		if h, ok := c.evict(); ok {
			return h
		}
		// Every slot is held by an insert that has not linked yet.
		runtime.Gosched()
	}
}

// unreserve gives back a handle from reserve that was not linked.
func (c *Engine) unreserve(h handle) {
	c.pool.release(h)
	c.live.Add(-1)
}

func (c *Engine) readBackend(h1, h2 uint64, key *Key) (Value, bool) {
	v, ok, err := c.backend.Read(h1, h2, key)
	c.stats.storeReads.Add(1)
	if err != nil {
		c.stats.storeErrors.Add(1)
		c.log.Error("store read failed", "key", key.String(), "err", err)
		return v, false
	}
	return v, ok
}

// Len returns the number of live and reserved entries.
func (c *Engine) Len() int64 { return c.live.Load() }

// Close rejects further operations and flushes every entry to the backend.
// In-flight operations must have finished; the server guarantees this by
// holding every worker's serving lock.
func (c *Engine) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		n := c.FlushAll()
		c.log.Info("cache closed", "flushed", n)
	})
	return nil
}

package cache

import "sync/atomic"

type counters struct {
	hits          atomic.Int64
	misses        atomic.Int64
	loads         atomic.Int64
	storeReads    atomic.Int64
	storeWrites   atomic.Int64
	storeDeletes  atomic.Int64
	storeErrors   atomic.Int64
	evictions     atomic.Int64
	writeBacks    atomic.Int64
	revalidations atomic.Int64
}

// Stats is a point-in-time view of the engine's counters. Counters are read
// independently and may be mutually inconsistent under load.
type Stats struct {
	Hits          int64 // served from memory
	Misses        int64 // absent from memory and backend, or pending delete
	Loads         int64 // misses filled from the backend
	StoreReads    int64
	StoreWrites   int64
	StoreDeletes  int64
	StoreErrors   int64
	Evictions     int64
	WriteBacks    int64 // evictions that issued backend I/O
	Revalidations int64 // handles found stale after a lock gap
	Entries       int64
	Capacity      int64
	Shards        int
	Buckets       int
	HitRatio      float64
}

// Stats aggregates counters and computes the hit ratio over all GETs.
func (c *Engine) Stats() Stats {
	s := Stats{
		Hits:          c.stats.hits.Load(),
		Misses:        c.stats.misses.Load(),
		Loads:         c.stats.loads.Load(),
		StoreReads:    c.stats.storeReads.Load(),
		StoreWrites:   c.stats.storeWrites.Load(),
		StoreDeletes:  c.stats.storeDeletes.Load(),
		StoreErrors:   c.stats.storeErrors.Load(),
		Evictions:     c.stats.evictions.Load(),
		WriteBacks:    c.stats.writeBacks.Load(),
		Revalidations: c.stats.revalidations.Load(),
		Entries:       c.ring.len(),
		Capacity:      c.config.Capacity,
		Shards:        len(c.ring.shards),
		Buckets:       len(c.table.buckets),
	}
	if total := s.Hits + s.Misses + s.Loads; total > 0 {
		s.HitRatio = float64(s.Hits) / float64(total)
	}
	return s
}

package cache

import (
	"sync/atomic"

	"github.com/unkn0wn-root/kvshard/store"
)

const (
	KeySize   = store.KeySize
	ValueSize = store.ValueSize
)

type (
	Key   = store.Key
	Value = store.Value
)

// MakeKey and MakeValue zero-pad s into a fixed-width buffer.
func MakeKey(s string) Key     { return store.MakeKey(s) }
func MakeValue(s string) Value { return store.MakeValue(s) }

// DirtyState is a cache entry's write-back relationship to the store.
type DirtyState uint32

const (
	NotInCache    DirtyState = iota // free or reclaimed; never reachable from a chain
	Clean                           // matches the store; evicted without I/O
	Dirty                           // differs from the store; written back on evict
	PendingDelete                   // logically deleted; removed from the store on evict
)

func (s DirtyState) String() string {
	switch s {
	case NotInCache:
		return "not-in-cache"
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case PendingDelete:
		return "pending-delete"
	default:
		return "unknown"
	}
}

// handle indexes an entry in the pool; nilHandle terminates every list.
type handle uint32

const nilHandle handle = 0

// entry is a pool-managed cache node. It is live when linked into exactly one
// bucket chain and exactly one LRU shard, and free when on the pool's free list.
//
// Locking: key, value, hashes and bucket links are guarded by the owning
// bucket's lock; lru links by the owning shard's lock. state and gen are
// atomic so that a goroutine holding a stale handle can re-validate it.
type entry struct {
	key          Key
	value        Value
	hash1, hash2 uint64

	state atomic.Uint32 // DirtyState
	gen   atomic.Uint64 // bumped on every acquire

	shard uint32 // LRU shard index, fixed while live

	bucketPrev, bucketNext handle
	lruPrev, lruNext       handle
}

func (e *entry) loadState() DirtyState   { return DirtyState(e.state.Load()) }
func (e *entry) storeState(s DirtyState) { e.state.Store(uint32(s)) }

func (e *entry) matches(h1, h2 uint64, key *Key) bool {
	return e.hash1 == h1 && e.hash2 == h2 && e.key == *key
}

// stamp is what a goroutine remembers about an entry across a lock gap.
type stamp struct {
	h     handle
	gen   uint64
	hash1 uint64
}

// valid reports whether e is still the live entry s was taken from. state is
// checked before gen: a re-acquired entry bumps gen before its new owner can
// publish a live state, so a live state with an unchanged gen cannot belong
// to a new owner.
func (e *entry) valid(s stamp) bool {
	if e.loadState() == NotInCache {
		return false
	}
	return e.gen.Load() == s.gen
}

package cache

import (
	"sync"
	"sync/atomic"
)

const defaultPoolBlockSize = 1024

// entryPool hands out entry handles from pre-allocated blocks. Handles are
// stable indices; blocks are never moved or freed, only the block table is
// copied when it grows, so at() is lock-free.
type entryPool struct {
	mu        sync.Mutex
	blockSize uint32
	blocks    atomic.Pointer[[][]entry]
	free      []handle
	allocated atomic.Int64 // total slots across blocks
}

func newEntryPool(blockSize int) *entryPool {
	if blockSize <= 0 {
		blockSize = defaultPoolBlockSize
	}
	p := &entryPool{blockSize: uint32(blockSize)}
	empty := make([][]entry, 0)
	p.blocks.Store(&empty)

	p.mu.Lock()
	p.grow()
	p.mu.Unlock()
	return p
}

// grow appends one block and pushes its handles onto the free list. Caller
// holds p.mu. Handles are pushed in reverse so acquire pops them in order.
func (p *entryPool) grow() {
	old := *p.blocks.Load()
	blk := make([]entry, p.blockSize)
	for i := range blk {
		blk[i].storeState(NotInCache)
	}

	next := make([][]entry, len(old)+1)
	copy(next, old)
	next[len(old)] = blk
	p.blocks.Store(&next)

	base := uint32(len(old)) * p.blockSize
	for i := p.blockSize; i > 0; i-- {
		p.free = append(p.free, handle(base+i))
	}
	p.allocated.Add(int64(p.blockSize))
}

// acquire returns a free entry handle, allocating a new block when the free
// list is empty. The entry's gen is bumped; its other fields hold whatever
// the previous owner left and must be initialized by the caller.
func (p *entryPool) acquire() handle {
	p.mu.Lock()
	if len(p.free) == 0 {
		p.grow()
	}
	h := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.mu.Unlock()

	p.at(h).gen.Add(1)
	return h
}

// release resets e's links and state and returns it to the free list. The
// entry must already be unlinked from its bucket and shard.
func (p *entryPool) release(h handle) {
	e := p.at(h)
	e.storeState(NotInCache)
	e.bucketPrev, e.bucketNext = nilHandle, nilHandle
	e.lruPrev, e.lruNext = nilHandle, nilHandle

	p.mu.Lock()
	p.free = append(p.free, h)
	p.mu.Unlock()
}

// at resolves a handle. h must not be nilHandle.
func (p *entryPool) at(h handle) *entry {
	i := uint32(h) - 1
	blocks := *p.blocks.Load()
	return &blocks[i/p.blockSize][i%p.blockSize]
}

// available returns the number of handles on the free list.
func (p *entryPool) available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

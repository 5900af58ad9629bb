package cache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lruOrder(r *lruRing, idx int) []handle {
	var out []handle
	for h := r.shards[idx].head; h != nilHandle; h = r.pool.at(h).lruNext {
		out = append(out, h)
	}
	return out
}

func newRingFixture(t *testing.T, shards, n int) (*lruRing, []handle) {
	t.Helper()
	p := newEntryPool(16)
	r := newLRURing(shards, p)
	var hs []handle
	for i := 0; i < n; i++ {
		h := p.acquire()
		e := p.at(h)
		e.shard = r.insertShard()
		e.hash1 = uint64(i)
		e.storeState(Clean)
		r.link(e.shard, h)
		hs = append(hs, h)
	}
	return r, hs
}

func TestNextIndexWraps(t *testing.T) {
	var c atomic.Uint64
	var got []uint64
	for i := 0; i < 7; i++ {
		got = append(got, nextIndex(&c, 3))
	}
	assert.Equal(t, []uint64{0, 1, 2, 0, 1, 2, 0}, got)
}

func TestNextIndexConcurrentInRange(t *testing.T) {
	var (
		c  atomic.Uint64
		wg sync.WaitGroup
	)
	counts := make([]atomic.Int64, 5)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				idx := nextIndex(&c, 5)
				if idx >= 5 {
					t.Errorf("index %d out of range", idx)
					return
				}
				counts[idx].Add(1)
			}
		}()
	}
	wg.Wait()
	for i := range counts {
		assert.EqualValues(t, 1600, counts[i].Load(), "shard %d", i)
	}
}

func TestShardRecencyOrder(t *testing.T) {
	r, hs := newRingFixture(t, 1, 3)
	assert.Equal(t, []handle{hs[2], hs[1], hs[0]}, lruOrder(r, 0))

	r.touch(r.pool.at(hs[0]), hs[0])
	assert.Equal(t, []handle{hs[0], hs[2], hs[1]}, lruOrder(r, 0))

	// Touching the head is a no-op.
	r.touch(r.pool.at(hs[0]), hs[0])
	assert.Equal(t, []handle{hs[0], hs[2], hs[1]}, lruOrder(r, 0))
	assert.Equal(t, hs[1], r.shards[0].tail)

	r.unlink(r.pool.at(hs[2]), hs[2])
	assert.Equal(t, []handle{hs[0], hs[1]}, lruOrder(r, 0))
	assert.EqualValues(t, 2, r.len())
}

func TestInsertSpreadsAcrossShards(t *testing.T) {
	r, _ := newRingFixture(t, 4, 8)
	for i := range r.shards {
		assert.EqualValues(t, 2, r.shards[i].size)
	}
}

func TestSelectVictimRoundRobinSkipsEmpty(t *testing.T) {
	r, hs := newRingFixture(t, 4, 2) // shards 0 and 1 hold one entry each

	st, ok := r.selectVictim()
	require.True(t, ok)
	assert.Equal(t, hs[0], st.h)
	assert.Equal(t, r.pool.at(hs[0]).gen.Load(), st.gen)

	st, ok = r.selectVictim()
	require.True(t, ok)
	assert.Equal(t, hs[1], st.h)

	// Cursor is at shard 2; both remaining shards are empty so it wraps to 0.
	st, ok = r.selectVictim()
	require.True(t, ok)
	assert.Equal(t, hs[0], st.h)
	assert.EqualValues(t, 2, r.len(), "selection does not unlink")
}

func TestSelectVictimEmpty(t *testing.T) {
	r, _ := newRingFixture(t, 3, 0)
	_, ok := r.selectVictim()
	assert.False(t, ok)
}

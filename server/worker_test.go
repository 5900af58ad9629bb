package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRoundRobin(t *testing.T) {
	p := newWorkerPool(3, 2, 2)

	var ids []int
	for i := 0; i < 6; i++ {
		w, grew := p.assign()
		require.False(t, grew)
		ids = append(ids, w.id)
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, ids)
	assert.Equal(t, 6, p.connections())
}

func TestWorkerPoolGrowsWhenFull(t *testing.T) {
	p := newWorkerPool(2, 2, 1)
	a, _ := p.assign()
	b, _ := p.assign()
	assert.NotEqual(t, a.id, b.id)

	c, grew := p.assign()
	require.True(t, grew)
	assert.Equal(t, 2, c.id)
	assert.Equal(t, 4, p.size())

	d, grew := p.assign()
	require.False(t, grew)
	assert.Equal(t, 3, d.id)
}

func TestWorkerPoolReleaseFreesSlot(t *testing.T) {
	p := newWorkerPool(1, 1, 1)
	w, _ := p.assign()
	p.release(w)
	assert.Zero(t, p.connections())

	w2, grew := p.assign()
	assert.False(t, grew)
	assert.Same(t, w, w2)

	// Extra releases never underflow.
	p.release(w2)
	p.release(w2)
	assert.Zero(t, p.connections())
}

func TestWorkerPoolSkipsFull(t *testing.T) {
	p := newWorkerPool(3, 1, 1)
	w0, _ := p.assign()
	w1, _ := p.assign()
	_, _ = p.assign()
	p.release(w1)

	// Next in order is w0, which is full; w1 is the first with room.
	w, grew := p.assign()
	require.False(t, grew)
	assert.Same(t, w1, w)
	assert.NotSame(t, w0, w)
}

func TestWorkerPoolLockAll(t *testing.T) {
	p := newWorkerPool(2, 1, 1)
	unlock := p.lockAll()
	for _, w := range p.workers {
		assert.False(t, w.serving.TryLock())
	}
	unlock()
	for _, w := range p.workers {
		require.True(t, w.serving.TryLock())
		w.serving.Unlock()
	}
}

package protocol

import "sync"

type bufPool struct {
	sizes       []int
	pools       []sync.Pool
	indexBySize map[int]int
}

// newBufPool creates fixed-size byte slice pools, one per frame size, so
// every request and response frame is assembled without allocating.
func newBufPool(sizes []int) *bufPool {
	bp := &bufPool{
		sizes:       sizes,
		pools:       make([]sync.Pool, len(sizes)),
		indexBySize: make(map[int]int, len(sizes)),
	}
	for i, sz := range sizes {
		size := sz
		bp.pools[i].New = func() any {
			b := make([]byte, size)
			return &b
		}
		bp.indexBySize[sz] = i
	}
	return bp
}

// class returns the index of the first pool that can hold n bytes.
func (bp *bufPool) class(n int) int {
	for i, sz := range bp.sizes {
		if n <= sz {
			return i
		}
	}
	return -1
}

// get returns a slice of length n, exact-allocated above the largest class.
func (bp *bufPool) get(n int) []byte {
	if i := bp.class(n); i >= 0 {
		b := *bp.pools[i].Get().(*[]byte)
		return b[:n]
	}
	return make([]byte, n)
}

// put returns b to its pool by capacity; foreign sizes are dropped.
func (bp *bufPool) put(b []byte) {
	if i, ok := bp.indexBySize[cap(b)]; ok {
		b = b[:bp.sizes[i]]
		bp.pools[i].Put(&b)
	}
}

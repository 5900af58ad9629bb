package server

import "sync"

// worker is one serving lane. Connections assigned to it run in their own
// goroutines but execute requests one at a time under serving, so a worker
// serves at most one request at any instant.
type worker struct {
	id      int
	serving sync.Mutex
	clients int // guarded by workerPool.mu
}

// workerPool assigns connections to workers round-robin, skipping full
// workers and growing the pool when every worker is at its limit.
type workerPool struct {
	mu      sync.Mutex
	workers []*worker
	limit   int // clients per worker
	growth  int
	last    int // index of the last assignment
}

func newWorkerPool(initial, growth, limit int) *workerPool {
	p := &workerPool{limit: limit, growth: growth, last: -1}
	p.addLocked(initial)
	return p
}

func (p *workerPool) addLocked(n int) {
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, &worker{id: len(p.workers)})
	}
}

// assign picks a worker for a new connection. grew reports whether the pool
// had to be extended.
func (p *workerPool) assign() (w *worker, grew bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.workers)
	start := (p.last + 1) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if cand := p.workers[idx]; cand.clients < p.limit {
			cand.clients++
			p.last = idx
			return cand, false
		}
	}

	p.addLocked(p.growth)
	w = p.workers[n]
	w.clients++
	p.last = n
	return w, true
}

// release frees the slot held by a closed connection.
func (p *workerPool) release(w *worker) {
	p.mu.Lock()
	if w.clients > 0 {
		w.clients--
	}
	p.mu.Unlock()
}

func (p *workerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *workerPool) connections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, w := range p.workers {
		n += w.clients
	}
	return n
}

// lockAll takes every worker's serving lock in index order, waiting for
// in-flight requests to finish. The returned func releases them.
func (p *workerPool) lockAll() (unlock func()) {
	p.mu.Lock()
	ws := append([]*worker(nil), p.workers...)
	p.mu.Unlock()

	for _, w := range ws {
		w.serving.Lock()
	}
	return func() {
		for _, w := range ws {
			w.serving.Unlock()
		}
	}
}

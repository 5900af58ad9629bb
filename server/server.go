// Package server exposes a cache Engine over TCP using the fixed-width
// protocol in internal/protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	cache "github.com/unkn0wn-root/kvshard"
)

const metricsShutdownTimeout = 5 * time.Second

// Server accepts connections and hands them to a growing pool of workers.
type Server struct {
	cfg     Config
	engine  *cache.Engine
	pool    *workerPool
	limiter *rate.Limiter
	metrics *metrics
	log     *slog.Logger

	mu    sync.Mutex
	ln    net.Listener
	mln   net.Listener
	conns map[net.Conn]struct{}

	connWG       sync.WaitGroup
	closing      atomic.Bool
	shutdownOnce sync.Once
	flushed      int
}

// New builds a server around engine. cfg must already be validated.
func New(cfg Config, engine *cache.Engine, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	pool := newWorkerPool(cfg.PoolSizeInitial, cfg.PoolGrowth, cfg.ClientsPerWorker)
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		pool:    pool,
		metrics: newMetrics(engine, pool),
		log:     log.With("component", "server"),
		conns:   make(map[net.Conn]struct{}),
	}
	if cfg.AcceptRate > 0 {
		burst := int(cfg.AcceptRate)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return s
}

// Listen binds the client listener and, when configured, the metrics
// listener. Serve calls it if it has not been called.
func (s *Server) Listen(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address(), err)
	}
	if s.cfg.MetricsAddr != "" {
		mln, err := lc.Listen(ctx, "tcp", s.cfg.MetricsAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen metrics on %s: %w", s.cfg.MetricsAddr, err)
		}
		s.mln = mln
	}
	s.ln = ln

	// net.Listen sizes the accept queue from the kernel's somaxconn.
	s.log.Info("listening",
		"addr", ln.Addr().String(),
		"backlog_hint", s.cfg.ListenLimit,
		"workers", s.pool.size(),
		"clients_per_worker", s.cfg.ClientsPerWorker)
	return nil
}

// Addr returns the client listener address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// MetricsAddr returns the metrics listener address, or nil when disabled.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mln == nil {
		return nil
	}
	return s.mln.Addr()
}

// Serve runs the accept loop and the metrics endpoint until ctx is
// cancelled or Shutdown closes the listener. Open connections keep being
// served after Serve returns; Shutdown drains them.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		s.closeListener()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return s.acceptLoop(ctx)
	})

	if s.mln != nil {
		hs := &http.Server{
			Handler:           s.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			if err := hs.Serve(s.mln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer scancel()
			return hs.Shutdown(sctx)
		})
	}
	return g.Wait()
}

func (s *Server) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closing.Load() || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("failed to accept client", "err", err)
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			return nil
		}

		w, grew := s.pool.assign()
		if grew {
			s.log.Info("worker pool grown", "workers", s.pool.size())
		}
		s.log.Debug("client connected", "remote", conn.RemoteAddr().String(), "worker", w.id)

		go func() {
			defer s.connWG.Done()
			defer s.untrack(conn)
			defer s.pool.release(w)
			s.serveConn(conn, w)
		}()
	}
}

// track registers c unless shutdown has begun.
func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	_ = c.Close()
}

func (s *Server) closeListener() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

// Shutdown stops accepting, waits for in-flight requests by taking every
// worker's serving lock, then flushes the cache to the store and closes all
// connections. It returns the number of entries flushed. Safe to call more
// than once.
func (s *Server) Shutdown() int {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.closing.Store(true)
		s.mu.Unlock()
		s.closeListener()

		unlock := s.pool.lockAll()
		s.flushed = s.engine.FlushAll()
		_ = s.engine.Close()
		s.log.Info("cache flushed", "entries", s.flushed)

		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		unlock()

		s.connWG.Wait()
	})
	return s.flushed
}

package server

import (
	"github.com/prometheus/client_golang/prometheus"

	cache "github.com/unkn0wn-root/kvshard"
)

const namespace = "kvshard"

// engineCollector exports a Stats snapshot on every scrape.
type engineCollector struct {
	engine *cache.Engine

	hits, misses, loads      *prometheus.Desc
	evictions, writeBacks    *prometheus.Desc
	storeErrors, revalidates *prometheus.Desc
	entries, capacity        *prometheus.Desc
}

func newEngineCollector(e *cache.Engine) *engineCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", name), help, nil, nil)
	}
	return &engineCollector{
		engine:      e,
		hits:        desc("hits_total", "GETs served from memory."),
		misses:      desc("misses_total", "GETs that found nothing."),
		loads:       desc("loads_total", "GET misses filled from the store."),
		evictions:   desc("evictions_total", "Entries evicted from the cache."),
		writeBacks:  desc("writebacks_total", "Evictions that wrote or deleted in the store."),
		storeErrors: desc("store_errors_total", "Failed store operations."),
		revalidates: desc("revalidations_total", "Stale handles detected after a lock gap."),
		entries:     desc("entries", "Live cache entries."),
		capacity:    desc("capacity", "Configured cache capacity."),
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.hits, c.misses, c.loads, c.evictions, c.writeBacks,
		c.storeErrors, c.revalidates, c.entries, c.capacity,
	} {
		ch <- d
	}
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.engine.Stats()
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter(c.hits, s.Hits)
	counter(c.misses, s.Misses)
	counter(c.loads, s.Loads)
	counter(c.evictions, s.Evictions)
	counter(c.writeBacks, s.WriteBacks)
	counter(c.storeErrors, s.StoreErrors)
	counter(c.revalidates, s.Revalidations)
	gauge(c.entries, s.Entries)
	gauge(c.capacity, s.Capacity)
}

type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
}

func newMetrics(e *cache.Engine, pool *workerPool) *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "requests_total",
			Help:      "Requests served, by operation and outcome.",
		}, []string{"op", "status"}),
	}
	reg.MustRegister(
		newEngineCollector(e),
		m.requests,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "workers",
			Help:      "Serving workers in the pool.",
		}, func() float64 { return float64(pool.size()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Open client connections.",
		}, func() float64 { return float64(pool.connections()) }),
	)
	return m
}

func (m *metrics) request(op, status string) {
	m.requests.WithLabelValues(op, status).Inc()
}

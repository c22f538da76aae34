package bufpool

import "github.com/prometheus/client_golang/prometheus"

// metricsRegistry is the Prometheus surface described in §6: arena counts
// per kind, per-class allocation/deallocation counters, live thread-cache
// count, and used-byte gauges per kind. It is optional — an Allocator
// constructed with a nil Config.Registerer skips metrics registration
// entirely and every observe* call becomes a no-op guarded at the call
// site by a nil check on a.metrics.
type metricsRegistry struct {
	arenaCount      *prometheus.GaugeVec
	chunkCount      *prometheus.GaugeVec
	allocTotal      *prometheus.CounterVec
	deallocTotal    *prometheus.CounterVec
	bytesAllocated  *prometheus.CounterVec
	threadCacheLive *prometheus.GaugeVec
	usedBytes       *prometheus.GaugeVec
}

func newMetricsRegistry(reg prometheus.Registerer, namespace string) *metricsRegistry {
	if reg == nil {
		return nil
	}
	m := &metricsRegistry{
		arenaCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "arenas", Help: "Number of arenas by kind.",
		}, []string{"kind"}),
		chunkCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "chunks", Help: "Live chunks by arena kind.",
		}, []string{"kind"}),
		allocTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "allocations_total", Help: "Allocations served, by arena kind and size class.",
		}, []string{"kind", "class"}),
		deallocTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "deallocations_total", Help: "Deallocations served, by arena kind and size class.",
		}, []string{"kind", "class"}),
		bytesAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_allocated_total", Help: "Normalized bytes handed out, by arena kind and size class.",
		}, []string{"kind", "class"}),
		threadCacheLive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "thread_caches", Help: "Live ThreadCache instances by arena kind.",
		}, []string{"kind"}),
		usedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "used_bytes", Help: "Bytes currently outstanding, by arena kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(m.arenaCount, m.chunkCount, m.allocTotal, m.deallocTotal, m.bytesAllocated, m.threadCacheLive, m.usedBytes)
	return m
}

func (m *metricsRegistry) observeAlloc(kind ArenaKind, family sizeClassFamily, size int64) {
	if m == nil {
		return
	}
	m.allocTotal.WithLabelValues(kind.String(), family.String()).Inc()
	m.bytesAllocated.WithLabelValues(kind.String(), family.String()).Add(float64(size))
	m.usedBytes.WithLabelValues(kind.String()).Add(float64(size))
}

func (m *metricsRegistry) observeDealloc(kind ArenaKind, family sizeClassFamily, size int64) {
	if m == nil {
		return
	}
	m.deallocTotal.WithLabelValues(kind.String(), family.String()).Inc()
	m.usedBytes.WithLabelValues(kind.String()).Add(-float64(size))
}

func (m *metricsRegistry) observeChunkCreated(kind ArenaKind) {
	if m == nil {
		return
	}
	m.chunkCount.WithLabelValues(kind.String()).Inc()
}

func (m *metricsRegistry) observeChunkDestroyed(kind ArenaKind) {
	if m == nil {
		return
	}
	m.chunkCount.WithLabelValues(kind.String()).Dec()
}

func (m *metricsRegistry) setArenaCount(kind ArenaKind, n int) {
	if m == nil {
		return
	}
	m.arenaCount.WithLabelValues(kind.String()).Set(float64(n))
}

func (m *metricsRegistry) threadCacheOpened(kind ArenaKind) {
	if m == nil {
		return
	}
	m.threadCacheLive.WithLabelValues(kind.String()).Inc()
}

func (m *metricsRegistry) threadCacheClosed(kind ArenaKind) {
	if m == nil {
		return
	}
	m.threadCacheLive.WithLabelValues(kind.String()).Dec()
}

package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Write phases reported on StoreWrites.
const (
	PhaseEvict = "evict"
	PhaseDrain = "drain"
)

// Metrics instruments the import buffer. A nil *Metrics records nothing, so
// callers never need to guard.
type Metrics struct {
	registry prometheus.Registerer

	Inserts          prometheus.Counter
	Hits             prometheus.Counter
	EvictedElements  prometheus.Counter
	EvictedBytes     prometheus.Counter
	EvictionPasses   prometheus.Counter
	EvictionStalls   prometheus.Counter
	StoreWrites      *prometheus.CounterVec
	StoreWriteErrors *prometheus.CounterVec
	MemoryUsage      prometheus.Gauge
	Elements         prometheus.Gauge
}

// NewMetrics registers the buffer metrics with reg. A nil reg gets a fresh
// private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Inserts: f.NewCounter(prometheus.CounterOpts{
			Name: "bulkindex_buffer_inserts_total",
			Help: "Keys offered to the import buffer",
		}),
		Hits: f.NewCounter(prometheus.CounterOpts{
			Name: "bulkindex_buffer_hits_total",
			Help: "Keys merged into an already buffered defined element",
		}),
		EvictedElements: f.NewCounter(prometheus.CounterOpts{
			Name: "bulkindex_buffer_evicted_elements_total",
			Help: "Elements written out and dropped to stay under the memory limit",
		}),
		EvictedBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "bulkindex_buffer_evicted_bytes_total",
			Help: "Accounted bytes reclaimed by eviction",
		}),
		EvictionPasses: f.NewCounter(prometheus.CounterOpts{
			Name: "bulkindex_buffer_eviction_passes_total",
			Help: "Eviction passes triggered by inserts",
		}),
		EvictionStalls: f.NewCounter(prometheus.CounterOpts{
			Name: "bulkindex_buffer_eviction_stalls_total",
			Help: "Eviction passes abandoned because only undefined elements remained",
		}),
		StoreWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkindex_store_writes_total",
			Help: "Index keys written to the backing store",
		}, []string{"phase"}),
		StoreWriteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkindex_store_write_errors_total",
			Help: "Failed backing store writes",
		}, []string{"phase"}),
		MemoryUsage: f.NewGauge(prometheus.GaugeOpts{
			Name: "bulkindex_buffer_memory_bytes",
			Help: "Accounted memory held by the import buffer",
		}),
		Elements: f.NewGauge(prometheus.GaugeOpts{
			Name: "bulkindex_buffer_elements",
			Help: "Elements currently buffered",
		}),
	}
}

func (m *Metrics) RecordInsert(hit bool) {
	if m == nil {
		return
	}
	m.Inserts.Inc()
	if hit {
		m.Hits.Inc()
	}
}

func (m *Metrics) RecordEviction(bytes int64) {
	if m == nil {
		return
	}
	m.EvictedElements.Inc()
	m.EvictedBytes.Add(float64(bytes))
}

func (m *Metrics) RecordEvictionPass(stalled bool) {
	if m == nil {
		return
	}
	m.EvictionPasses.Inc()
	if stalled {
		m.EvictionStalls.Inc()
	}
}

func (m *Metrics) RecordStoreWrite(phase string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.StoreWriteErrors.WithLabelValues(phase).Inc()
		return
	}
	m.StoreWrites.WithLabelValues(phase).Inc()
}

func (m *Metrics) SetUsage(bytes int64, elements int) {
	if m == nil {
		return
	}
	m.MemoryUsage.Set(float64(bytes))
	m.Elements.Set(float64(elements))
}

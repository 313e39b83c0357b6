// Package metrics defines the Prometheus collectors the LSM coordinator
// updates as it flushes, compacts, and serves pages. Metrics are
// observability, not correctness — a nil Registerer at construction
// simply leaves every collector unregistered.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the engine touches on its hot paths.
type Metrics struct {
	FlushTotal        prometheus.Counter
	CompactionTotal   prometheus.Counter
	BufferPoolHits    prometheus.Counter
	BufferPoolMisses  prometheus.Counter
	WALFsyncSeconds   prometheus.Histogram
	FlushSeconds      prometheus.Histogram
	LiveSSTables      prometheus.Gauge
}

// New constructs the collector set and registers it with reg if reg is
// non-nil. A nil reg is valid: the returned Metrics still works, its
// updates simply go nowhere.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FlushTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lsmdb", Name: "flush_total", Help: "Number of memtable flushes completed.",
		}),
		CompactionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lsmdb", Name: "compaction_total", Help: "Number of compaction rounds completed.",
		}),
		BufferPoolHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lsmdb", Name: "buffer_pool_hits_total", Help: "Buffer pool pins served from cache.",
		}),
		BufferPoolMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lsmdb", Name: "buffer_pool_misses_total", Help: "Buffer pool pins that faulted a page in from disk.",
		}),
		WALFsyncSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lsmdb", Name: "wal_fsync_seconds", Help: "Latency of WAL append fsyncs.",
			Buckets: prometheus.DefBuckets,
		}),
		FlushSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lsmdb", Name: "flush_seconds", Help: "Latency of a full memtable flush.",
			Buckets: prometheus.DefBuckets,
		}),
		LiveSSTables: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lsmdb", Name: "live_sstables", Help: "Number of SSTables currently referenced by the manifest.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.FlushTotal, m.CompactionTotal, m.BufferPoolHits, m.BufferPoolMisses,
			m.WALFsyncSeconds, m.FlushSeconds, m.LiveSSTables,
		)
	}
	return m
}

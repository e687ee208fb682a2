// Package metrics exposes block pool telemetry as Prometheus collectors.
//
// Event counters are recorded inline by the pool through the
// blockpool.Metrics interface; gauge state is sampled periodically from pool
// snapshots by a Sampler registered with the profiling scheduler.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flowgrid/blockpool/pkg/blockpool"
)

// PoolMetrics implements blockpool.Metrics on Prometheus collectors.
type PoolMetrics struct {
	ramUsed        prometheus.Gauge
	writingBytes   prometheus.Gauge
	requestedBytes prometheus.Gauge
	blocks         prometheus.Gauge
	swappedBlocks  prometheus.Gauge
	swappedBytes   prometheus.Gauge
	pins           prometheus.Gauge
	pinnedBytes    prometheus.Gauge
	workerPins     *prometheus.GaugeVec

	evictions     prometheus.Counter
	evictedBytes  prometheus.Counter
	swapIns       prometheus.Counter
	swapInBytes   prometheus.Counter
	writeFailures prometheus.Counter
	readFailures  prometheus.Counter
}

// NewPoolMetrics registers the pool collectors with reg.
func NewPoolMetrics(reg prometheus.Registerer) *PoolMetrics {
	return &PoolMetrics{
		ramUsed: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blockpool_ram_used_bytes",
			Help: "Bytes of RAM used by blocks, including in-flight transfers",
		}),
		writingBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blockpool_writing_bytes",
			Help: "Bytes of blocks currently being written to the backing store",
		}),
		requestedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blockpool_requested_bytes",
			Help: "Bytes reserved for pending admissions and in-flight swap-ins",
		}),
		blocks: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blockpool_blocks",
			Help: "Number of live blocks in any state",
		}),
		swappedBlocks: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blockpool_swapped_blocks",
			Help: "Number of blocks resident only on the backing store",
		}),
		swappedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blockpool_swapped_bytes",
			Help: "Bytes of blocks resident only on the backing store",
		}),
		pins: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blockpool_pins",
			Help: "Current number of pins across all workers",
		}),
		pinnedBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "blockpool_pinned_bytes",
			Help: "Bytes currently held in RAM by pins",
		}),
		workerPins: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "blockpool_worker_pins",
			Help: "Current number of pins per local worker",
		}, []string{"worker"}),

		evictions: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blockpool_evictions_total",
			Help: "Total evictions started",
		}),
		evictedBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blockpool_evicted_bytes_total",
			Help: "Total bytes of evictions started",
		}),
		swapIns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blockpool_swapins_total",
			Help: "Total swap-in reads started",
		}),
		swapInBytes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blockpool_swapin_bytes_total",
			Help: "Total bytes of swap-in reads started",
		}),
		writeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blockpool_write_failures_total",
			Help: "Total eviction writes that failed",
		}),
		readFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "blockpool_read_failures_total",
			Help: "Total swap-in reads that failed",
		}),
	}
}

// RecordEviction counts one started eviction of the given size.
func (m *PoolMetrics) RecordEviction(bytes uint64) {
	m.evictions.Inc()
	m.evictedBytes.Add(float64(bytes))
}

// RecordSwapIn counts one started swap-in of the given size.
func (m *PoolMetrics) RecordSwapIn(bytes uint64) {
	m.swapIns.Inc()
	m.swapInBytes.Add(float64(bytes))
}

// RecordWriteFailure counts one failed eviction write.
func (m *PoolMetrics) RecordWriteFailure() { m.writeFailures.Inc() }

// RecordReadFailure counts one failed swap-in read.
func (m *PoolMetrics) RecordReadFailure() { m.readFailures.Inc() }

// observe pushes a pool snapshot into the gauges.
func (m *PoolMetrics) observe(s blockpool.Snapshot) {
	m.ramUsed.Set(float64(s.TotalRAMUse))
	m.writingBytes.Set(float64(s.WritingBytes))
	m.requestedBytes.Set(float64(s.RequestedBytes))
	m.blocks.Set(float64(s.BlockCount))
	m.swappedBlocks.Set(float64(s.NumSwappedBlocks))
	m.swappedBytes.Set(float64(s.SwappedBytes))
	m.pins.Set(float64(s.TotalPins))
	m.pinnedBytes.Set(float64(s.TotalPinnedBytes))
	for w, n := range s.PinsPerWorker {
		m.workerPins.WithLabelValues(strconv.Itoa(w)).Set(float64(n))
	}
}

// Sampler adapts a pool to a schedule.Task, pushing a snapshot into the
// gauges every run. Only the read-only snapshot getter is used.
type Sampler struct {
	pool    *blockpool.BlockPool
	metrics *PoolMetrics
}

// NewSampler creates a Sampler for pool.
func NewSampler(pool *blockpool.BlockPool, m *PoolMetrics) *Sampler {
	return &Sampler{pool: pool, metrics: m}
}

// RunTask samples the pool. Implements schedule.Task.
func (s *Sampler) RunTask(time.Time) {
	s.metrics.observe(s.pool.Stats())
}

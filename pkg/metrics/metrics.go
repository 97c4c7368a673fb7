package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Scheduler metrics
	QueriesReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardquery_queries_ready",
			Help: "Number of queries currently in the READY state",
		},
	)

	QueriesExec = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardquery_queries_exec",
			Help: "Number of queries currently assigned to a worker",
		},
	)

	WorkersConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardquery_workers_connected",
			Help: "Number of workers currently connected to the scheduler",
		},
	)

	DispatchTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardquery_dispatch_total",
			Help: "Total number of queries dispatched to a worker",
		},
	)

	PreemptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardquery_preemptions_total",
			Help: "Total number of preemptions performed by the scheduler",
		},
	)

	AgingAdjustmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardquery_aging_adjustments_total",
			Help: "Total number of priority decrements applied by the aging task",
		},
	)

	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardquery_dispatch_latency_seconds",
			Help:    "Time from query admission to dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Worker / paged memory metrics
	PageFaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardquery_page_faults_total",
			Help: "Total number of page faults serviced by the worker's paged memory",
		},
		[]string{"policy"},
	)

	PageEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardquery_page_evictions_total",
			Help: "Total number of frame evictions performed by the replacement algorithm",
		},
		[]string{"policy"},
	)

	PageWritebacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardquery_page_writebacks_total",
			Help: "Total number of dirty pages flushed to storage before reuse",
		},
		[]string{"policy"},
	)

	// Storage engine metrics
	BlocksAllocated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardquery_blocks_allocated",
			Help: "Number of physical blocks currently allocated",
		},
	)

	BlocksFree = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardquery_blocks_free",
			Help: "Number of physical blocks currently free",
		},
	)

	DedupHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardquery_dedup_hits_total",
			Help: "Total number of physical blocks collapsed at COMMIT via content-hash dedup",
		},
	)

	CowCopiesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardquery_cow_copies_total",
			Help: "Total number of copy-on-write block duplications performed",
		},
	)

	StorageOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardquery_storage_op_duration_seconds",
			Help:    "Storage engine operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(QueriesReady)
	prometheus.MustRegister(QueriesExec)
	prometheus.MustRegister(WorkersConnected)
	prometheus.MustRegister(DispatchTotal)
	prometheus.MustRegister(PreemptionsTotal)
	prometheus.MustRegister(AgingAdjustmentsTotal)
	prometheus.MustRegister(DispatchLatency)

	prometheus.MustRegister(PageFaultsTotal)
	prometheus.MustRegister(PageEvictionsTotal)
	prometheus.MustRegister(PageWritebacksTotal)

	prometheus.MustRegister(BlocksAllocated)
	prometheus.MustRegister(BlocksFree)
	prometheus.MustRegister(DedupHitsTotal)
	prometheus.MustRegister(CowCopiesTotal)
	prometheus.MustRegister(StorageOpDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

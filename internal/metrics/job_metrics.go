package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vgpastor/bulkimport/bus"
)

// JobMetrics holds the counters/gauges/histograms bulkimportd exposes for
// one engine instance, mirroring x/publisher/metrics.go's shape
// (counters for throughput and retries, a gauge for in-flight state, a
// histogram for batch size).
type JobMetrics struct {
	registry *ComponentRegistry

	RecordsProcessedTotal *prometheus.CounterVec
	RecordsFailedTotal    prometheus.Counter
	RecordsRetriedTotal   prometheus.Counter
	BatchesTotal          *prometheus.CounterVec
	BatchSize             prometheus.Histogram
	JobsActive            prometheus.Gauge
	BatchesClaimedTotal   *prometheus.CounterVec
}

// NewJobMetrics creates the scheduler/coordinator metric set under the
// "bulkimport" namespace.
func NewJobMetrics() *JobMetrics {
	reg := NewComponentRegistry("bulkimport", "job")

	return &JobMetrics{
		registry: reg,

		RecordsProcessedTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "records_processed_total",
			Help: "Total number of records that finished processing, by outcome",
		}, []string{"outcome"}),

		RecordsFailedTotal: reg.NewCounter(prometheus.CounterOpts{
			Name: "records_failed_total",
			Help: "Total number of records that failed terminally",
		}),

		RecordsRetriedTotal: reg.NewCounter(prometheus.CounterOpts{
			Name: "records_retried_total",
			Help: "Total number of record processing retries",
		}),

		BatchesTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "batches_total",
			Help: "Total number of batches completed, by status",
		}, []string{"status"}),

		BatchSize: reg.NewHistogram(prometheus.HistogramOpts{
			Name:    "batch_size",
			Help:    "Number of records in a completed batch",
			Buckets: CountBuckets,
		}),

		JobsActive: reg.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_active",
			Help: "Number of jobs currently in PROCESSING status",
		}),

		BatchesClaimedTotal: reg.NewCounterVec(prometheus.CounterOpts{
			Name: "batches_claimed_total",
			Help: "Total number of batches claimed by a distributed worker",
		}, []string{"worker_id"}),
	}
}

// Registry exposes the underlying prometheus.Registry for the HTTP handler.
func (m *JobMetrics) Registry() *prometheus.Registry {
	return m.registry.Registry()
}

// Subscribe wires this metric set to every relevant event kind on b. It
// returns the subscriptions so a caller can Unsubscribe on shutdown.
func (m *JobMetrics) Subscribe(b *bus.Bus) []bus.Subscription {
	return []bus.Subscription{
		b.Subscribe(bus.JobStarted, func(bus.Event) {
			m.JobsActive.Inc()
		}),
		b.Subscribe(bus.JobCompleted, func(bus.Event) {
			m.JobsActive.Dec()
		}),
		b.Subscribe(bus.JobFailed, func(bus.Event) {
			m.JobsActive.Dec()
		}),
		b.Subscribe(bus.JobAborted, func(bus.Event) {
			m.JobsActive.Dec()
		}),
		b.Subscribe(bus.RecordProcessed, func(bus.Event) {
			m.RecordsProcessedTotal.WithLabelValues("processed").Inc()
		}),
		b.Subscribe(bus.RecordFailed, func(bus.Event) {
			m.RecordsProcessedTotal.WithLabelValues("failed").Inc()
			m.RecordsFailedTotal.Inc()
		}),
		b.Subscribe(bus.RecordRetried, func(bus.Event) {
			m.RecordsRetriedTotal.Inc()
		}),
		b.Subscribe(bus.BatchCompleted, func(ev bus.Event) {
			m.BatchesTotal.WithLabelValues("completed").Inc()
			if p, ok := ev.Payload.(bus.BatchPayload); ok {
				m.BatchSize.Observe(float64(p.ProcessedCount + p.FailedCount))
			}
		}),
		b.Subscribe(bus.BatchFailed, func(bus.Event) {
			m.BatchesTotal.WithLabelValues("failed").Inc()
		}),
		b.Subscribe(bus.BatchClaimed, func(ev bus.Event) {
			if p, ok := ev.Payload.(bus.BatchPayload); ok {
				m.BatchesClaimedTotal.WithLabelValues(p.WorkerID).Inc()
			}
		}),
	}
}

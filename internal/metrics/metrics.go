// Package metrics holds the Prometheus collectors of the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "uptime"

// Pipeline is shared by every role of a process. Collectors of roles that do
// not run stay at zero.
type Pipeline struct {
	ProducerScans *prometheus.CounterVec
	JobsEnqueued  prometheus.Counter

	Probes        *prometheus.CounterVec
	ProbeDuration *prometheus.HistogramVec
	MalformedJobs *prometheus.CounterVec
	ResultsSent   prometheus.Counter

	AggregatorBuffer prometheus.Gauge
	ResultsFlushed   prometheus.Counter
	ResultsDeduped   prometheus.Counter
	ResultsRejected  prometheus.Counter
	FlushFailures    prometheus.Counter

	AckFailures *prometheus.CounterVec
}

// NewRegistry returns a registry with the Go runtime and process collectors
// already registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func New(reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{
		ProducerScans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "scans_total",
			Help: "Producer scan cycles by outcome.",
		}, []string{"outcome"}),
		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "producer", Name: "jobs_enqueued_total",
			Help: "Check jobs appended to the job stream.",
		}),
		Probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "probes_total",
			Help: "Probes performed by region and status.",
		}, []string{"region", "status"}),
		ProbeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: "probe_duration_seconds",
			Help:    "Wall-clock duration of probes.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"region"}),
		MalformedJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "malformed_jobs_total",
			Help: "Job entries that failed to parse, by applied policy.",
		}, []string{"policy"}),
		ResultsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "worker", Name: "results_appended_total",
			Help: "Result entries appended to the result stream.",
		}),
		AggregatorBuffer: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "buffer_entries",
			Help: "Result entries buffered and not yet flushed.",
		}),
		ResultsFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "results_inserted_total",
			Help: "Results newly written to the store.",
		}),
		ResultsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "results_duplicate_total",
			Help: "Results skipped by the store as already recorded.",
		}),
		ResultsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "results_rejected_total",
			Help: "Result entries acked without persisting because they were malformed.",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "aggregator", Name: "flush_failures_total",
			Help: "Flushes that failed to persist and were retried.",
		}),
		AckFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ack_failures_total",
			Help: "Bulk acks that failed after retries, by role.",
		}, []string{"role"}),
	}
	reg.MustRegister(
		p.ProducerScans, p.JobsEnqueued,
		p.Probes, p.ProbeDuration, p.MalformedJobs, p.ResultsSent,
		p.AggregatorBuffer, p.ResultsFlushed, p.ResultsDeduped, p.ResultsRejected, p.FlushFailures,
		p.AckFailures,
	)
	return p
}

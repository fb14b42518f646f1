// Package metrics holds the Prometheus metrics of the dispatcher and the job runner.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zzenonn/zref/internal/domain"
)

// Metrics is safe to use as a nil pointer: every recorder is then a no-op.
type Metrics struct {
	// Dispatcher metrics
	DispatchedTotal *prometheus.CounterVec   // zref_requests_dispatched_total{kind}
	ErroredTotal    *prometheus.CounterVec   // zref_requests_errored_total{kind}
	DeferredTotal   *prometheus.CounterVec   // zref_requests_deferred_total{kind}
	PassDuration    *prometheus.HistogramVec // zref_dispatch_duration_seconds{kind}

	// Job metrics
	JobsSubmitted *prometheus.CounterVec   // zref_jobs_submitted_total{kind}
	JobResults    *prometheus.CounterVec   // zref_job_requests_total{kind,outcome}
	JobDuration   *prometheus.HistogramVec // zref_job_duration_seconds{kind}
	BytesStored   prometheus.Counter       // zref_bytes_stored_total
	JobsRunning   prometheus.Gauge         // zref_jobs_running
}

// New registers the metrics with registry, or the default registerer when nil.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)
	return &Metrics{
		DispatchedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zref_requests_dispatched_total",
			Help: "Requests claimed by a job, by ledger",
		}, []string{"kind"}),

		ErroredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zref_requests_errored_total",
			Help: "Requests moved to ERROR at dispatch time, by ledger",
		}, []string{"kind"}),

		DeferredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zref_requests_deferred_total",
			Help: "Requests left for a later pass by admission or copy guards, by ledger",
		}, []string{"kind"}),

		PassDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zref_dispatch_duration_seconds",
			Help:    "Duration of one dispatch pass over a ledger",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),

		JobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zref_jobs_submitted_total",
			Help: "Jobs enqueued, by ledger",
		}, []string{"kind"}),

		JobResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zref_job_requests_total",
			Help: "Requests processed by jobs, by ledger and outcome",
		}, []string{"kind", "outcome"}),

		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zref_job_duration_seconds",
			Help:    "Job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind"}),

		BytesStored: factory.NewCounter(prometheus.CounterOpts{
			Name: "zref_bytes_stored_total",
			Help: "Total bytes written to storage locations",
		}),

		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "zref_jobs_running",
			Help: "Jobs currently executing",
		}),
	}
}

// RecordPass records the outcome of one dispatch pass.
func (m *Metrics) RecordPass(kind domain.RequestKind, dispatched, errored, deferred, jobs int, seconds float64) {
	if m == nil {
		return
	}
	k := string(kind)
	m.DispatchedTotal.WithLabelValues(k).Add(float64(dispatched))
	m.ErroredTotal.WithLabelValues(k).Add(float64(errored))
	m.DeferredTotal.WithLabelValues(k).Add(float64(deferred))
	m.JobsSubmitted.WithLabelValues(k).Add(float64(jobs))
	m.PassDuration.WithLabelValues(k).Observe(seconds)
}

// JobStarted marks a job running and returns the function that ends it.
func (m *Metrics) JobStarted(kind domain.RequestKind) func(seconds float64) {
	if m == nil {
		return func(float64) {}
	}
	m.JobsRunning.Inc()
	return func(seconds float64) {
		m.JobsRunning.Dec()
		m.JobDuration.WithLabelValues(string(kind)).Observe(seconds)
	}
}

// RecordResult counts one request processed by a job.
func (m *Metrics) RecordResult(kind domain.RequestKind, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.JobResults.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) RecordStored(bytes int64) {
	if m == nil {
		return
	}
	m.BytesStored.Add(float64(bytes))
}

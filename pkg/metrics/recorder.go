// Package metrics provides Prometheus-based metrics recording for job
// queue operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records queue and execution metrics.
type Recorder struct {
	jobsSubmitted  *prometheus.CounterVec
	jobsFinished   *prometheus.CounterVec
	jobsRunning    prometheus.Gauge
	jobDuration    *prometheus.HistogramVec
	artifactsTotal prometheus.Counter
	notifyFailures prometheus.Counter
}

// NewRecorder creates a Prometheus-backed recorder using the default
// registerer.
func NewRecorder() *Recorder {
	return &Recorder{
		jobsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_jobs_submitted_total",
				Help: "Total number of jobs submitted, by risk level",
			},
			[]string{"risk"},
		),
		jobsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_jobs_finished_total",
				Help: "Total number of jobs reaching a terminal status",
			},
			[]string{"status"},
		),
		jobsRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "conductor_jobs_running",
				Help: "Number of jobs currently executing",
			},
		),
		jobDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_job_duration_seconds",
				Help:    "Wall-clock duration of job execution in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"status"},
		),
		artifactsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_artifacts_collected_total",
				Help: "Total number of artifacts registered across all jobs",
			},
		),
		notifyFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "conductor_notify_failures_total",
				Help: "Total number of notification deliveries that failed after retries",
			},
		),
	}
}

// ObserveSubmitted records a newly submitted job.
func (r *Recorder) ObserveSubmitted(risk string) {
	r.jobsSubmitted.WithLabelValues(risk).Inc()
}

// ObserveStarted marks a job as running.
func (r *Recorder) ObserveStarted() {
	r.jobsRunning.Inc()
}

// ObserveStopped marks a job as no longer running. Paired with
// ObserveStarted by the worker that executes the job.
func (r *Recorder) ObserveStopped() {
	r.jobsRunning.Dec()
}

// ObserveFinished records a job reaching a terminal status.
func (r *Recorder) ObserveFinished(status string, duration time.Duration) {
	r.jobsFinished.WithLabelValues(status).Inc()
	r.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ObserveTerminal records a terminal transition that happened outside a
// worker, such as a rejection or a pre-start cancel.
func (r *Recorder) ObserveTerminal(status string) {
	r.jobsFinished.WithLabelValues(status).Inc()
}

// ObserveArtifacts adds to the collected-artifact counter.
func (r *Recorder) ObserveArtifacts(count int) {
	r.artifactsTotal.Add(float64(count))
}

// ObserveNotifyFailure counts a notification that could not be delivered.
func (r *Recorder) ObserveNotifyFailure() {
	r.notifyFailures.Inc()
}

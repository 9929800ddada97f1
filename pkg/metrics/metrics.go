package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TrackedPackagesTotal is the number of packages currently tracked,
	// split by whether they are dependency-only.
	TrackedPackagesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aurbuild_tracked_packages_total",
			Help: "Total number of tracked packages by kind",
		},
		[]string{"kind"},
	)

	BuildsScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurbuild_builds_scheduled_total",
			Help: "Total number of BuildPackage messages published",
		},
	)

	BuildsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurbuild_builds_failed_total",
			Help: "Total number of build containers that exited non-zero",
		},
	)

	BuildRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aurbuild_build_retries_total",
			Help: "Total number of failed builds retried by the scheduler",
		},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "aurbuild_scheduling_latency_seconds",
			Help:    "Time taken to complete an update-check pass, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	RepoToolDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aurbuild_repo_tool_duration_seconds",
			Help:    "Time taken by a repo-add or repo-remove invocation, in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	RepoToolInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurbuild_repo_tool_invocations_total",
			Help: "Total number of repo-add/repo-remove invocations by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)

	ActiveContainersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aurbuild_active_containers_total",
			Help: "Total number of build containers currently running",
		},
	)

	IngressRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aurbuild_ingress_requests_total",
			Help: "Total number of HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)

	IngressRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aurbuild_ingress_request_duration_seconds",
			Help:    "HTTP request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(
		TrackedPackagesTotal,
		BuildsScheduledTotal,
		BuildsFailedTotal,
		BuildRetriesTotal,
		SchedulingLatency,
		RepoToolDuration,
		RepoToolInvocationsTotal,
		ActiveContainersTotal,
		IngressRequestsTotal,
		IngressRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

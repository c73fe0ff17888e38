// Package metrics exposes Prometheus instruments for the assignment engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reviewline"

// Assignment paths.
const (
	PathPull  = "pull"
	PathBatch = "batch"
)

type Metrics struct {
	registry *prometheus.Registry

	assignments          *prometheus.CounterVec
	allocationSkips      prometheus.Counter
	reservationConflicts *prometheus.CounterVec
	completions          prometheus.Counter
	notificationFailures prometheus.Counter
	allocationDuration   prometheus.Histogram
}

// New builds a Metrics with its own registry, including Go runtime collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Submissions assigned to a reviewer, by entry point.",
		}, []string{"path"}),
		allocationSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_skipped_total",
			Help:      "Submissions left unassigned by a batch allocation pass.",
		}),
		reservationConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_conflicts_total",
			Help:      "Assignment attempts rejected by a guard, by guard.",
		}, []string{"guard"}),
		completions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Submissions completed with feedback.",
		}),
		notificationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Completion notifications that could not be handed to the channel.",
		}),
		allocationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "allocation_duration_seconds",
			Help:      "Wall time of a batch allocation pass.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.assignments,
		m.allocationSkips,
		m.reservationConflicts,
		m.completions,
		m.notificationFailures,
		m.allocationDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Assigned(path string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(path).Inc()
}

func (m *Metrics) Skipped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.allocationSkips.Add(float64(n))
}

// Conflict records a failed guard: "state", "eligibility" or "capacity".
func (m *Metrics) Conflict(guard string) {
	if m == nil {
		return
	}
	m.reservationConflicts.WithLabelValues(guard).Inc()
}

func (m *Metrics) Completed() {
	if m == nil {
		return
	}
	m.completions.Inc()
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notificationFailures.Inc()
}

func (m *Metrics) ObserveAllocation(d time.Duration) {
	if m == nil {
		return
	}
	m.allocationDuration.Observe(d.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for Ponya.
// Uses a custom registry — no global state.
type Metrics struct {
	Registry *prometheus.Registry

	// Sandbox lifecycle metrics.
	BootsTotal       *prometheus.CounterVec
	InstallsTotal    *prometheus.CounterVec
	InstallDuration  prometheus.Histogram
	OutputLinesTotal prometheus.Counter

	// Self-healing metrics.
	FixAttemptsTotal   *prometheus.CounterVec
	FixRequestDuration prometheus.Histogram

	// Session metrics.
	SessionsTotal prometheus.Counter
	ResetsTotal   prometheus.Counter

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetrics creates a Metrics collector with everything registered on a
// custom prometheus.Registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		BootsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ponya",
			Subsystem: "sandbox",
			Name:      "boots_total",
			Help:      "Total engine boot attempts.",
		}, []string{"status"}),

		InstallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ponya",
			Subsystem: "sandbox",
			Name:      "installs_total",
			Help:      "Total dependency install runs.",
		}, []string{"status"}),

		InstallDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ponya",
			Subsystem: "sandbox",
			Name:      "install_duration_seconds",
			Help:      "Dependency install duration in seconds.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),

		OutputLinesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ponya",
			Subsystem: "sandbox",
			Name:      "output_lines_total",
			Help:      "Total output lines streamed from sandbox processes.",
		}),

		FixAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ponya",
			Subsystem: "healer",
			Name:      "fix_attempts_total",
			Help:      "Total self-healing fix attempts.",
		}, []string{"outcome"}),

		FixRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ponya",
			Subsystem: "healer",
			Name:      "fix_request_duration_seconds",
			Help:      "Fixer service round-trip duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 90},
		}),

		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ponya",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Total sessions created from uploads.",
		}),

		ResetsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ponya",
			Subsystem: "session",
			Name:      "resets_total",
			Help:      "Total session resets.",
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ponya",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ponya",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ponya",
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "In-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.BootsTotal,
		m.InstallsTotal,
		m.InstallDuration,
		m.OutputLinesTotal,
		m.FixAttemptsTotal,
		m.FixRequestDuration,
		m.SessionsTotal,
		m.ResetsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"helmdect/internal/session"
)

// Metrics holds all application metrics
type Metrics struct {
	Submissions    *prometheus.CounterVec   // by modality, outcome
	CameraTicks    prometheus.Counter       // ticks fired
	TickErrors     prometheus.Counter       // ticks that failed
	Results        *prometheus.CounterVec   // by tier
	BackendLatency *prometheus.HistogramVec // by operation, outcome

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
// openSessions is sampled on every scrape.
func New(openSessions func() int) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmdect_submissions_total",
			Help: "Detection submissions by modality and outcome",
		}, []string{"modality", "outcome"}),
		CameraTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helmdect_camera_ticks_total",
			Help: "Camera capture ticks fired",
		}),
		TickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "helmdect_camera_tick_errors_total",
			Help: "Camera ticks that failed to capture, encode or submit",
		}),
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "helmdect_results_total",
			Help: "Applied detection results by compliance tier",
		}, []string{"tier"}),
		BackendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helmdect_backend_request_duration_seconds",
			Help:    "Detection backend round trip latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"operation", "outcome"}),
	}

	m.registry.MustRegister(
		m.Submissions,
		m.CameraTicks,
		m.TickErrors,
		m.Results,
		m.BackendLatency,
		prometheus.NewGoCollector(),
	)

	if openSessions != nil {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "helmdect_open_sessions",
				Help: "Number of open sessions",
			},
			func() float64 { return float64(openSessions()) },
		))
	}

	return m
}

// OnSessionEvent implements session.Handler
func (m *Metrics) OnSessionEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventResult:
		m.Submissions.WithLabelValues(string(ev.Modality), "success").Inc()
		if ev.Report != nil {
			m.Results.WithLabelValues(string(ev.Report.Assessment.Tier)).Inc()
		}
	case session.EventFailure:
		m.Submissions.WithLabelValues(string(ev.Modality), "failure").Inc()
	case session.EventTick:
		m.CameraTicks.Inc()
	case session.EventTickError:
		m.TickErrors.Inc()
	}
}

// ObserveBackend records one backend round trip. It matches the detection
// client's observer signature.
func (m *Metrics) ObserveBackend(op string, took time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.BackendLatency.WithLabelValues(op, outcome).Observe(took.Seconds())
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

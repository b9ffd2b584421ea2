package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics covers traffic, errors and saturation of the execution engine.
// All methods are safe on a nil receiver so tests can pass nil.
type Metrics struct {
	submissionsTotal   *prometheus.CounterVec
	terminalTotal      *prometheus.CounterVec
	workerRetriesTotal *prometheus.CounterVec
	executionsInFlight prometheus.Gauge
	executionDuration  *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		submissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fileworks_submissions_total",
			Help: "Submitted executions by tool.",
		}, []string{"tool"}),
		terminalTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fileworks_executions_terminal_total",
			Help: "Executions reaching a terminal state, by tool and status.",
		}, []string{"tool", "status"}),
		workerRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fileworks_worker_retries_total",
			Help: "Worker invocation retries after ambiguous outcomes, by tool.",
		}, []string{"tool"}),
		executionsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fileworks_executions_in_flight",
			Help: "Executions currently being dispatched.",
		}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fileworks_execution_duration_seconds",
			Help:    "Wall time from submission to terminal state.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"tool"}),
	}
}

// Handler serves the registry in Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSubmission(tool string) {
	if m == nil {
		return
	}
	m.submissionsTotal.WithLabelValues(tool).Inc()
}

func (m *Metrics) ObserveTerminal(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.terminalTotal.WithLabelValues(tool, status).Inc()
	m.executionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func (m *Metrics) ObserveWorkerRetries(tool string, retries int) {
	if m == nil || retries <= 0 {
		return
	}
	m.workerRetriesTotal.WithLabelValues(tool).Add(float64(retries))
}

func (m *Metrics) DispatchStarted() {
	if m == nil {
		return
	}
	m.executionsInFlight.Inc()
}

func (m *Metrics) DispatchFinished() {
	if m == nil {
		return
	}
	m.executionsInFlight.Dec()
}

package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides observability for gatekeeper runs. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Final run decisions by status
	Decisions *prometheus.CounterVec

	// Policy score of every gatekeeper evaluation
	PolicyScore prometheus.Histogram

	// Stage latencies by stage name
	StageDuration *prometheus.HistogramVec

	// Gatekeeper evaluations per run
	LoopIterations prometheus.Histogram
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "product_gate_gatekeeper_decisions_total",
			Help: "Total run outcomes by status",
		}, []string{"status"}), // status: "approved", "rejected", "infected", "failed"

		PolicyScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "product_gate_policy_score",
			Help:    "Policy score of evaluated images",
			Buckets: prometheus.LinearBuckets(0, 5, 11),
		}),

		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "product_gate_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),

		LoopIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "product_gate_loop_iterations",
			Help:    "Gatekeeper evaluations per run",
			Buckets: []float64{1, 2, 3, 4, 5, 10},
		}),
	}
}

// IncrementDecision records a run outcome.
func (m *Metrics) IncrementDecision(status string) {
	if m != nil {
		m.Decisions.WithLabelValues(status).Inc()
	}
}

// ObservePolicyScore records a policy score.
func (m *Metrics) ObservePolicyScore(score int) {
	if m != nil {
		m.PolicyScore.Observe(float64(score))
	}
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m != nil {
		m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// ObserveIterations records the number of evaluations in a run.
func (m *Metrics) ObserveIterations(n int) {
	if m != nil {
		m.LoopIterations.Observe(float64(n))
	}
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry at /metrics.
func (m *Metrics) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return r
}

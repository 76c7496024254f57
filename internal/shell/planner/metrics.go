package planner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result label values.
const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics counts compilations and expansions.
type Metrics struct {
	compiles        *prometheus.CounterVec
	expansions      *prometheus.CounterVec
	compileDuration prometheus.Histogram
}

// NewMetrics creates the planner metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		compiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blueprint_compilations_total",
				Help: "Blueprint compilations by result and error code.",
			},
			[]string{"result", "code"},
		),
		expansions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blueprint_expansions_total",
				Help: "Plan expansions by result.",
			},
			[]string{"result"},
		),
		compileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "blueprint_compile_duration_seconds",
				Help:    "Time spent compiling a blueprint.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	reg.MustRegister(m.compiles, m.expansions, m.compileDuration)
	return m
}

func (m *Metrics) observeCompile(code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := resultSuccess
	if code != "" {
		result = resultFailure
	}
	m.compiles.WithLabelValues(result, code).Inc()
	m.compileDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) observeExpand(err error) {
	if m == nil {
		return
	}
	result := resultSuccess
	if err != nil {
		result = resultFailure
	}
	m.expansions.WithLabelValues(result).Inc()
}

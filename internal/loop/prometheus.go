package loop

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashita-ai/chosei/internal/model"
)

// PrometheusSink exposes record metrics on its own registry, so serving it
// never leaks process-global collectors.
type PrometheusSink struct {
	registry      *prometheus.Registry
	cycles        *prometheus.CounterVec
	ratio         *prometheus.HistogramVec
	executionTime *prometheus.GaugeVec
}

// NewPrometheusSink creates and registers the collectors.
func NewPrometheusSink() *PrometheusSink {
	s := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chosei_cycles_total",
				Help: "Tuning cycles recorded, by target, action kind, success and outcome.",
			},
			[]string{"target", "kind", "success", "outcome"},
		),
		ratio: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chosei_improvement_ratio",
				Help:    "Verified improvement ratio of applied actions.",
				Buckets: []float64{-1, -0.5, -0.25, -0.1, 0, 0.1, 0.25, 0.5, 0.75, 0.9},
			},
			[]string{"target", "index_type"},
		),
		executionTime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "chosei_last_execution_time_ms",
				Help: "Most recent measured probe execution time in milliseconds.",
			},
			[]string{"target"},
		),
	}
	s.registry.MustRegister(s.cycles, s.ratio, s.executionTime)
	return s
}

func (s *PrometheusSink) OnRecord(_ context.Context, t model.Target, rec model.ActionRecord) {
	s.cycles.WithLabelValues(t.ID, string(rec.Action.Kind), strconv.FormatBool(rec.Success), string(rec.Outcome)).Inc()
	if rec.Outcome != "" {
		s.ratio.WithLabelValues(t.ID, string(rec.Action.IndexType)).Observe(rec.ImprovementRatio)
	}
	switch {
	case rec.After != nil:
		s.executionTime.WithLabelValues(t.ID).Set(rec.After.ExecutionTimeMs)
	case rec.Before != nil:
		s.executionTime.WithLabelValues(t.ID).Set(rec.Before.ExecutionTimeMs)
	}
}

// Registry returns the sink's registry.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

// Handler serves the sink's metrics in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

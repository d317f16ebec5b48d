package runtime

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry owns the prometheus registry and the domain metrics every layer
// reports into. Tracing goes through the global otel tracer provider; an
// OTLP exporter can be installed by the host process without this package
// knowing about it.
type Telemetry struct {
	registry *prometheus.Registry

	RunsTotal         *prometheus.CounterVec
	MovesTotal        *prometheus.CounterVec
	ToolRunsTotal     *prometheus.CounterVec
	RetrievalDuration *prometheus.HistogramVec
	RunDuration       prometheus.Histogram
}

// NewTelemetry registers the metric set on a fresh registry.
func NewTelemetry(serviceName string) *Telemetry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	t := &Telemetry{
		registry: reg,
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName, Name: "runs_total",
			Help: "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		MovesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName, Name: "moves_total",
			Help: "Move events by type and status.",
		}, []string{"move_type", "status"}),
		ToolRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName, Name: "tool_runs_total",
			Help: "Instrument invocations by instrument and status.",
		}, []string{"instrument", "status"}),
		RetrievalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName, Name: "retrieval_duration_seconds",
			Help:    "Fused retrieval latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"partial"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: serviceName, Name: "run_duration_seconds",
			Help:    "End-to-end pipeline run latency.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}
	reg.MustRegister(t.RunsTotal, t.MovesTotal, t.ToolRunsTotal, t.RetrievalDuration, t.RunDuration)
	return t
}

// MetricsHandler serves the registry in prometheus exposition format.
func (t *Telemetry) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

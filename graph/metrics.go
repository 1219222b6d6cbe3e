package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects Prometheus metrics for engine execution: step latency,
// node retries, snapshots written and active runs. It has no scheduler
// collectors.
//
// Register once per process:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewMetrics(registry)
//	engine := graph.NewEngine(st, emitter, opts, graph.WithMetrics(metrics))
type Metrics struct {
	stepLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	snapshots   *prometheus.CounterVec
	runsActive  prometheus.Gauge
}

// NewMetrics creates and registers the metric collectors.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "open_agent",
			Name:      "step_latency_ms",
			Help:      "Node execution latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"workflow", "node", "status"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "open_agent",
			Name:      "node_retries_total",
			Help:      "Node retry attempts",
		}, []string{"workflow", "node"}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "open_agent",
			Name:      "snapshots_total",
			Help:      "Snapshots written",
		}, []string{"workflow"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "open_agent",
			Name:      "runs_active",
			Help:      "Workflow runs currently executing",
		}),
	}
	if registry != nil {
		registry.MustRegister(m.stepLatency, m.retries, m.snapshots, m.runsActive)
	}
	return m
}

// ObserveStep records one node execution.
func (m *Metrics) ObserveStep(workflow, node, status string, latency time.Duration) {
	m.stepLatency.WithLabelValues(workflow, node, status).Observe(float64(latency.Milliseconds()))
}

// IncRetries counts one retry attempt.
func (m *Metrics) IncRetries(workflow, node string) {
	m.retries.WithLabelValues(workflow, node).Inc()
}

// IncSnapshots counts one snapshot write.
func (m *Metrics) IncSnapshots(workflow string) {
	m.snapshots.WithLabelValues(workflow).Inc()
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() { m.runsActive.Inc() }

// RunEnded marks a run as finished.
func (m *Metrics) RunEnded() { m.runsActive.Dec() }

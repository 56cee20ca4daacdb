// Package metrics exposes Prometheus instrumentation for workflow runs,
// node execution and cycle iteration behavior.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector registers and updates the engine metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	runDuration   prometheus.Histogram
	activeRuns    prometheus.Gauge
	nodesExecuted *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	cycleOutcomes *prometheus.CounterVec
	cycleIters    prometheus.Histogram
	iterDuration  *prometheus.HistogramVec
}

// NewCollector creates a Collector backed by a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cyclone_runs_started_total",
			Help: "Total number of workflow runs started",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cyclone_runs_finished_total",
			Help: "Total number of workflow runs finished, by terminal status",
		}, []string{"status"}),
		runDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cyclone_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cyclone_active_runs",
			Help: "Number of currently executing runs",
		}),
		nodesExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cyclone_nodes_executed_total",
			Help: "Total number of node invocations, by node type and status",
		}, []string{"node_type", "status"}),
		nodeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cyclone_node_duration_seconds",
			Help:    "Node invocation duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"node_type"}),
		cycleOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cyclone_cycle_outcomes_total",
			Help: "Total number of cycle terminations, by terminal status",
		}, []string{"status"}),
		cycleIters: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cyclone_cycle_iterations",
			Help:    "Iterations executed per cycle before termination",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 500, 1000},
		}),
		iterDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cyclone_iteration_duration_seconds",
			Help:    "Single cycle iteration duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"cycle_id"}),
	}
}

// Registry returns the backing registry for HTTP exposition.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RunStarted records a run start.
func (c *Collector) RunStarted() {
	c.runsStarted.Inc()
	c.activeRuns.Inc()
}

// RunFinished records a run reaching a terminal status.
func (c *Collector) RunFinished(status string, duration time.Duration) {
	c.runsFinished.WithLabelValues(status).Inc()
	c.runDuration.Observe(duration.Seconds())
	c.activeRuns.Dec()
}

// NodeExecuted records one node invocation.
func (c *Collector) NodeExecuted(nodeType, status string, duration time.Duration) {
	c.nodesExecuted.WithLabelValues(nodeType, status).Inc()
	c.nodeDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// CycleFinished records a cycle reaching a terminal status after the given
// number of iterations.
func (c *Collector) CycleFinished(status string, iterations int) {
	c.cycleOutcomes.WithLabelValues(status).Inc()
	c.cycleIters.Observe(float64(iterations))
}

// IterationObserved records the duration of one cycle iteration.
func (c *Collector) IterationObserved(cycleID string, duration time.Duration) {
	c.iterDuration.WithLabelValues(cycleID).Observe(duration.Seconds())
}

// Package metrics defines the Prometheus collectors of a worker.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task states reported by the tasks gauge.
var taskStates = []string{"waiting", "ready", "running"}

// Metrics holds the worker's collectors.
type Metrics struct {
	registry *prometheus.Registry

	tasks                 *prometheus.GaugeVec
	cpusFree              prometheus.Gauge
	objects               prometheus.Gauge
	tasksDispatched       prometheus.Counter
	tasksReady            prometheus.Counter
	tasksFinished         *prometheus.CounterVec
	dependencyResolutions prometheus.Counter
	taskRunSeconds        prometheus.Histogram
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tasknode_tasks",
				Help: "Current number of tasks by lifecycle state",
			},
			[]string{"state"},
		),
		cpusFree: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tasknode_cpus_free",
				Help: "Number of unallocated CPUs",
			},
		),
		objects: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tasknode_objects",
				Help: "Number of data objects tracked by the registry",
			},
		),
		tasksDispatched: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tasknode_tasks_dispatched_total",
				Help: "Total number of tasks accepted from the scheduler",
			},
		),
		tasksReady: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tasknode_tasks_ready_total",
				Help: "Total number of waiting-to-ready transitions",
			},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tasknode_tasks_finished_total",
				Help: "Total number of retired tasks by outcome",
			},
			[]string{"outcome"},
		),
		dependencyResolutions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tasknode_dependency_resolutions_total",
				Help: "Total number of data objects resolved",
			},
		),
		taskRunSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tasknode_task_run_seconds",
				Help:    "Time tasks spent running",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
			},
		),
	}

	m.registry.MustRegister(
		m.tasks,
		m.cpusFree,
		m.objects,
		m.tasksDispatched,
		m.tasksReady,
		m.tasksFinished,
		m.dependencyResolutions,
		m.taskRunSeconds,
	)
	for _, s := range taskStates {
		m.tasks.WithLabelValues(s).Set(0)
	}
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetTaskCounts replaces the per-state task gauge. States missing from
// counts are reported as zero.
func (m *Metrics) SetTaskCounts(counts map[string]int) {
	for _, s := range taskStates {
		m.tasks.WithLabelValues(s).Set(float64(counts[s]))
	}
}

// SetCPUsFree records the number of unallocated CPUs.
func (m *Metrics) SetCPUsFree(n int) { m.cpusFree.Set(float64(n)) }

// SetObjects records the number of tracked data objects.
func (m *Metrics) SetObjects(n int) { m.objects.Set(float64(n)) }

// TaskDispatched counts an accepted task.
func (m *Metrics) TaskDispatched() { m.tasksDispatched.Inc() }

// TaskReady counts a readiness edge.
func (m *Metrics) TaskReady() { m.tasksReady.Inc() }

// ObjectResolved counts a resolved data object.
func (m *Metrics) ObjectResolved() { m.dependencyResolutions.Inc() }

// TaskFinished counts a retired task; ran is zero for tasks that never started.
func (m *Metrics) TaskFinished(outcome string, ran time.Duration) {
	m.tasksFinished.WithLabelValues(outcome).Inc()
	if ran > 0 {
		m.taskRunSeconds.Observe(ran.Seconds())
	}
}

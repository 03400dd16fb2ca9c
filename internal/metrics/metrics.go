// Package metrics registers the Prometheus instrumentation for the forge
// daemon. Metrics are process-global; NewMetrics always returns the same
// registered set.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/forgeworks/forge/pkg/models"
)

// Metrics holds all Prometheus metrics for forge.
type Metrics struct {
	// Agent metrics
	AgentStatus     *prometheus.GaugeVec
	AgentTasksTotal *prometheus.CounterVec

	// Task metrics
	TasksEnqueued    *prometheus.CounterVec
	TaskTransitions  *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
	TaskRetries      prometheus.Counter
	TasksInFlight    prometheus.Gauge
	DispatchPasses   prometheus.Counter
	DispatchDuration prometheus.Histogram

	// Project metrics
	ProjectStatus   *prometheus.GaugeVec
	ProjectsCreated prometheus.Counter

	// System metrics
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	EventsPublished     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			AgentStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "forge_agent_status",
					Help: "Agent status (1 for the current status, 0 otherwise)",
				},
				[]string{"agent_id", "role", "status"},
			),
			AgentTasksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forge_agent_tasks_total",
					Help: "Task attempts per agent by result",
				},
				[]string{"agent_id", "role", "result"},
			),
			TasksEnqueued: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forge_tasks_enqueued_total",
					Help: "Tasks enqueued by role",
				},
				[]string{"role"},
			),
			TaskTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forge_task_transitions_total",
					Help: "Task status transitions",
				},
				[]string{"to"},
			),
			TaskDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "forge_task_duration_seconds",
					Help:    "Duration of task attempts in seconds",
					Buckets: prometheus.ExponentialBuckets(1, 2, 10),
				},
				[]string{"role", "result"},
			),
			TaskRetries: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "forge_task_retries_total",
					Help: "Task attempts requeued for retry",
				},
			),
			TasksInFlight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "forge_tasks_in_flight",
					Help: "Tasks currently assigned or running",
				},
			),
			DispatchPasses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "forge_dispatch_passes_total",
					Help: "Scheduling passes executed",
				},
			),
			DispatchDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "forge_dispatch_pass_duration_seconds",
					Help:    "Duration of scheduling passes in seconds",
					Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
				},
			),
			ProjectStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "forge_project_status",
					Help: "Number of projects by status",
				},
				[]string{"status"},
			),
			ProjectsCreated: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "forge_projects_created_total",
					Help: "Projects created",
				},
			),
			CacheHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "forge_cache_hits_total",
					Help: "Read cache hits",
				},
			),
			CacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "forge_cache_misses_total",
					Help: "Read cache misses",
				},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forge_events_published_total",
					Help: "Events published to the bus",
				},
				[]string{"type"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "forge_http_requests_total",
					Help: "HTTP requests by method, path and status",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "forge_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})
	return sharedMetrics
}

// SetAgentStatus flips the per-agent status gauge: 1 for the current status,
// 0 for the rest of the closed set.
func (m *Metrics) SetAgentStatus(agent *models.Agent) {
	for _, s := range models.AllAgentStatuses() {
		v := 0.0
		if s == agent.Status {
			v = 1
		}
		m.AgentStatus.WithLabelValues(agent.ID, string(agent.Role), string(s)).Set(v)
	}
}

// SetProjectCounts replaces the per-status project gauge from a full count.
// Statuses absent from the map reset to zero.
func (m *Metrics) SetProjectCounts(counts map[models.ProjectStatus]int) {
	for _, s := range models.AllProjectStatuses() {
		m.ProjectStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

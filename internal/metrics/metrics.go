// Package metrics exposes Prometheus collectors for scheduler and transport
// activity.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the server registers.
type Metrics struct {
	taskTransitions  *prometheus.CounterVec
	taskDuration     prometheus.Histogram
	tasksInGraph     prometheus.Gauge
	tasksRunning     prometheus.Gauge
	wsSubscribers    prometheus.Gauge
	webhookDelivered *prometheus.CounterVec
	lockAcquisitions *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

var (
	defaultOnce   sync.Once
	defaultShared *Metrics
)

// Default returns the process-wide metrics instance registered with the
// global registry. Created once so repeated server construction (tests) does
// not panic on duplicate registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultShared = MustNew(prometheus.DefaultRegisterer)
	})
	return defaultShared
}

// MustNew constructs and registers all collectors on reg, panicking on
// registration conflicts. Pass a fresh registry in tests.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		taskTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "maestro",
				Subsystem: "queue",
				Name:      "task_transitions_total",
				Help:      "Task state transitions by resulting status.",
			},
			[]string{"status"},
		),
		taskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "maestro",
				Subsystem: "queue",
				Name:      "task_duration_seconds",
				Help:      "Wall time from task start to terminal state.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
			},
		),
		tasksInGraph: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "maestro",
				Subsystem: "queue",
				Name:      "tasks_in_graph",
				Help:      "Non-terminal tasks currently tracked by the dependency graph.",
			},
		),
		tasksRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "maestro",
				Subsystem: "queue",
				Name:      "tasks_running",
				Help:      "Tasks currently in running state.",
			},
		),
		wsSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "maestro",
				Subsystem: "hub",
				Name:      "ws_subscribers",
				Help:      "Open WebSocket subscriber connections.",
			},
		),
		webhookDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "maestro",
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Webhook delivery outcomes by service and result.",
			},
			[]string{"service", "result"},
		),
		lockAcquisitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "maestro",
				Subsystem: "lock",
				Name:      "acquisitions_total",
				Help:      "Lock acquisition outcomes: granted, contended, or timeout.",
			},
			[]string{"result"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "maestro",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route and status class.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "status"},
		),
	}

	for _, c := range []prometheus.Collector{
		m.taskTransitions, m.taskDuration, m.tasksInGraph, m.tasksRunning,
		m.wsSubscribers, m.webhookDelivered, m.lockAcquisitions, m.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			panic(err)
		}
	}
	return m
}

// TaskTransition counts a task entering status.
func (m *Metrics) TaskTransition(status string) {
	m.taskTransitions.WithLabelValues(status).Inc()
}

// ObserveTaskDuration records start-to-terminal wall time.
func (m *Metrics) ObserveTaskDuration(d time.Duration) {
	m.taskDuration.Observe(d.Seconds())
}

// SetGraphSize updates the in-graph and running gauges.
func (m *Metrics) SetGraphSize(inGraph, running int) {
	m.tasksInGraph.Set(float64(inGraph))
	m.tasksRunning.Set(float64(running))
}

// WSConnected and WSDisconnected track subscriber connections.
func (m *Metrics) WSConnected()    { m.wsSubscribers.Inc() }
func (m *Metrics) WSDisconnected() { m.wsSubscribers.Dec() }

// WebhookDelivery counts one delivery attempt outcome.
func (m *Metrics) WebhookDelivery(service, result string) {
	m.webhookDelivered.WithLabelValues(service, result).Inc()
}

// LockAcquisition counts one acquisition outcome.
func (m *Metrics) LockAcquisition(result string) {
	m.lockAcquisitions.WithLabelValues(result).Inc()
}

// ObserveHTTP records a request latency sample.
func (m *Metrics) ObserveHTTP(route, status string, d time.Duration) {
	m.httpDuration.WithLabelValues(route, status).Observe(d.Seconds())
}

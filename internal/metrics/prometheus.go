package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "propelr"

// PrometheusRecorder exports metric events through a Prometheus registry.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	flows         *prometheus.CounterVec
	executions    *prometheus.CounterVec
	duration      prometheus.Histogram
	coalesced     prometheus.Counter
	notifications *prometheus.CounterVec
}

// NewPrometheus creates a recorder backed by a fresh registry that also
// carries the Go runtime and process collectors.
func NewPrometheus() *PrometheusRecorder {
	m := &PrometheusRecorder{
		registry: prometheus.NewRegistry(),
		flows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "flows",
				Name:      "transitions_total",
				Help:      "Flow lifecycle transitions by operation",
			},
			[]string{"op"},
		),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Query executions by trigger and outcome",
			},
			[]string{"trigger", "status"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Query execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		coalesced: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fires_coalesced_total",
				Help:      "Scheduled fires skipped because a run was in flight",
			},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification dispatches by outcome",
			},
			[]string{"status"},
		),
	}

	m.registry.MustRegister(
		m.flows,
		m.executions,
		m.duration,
		m.coalesced,
		m.notifications,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry to serve from /metrics.
func (m *PrometheusRecorder) Registry() *prometheus.Registry {
	return m.registry
}

// RegisterActiveJobs exports fn as the scheduler's active job gauge.
func (m *PrometheusRecorder) RegisterActiveJobs(fn func() int) error {
	return m.registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "active_jobs",
			Help:      "Flows with an active schedule",
		},
		func() float64 { return float64(fn()) },
	))
}

func (m *PrometheusRecorder) IncFlowCreated() { m.flows.WithLabelValues("create").Inc() }
func (m *PrometheusRecorder) IncFlowStarted() { m.flows.WithLabelValues("start").Inc() }
func (m *PrometheusRecorder) IncFlowStopped() { m.flows.WithLabelValues("stop").Inc() }
func (m *PrometheusRecorder) IncFlowDeleted() { m.flows.WithLabelValues("delete").Inc() }

func (m *PrometheusRecorder) IncExecution(trigger, status string) {
	m.executions.WithLabelValues(trigger, status).Inc()
}

func (m *PrometheusRecorder) ObserveExecutionDuration(d time.Duration) {
	m.duration.Observe(d.Seconds())
}

func (m *PrometheusRecorder) IncFireCoalesced() { m.coalesced.Inc() }

func (m *PrometheusRecorder) IncNotification(status string) {
	m.notifications.WithLabelValues(status).Inc()
}

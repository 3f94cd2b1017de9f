package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all application metrics
type Metrics struct {
	// Outbox writer metrics
	TasksAccepted *prometheus.CounterVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
	NotifyDuration     *prometheus.HistogramVec

	// Reconciliation scan metrics
	ScanTicks   *prometheus.CounterVec
	ScanRecords *prometheus.CounterVec
	GroupCursor *prometheus.GaugeVec

	// Immediate dispatch metrics
	ImmediateQueued  prometheus.Counter
	ImmediateDropped prometheus.Counter

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics against the given registry.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		TasksAccepted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_accepted_total",
				Help:      "Task messages written to the local message table by transport",
			},
			[]string{"transport"},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification attempts by transport and result",
			},
			[]string{"transport", "result"},
		),
		NotifyDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "notify_duration_seconds",
				Help:      "Time spent delivering one notification",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"transport"},
		),
		ScanTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_ticks_total",
				Help:      "Reconciliation scan ticks by group and result",
			},
			[]string{"group", "result"},
		),
		ScanRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_records_total",
				Help:      "Records returned by reconciliation scans",
			},
			[]string{"group"},
		),
		GroupCursor: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "group_cursor",
				Help:      "Last seen record id of each scan group",
			},
			[]string{"group"},
		),
		ImmediateQueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "immediate_queued_total",
				Help:      "Records handed to the immediate dispatch queue",
			},
		),
		ImmediateDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "immediate_dropped_total",
				Help:      "Records not queued for immediate dispatch because the queue was full or stopped",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.TasksAccepted,
		m.NotificationsTotal,
		m.NotifyDuration,
		m.ScanTicks,
		m.ScanRecords,
		m.GroupCursor,
		m.ImmediateQueued,
		m.ImmediateDropped,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CircuitBreakerState,
	)

	return m
}

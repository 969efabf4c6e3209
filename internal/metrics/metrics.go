package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for NotifySafe
type Metrics struct {
	// Delivery counters
	DeliveryAttemptsTotal   *prometheus.CounterVec
	DeliveriesTotal         *prometheus.CounterVec
	InboxSavedTotal         prometheus.Counter
	InboxCleanedTotal       prometheus.Counter
	AuditWriteFailuresTotal prometheus.Counter
	DeliveryDurationSeconds *prometheus.HistogramVec

	// Ingestion and templates
	EventsConsumedTotal *prometheus.CounterVec
	TemplateEditsTotal  *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		DeliveryAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifysafe_delivery_attempts_total",
				Help: "Total number of channel send attempts",
			},
			[]string{"channel", "outcome"},
		),
		DeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifysafe_deliveries_total",
				Help: "Total number of delivery runs by policy and outcome",
			},
			[]string{"policy", "outcome"},
		),
		InboxSavedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "notifysafe_inbox_saved_total",
				Help: "Total number of messages saved to the inbox after all channels failed",
			},
		),
		InboxCleanedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "notifysafe_inbox_cleaned_total",
				Help: "Total number of inbox messages removed by retention",
			},
		),
		AuditWriteFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "notifysafe_audit_write_failures_total",
				Help: "Total number of audit records that could not be written",
			},
		),
		DeliveryDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notifysafe_delivery_duration_seconds",
				Help:    "Duration of a full delivery run in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"policy"},
		),

		EventsConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifysafe_events_consumed_total",
				Help: "Total number of events received from brokers",
			},
			[]string{"source", "outcome"},
		),
		TemplateEditsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifysafe_template_edits_total",
				Help: "Total number of template edit attempts",
			},
			[]string{"result"},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifysafe_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notifysafe_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notifysafe_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "notifysafe_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "notifysafe_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "notifysafe_storage_used_bytes",
				Help: "Database file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.DeliveryAttemptsTotal,
		m.DeliveriesTotal,
		m.InboxSavedTotal,
		m.InboxCleanedTotal,
		m.AuditWriteFailuresTotal,
		m.DeliveryDurationSeconds,
		m.EventsConsumedTotal,
		m.TemplateEditsTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncDeliveryAttempt counts one channel send attempt
func IncDeliveryAttempt(channel string, success bool) {
	m := Global()
	if m != nil {
		m.DeliveryAttemptsTotal.WithLabelValues(channel, outcome(success)).Inc()
	}
}

// ObserveDelivery records the outcome and duration of a delivery run
func ObserveDelivery(policy, result string, seconds float64) {
	m := Global()
	if m != nil {
		m.DeliveriesTotal.WithLabelValues(policy, result).Inc()
		m.DeliveryDurationSeconds.WithLabelValues(policy).Observe(seconds)
	}
}

// IncInboxSaved increments the inbox fallback counter
func IncInboxSaved() {
	m := Global()
	if m != nil {
		m.InboxSavedTotal.Inc()
	}
}

// AddInboxCleaned adds retention deletions
func AddInboxCleaned(n int) {
	m := Global()
	if m != nil && n > 0 {
		m.InboxCleanedTotal.Add(float64(n))
	}
}

// IncAuditWriteFailures increments the audit failure counter
func IncAuditWriteFailures() {
	m := Global()
	if m != nil {
		m.AuditWriteFailuresTotal.Inc()
	}
}

// IncEventsConsumed counts a broker message by source and outcome
func IncEventsConsumed(source, result string) {
	m := Global()
	if m != nil {
		m.EventsConsumedTotal.WithLabelValues(source, result).Inc()
	}
}

// IncTemplateEdits counts a template edit by result
func IncTemplateEdits(result string) {
	m := Global()
	if m != nil {
		m.TemplateEditsTotal.WithLabelValues(result).Inc()
	}
}

// IncAPIErrors increments API error counter
func IncAPIErrors(errorType string) {
	m := Global()
	if m != nil {
		m.APIErrorsTotal.WithLabelValues(errorType).Inc()
	}
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

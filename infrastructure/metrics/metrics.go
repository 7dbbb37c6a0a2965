// Package metrics provides Prometheus metrics collection
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/guardianrail/safety/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Database metrics
	DatabaseQueriesTotal    *prometheus.CounterVec
	DatabaseQueryDuration   *prometheus.HistogramVec
	DatabaseConnectionsOpen prometheus.Gauge

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec

	// Guardian pipeline metrics
	GuardianEvaluationsTotal *prometheus.CounterVec
	GuardianLatency          *prometheus.HistogramVec
	GuardianCacheHitsTotal   *prometheus.CounterVec
	GuardianRegexTimeouts    *prometheus.CounterVec
	RateLimitAdmissionsTotal *prometheus.CounterVec
	RiskScoreViolationsTotal *prometheus.CounterVec
	QueueDepth               *prometheus.GaugeVec
	EscalationsTotal         *prometheus.CounterVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP metrics
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Error metrics
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		// Database metrics
		DatabaseQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "database_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"service", "operation", "status"},
		),
		DatabaseQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "database_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"service", "operation"},
		),
		DatabaseConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "database_connections_open",
				Help: "Current number of open database connections",
			},
		),

		// Service health
		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),

		// Guardian pipeline metrics
		GuardianEvaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_evaluations_total",
				Help: "Total number of Guardian rule evaluations, by terminal action",
			},
			[]string{"service", "action"},
		),
		GuardianLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "guardian_latency_seconds",
				Help:    "Guardian evaluation latency against the 50ms budget",
				Buckets: []float64{.001, .005, .01, .02, .03, .04, .05, .075, .1, .25},
			},
			[]string{"service", "stage"},
		),
		GuardianCacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_cache_hits_total",
				Help: "Guardian evaluation cache lookups, by hit or miss",
			},
			[]string{"service", "result"},
		),
		GuardianRegexTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "guardian_regex_timeouts_total",
				Help: "Regex rule evaluations that exceeded their per-pattern time budget",
			},
			[]string{"service", "rule_id"},
		),
		RateLimitAdmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratelimit_admissions_total",
				Help: "Adaptive rate limiter admission decisions, by tier and outcome",
			},
			[]string{"service", "tier", "outcome"},
		),
		RiskScoreViolationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "risk_score_violations_total",
				Help: "Risk score accrual events, by severity of the triggering match",
			},
			[]string{"service", "severity"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "queue_depth",
				Help: "Current depth of the inference queue stream",
			},
			[]string{"service", "stream"},
		),
		EscalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "escalations_total",
				Help: "Escalations raised for human review, by reason",
			},
			[]string{"service", "reason"},
		),
	}

	// Register all collectors
	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.DatabaseQueriesTotal,
			m.DatabaseQueryDuration,
			m.DatabaseConnectionsOpen,
			m.ServiceUptime,
			m.ServiceInfo,
			m.GuardianEvaluationsTotal,
			m.GuardianLatency,
			m.GuardianCacheHitsTotal,
			m.GuardianRegexTimeouts,
			m.RateLimitAdmissionsTotal,
			m.RiskScoreViolationsTotal,
			m.QueueDepth,
			m.EscalationsTotal,
		)
	}

	// Set service info
	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordGuardianEvaluation records a completed Guardian evaluation and its
// per-stage latency against the 50ms budget.
func (m *Metrics) RecordGuardianEvaluation(service, action, stage string, duration time.Duration) {
	m.GuardianEvaluationsTotal.WithLabelValues(service, action).Inc()
	m.GuardianLatency.WithLabelValues(service, stage).Observe(duration.Seconds())
}

// RecordGuardianCacheResult records an evaluation cache lookup outcome.
func (m *Metrics) RecordGuardianCacheResult(service string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.GuardianCacheHitsTotal.WithLabelValues(service, result).Inc()
}

// RecordGuardianRegexTimeout records a regex rule evaluation that exceeded
// its per-pattern time budget.
func (m *Metrics) RecordGuardianRegexTimeout(service, ruleID string) {
	m.GuardianRegexTimeouts.WithLabelValues(service, ruleID).Inc()
}

// RecordRateLimitAdmission records a rate limiter admission decision.
func (m *Metrics) RecordRateLimitAdmission(service, tier, outcome string) {
	m.RateLimitAdmissionsTotal.WithLabelValues(service, tier, outcome).Inc()
}

// RecordRiskScoreViolation records a risk score accrual event.
func (m *Metrics) RecordRiskScoreViolation(service, severity string) {
	m.RiskScoreViolationsTotal.WithLabelValues(service, severity).Inc()
}

// SetQueueDepth sets the current depth of the named inference queue stream.
func (m *Metrics) SetQueueDepth(service, stream string, depth int) {
	m.QueueDepth.WithLabelValues(service, stream).Set(float64(depth))
}

// RecordEscalation records an escalation raised for human review.
func (m *Metrics) RecordEscalation(service, reason string) {
	m.EscalationsTotal.WithLabelValues(service, reason).Inc()
}

// RecordDatabaseQuery records a database query
func (m *Metrics) RecordDatabaseQuery(service, operation, status string, duration time.Duration) {
	m.DatabaseQueriesTotal.WithLabelValues(service, operation, status).Inc()
	m.DatabaseQueryDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
}

// SetDatabaseConnections sets the number of open database connections
func (m *Metrics) SetDatabaseConnections(count int) {
	m.DatabaseConnectionsOpen.Set(float64(count))
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

// Helper functions

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}

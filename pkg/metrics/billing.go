package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "billing"

// Set bundles the collectors used across the API process.
type Set struct {
	Dispatch  *DispatchMetrics
	Ingestion *IngestionMetrics
	Gateway   *GatewayMetrics
	Outbox    *OutboxMetrics
}

// NewSet registers every billing collector on reg. A nil registerer yields no-op collectors.
func NewSet(reg prometheus.Registerer) *Set {
	return &Set{
		Dispatch:  NewDispatchMetrics(reg),
		Ingestion: NewIngestionMetrics(reg),
		Gateway:   NewGatewayMetrics(reg),
		Outbox:    NewOutboxMetrics(reg),
	}
}

// DispatchMetrics tracks outbound webhook deliveries per endpoint.
type DispatchMetrics struct {
	attempts  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	permanent *prometheus.CounterVec
}

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	if reg == nil {
		return &DispatchMetrics{}
	}
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_attempts_total",
		Help:      "Outbound webhook delivery attempts by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_attempt_duration_seconds",
		Help:      "Latency of a single outbound webhook attempt.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})
	permanent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_permanent_failures_total",
		Help:      "Deliveries abandoned after exhausting retries or a non-retryable response.",
	}, []string{"endpoint", "reason"})
	reg.MustRegister(attempts, latency, permanent)
	return &DispatchMetrics{attempts: attempts, latency: latency, permanent: permanent}
}

// ObserveAttempt records one delivery attempt. outcome is success, retryable or fatal.
func (d *DispatchMetrics) ObserveAttempt(endpoint, outcome string, duration time.Duration) {
	if d == nil || d.attempts == nil {
		return
	}
	d.attempts.WithLabelValues(normalizeLabel(endpoint), normalizeLabel(outcome)).Inc()
	d.latency.WithLabelValues(normalizeLabel(endpoint)).Observe(duration.Seconds())
}

// IncPermanentFailure counts a delivery that will not be retried.
func (d *DispatchMetrics) IncPermanentFailure(endpoint, reason string) {
	if d == nil || d.permanent == nil {
		return
	}
	d.permanent.WithLabelValues(normalizeLabel(endpoint), normalizeLabel(reason)).Inc()
}

// IngestionMetrics tracks inbound gateway callbacks.
type IngestionMetrics struct {
	outcomes   *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

func NewIngestionMetrics(reg prometheus.Registerer) *IngestionMetrics {
	if reg == nil {
		return &IngestionMetrics{}
	}
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_ingestion_total",
		Help:      "Inbound gateway callbacks by processing outcome.",
	}, []string{"outcome"})
	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_gate_rejections_total",
		Help:      "Inbound callbacks rejected by the security gate.",
	}, []string{"reason"})
	reg.MustRegister(outcomes, rejections)
	return &IngestionMetrics{outcomes: outcomes, rejections: rejections}
}

func (i *IngestionMetrics) IncOutcome(outcome string) {
	if i == nil || i.outcomes == nil {
		return
	}
	i.outcomes.WithLabelValues(normalizeLabel(outcome)).Inc()
}

func (i *IngestionMetrics) IncRejection(reason string) {
	if i == nil || i.rejections == nil {
		return
	}
	i.rejections.WithLabelValues(normalizeLabel(reason)).Inc()
}

// GatewayMetrics tracks calls to the payment gateway.
type GatewayMetrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	if reg == nil {
		return &GatewayMetrics{}
	}
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gateway_calls_total",
		Help:      "Payment gateway calls by operation and outcome.",
	}, []string{"operation", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "gateway_call_duration_seconds",
		Help:      "Latency of payment gateway calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})
	reg.MustRegister(calls, duration)
	return &GatewayMetrics{calls: calls, duration: duration}
}

func (g *GatewayMetrics) ObserveCall(operation, outcome string, duration time.Duration) {
	if g == nil || g.calls == nil {
		return
	}
	g.calls.WithLabelValues(normalizeLabel(operation), normalizeLabel(outcome)).Inc()
	g.duration.WithLabelValues(normalizeLabel(operation)).Observe(duration.Seconds())
}

// OutboxMetrics tracks the billing event stream publisher.
type OutboxMetrics struct {
	results *prometheus.CounterVec
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "outbox_publish_total",
		Help:      "Outbox rows by publish result.",
	}, []string{"result"})
	reg.MustRegister(results)
	return &OutboxMetrics{results: results}
}

func (o *OutboxMetrics) IncResult(result string) {
	if o == nil || o.results == nil {
		return
	}
	o.results.WithLabelValues(normalizeLabel(result)).Inc()
}

// MaintenanceMetrics tracks scheduled maintenance jobs.
type MaintenanceMetrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	purged   *prometheus.CounterVec
}

func NewMaintenanceMetrics(reg prometheus.Registerer) *MaintenanceMetrics {
	if reg == nil {
		return &MaintenanceMetrics{}
	}
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "maintenance_job_runs_total",
		Help:      "Maintenance job runs by job and outcome.",
	}, []string{"job", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "maintenance_job_duration_seconds",
		Help:      "Maintenance job duration.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"job"})
	purged := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "maintenance_rows_purged_total",
		Help:      "Rows removed by retention jobs.",
	}, []string{"job"})
	reg.MustRegister(runs, duration, purged)
	return &MaintenanceMetrics{runs: runs, duration: duration, purged: purged}
}

func (m *MaintenanceMetrics) ObserveRun(job, outcome string, duration time.Duration) {
	if m == nil || m.runs == nil {
		return
	}
	m.runs.WithLabelValues(normalizeLabel(job), normalizeLabel(outcome)).Inc()
	m.duration.WithLabelValues(normalizeLabel(job)).Observe(duration.Seconds())
}

func (m *MaintenanceMetrics) AddPurged(job string, rows int64) {
	if m == nil || m.purged == nil || rows <= 0 {
		return
	}
	m.purged.WithLabelValues(normalizeLabel(job)).Add(float64(rows))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

// Package metrics provides standardized Prometheus metrics for the
// load-balancing core.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "avlb"
	subsystem = "balancer"
)

// BalancerMetrics holds all balancer-level Prometheus metrics.
type BalancerMetrics struct {
	ActiveConnections          *prometheus.GaugeVec
	RequestsTotal              *prometheus.CounterVec
	FailedRequestsTotal        *prometheus.CounterVec
	ResponseDurationSeconds    *prometheus.HistogramVec
	InstanceHealthStatus       *prometheus.GaugeVec
	ConsecutiveFailures        *prometheus.GaugeVec
	HealthChecksTotal          *prometheus.CounterVec
	HealthCheckDurationSeconds *prometheus.HistogramVec
	SelectionsTotal            *prometheus.CounterVec
	NoInstanceAvailableTotal   *prometheus.CounterVec
	StickySessionHitsTotal     *prometheus.CounterVec
	ServiceInstances           *prometheus.GaugeVec
	BreakerEjectionsTotal      *prometheus.CounterVec
}

var (
	balancerMetricsInstance *BalancerMetrics
	balancerMetricsOnce     sync.Once
)

// NewBalancerMetrics creates a new BalancerMetrics instance with all
// metrics registered via promauto (default global registry).
func NewBalancerMetrics() *BalancerMetrics {
	return &BalancerMetrics{
		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "active_connections",
				Help:      "Current number of in-flight requests per instance",
			},
			[]string{"service", "instance"},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "requests_total",
				Help:      "Total number of requests started per instance",
			},
			[]string{"service", "instance"},
		),
		FailedRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "failed_requests_total",
				Help:      "Total number of failed requests per instance",
			},
			[]string{"service", "instance"},
		),
		ResponseDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "response_duration_seconds",
				Help:      "Duration of completed requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "instance"},
		),
		InstanceHealthStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "instance_health_status",
				Help:      "Instance health (1=healthy, 0=unhealthy, -1=unknown)",
			},
			[]string{"service", "instance"},
		),
		ConsecutiveFailures: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "consecutive_failures",
				Help:      "Number of back-to-back failed requests per instance",
			},
			[]string{"service", "instance"},
		),
		HealthChecksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "health_checks_total",
				Help:      "Total number of health probes by result",
			},
			[]string{"service", "result"},
		),
		HealthCheckDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "health_check_duration_seconds",
				Help:      "Duration of health probe execution",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		SelectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "selections_total",
				Help:      "Total number of instance selections by algorithm",
			},
			[]string{"service", "algorithm"},
		),
		NoInstanceAvailableTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "no_instance_available_total",
				Help:      "Selections that found no eligible instance",
			},
			[]string{"service"},
		),
		StickySessionHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sticky_session_hits_total",
				Help:      "Selections served from a sticky session entry",
			},
			[]string{"service"},
		),
		ServiceInstances: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "service_instances",
				Help:      "Number of instances per service by state",
			},
			[]string{"service", "state"},
		),
		BreakerEjectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "breaker_ejections_total",
				Help:      "Selections that skipped an instance with an open breaker",
			},
			[]string{"service", "instance"},
		),
	}
}

// GetBalancerMetrics returns the singleton balancer metrics instance.
func GetBalancerMetrics() *BalancerMetrics {
	balancerMetricsOnce.Do(func() {
		balancerMetricsInstance = NewBalancerMetrics()
	})
	return balancerMetricsInstance
}

// MustRegister registers all balancer metric collectors with the given
// Prometheus registry. AlreadyRegisteredError is silently ignored so that
// re-registration on config reload is safe.
func (m *BalancerMetrics) MustRegister(registry *prometheus.Registry) {
	for _, c := range m.collectors() {
		if err := registry.Register(c); err != nil {
			if !isAlreadyRegistered(err) {
				panic(err)
			}
		}
	}
}

// RecordRequestStart records the start of a request against an instance.
func (m *BalancerMetrics) RecordRequestStart(service, instance string) {
	m.ActiveConnections.WithLabelValues(service, instance).Inc()
	m.RequestsTotal.WithLabelValues(service, instance).Inc()
}

// RecordRequestEnd records the completion of a request.
func (m *BalancerMetrics) RecordRequestEnd(
	service, instance string,
	success bool,
	duration time.Duration,
) {
	m.ActiveConnections.WithLabelValues(service, instance).Dec()
	m.ResponseDurationSeconds.WithLabelValues(service, instance).Observe(
		duration.Seconds(),
	)
	if !success {
		m.FailedRequestsTotal.WithLabelValues(service, instance).Inc()
	}
}

// RecordHealthStatus records the current health of an instance.
func (m *BalancerMetrics) RecordHealthStatus(service, instance string, value float64) {
	m.InstanceHealthStatus.WithLabelValues(service, instance).Set(value)
}

// RecordConsecutiveFailures records the consecutive failure count for an
// instance.
func (m *BalancerMetrics) RecordConsecutiveFailures(service, instance string, n float64) {
	m.ConsecutiveFailures.WithLabelValues(service, instance).Set(n)
}

// RecordHealthCheck records a health probe result and duration.
func (m *BalancerMetrics) RecordHealthCheck(
	service, result string, duration time.Duration,
) {
	m.HealthChecksTotal.WithLabelValues(service, result).Inc()
	m.HealthCheckDurationSeconds.WithLabelValues(service).Observe(
		duration.Seconds(),
	)
}

// RecordSelection records a load balancer selection.
func (m *BalancerMetrics) RecordSelection(service, algorithm string) {
	m.SelectionsTotal.WithLabelValues(service, algorithm).Inc()
}

// RecordNoInstanceAvailable records a selection that returned nothing.
func (m *BalancerMetrics) RecordNoInstanceAvailable(service string) {
	m.NoInstanceAvailableTotal.WithLabelValues(service).Inc()
}

// RecordStickySessionHit records a selection served by session affinity.
func (m *BalancerMetrics) RecordStickySessionHit(service string) {
	m.StickySessionHitsTotal.WithLabelValues(service).Inc()
}

// RecordServiceInstances records instance counts for a service.
func (m *BalancerMetrics) RecordServiceInstances(service string, total, healthy int) {
	m.ServiceInstances.WithLabelValues(service, "total").Set(float64(total))
	m.ServiceInstances.WithLabelValues(service, "healthy").Set(float64(healthy))
}

// RecordBreakerEjection records an instance skipped due to an open breaker.
func (m *BalancerMetrics) RecordBreakerEjection(service, instance string) {
	m.BreakerEjectionsTotal.WithLabelValues(service, instance).Inc()
}

// DeleteInstance removes all per-instance series for a removed instance.
func (m *BalancerMetrics) DeleteInstance(service, instance string) {
	labels := prometheus.Labels{"service": service, "instance": instance}
	m.ActiveConnections.Delete(labels)
	m.RequestsTotal.Delete(labels)
	m.FailedRequestsTotal.Delete(labels)
	m.ResponseDurationSeconds.Delete(labels)
	m.InstanceHealthStatus.Delete(labels)
	m.ConsecutiveFailures.Delete(labels)
	m.BreakerEjectionsTotal.Delete(labels)
}

// collectors returns all metric collectors for registration.
func (m *BalancerMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ActiveConnections,
		m.RequestsTotal,
		m.FailedRequestsTotal,
		m.ResponseDurationSeconds,
		m.InstanceHealthStatus,
		m.ConsecutiveFailures,
		m.HealthChecksTotal,
		m.HealthCheckDurationSeconds,
		m.SelectionsTotal,
		m.NoInstanceAvailableTotal,
		m.StickySessionHitsTotal,
		m.ServiceInstances,
		m.BreakerEjectionsTotal,
	}
}

// isAlreadyRegistered returns true if the error indicates the collector
// was already registered with the registry.
func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}

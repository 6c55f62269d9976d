package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for lifeguard.
type Metrics struct {
	registry             *prometheus.Registry
	resourcesTotal       *prometheus.GaugeVec
	healthChecksTotal    *prometheus.CounterVec
	reconnectsTotal      *prometheus.CounterVec
	poolIdleGauge        *prometheus.GaugeVec
	poolInUseGauge       *prometheus.GaugeVec
	startDurationSeconds prometheus.Histogram
	stopDurationSeconds  prometheus.Histogram
	forcedStopsTotal     prometheus.Counter
	eventsPublishedTotal *prometheus.CounterVec
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		resourcesTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lifeguard_resources_total",
			Help: "Registered resources by kind and lifecycle state.",
		}, []string{"kind", "state"}),
		healthChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeguard_health_checks_total",
			Help: "Health probes by resource and result.",
		}, []string{"resource", "result"}),
		reconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeguard_reconnects_total",
			Help: "Automatic reconnect attempts by resource and result.",
		}, []string{"resource", "result"}),
		poolIdleGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lifeguard_pool_idle_connections",
			Help: "Idle pooled connections by resource.",
		}, []string{"resource"}),
		poolInUseGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lifeguard_pool_in_use_connections",
			Help: "Checked-out pooled connections by resource.",
		}, []string{"resource"}),
		startDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifeguard_start_all_duration_seconds",
			Help:    "Duration of bulk resource startup in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		stopDurationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lifeguard_stop_all_duration_seconds",
			Help:    "Duration of bulk resource shutdown in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		forcedStopsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lifeguard_forced_stops_total",
			Help: "Resources abandoned at the shutdown deadline.",
		}),
		eventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeguard_events_published_total",
			Help: "Lifecycle events published by type.",
		}, []string{"type"}),
	}

	registry.MustRegister(
		m.resourcesTotal,
		m.healthChecksTotal,
		m.reconnectsTotal,
		m.poolIdleGauge,
		m.poolInUseGauge,
		m.startDurationSeconds,
		m.stopDurationSeconds,
		m.forcedStopsTotal,
		m.eventsPublishedTotal,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetResourcesTotal sets the resource gauge for the given kind/state.
func (m *Metrics) SetResourcesTotal(kind, state string, value int) {
	if m == nil {
		return
	}
	m.resourcesTotal.WithLabelValues(kind, state).Set(float64(value))
}

// ResetResources clears the resource gauge so label combinations that
// dropped to zero do not linger across repopulations.
func (m *Metrics) ResetResources() {
	if m == nil {
		return
	}
	m.resourcesTotal.Reset()
}

// IncHealthCheck counts one health probe.
func (m *Metrics) IncHealthCheck(resource, result string) {
	if m == nil {
		return
	}
	m.healthChecksTotal.WithLabelValues(resource, result).Inc()
}

// IncReconnect counts one automatic reconnect attempt.
func (m *Metrics) IncReconnect(resource, result string) {
	if m == nil {
		return
	}
	m.reconnectsTotal.WithLabelValues(resource, result).Inc()
}

// SetPoolGauges records current pool occupancy for a resource.
func (m *Metrics) SetPoolGauges(resource string, idle, inUse int) {
	if m == nil {
		return
	}
	m.poolIdleGauge.WithLabelValues(resource).Set(float64(idle))
	m.poolInUseGauge.WithLabelValues(resource).Set(float64(inUse))
}

// ObserveStartDuration records the duration of a StartAll batch.
func (m *Metrics) ObserveStartDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.startDurationSeconds.Observe(duration.Seconds())
}

// ObserveStopDuration records the duration of a StopAll batch.
func (m *Metrics) ObserveStopDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.stopDurationSeconds.Observe(duration.Seconds())
}

// IncForcedStops counts one resource abandoned at the shutdown deadline.
func (m *Metrics) IncForcedStops() {
	if m == nil {
		return
	}
	m.forcedStopsTotal.Inc()
}

// IncEventPublished counts one published lifecycle event.
func (m *Metrics) IncEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

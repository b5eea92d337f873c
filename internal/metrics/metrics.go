// Package metrics holds the Prometheus collectors exported by shardnet.
//
// Every method is safe to call on a nil *Metrics, so components can be built
// without metrics in tests and libraries.
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "shardnet"

// Metrics contains the REST and gateway collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	rateLimitWaits      *prometheus.CounterVec
	rateLimitCooldowns  prometheus.Counter
	queuedRequests      *prometheus.GaugeVec

	reconnects *prometheus.CounterVec
	heartbeats *prometheus.CounterVec
	events     *prometheus.CounterVec
	shardState *prometheus.GaugeVec
}

// New creates the collectors and registers them on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total REST requests by method and status code",
		}, []string{"method", "status"}),

		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "REST round-trip duration, excluding rate limit waits",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0},
		}, []string{"method"}),

		rateLimitWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "waits_total",
			Help:      "Requests that waited on a rate limit, by scope (bucket or global)",
		}, []string{"scope"}),

		rateLimitCooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "cooldowns_total",
			Help:      "Bucket cooldowns started after a bucket was exhausted",
		}),

		queuedRequests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "queued_requests",
			Help:      "Requests waiting in endpoint queues, by route",
		}, []string{"route"}),

		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "reconnects_total",
			Help:      "Gateway reconnect attempts by shard",
		}, []string{"shard"}),

		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "heartbeats_total",
			Help:      "Heartbeats sent by shard",
		}, []string{"shard"}),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "events_total",
			Help:      "Dispatch events received by shard and name",
		}, []string{"shard", "event"}),

		shardState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "shard_state",
			Help:      "Shard state (0=idle, 1=connecting, 2=awaiting_hello, 3=authenticating, 4=listening, 5=closing, 6=waiting, 7=stopped)",
		}, []string{"shard"}),
	}

	m.registry.MustRegister(
		m.httpRequests,
		m.httpRequestDuration,
		m.rateLimitWaits,
		m.rateLimitCooldowns,
		m.queuedRequests,
		m.reconnects,
		m.heartbeats,
		m.events,
		m.shardState,
	)

	return m
}

// Registry returns the registry holding the collectors, for promhttp.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRequest records one completed transport call.
func (m *Metrics) ObserveRequest(method string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method).Observe(took.Seconds())
}

// RateLimitWait records a request that had to wait. Scope is "bucket" or "global".
func (m *Metrics) RateLimitWait(scope string) {
	if m == nil {
		return
	}
	m.rateLimitWaits.WithLabelValues(scope).Inc()
}

// CooldownStarted records a new bucket cooldown.
func (m *Metrics) CooldownStarted() {
	if m == nil {
		return
	}
	m.rateLimitCooldowns.Inc()
}

// QueueDepth adjusts the queued request gauge for the route of endpoint.
func (m *Metrics) QueueDepth(endpoint string, delta float64) {
	if m == nil {
		return
	}
	m.queuedRequests.WithLabelValues(Route(endpoint)).Add(delta)
}

// Route turns an endpoint into a label-safe template: numeric ids become
// ":id" and webhook or interaction tokens become ":token".
func Route(endpoint string) string {
	parts := strings.Split(strings.Trim(endpoint, "/"), "/")
	for i, part := range parts {
		switch {
		case isID(part):
			parts[i] = ":id"
		case i >= 2 && parts[i-1] == ":id" && (parts[i-2] == "webhooks" || parts[i-2] == "interactions"):
			parts[i] = ":token"
		}
	}
	return strings.Join(parts, "/")
}

func isID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Reconnect records a reconnect attempt.
func (m *Metrics) Reconnect(shard int) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(strconv.Itoa(shard)).Inc()
}

// Heartbeat records a heartbeat sent.
func (m *Metrics) Heartbeat(shard int) {
	if m == nil {
		return
	}
	m.heartbeats.WithLabelValues(strconv.Itoa(shard)).Inc()
}

// Event records a dispatch received.
func (m *Metrics) Event(shard int, name string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(strconv.Itoa(shard), name).Inc()
}

// ShardState publishes the current state of a shard.
func (m *Metrics) ShardState(shard int, state int32) {
	if m == nil {
		return
	}
	m.shardState.WithLabelValues(strconv.Itoa(shard)).Set(float64(state))
}

// Package metrics exposes gateway counters in the Prometheus text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultBuckets are histogram buckets for request durations in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Metrics holds the gateway's collectors on a private registry. It is
// created once at startup and survives configuration reloads; counters are
// never reset.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal      prometheus.Counter
	requestsSuccess    prometheus.Counter
	requestsError      prometheus.Counter
	cacheHits          prometheus.Counter
	cacheMisses        prometheus.Counter
	rateLimited        prometheus.Counter
	circuitBreakerOpen prometheus.Counter
	wsConnections      prometheus.Gauge
	requestDuration    *prometheus.HistogramVec
}

// New creates and registers the gateway metrics.
func New() *Metrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}

	m := &Metrics{
		registry:           prometheus.NewRegistry(),
		requestsTotal:      counter("gateway_requests_total", "Total requests received"),
		requestsSuccess:    counter("gateway_requests_success", "Requests answered with a status below 400"),
		requestsError:      counter("gateway_requests_error", "Requests answered with a status of 400 or above"),
		cacheHits:          counter("gateway_cache_hits", "Responses served from the cache"),
		cacheMisses:        counter("gateway_cache_misses", "Cacheable requests not found in the cache"),
		rateLimited:        counter("gateway_rate_limited", "Requests rejected by the rate limiter"),
		circuitBreakerOpen: counter("gateway_circuit_breaker_open", "Circuit breaker transitions to open"),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_websocket_connections",
			Help: "Active WebSocket connections",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration by route",
			Buckets: DefaultBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestsSuccess,
		m.requestsError,
		m.cacheHits,
		m.cacheMisses,
		m.rateLimited,
		m.circuitBreakerOpen,
		m.wsConnections,
		m.requestDuration,
	)
	return m
}

// Registry returns the private registry, for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RequestStarted counts an incoming request.
func (m *Metrics) RequestStarted() {
	m.requestsTotal.Inc()
}

// RequestFinished records the outcome of a request. route is empty when no
// route matched.
func (m *Metrics) RequestFinished(route string, status int, duration time.Duration) {
	if status < 400 {
		m.requestsSuccess.Inc()
	} else {
		m.requestsError.Inc()
	}
	if route != "" {
		m.requestDuration.WithLabelValues(route).Observe(duration.Seconds())
	}
}

func (m *Metrics) CacheHit()        { m.cacheHits.Inc() }
func (m *Metrics) CacheMiss()       { m.cacheMisses.Inc() }
func (m *Metrics) RateLimited()     { m.rateLimited.Inc() }
func (m *Metrics) CircuitOpened()   { m.circuitBreakerOpen.Inc() }
func (m *Metrics) WebSocketOpened() { m.wsConnections.Inc() }
func (m *Metrics) WebSocketClosed() { m.wsConnections.Dec() }

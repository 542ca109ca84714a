package gateway

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/gatekeeper/internal/auth"
	"github.com/wudi/gatekeeper/internal/cache"
	"github.com/wudi/gatekeeper/internal/circuitbreaker"
	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/metrics"
	"github.com/wudi/gatekeeper/internal/middleware/realip"
	"github.com/wudi/gatekeeper/internal/plugin"
	"github.com/wudi/gatekeeper/internal/proxy"
	"github.com/wudi/gatekeeper/internal/ratelimit"
	"github.com/wudi/gatekeeper/internal/router"
	"github.com/wudi/gatekeeper/internal/tracing"
	"github.com/wudi/gatekeeper/internal/websocket"
)

// Options carries the collaborators a Gateway is built with. The zero value
// is usable.
type Options struct {
	// Redis backs routes with mode: distributed. Nil falls back to local state.
	Redis redis.UniversalClient
	// Transport is the backend round tripper; nil uses proxy.DefaultTransport.
	Transport http.RoundTripper
	// Clock replaces time.Now for breakers, limiters and caches.
	Clock func() time.Time
	// Tracer records one span per request; nil disables tracing.
	Tracer *tracing.Tracer
}

// Gateway is the request pipeline. Its configuration lives in an immutable
// snapshot that Reload replaces atomically; every request loads the
// snapshot once and uses it until it finishes.
type Gateway struct {
	state   atomic.Pointer[gatewayState]
	metrics *metrics.Metrics

	transport http.RoundTripper
	tracer    *tracing.Tracer

	// Per-route policy managers. They survive reloads so that unchanged
	// routes keep their breaker state, buckets and cached entries.
	breakers *circuitbreaker.BreakerByRoute
	limiters *ratelimit.LimiterByRoute
	caches   *cache.CacheByRoute

	reloadMu sync.Mutex
}

// gatewayState is one published configuration. Nothing in it is mutated
// after it has been stored.
type gatewayState struct {
	config          *config.Config
	router          *router.Router
	plugins         *plugin.Registry
	forwarder       *proxy.Forwarder
	clientIP        *realip.Resolver
	routes          map[string]*routeState
	requestIDHeader string
	trustRequestID  bool
	loadedAt        time.Time
}

// routeState holds the policy objects resolved for one route. Nil fields
// mean the policy is disabled on the route.
type routeState struct {
	route   *router.Route
	authn   auth.Authenticator
	roles   []string
	limiter *ratelimit.Limiter
	breaker *circuitbreaker.Breaker
	cache   *cache.Handler
	ws      *websocket.Proxy
}

// New creates a gateway serving cfg. m may be nil, in which case a private
// metrics set is created.
func New(cfg *config.Config, m *metrics.Metrics, opts Options) (*Gateway, error) {
	if m == nil {
		m = metrics.New()
	}
	transport := opts.Transport
	if transport == nil {
		transport = proxy.DefaultTransport()
	}

	g := &Gateway{
		metrics:   m,
		transport: transport,
		tracer:    opts.Tracer,
		breakers:  circuitbreaker.NewBreakerByRoute(),
		limiters:  ratelimit.NewLimiterByRoute(opts.Redis),
		caches:    cache.NewCacheByRoute(opts.Redis),
	}
	if opts.Clock != nil {
		g.breakers.SetClock(opts.Clock)
		g.limiters.SetClock(opts.Clock)
		g.caches.SetClock(opts.Clock)
	}
	g.breakers.OnStateChange(func(_ string, _, to circuitbreaker.State) {
		if to == circuitbreaker.StateOpen {
			m.CircuitOpened()
		}
	})

	st, err := g.buildState(cfg)
	if err != nil {
		return nil, err
	}
	g.state.Store(st)
	return g, nil
}

// Config returns the active configuration.
func (g *Gateway) Config() *config.Config {
	return g.state.Load().config
}

// Router returns the active routing table.
func (g *Gateway) Router() *router.Router {
	return g.state.Load().router
}

// Metrics returns the metrics the gateway records into.
func (g *Gateway) Metrics() *metrics.Metrics {
	return g.metrics
}

// LoadedAt reports when the active configuration was published.
func (g *Gateway) LoadedAt() time.Time {
	return g.state.Load().loadedAt
}

// ClientIPStats reports the trusted-proxy resolver of the active configuration.
func (g *Gateway) ClientIPStats() realip.Stats {
	return g.state.Load().clientIP.Stats()
}

// Tracer returns the request tracer, which may be nil.
func (g *Gateway) Tracer() *tracing.Tracer {
	return g.tracer
}

// GetCircuitBreakers returns the circuit breaker manager
func (g *Gateway) GetCircuitBreakers() *circuitbreaker.BreakerByRoute {
	return g.breakers
}

// GetRateLimiters returns the rate limiter manager
func (g *Gateway) GetRateLimiters() *ratelimit.LimiterByRoute {
	return g.limiters
}

// GetCaches returns the cache manager
func (g *Gateway) GetCaches() *cache.CacheByRoute {
	return g.caches
}

// Close releases background resources held by limiters and caches.
func (g *Gateway) Close() error {
	g.limiters.Close()
	g.caches.Close()
	return nil
}

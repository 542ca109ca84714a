package gateway

import (
	"fmt"
	"reflect"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/auth"
	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/middleware/realip"
	"github.com/wudi/gatekeeper/internal/plugin"
	"github.com/wudi/gatekeeper/internal/proxy"
	"github.com/wudi/gatekeeper/internal/router"
	"github.com/wudi/gatekeeper/internal/websocket"
)

// ReloadResult represents the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// Reload validates cfg, builds a complete new state and publishes it in a
// single atomic store. On any error the active state is left untouched and
// an ErrConfigReload is returned. Reloading identical content is a no-op.
func (g *Gateway) Reload(cfg *config.Config) error {
	_, err := g.ReloadDiff(cfg)
	return err
}

// ReloadDiff is Reload that also returns the changes against the
// configuration it replaced. Both sides of the diff are read under the
// reload lock.
func (g *Gateway) ReloadDiff(cfg *config.Config) ([]string, error) {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	old := g.state.Load().config
	st, err := g.buildState(cfg)
	if err != nil {
		return nil, rejectReload(err)
	}
	g.state.Store(st)

	logging.Info("configuration reloaded",
		zap.Int("routes", st.router.Len()),
		zap.Int("plugins", st.plugins.Len()),
	)
	return diffConfig(old, st.config), nil
}

// ReloadBytes parses a YAML document and reloads from it.
func (g *Gateway) ReloadBytes(data []byte) error {
	_, err := g.ReloadBytesDiff(data)
	return err
}

// ReloadBytesDiff is ReloadBytes returning the applied changes.
func (g *Gateway) ReloadBytesDiff(data []byte) ([]string, error) {
	cfg, err := config.NewLoader().Parse(data)
	if err != nil {
		return nil, rejectReload(err)
	}
	return g.ReloadDiff(cfg)
}

func rejectReload(err error) error {
	ge := errors.Wrap(err, errors.ErrConfigReload).WithDetails(err.Error())
	logging.Log(ge.Kind.LogLevel(), "configuration reload rejected",
		zap.String("kind", string(ge.Kind)),
		zap.Error(err),
	)
	return ge
}

// buildState compiles cfg into a gatewayState. Everything that can fail
// runs before the per-route managers are reconciled, so a rejected
// configuration never disturbs live policy state.
func (g *Gateway) buildState(cfg *config.Config) (*gatewayState, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil configuration")
	}
	cfg.ApplyDefaults()
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	rt, err := router.New(cfg.Routes)
	if err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}
	plugins, err := plugin.BuildRegistry(cfg.Plugins)
	if err != nil {
		return nil, fmt.Errorf("plugins: %w", err)
	}
	authSet, err := auth.NewSet(cfg.Authentication)
	if err != nil {
		return nil, fmt.Errorf("authentication: %w", err)
	}
	tp := cfg.TrustedProxies
	clientIP, err := realip.New(tp.CIDRs, tp.Headers, tp.MaxHops)
	if err != nil {
		return nil, fmt.Errorf("trusted_proxies: %w", err)
	}

	routes := make(map[string]*routeState, rt.Len())
	for _, route := range rt.Routes() {
		rs := &routeState{route: route}
		if a := route.Config.Auth; a.Required {
			rs.authn = authSet.For(a.Methods)
			if rs.authn == nil {
				return nil, fmt.Errorf("route %q requires authentication but none of %v is enabled", route.Path, a.Methods)
			}
			rs.roles = a.Roles
		}
		if route.Config.WebSocket.Enabled {
			rs.ws = websocket.NewProxy(route.Config.WebSocket)
		}
		routes[route.Path] = rs
	}

	// Nothing below can fail.
	g.breakers.Reconcile(cfg.Routes)
	g.limiters.Reconcile(cfg.Routes)
	g.caches.Reconcile(cfg.Routes)

	for path, rs := range routes {
		rs.breaker, _ = g.breakers.Get(path)
		rs.limiter, _ = g.limiters.Get(path)
		rs.cache, _ = g.caches.Get(path)
	}

	return &gatewayState{
		config:  cfg,
		router:  rt,
		plugins: plugins,
		forwarder: proxy.NewForwarder(proxy.Config{
			Transport:       g.transport,
			RequestIDHeader: cfg.RequestID.Header,
			DefaultTimeout:  cfg.Defaults.Timeout,
		}),
		clientIP:        clientIP,
		routes:          routes,
		requestIDHeader: cfg.RequestID.Header,
		trustRequestID:  cfg.RequestID.TrustIncoming,
		loadedAt:        time.Now(),
	}, nil
}

// diffConfig returns a list of human-readable changes between old and new configs.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	oldRoutes := make(map[string]config.RouteConfig, len(oldCfg.Routes))
	for _, r := range oldCfg.Routes {
		oldRoutes[r.Path] = r
	}
	newRoutes := make(map[string]config.RouteConfig, len(newCfg.Routes))
	for _, r := range newCfg.Routes {
		newRoutes[r.Path] = r
	}

	for path, nr := range newRoutes {
		or, ok := oldRoutes[path]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("route added: %s", path))
		case !reflect.DeepEqual(or, nr):
			changes = append(changes, fmt.Sprintf("route changed: %s", path))
		}
	}
	for path := range oldRoutes {
		if _, ok := newRoutes[path]; !ok {
			changes = append(changes, fmt.Sprintf("route removed: %s", path))
		}
	}

	if !reflect.DeepEqual(oldCfg.Plugins, newCfg.Plugins) {
		changes = append(changes, fmt.Sprintf("plugins changed: %d -> %d", len(oldCfg.Plugins), len(newCfg.Plugins)))
	}
	if !reflect.DeepEqual(oldCfg.Authentication, newCfg.Authentication) {
		changes = append(changes, "authentication changed")
	}
	if !reflect.DeepEqual(oldCfg.TrustedProxies, newCfg.TrustedProxies) {
		changes = append(changes, "trusted proxies changed")
	}
	if !reflect.DeepEqual(oldCfg.Tracing, newCfg.Tracing) {
		changes = append(changes, "tracing changed (applies after restart)")
	}

	sort.Strings(changes)
	return changes
}

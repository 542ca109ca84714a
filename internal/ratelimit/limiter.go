package ratelimit

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/byroute"
	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/logging"
)

// Key strategies.
const (
	KeyRoute  = "route"
	KeyClient = "client"
	KeyIP     = "ip"
)

// Limiter applies one route's token-bucket policy.
type Limiter struct {
	route string
	cfg   config.RateLimitConfig
	limit Limit
	state State

	allowed  atomic.Int64
	rejected atomic.Int64
}

// NewLimiter creates a limiter for route backed by state.
func NewLimiter(route string, cfg config.RateLimitConfig, state State) *Limiter {
	return &Limiter{
		route: route,
		cfg:   cfg,
		limit: Limit{Capacity: cfg.Capacity, RefillRate: cfg.RefillRate},
		state: state,
	}
}

// Config returns the settings the limiter was built with.
func (l *Limiter) Config() config.RateLimitConfig {
	return l.cfg
}

// Key builds the bucket key for a request. The route path is always part
// of it; "client" adds the authenticated client id (falling back to the
// client IP) and "ip" adds the client IP.
func (l *Limiter) Key(clientID, clientIP string) string {
	switch l.cfg.Key {
	case KeyClient:
		if clientID != "" {
			return l.route + "|client:" + clientID
		}
		return l.route + "|ip:" + clientIP
	case KeyIP:
		return l.route + "|ip:" + clientIP
	default:
		return l.route
	}
}

// TryAcquire consumes one token for key. Store errors fail open.
func (l *Limiter) TryAcquire(ctx context.Context, key string) bool {
	ok, err := l.state.Acquire(ctx, key, l.limit)
	if err != nil {
		logging.Warn("rate limit store unavailable, failing open",
			zap.String("route", l.route),
			zap.Error(err),
		)
		ok = true
	}
	if ok {
		l.allowed.Add(1)
	} else {
		l.rejected.Add(1)
	}
	return ok
}

// Available reports the tokens left for key. Store errors report a full
// bucket.
func (l *Limiter) Available(ctx context.Context, key string) float64 {
	tokens, err := l.state.Check(ctx, key, l.limit)
	if err != nil {
		return float64(l.limit.Capacity)
	}
	return tokens
}

// Close releases the backing state when the limiter owns it.
func (l *Limiter) Close() error {
	if c, ok := l.state.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Snapshot is a point-in-time view of a limiter.
type Snapshot struct {
	Capacity   int     `json:"capacity"`
	RefillRate float64 `json:"refill_rate"`
	Key        string  `json:"key"`
	Mode       string  `json:"mode"`
	Allowed    int64   `json:"allowed"`
	Rejected   int64   `json:"rejected"`
	Buckets    int     `json:"buckets,omitempty"`
}

// Snapshot returns the limiter's settings and counters.
func (l *Limiter) Snapshot() Snapshot {
	s := Snapshot{
		Capacity:   l.cfg.Capacity,
		RefillRate: l.cfg.RefillRate,
		Key:        l.cfg.Key,
		Mode:       l.cfg.Mode,
		Allowed:    l.allowed.Load(),
		Rejected:   l.rejected.Load(),
	}
	if s.Key == "" {
		s.Key = KeyRoute
	}
	if m, ok := l.state.(*MemoryState); ok {
		s.Buckets = m.Len()
	}
	return s
}

// LimiterByRoute manages one limiter per route path.
type LimiterByRoute struct {
	byroute.Manager[*Limiter]
	redis redis.UniversalClient
	now   func() time.Time
}

// NewLimiterByRoute creates a manager. client may be nil when no route uses
// distributed mode.
func NewLimiterByRoute(client redis.UniversalClient) *LimiterByRoute {
	return &LimiterByRoute{redis: client, now: time.Now}
}

// SetClock replaces time.Now for in-memory limiters created afterwards.
func (lr *LimiterByRoute) SetClock(now func() time.Time) {
	lr.now = now
}

// Reconcile makes the set of limiters match routes, keeping limiters (and
// their buckets) for routes whose settings did not change.
func (lr *LimiterByRoute) Reconcile(routes []config.RouteConfig) {
	keep := make(map[string]bool, len(routes))
	for _, rc := range routes {
		if rc.RateLimit == nil || !rc.RateLimit.Enabled {
			continue
		}
		keep[rc.Path] = true
		if existing, ok := lr.Get(rc.Path); ok && existing.Config() == *rc.RateLimit {
			continue
		}
		if old, ok := lr.Get(rc.Path); ok {
			old.Close()
		}
		lr.Add(rc.Path, NewLimiter(rc.Path, *rc.RateLimit, lr.stateFor(rc.Path, *rc.RateLimit)))
	}
	for _, dropped := range lr.Retain(keep) {
		dropped.Close()
	}
}

func (lr *LimiterByRoute) stateFor(route string, cfg config.RateLimitConfig) State {
	if cfg.Mode == config.ModeDistributed {
		if lr.redis != nil {
			return NewRedisState(lr.redis, "")
		}
		logging.Warn("distributed rate limit requested without redis, using local state",
			zap.String("route", route))
	}
	return NewMemoryState(WithClock(lr.now))
}

// Snapshots returns a view of every limiter keyed by route path.
func (lr *LimiterByRoute) Snapshots() map[string]Snapshot {
	out := make(map[string]Snapshot, lr.Len())
	lr.Range(func(route string, l *Limiter) bool {
		out[route] = l.Snapshot()
		return true
	})
	return out
}

// Close releases every limiter.
func (lr *LimiterByRoute) Close() {
	for _, l := range lr.Retain(nil) {
		l.Close()
	}
}

package cache

import (
	"io"
	"net/http"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/byroute"
	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/logging"
)

// Handler applies one route's caching policy on top of a Store.
type Handler struct {
	route       string
	cfg         config.CacheConfig
	store       Store
	methods     map[string]bool
	maxBodySize int64
	now         func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// NewHandler creates a cache handler for route with the given store backend.
func NewHandler(route string, cfg config.CacheConfig, store Store, now func() time.Time) *Handler {
	methods := cfg.Methods
	if len(methods) == 0 {
		methods = []string{http.MethodGet, http.MethodHead}
	}
	methodMap := make(map[string]bool, len(methods))
	for _, m := range methods {
		methodMap[strings.ToUpper(m)] = true
	}

	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20 // 1MB
	}
	if now == nil {
		now = time.Now
	}

	return &Handler{
		route:       route,
		cfg:         cfg,
		store:       store,
		methods:     methodMap,
		maxBodySize: maxBodySize,
		now:         now,
	}
}

// Config returns the settings the handler was built with.
func (h *Handler) Config() config.CacheConfig {
	return h.cfg
}

// ShouldCache checks if the request may be served from and stored in the
// cache.
func (h *Handler) ShouldCache(r *http.Request) bool {
	if !h.methods[r.Method] {
		return false
	}
	cc := r.Header.Get("Cache-Control")
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") {
		return false
	}
	return true
}

// ShouldStore checks if a backend response may be stored.
func (h *Handler) ShouldStore(statusCode int, headers http.Header, bodySize int) bool {
	if statusCode < 200 || statusCode >= 300 {
		return false
	}
	cc := headers.Get("Cache-Control")
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	return int64(bodySize) <= h.maxBodySize
}

// Lookup returns a live entry for key and counts the hit or miss.
func (h *Handler) Lookup(key string) (*Entry, bool) {
	e, ok := h.store.Get(key)
	if !ok {
		h.misses.Add(1)
		return nil, false
	}
	h.hits.Add(1)
	return e, true
}

// Store saves a backend response under key when ShouldStore allows it and
// reports whether it did. Concurrent stores for one key are last write
// wins.
func (h *Handler) Store(key string, statusCode int, headers http.Header, body []byte) bool {
	if !h.ShouldStore(statusCode, headers, len(body)) {
		return false
	}
	h.store.Set(key, &Entry{
		StatusCode: statusCode,
		Headers:    headers.Clone(),
		Body:       slices.Clone(body),
		InsertedAt: h.now(),
		TTL:        h.cfg.TTL,
	})
	return true
}

// Purge clears all cache entries.
func (h *Handler) Purge() {
	h.store.Purge()
}

// Close stops background work owned by the store.
func (h *Handler) Close() error {
	if c, ok := h.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// CacheStats contains cache statistics
type CacheStats struct {
	StoreStats
	Mode   string `json:"mode"`
	TTL    string `json:"ttl"`
	Hits   int64  `json:"hits"`
	Misses int64  `json:"misses"`
}

// Stats returns cache statistics.
func (h *Handler) Stats() CacheStats {
	mode := h.cfg.Mode
	if mode == "" {
		mode = config.ModeLocal
	}
	return CacheStats{
		StoreStats: h.store.Stats(),
		Mode:       mode,
		TTL:        h.cfg.TTL.String(),
		Hits:       h.hits.Load(),
		Misses:     h.misses.Load(),
	}
}

// CacheByRoute manages cache handlers per route.
type CacheByRoute struct {
	byroute.Manager[*Handler]
	redis         redis.UniversalClient
	now           func() time.Time
	sweepInterval time.Duration
}

// NewCacheByRoute creates a new route-based cache manager. Pass a non-nil
// client to enable routes with mode "distributed".
func NewCacheByRoute(client redis.UniversalClient) *CacheByRoute {
	return &CacheByRoute{redis: client, now: time.Now, sweepInterval: time.Minute}
}

// SetClock replaces time.Now for handlers created afterwards.
func (cbr *CacheByRoute) SetClock(now func() time.Time) {
	cbr.now = now
}

// Reconcile makes the set of handlers match routes. Handlers for routes
// whose cache settings did not change keep their entries.
func (cbr *CacheByRoute) Reconcile(routes []config.RouteConfig) {
	keep := make(map[string]bool, len(routes))
	for _, rc := range routes {
		if rc.Cache == nil || !rc.Cache.Enabled {
			continue
		}
		keep[rc.Path] = true
		if existing, ok := cbr.Get(rc.Path); ok && sameCacheConfig(existing.Config(), *rc.Cache) {
			continue
		}
		if old, ok := cbr.Get(rc.Path); ok {
			old.Close()
		}
		cbr.Add(rc.Path, NewHandler(rc.Path, *rc.Cache, cbr.storeFor(rc.Path, *rc.Cache), cbr.now))
	}
	for _, dropped := range cbr.Retain(keep) {
		dropped.Close()
	}
}

func (cbr *CacheByRoute) storeFor(route string, cfg config.CacheConfig) Store {
	if cfg.Mode == config.ModeDistributed {
		if cbr.redis != nil {
			return NewRedisStore(cbr.redis, "gk:cache:"+route+":")
		}
		logging.Warn("distributed cache requested without redis, using local store",
			zap.String("route", route))
	}
	return NewMemoryStore(cfg.MaxEntries,
		WithClock(cbr.now),
		WithSweepInterval(cbr.sweepInterval),
	)
}

// Stats returns cache statistics for all routes.
func (cbr *CacheByRoute) Stats() map[string]CacheStats {
	result := make(map[string]CacheStats, cbr.Len())
	cbr.Range(func(route string, h *Handler) bool {
		result[route] = h.Stats()
		return true
	})
	return result
}

// PurgeAll clears every route's cache.
func (cbr *CacheByRoute) PurgeAll() {
	cbr.Range(func(_ string, h *Handler) bool {
		h.Purge()
		return true
	})
}

// Close stops every handler's background work.
func (cbr *CacheByRoute) Close() {
	for _, h := range cbr.Retain(nil) {
		h.Close()
	}
}

func sameCacheConfig(a, b config.CacheConfig) bool {
	return a.Enabled == b.Enabled &&
		a.TTL == b.TTL &&
		a.MaxEntries == b.MaxEntries &&
		a.MaxBodySize == b.MaxBodySize &&
		a.Mode == b.Mode &&
		slices.Equal(a.Methods, b.Methods)
}

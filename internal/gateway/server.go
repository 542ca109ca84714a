package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/julienschmidt/httprouter"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/metrics"
	"github.com/wudi/gatekeeper/internal/middleware"
	"github.com/wudi/gatekeeper/internal/tracing"
)

// maxReloadHistory bounds the results kept for GET /reload/status.
const maxReloadHistory = 50

// maxReloadBody bounds a configuration posted to the admin API.
const maxReloadBody = 4 << 20

// Server wraps the gateway with HTTP server functionality
type Server struct {
	gateway     *Gateway
	metrics     *metrics.Metrics
	redis       redis.UniversalClient
	tracer      *tracing.Tracer
	httpServer  *http.Server
	adminServer *http.Server
	watcher     *config.Watcher
	configPath  string
	startTime   time.Time

	mu            sync.Mutex
	reloadHistory []ReloadResult
}

// NewServer creates a new gateway server.
// configPath is the path to the YAML config file (used for reload).
func NewServer(cfg *config.Config, configPath string) (*Server, error) {
	client, err := connectRedis(cfg)
	if err != nil {
		return nil, err
	}

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		if client != nil {
			client.Close()
		}
		return nil, fmt.Errorf("tracing: %w", err)
	}

	m := metrics.New()
	gw, err := New(cfg, m, Options{Redis: client, Tracer: tracer})
	if err != nil {
		if client != nil {
			client.Close()
		}
		tracer.Close(context.Background())
		return nil, err
	}

	s := &Server{
		gateway:    gw,
		metrics:    m,
		redis:      client,
		tracer:     tracer,
		configPath: configPath,
		startTime:  time.Now(),
	}

	chain := middleware.NewChain(middleware.Recovery(cfg.RequestID.Header))
	if cfg.Logging.AccessLog {
		chain = chain.Append(middleware.AccessLog(middleware.AccessLogConfig{
			RequestIDHeader: cfg.RequestID.Header,
		}))
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      chain.Then(gw),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Configure admin server if enabled
	if cfg.Admin.Enabled {
		s.adminServer = &http.Server{
			Addr:         cfg.Admin.Address,
			Handler:      s.adminHandler(cfg.Admin.MetricsPath),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return s, nil
}

// connectRedis pings the configured Redis with bounded exponential backoff.
// An unreachable Redis is fatal only when a route needs distributed state.
func connectRedis(cfg *config.Config) (redis.UniversalClient, error) {
	if cfg.Redis.Address == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout+time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	notify := func(err error, next time.Duration) {
		logging.Warn("redis not reachable, retrying",
			zap.String("address", cfg.Redis.Address),
			zap.Duration("retry_in", next),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(ping, backoff.WithMaxRetries(policy, 5), notify); err != nil {
		if cfg.UsesRedis() {
			client.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Address, err)
		}
		logging.Warn("redis unreachable and not required, continuing without it",
			zap.String("address", cfg.Redis.Address),
			zap.Error(err),
		)
		client.Close()
		return nil, nil
	}
	logging.Info("connected to redis", zap.String("address", cfg.Redis.Address))
	return client, nil
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// down gracefully. SIGHUP and changes to the config file trigger a reload.
func (s *Server) Run(ctx context.Context) error {
	mainLn, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	var adminLn net.Listener
	if s.adminServer != nil {
		if adminLn, err = net.Listen("tcp", s.adminServer.Addr); err != nil {
			mainLn.Close()
			return fmt.Errorf("admin listen %s: %w", s.adminServer.Addr, err)
		}
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	s.startWatcher()

	cfg := s.gateway.Config()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logging.Info("starting gateway", zap.String("address", mainLn.Addr().String()), zap.Bool("tls", cfg.Server.TLS.Enabled))
		var err error
		if cfg.Server.TLS.Enabled {
			err = s.httpServer.ServeTLS(mainLn, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = s.httpServer.Serve(mainLn)
		}
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	if adminLn != nil {
		g.Go(func() error {
			logging.Info("starting admin server", zap.String("address", adminLn.Addr().String()))
			if err := s.adminServer.Serve(adminLn); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-hup:
				s.ReloadConfig("signal")
			case <-gctx.Done():
				logging.Info("shutting down gracefully")
				return s.Shutdown(s.gateway.Config().Server.ShutdownTimeout)
			}
		}
	})

	return g.Wait()
}

func (s *Server) startWatcher() {
	if s.configPath == "" {
		return
	}
	w, err := config.NewWatcher(s.configPath)
	if err != nil {
		logging.Warn("config file watching disabled", zap.Error(err))
		return
	}
	w.OnChange(func(cfg *config.Config) {
		s.apply("file", func() ([]string, error) { return s.gateway.ReloadDiff(cfg) })
	})
	if err := w.Start(); err != nil {
		logging.Warn("config file watching disabled", zap.String("path", s.configPath), zap.Error(err))
		w.Stop()
		return
	}
	s.watcher = w
}

// Shutdown gracefully shuts down the servers
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.watcher != nil {
		s.watcher.Stop()
	}

	// Shutdown admin server first
	if s.adminServer != nil {
		if err := s.adminServer.Shutdown(ctx); err != nil {
			logging.Error("admin server shutdown error", zap.Error(err))
		}
	}

	var shutdownErr error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logging.Error("gateway server shutdown error", zap.Error(err))
		shutdownErr = err
	}

	s.gateway.Close()
	if s.redis != nil {
		s.redis.Close()
	}
	if err := s.tracer.Close(ctx); err != nil {
		logging.Warn("tracer shutdown error", zap.Error(err))
	}

	logging.Info("server shutdown complete")
	return shutdownErr
}

// ReloadConfig re-reads the config file and applies it.
func (s *Server) ReloadConfig(source string) ReloadResult {
	return s.apply(source, func() ([]string, error) {
		if s.configPath == "" {
			return nil, rejectReload(fmt.Errorf("no config path configured"))
		}
		data, err := os.ReadFile(s.configPath)
		if err != nil {
			return nil, rejectReload(err)
		}
		return s.gateway.ReloadBytesDiff(data)
	})
}

// apply runs a reload and records its outcome in the history.
func (s *Server) apply(source string, reload func() ([]string, error)) ReloadResult {
	result := ReloadResult{Timestamp: time.Now(), Source: source}
	if changes, err := reload(); err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		result.Changes = changes
	}

	s.mu.Lock()
	s.reloadHistory = appendReloadHistory(s.reloadHistory, result)
	s.mu.Unlock()
	return result
}

// appendReloadHistory appends a result and keeps the last maxReloadHistory entries.
func appendReloadHistory(history []ReloadResult, result ReloadResult) []ReloadResult {
	history = append(history, result)
	if len(history) > maxReloadHistory {
		history = history[len(history)-maxReloadHistory:]
	}
	return history
}

// ReloadHistory returns a copy of the recorded reload results.
func (s *Server) ReloadHistory() []ReloadResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ReloadResult(nil), s.reloadHistory...)
}

// Gateway returns the gateway
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// adminHandler creates the admin API handler
func (s *Server) adminHandler(metricsPath string) http.Handler {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r := httprouter.New()

	r.Handler(http.MethodGet, metricsPath, s.metrics.Handler())
	r.GET("/healthz", s.handleHealth)
	r.GET("/routes", s.handleRoutes)
	r.GET("/circuit-breakers", s.handleCircuitBreakers)
	r.GET("/rate-limits", s.handleRateLimits)
	r.GET("/cache", s.handleCache)
	r.DELETE("/cache", s.handleCachePurge)
	r.POST("/reload", s.handleReload)
	r.GET("/reload/status", s.handleReloadStatus)
	r.GET("/trusted-proxies", s.handleTrustedProxies)
	r.GET("/tracing", s.handleTracing)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth reports liveness and the active configuration's shape.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"uptime":           time.Since(s.startTime).Round(time.Second).String(),
		"routes":           s.gateway.Router().Len(),
		"config_loaded_at": s.gateway.LoadedAt(),
	})
}

type routeInfo struct {
	Path           string   `json:"path"`
	Destinations   []string `json:"destinations"`
	StripPrefix    bool     `json:"strip_prefix"`
	AuthRequired   bool     `json:"auth_required"`
	RateLimit      bool     `json:"rate_limit"`
	Cache          bool     `json:"cache"`
	CircuitBreaker bool     `json:"circuit_breaker"`
	WebSocket      bool     `json:"websocket"`
	Timeout        string   `json:"timeout"`
}

// handleRoutes lists the active routes in configuration order.
func (s *Server) handleRoutes(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	routes := s.gateway.Router().Routes()
	out := make([]routeInfo, 0, len(routes))
	for _, rt := range routes {
		rc := rt.Config
		info := routeInfo{
			Path:           rt.Path,
			StripPrefix:    rt.StripPrefix,
			AuthRequired:   rc.Auth.Required,
			RateLimit:      rc.RateLimit != nil && rc.RateLimit.Enabled,
			Cache:          rc.Cache != nil && rc.Cache.Enabled,
			CircuitBreaker: rc.CircuitBreaker != nil && rc.CircuitBreaker.Enabled,
			WebSocket:      rc.WebSocket.Enabled,
			Timeout:        rc.Timeout.String(),
		}
		for _, d := range rt.Destinations {
			info.Destinations = append(info.Destinations, d.String())
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCircuitBreakers handles circuit breaker status requests
func (s *Server) handleCircuitBreakers(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.gateway.GetCircuitBreakers().Snapshots())
}

// handleRateLimits handles rate limiter status requests
func (s *Server) handleRateLimits(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.gateway.GetRateLimiters().Snapshots())
}

// handleCache handles cache stats requests
func (s *Server) handleCache(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.gateway.GetCaches().Stats())
}

func (s *Server) handleCachePurge(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.gateway.GetCaches().PurgeAll()
	logging.Info("cache purged via admin API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

// handleReload applies a posted YAML document, or re-reads the config
// file when the body is empty.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReloadBody+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ReloadResult{Timestamp: time.Now(), Source: "admin", Error: err.Error()})
		return
	}
	if len(body) > maxReloadBody {
		errors.ErrRequestTooLarge.WriteJSON(w)
		return
	}

	var result ReloadResult
	if len(body) == 0 {
		result = s.ReloadConfig("admin")
	} else {
		result = s.apply("admin", func() ([]string, error) { return s.gateway.ReloadBytesDiff(body) })
	}

	status := http.StatusOK
	if !result.Success {
		status = errors.ErrConfigReload.Code
	}
	writeJSON(w, status, result)
}

// handleTrustedProxies reports client IP resolution for the active configuration.
func (s *Server) handleTrustedProxies(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.gateway.ClientIPStats())
}

func (s *Server) handleTracing(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.tracer.Status())
}

// handleReloadStatus returns the reload history.
func (s *Server) handleReloadStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, s.ReloadHistory())
}

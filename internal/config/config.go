package config

import (
	"time"
)

// DefaultPath is the configuration file used when neither the -config flag
// nor the GATEWAY_CONFIG environment variable is set.
const DefaultPath = "gateway.yaml"

// EnvConfigPath names the environment variable that overrides DefaultPath.
const EnvConfigPath = "GATEWAY_CONFIG"

// Config represents the complete gateway configuration
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Admin          AdminConfig          `yaml:"admin"`
	Logging        LoggingConfig        `yaml:"logging"`
	Redis          RedisConfig          `yaml:"redis"`
	RequestID      RequestIDConfig      `yaml:"request_id"`
	TrustedProxies TrustedProxiesConfig `yaml:"trusted_proxies"`
	Tracing        TracingConfig        `yaml:"tracing"`
	Authentication AuthenticationConfig `yaml:"authentication"`
	Defaults       PolicyDefaults       `yaml:"defaults"`
	Routes         []RouteConfig        `yaml:"routes"`
	Plugins        []PluginConfig       `yaml:"plugins"`
}

// ServerConfig defines the proxy listener
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TLS             TLSConfig     `yaml:"tls"`
}

// TLSConfig defines TLS settings for the proxy listener
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig defines the admin API listener (metrics, health, reload)
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	MetricsPath string `yaml:"metrics_path"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // stdout, stderr or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
	// AccessLog writes one entry per proxied request.
	AccessLog bool `yaml:"access_log"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"` // megabytes
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"` // days
	Compress   bool `yaml:"compress"`
}

// RedisConfig defines the shared store used by distributed limiter and cache modes
type RedisConfig struct {
	Address     string        `yaml:"address"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RequestIDConfig controls the correlation identifier
type RequestIDConfig struct {
	Header        string `yaml:"header"`
	TrustIncoming bool   `yaml:"trust_incoming"`
}

// TrustedProxiesConfig defines trusted proxy settings for real client IP
// extraction. Forwarding headers are ignored unless the peer is listed.
type TrustedProxiesConfig struct {
	CIDRs   []string `yaml:"cidrs"`    // trusted proxy CIDRs or bare IPs
	Headers []string `yaml:"headers"`  // default: X-Forwarded-For, X-Real-IP
	MaxHops int      `yaml:"max_hops"` // 0 = unlimited
}

// TracingConfig defines distributed tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"` // extra headers for the exporter
}

// AuthenticationConfig defines the authenticators available to routes
type AuthenticationConfig struct {
	JWT    JWTConfig    `yaml:"jwt"`
	APIKey APIKeyConfig `yaml:"api_key"`
}

// JWTConfig defines JWT verification settings
type JWTConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Secret     string   `yaml:"secret"`
	PublicKey  string   `yaml:"public_key"`
	Algorithm  string   `yaml:"algorithm"`
	Issuer     string   `yaml:"issuer"`
	Audience   []string `yaml:"audience"`
	RolesClaim string   `yaml:"roles_claim"`
}

// APIKeyConfig defines API key authentication
type APIKeyConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Header     string        `yaml:"header"`
	QueryParam string        `yaml:"query_param"`
	Keys       []APIKeyEntry `yaml:"keys"`
}

// APIKeyEntry is a single API key
type APIKeyEntry struct {
	Key      string   `yaml:"key"`
	ClientID string   `yaml:"client_id"`
	Roles    []string `yaml:"roles"`
}

// PolicyDefaults are applied to every route that does not declare its own section.
type PolicyDefaults struct {
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Cache          CacheConfig          `yaml:"cache"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Timeout        time.Duration        `yaml:"timeout"`
	MaxBodySize    int64                `yaml:"max_body_size"`
}

// RouteConfig defines a single route. Policy sections left nil inherit
// PolicyDefaults; a declared section is merged over the defaults and its
// enabled flag always wins.
type RouteConfig struct {
	Path           string                `yaml:"path"`
	Destinations   []string              `yaml:"destinations"`
	Destination    string                `yaml:"destination"` // single-destination shorthand
	StripPrefix    *bool                 `yaml:"strip_prefix"`
	Auth           RouteAuthConfig       `yaml:"auth"`
	RateLimit      *RateLimitConfig      `yaml:"rate_limit"`
	Cache          *CacheConfig          `yaml:"cache"`
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker"`
	WebSocket      WebSocketConfig       `yaml:"websocket"`
	Timeout        time.Duration         `yaml:"timeout"`
	MaxBodySize    int64                 `yaml:"max_body_size"`
}

// AllDestinations returns the configured destinations, folding in the
// single-destination shorthand.
func (r RouteConfig) AllDestinations() []string {
	if len(r.Destinations) > 0 {
		return r.Destinations
	}
	if r.Destination != "" {
		return []string{r.Destination}
	}
	return nil
}

// ShouldStripPrefix reports whether the matched prefix is removed before forwarding (default true).
func (r RouteConfig) ShouldStripPrefix() bool {
	return r.StripPrefix == nil || *r.StripPrefix
}

// RouteAuthConfig defines per-route authentication requirements
type RouteAuthConfig struct {
	Required bool     `yaml:"required"`
	Methods  []string `yaml:"methods"` // jwt, api_key
	Roles    []string `yaml:"roles"`
}

// RateLimitConfig defines token bucket settings
type RateLimitConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"` // tokens per second
	Key        string  `yaml:"key"`         // route (default), client, ip
	Mode       string  `yaml:"mode"`        // local (default) or distributed
}

// CacheConfig defines response caching settings
type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	TTL         time.Duration `yaml:"ttl"`
	MaxEntries  int           `yaml:"max_entries"`
	MaxBodySize int64         `yaml:"max_body_size"`
	Methods     []string      `yaml:"methods"`
	Mode        string        `yaml:"mode"` // local (default) or distributed
}

// CircuitBreakerConfig defines circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// WebSocketConfig defines WebSocket relay settings
type WebSocketConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ReadBufferSize  int           `yaml:"read_buffer_size"`
	WriteBufferSize int           `yaml:"write_buffer_size"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// PluginConfig declares a configuration-driven plugin instance
type PluginConfig struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Phase    string         `yaml:"phase"`    // pre_auth, post_auth, pre_proxy, post_proxy
	Priority *int           `yaml:"priority"` // nil means the plugin default; lower runs first
	Routes   []string       `yaml:"routes"`   // doublestar globs; empty means every route
	Config   map[string]any `yaml:"config"`
}

// Modes for distributed-capable policies.
const (
	ModeLocal       = "local"
	ModeDistributed = "distributed"
)

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled:     true,
			Address:     ":9090",
			MetricsPath: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
		Redis: RedisConfig{
			DialTimeout: 5 * time.Second,
		},
		RequestID: RequestIDConfig{
			Header: "X-Request-ID",
		},
		Tracing: TracingConfig{
			ServiceName: "gatekeeper",
			SampleRate:  1.0,
		},
		Authentication: AuthenticationConfig{
			JWT: JWTConfig{
				Algorithm:  "HS256",
				RolesClaim: "roles",
			},
			APIKey: APIKeyConfig{
				Header: "X-API-Key",
			},
		},
		Defaults: PolicyDefaults{
			RateLimit: RateLimitConfig{
				Capacity:   100,
				RefillRate: 10,
				Key:        "route",
				Mode:       ModeLocal,
			},
			Cache: CacheConfig{
				TTL:         60 * time.Second,
				MaxEntries:  1000,
				MaxBodySize: 1 << 20,
				Methods:     []string{"GET", "HEAD"},
				Mode:        ModeLocal,
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
			Timeout:     30 * time.Second,
			MaxBodySize: 10 << 20,
		},
	}
}

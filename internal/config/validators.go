package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var validPluginPhases = map[string]bool{
	"pre_auth":   true,
	"post_auth":  true,
	"pre_proxy":  true,
	"post_proxy": true,
}

var validAuthMethods = map[string]bool{
	"jwt":     true,
	"api_key": true,
}

var validLimitKeys = map[string]bool{
	"":       true,
	"route":  true,
	"client": true,
	"ip":     true,
}

// Validate checks a configuration for errors. ApplyDefaults must have run.
func Validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls enabled but cert_file or key_file not provided")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}

	if err := validateAuth(cfg.Authentication); err != nil {
		return err
	}
	if err := validateTrustedProxies(cfg.TrustedProxies); err != nil {
		return err
	}
	if t := cfg.Tracing; t.Enabled && (t.SampleRate < 0 || t.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	paths := make(map[string]bool, len(cfg.Routes))
	for i, route := range cfg.Routes {
		if err := validateRoute(cfg, route); err != nil {
			return fmt.Errorf("route %d (%s): %w", i, route.Path, err)
		}
		if paths[route.Path] {
			return fmt.Errorf("duplicate route path: %s", route.Path)
		}
		paths[route.Path] = true
	}

	names := make(map[string]bool, len(cfg.Plugins))
	for i, p := range cfg.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugin %d: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate plugin name: %s", p.Name)
		}
		names[p.Name] = true
		if p.Type == "" {
			return fmt.Errorf("plugin %s: type is required", p.Name)
		}
		if !validPluginPhases[p.Phase] {
			return fmt.Errorf("plugin %s: invalid phase %q", p.Name, p.Phase)
		}
	}

	if cfg.UsesRedis() && cfg.Redis.Address == "" {
		return fmt.Errorf("redis.address is required when a route uses distributed mode")
	}

	return nil
}

func validateTrustedProxies(cfg TrustedProxiesConfig) error {
	for _, cidr := range cfg.CIDRs {
		if strings.Contains(cidr, "/") {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("trusted_proxies.cidrs: invalid CIDR %q: %w", cidr, err)
			}
		} else if net.ParseIP(cidr) == nil {
			return fmt.Errorf("trusted_proxies.cidrs: invalid IP %q", cidr)
		}
	}
	if cfg.MaxHops < 0 {
		return fmt.Errorf("trusted_proxies.max_hops must be >= 0")
	}
	return nil
}

func validateAuth(a AuthenticationConfig) error {
	if a.JWT.Enabled {
		alg := a.JWT.Algorithm
		switch {
		case strings.HasPrefix(alg, "HS"):
			if a.JWT.Secret == "" {
				return fmt.Errorf("authentication.jwt: secret is required for %s", alg)
			}
		case strings.HasPrefix(alg, "RS"):
			if a.JWT.PublicKey == "" {
				return fmt.Errorf("authentication.jwt: public_key is required for %s", alg)
			}
		default:
			return fmt.Errorf("authentication.jwt: unsupported algorithm %q", alg)
		}
	}
	if a.APIKey.Enabled {
		seen := make(map[string]bool, len(a.APIKey.Keys))
		for i, k := range a.APIKey.Keys {
			if k.Key == "" {
				return fmt.Errorf("authentication.api_key: key %d is empty", i)
			}
			if seen[k.Key] {
				return fmt.Errorf("authentication.api_key: duplicate key for client %s", k.ClientID)
			}
			seen[k.Key] = true
		}
	}
	return nil
}

func validateRoute(cfg *Config, route RouteConfig) error {
	if route.Path == "" {
		return fmt.Errorf("path is required")
	}
	if !strings.HasPrefix(route.Path, "/") {
		return fmt.Errorf("path must start with /")
	}

	dests := route.AllDestinations()
	if len(dests) == 0 {
		return fmt.Errorf("at least one destination is required")
	}
	for _, d := range dests {
		u, err := url.Parse(d)
		if err != nil {
			return fmt.Errorf("invalid destination %q: %w", d, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("destination %q: scheme must be http or https", d)
		}
		if u.Host == "" {
			return fmt.Errorf("destination %q: host is required", d)
		}
	}

	if route.Auth.Required {
		for _, m := range route.Auth.Methods {
			if !validAuthMethods[m] {
				return fmt.Errorf("auth: unknown method %q", m)
			}
		}
		if !cfg.Authentication.JWT.Enabled && !cfg.Authentication.APIKey.Enabled {
			return fmt.Errorf("auth required but no authenticator is enabled")
		}
	}

	if rl := route.RateLimit; rl != nil && rl.Enabled {
		if rl.Capacity <= 0 {
			return fmt.Errorf("rate_limit: capacity must be positive")
		}
		if rl.RefillRate < 0 {
			return fmt.Errorf("rate_limit: refill_rate must not be negative")
		}
		if !validLimitKeys[rl.Key] {
			return fmt.Errorf("rate_limit: invalid key %q", rl.Key)
		}
		if err := validateMode(rl.Mode); err != nil {
			return fmt.Errorf("rate_limit: %w", err)
		}
	}

	if c := route.Cache; c != nil && c.Enabled {
		if c.TTL <= 0 {
			return fmt.Errorf("cache: ttl must be positive")
		}
		if c.MaxEntries < 0 {
			return fmt.Errorf("cache: max_entries must not be negative")
		}
		if err := validateMode(c.Mode); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}

	if cb := route.CircuitBreaker; cb != nil && cb.Enabled {
		if cb.FailureThreshold <= 0 {
			return fmt.Errorf("circuit_breaker: failure_threshold must be positive")
		}
		if cb.Cooldown <= 0 {
			return fmt.Errorf("circuit_breaker: cooldown must be positive")
		}
	}

	return nil
}

func validateMode(mode string) error {
	switch mode {
	case "", ModeLocal, ModeDistributed:
		return nil
	}
	return fmt.Errorf("invalid mode %q", mode)
}

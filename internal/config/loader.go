package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// ResolvePath picks the configuration file: the explicit flag value when
// set, then $GATEWAY_CONFIG, then DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg.ApplyDefaults()

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// ApplyDefaults resolves every route's policy sections against Defaults so
// that after the call no section is nil. Calling it again is a no-op.
func (c *Config) ApplyDefaults() {
	d := c.Defaults
	for i := range c.Routes {
		r := &c.Routes[i]

		rl := d.RateLimit
		if r.RateLimit != nil {
			rl = MergeNonZero(d.RateLimit, *r.RateLimit)
		}
		r.RateLimit = &rl

		cc := d.Cache
		if r.Cache != nil {
			cc = MergeNonZero(d.Cache, *r.Cache)
		}
		r.Cache = &cc

		cb := d.CircuitBreaker
		if r.CircuitBreaker != nil {
			cb = MergeNonZero(d.CircuitBreaker, *r.CircuitBreaker)
		}
		r.CircuitBreaker = &cb

		if r.Timeout <= 0 {
			r.Timeout = d.Timeout
		}
		if r.MaxBodySize <= 0 {
			r.MaxBodySize = d.MaxBodySize
		}
	}
}

// UsesRedis reports whether any route asks for a distributed policy store.
func (c *Config) UsesRedis() bool {
	for _, r := range c.Routes {
		if r.RateLimit != nil && r.RateLimit.Enabled && r.RateLimit.Mode == ModeDistributed {
			return true
		}
		if r.Cache != nil && r.Cache.Enabled && r.Cache.Mode == ModeDistributed {
			return true
		}
	}
	return false
}

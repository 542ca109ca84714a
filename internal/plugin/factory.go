package plugin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/goccy/go-yaml"

	"github.com/wudi/gatekeeper/internal/config"
)

// Factory builds a plugin of one type from its configuration block.
type Factory func(base Base, cfg map[string]any) (Plugin, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a plugin type available to configuration files.
func RegisterFactory(typ string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[typ] = f
}

// Types returns the registered plugin types.
func Types() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build creates the plugin described by cfg.
func Build(cfg config.PluginConfig) (Plugin, error) {
	phase, err := ParsePhase(cfg.Phase)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", cfg.Name, err)
	}

	factoriesMu.RLock()
	f, ok := factories[cfg.Type]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin %s: unknown type %q", cfg.Name, cfg.Type)
	}

	for _, pattern := range cfg.Routes {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("plugin %s: invalid route pattern %q", cfg.Name, pattern)
		}
	}

	priority := DefaultPriority
	if cfg.Priority != nil {
		priority = *cfg.Priority
	}
	p, err := f(NewBase(cfg.Name, phase, priority, cfg.Routes...), cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", cfg.Name, err)
	}
	return p, nil
}

// BuildRegistry creates a registry holding every configured plugin.
func BuildRegistry(cfgs []config.PluginConfig) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		p, err := Build(cfg)
		if err != nil {
			return nil, err
		}
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// decodeConfig converts a plugin's free-form config block into out.
func decodeConfig(raw map[string]any, out any) error {
	if len(raw) == 0 {
		return nil
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

func requestPhaseOnly(b Base) error {
	if b.Phase() == PostProxy {
		return fmt.Errorf("cannot run in phase %s", PostProxy)
	}
	return nil
}

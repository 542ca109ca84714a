package plugin

import (
	"context"
	"net/http"

	"github.com/wudi/gatekeeper/internal/proxy"
	"github.com/wudi/gatekeeper/internal/variables"
)

func init() {
	RegisterFactory("headers", newHeaders)
}

type headersConfig struct {
	Set    map[string]string `yaml:"set"`
	Add    map[string]string `yaml:"add"`
	Remove []string          `yaml:"remove"`
}

// headersPlugin edits request headers in request phases and response
// headers in PostProxy. Values may contain $variables.
type headersPlugin struct {
	Base
	cfg headersConfig
}

func newHeaders(base Base, raw map[string]any) (Plugin, error) {
	var cfg headersConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return &headersPlugin{Base: base, cfg: cfg}, nil
}

func (p *headersPlugin) apply(h http.Header, vars *variables.Context) {
	for _, name := range p.cfg.Remove {
		h.Del(name)
	}
	for name, value := range p.cfg.Set {
		h.Set(name, variables.Expand(value, vars))
	}
	for name, value := range p.cfg.Add {
		h.Add(name, variables.Expand(value, vars))
	}
}

func (p *headersPlugin) OnRequest(_ context.Context, req *http.Request, pc *Context) (*http.Request, *proxy.Response, error) {
	p.apply(req.Header, pc.Vars())
	return nil, nil, nil
}

func (p *headersPlugin) OnResponse(_ context.Context, resp *proxy.Response, pc *Context) (*proxy.Response, error) {
	if resp.Headers == nil {
		resp.Headers = make(http.Header)
	}
	p.apply(resp.Headers, pc.Vars())
	return nil, nil
}

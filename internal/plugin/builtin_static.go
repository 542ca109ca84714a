package plugin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/wudi/gatekeeper/internal/proxy"
)

func init() {
	RegisterFactory("static_response", newStaticResponse)
}

type staticResponseConfig struct {
	Status      int               `yaml:"status"`
	Body        string            `yaml:"body"`
	ContentType string            `yaml:"content_type"`
	Headers     map[string]string `yaml:"headers"`
}

// staticResponsePlugin answers every request it applies to without
// contacting the backend.
type staticResponsePlugin struct {
	Base
	status  int
	headers http.Header
	body    []byte
}

func newStaticResponse(base Base, raw map[string]any) (Plugin, error) {
	if err := requestPhaseOnly(base); err != nil {
		return nil, err
	}
	cfg := staticResponseConfig{Status: http.StatusOK, ContentType: "text/plain; charset=utf-8"}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Status < 100 || cfg.Status > 599 {
		return nil, fmt.Errorf("invalid status %d", cfg.Status)
	}

	headers := make(http.Header, len(cfg.Headers)+1)
	headers.Set("Content-Type", cfg.ContentType)
	for k, v := range cfg.Headers {
		headers.Set(k, v)
	}
	return &staticResponsePlugin{
		Base:    base,
		status:  cfg.Status,
		headers: headers,
		body:    []byte(cfg.Body),
	}, nil
}

func (p *staticResponsePlugin) OnRequest(_ context.Context, _ *http.Request, _ *Context) (*http.Request, *proxy.Response, error) {
	return nil, proxy.NewResponse(p.status, p.headers, p.body), nil
}

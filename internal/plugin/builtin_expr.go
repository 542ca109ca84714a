package plugin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/tidwall/gjson"

	"github.com/wudi/gatekeeper/internal/proxy"
)

func init() {
	RegisterFactory("expr_guard", newExprGuard)
}

type exprGuardConfig struct {
	Expression  string `yaml:"expression"`
	Reason      string `yaml:"reason"`
	MaxBodySize int64  `yaml:"max_body_size"`
}

// guardEnv is what a guard expression can see.
type guardEnv struct {
	Method   string            `expr:"method"`
	Path     string            `expr:"path"`
	Route    string            `expr:"route"`
	Host     string            `expr:"host"`
	Headers  map[string]string `expr:"headers"`
	Query    map[string]string `expr:"query"`
	ClientIP string            `expr:"client_ip"`
	ClientID string            `expr:"client_id"`
	Roles    []string          `expr:"roles"`
	// JSON reads a gjson path from the request body.
	JSON func(path string) any `expr:"json"`
}

// exprGuardPlugin rejects requests for which its boolean expression holds.
type exprGuardPlugin struct {
	Base
	expression  string
	program     *vm.Program
	reason      string
	maxBodySize int64
}

func newExprGuard(base Base, raw map[string]any) (Plugin, error) {
	if err := requestPhaseOnly(base); err != nil {
		return nil, err
	}
	cfg := exprGuardConfig{MaxBodySize: 1 << 20}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, fmt.Errorf("expression is required")
	}
	program, err := expr.Compile(cfg.Expression, expr.Env(guardEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}
	if cfg.Reason == "" {
		cfg.Reason = "request blocked by " + base.Name()
	}
	return &exprGuardPlugin{
		Base:        base,
		expression:  cfg.Expression,
		program:     program,
		reason:      cfg.Reason,
		maxBodySize: cfg.MaxBodySize,
	}, nil
}

func (p *exprGuardPlugin) OnRequest(_ context.Context, req *http.Request, pc *Context) (*http.Request, *proxy.Response, error) {
	env := p.env(req, pc)
	out, err := expr.Run(p.program, env)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluate %q: %w", p.expression, err)
	}
	if blocked, _ := out.(bool); blocked {
		return nil, nil, Reject(p.Name(), p.reason)
	}
	return nil, nil, nil
}

func (p *exprGuardPlugin) env(req *http.Request, pc *Context) guardEnv {
	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	query := make(map[string]string)
	for k, v := range req.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	env := guardEnv{
		Method:   req.Method,
		Path:     req.URL.Path,
		Route:    pc.Route,
		Host:     req.Host,
		Headers:  headers,
		Query:    query,
		ClientIP: pc.ClientIP,
	}
	if pc.Identity != nil {
		env.ClientID = pc.Identity.ClientID
		env.Roles = pc.Identity.Roles
	}

	var body []byte
	var loaded bool
	env.JSON = func(path string) any {
		if !loaded {
			body, loaded = p.peekBody(req), true
		}
		return gjson.GetBytes(body, path).Value()
	}
	return env
}

// peekBody reads up to maxBodySize bytes of the request body and puts them
// back in front of the unread remainder.
func (p *exprGuardPlugin) peekBody(req *http.Request) []byte {
	if req.Body == nil || req.Body == http.NoBody {
		return nil
	}
	buf, err := io.ReadAll(io.LimitReader(req.Body, p.maxBodySize))
	req.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), req.Body), req.Body}
	if err != nil {
		return nil
	}
	return buf
}

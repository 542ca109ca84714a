// Package plugin runs user-defined request and response hooks at fixed
// points of the proxy pipeline.
package plugin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wudi/gatekeeper/internal/auth"
	"github.com/wudi/gatekeeper/internal/proxy"
	"github.com/wudi/gatekeeper/internal/variables"
)

// Phase is a point in the pipeline where plugins run.
type Phase int

const (
	PreAuth Phase = iota
	PostAuth
	PreProxy
	PostProxy

	numPhases
)

var phaseNames = [numPhases]string{"pre_auth", "post_auth", "pre_proxy", "post_proxy"}

func (p Phase) String() string {
	if p < 0 || p >= numPhases {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// ParsePhase converts a configuration phase name.
func ParsePhase(s string) (Phase, error) {
	for i, name := range phaseNames {
		if name == s {
			return Phase(i), nil
		}
	}
	return 0, fmt.Errorf("unknown plugin phase %q", s)
}

// DefaultPriority is used when a plugin does not set one. Lower runs first.
const DefaultPriority = 100

// Plugin is a hook run by the Registry. OnRequest is called for plugins in
// the request phases: a non-nil request replaces the one passed on, a
// non-nil response short-circuits the pipeline. OnResponse is called for
// PostProxy plugins: a non-nil response replaces the current one.
type Plugin interface {
	Name() string
	Phase() Phase
	Priority() int
	AppliesTo(routePath string) bool
	OnRequest(ctx context.Context, req *http.Request, pc *Context) (*http.Request, *proxy.Response, error)
	OnResponse(ctx context.Context, resp *proxy.Response, pc *Context) (*proxy.Response, error)
}

// Base supplies the identity and default hooks of a plugin. Embed it and
// override what the plugin needs.
type Base struct {
	name     string
	phase    Phase
	priority int
	routes   []string
}

// NewBase creates a Base. No routes means every route.
func NewBase(name string, phase Phase, priority int, routes ...string) Base {
	return Base{name: name, phase: phase, priority: priority, routes: routes}
}

func (b Base) Name() string  { return b.name }
func (b Base) Phase() Phase  { return b.phase }
func (b Base) Priority() int { return b.priority }

// AppliesTo matches routePath against the configured doublestar globs.
func (b Base) AppliesTo(routePath string) bool {
	if len(b.routes) == 0 {
		return true
	}
	for _, pattern := range b.routes {
		if ok, _ := doublestar.Match(pattern, routePath); ok {
			return true
		}
	}
	return false
}

func (Base) OnRequest(_ context.Context, _ *http.Request, _ *Context) (*http.Request, *proxy.Response, error) {
	return nil, nil, nil
}

func (Base) OnResponse(_ context.Context, _ *proxy.Response, _ *Context) (*proxy.Response, error) {
	return nil, nil
}

// Context is the per-request state shared by every plugin of one request.
// It is only touched by the goroutine serving that request.
type Context struct {
	Route     string
	RequestID string
	ClientIP  string
	Identity  *auth.Identity // nil until authenticated
	Request   *http.Request  // the request as last passed on by a plugin
	Metadata  map[string]any
}

// NewContext creates the plugin context for one request.
func NewContext(route, requestID, clientIP string, req *http.Request) *Context {
	return &Context{
		Route:     route,
		RequestID: requestID,
		ClientIP:  clientIP,
		Request:   req,
		Metadata:  make(map[string]any),
	}
}

// Vars exposes the context to $variable expansion.
func (pc *Context) Vars() *variables.Context {
	v := &variables.Context{
		Request:   pc.Request,
		RequestID: pc.RequestID,
		Route:     pc.Route,
		ClientIP:  pc.ClientIP,
	}
	if pc.Identity != nil {
		v.ClientID = pc.Identity.ClientID
	}
	return v
}

// RejectedError makes a plugin's request hook end the pipeline with a 403
// carrying Reason.
type RejectedError struct {
	Plugin string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("plugin %s rejected request: %s", e.Plugin, e.Reason)
}

// Reject is shorthand for a *RejectedError.
func Reject(plugin, reason string) error {
	return &RejectedError{Plugin: plugin, Reason: reason}
}

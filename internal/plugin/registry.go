package plugin

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/proxy"
)

// Registry holds plugins grouped by phase, each group kept in ascending
// priority order. A Registry is built once per configuration snapshot and
// only read afterwards.
type Registry struct {
	phases [numPhases][]Plugin
	names  map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]bool)}
}

// Register adds p to its phase. Plugins with equal priority keep
// registration order.
func (r *Registry) Register(p Plugin) error {
	phase := p.Phase()
	if phase < 0 || phase >= numPhases {
		return fmt.Errorf("plugin %s: invalid phase %d", p.Name(), int(phase))
	}
	if r.names[p.Name()] {
		return fmt.Errorf("plugin %s already registered", p.Name())
	}
	r.names[p.Name()] = true

	list := r.phases[phase]
	i := sort.Search(len(list), func(i int) bool {
		return list[i].Priority() > p.Priority()
	})
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = p
	r.phases[phase] = list
	return nil
}

// Plugins returns the plugins of phase in execution order.
func (r *Registry) Plugins(phase Phase) []Plugin {
	if phase < 0 || phase >= numPhases {
		return nil
	}
	return r.phases[phase]
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	return len(r.names)
}

// RunRequest executes the request hooks of phase for pc.Route in order.
// It returns the request to continue with and, when a plugin
// short-circuits, the terminal response. A RejectedError becomes a 403
// response; any other error or panic is logged and the plugin skipped.
func (r *Registry) RunRequest(ctx context.Context, phase Phase, req *http.Request, pc *Context) (*http.Request, *proxy.Response) {
	for _, p := range r.Plugins(phase) {
		if !p.AppliesTo(pc.Route) {
			continue
		}
		pc.Request = req
		newReq, resp, err := safeOnRequest(ctx, p, req, pc)
		if err != nil {
			var rejected *RejectedError
			if stderrors.As(err, &rejected) {
				logging.Warn("request rejected by plugin",
					zap.String("plugin", p.Name()),
					zap.String("phase", phase.String()),
					zap.String("route", pc.Route),
					zap.String("request_id", pc.RequestID),
					zap.String("kind", string(errors.KindPluginRejected)),
					zap.String("reason", rejected.Reason),
				)
				ge := errors.ErrPluginRejected.WithDetails(rejected.Reason).WithRequestID(pc.RequestID)
				return req, proxy.ErrorResponse(ge)
			}
			logExecutionError(p, phase, pc, err)
			continue
		}
		if newReq != nil {
			req = newReq
		}
		if resp != nil {
			pc.Request = req
			return req, resp
		}
	}
	pc.Request = req
	return req, nil
}

// RunResponse executes the response hooks of phase in order. Errors and
// panics are logged and leave the response unchanged.
func (r *Registry) RunResponse(ctx context.Context, phase Phase, resp *proxy.Response, pc *Context) *proxy.Response {
	for _, p := range r.Plugins(phase) {
		if !p.AppliesTo(pc.Route) {
			continue
		}
		newResp, err := safeOnResponse(ctx, p, resp, pc)
		if err != nil {
			logExecutionError(p, phase, pc, err)
			continue
		}
		if newResp != nil {
			resp = newResp
		}
	}
	return resp
}

func safeOnRequest(ctx context.Context, p Plugin, req *http.Request, pc *Context) (newReq *http.Request, resp *proxy.Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			newReq, resp, err = nil, nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.OnRequest(ctx, req, pc)
}

func safeOnResponse(ctx context.Context, p Plugin, resp *proxy.Response, pc *Context) (newResp *proxy.Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			newResp, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.OnResponse(ctx, resp, pc)
}

func logExecutionError(p Plugin, phase Phase, pc *Context, err error) {
	logging.Warn("plugin execution failed",
		zap.String("plugin", p.Name()),
		zap.String("phase", phase.String()),
		zap.String("route", pc.Route),
		zap.String("request_id", pc.RequestID),
		zap.String("kind", string(errors.KindPluginExecution)),
		zap.Error(err),
	)
}

package plugin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/proxy"
)

// funcPlugin adapts closures to Plugin for tests.
type funcPlugin struct {
	Base
	onRequest  func(req *http.Request, pc *Context) (*http.Request, *proxy.Response, error)
	onResponse func(resp *proxy.Response, pc *Context) (*proxy.Response, error)
}

func (p *funcPlugin) OnRequest(_ context.Context, req *http.Request, pc *Context) (*http.Request, *proxy.Response, error) {
	if p.onRequest == nil {
		return nil, nil, nil
	}
	return p.onRequest(req, pc)
}

func (p *funcPlugin) OnResponse(_ context.Context, resp *proxy.Response, pc *Context) (*proxy.Response, error) {
	if p.onResponse == nil {
		return nil, nil
	}
	return p.onResponse(resp, pc)
}

// recorder appends the plugin name to pc.Metadata["order"].
func recorder(name string, phase Phase, priority int) *funcPlugin {
	return &funcPlugin{
		Base: NewBase(name, phase, priority),
		onRequest: func(_ *http.Request, pc *Context) (*http.Request, *proxy.Response, error) {
			order, _ := pc.Metadata["order"].([]string)
			pc.Metadata["order"] = append(order, name)
			return nil, nil, nil
		},
	}
}

func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, obs := observer.New(zapcore.DebugLevel)
	original := logging.Global()
	logging.SetGlobal(zap.New(core))
	t.Cleanup(func() { logging.SetGlobal(original) })
	return obs
}

func newPC(route string) *Context {
	return NewContext(route, "req-1", "10.0.0.1", nil)
}

func TestParsePhase(t *testing.T) {
	for _, p := range []Phase{PreAuth, PostAuth, PreProxy, PostProxy} {
		got, err := ParsePhase(p.String())
		if err != nil || got != p {
			t.Errorf("ParsePhase(%q) = %v, %v", p.String(), got, err)
		}
	}
	if _, err := ParsePhase("during"); err == nil {
		t.Error("expected error for unknown phase")
	}
}

func TestBaseDefaults(t *testing.T) {
	b := NewBase("b", PreProxy, 0)
	if b.Priority() != 0 {
		t.Errorf("Priority = %d, want 0", b.Priority())
	}
	if !b.AppliesTo("/anything") {
		t.Error("Base without routes should apply everywhere")
	}
	req, resp, err := b.OnRequest(context.Background(), nil, nil)
	if req != nil || resp != nil || err != nil {
		t.Error("Base.OnRequest should be a no-op")
	}
}

func TestBaseAppliesTo(t *testing.T) {
	b := NewBase("b", PreProxy, 10, "/api/**", "/admin")
	tests := []struct {
		route string
		want  bool
	}{
		{"/api/users", true},
		{"/api/v1/users", true},
		{"/admin", true},
		{"/admin/x", false},
		{"/public", false},
	}
	for _, tt := range tests {
		if got := b.AppliesTo(tt.route); got != tt.want {
			t.Errorf("AppliesTo(%q) = %v, want %v", tt.route, got, tt.want)
		}
	}
}

func TestRegistryOrdering(t *testing.T) {
	r := NewRegistry()
	for _, p := range []Plugin{
		recorder("c", PreProxy, 30),
		recorder("a", PreProxy, 10),
		recorder("b1", PreProxy, 20),
		recorder("b2", PreProxy, 20),
		recorder("zero", PreProxy, 0),
		recorder("other-phase", PreAuth, 1),
	} {
		if err := r.Register(p); err != nil {
			t.Fatalf("Register(%s): %v", p.Name(), err)
		}
	}

	pc := newPC("/api")
	_, resp := r.RunRequest(context.Background(), PreProxy, httptest.NewRequest("GET", "/api", nil), pc)
	if resp != nil {
		t.Fatal("unexpected short-circuit")
	}

	got := pc.Metadata["order"].([]string)
	want := []string{"zero", "a", "b1", "b2", "c"}
	if len(got) != len(want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if r.Len() != 6 {
		t.Errorf("Len = %d, want 6", r.Len())
	}
}

func TestRegistryDuplicateName(t *testing.T) {
	r := NewRegistry()
	r.Register(recorder("x", PreAuth, 1))
	if err := r.Register(recorder("x", PostAuth, 1)); err == nil {
		t.Error("expected duplicate name error")
	}
}

func TestRegistryShortCircuit(t *testing.T) {
	r := NewRegistry()
	short := &funcPlugin{
		Base: NewBase("short", PreProxy, 10),
		onRequest: func(_ *http.Request, _ *Context) (*http.Request, *proxy.Response, error) {
			return nil, proxy.NewResponse(http.StatusTeapot, nil, []byte("short")), nil
		},
	}
	r.Register(short)
	r.Register(recorder("later", PreProxy, 20))

	pc := newPC("/api")
	_, resp := r.RunRequest(context.Background(), PreProxy, httptest.NewRequest("GET", "/api", nil), pc)
	if resp == nil || resp.StatusCode != http.StatusTeapot {
		t.Fatalf("resp = %+v, want 418 short-circuit", resp)
	}
	if _, ran := pc.Metadata["order"]; ran {
		t.Error("plugin after the short-circuit ran")
	}
}

func TestRegistryRequestReplacement(t *testing.T) {
	r := NewRegistry()
	r.Register(&funcPlugin{
		Base: NewBase("rewrite", PreAuth, 1),
		onRequest: func(req *http.Request, _ *Context) (*http.Request, *proxy.Response, error) {
			out := req.Clone(req.Context())
			out.Header.Set("X-Rewritten", "1")
			return out, nil, nil
		},
	})
	var seen string
	r.Register(&funcPlugin{
		Base: NewBase("check", PreAuth, 2),
		onRequest: func(req *http.Request, _ *Context) (*http.Request, *proxy.Response, error) {
			seen = req.Header.Get("X-Rewritten")
			return nil, nil, nil
		},
	})

	pc := newPC("/")
	out, _ := r.RunRequest(context.Background(), PreAuth, httptest.NewRequest("GET", "/", nil), pc)
	if out.Header.Get("X-Rewritten") != "1" || seen != "1" {
		t.Error("replacement request not passed on")
	}
	if pc.Request != out {
		t.Error("context does not hold the final request")
	}
}

func TestRegistryRejected(t *testing.T) {
	obs := observeLogs(t)
	r := NewRegistry()
	r.Register(&funcPlugin{
		Base: NewBase("guard", PreAuth, 1),
		onRequest: func(_ *http.Request, _ *Context) (*http.Request, *proxy.Response, error) {
			return nil, nil, Reject("guard", "no entry")
		},
	})
	r.Register(recorder("after", PreAuth, 2))

	pc := newPC("/api")
	_, resp := r.RunRequest(context.Background(), PreAuth, httptest.NewRequest("GET", "/api", nil), pc)
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("resp = %+v, want 403", resp)
	}
	if _, ran := pc.Metadata["order"]; ran {
		t.Error("plugin after the rejection ran")
	}
	if got := obs.FilterMessage("request rejected by plugin").Len(); got != 1 {
		t.Errorf("rejection logged %d times, want 1", got)
	}
}

func TestRegistryErrorAndPanicAreNoOps(t *testing.T) {
	obs := observeLogs(t)
	r := NewRegistry()
	r.Register(&funcPlugin{
		Base: NewBase("failing", PreProxy, 1),
		onRequest: func(_ *http.Request, _ *Context) (*http.Request, *proxy.Response, error) {
			return nil, proxy.NewResponse(500, nil, nil), errors.New("boom")
		},
	})
	r.Register(&funcPlugin{
		Base: NewBase("panicking", PreProxy, 2),
		onRequest: func(_ *http.Request, _ *Context) (*http.Request, *proxy.Response, error) {
			panic("bad plugin")
		},
	})
	r.Register(recorder("survivor", PreProxy, 3))

	pc := newPC("/api")
	_, resp := r.RunRequest(context.Background(), PreProxy, httptest.NewRequest("GET", "/api", nil), pc)
	if resp != nil {
		t.Errorf("resp = %+v, want nil (errors are no-ops)", resp)
	}
	if order, _ := pc.Metadata["order"].([]string); len(order) != 1 || order[0] != "survivor" {
		t.Errorf("order = %v, want [survivor]", order)
	}

	entries := obs.FilterMessage("plugin execution failed").All()
	if len(entries) != 2 {
		t.Fatalf("logged %d execution failures, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Level != zapcore.WarnLevel {
			t.Errorf("level = %v, want warn", e.Level)
		}
		if e.ContextMap()["kind"] != "plugin_execution" {
			t.Errorf("kind = %v, want plugin_execution", e.ContextMap()["kind"])
		}
	}
}

func TestRegistryRouteFilter(t *testing.T) {
	r := NewRegistry()
	p := recorder("api-only", PreProxy, 1)
	p.Base = NewBase("api-only", PreProxy, 1, "/api/**")
	r.Register(p)

	pc := newPC("/public")
	r.RunRequest(context.Background(), PreProxy, httptest.NewRequest("GET", "/public", nil), pc)
	if _, ran := pc.Metadata["order"]; ran {
		t.Error("plugin ran on a route outside its globs")
	}
}

func TestRegistryRunResponse(t *testing.T) {
	obs := observeLogs(t)
	r := NewRegistry()
	r.Register(&funcPlugin{
		Base: NewBase("second", PostProxy, 20),
		onResponse: func(resp *proxy.Response, _ *Context) (*proxy.Response, error) {
			resp.Headers.Add("X-Order", "second")
			return nil, nil
		},
	})
	r.Register(&funcPlugin{
		Base: NewBase("first", PostProxy, 10),
		onResponse: func(resp *proxy.Response, _ *Context) (*proxy.Response, error) {
			resp.Headers.Add("X-Order", "first")
			return nil, nil
		},
	})
	r.Register(&funcPlugin{
		Base: NewBase("broken", PostProxy, 15),
		onResponse: func(_ *proxy.Response, _ *Context) (*proxy.Response, error) {
			return nil, errors.New("broken")
		},
	})
	r.Register(&funcPlugin{
		Base: NewBase("replace", PostProxy, 30),
		onResponse: func(resp *proxy.Response, _ *Context) (*proxy.Response, error) {
			out := proxy.NewResponse(resp.StatusCode, resp.Headers, []byte("replaced"))
			return out, nil
		},
	})

	in := proxy.NewResponse(200, nil, []byte("orig"))
	out := r.RunResponse(context.Background(), PostProxy, in, newPC("/"))

	got := out.Headers.Values("X-Order")
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("X-Order = %v, want [first second]", got)
	}
	if string(out.Body) != "replaced" {
		t.Errorf("body = %q, want replaced", out.Body)
	}
	if obs.FilterMessage("plugin execution failed").Len() != 1 {
		t.Error("response hook error not logged")
	}
}

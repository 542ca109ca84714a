package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/router"
)

func testRoute(t *testing.T, path, dest string, strip bool) *router.Route {
	t.Helper()
	rt, err := router.New([]config.RouteConfig{{
		Path:         path,
		Destinations: []string{dest},
		StripPrefix:  &strip,
	}})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	route, ok := rt.Get(path)
	if !ok {
		t.Fatalf("route %s not found", path)
	}
	return route
}

func TestTargetURL(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		dest   string
		strip  bool
		reqURL string
		want   string
	}{
		{"strip prefix", "/api", "http://backend:8080", true, "/api/users", "http://backend:8080/users"},
		{"strip prefix exact", "/api", "http://backend:8080", true, "/api", "http://backend:8080/"},
		{"strip prefix keeps query", "/api", "http://backend:8080", true, "/api/users?id=1&b=2", "http://backend:8080/users?id=1&b=2"},
		{"destination base path", "/api", "http://backend:8080/v1", true, "/api/users", "http://backend:8080/v1/users"},
		{"destination base path exact", "/api", "http://backend:8080/v1", true, "/api", "http://backend:8080/v1"},
		{"no strip", "/api", "http://backend:8080", false, "/api/users", "http://backend:8080/api/users"},
		{"root route", "/", "http://backend:8080", true, "/x/y", "http://backend:8080/x/y"},
		{"trailing slash kept", "/api", "http://backend:8080", true, "/api/users/", "http://backend:8080/users/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			route := testRoute(t, tt.path, tt.dest, tt.strip)
			req := httptest.NewRequest("GET", tt.reqURL, nil)
			if got := TargetURL(req, route).String(); got != tt.want {
				t.Errorf("TargetURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestForward(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Backend", "yes")
		json.NewEncoder(w).Encode(map[string]string{
			"path":   r.URL.Path,
			"query":  r.URL.RawQuery,
			"method": r.Method,
			"body":   string(body),
		})
	}))
	defer backend.Close()

	f := NewForwarder(Config{})
	route := testRoute(t, "/api", backend.URL, true)

	req := httptest.NewRequest("POST", "/api/users?page=2", strings.NewReader("payload"))
	resp, err := f.Forward(req, route, "req-1", time.Second)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Headers.Get("X-Backend") != "yes" {
		t.Error("backend header not carried")
	}

	var got map[string]string
	if err := json.Unmarshal(resp.Body, &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	want := map[string]string{"path": "/users", "query": "page=2", "method": "POST", "body": "payload"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestForwardHeaders(t *testing.T) {
	var received http.Header
	var receivedHost string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received = r.Header.Clone()
		receivedHost = r.Host
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := NewForwarder(Config{RequestIDHeader: "X-Correlation-ID"})
	route := testRoute(t, "/", backend.URL, true)

	req := httptest.NewRequest("GET", "http://gateway.example/x", nil)
	req.RemoteAddr = "192.0.2.10:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.1")
	req.Header.Set("Connection", "X-Secret")
	req.Header.Set("X-Secret", "hop")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	req.Header.Set("X-Custom", "kept")

	if _, err := f.Forward(req, route, "abc-123", time.Second); err != nil {
		t.Fatalf("Forward() error = %v", err)
	}

	if got := received.Get("X-Forwarded-For"); got != "203.0.113.1, 192.0.2.10" {
		t.Errorf("X-Forwarded-For = %q", got)
	}
	if got := received.Get("X-Forwarded-Proto"); got != "http" {
		t.Errorf("X-Forwarded-Proto = %q, want http", got)
	}
	if got := received.Get("X-Forwarded-Host"); got != "gateway.example" {
		t.Errorf("X-Forwarded-Host = %q, want gateway.example", got)
	}
	if got := received.Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("correlation header = %q, want abc-123", got)
	}
	if received.Get("X-Secret") != "" || received.Get("Proxy-Authorization") != "" {
		t.Error("hop-by-hop request headers were forwarded")
	}
	if received.Get("X-Custom") != "kept" {
		t.Error("end-to-end header dropped")
	}
	if !strings.HasPrefix(backend.URL, "http://"+receivedHost) {
		t.Errorf("Host = %q, want backend host", receivedHost)
	}
}

func TestRemoveHopHeaders(t *testing.T) {
	h := http.Header{
		"Connection":        {"X-Drop, Keep-Alive"},
		"X-Drop":            {"1"},
		"Keep-Alive":        {"timeout=5"},
		"Transfer-Encoding": {"chunked"},
		"Upgrade":           {"h2c"},
		"Content-Type":      {"text/plain"},
	}
	removeHopHeaders(h)

	for _, name := range []string{"Connection", "X-Drop", "Keep-Alive", "Transfer-Encoding", "Upgrade"} {
		if h.Get(name) != "" {
			t.Errorf("%s not removed", name)
		}
	}
	if h.Get("Content-Type") != "text/plain" {
		t.Error("end-to-end header removed")
	}
}

func TestForwardBackendStatusPassthrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusFound)
	}))
	defer backend.Close()

	f := NewForwarder(Config{})
	resp, err := f.Forward(httptest.NewRequest("GET", "/a", nil), testRoute(t, "/", backend.URL, true), "", time.Second)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("status = %d, want 302 (redirects are not followed)", resp.StatusCode)
	}
}

func TestForwardTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()

	f := NewForwarder(Config{})
	_, err := f.Forward(httptest.NewRequest("GET", "/", nil), testRoute(t, "/", backend.URL, true), "", 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestForwardConnectionRefused(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	f := NewForwarder(Config{})
	if _, err := f.Forward(httptest.NewRequest("GET", "/", nil), testRoute(t, "/", url, true), "", time.Second); err == nil {
		t.Error("expected error for closed backend")
	}
}

func TestResponseWrite(t *testing.T) {
	resp := NewResponse(http.StatusCreated, http.Header{
		"Content-Type":   {"text/plain"},
		"Content-Length": {"999"},
	}, []byte("hello"))

	rr := httptest.NewRecorder()
	if err := resp.Write(rr, http.MethodGet); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if rr.Code != http.StatusCreated {
		t.Errorf("status = %d, want 201", rr.Code)
	}
	if rr.Body.String() != "hello" {
		t.Errorf("body = %q, want hello", rr.Body.String())
	}
	if got := rr.Header().Get("Content-Length"); got != "5" {
		t.Errorf("Content-Length = %q, want 5", got)
	}

	rr = httptest.NewRecorder()
	resp.Write(rr, http.MethodHead)
	if rr.Body.Len() != 0 {
		t.Errorf("HEAD wrote a body: %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	NewResponse(http.StatusNoContent, nil, []byte("ignored")).Write(rr, http.MethodGet)
	if rr.Body.Len() != 0 {
		t.Errorf("204 wrote a body: %q", rr.Body.String())
	}
}

func TestNewResponseCopiesHeaders(t *testing.T) {
	h := http.Header{"X-A": {"1"}}
	resp := NewResponse(200, h, nil)
	h.Set("X-A", "2")
	if resp.Headers.Get("X-A") != "1" {
		t.Error("response shares the caller's header map")
	}
}

package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/router"
)

func TestIsUpgradeRequest(t *testing.T) {
	tests := []struct {
		name       string
		connection string
		upgrade    string
		want       bool
	}{
		{"valid websocket", "Upgrade", "websocket", true},
		{"case insensitive", "upgrade", "WebSocket", true},
		{"keep-alive, upgrade", "keep-alive, Upgrade", "websocket", true},
		{"no connection header", "", "websocket", false},
		{"no upgrade header", "Upgrade", "", false},
		{"wrong upgrade", "Upgrade", "h2c", false},
		{"no headers", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.connection != "" {
				req.Header.Set("Connection", tt.connection)
			}
			if tt.upgrade != "" {
				req.Header.Set("Upgrade", tt.upgrade)
			}

			got := IsUpgradeRequest(req)
			if got != tt.want {
				t.Errorf("IsUpgradeRequest() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewProxyDefaults(t *testing.T) {
	p := NewProxy(config.WebSocketConfig{})

	if p.readBufferSize != 4096 {
		t.Errorf("expected readBufferSize 4096, got %d", p.readBufferSize)
	}
	if p.writeBufferSize != 4096 {
		t.Errorf("expected writeBufferSize 4096, got %d", p.writeBufferSize)
	}
	if p.dialTimeout != 10*time.Second {
		t.Errorf("expected dialTimeout 10s, got %v", p.dialTimeout)
	}
}

func testRoute(t *testing.T, path, dest string) *router.Route {
	t.Helper()
	rt, err := router.New([]config.RouteConfig{{Path: path, Destinations: []string{dest}}})
	if err != nil {
		t.Fatalf("router.New: %v", err)
	}
	route, _ := rt.Get(path)
	return route
}

func TestBackendURL(t *testing.T) {
	tests := []struct {
		dest   string
		reqURL string
		want   string
	}{
		{"http://backend:8080", "/ws/chat?room=1", "ws://backend:8080/chat?room=1"},
		{"https://backend", "/ws", "wss://backend/"},
		{"ws://backend:9000/base", "/ws/x", "ws://backend:9000/base/x"},
	}
	for _, tt := range tests {
		route := testRoute(t, "/ws", tt.dest)
		if got := BackendURL(route, httptest.NewRequest("GET", tt.reqURL, nil)); got != tt.want {
			t.Errorf("BackendURL(%s, %s) = %q, want %q", tt.dest, tt.reqURL, got, tt.want)
		}
	}
}

func TestBackendHeader(t *testing.T) {
	req := httptest.NewRequest("GET", "http://gw.example/ws", nil)
	req.RemoteAddr = "192.0.2.1:4000"
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Key", "abc")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Protocol", "chat")
	req.Header.Set("Authorization", "Bearer t")

	h := BackendHeader(req, "X-Request-ID", "req-1")
	for _, dropped := range []string{"Connection", "Upgrade", "Sec-WebSocket-Key", "Sec-WebSocket-Version"} {
		if h.Get(dropped) != "" {
			t.Errorf("%s copied to backend handshake", dropped)
		}
	}
	if h.Get("Sec-WebSocket-Protocol") != "chat" || h.Get("Authorization") != "Bearer t" {
		t.Errorf("end-to-end headers missing: %v", h)
	}
	if h.Get("X-Forwarded-For") != "192.0.2.1" || h.Get("X-Request-ID") != "req-1" {
		t.Errorf("forwarding headers = %v", h)
	}
}

// echoBackend echoes every data frame and answers pings with pongs.
func echoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// relayFront serves Dial + Serve on a test server and reports Serve's
// result on the returned channel.
func relayFront(t *testing.T, backend string) (string, <-chan error) {
	t.Helper()
	p := NewProxy(config.WebSocketConfig{})
	done := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, err := p.Dial(r.Context(), backend, BackendHeader(r, "", ""))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			done <- err
			return
		}
		done <- p.Serve(w, r, conn, nil)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), done
}

func TestRelayFrames(t *testing.T) {
	backend := echoBackend(t)
	front, done := relayFront(t, "ws"+strings.TrimPrefix(backend.URL, "http"))

	client, _, err := websocket.DefaultDialer.Dial(front, nil)
	if err != nil {
		t.Fatalf("dial front: %v", err)
	}
	defer client.Close()

	frames := []struct {
		mt   int
		data string
	}{
		{websocket.TextMessage, "hello"},
		{websocket.BinaryMessage, "\x00\x01\x02"},
		{websocket.TextMessage, strings.Repeat("x", 10000)},
	}
	for _, f := range frames {
		if err := client.WriteMessage(f.mt, []byte(f.data)); err != nil {
			t.Fatalf("write: %v", err)
		}
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		mt, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if mt != f.mt || string(data) != f.data {
			t.Errorf("echo = (%d, %d bytes), want (%d, %d bytes)", mt, len(data), f.mt, len(f.data))
		}
	}

	client.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil after close frame", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not end after close frame")
	}
}

func TestRelayPingPong(t *testing.T) {
	backend := echoBackend(t)
	front, _ := relayFront(t, "ws"+strings.TrimPrefix(backend.URL, "http"))

	client, _, err := websocket.DefaultDialer.Dial(front, nil)
	if err != nil {
		t.Fatalf("dial front: %v", err)
	}
	defer client.Close()

	pong := make(chan string, 1)
	client.SetPongHandler(func(data string) error {
		pong <- data
		return nil
	})
	go func() {
		for {
			if _, _, err := client.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := client.WriteControl(websocket.PingMessage, []byte("are-you-there"), time.Now().Add(time.Second)); err != nil {
		t.Fatalf("ping: %v", err)
	}
	select {
	case got := <-pong:
		if got != "are-you-there" {
			t.Errorf("pong payload = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pong not relayed back")
	}
}

func TestRelayBackendClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"))
		conn.Close()
	}))
	defer backend.Close()
	front, done := relayFront(t, "ws"+strings.TrimPrefix(backend.URL, "http"))

	client, _, err := websocket.DefaultDialer.Dial(front, nil)
	if err != nil {
		t.Fatalf("dial front: %v", err)
	}
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("client read err = %v, want going-away close", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not end after backend close")
	}
}

func TestDialFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	p := NewProxy(config.WebSocketConfig{DialTimeout: time.Second})
	if _, _, err := p.Dial(context.Background(), url, nil); err == nil {
		t.Error("expected dial error for closed backend")
	}
}

package websocket

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/gatekeeper/internal/config"
	"github.com/wudi/gatekeeper/internal/proxy"
	"github.com/wudi/gatekeeper/internal/router"
)

// errClosed ends a relay direction after a close frame was forwarded.
var errClosed = errors.New("websocket closed")

const writeWait = 5 * time.Second

// Proxy relays WebSocket frames between an upgraded client connection and
// a backend connection.
type Proxy struct {
	readBufferSize  int
	writeBufferSize int
	dialTimeout     time.Duration
}

// NewProxy creates a new WebSocket proxy
func NewProxy(cfg config.WebSocketConfig) *Proxy {
	readBuf := cfg.ReadBufferSize
	if readBuf <= 0 {
		readBuf = 4096
	}

	writeBuf := cfg.WriteBufferSize
	if writeBuf <= 0 {
		writeBuf = 4096
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	return &Proxy{
		readBufferSize:  readBuf,
		writeBufferSize: writeBuf,
		dialTimeout:     dialTimeout,
	}
}

// IsUpgradeRequest checks if the request is a WebSocket upgrade request
func IsUpgradeRequest(r *http.Request) bool {
	connection := strings.ToLower(r.Header.Get("Connection"))
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))

	return strings.Contains(connection, "upgrade") && upgrade == "websocket"
}

// BackendURL returns the backend WebSocket URL for r: the route's first
// destination with http mapped to ws and https to wss, and the same path
// rewriting as plain HTTP forwarding.
func BackendURL(route *router.Route, r *http.Request) string {
	u := proxy.TargetURL(r, route)
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

// handshakeHeaders are set by the dialer itself and must not be copied.
var handshakeHeaders = map[string]bool{
	"Upgrade":                  true,
	"Connection":               true,
	"Sec-Websocket-Key":        true,
	"Sec-Websocket-Version":    true,
	"Sec-Websocket-Extensions": true,
	"Host":                     true,
	"Keep-Alive":               true,
	"Proxy-Connection":         true,
	"Proxy-Authorization":      true,
	"Te":                       true,
	"Trailer":                  true,
	"Transfer-Encoding":        true,
}

// BackendHeader builds the handshake headers sent to the backend: the
// client's end-to-end headers plus forwarding and correlation headers.
func BackendHeader(r *http.Request, requestIDHeader, requestID string) http.Header {
	h := make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		if handshakeHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		h[k] = append([]string(nil), vv...)
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			host = prior + ", " + host
		}
		h.Set("X-Forwarded-For", host)
	}
	h.Set("X-Forwarded-Host", r.Host)
	if requestIDHeader != "" && requestID != "" {
		h.Set(requestIDHeader, requestID)
	}
	return h
}

// Dial opens the backend connection. A failure here means the backend is
// unavailable and nothing has been written to the client yet.
func (p *Proxy) Dial(ctx context.Context, target string, header http.Header) (*websocket.Conn, *http.Response, error) {
	d := websocket.Dialer{
		ReadBufferSize:   p.readBufferSize,
		WriteBufferSize:  p.writeBufferSize,
		HandshakeTimeout: p.dialTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	return d.DialContext(ctx, target, header)
}

// Serve upgrades the client connection and relays frames until either side
// closes. header is added to the 101 response. backend is closed on return.
// The error is nil when the relay ended with a close frame.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, backend *websocket.Conn, header http.Header) error {
	defer backend.Close()

	upgrader := websocket.Upgrader{
		ReadBufferSize:  p.readBufferSize,
		WriteBufferSize: p.writeBufferSize,
		// Origin policy belongs to the backend, which sees the header.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	respHeader := header.Clone()
	if sub := backend.Subprotocol(); sub != "" {
		if respHeader == nil {
			respHeader = make(http.Header)
		}
		respHeader.Set("Sec-Websocket-Protocol", sub)
	}
	client, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		return err
	}
	defer client.Close()

	return relay(r.Context(), client, backend)
}

// relay copies frames in both directions. The first direction to end
// cancels the group, which closes both connections and unblocks the other.
func relay(ctx context.Context, client, backend *websocket.Conn) error {
	g, ctx := errgroup.WithContext(ctx)

	forwardControl(client, backend)
	forwardControl(backend, client)

	g.Go(func() error { return copyFrames(backend, client) })
	g.Go(func() error { return copyFrames(client, backend) })
	g.Go(func() error {
		<-ctx.Done()
		client.Close()
		backend.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errClosed) {
		return nil
	}
	return err
}

// forwardControl relays ping and pong frames read from src to dst.
// WriteControl may run concurrently with the data writer on dst.
func forwardControl(src, dst *websocket.Conn) {
	src.SetPingHandler(func(data string) error {
		return dst.WriteControl(websocket.PingMessage, []byte(data), time.Now().Add(writeWait))
	})
	src.SetPongHandler(func(data string) error {
		return dst.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
}

// copyFrames forwards text and binary messages from src to dst. It always
// returns a non-nil error so the relay group is cancelled.
func copyFrames(dst, src *websocket.Conn) error {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				dst.WriteControl(websocket.CloseMessage, closePayload(ce), time.Now().Add(writeWait))
				return errClosed
			}
			return err
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			return err
		}
	}
}

// closePayload rebuilds a close frame; codes that must never be sent on
// the wire are mapped to going-away.
func closePayload(ce *websocket.CloseError) []byte {
	switch ce.Code {
	case websocket.CloseNoStatusReceived:
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	}
	return websocket.FormatCloseMessage(ce.Code, ce.Text)
}

package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wudi/gatekeeper/internal/router"
	"github.com/wudi/gatekeeper/internal/tracing"
)

// Forwarder sends requests to a route's destination and buffers the reply.
// It never retries.
type Forwarder struct {
	transport       http.RoundTripper
	requestIDHeader string
	defaultTimeout  time.Duration
}

// Config holds forwarder configuration
type Config struct {
	Transport       http.RoundTripper
	RequestIDHeader string
	DefaultTimeout  time.Duration
}

// NewForwarder creates a forwarder. A nil transport uses DefaultTransport.
func NewForwarder(cfg Config) *Forwarder {
	transport := cfg.Transport
	if transport == nil {
		transport = DefaultTransport()
	}
	header := cfg.RequestIDHeader
	if header == "" {
		header = "X-Request-ID"
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Forwarder{
		transport:       transport,
		requestIDHeader: header,
		defaultTimeout:  timeout,
	}
}

// Forward sends r to the route's destination and returns the buffered
// backend response. The backend call runs under r's context bounded by
// timeout (the forwarder default when zero). Transport and timeout errors
// are returned as is; classification is up to the caller.
func (f *Forwarder) Forward(r *http.Request, route *router.Route, requestID string, timeout time.Duration) (*Response, error) {
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	outReq := f.outboundRequest(ctx, r, route, requestID)
	resp, err := f.transport.RoundTrip(outReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := NewResponse(resp.StatusCode, resp.Header, body)
	removeHopHeaders(out.Headers)
	return out, nil
}

// TargetURL returns the backend URL for r on route: the destination joined
// with the forwarded path, plus the raw query.
func TargetURL(r *http.Request, route *router.Route) *url.URL {
	dest := route.Destination()
	target := *dest

	if rest := route.ForwardPath(r.URL.Path); rest != "" {
		target.Path = singleJoiningSlash(dest.Path, rest)
	} else if target.Path == "" {
		target.Path = "/"
	}
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery
	return &target
}

// outboundRequest builds the request sent to the backend.
func (f *Forwarder) outboundRequest(ctx context.Context, r *http.Request, route *router.Route, requestID string) *http.Request {
	target := TargetURL(r, route)

	outReq := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)
	if r.ContentLength == 0 {
		outReq.Body = nil
	}

	// +4 for X-Forwarded-For/Proto/Host and the request id
	outReq.Header = make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		outReq.Header[k] = append([]string(nil), vv...)
	}
	removeHopHeaders(outReq.Header)

	if clientIP, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
			outReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			outReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		outReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		outReq.Header.Set("X-Forwarded-Proto", "http")
	}
	outReq.Header.Set("X-Forwarded-Host", r.Host)

	if requestID != "" {
		outReq.Header.Set(f.requestIDHeader, requestID)
	}
	tracing.InjectHeaders(ctx, outReq.Header)
	return outReq
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// removeHopHeaders drops the standard hop-by-hop headers and any header
// named in Connection.
func removeHopHeaders(header http.Header) {
	for _, v := range header["Connection"] {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

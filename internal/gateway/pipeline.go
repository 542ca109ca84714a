package gateway

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/auth"
	"github.com/wudi/gatekeeper/internal/cache"
	"github.com/wudi/gatekeeper/internal/circuitbreaker"
	"github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/middleware/realip"
	"github.com/wudi/gatekeeper/internal/plugin"
	"github.com/wudi/gatekeeper/internal/proxy"
	"github.com/wudi/gatekeeper/internal/tracing"
	"github.com/wudi/gatekeeper/internal/websocket"
)

// maxRequestIDLen bounds a trusted incoming correlation id.
const maxRequestIDLen = 128

// ServeHTTP runs one request through the pipeline against a single
// configuration snapshot.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	st := g.state.Load()
	g.metrics.RequestStarted()

	requestID := st.requestID(r)
	clientIP := st.clientIP.Extract(r)
	r = r.WithContext(realip.WithIP(r.Context(), clientIP))
	r, span := g.tracer.StartRequest(w, r)

	routePath, status := g.serve(w, r, st, requestID, clientIP)

	tracing.Finish(span, routePath, requestID, status)
	g.metrics.RequestFinished(routePath, status, time.Since(start))
}

// serve writes the response for r and returns the matched route path and
// the status sent.
func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, st *gatewayState, requestID, clientIP string) (string, int) {
	route, ok := st.router.Match(r.URL.Path)
	if !ok {
		ge := errors.ErrRouteNotFound.WithRequestID(requestID)
		logFailure(ge, requestID, "", r)
		w.Header().Set(st.requestIDHeader, requestID)
		ge.WriteJSON(w)
		return "", ge.Code
	}
	rs := st.routes[route.Path]

	if rs.ws != nil && websocket.IsUpgradeRequest(r) {
		return route.Path, g.serveWebSocket(w, r, st, rs, requestID, clientIP)
	}

	pc := plugin.NewContext(route.Path, requestID, clientIP, r)
	resp := g.process(r.Context(), st, rs, r, pc)
	resp = st.plugins.RunResponse(r.Context(), plugin.PostProxy, resp, pc)

	resp.Headers.Set(st.requestIDHeader, requestID)
	if err := resp.Write(w, r.Method); err != nil {
		logging.Debug("client write failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
	return route.Path, resp.StatusCode
}

// process runs every stage up to and including the backend call. Every
// outcome is returned as a response so PostProxy plugins see it.
func (g *Gateway) process(ctx context.Context, st *gatewayState, rs *routeState, r *http.Request, pc *plugin.Context) *proxy.Response {
	var short *proxy.Response

	if r, short = st.plugins.RunRequest(ctx, plugin.PreAuth, r, pc); short != nil {
		return short
	}

	if rs.authn != nil {
		id, err := rs.authn.Authenticate(r)
		if err != nil {
			return g.fail(pc, r, authError(err))
		}
		if err := auth.RequireRoles(id, rs.roles); err != nil {
			return g.fail(pc, r, authError(err))
		}
		pc.Identity = id
	}

	if r, short = st.plugins.RunRequest(ctx, plugin.PostAuth, r, pc); short != nil {
		return short
	}

	if rs.limiter != nil && !rs.limiter.TryAcquire(ctx, rs.limiter.Key(clientID(pc), pc.ClientIP)) {
		g.metrics.RateLimited()
		return g.fail(pc, r, errors.ErrRateLimited)
	}

	var ticket circuitbreaker.Ticket
	if rs.breaker != nil {
		t, err := rs.breaker.Allow()
		if err != nil {
			return g.fail(pc, r, errors.Wrap(err, errors.ErrServiceUnavailable))
		}
		ticket = t
	}
	// release hands an unused ticket back when no backend call is made.
	release := func() {
		if rs.breaker != nil {
			rs.breaker.Release(ticket)
		}
	}

	var cacheKey string
	if rs.cache != nil && rs.cache.ShouldCache(r) {
		cacheKey = cache.KeyFor(r)
		if entry, ok := rs.cache.Lookup(cacheKey); ok {
			g.metrics.CacheHit()
			release()
			return proxy.NewResponse(entry.StatusCode, entry.Headers, entry.Body)
		}
		g.metrics.CacheMiss()
	}

	if r, short = st.plugins.RunRequest(ctx, plugin.PreProxy, r, pc); short != nil {
		release()
		return short
	}

	maxBody := rs.route.Config.MaxBodySize
	if maxBody > 0 && r.ContentLength > maxBody {
		release()
		return g.fail(pc, r, errors.ErrRequestTooLarge)
	}
	if maxBody > 0 && r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(nil, r.Body, maxBody)
	}

	resp, err := st.forwarder.Forward(r, rs.route, pc.RequestID, rs.route.Config.Timeout)

	// A client that went away gets no outcome recorded and nothing cached.
	if ctx.Err() != nil {
		release()
		return g.fail(pc, r, errors.Wrap(ctx.Err(), errors.ErrBadGateway).WithDetails("client disconnected"))
	}

	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			release()
			return g.fail(pc, r, errors.ErrRequestTooLarge)
		}
		if rs.breaker != nil {
			rs.breaker.Record(ticket, false)
		}
		if circuitbreaker.IsTimeout(err) {
			return g.fail(pc, r, errors.Wrap(err, errors.ErrGatewayTimeout))
		}
		return g.fail(pc, r, errors.Wrap(err, errors.ErrBadGateway))
	}

	if rs.breaker != nil {
		rs.breaker.Record(ticket, !circuitbreaker.IsFailure(resp.StatusCode, nil))
	}
	if cacheKey != "" && rs.cache.ShouldStore(resp.StatusCode, resp.Headers, len(resp.Body)) {
		rs.cache.Store(cacheKey, resp.StatusCode, resp.Headers, resp.Body)
	}
	return resp
}

// fail logs a gateway error at the level its kind prescribes and renders it.
func (g *Gateway) fail(pc *plugin.Context, r *http.Request, ge *errors.GatewayError) *proxy.Response {
	ge = ge.WithRequestID(pc.RequestID)
	logFailure(ge, pc.RequestID, pc.Route, r)
	return proxy.ErrorResponse(ge)
}

func logFailure(ge *errors.GatewayError, requestID, route string, r *http.Request) {
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("route", route),
		zap.String("kind", string(ge.Kind)),
		zap.Int("status", ge.Code),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
	}
	if cause := stderrors.Unwrap(ge); cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	logging.Log(ge.Kind.LogLevel(), ge.Message, fields...)
}

// authError maps an authenticator failure onto a gateway error.
func authError(err error) *errors.GatewayError {
	if ge, ok := errors.As(err); ok {
		return ge
	}
	return errors.Wrap(err, errors.ErrAuthFailed)
}

func clientID(pc *plugin.Context) string {
	if pc.Identity != nil {
		return pc.Identity.ClientID
	}
	return ""
}

// requestID returns the correlation id for r: the incoming header when
// trusted and sane, otherwise a fresh UUID.
func (st *gatewayState) requestID(r *http.Request) string {
	if st.trustRequestID {
		if id := r.Header.Get(st.requestIDHeader); id != "" && len(id) <= maxRequestIDLen {
			return id
		}
	}
	return uuid.NewString()
}

package gateway

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/circuitbreaker"
	"github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/tracing"
	"github.com/wudi/gatekeeper/internal/websocket"
)

// serveWebSocket handles an upgrade request on a WebSocket-enabled route.
// Rate limiting and the circuit breaker apply as for HTTP; the backend call
// becomes a frame relay. It returns the status sent to the client.
func (g *Gateway) serveWebSocket(w http.ResponseWriter, r *http.Request, st *gatewayState, rs *routeState, requestID, clientIP string) int {
	route := rs.route.Path
	reject := func(ge *errors.GatewayError) int {
		ge = ge.WithRequestID(requestID)
		logFailure(ge, requestID, route, r)
		w.Header().Set(st.requestIDHeader, requestID)
		ge.WriteJSON(w)
		return ge.Code
	}

	if rs.limiter != nil {
		key := rs.limiter.Key("", clientIP)
		if !rs.limiter.TryAcquire(r.Context(), key) {
			g.metrics.RateLimited()
			return reject(errors.ErrRateLimited)
		}
	}

	var ticket circuitbreaker.Ticket
	if rs.breaker != nil {
		t, err := rs.breaker.Allow()
		if err != nil {
			return reject(errors.Wrap(err, errors.ErrServiceUnavailable))
		}
		ticket = t
	}

	target := websocket.BackendURL(rs.route, r)
	dialHeader := websocket.BackendHeader(r, st.requestIDHeader, requestID)
	tracing.InjectHeaders(r.Context(), dialHeader)
	backend, _, err := rs.ws.Dial(r.Context(), target, dialHeader)
	if err != nil {
		if rs.breaker != nil {
			if r.Context().Err() != nil {
				rs.breaker.Release(ticket)
			} else {
				rs.breaker.Record(ticket, false)
			}
		}
		return reject(errors.Wrap(err, errors.ErrBadGateway))
	}
	// A completed handshake shows the backend is healthy; the relay itself
	// may last far longer than a trial should.
	if rs.breaker != nil {
		rs.breaker.Record(ticket, true)
	}

	g.metrics.WebSocketOpened()
	defer g.metrics.WebSocketClosed()

	log := logging.With(zap.String("request_id", requestID), zap.String("route", route))
	log.Debug("websocket relay started", zap.String("backend", target))
	header := make(http.Header)
	header.Set(st.requestIDHeader, requestID)
	if err := rs.ws.Serve(w, r, backend, header); err != nil {
		log.Debug("websocket relay ended", zap.Error(err))
	} else {
		log.Debug("websocket relay closed")
	}
	return http.StatusSwitchingProtocols
}

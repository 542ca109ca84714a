package errors

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap/zapcore"
)

// Kind classifies a gateway failure. It decides the client status and the
// level the failure is logged at.
type Kind string

const (
	KindRouteNotFound           Kind = "route_not_found"
	KindRateLimited             Kind = "rate_limited"
	KindServiceUnavailable      Kind = "service_unavailable"
	KindAuthFailed              Kind = "auth_failed"
	KindMissingAuthToken        Kind = "missing_auth_token"
	KindInvalidAuthHeader       Kind = "invalid_auth_header"
	KindTokenExpired            Kind = "token_expired"
	KindInsufficientPermissions Kind = "insufficient_permissions"
	KindPluginRejected          Kind = "plugin_rejected"
	KindProxyError              Kind = "proxy_error"
	KindGatewayTimeout          Kind = "gateway_timeout"
	KindInvalidDestination      Kind = "invalid_destination"
	KindRequestTooLarge         Kind = "request_too_large"
	KindConfigReload            Kind = "config_reload"
	KindPluginExecution         Kind = "plugin_execution"
	KindInternal                Kind = "internal_error"
)

// LogLevel returns the level a failure of this kind is logged at.
func (k Kind) LogLevel() zapcore.Level {
	switch k {
	case KindServiceUnavailable, KindProxyError, KindGatewayTimeout,
		KindInvalidDestination, KindConfigReload, KindInternal:
		return zapcore.ErrorLevel
	}
	return zapcore.WarnLevel
}

// GatewayError is a failure returned to clients as a JSON body.
type GatewayError struct {
	Kind       Kind   `json:"error"`
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

func (e *GatewayError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.underlying
}

// Is matches another GatewayError of the same kind, so errors.Is works
// against the base values below.
func (e *GatewayError) Is(target error) bool {
	t, ok := target.(*GatewayError)
	return ok && t.Kind == e.Kind
}

// Body returns the JSON encoding written by WriteJSON.
func (e *GatewayError) Body() []byte {
	if pre, ok := preSerialized[e]; ok {
		return pre
	}
	b, _ := json.Marshal(e)
	return append(b, '\n')
}

// WriteJSON writes the error as JSON to the response.
func (e *GatewayError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	w.Write(e.Body())
}

// Base errors, one per client-visible kind.
var (
	ErrRouteNotFound = &GatewayError{
		Kind:    KindRouteNotFound,
		Code:    http.StatusNotFound,
		Message: "Route Not Found",
	}

	ErrRateLimited = &GatewayError{
		Kind:    KindRateLimited,
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	ErrServiceUnavailable = &GatewayError{
		Kind:    KindServiceUnavailable,
		Code:    http.StatusServiceUnavailable,
		Message: "Service Unavailable",
	}

	ErrAuthFailed = &GatewayError{
		Kind:    KindAuthFailed,
		Code:    http.StatusUnauthorized,
		Message: "Authentication Failed",
	}

	ErrMissingAuthToken = &GatewayError{
		Kind:    KindMissingAuthToken,
		Code:    http.StatusUnauthorized,
		Message: "Missing Authentication Token",
	}

	ErrInvalidAuthHeader = &GatewayError{
		Kind:    KindInvalidAuthHeader,
		Code:    http.StatusUnauthorized,
		Message: "Invalid Authorization Header",
	}

	ErrTokenExpired = &GatewayError{
		Kind:    KindTokenExpired,
		Code:    http.StatusUnauthorized,
		Message: "Token Expired",
	}

	ErrInsufficientPermissions = &GatewayError{
		Kind:    KindInsufficientPermissions,
		Code:    http.StatusForbidden,
		Message: "Insufficient Permissions",
	}

	ErrPluginRejected = &GatewayError{
		Kind:    KindPluginRejected,
		Code:    http.StatusForbidden,
		Message: "Request Rejected",
	}

	ErrBadGateway = &GatewayError{
		Kind:    KindProxyError,
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrGatewayTimeout = &GatewayError{
		Kind:    KindGatewayTimeout,
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}

	ErrInvalidDestination = &GatewayError{
		Kind:    KindInvalidDestination,
		Code:    http.StatusInternalServerError,
		Message: "Invalid Destination",
	}

	ErrRequestTooLarge = &GatewayError{
		Kind:    KindRequestTooLarge,
		Code:    http.StatusRequestEntityTooLarge,
		Message: "Request Entity Too Large",
	}

	// ErrConfigReload is never written to a proxy client; reload callers
	// match it with errors.Is.
	ErrConfigReload = &GatewayError{
		Kind:    KindConfigReload,
		Code:    http.StatusBadRequest,
		Message: "Configuration Reload Rejected",
	}

	ErrPluginExecution = &GatewayError{
		Kind:    KindPluginExecution,
		Code:    http.StatusInternalServerError,
		Message: "Plugin Execution Failed",
	}

	ErrInternal = &GatewayError{
		Kind:    KindInternal,
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}
)

// preSerialized holds JSON-encoded bytes for base error singletons.
var preSerialized map[*GatewayError][]byte

func init() {
	bases := []*GatewayError{
		ErrRouteNotFound, ErrRateLimited, ErrServiceUnavailable,
		ErrAuthFailed, ErrMissingAuthToken, ErrInvalidAuthHeader,
		ErrTokenExpired, ErrInsufficientPermissions, ErrPluginRejected,
		ErrBadGateway, ErrGatewayTimeout, ErrInvalidDestination,
		ErrRequestTooLarge, ErrInternal,
	}
	preSerialized = make(map[*GatewayError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(e)
		b = append(b, '\n') // match json.Encoder behavior
		preSerialized[e] = b
	}
}

// Wrap returns a copy of base carrying err as its cause.
func Wrap(err error, base *GatewayError) *GatewayError {
	return &GatewayError{
		Kind:       base.Kind,
		Code:       base.Code,
		Message:    base.Message,
		Details:    base.Details,
		RequestID:  base.RequestID,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *GatewayError) WithDetails(details string) *GatewayError {
	return &GatewayError{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		RequestID:  e.RequestID,
		underlying: e.underlying,
	}
}

// WithRequestID adds a request ID to the error
func (e *GatewayError) WithRequestID(requestID string) *GatewayError {
	return &GatewayError{
		Kind:       e.Kind,
		Code:       e.Code,
		Message:    e.Message,
		Details:    e.Details,
		RequestID:  requestID,
		underlying: e.underlying,
	}
}

// As extracts a GatewayError from err's chain.
func As(err error) (*GatewayError, bool) {
	for err != nil {
		if ge, ok := err.(*GatewayError); ok {
			return ge, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

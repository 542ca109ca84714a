package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/errors"
	"github.com/wudi/gatekeeper/internal/logging"
)

// RecoveryConfig configures the recovery middleware
type RecoveryConfig struct {
	// RequestIDHeader names the correlation header copied into the error body.
	RequestIDHeader string
	// PrintStack captures the stack trace when a panic occurs
	PrintStack bool
	// LogFunc is called when a panic occurs
	LogFunc func(err any, stack []byte)
}

func defaultLogFunc(err any, stack []byte) {
	logging.Error("panic recovered",
		zap.String("kind", string(errors.KindInternal)),
		zap.Any("error", err),
		zap.ByteString("stack", stack),
	)
}

// Recovery creates a panic recovery middleware with default settings.
func Recovery(requestIDHeader string) Middleware {
	return RecoveryWithConfig(RecoveryConfig{
		RequestIDHeader: requestIDHeader,
		PrintStack:      true,
	})
}

// RecoveryWithConfig turns a panic in the wrapped handler into a 500
// internal_error response. http.ErrAbortHandler is re-raised.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	if cfg.LogFunc == nil {
		cfg.LogFunc = defaultLogFunc
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				var stack []byte
				if cfg.PrintStack {
					stack = debug.Stack()
				}
				cfg.LogFunc(rec, stack)

				ge := errors.ErrInternal.WithDetails(fmt.Sprintf("panic: %v", rec))
				if cfg.RequestIDHeader != "" {
					if id := w.Header().Get(cfg.RequestIDHeader); id != "" {
						ge = ge.WithRequestID(id)
					} else if id := r.Header.Get(cfg.RequestIDHeader); id != "" {
						ge = ge.WithRequestID(id)
					}
				}
				ge.WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

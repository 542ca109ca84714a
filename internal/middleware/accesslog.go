package middleware

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/gatekeeper/internal/logging"
	"github.com/wudi/gatekeeper/internal/variables"
)

var accessRWPool = sync.Pool{
	New: func() any { return &statusRecorder{} },
}

// AccessLogConfig configures the access log middleware
type AccessLogConfig struct {
	// RequestIDHeader is read from the response to correlate the entry.
	RequestIDHeader string
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// AccessLog writes one structured entry per request once the wrapped
// handler returns.
func AccessLog(cfg AccessLogConfig) Middleware {
	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := accessRWPool.Get().(*statusRecorder)
			rec.ResponseWriter = w
			rec.status = http.StatusOK
			rec.bytes = 0

			next.ServeHTTP(rec, r)

			fields := make([]zap.Field, 0, 9)
			fields = append(fields,
				zap.String("remote_addr", variables.ExtractClientIP(r)),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Int64("body_bytes", rec.bytes),
				zap.Duration("response_time", time.Since(start)),
			)
			if cfg.RequestIDHeader != "" {
				if id := w.Header().Get(cfg.RequestIDHeader); id != "" {
					fields = append(fields, zap.String("request_id", id))
				}
			}
			if r.URL.RawQuery != "" {
				fields = append(fields, zap.String("query", r.URL.RawQuery))
			}
			if ua := r.UserAgent(); ua != "" {
				fields = append(fields, zap.String("user_agent", ua))
			}
			logging.Info("HTTP request", fields...)

			rec.ResponseWriter = nil
			accessRWPool.Put(rec)
		})
	}
}

// statusRecorder wraps http.ResponseWriter to capture status and bytes
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker so WebSocket upgrades pass through.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		sr.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

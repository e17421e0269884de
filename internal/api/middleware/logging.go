package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/feedlens/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// accessLog collects identity resolved further down the chain. Context values set
// by Authenticate are not visible to Logger once the inner handler returns, so
// Authenticate writes through this pointer instead.
type accessLog struct {
	tenantID string
	callerID string
}

func withAccessLog(ctx context.Context, l *accessLog) context.Context {
	return context.WithValue(ctx, accessLogKey, l)
}

func annotateAccessLog(r *http.Request, tenantID, callerID string) {
	if l, ok := r.Context().Value(accessLogKey).(*accessLog); ok {
		l.tenantID = tenantID
		l.callerID = callerID
	}
}

// Logger writes one structured line per request and counts it in metrics.
// Server errors log at error level, other 4xx responses at warn.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		al := &accessLog{}

		next.ServeHTTP(rec, r.WithContext(withAccessLog(r.Context(), al)))

		metrics.ObserveHTTPRequest(r.Method, rec.status)

		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		}
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			attrs = append(attrs, "route", rc.RoutePattern())
		}
		if al.callerID != "" {
			attrs = append(attrs, "tenant_id", al.tenantID, "caller_id", al.callerID)
		}

		switch {
		case rec.status >= 500:
			slog.Error("request", attrs...)
		case rec.status >= 400:
			slog.Warn("request", attrs...)
		default:
			slog.Info("request", attrs...)
		}
	})
}

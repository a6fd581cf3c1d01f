package gateway

import (
	"context"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/core-tools/hsu-host/pkg/metrics"
)

const RequestIDHeader = "X-Request-ID"

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// chain wraps the gateway handler. Recovery sits inside metrics so a
// recovered panic is counted as a 500.
func chain(m *metrics.Collector, prefix string, next http.Handler) http.Handler {
	return withRequestID(withMetrics(m, prefix, chimiddleware.Recoverer(next)))
}

// withRequestID reuses a client supplied X-Request-ID or assigns a new one.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func withMetrics(m *metrics.Collector, prefix string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.GatewayRequest(routeLabel(r.Method, stripPrefix(r.URL.Path, prefix)), status)
	})
}

// routeLabel keeps the metric label set bounded.
func routeLabel(method, path string) string {
	if method == http.MethodOptions {
		return "preflight"
	}
	if modelRoutes[path] || path == "/models" {
		return path
	}
	return "other"
}

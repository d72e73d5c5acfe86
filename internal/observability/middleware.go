package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
)

// HTTPMetricsMiddleware records request counts and latency. httpsnoop keeps
// the Flusher and Hijacker interfaces of w, so SSE and websocket upgrades
// pass through unchanged.
func HTTPMetricsMiddleware(metrics *MetricsCollector, next http.Handler) http.Handler {
	if metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.ActiveRequests.Inc()
		defer metrics.ActiveRequests.Dec()

		m := httpsnoop.CaptureMetrics(next, w, r)
		metrics.observeHTTP(r.Method, RouteLabel(r.URL.Path), m.Code, m.Duration)
	})
}

func (m *MetricsCollector) observeHTTP(method, path string, code int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusCode(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// RouteLabel replaces the session id in session routes so the path label
// stays bounded.
func RouteLabel(path string) string {
	const prefix = "/v1/sessions/"
	if !strings.HasPrefix(path, prefix) || len(path) == len(prefix) {
		return path
	}
	rest := path[len(prefix):]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return prefix + "{id}" + rest[i:]
	}
	return prefix + "{id}"
}

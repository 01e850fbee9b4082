package middleware

import (
	"net/http"
	"strconv"
	"time"
)

// knownRoutes are the paths served by the operations listener.
var knownRoutes = map[string]bool{
	"/":        true,
	"/health":  true,
	"/ready":   true,
	"/metrics": true,
}

// routeLabel maps a request path to a bounded label set. Unknown paths
// collapse to "other" so scanners cannot inflate metric cardinality.
func routeLabel(path string) string {
	if knownRoutes[path] {
		return path
	}
	return "other"
}

// HTTPMetrics records request count, duration and response size. Scrapes of
// /metrics are not recorded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/metrics" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				routeLabel(r.URL.Path),
				strconv.Itoa(rw.statusCode),
				time.Since(start).Seconds(),
				rw.size,
			)
		})
	}
}

package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are reported verbatim.
var staticRoutes = map[string]bool{
	"/":            true,
	"/health":      true,
	"/ready":       true,
	"/metrics":     true,
	"/dashboard":   true,
	"/controls":    true,
	"/collect":     true,
	"/connections": true,
	"/export":      true,
	"/exports":     true,
	"/audit":       true,
	"/wipe":        true,
}

// normalizePath maps concrete paths to route patterns so export ids and
// control keys do not explode label cardinality.
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "controls":
		return "/controls/{key}"
	case len(parts) == 2 && parts[0] == "connections":
		return "/connections/{provider}"
	case len(parts) == 2 && parts[0] == "exports":
		return "/exports/{id}"
	case len(parts) == 3 && parts[0] == "exports" && parts[2] == "verify":
		return "/exports/{id}/verify"
	}
	return "/other"
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	if !mrw.wroteHeader {
		mrw.WriteHeader(http.StatusOK)
	}
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

func (mrw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return mrw.ResponseWriter
}

// HTTPMetrics records duration, sizes and counts per normalized route.
// Probe endpoints are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}

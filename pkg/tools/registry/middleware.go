package registry

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// wrapRoute instruments a provider route. Produced files are served
// through these routes, so besides request count and latency the size of
// each response is observed. Server errors are logged with the route.
func wrapRoute(providerName string, route Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &routeWriter{ResponseWriter: w, status: http.StatusOK}

		route.Handler.ServeHTTP(rw, r)

		status := strconv.Itoa(rw.status)
		routeRequests.WithLabelValues(providerName, r.Method, route.Pattern, status).Inc()
		routeDuration.WithLabelValues(providerName, r.Method, route.Pattern).Observe(time.Since(start).Seconds())
		routeBytes.WithLabelValues(providerName, route.Pattern).Observe(float64(rw.bytes))

		if rw.status >= http.StatusInternalServerError {
			slog.Warn("provider route failed", "provider", providerName, "path", r.URL.Path, "status", rw.status)
		}
	}
}

// routeWriter records the status code and body size of a route response.
type routeWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

// WriteHeader keeps the first status code; later calls only reach the
// underlying writer, which reports them as superfluous.
func (w *routeWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

// Write counts the bytes sent. A write without WriteHeader implies 200.
func (w *routeWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Flush forwards to the underlying writer when it supports flushing.
func (w *routeWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *routeWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

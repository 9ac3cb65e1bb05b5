// Package metrics exposes Prometheus counters for cache, upstream and
// lookup outcomes plus an HTTP middleware for the API server.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drugradar",
			Name:      "cache_requests_total",
			Help:      "Cache lookups by cache and result (hit, miss)",
		},
		[]string{"cache", "result"},
	)

	RemoteRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drugradar",
			Name:      "remote_requests_total",
			Help:      "Upstream requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	Lookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "drugradar",
			Name:      "lookups_total",
			Help:      "Lookup service calls by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "drugradar",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path", "status"},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(CacheRequests, RemoteRequests, Lookups, httpRequestDuration)
	})
}

// Middleware records request duration labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		path := "unknown"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		httpRequestDuration.WithLabelValues(r.Method, path, strconv.Itoa(ww.status)).
			Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_http_requests_total",
			Help: "Total number of HTTP requests served by the farm API.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "farm_http_request_duration_seconds",
			Help: "HTTP request duration in seconds. Synchronous calls include the time spent queued and running.",
			// Synchronous calls can run for minutes.
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 15, 60, 300},
		},
		[]string{"method", "path"},
	)

	httpCallFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_http_call_failures_total",
			Help: "Synchronous calls answered with an error, by HTTP status and whether the worker failure was fatal.",
		},
		[]string{"status", "fatal"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(httpCallFailures)

	for _, status := range []int{
		http.StatusNotFound,
		http.StatusRequestTimeout,
		http.StatusUnprocessableEntity,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	} {
		httpCallFailures.WithLabelValues(strconv.Itoa(status), "false")
	}
	httpCallFailures.WithLabelValues(strconv.Itoa(http.StatusBadGateway), "true")
}

// observeCallFailure counts a synchronous call answered with status.
func observeCallFailure(status int, fatal bool) {
	httpCallFailures.WithLabelValues(strconv.Itoa(status), strconv.FormatBool(fatal)).Inc()
}

// metricsMiddleware counts and times requests, labelled by chi route
// pattern so that call ids never become label values.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "servicegraph_build_info",
			Help: "Build information of the servicegraph API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicegraph_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "servicegraph_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "servicegraph_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "servicegraph_store_query_duration_seconds",
			Help:    "Duration of event store queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	StoreQueryErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicegraph_store_query_errors_total",
			Help: "Total number of failed event store queries",
		},
		[]string{"query"},
	)

	StoreRowsInsertedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "servicegraph_store_rows_inserted_total",
			Help: "Total number of rows appended to the event store",
		},
		[]string{"table"},
	)

	ConnectionsCheckedOut = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "servicegraph_clickhouse_connections_checked_out",
			Help: "Number of ClickHouse connection handles currently checked out",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// ObserveQuery records the duration and outcome of a store query started at start.
func ObserveQuery(query string, start time.Time, err error) {
	StoreQueryDuration.WithLabelValues(query).Observe(time.Since(start).Seconds())
	if err != nil {
		StoreQueryErrorsTotal.WithLabelValues(query).Inc()
	}
}

package admin

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var adminRequests = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "kestrel_admin_request_seconds",
		Help:    "Admin API request latency, labelled by method, route, and status.",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"method", "route", "status"},
)

// metricsMiddleware observes latency and outcome for every admin
// request. The matched chi route pattern is used as the route label so
// path parameters don't blow up cardinality; requests that match no
// route are bucketed together.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		adminRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).
			Observe(time.Since(start).Seconds())
	})
}

// metricsHandler returns the Prometheus scrape handler, exposing the
// admin request histogram alongside the pool's gauges and counters.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webcal_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webcal_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	sourceFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webcal_source_fetch_total",
		Help: "Calendar source fetches by result.",
	}, []string{"result"})

	sourceFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webcal_source_fetch_duration_seconds",
		Help:    "Histogram of per-source fetch latencies.",
		Buckets: prometheus.DefBuckets,
	})

	fetchCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webcal_fetch_cycles_total",
		Help: "Fetch cycles by outcome (committed, superseded).",
	}, []string{"outcome"})

	resourcesSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webcal_resources_skipped_total",
		Help: "Raw resources or candidates skipped during expansion, by reason.",
	}, []string{"reason"})

	occurrencesIndexed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "webcal_occurrences_indexed",
		Help: "Number of occurrences currently held in the index.",
	})

	writesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webcal_writes_total",
		Help: "Calendar object writes by operation and result.",
	}, []string{"op", "result"})
)

// Middleware records request metrics per chi route pattern.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := routePattern(r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetch records the outcome of one source fetch.
func ObserveFetch(start time.Time, err error) {
	sourceFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		sourceFetchTotal.WithLabelValues("error").Inc()
		return
	}
	sourceFetchTotal.WithLabelValues("ok").Inc()
}

// CycleCommitted and CycleSuperseded count fetch cycle outcomes.
func CycleCommitted()  { fetchCyclesTotal.WithLabelValues("committed").Inc() }
func CycleSuperseded() { fetchCyclesTotal.WithLabelValues("superseded").Inc() }

// ResourceSkipped counts a raw resource or candidate dropped during expansion.
func ResourceSkipped(reason string) {
	resourcesSkippedTotal.WithLabelValues(reason).Inc()
}

// SetIndexed publishes the current index size.
func SetIndexed(n int) {
	occurrencesIndexed.Set(float64(n))
}

// ObserveWrite records a create/update/delete attempt.
func ObserveWrite(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	writesTotal.WithLabelValues(op, result).Inc()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

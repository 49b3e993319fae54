package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sip",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sip",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "settlement",
			Name:      "commitments_total",
			Help:      "Total number of commitment settlement attempts.",
		},
		[]string{"result"},
	)

	rootsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "settlement",
			Name:      "roots_published_total",
			Help:      "Total number of batch roots published.",
		},
	)

	batchesFinalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "batcher",
			Name:      "batches_finalized_total",
			Help:      "Total number of batches finalized per destination.",
		},
		[]string{"destination"},
	)

	claimsReleased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "privacy",
			Name:      "claims_released_total",
			Help:      "Total number of mixing claims released.",
		},
	)

	vaultMovements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sip",
			Subsystem: "vault",
			Name:      "movements_total",
			Help:      "Total number of vault deposits and withdrawals.",
		},
		[]string{"direction"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		settlements,
		rootsPublished,
		batchesFinalized,
		claimsReleased,
		vaultMovements,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordSettlement records one settlement attempt by outcome.
func RecordSettlement(result string) {
	settlements.WithLabelValues(result).Inc()
}

// RecordRootPublished records one published root.
func RecordRootPublished() {
	rootsPublished.Inc()
}

// RecordBatchFinalized records one finalized batch.
func RecordBatchFinalized(destination string) {
	if destination == "" {
		destination = "unknown"
	}
	batchesFinalized.WithLabelValues(destination).Inc()
}

// RecordClaimsReleased records released mixing claims.
func RecordClaimsReleased(count int) {
	claimsReleased.Add(float64(count))
}

// RecordVaultMovement records a deposit or a withdrawal.
func RecordVaultMovement(direction string) {
	vaultMovements.WithLabelValues(direction).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	switch parts[0] {
	case "settlement", "vault":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		return "/" + parts[0] + "/" + parts[1]
	case "pools", "batches", "claims", "intents":
		if len(parts) == 1 {
			return "/" + parts[0]
		}
		return "/" + parts[0] + "/:id"
	default:
		return "/" + parts[0]
	}
}

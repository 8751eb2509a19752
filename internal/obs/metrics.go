package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Hub metrics
var (
	registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpihub_registrations_total",
			Help: "Party registrations by result.",
		},
		[]string{"result"},
	)

	credentialTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpihub_credential_transitions_total",
			Help: "Credential state transitions.",
		},
		[]string{"from", "to"},
	)

	forwardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ocpihub_forwards_total",
			Help: "Module requests dispatched by the router.",
		},
		[]string{"module", "method", "outcome"},
	)

	dedupeReplays = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocpihub_dedupe_replays_total",
		Help: "Mutating module requests answered from the dedupe window.",
	})

	auditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ocpihub_audit_failures_total",
		Help: "Audit records that could not be written.",
	})

	organizationsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ocpihub_organizations",
			Help: "Registered organizations by role.",
		},
		[]string{"role"},
	)

	routedObjectsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ocpihub_routed_objects",
			Help: "Location and session pushes routed by the hub.",
		},
		[]string{"module"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ocpihub_ready",
		Help: "1 when the readiness probe passes.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			registrationsTotal, credentialTransitions, forwardsTotal,
			dedupeReplays, auditFailures, organizationsGauge, routedObjectsGauge,
			readyGauge,
		)
	})
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveRegistration(result string) { registrationsTotal.WithLabelValues(result).Inc() }

func ObserveTransition(from, to string) { credentialTransitions.WithLabelValues(from, to).Inc() }

func ObserveForward(module, method, outcome string) {
	forwardsTotal.WithLabelValues(module, method, outcome).Inc()
}

func IncDedupeReplay() { dedupeReplays.Inc() }

func IncAuditFailure() { auditFailures.Inc() }

func SetOrganizations(role string, n int64) { organizationsGauge.WithLabelValues(role).Set(float64(n)) }

func SetRoutedObjects(module string, n int64) { routedObjectsGauge.WithLabelValues(module).Set(float64(n)) }

// SetReady mirrors the readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath folds identifiers out of request paths to bound label cardinality.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "organizations" && parts[1] != "register":
		return "/organizations/:id"
	case len(parts) == 4 && parts[0] == "admin" && parts[1] == "organizations":
		return "/admin/organizations/:id/" + parts[3]
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps server-sent event streams working behind the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

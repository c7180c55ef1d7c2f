// Package metrics houses the process metric families on a namespaced,
// fully resettable Prometheus registry. Every deployment constructs its
// own Registry so the same family names never collide across namespaces,
// and tests can wipe state between cases.
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RequestLatencyBuckets are the serving-latency bucket bounds in seconds.
var RequestLatencyBuckets = []float64{0.05, 0.1, 0.2, 0.5, 1.0}

// middlewareLatencyBuckets cover the sub-request work done by the chain.
var middlewareLatencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

// exporterDurationBuckets cover per-phase export wallclock.
var exporterDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// backoffBuckets cover retry sleep durations.
var backoffBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Registry owns a dedicated prometheus.Registry plus typed handles to
// every metric family the service emits. All families are vecs, even the
// label-free ones, so Reset can zero the whole set.
type Registry struct {
	namespace string
	registry  *prometheus.Registry

	RequestTotal   *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec

	RateLimitDecisions *prometheus.CounterVec
	RateLimitLatency   *prometheus.HistogramVec

	IdempotencyHits    *prometheus.CounterVec
	IdempotencyReplays *prometheus.CounterVec
	IdempotencyLatency *prometheus.HistogramVec

	AuthOK      *prometheus.CounterVec
	AuthFail    *prometheus.CounterVec
	AuthLatency *prometheus.HistogramVec

	ReadinessChecks *prometheus.CounterVec

	ExporterDuration *prometheus.HistogramVec
	ExporterBytes    *prometheus.CounterVec
	ExportJobs       *prometheus.CounterVec
	ExportRows       *prometheus.CounterVec
	ExportErrors     *prometheus.CounterVec

	DownloadSigned *prometheus.CounterVec
	TokenRotation  *prometheus.CounterVec

	RetryAttempts   *prometheus.CounterVec
	RetryExhaustion *prometheus.CounterVec
	RetryBackoff    *prometheus.HistogramVec

	AllocationNoCandidate *prometheus.CounterVec

	resettables []interface{ Reset() }
}

// New builds a Registry for the given namespace. The namespace is
// sanitized to a legal metric prefix; an empty namespace is allowed.
func New(namespace string) *Registry {
	r := &Registry{
		namespace: sanitizeNamespace(namespace),
		registry:  prometheus.NewRegistry(),
	}

	r.RequestTotal = r.counter("request_total",
		"HTTP requests served.", "method", "path", "status")
	r.RequestLatency = r.histogram("request_latency_seconds",
		"HTTP request latency.", RequestLatencyBuckets, "method", "path")

	r.RateLimitDecisions = r.counter("rate_limit_decision_total",
		"Rate limit decisions by outcome.", "decision")
	r.RateLimitLatency = r.histogram("rate_limit_latency_seconds",
		"Rate limit middleware latency.", middlewareLatencyBuckets)

	r.IdempotencyHits = r.counter("idempotency_hits_total",
		"Idempotency lookups by outcome.", "outcome")
	r.IdempotencyReplays = r.counter("idempotency_replays_total",
		"Cached responses replayed byte-identically.")
	r.IdempotencyLatency = r.histogram("idempotency_latency_seconds",
		"Idempotency middleware latency.", middlewareLatencyBuckets)

	r.AuthOK = r.counter("auth_ok_total",
		"Successful authentications by role.", "role")
	r.AuthFail = r.counter("auth_fail_total",
		"Failed authentications by reason.", "reason")
	r.AuthLatency = r.histogram("auth_latency_seconds",
		"Auth middleware latency.", middlewareLatencyBuckets)

	r.ReadinessChecks = r.counter("readiness_checks",
		"Probe executions by component and status.", "component", "status")

	r.ExporterDuration = r.histogram("exporter_duration_seconds",
		"Export pipeline wallclock per phase.", exporterDurationBuckets, "phase")
	r.ExporterBytes = r.counter("exporter_bytes_total",
		"Bytes written to export files.", "format")
	r.ExportJobs = r.counter("export_jobs_total",
		"Export jobs reaching a terminal status.", "status")
	r.ExportRows = r.counter("export_rows_total",
		"Rows written to export files.", "format")
	r.ExportErrors = r.counter("export_errors_total",
		"Export failures by error type.", "type")

	r.DownloadSigned = r.counter("download_signed_total",
		"Signed URL issue/verify outcomes.", "outcome")
	r.TokenRotation = r.counter("token_rotation_total",
		"Signing key set mutations.", "event")

	r.RetryAttempts = r.counter("retry_attempts_total",
		"Retry engine attempts by operation and outcome.", "op", "outcome")
	r.RetryExhaustion = r.counter("retry_exhaustion_total",
		"Operations that exhausted their retry budget.", "op")
	r.RetryBackoff = r.histogram("retry_backoff_seconds",
		"Backoff sleeps issued by the retry engine.", backoffBuckets, "op")

	r.AllocationNoCandidate = r.counter("allocation_no_candidate_total",
		"Allocation runs where no mentor passed every rule.")

	return r
}

// Namespace reports the sanitized metric prefix.
func (r *Registry) Namespace() string { return r.namespace }

// Handler serves the Prometheus text exposition for this registry only.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Gatherer exposes the underlying registry for tests and diagnostics.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.registry }

// Register adds an extra collector, e.g. build info.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.registry.Register(c)
}

// Reset zeroes every family. Families vanish from the exposition until
// the next observation, which is what test isolation wants.
func (r *Registry) Reset() {
	for _, v := range r.resettables {
		v.Reset()
	}
}

func (r *Registry) counter(name, help string, labels ...string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: r.namespace,
		Name:      name,
		Help:      help,
	}, labels)
	r.registry.MustRegister(vec)
	r.resettables = append(r.resettables, vec)
	return vec
}

func (r *Registry) histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: r.namespace,
		Name:      name,
		Help:      help,
		Buckets:   buckets,
	}, labels)
	r.registry.MustRegister(vec)
	r.resettables = append(r.resettables, vec)
	return vec
}

// sanitizeNamespace maps an arbitrary deployment name onto the metric
// name grammar [a-zA-Z_][a-zA-Z0-9_]*.
func sanitizeNamespace(ns string) string {
	var b strings.Builder
	for i, c := range ns {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
			b.WriteRune(c)
		case c >= '0' && c <= '9':
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(c)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
	"github.com/peyvand-edu/sabt-core/pkg/obslog"
)

// requestState travels with one request through the middleware chain.
// Middlewares append their tag when they enforce (not when bypassed),
// which is what the diagnostics snapshot and the reference handler
// report back.
type requestState struct {
	correlationID string
	chain         []string
}

type stateKey struct{}

func withState(ctx context.Context, st *requestState) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

func stateFrom(ctx context.Context) *requestState {
	st, _ := ctx.Value(stateKey{}).(*requestState)
	return st
}

func pushChain(ctx context.Context, tag string) {
	if st := stateFrom(ctx); st != nil {
		st.chain = append(st.chain, tag)
	}
}

// ChainFrom returns the middleware tags recorded so far.
func ChainFrom(ctx context.Context) []string {
	if st := stateFrom(ctx); st != nil {
		return st.chain
	}
	return nil
}

// CorrelationID returns the id minted or propagated for this request.
func CorrelationID(ctx context.Context) string {
	if st := stateFrom(ctx); st != nil {
		return st.correlationID
	}
	return ""
}

// statusRecorder captures the final status code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// pathLabel collapses request paths onto a bounded label set so
// request_total stays low-cardinality under path scans.
func pathLabel(p string) string {
	switch p {
	case "/api/jobs", "/exports", "/download", "/healthz", "/readyz", "/metrics":
		return p
	}
	switch {
	case strings.HasPrefix(p, "/exports/"):
		return "/exports/{id}"
	case strings.HasPrefix(p, "/ui/"):
		return "/ui/*"
	default:
		return "other"
	}
}

// WithRequestState is the outermost wrapper: it mints or propagates the
// correlation id, echoes it on X-Request-ID, seeds the per-request
// state, and records request_total / request_latency_seconds.
func WithRequestState(clk clock.Clock, m *metrics.Registry, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
			if cid == "" {
				cid = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", cid)

			st := &requestState{correlationID: cid}
			ctx := withState(r.Context(), st)
			ctx = obslog.WithCorrelation(ctx, cid)

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			start := clk.Monotonic()
			next.ServeHTTP(rec, r.WithContext(ctx))
			elapsed := clk.Monotonic() - start

			label := pathLabel(r.URL.Path)
			m.RequestTotal.WithLabelValues(r.Method, label, strconv.Itoa(rec.status)).Inc()
			m.RequestLatency.WithLabelValues(r.Method, label).Observe(elapsed)

			log.InfoContext(ctx, "request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_seconds", elapsed,
			)
		})
	}
}

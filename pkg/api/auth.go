package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/peyvand-edu/sabt-core/pkg/auth"
	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
)

// authBypass paths authenticate elsewhere: probes are open by contract
// and downloads carry their own signature.
func authBypass(p string) bool {
	switch p {
	case "/healthz", "/readyz", "/download":
		return true
	}
	return false
}

// Auth resolves the bearer token (or X-Metrics-Token on /metrics) to an
// actor and attaches it to the request context. Control characters in
// either header fail the request before any lookup.
func Auth(reg *auth.Registry, clk clock.Clock, m *metrics.Registry, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := clk.Monotonic()
			defer func() {
				m.AuthLatency.WithLabelValues().Observe(clk.Monotonic() - start)
			}()

			if authBypass(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			pushChain(r.Context(), "Auth")

			isMetrics := r.URL.Path == "/metrics"
			failCode := CodeUnauthorized
			if isMetrics {
				failCode = CodeMetricsTokenInvalid
			}

			rawAuth := r.Header.Get("Authorization")
			rawMetrics := r.Header.Get("X-Metrics-Token")
			if auth.HasControl(rawAuth) || auth.HasControl(rawMetrics) {
				m.AuthFail.WithLabelValues("malformed").Inc()
				WriteError(w, http.StatusUnauthorized, failCode)
				return
			}

			var token string
			switch {
			case rawAuth != "":
				scheme, rest, ok := strings.Cut(rawAuth, " ")
				if !ok || !strings.EqualFold(scheme, "Bearer") {
					m.AuthFail.WithLabelValues("malformed").Inc()
					WriteError(w, http.StatusUnauthorized, failCode)
					return
				}
				token = rest
			case isMetrics:
				token = rawMetrics
			}

			actor, err := reg.Authenticate(token, isMetrics)
			if err != nil {
				reason := auth.FailReason(err)
				m.AuthFail.WithLabelValues(reason).Inc()
				status := http.StatusUnauthorized
				if errors.Is(err, auth.ErrScopeDenied) {
					status = http.StatusForbidden
				}
				log.WarnContext(r.Context(), "authentication failed",
					"reason", reason, "path", r.URL.Path)
				WriteError(w, status, failCode)
				return
			}

			m.AuthOK.WithLabelValues(string(actor.Role)).Inc()
			ctx := auth.WithActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

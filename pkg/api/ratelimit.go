package api

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/kvstore"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
)

// bypassPath reports whether RateLimit and Idempotency skip this path.
func bypassPath(p string) bool {
	switch p {
	case "/healthz", "/readyz", "/metrics":
		return true
	}
	return strings.HasPrefix(p, "/ui/")
}

// RateLimitConfig tunes the fixed-window limiter.
type RateLimitConfig struct {
	// Requests allowed per client per window.
	Requests int
	Window   time.Duration
	// Penalty is advertised via Retry-After on a block.
	Penalty time.Duration
	// Namespace prefixes the counter buckets in the shared store.
	Namespace string
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.Requests <= 0 {
		c.Requests = 100
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Penalty <= 0 {
		c.Penalty = c.Window
	}
	if c.Namespace == "" {
		c.Namespace = "sabt"
	}
	return c
}

// clientKey identifies the caller: an explicit X-Client-ID wins,
// otherwise the peer address without its port.
func clientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return host
}

// failOpenLimiter is the local backstop used when the shared store is
// unreachable: per-client token buckets so an outage degrades to
// node-local limiting instead of either hard-failing or going unbounded.
type failOpenLimiter struct {
	mu       sync.Mutex
	visitors map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newFailOpenLimiter(cfg RateLimitConfig) *failOpenLimiter {
	return &failOpenLimiter{
		visitors: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds()),
		burst:    cfg.Requests,
	}
}

func (l *failOpenLimiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.visitors[client]
	if !ok {
		if len(l.visitors) >= 10000 {
			// map reset at cap keeps memory bounded during an outage
			clear(l.visitors)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.visitors[client] = lim
	}
	return lim.Allow()
}

// RateLimit enforces a fixed window per client through the shared
// store. Window buckets are keyed `ns:rl:{client}:{floor(now/window)}`
// and expire with the window itself.
func RateLimit(cfg RateLimitConfig, store kvstore.Store, clk clock.Clock, m *metrics.Registry, log *slog.Logger) func(http.Handler) http.Handler {
	cfg = cfg.withDefaults()
	fallback := newFailOpenLimiter(cfg)
	windowSec := int64(cfg.Window / time.Second)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := clk.Monotonic()
			defer func() {
				m.RateLimitLatency.WithLabelValues().Observe(clk.Monotonic() - start)
			}()

			if bypassPath(r.URL.Path) {
				m.RateLimitDecisions.WithLabelValues("bypass").Inc()
				next.ServeHTTP(w, r)
				return
			}
			pushChain(r.Context(), "RateLimit")

			client := clientKey(r)
			bucket := fmt.Sprintf("%s:rl:%s:%d", cfg.Namespace, client, clk.Now().Unix()/windowSec)

			count, err := store.Incr(r.Context(), bucket, cfg.Window)
			if err != nil {
				log.WarnContext(r.Context(), "rate limit store unavailable, failing open",
					"error", err, "client", client)
				if !fallback.allow(client) {
					block(w, m, cfg)
					return
				}
				m.RateLimitDecisions.WithLabelValues("allow").Inc()
				next.ServeHTTP(w, r)
				return
			}

			if count > int64(cfg.Requests) {
				block(w, m, cfg)
				return
			}

			m.RateLimitDecisions.WithLabelValues("allow").Inc()
			remaining := cfg.Requests - int(count)
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			next.ServeHTTP(w, r)
		})
	}
}

func block(w http.ResponseWriter, m *metrics.Registry, cfg RateLimitConfig) {
	m.RateLimitDecisions.WithLabelValues("block").Inc()
	w.Header().Set("Retry-After", strconv.Itoa(int(cfg.Penalty/time.Second)))
	WriteError(w, http.StatusTooManyRequests, CodeRateLimitExceeded)
}

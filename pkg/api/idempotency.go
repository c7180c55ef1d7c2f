package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/kvstore"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
)

// processingMarker is stored under the idempotency key while the first
// request is still executing, so concurrent duplicates can tell
// "in flight" from "never seen".
const processingMarker = "__processing__"

// DefaultIdempotencyTTL bounds how long responses replay.
const DefaultIdempotencyTTL = 24 * time.Hour

// NormalizeIdempotencyKey collapses whitespace runs and trims, so keys
// differing only in header formatting dedupe together.
func NormalizeIdempotencyKey(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// storedResponse is the replay record kept in the KV store. Body bytes
// round-trip through base64 inside the JSON encoding, guaranteeing the
// replay is byte-identical.
type storedResponse struct {
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers"`
	Body      []byte            `json:"body"`
	MediaType string            `json:"media_type"`
}

// responseCapture tees the handler's response into a buffer so it can
// be stored for replay.
type responseCapture struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.status = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// Idempotency makes mutating requests replayable: the first execution
// under a key is captured and every later request with the same key
// within the TTL receives the stored bytes. GET/HEAD and bypass paths
// pass through untouched.
func Idempotency(ttl time.Duration, store kvstore.Store, clk clock.Clock, m *metrics.Registry, log *slog.Logger) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := clk.Monotonic()
			defer func() {
				m.IdempotencyLatency.WithLabelValues().Observe(clk.Monotonic() - start)
			}()

			if r.Method == http.MethodGet || r.Method == http.MethodHead || bypassPath(r.URL.Path) {
				m.IdempotencyHits.WithLabelValues("bypass").Inc()
				next.ServeHTTP(w, r)
				return
			}
			pushChain(r.Context(), "Idempotency")

			key := NormalizeIdempotencyKey(r.Header.Get("Idempotency-Key"))
			if key == "" {
				m.IdempotencyHits.WithLabelValues("reject").Inc()
				WriteError(w, http.StatusBadRequest, CodeIdempotencyKeyRequired)
				return
			}
			storeKey := "idem:" + key

			cached, found, err := store.Get(r.Context(), storeKey)
			if err != nil {
				log.WarnContext(r.Context(), "idempotency store unavailable, executing uncached",
					"error", err)
				m.IdempotencyHits.WithLabelValues("miss").Inc()
				next.ServeHTTP(w, r)
				return
			}
			if found && cached != processingMarker {
				replay(w, m, cached)
				return
			}
			if !found {
				ok, err := store.SetNX(r.Context(), storeKey, processingMarker, ttl)
				if err != nil {
					log.WarnContext(r.Context(), "idempotency claim failed, executing uncached",
						"error", err)
					m.IdempotencyHits.WithLabelValues("miss").Inc()
					next.ServeHTTP(w, r)
					return
				}
				if ok {
					execute(w, r, next, store, storeKey, ttl, m, log)
					return
				}
				// Lost the claim race: a concurrent sibling owns the key.
				// Re-read in case it already finished.
				cached, found, err = store.Get(r.Context(), storeKey)
				if err == nil && found && cached != processingMarker {
					replay(w, m, cached)
					return
				}
			}

			// First request still in flight. Never run the handler twice:
			// report busy and let the client retry into the cached hit.
			m.IdempotencyHits.WithLabelValues("reject").Inc()
			WriteError(w, http.StatusConflict, "EXPORT_DUPLICATE")
		})
	}
}

func execute(w http.ResponseWriter, r *http.Request, next http.Handler, store kvstore.Store, storeKey string, ttl time.Duration, m *metrics.Registry, log *slog.Logger) {
	m.IdempotencyHits.WithLabelValues("miss").Inc()

	capture := &responseCapture{ResponseWriter: w, status: http.StatusOK}
	next.ServeHTTP(capture, r)

	headers := make(map[string]string)
	for k, vals := range capture.Header() {
		// X-Request-ID stays per-request; replaying it would clobber the
		// correlation echo of later requests.
		if len(vals) == 0 || !strings.HasPrefix(k, "X-") || k == "X-Request-ID" {
			continue
		}
		headers[k] = vals[0]
	}

	record := storedResponse{
		Status:    capture.status,
		Headers:   headers,
		Body:      capture.body.Bytes(),
		MediaType: capture.Header().Get("Content-Type"),
	}
	buf, err := json.Marshal(record)
	if err != nil {
		log.ErrorContext(r.Context(), "idempotency record encode failed", "error", err)
		return
	}
	if err := store.Set(r.Context(), storeKey, string(buf), ttl); err != nil {
		log.WarnContext(r.Context(), "idempotency record store failed", "error", err)
	}
}

func replay(w http.ResponseWriter, m *metrics.Registry, cached string) {
	var record storedResponse
	if err := json.Unmarshal([]byte(cached), &record); err != nil {
		// Unreadable record: safer to fail the duplicate than re-execute.
		m.IdempotencyHits.WithLabelValues("reject").Inc()
		WriteError(w, http.StatusConflict, "EXPORT_DUPLICATE")
		return
	}

	m.IdempotencyHits.WithLabelValues("hit").Inc()
	m.IdempotencyReplays.WithLabelValues().Inc()

	for k, v := range record.Headers {
		w.Header().Set(k, v)
	}
	if record.MediaType != "" {
		w.Header().Set("Content-Type", record.MediaType)
	}
	w.WriteHeader(record.Status)
	_, _ = w.Write(record.Body)
}

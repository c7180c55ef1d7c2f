// Package api is the HTTP surface of the export service: the layered
// middleware chain (RateLimit → Idempotency → Auth), the job endpoints,
// signed downloads, probes and the metrics exposition. Client-visible
// failures always render the Persian error envelope.
package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/peyvand-edu/sabt-core/pkg/auth"
	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/delivery"
	"github.com/peyvand-edu/sabt-core/pkg/export"
	"github.com/peyvand-edu/sabt-core/pkg/jobs"
	"github.com/peyvand-edu/sabt-core/pkg/kvstore"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
	"github.com/peyvand-edu/sabt-core/pkg/obslog"
	"github.com/peyvand-edu/sabt-core/pkg/probes"
	"github.com/peyvand-edu/sabt-core/pkg/rowsource"
	"github.com/peyvand-edu/sabt-core/pkg/signing"
)

// maxExportBody bounds POST /exports payloads. Filters and options fit
// in well under a kilobyte; anything bigger is a client bug.
const maxExportBody = 1 << 20

//go:embed schema/export_request.schema.json
var exportRequestSchemaJSON string

var exportRequestSchema = mustCompileRequestSchema()

func mustCompileRequestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://sabt.schemas.local/api/export_request.schema.json"
	if err := c.AddResource(url, strings.NewReader(exportRequestSchemaJSON)); err != nil {
		panic(fmt.Sprintf("export request schema resource: %v", err))
	}
	return c.MustCompile(url)
}

// Config tunes the HTTP surface.
type Config struct {
	// Namespace scopes rate buckets, idempotency records and job keys.
	Namespace string
	RateLimit RateLimitConfig
	// IdempotencyTTL bounds response replay; zero means 24h.
	IdempotencyTTL time.Duration
	// HealthTimeout bounds each probe on /healthz.
	HealthTimeout time.Duration
	// ReadinessTimeout bounds each probe on /readyz.
	ReadinessTimeout time.Duration
	// EnableDiagnostics records per-request middleware chains.
	EnableDiagnostics bool
}

// Server owns the handlers and their collaborators.
type Server struct {
	cfg    Config
	store  kvstore.Store
	runner *jobs.Runner
	signer *signing.URLSigner
	tokens *auth.Registry
	clk    clock.Clock
	log    *slog.Logger
	m      *metrics.Registry
	health *probes.Aggregator
	ready  *probes.Aggregator
	// downloadRoot is the base directory signed download paths resolve
	// under; it matches the job runner's output base.
	downloadRoot string
	diag         *Diagnostics
}

// NewServer wires the surface. probeSet is shared by /healthz and
// /readyz, each running it under its own timeout.
func NewServer(
	cfg Config,
	store kvstore.Store,
	runner *jobs.Runner,
	signer *signing.URLSigner,
	tokens *auth.Registry,
	clk clock.Clock,
	log *slog.Logger,
	m *metrics.Registry,
	downloadRoot string,
	probeSet ...probes.Probe,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	log = obslog.Named(log, "api")

	s := &Server{
		cfg:          cfg,
		store:        store,
		runner:       runner,
		signer:       signer,
		tokens:       tokens,
		clk:          clk,
		log:          log,
		m:            m,
		health:       probes.NewAggregator(cfg.HealthTimeout, log, m, probeSet...),
		ready:        probes.NewAggregator(cfg.ReadinessTimeout, log, m, probeSet...),
		downloadRoot: downloadRoot,
	}
	if cfg.EnableDiagnostics {
		s.diag = NewDiagnostics(128)
	}
	return s
}

// Diagnostics exposes the chain ring buffer, nil unless enabled.
func (s *Server) Diagnostics() *Diagnostics { return s.diag }

// Handler assembles the full chain around the route mux. Execution
// order outermost to innermost: request state, rate limit, idempotency,
// auth, handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs", s.handleJobsRef)
	mux.HandleFunc("/exports", s.handleExports)
	mux.HandleFunc("/exports/", s.handleExportByID)
	mux.HandleFunc("/download", s.handleDownload)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", s.m.Handler())
	// Unmatched paths get the envelope, not the mux's plain-text 404.
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		WriteCode(w, CodeNotFound)
	})

	var h http.Handler = mux
	h = Auth(s.tokens, s.clk, s.m, s.log)(h)
	h = Idempotency(s.cfg.IdempotencyTTL, s.store, s.clk, s.m, s.log)(h)
	cfg := s.cfg.RateLimit
	cfg.Namespace = s.cfg.Namespace
	h = RateLimit(cfg, s.store, s.clk, s.m, s.log)(h)
	h = s.recordChain(h)
	h = WithRequestState(s.clk, s.m, s.log)(h)
	return h
}

// recordChain snapshots each request's middleware traversal when
// diagnostics are enabled. It sits just inside the state wrapper so the
// snapshot sees the final chain.
func (s *Server) recordChain(next http.Handler) http.Handler {
	if s.diag == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)
		s.diag.Record(ChainSnapshot{
			CorrelationID: CorrelationID(r.Context()),
			Path:          r.URL.Path,
			Chain:         ChainFrom(r.Context()),
		})
	})
}

// refResponse is the reference handler body used to assert chain order.
type refResponse struct {
	Processed       bool     `json:"processed"`
	CorrelationID   string   `json:"correlation_id"`
	MiddlewareChain []string `json:"middleware_chain"`
}

// handleJobsRef answers POST /api/jobs: the minimal traversal probe for
// the middleware chain.
func (s *Server) handleJobsRef(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteCode(w, CodeMethodNotAllowed)
		return
	}
	WriteJSON(w, http.StatusOK, refResponse{
		Processed:       true,
		CorrelationID:   CorrelationID(r.Context()),
		MiddlewareChain: ChainFrom(r.Context()),
	})
}

// exportRequest is the POST /exports payload, schema-validated before
// decoding.
type exportRequest struct {
	Filters rowsource.Filters `json:"filters"`
	Options export.Options    `json:"options"`
}

// jobResponse is a job record plus signed download links once the run
// succeeded.
type jobResponse struct {
	*jobs.Job
	Downloads []downloadLink `json:"downloads,omitempty"`
}

type downloadLink struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (s *Server) handleExports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteCode(w, CodeMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxExportBody))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "EXPORT_VALIDATION_ERROR:payload")
		return
	}

	var generic any
	if err := json.Unmarshal(body, &generic); err != nil {
		WriteError(w, http.StatusBadRequest, "EXPORT_VALIDATION_ERROR:payload")
		return
	}
	if err := exportRequestSchema.Validate(generic); err != nil {
		s.log.WarnContext(r.Context(), "export request rejected by schema", "error", err.Error())
		WriteError(w, http.StatusBadRequest, "EXPORT_VALIDATION_ERROR:payload")
		return
	}

	var req exportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "EXPORT_VALIDATION_ERROR:payload")
		return
	}

	// The idempotency middleware already rejected blank keys.
	key := NormalizeIdempotencyKey(r.Header.Get("Idempotency-Key"))
	job, err := s.runner.Submit(r.Context(), req.Filters, req.Options, key, s.cfg.Namespace)
	if err != nil {
		s.writeJobError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, s.jobResponse(job))
}

func (s *Server) handleExportByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteCode(w, CodeMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/exports/")
	if id == "" || strings.Contains(id, "/") {
		WriteCode(w, CodeNotFound)
		return
	}

	job, err := s.runner.Get(r.Context(), s.cfg.Namespace, id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			WriteCode(w, CodeNotFound)
			return
		}
		s.internal(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, s.jobResponse(job))
}

// jobResponse attaches signed download links for finished jobs. Links
// are minted per request, so each carries a fresh expiry.
func (s *Server) jobResponse(job *jobs.Job) jobResponse {
	resp := jobResponse{Job: job}
	if job.Status != jobs.StatusSuccess || job.Manifest == nil || s.signer == nil {
		return resp
	}
	names := append([]string{}, job.Manifest.Metadata.FilesOrder...)
	names = append(names, export.ManifestName)
	for _, name := range names {
		grant, err := s.signer.Issue(path.Join(job.Namespace, job.ID, name), 0)
		if err != nil {
			continue
		}
		resp.Downloads = append(resp.Downloads, downloadLink{
			Name: name,
			URL:  "/download?" + grant.Query().Encode(),
		})
	}
	return resp
}

func (s *Server) writeJobError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, jobs.ErrDuplicate) {
		WriteCode(w, "EXPORT_DUPLICATE")
		return
	}
	if code := export.CodeOf(err); code != "" {
		WriteError(w, StatusFor(code), code)
		return
	}
	s.internal(w, r, err)
}

// internal logs the cause and hides it from the client.
func (s *Server) internal(w http.ResponseWriter, r *http.Request, err error) {
	s.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err.Error())
	WriteCode(w, CodeInternal)
}

// handleDownload streams a file authorized by its signed query. The
// decoded path is resolved strictly under the download root.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteCode(w, CodeMethodNotAllowed)
		return
	}

	rel, outcome := s.signer.Verify(r.URL.Query())
	if outcome != signing.OutcomeOK {
		s.log.WarnContext(r.Context(), "download rejected", "outcome", string(outcome))
		status := http.StatusForbidden
		if outcome == signing.OutcomeMalformed {
			status = http.StatusBadRequest
		}
		WriteError(w, status, CodeUnauthorized)
		return
	}

	full := filepath.Join(s.downloadRoot, filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	f, err := os.Open(full)
	if err != nil {
		WriteCode(w, CodeNotFound)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", delivery.ContentType(full))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filepath.Base(full)))
	if _, err := io.Copy(w, f); err != nil {
		s.log.WarnContext(r.Context(), "download stream interrupted", "error", err.Error())
	}
}

// healthBody is the probe report served by /healthz and /readyz.
type healthBody struct {
	Status     string          `json:"status"`
	Components []probes.Result `json:"components"`
}

// handleHealthz reports liveness plus per-component detail. It always
// answers 200: the process is alive enough to run its probes.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteCode(w, CodeMethodNotAllowed)
		return
	}
	results := s.health.Run(r.Context())
	status := "ok"
	if !probes.Healthy(results) {
		status = "degraded"
	}
	WriteJSON(w, http.StatusOK, healthBody{Status: status, Components: results})
}

// handleReadyz gates traffic: 200 only when every dependency passes.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteCode(w, CodeMethodNotAllowed)
		return
	}
	results := s.ready.Run(r.Context())
	if !probes.Healthy(results) {
		WriteJSON(w, http.StatusServiceUnavailable, healthBody{Status: "unavailable", Components: results})
		return
	}
	WriteJSON(w, http.StatusOK, healthBody{Status: "ok", Components: results})
}

// Serve runs the surface on addr until ctx is canceled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

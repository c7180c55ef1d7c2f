// Package jobs runs exports in the background with idempotent
// submission: one job per (namespace, idempotency key) within the
// 24-hour tracking window, one worker goroutine per job.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peyvand-edu/sabt-core/pkg/clock"
	"github.com/peyvand-edu/sabt-core/pkg/delivery"
	"github.com/peyvand-edu/sabt-core/pkg/export"
	"github.com/peyvand-edu/sabt-core/pkg/kvstore"
	"github.com/peyvand-edu/sabt-core/pkg/metrics"
	"github.com/peyvand-edu/sabt-core/pkg/obslog"
	"github.com/peyvand-edu/sabt-core/pkg/rowsource"
)

// Status is a job lifecycle state. Transitions are strictly
// PENDING → RUNNING → SUCCESS | FAILED.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// trackTTL bounds how long a (namespace, idempotency key) maps to its
// job. 24 hours, matching the idempotency window.
const trackTTL = 86400 * time.Second

// runningSentinel occupies the tracking key between acquisition and the
// job-id write. A loser reading it treats the submission as untracked.
const runningSentinel = "RUNNING"

// ErrDuplicate reports a concurrent submission whose tracking entry
// exists but cannot be resolved to a job yet.
var ErrDuplicate = &export.Error{Code: "EXPORT_DUPLICATE"}

// ErrNotFound reports an unknown job id.
var ErrNotFound = errors.New("jobs: job not found")

// Job is one export run and its outcome. The JSON form is what
// GET /exports/{id} returns.
type Job struct {
	ID             string            `json:"id"`
	Namespace      string            `json:"namespace"`
	IdempotencyKey string            `json:"idempotency_key"`
	Status         Status            `json:"status"`
	Filters        rowsource.Filters `json:"filters"`
	Options        export.Options    `json:"options"`
	Snapshot       export.Snapshot   `json:"snapshot"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	Error          string            `json:"error,omitempty"`
	Manifest       *export.Manifest  `json:"manifest,omitempty"`
	OutputDir      string            `json:"output_dir,omitempty"`
}

// Terminal reports whether the job has finished.
func (j *Job) Terminal() bool {
	return j.Status == StatusSuccess || j.Status == StatusFailed
}

// Runner owns job state and the worker goroutines.
type Runner struct {
	store   kvstore.Store
	exp     *export.Exporter
	clk     clock.Clock
	log     *slog.Logger
	m       *metrics.Registry
	baseDir string
	mirror  delivery.Uploader
	wg      sync.WaitGroup
}

// NewRunner wires a job runner. baseDir is the root under which each
// job writes its files (baseDir/namespace/jobID).
func NewRunner(store kvstore.Store, exp *export.Exporter, clk clock.Clock, log *slog.Logger, m *metrics.Registry, baseDir string) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		store:   store,
		exp:     exp,
		clk:     clk,
		log:     obslog.Named(log, "jobs"),
		m:       m,
		baseDir: baseDir,
	}
}

// SetMirror enables post-success object-storage mirroring. Mirror
// failures are logged and counted, never fatal to the job.
func (r *Runner) SetMirror(up delivery.Uploader) { r.mirror = up }

func trackKey(ns, idemKey string) string {
	return fmt.Sprintf("phase6:exports:%s:%s", ns, idemKey)
}

func jobKey(ns, id string) string {
	return fmt.Sprintf("phase6:exports:%s:job:%s", ns, id)
}

// Submit starts a job or resolves the one already tracked under
// (namespace, idempotencyKey). The returned job is a snapshot; poll Get
// for progress.
func (r *Runner) Submit(ctx context.Context, f rowsource.Filters, opts export.Options, idempotencyKey, namespace string) (*Job, error) {
	if idempotencyKey == "" {
		return nil, errors.New("jobs: idempotency key required")
	}
	if namespace == "" {
		namespace = "default"
	}

	key := trackKey(namespace, idempotencyKey)
	acquired, err := r.store.SetNX(ctx, key, runningSentinel, trackTTL)
	if err != nil {
		return nil, fmt.Errorf("jobs: acquire %q: %w", idempotencyKey, err)
	}
	if !acquired {
		return r.resolveExisting(ctx, namespace, key)
	}

	id := uuid.NewString()
	now := r.clk.Now().UTC()
	job := &Job{
		ID:             id,
		Namespace:      namespace,
		IdempotencyKey: idempotencyKey,
		Status:         StatusPending,
		Filters:        f,
		Options:        opts,
		Snapshot:       export.Snapshot{Marker: "snapshot-" + id, CreatedAt: now},
		CreatedAt:      now,
		OutputDir:      filepath.Join(r.baseDir, namespace, id),
	}
	if err := r.put(ctx, job); err != nil {
		// Roll the tracking key back so a later submission can win.
		_ = r.store.Delete(ctx, key)
		return nil, err
	}
	if err := r.store.Set(ctx, key, id, trackTTL); err != nil {
		r.log.WarnContext(ctx, "job tracking write failed, duplicates will reject until expiry",
			"job_id", id, "error", err.Error())
	}

	r.wg.Add(1)
	go r.work(*job)

	r.log.InfoContext(ctx, "export job submitted",
		"job_id", id, "namespace", namespace, "year", f.Year)
	snapshot := *job
	return &snapshot, nil
}

// resolveExisting maps a lost SetNX race to either the tracked job or
// EXPORT_DUPLICATE when the winner has not recorded its id yet.
func (r *Runner) resolveExisting(ctx context.Context, namespace, key string) (*Job, error) {
	val, found, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("jobs: read tracking key: %w", err)
	}
	if !found || val == runningSentinel {
		return nil, ErrDuplicate
	}
	job, err := r.Get(ctx, namespace, val)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return job, nil
}

// Get loads one job record.
func (r *Runner) Get(ctx context.Context, namespace, id string) (*Job, error) {
	raw, found, err := r.store.Get(ctx, jobKey(namespace, id))
	if err != nil {
		return nil, fmt.Errorf("jobs: read job %s: %w", id, err)
	}
	if !found {
		return nil, ErrNotFound
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("jobs: decode job %s: %w", id, err)
	}
	return &job, nil
}

func (r *Runner) put(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("jobs: encode job %s: %w", job.ID, err)
	}
	if err := r.store.Set(ctx, jobKey(job.Namespace, job.ID), string(data), trackTTL); err != nil {
		return fmt.Errorf("jobs: persist job %s: %w", job.ID, err)
	}
	return nil
}

// work owns the job from RUNNING to its terminal state. It runs on a
// background context: a caller hanging up must not cancel the export.
func (r *Runner) work(job Job) {
	defer r.wg.Done()
	ctx := obslog.WithCorrelation(context.Background(), job.ID)

	started := r.clk.Now().UTC()
	job.Status = StatusRunning
	job.StartedAt = &started
	if err := r.put(ctx, &job); err != nil {
		r.log.ErrorContext(ctx, "job state write failed", "job_id", job.ID, "error", err.Error())
	}

	res, err := r.exp.Run(ctx, job.OutputDir, job.Filters, job.Options, job.Snapshot, job.ID)

	finished := r.clk.Now().UTC()
	job.FinishedAt = &finished
	if err != nil {
		job.Status = StatusFailed
		job.Error = errorCode(err)
		r.log.ErrorContext(ctx, "export job failed",
			"job_id", job.ID, "code", job.Error, "error", err.Error())
	} else {
		job.Status = StatusSuccess
		job.Manifest = res.Manifest
		r.mirrorResult(ctx, &job, res)
	}
	// Terminal transition happens exactly once per job.
	r.m.ExportJobs.WithLabelValues(string(job.Status)).Inc()

	if err := r.put(ctx, &job); err != nil {
		r.log.ErrorContext(ctx, "job state write failed", "job_id", job.ID, "error", err.Error())
	}
	r.log.InfoContext(ctx, "export job finished", "job_id", job.ID, "status", string(job.Status))
}

func (r *Runner) mirrorResult(ctx context.Context, job *Job, res *export.Result) {
	if r.mirror == nil {
		return
	}
	if err := delivery.Mirror(ctx, r.mirror, res.Dir, res.Manifest, r.log); err != nil {
		r.m.ExportErrors.WithLabelValues("mirror").Inc()
		r.log.WarnContext(ctx, "export mirror failed, files remain published locally",
			"job_id", job.ID, "error", err.Error())
	}
}

// errorCode reduces a pipeline error to its stable code; raw messages
// stay in the logs, not in client-visible job records.
func errorCode(err error) string {
	if code := export.CodeOf(err); code != "" {
		return code
	}
	return "INTERNAL_SERVER_ERROR"
}

// Drain blocks until every in-flight job finishes or ctx expires.
func (r *Runner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
